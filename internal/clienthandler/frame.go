/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package clienthandler

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	maxFrameLen = 65536
	maxBuffer   = 1 << 20 // 1 MiB receive-buffer bound
)

// errDropHeader signals an L=0 header: "drops the header and continues" —
// not an error, just a no-op frame.
var errDropHeader = errors.New("clienthandler: zero-length frame dropped")

// readFrame reads one length-prefixed frame from r. io.ReadFull already
// absorbs TCP write-call splits at any byte boundary (it loops internally
// until the requested byte count is read or the connection errs), so no
// extra accumulation buffer of our own is needed.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	l := binary.BigEndian.Uint32(header[:])
	if l == 0 {
		return nil, errDropHeader
	}
	if l > maxFrameLen || l > maxBuffer {
		return nil, ErrorFramingViolation.Error(nil)
	}

	body := make([]byte, l)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeFrame prefixes payload with its 4-byte big-endian length and
// writes both in one call.
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	buf := make([]byte, 0, 4+len(payload))
	buf = append(buf, header[:]...)
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}
