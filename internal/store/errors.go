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

package store

import (
	"fmt"

	qkcod "github.com/sabouaram/qkchat/internal/codes"

	liberr "github.com/nabbar/golib/errors"
)

const pkgName = "qkchat/internal/store"

const (
	ErrorParamEmpty liberr.CodeError = iota + qkcod.MinPkgStore
	ErrorAcquireTimeout
	ErrorTransactionAborted
	ErrorUniqueViolation
	ErrorConstraintViolation
	ErrorBackendDown
	ErrorBackendTimeout
	ErrorNestedTransaction
)

func init() {
	if liberr.ExistInMapMessage(ErrorParamEmpty) {
		panic(fmt.Errorf("error code collision with package %s", pkgName))
	}
	liberr.RegisterIdFctMessage(ErrorParamEmpty, getMessage)
}

func getMessage(code liberr.CodeError) (message string) {
	switch code {
	case liberr.UnknownError:
		return liberr.NullMessage
	case ErrorParamEmpty:
		return "store: given parameters is empty"
	case ErrorAcquireTimeout:
		return "store: timed out acquiring a pooled connection"
	case ErrorTransactionAborted:
		return "store: transaction aborted"
	case ErrorUniqueViolation:
		return "store: unique constraint violated"
	case ErrorConstraintViolation:
		return "store: constraint violated"
	case ErrorBackendDown:
		return "store: backend unreachable"
	case ErrorBackendTimeout:
		return "store: backend timed out"
	case ErrorNestedTransaction:
		return "store: nested transactions are not supported"
	}

	return liberr.NullMessage
}
