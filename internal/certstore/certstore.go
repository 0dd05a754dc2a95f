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

// Package certstore assembles a crypto/tls.Config for the acceptor
// by wrapping github.com/nabbar/golib/certificates:
// cert/key pair plus optional root CAs in, *tls.Config out.
package certstore

import (
	"crypto/tls"

	libcrt "github.com/nabbar/golib/certificates"
)

// Config is the server.tls.* surface.
type Config struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	RootCAFiles  []string
	ServerName   string
}

// Build returns nil (plain TCP) when tls is disabled, or an assembled
// *tls.Config otherwise.
func Build(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	c := &libcrt.Config{}
	tc := c.New()

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		if err := tc.AddCertificatePairFile(cfg.KeyFile, cfg.CertFile); err != nil {
			return nil, ErrorLoadCertificate.Error(err)
		}
	}

	for _, ca := range cfg.RootCAFiles {
		if err := tc.AddRootCAFile(ca); err != nil {
			return nil, ErrorLoadRootCA.Error(err)
		}
	}

	return tc.TlsConfig(cfg.ServerName), nil
}
