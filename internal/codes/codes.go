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

// Package codes defines the package-namespaced liberr.CodeError base
// offsets used by every new qkchat domain package, following the same
// MinPkgXxx convention as github.com/nabbar/golib/errors.
package codes

const (
	MinPkgConfigStore     = 4050
	MinPkgSession         = 4100
	MinPkgQueue           = 4200
	MinPkgRegistration    = 4300
	MinPkgVerification    = 4400
	MinPkgUserID          = 4500
	MinPkgProtocol        = 4600
	MinPkgClient          = 4700
	MinPkgAcceptor        = 4800
	MinPkgServerManager   = 4900
	MinPkgCacheMgr        = 5000
	MinPkgRedis           = 5100
	MinPkgStore           = 5200
	MinPkgCertStore       = 5300
)
