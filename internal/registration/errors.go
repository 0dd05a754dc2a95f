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

package registration

// Code is the closed result enum returned by Register.
type Code int

const (
	Success Code = iota
	InvalidInput
	UsernameExists
	EmailExists
	InvalidVerificationCode
	DatabaseError
	UserIdGenerationFailed
	PasswordTooWeak
	EmailFormatInvalid
	UsernameFormatInvalid
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case InvalidInput:
		return "InvalidInput"
	case UsernameExists:
		return "UsernameExists"
	case EmailExists:
		return "EmailExists"
	case InvalidVerificationCode:
		return "InvalidVerificationCode"
	case DatabaseError:
		return "DatabaseError"
	case UserIdGenerationFailed:
		return "UserIdGenerationFailed"
	case PasswordTooWeak:
		return "PasswordTooWeak"
	case EmailFormatInvalid:
		return "EmailFormatInvalid"
	case UsernameFormatInvalid:
		return "UsernameFormatInvalid"
	default:
		return "Unknown"
	}
}
