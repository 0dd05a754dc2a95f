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

package verification

import (
	"bytes"
	"context"
	"fmt"
	"io"

	libhms "github.com/matcornic/hermes/v2"

	libmailer "github.com/nabbar/golib/mailer"
	libsmtp "github.com/nabbar/golib/mail/smtp"

	qkstore "github.com/sabouaram/qkchat/internal/store"
)

// EmailDispatcher renders the verification-code email with
// github.com/nabbar/golib's hermes-backed templating
// (mailer.Config.NewMailer) and sends it through its SMTP transport
// (mail/smtp).
type EmailDispatcher struct {
	tmpl libmailer.Config
	from string
	smtp libsmtp.SMTP
}

func NewEmailDispatcher(tmpl libmailer.Config, from string, smtp libsmtp.SMTP) *EmailDispatcher {
	return &EmailDispatcher{tmpl: tmpl, from: from, smtp: smtp}
}

func (d *EmailDispatcher) Send(ctx context.Context, to, code string, typ qkstore.VerificationCodeType) error {
	subject := subjectFor(typ)

	cfg := d.tmpl
	cfg.Body = libhms.Body{
		Name:   to,
		Intros: []string{fmt.Sprintf("Your %s code is: %s", subject, code)},
		Outros: []string{"This code expires shortly; if you did not request it, ignore this email."},
	}

	m := cfg.NewMailer()
	html, err := m.GenerateHTML()
	if err != nil {
		return err
	}

	msg := buildMIME(d.from, to, subject, html)
	return d.smtp.Send(ctx, d.from, []string{to}, msg)
}

func subjectFor(typ qkstore.VerificationCodeType) string {
	switch typ {
	case qkstore.VerificationTypePasswordReset:
		return "password reset"
	case qkstore.VerificationTypeEmailChange:
		return "email change"
	default:
		return "registration"
	}
}

// mimeMessage is a minimal io.WriterTo adapter for libsmtp.SMTP.Send.
type mimeMessage struct {
	from, to, subject string
	html              *bytes.Buffer
}

func buildMIME(from, to, subject string, html *bytes.Buffer) *mimeMessage {
	return &mimeMessage{from: from, to: to, subject: subject, html: html}
}

func (m *mimeMessage) WriteTo(w io.Writer) (int64, error) {
	header := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n",
		m.from, m.to, m.subject)

	n1, err := w.Write([]byte(header))
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(m.html.Bytes())
	return int64(n1 + n2), err
}
