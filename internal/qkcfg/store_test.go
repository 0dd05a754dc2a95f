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

package qkcfg_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sabouaram/qkchat/internal/qkcfg"
)

var _ = Describe("Store", func() {
	It("loads spec defaults when given no path", func() {
		s, err := qkcfg.New("", nil)
		Expect(err).To(BeNil())
		defer s.Stop()

		settings := s.Get()
		Expect(settings.Server.Port).To(Equal(8080))
		Expect(settings.Server.MaxClients).To(Equal(1000))
		Expect(settings.Server.UseTLS).To(BeTrue())
		Expect(settings.Security.PasswordMinLength).To(Equal(6))
		Expect(settings.Security.BcryptCost).To(Equal(10))
		Expect(settings.Queue.NumWorkers).To(Equal(4))
		Expect(settings.Queue.MaxRetries).To(Equal(3))
		Expect(settings.Cache.L1TTL).To(Equal(60 * time.Second))
	})

	It("overrides a default from a QKCHAT_-prefixed environment variable", func() {
		Expect(os.Setenv("QKCHAT_SERVER_PORT", "9999")).To(Succeed())
		defer os.Unsetenv("QKCHAT_SERVER_PORT")

		s, err := qkcfg.New("", nil)
		Expect(err).To(BeNil())
		defer s.Stop()

		Expect(s.Get().Server.Port).To(Equal(9999))
	})

	It("loads values from a config file, overriding the built-in default", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "qkchat.yaml")
		Expect(os.WriteFile(path, []byte("server:\n  port: 9090\n  max_clients: 42\n"), 0o644)).To(Succeed())

		s, err := qkcfg.New(path, nil)
		Expect(err).To(BeNil())
		defer s.Stop()

		settings := s.Get()
		Expect(settings.Server.Port).To(Equal(9090))
		Expect(settings.Server.MaxClients).To(Equal(42))
	})

	It("fails with ErrorFileRead when the given path does not exist", func() {
		_, err := qkcfg.New(filepath.Join(GinkgoT().TempDir(), "missing.yaml"), nil)
		Expect(err).ToNot(BeNil())
		Expect(err.HasCode(qkcfg.ErrorFileRead)).To(BeTrue())
	})

	It("reloads and fires OnChange callbacks when the watched file changes", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "qkchat.yaml")
		Expect(os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644)).To(Succeed())

		s, err := qkcfg.New(path, nil)
		Expect(err).To(BeNil())
		defer s.Stop()

		received := make(chan qkcfg.Settings, 4)
		s.OnChange(func(next qkcfg.Settings) {
			received <- next
		})

		Expect(s.Watch()).To(Succeed())

		Expect(os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o644)).To(Succeed())

		Eventually(func() int {
			select {
			case next := <-received:
				return next.Server.Port
			default:
				return 0
			}
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(9191))

		Eventually(func() int {
			return s.Get().Server.Port
		}, time.Second).Should(Equal(9191))
	})
})
