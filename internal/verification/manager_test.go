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

package verification_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	libgorm "github.com/nabbar/golib/database/gorm"

	qkstore "github.com/sabouaram/qkchat/internal/store"
	"github.com/sabouaram/qkchat/internal/verification"
)

// fakeRedis is a minimal in-memory stand-in for the narrow Redis fast-path
// interface the manager declares for itself.
type fakeRedis struct {
	mu    sync.Mutex
	vals  map[string]string
	until map[string]time.Time
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: map[string]string{}, until: map[string]time.Time{}}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vals[key] = value.(string)
	f.until[key] = time.Now().Add(ttl)
	return nil
}

func (f *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.until[key]; ok && time.Now().After(t) {
		return "", errNotFound
	}
	v, ok := f.vals[key]
	if !ok {
		return "", errNotFound
	}
	return v, nil
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.vals, k)
		delete(f.until, k)
	}
	return nil
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.until[key]; ok && !time.Now().After(t) {
		return false, nil
	}
	f.vals[key] = value.(string)
	f.until[key] = time.Now().Add(ttl)
	return true, nil
}

func (f *fakeRedis) TTL(ctx context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.until[key]
	if !ok {
		return 0, nil
	}
	return time.Until(t), nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound notFoundErr

var _ verification.Redis = (*fakeRedis)(nil)

// recordingDispatcher captures the last code it was asked to send, playing
// the role of the SMTP collaborator.
type recordingDispatcher struct {
	mu   sync.Mutex
	last string
}

func (d *recordingDispatcher) Send(ctx context.Context, to, code string, typ qkstore.VerificationCodeType) error {
	d.mu.Lock()
	d.last = code
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) lastCode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func newTestDB() libgorm.Database {
	db, err := libgorm.New(&libgorm.Config{Driver: libgorm.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		Skip("CGO is required for SQLite integration tests")
	}
	Expect(qkstore.Migrate(db)).To(Succeed())
	return db
}

var _ = Describe("Manager", func() {
	It("issues a code and dispatches it via the Dispatcher", func() {
		db := newTestDB()
		redis := newFakeRedis()
		sender := &recordingDispatcher{}
		mgr := verification.New(db.GetDB(), redis, sender, verification.Config{
			MinInterval: 50 * time.Millisecond,
			CodeTTL:     time.Minute,
		}, nil)

		_, err := mgr.Issue(context.Background(), "a@b.com", qkstore.VerificationTypeRegistration, "1.2.3.4")
		Expect(err).To(BeNil())
		Expect(sender.lastCode()).To(HaveLen(6))
	})

	It("rate-limits a second issue for the same email within min_interval", func() {
		db := newTestDB()
		redis := newFakeRedis()
		sender := &recordingDispatcher{}
		mgr := verification.New(db.GetDB(), redis, sender, verification.Config{
			MinInterval: time.Minute,
			CodeTTL:     time.Minute,
		}, nil)

		_, err := mgr.Issue(context.Background(), "dup@b.com", qkstore.VerificationTypeRegistration, "1.2.3.4")
		Expect(err).To(BeNil())

		_, err2 := mgr.Issue(context.Background(), "dup@b.com", qkstore.VerificationTypeRegistration, "5.6.7.8")
		Expect(err2).ToNot(BeNil())
		Expect(err2.HasCode(verification.ErrorRateLimited)).To(BeTrue())
	})

	It("verifies the issued code as Success and rejects reuse as AlreadyUsed", func() {
		db := newTestDB()
		redis := newFakeRedis()
		sender := &recordingDispatcher{}
		mgr := verification.New(db.GetDB(), redis, sender, verification.Config{
			MinInterval: 10 * time.Millisecond,
			CodeTTL:     time.Minute,
		}, nil)

		_, err := mgr.Issue(context.Background(), "c@b.com", qkstore.VerificationTypeRegistration, "")
		Expect(err).To(BeNil())
		code := sender.lastCode()

		result := mgr.Verify(context.Background(), "c@b.com", code, qkstore.VerificationTypeRegistration)
		Expect(result).To(Equal(verification.Success))

		result2 := mgr.Verify(context.Background(), "c@b.com", code, qkstore.VerificationTypeRegistration)
		Expect(result2).To(Equal(verification.AlreadyUsed))
	})

	It("returns InvalidCode for a code that was never issued", func() {
		db := newTestDB()
		redis := newFakeRedis()
		mgr := verification.New(db.GetDB(), redis, nil, verification.Config{}, nil)

		result := mgr.Verify(context.Background(), "nouser@b.com", "000000", qkstore.VerificationTypeRegistration)
		Expect(result).To(Equal(verification.InvalidCode))
	})

	It("returns ExpiredCode once expires_at has passed", func() {
		db := newTestDB()
		redis := newFakeRedis()
		sender := &recordingDispatcher{}
		mgr := verification.New(db.GetDB(), redis, sender, verification.Config{
			MinInterval: 10 * time.Millisecond,
			CodeTTL:     30 * time.Millisecond,
		}, nil)

		_, err := mgr.Issue(context.Background(), "d@b.com", qkstore.VerificationTypeRegistration, "")
		Expect(err).To(BeNil())
		code := sender.lastCode()

		time.Sleep(60 * time.Millisecond)
		result := mgr.Verify(context.Background(), "d@b.com", code, qkstore.VerificationTypeRegistration)
		Expect(result).To(Equal(verification.ExpiredCode))
	})

	It("invalidates a previously issued unused code when a new one is issued for the same (email,type)", func() {
		db := newTestDB()
		redis := newFakeRedis()
		sender := &recordingDispatcher{}
		mgr := verification.New(db.GetDB(), redis, sender, verification.Config{
			MinInterval: time.Millisecond,
			CodeTTL:     time.Minute,
		}, nil)

		_, err := mgr.Issue(context.Background(), "e@b.com", qkstore.VerificationTypeRegistration, "")
		Expect(err).To(BeNil())
		firstCode := sender.lastCode()

		time.Sleep(5 * time.Millisecond)
		_, err2 := mgr.Issue(context.Background(), "e@b.com", qkstore.VerificationTypeRegistration, "")
		Expect(err2).To(BeNil())

		result := mgr.Verify(context.Background(), "e@b.com", firstCode, qkstore.VerificationTypeRegistration)
		Expect(result).ToNot(Equal(verification.Success))
	})
})
