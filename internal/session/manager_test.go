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

package session_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	libred "github.com/redis/go-redis/v9"

	"github.com/sabouaram/qkchat/internal/session"
)

// fakeRedis is an in-memory stand-in for *redis.Client satisfying
// session.Redis, the narrow interface the manager was deliberately kept
// against so tests can substitute a miniature fake (internal/session/manager.go).
type fakeRedis struct {
	mu      sync.Mutex
	strings map[string]string
	ttls    map[string]time.Time
	sets    map[string]map[string]struct{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		strings: make(map[string]string),
		ttls:    make(map[string]time.Time),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (f *fakeRedis) expired(key string) bool {
	if t, ok := f.ttls[key]; ok && time.Now().After(t) {
		delete(f.strings, key)
		delete(f.ttls, key)
		return true
	}
	return false
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *libred.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = fmt.Sprintf("%v", value)
	if ttl > 0 {
		f.ttls[key] = time.Now().Add(ttl)
	} else {
		delete(f.ttls, key)
	}
	cmd := libred.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *libred.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := libred.NewStringCmd(ctx)
	if f.expired(key) {
		cmd.SetErr(libred.Nil)
		return cmd
	}
	v, ok := f.strings[key]
	if !ok {
		cmd.SetErr(libred.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *libred.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.strings[k]; ok {
			delete(f.strings, k)
			delete(f.ttls, k)
			n++
		}
		if _, ok := f.sets[k]; ok {
			delete(f.sets, k)
			n++
		}
	}
	cmd := libred.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) *libred.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = time.Now().Add(ttl)
	cmd := libred.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...interface{}) *libred.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	var n int64
	for _, m := range members {
		ms := fmt.Sprintf("%v", m)
		if _, exists := s[ms]; !exists {
			s[ms] = struct{}{}
			n++
		}
	}
	cmd := libred.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) SRem(ctx context.Context, key string, members ...interface{}) *libred.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	if s, ok := f.sets[key]; ok {
		for _, m := range members {
			ms := fmt.Sprintf("%v", m)
			if _, exists := s[ms]; exists {
				delete(s, ms)
				n++
			}
		}
	}
	cmd := libred.NewIntCmd(ctx)
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) *libred.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0)
	for m := range f.sets[key] {
		out = append(out, m)
	}
	cmd := libred.NewStringSliceCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) SCard(ctx context.Context, key string) *libred.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := libred.NewIntCmd(ctx)
	cmd.SetVal(int64(len(f.sets[key])))
	return cmd
}

var _ session.Redis = (*fakeRedis)(nil)

var _ = Describe("Manager", func() {
	var (
		redis *fakeRedis
		mgr   *session.Manager
	)

	BeforeEach(func() {
		redis = newFakeRedis()
		mgr = session.New(redis, nil, session.Config{
			DefaultTimeout:     200 * time.Millisecond,
			RememberMeTimeout:  24 * time.Hour,
			MaxSessionsPerUser: 2,
			SlidingWindow:      true,
			MultiDeviceSupport: true,
		}, nil)
	})

	It("Create then Validate returns the created session while unexpired", func() {
		token, err := mgr.Create(context.Background(), "000000001", "dev1", "client1", "127.0.0.1", false)
		Expect(err).To(BeNil())
		Expect(token).ToNot(BeEmpty())

		info, verr := mgr.Validate(context.Background(), token)
		Expect(verr).To(BeNil())
		Expect(info.UserID).To(Equal("000000001"))
		Expect(info.DeviceID).To(Equal("dev1"))
	})

	It("Validate after Destroy always reports missing", func() {
		token, err := mgr.Create(context.Background(), "000000002", "dev1", "client1", "127.0.0.1", false)
		Expect(err).To(BeNil())

		Expect(mgr.Destroy(context.Background(), token)).To(BeNil())

		_, verr := mgr.Validate(context.Background(), token)
		Expect(verr).ToNot(BeNil())
		Expect(verr.HasCode(session.ErrorSessionMissing)).To(BeTrue())
	})

	It("Validate on an unknown token reports missing", func() {
		_, verr := mgr.Validate(context.Background(), "does-not-exist")
		Expect(verr).ToNot(BeNil())
		Expect(verr.HasCode(session.ErrorSessionMissing)).To(BeTrue())
	})

	It("Validate reports expired and evicts once expires_at has passed", func() {
		token, err := mgr.Create(context.Background(), "000000003", "dev1", "client1", "127.0.0.1", false)
		Expect(err).To(BeNil())

		time.Sleep(250 * time.Millisecond)

		_, verr := mgr.Validate(context.Background(), token)
		Expect(verr).ToNot(BeNil())
		Expect(verr.HasCode(session.ErrorSessionExpired)).To(BeTrue())

		// eagerly deleted: a second validate reports missing, not expired.
		_, verr2 := mgr.Validate(context.Background(), token)
		Expect(verr2.HasCode(session.ErrorSessionMissing)).To(BeTrue())
	})

	It("Touch with sliding window on extends validity by default_timeout", func() {
		token, err := mgr.Create(context.Background(), "000000004", "dev1", "client1", "127.0.0.1", false)
		Expect(err).To(BeNil())

		time.Sleep(120 * time.Millisecond)
		Expect(mgr.Touch(context.Background(), token)).To(BeNil())

		// original 200ms window would have expired by now were it not reset.
		time.Sleep(120 * time.Millisecond)
		_, verr := mgr.Validate(context.Background(), token)
		Expect(verr).To(BeNil())
	})

	It("Touch resets to default_timeout even for remember-me sessions", func() {
		token, err := mgr.Create(context.Background(), "000000005", "dev1", "client1", "127.0.0.1", true)
		Expect(err).To(BeNil())

		info, _ := mgr.Validate(context.Background(), token)
		longExpiry := info.ExpiresAt

		Expect(mgr.Touch(context.Background(), token)).To(BeNil())

		after, _ := mgr.Validate(context.Background(), token)
		Expect(after.ExpiresAt.Before(longExpiry)).To(BeTrue())
	})

	It("enforces the per-user session cap when multi-device support is off", func() {
		capped := session.New(redis, nil, session.Config{
			DefaultTimeout:     time.Hour,
			RememberMeTimeout:  24 * time.Hour,
			MaxSessionsPerUser: 1,
			MultiDeviceSupport: false,
		}, nil)

		_, err := capped.Create(context.Background(), "000000006", "dev1", "client1", "1.1.1.1", false)
		Expect(err).To(BeNil())

		_, err2 := capped.Create(context.Background(), "000000006", "dev2", "client2", "1.1.1.1", false)
		Expect(err2).ToNot(BeNil())
		Expect(err2.HasCode(session.ErrorSessionLimitExceeded)).To(BeTrue())
	})

	It("DestroyAll removes every session for a user", func() {
		_, err := mgr.Create(context.Background(), "000000007", "dev1", "client1", "1.1.1.1", false)
		Expect(err).To(BeNil())
		tokB, err := mgr.Create(context.Background(), "000000007", "dev2", "client2", "1.1.1.1", false)
		Expect(err).To(BeNil())

		Expect(mgr.DestroyAll(context.Background(), "000000007")).To(BeNil())

		_, verr := mgr.Validate(context.Background(), tokB)
		Expect(verr.HasCode(session.ErrorSessionMissing)).To(BeTrue())
	})

	It("tolerates a malformed serialized record by treating it as absent", func() {
		redis.mu.Lock()
		redis.strings["session:garbage"] = strings.Repeat("x", 3)
		redis.mu.Unlock()

		_, verr := mgr.Validate(context.Background(), "garbage")
		Expect(verr).ToNot(BeNil())
		Expect(verr.HasCode(session.ErrorSessionMissing)).To(BeTrue())
	})
})
