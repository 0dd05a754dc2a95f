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

package protocol_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"golang.org/x/crypto/bcrypt"

	libgorm "github.com/nabbar/golib/database/gorm"
	liberr "github.com/nabbar/golib/errors"

	"github.com/sabouaram/qkchat/internal/cachemgr"
	qkproto "github.com/sabouaram/qkchat/internal/protocol"
	"github.com/sabouaram/qkchat/internal/registration"
	"github.com/sabouaram/qkchat/internal/store"
	"github.com/sabouaram/qkchat/internal/verification"
)

func newDispatcherTestDB() libgorm.Database {
	db, err := libgorm.New(&libgorm.Config{Driver: libgorm.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		Skip("CGO is required for SQLite integration tests")
	}
	Expect(store.Migrate(db)).To(Succeed())
	return db
}

type fakeUsers struct {
	byUsername map[string]store.User
	byEmail    map[string]bool
}

func (f fakeUsers) FindByUsername(ctx context.Context, username string) (store.User, bool, error) {
	u, ok := f.byUsername[username]
	return u, ok, nil
}

func (f fakeUsers) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	_, ok := f.byUsername[username]
	return ok, nil
}

func (f fakeUsers) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return f.byEmail[email], nil
}

type fakeSessions struct {
	token      string
	createErr  liberr.Error
	destroyErr liberr.Error
	destroyed  string
}

func (f *fakeSessions) Create(ctx context.Context, userID, deviceID, clientID, ip string, rememberMe bool) (string, liberr.Error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.token, nil
}

func (f *fakeSessions) Destroy(ctx context.Context, token string) liberr.Error {
	f.destroyed = token
	return f.destroyErr
}

type fakeVerifier struct {
	err liberr.Error
}

func (f fakeVerifier) Issue(ctx context.Context, email string, typ store.VerificationCodeType, ip string) (time.Duration, liberr.Error) {
	return 0, f.err
}

type fakeLoginLogger struct {
	calls int
}

func (f *fakeLoginLogger) WriteLoginLog(ctx context.Context, userID *string, usernameAttempted, ip string, success bool, reason *string) error {
	f.calls++
	return nil
}

func newHashedUser(userID, username, password string) store.User {
	salt := "fixedsalt"
	hash, _ := bcrypt.GenerateFromPassword([]byte(password+salt), bcrypt.MinCost)
	return store.User{
		UserID:       userID,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hash),
		Salt:         salt,
		Status:       store.UserStatusActive,
	}
}

var _ = Describe("Dispatcher", func() {
	It("replies UnknownAction for an action outside the closed table", func() {
		d := qkproto.New(fakeUsers{}, &fakeSessions{}, fakeVerifier{}, nil, nil, nil, nil)
		reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "nope"}, qkproto.Meta{})
		Expect(reply["success"]).To(Equal(false))
		Expect(reply["code"]).To(Equal("UnknownAction"))
	})

	It("replies heartbeat_response to a heartbeat action", func() {
		d := qkproto.New(fakeUsers{}, &fakeSessions{}, fakeVerifier{}, nil, nil, nil, nil)
		reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "heartbeat"}, qkproto.Meta{})
		Expect(reply["action"]).To(Equal("heartbeat_response"))
		Expect(reply["success"]).To(Equal(true))
	})

	Describe("login", func() {
		It("rejects an empty payload", func() {
			d := qkproto.New(fakeUsers{}, &fakeSessions{}, fakeVerifier{}, nil, nil, nil, nil)
			reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "login"}, qkproto.Meta{})
			Expect(reply["success"]).To(Equal(false))
			Expect(reply["code"]).To(Equal("InvalidPayload"))
		})

		It("rejects an unknown username", func() {
			logs := &fakeLoginLogger{}
			d := qkproto.New(fakeUsers{byUsername: map[string]store.User{}}, &fakeSessions{}, fakeVerifier{}, nil, nil, logs, nil)
			reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "login", "username": "ghost", "password": "x"}, qkproto.Meta{})
			Expect(reply["code"]).To(Equal("InvalidCredentials"))
			Expect(logs.calls).To(Equal(1))
		})

		It("rejects a bad password", func() {
			u := newHashedUser("000000001", "alice", "correct-horse")
			d := qkproto.New(fakeUsers{byUsername: map[string]store.User{"alice": u}}, &fakeSessions{}, fakeVerifier{}, nil, nil, &fakeLoginLogger{}, nil)
			reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "login", "username": "alice", "password": "wrong"}, qkproto.Meta{})
			Expect(reply["code"]).To(Equal("InvalidCredentials"))
		})

		It("rejects a non-active account", func() {
			u := newHashedUser("000000001", "alice", "correct-horse")
			u.Status = store.UserStatusBanned
			d := qkproto.New(fakeUsers{byUsername: map[string]store.User{"alice": u}}, &fakeSessions{}, fakeVerifier{}, nil, nil, &fakeLoginLogger{}, nil)
			reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "login", "username": "alice", "password": "correct-horse"}, qkproto.Meta{})
			Expect(reply["code"]).To(Equal("AccountNotActive"))
		})

		It("succeeds and returns a session_token for correct credentials", func() {
			u := newHashedUser("000000001", "alice", "correct-horse")
			sessions := &fakeSessions{token: "sess-abc"}
			d := qkproto.New(fakeUsers{byUsername: map[string]store.User{"alice": u}}, sessions, fakeVerifier{}, nil, nil, &fakeLoginLogger{}, nil)
			reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "login", "username": "alice", "password": "correct-horse"}, qkproto.Meta{})
			Expect(reply["success"]).To(Equal(true))
			Expect(reply["session_token"]).To(Equal("sess-abc"))
		})
	})

	Describe("register", func() {
		It("delegates to the registration service and propagates its code", func() {
			db := newDispatcherTestDB()
			reg := registration.New(db.GetDB(), fakeIDGen{id: "000000099"}, fakeCodeVerifier{result: verification.Success}, registration.Config{})
			d := qkproto.New(fakeUsers{}, &fakeSessions{}, fakeVerifier{}, reg, nil, nil, nil)

			reply := d.Dispatch(context.Background(), qkproto.Envelope{
				"action":            "register",
				"username":          "bob",
				"email":             "bob@example.com",
				"password":          "hunter22",
				"verification_code": "123456",
			}, qkproto.Meta{})

			Expect(reply["success"]).To(Equal(true))
			Expect(reply["user_id"]).To(Equal("000000099"))
		})

		It("maps InvalidVerificationCode through to the wire reply", func() {
			db := newDispatcherTestDB()
			reg := registration.New(db.GetDB(), fakeIDGen{id: "000000100"}, fakeCodeVerifier{result: verification.InvalidCode}, registration.Config{})
			d := qkproto.New(fakeUsers{}, &fakeSessions{}, fakeVerifier{}, reg, nil, nil, nil)

			reply := d.Dispatch(context.Background(), qkproto.Envelope{
				"action":            "register",
				"username":          "carol",
				"email":             "carol@example.com",
				"password":          "hunter22",
				"verification_code": "000000",
			}, qkproto.Meta{})

			Expect(reply["success"]).To(Equal(false))
			Expect(reply["code"]).To(Equal("InvalidVerificationCode"))
		})
	})

	It("send_verification_code replies RateLimited when the Verifier rejects the issue", func() {
		d := qkproto.New(fakeUsers{}, &fakeSessions{}, fakeVerifier{err: liberr.UnknownError.Error(nil)}, nil, nil, nil, nil)
		reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "send_verification_code", "email": "a@b.com"}, qkproto.Meta{})
		Expect(reply["success"]).To(Equal(false))
		Expect(reply["code"]).To(Equal("RateLimited"))
	})

	It("check_username reports availability from the Users collaborator", func() {
		db := newDispatcherTestDB()
		cache := cachemgr.New(context.Background(), time.Minute, db.GetDB())
		defer cache.Close()

		d := qkproto.New(fakeUsers{byUsername: map[string]store.User{"taken": {}}}, &fakeSessions{}, fakeVerifier{}, nil, cache, nil, nil)
		reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "check_username", "username": "taken"}, qkproto.Meta{})
		Expect(reply["available"]).To(Equal(false))

		reply2 := d.Dispatch(context.Background(), qkproto.Envelope{"action": "check_username", "username": "free"}, qkproto.Meta{})
		Expect(reply2["available"]).To(Equal(true))
	})

	It("check_email reports availability from the Users collaborator", func() {
		d := qkproto.New(fakeUsers{byEmail: map[string]bool{"taken@example.com": true}}, &fakeSessions{}, fakeVerifier{}, nil, nil, nil, nil)
		reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "check_email", "email": "taken@example.com"}, qkproto.Meta{})
		Expect(reply["available"]).To(Equal(false))
	})

	It("logout destroys the session token and replies success", func() {
		sessions := &fakeSessions{}
		d := qkproto.New(fakeUsers{}, sessions, fakeVerifier{}, nil, nil, nil, nil)
		reply := d.Dispatch(context.Background(), qkproto.Envelope{"action": "logout", "session_token": "tok-1"}, qkproto.Meta{})
		Expect(reply["success"]).To(Equal(true))
		Expect(sessions.destroyed).To(Equal("tok-1"))
	})
})

type fakeIDGen struct {
	id string
}

func (f fakeIDGen) Next(ctx context.Context) (string, liberr.Error) { return f.id, nil }

type fakeCodeVerifier struct {
	result verification.Result
}

func (f fakeCodeVerifier) Verify(ctx context.Context, email, code string, typ store.VerificationCodeType) verification.Result {
	return f.result
}
