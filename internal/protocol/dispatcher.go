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

package protocol

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"

	qkcache "github.com/sabouaram/qkchat/internal/cachemgr"
	qkreg "github.com/sabouaram/qkchat/internal/registration"
	qkstore "github.com/sabouaram/qkchat/internal/store"
)

// ActionFunc handles one envelope and returns its reply.
type ActionFunc func(ctx context.Context, env Envelope, meta Meta) Envelope

// Users is the subset of internal/store.Repo the login/availability
// actions need.
type Users interface {
	FindByUsername(ctx context.Context, username string) (qkstore.User, bool, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

// LoginLogger records every login attempt, success or failure.
type LoginLogger interface {
	WriteLoginLog(ctx context.Context, userID *string, usernameAttempted, ip string, success bool, reason *string) error
}

// Sessions is the subset of internal/session.Manager the dispatcher
// needs. Return types must match *session.Manager's exactly
// (liberr.Error, not bare error) for the concrete type to satisfy this
// interface.
type Sessions interface {
	Create(ctx context.Context, userID, deviceID, clientID, ip string, rememberMe bool) (string, liberr.Error)
	Destroy(ctx context.Context, token string) liberr.Error
}

// Verifier is the subset of internal/verification.Manager needed for
// send_verification_code.
type Verifier interface {
	Issue(ctx context.Context, email string, typ qkstore.VerificationCodeType, ip string) (time.Duration, liberr.Error)
}

// Dispatcher is the Protocol Handler (L). Every collaborator is a
// concrete component the composition root (internal/serverrt) wires in;
// narrow Go interfaces above keep this package's compile-time surface
// small without hiding them behind an over-abstracted facade.
type Dispatcher struct {
	users    Users
	sessions Sessions
	verifier Verifier
	reg      *qkreg.Service
	cache    *qkcache.Manager
	logs     LoginLogger
	log      func() liblog.Logger

	table map[string]ActionFunc
}

func New(users Users, sessions Sessions, verifier Verifier, reg *qkreg.Service, cache *qkcache.Manager, logs LoginLogger, log func() liblog.Logger) *Dispatcher {
	d := &Dispatcher{users: users, sessions: sessions, verifier: verifier, reg: reg, cache: cache, logs: logs, log: log}
	d.table = map[string]ActionFunc{
		"login":                   d.handleLogin,
		"register":                d.handleRegister,
		"send_verification_code": d.handleSendVerificationCode,
		"check_username":          d.handleCheckUsername,
		"check_email":             d.handleCheckEmail,
		"logout":                  d.handleLogout,
		"heartbeat":               d.handleHeartbeat,
	}
	return d
}

func (d *Dispatcher) logger() liblog.Logger {
	if d.log != nil {
		if l := d.log(); l != nil {
			return l
		}
	}
	return liblog.GetDefault()
}

// Dispatch looks the action up in the closed set and
// invokes its handler, or replies UnknownAction.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope, meta Meta) Envelope {
	action := env.action()
	fn, ok := d.table[action]
	if !ok {
		return fail(action, env.requestID(), "UnknownAction", "action not recognized")
	}
	return fn(ctx, env, meta)
}

func (d *Dispatcher) handleHeartbeat(_ context.Context, env Envelope, _ Meta) Envelope {
	return heartbeatResponse(env.requestID(), time.Now())
}

// handleLogin validates inputs, looks the user record up in the store
// (the cache is not consulted), re-hashes the password with the stored salt,
// and on success mints a session via H.
func (d *Dispatcher) handleLogin(ctx context.Context, env Envelope, meta Meta) Envelope {
	action, reqID := "login", env.requestID()
	username := env.str("username")
	password := env.str("password")

	if username == "" || password == "" {
		return fail(action, reqID, "InvalidPayload", "username and password are required")
	}

	user, found, err := d.users.FindByUsername(ctx, username)
	if err != nil {
		return fail(action, reqID, "DatabaseError", "lookup failed")
	}
	if !found {
		d.logLogin(ctx, nil, username, meta.PeerAddr, false, "unknown_username")
		return fail(action, reqID, "InvalidCredentials", "invalid username or password")
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password+user.Salt)) != nil {
		d.logLogin(ctx, &user.UserID, username, meta.PeerAddr, false, "bad_password")
		return fail(action, reqID, "InvalidCredentials", "invalid username or password")
	}

	if user.Status != qkstore.UserStatusActive {
		d.logLogin(ctx, &user.UserID, username, meta.PeerAddr, false, "account_not_active")
		return fail(action, reqID, "AccountNotActive", "account is not active")
	}

	token, serr := d.sessions.Create(ctx, user.UserID, env.str("device_id"), meta.ClientID, meta.PeerAddr, env.boolean("remember_me"))
	if serr != nil {
		d.logLogin(ctx, &user.UserID, username, meta.PeerAddr, false, "session_create_failed")
		return fail(action, reqID, "SessionLimitExceeded", "too many active sessions")
	}

	d.logLogin(ctx, &user.UserID, username, meta.PeerAddr, true, "")

	return ok(action, reqID, map[string]interface{}{
		"session_token": token,
		"user_data": map[string]interface{}{
			"user_id":        user.UserID,
			"username":       user.Username,
			"email":          user.Email,
			"status":         string(user.Status),
			"email_verified": user.EmailVerified,
		},
	})
}

func (d *Dispatcher) logLogin(ctx context.Context, userID *string, username, ip string, success bool, reason string) {
	if d.logs == nil {
		return
	}
	var r *string
	if reason != "" {
		r = &reason
	}
	if err := d.logs.WriteLoginLog(ctx, userID, username, ip, success, r); err != nil {
		d.logger().Warning("login_logs write failed", nil, "error", err)
	}
}

// handleRegister delegates entirely to I and propagates its result code.
func (d *Dispatcher) handleRegister(ctx context.Context, env Envelope, _ Meta) Envelope {
	action, reqID := "register", env.requestID()

	code, data := d.reg.Register(ctx, qkreg.Request{
		Username:         env.str("username"),
		Email:            env.str("email"),
		Password:         env.str("password"),
		VerificationCode: env.str("verification_code"),
	})

	if code != qkreg.Success {
		return fail(action, reqID, code.String(), registrationMessage(code))
	}

	return ok(action, reqID, map[string]interface{}{
		"user_id": data.UserID,
		"user_data": map[string]interface{}{
			"username":       data.Username,
			"email":          data.Email,
			"status":         data.Status,
			"email_verified": data.EmailVerified,
		},
	})
}

func registrationMessage(code qkreg.Code) string {
	switch code {
	case qkreg.UsernameExists:
		return "username is already taken"
	case qkreg.EmailExists:
		return "email is already registered"
	case qkreg.InvalidVerificationCode:
		return "verification code is invalid or expired"
	case qkreg.PasswordTooWeak:
		return "password does not meet the minimum strength requirement"
	case qkreg.EmailFormatInvalid:
		return "email format is invalid"
	case qkreg.UsernameFormatInvalid:
		return "username format is invalid"
	case qkreg.UserIdGenerationFailed:
		return "unable to allocate a new user id"
	default:
		return "registration failed"
	}
}

// handleSendVerificationCode rate-limits per email and per source IP via
// G, then issues and sends.
func (d *Dispatcher) handleSendVerificationCode(ctx context.Context, env Envelope, meta Meta) Envelope {
	action, reqID := "send_verification_code", env.requestID()
	email := env.str("email")
	if email == "" {
		return fail(action, reqID, "InvalidPayload", "email is required")
	}

	purpose := qkstore.VerificationTypeRegistration
	switch env.str("purpose") {
	case "password_reset":
		purpose = qkstore.VerificationTypePasswordReset
	case "email_change":
		purpose = qkstore.VerificationTypeEmailChange
	}

	if _, err := d.verifier.Issue(ctx, email, purpose, meta.PeerAddr); err != nil {
		return fail(action, reqID, "RateLimited", "try again later")
	}
	return ok(action, reqID, nil)
}

// handleCheckUsername returns availability. Its only side effect is an L1
// entry stored in J under the checked username; no hot-key access is
// recorded.
func (d *Dispatcher) handleCheckUsername(ctx context.Context, env Envelope, _ Meta) Envelope {
	action, reqID := "check_username", env.requestID()
	username := env.str("username")
	if username == "" {
		return fail(action, reqID, "InvalidPayload", "username is required")
	}

	if d.cache != nil {
		d.cache.SetL1("username_check:"+username, nil)
	}

	exists, err := d.users.ExistsByUsername(ctx, username)
	if err != nil {
		return fail(action, reqID, "DatabaseError", "lookup failed")
	}
	return ok(action, reqID, map[string]interface{}{"available": !exists})
}

// handleCheckEmail mirrors handleCheckUsername for email.
func (d *Dispatcher) handleCheckEmail(ctx context.Context, env Envelope, _ Meta) Envelope {
	action, reqID := "check_email", env.requestID()
	email := env.str("email")
	if email == "" {
		return fail(action, reqID, "InvalidPayload", "email is required")
	}

	if d.cache != nil {
		d.cache.SetL1("email_check:"+email, nil)
	}

	exists, err := d.users.ExistsByEmail(ctx, email)
	if err != nil {
		return fail(action, reqID, "DatabaseError", "lookup failed")
	}
	return ok(action, reqID, map[string]interface{}{"available": !exists})
}

// handleLogout destroys the calling connection's session, if any.
func (d *Dispatcher) handleLogout(ctx context.Context, env Envelope, _ Meta) Envelope {
	action, reqID := "logout", env.requestID()
	token := env.str("session_token")
	if token == "" {
		return fail(action, reqID, "InvalidPayload", "session_token is required")
	}
	if err := d.sessions.Destroy(ctx, token); err != nil {
		return fail(action, reqID, "DatabaseError", "logout failed")
	}
	return ok(action, reqID, nil)
}
