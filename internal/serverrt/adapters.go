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

// This file bridges components whose narrow interfaces were shaped
// independently (session vs. verification each declare their own Redis
// subset, internal/store.Repo carries primitive args to stay free of an
// import on internal/session) — the composition root is where those
// shapes get reconciled, the same way github.com/nabbar/golib/config
// wires concrete components behind its own narrow per-component
// interfaces (config/component.go).
package serverrt

import (
	"context"
	"fmt"
	"time"

	libred "github.com/redis/go-redis/v9"

	liblog "github.com/nabbar/golib/logger"
	qksmtpcf "github.com/nabbar/golib/mail/smtp/config"
	libsmtp "github.com/nabbar/golib/mail/smtp"
	libmailer "github.com/nabbar/golib/mailer"

	qkqueue "github.com/sabouaram/qkchat/internal/queue"

	qkcfg "github.com/sabouaram/qkchat/internal/qkcfg"
	qkred "github.com/sabouaram/qkchat/internal/rediscli"
	qksess "github.com/sabouaram/qkchat/internal/session"
	qkstore "github.com/sabouaram/qkchat/internal/store"
	qkverif "github.com/sabouaram/qkchat/internal/verification"
)

// sessionRedis satisfies session.Redis by forwarding to the live
// *redis.Client handle on every call, so a not-yet-connected rediscli.Client
// at construction time is not baked in as a permanent nil.
type sessionRedis struct{ c *qkred.Client }

func newSessionRedis(c *qkred.Client) qksess.Redis { return sessionRedis{c: c} }

func (r sessionRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *libred.StatusCmd {
	return r.c.Handle().Set(ctx, key, value, ttl)
}
func (r sessionRedis) Get(ctx context.Context, key string) *libred.StringCmd {
	return r.c.Handle().Get(ctx, key)
}
func (r sessionRedis) Del(ctx context.Context, keys ...string) *libred.IntCmd {
	return r.c.Handle().Del(ctx, keys...)
}
func (r sessionRedis) Expire(ctx context.Context, key string, ttl time.Duration) *libred.BoolCmd {
	return r.c.Handle().Expire(ctx, key, ttl)
}
func (r sessionRedis) SAdd(ctx context.Context, key string, members ...interface{}) *libred.IntCmd {
	return r.c.Handle().SAdd(ctx, key, members...)
}
func (r sessionRedis) SRem(ctx context.Context, key string, members ...interface{}) *libred.IntCmd {
	return r.c.Handle().SRem(ctx, key, members...)
}
func (r sessionRedis) SMembers(ctx context.Context, key string) *libred.StringSliceCmd {
	return r.c.Handle().SMembers(ctx, key)
}
func (r sessionRedis) SCard(ctx context.Context, key string) *libred.IntCmd {
	return r.c.Handle().SCard(ctx, key)
}

// verificationRedis satisfies verification.Redis, which flattens each
// go-redis command result down to the (value, error) shape that package
// declares for itself.
type verificationRedis struct{ c *qkred.Client }

func newVerificationRedis(c *qkred.Client) qkverif.Redis { return verificationRedis{c: c} }

func (r verificationRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.c.Handle().Set(ctx, key, value, ttl).Err()
}
func (r verificationRedis) Get(ctx context.Context, key string) (string, error) {
	return r.c.Handle().Get(ctx, key).Result()
}
func (r verificationRedis) Del(ctx context.Context, keys ...string) error {
	return r.c.Handle().Del(ctx, keys...).Err()
}
func (r verificationRedis) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return r.c.Handle().SetNX(ctx, key, value, ttl).Result()
}
func (r verificationRedis) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.c.Handle().TTL(ctx, key).Result()
}

// auditAdapter satisfies session.AuditWriter by unpacking session.Info
// into the primitive-arg call internal/store.Repo exposes, keeping
// internal/store free of an import on internal/session.
type auditAdapter struct{ repo *qkstore.Repo }

func newAuditAdapter(repo *qkstore.Repo) qksess.AuditWriter { return auditAdapter{repo: repo} }

func (a auditAdapter) WriteSessionAudit(ctx context.Context, token string, info qksess.Info) error {
	return a.repo.WriteSessionAudit(ctx, token, info.UserID, info.DeviceID, info.ClientID, info.IP, info.CreatedAt, info.ExpiresAt)
}

// queueLogger satisfies queue.Logger, which wants a single Warningf-shaped
// method rather than liblog.Logger's (message, data, args...) shape.
type queueLogger struct{ l liblog.Logger }

func newQueueLogger(l liblog.Logger) qkqueue.Logger { return queueLogger{l: l} }

func (q queueLogger) Warningf(format string, args ...interface{}) {
	q.l.Warning(fmt.Sprintf(format, args...), nil)
}

// newMailSender assembles a hermes-backed mailer config and SMTP
// transport from the flat mail.* settings.
func newMailSender(cfg qkcfg.Mail) qkverif.Dispatcher {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/none", cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPHost, cfg.SMTPPort)

	smtpCfg, err := qksmtpcf.New(qksmtpcf.ConfigModel{DSN: dsn})
	if err != nil {
		return nil
	}

	client, cerr := libsmtp.New(smtpCfg, nil)
	if cerr != nil {
		return nil
	}

	mailerCfg := libmailer.Config{
		Theme:       "default",
		Direction:   "ltr",
		Name:        "QKChat",
		Link:        "https://qkchat.invalid",
		Logo:        "https://qkchat.invalid/logo.png",
		Copyright:   "QKChat",
		TroubleText: "If you're having trouble, contact support.",
	}

	return qkverif.NewEmailDispatcher(mailerCfg, cfg.From, client)
}
