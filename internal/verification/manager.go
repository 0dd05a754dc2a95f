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

// Package verification implements the Verification-Code Manager (G):
// issue/verify/rate-limit of one-time email codes.
package verification

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	gormdb "gorm.io/gorm"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"

	qkstore "github.com/sabouaram/qkchat/internal/store"
)

// Redis is the fast-path collaborator; a subset of *redis.Client.
type Redis interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Dispatcher sends the issued code to the user, e.g. via SMTP.
type Dispatcher interface {
	Send(ctx context.Context, to, code string, typ qkstore.VerificationCodeType) error
}

// Result is the closed outcome enum for Verify.
type Result int

const (
	Success Result = iota
	InvalidCode
	ExpiredCode
	AlreadyUsed
	DatabaseError
	RedisError
)

// Config holds the rate-limit interval and code TTL.
type Config struct {
	MinInterval time.Duration
	CodeTTL     time.Duration
}

// Manager is the Verification-Code Manager (G).
type Manager struct {
	db     *gormdb.DB
	redis  Redis
	sender Dispatcher
	cfg    Config
	log    func() liblog.Logger
}

func New(db *gormdb.DB, redis Redis, sender Dispatcher, cfg Config, log func() liblog.Logger) *Manager {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 60 * time.Second
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 5 * time.Minute
	}
	return &Manager{db: db, redis: redis, sender: sender, cfg: cfg, log: log}
}

func (m *Manager) logger() liblog.Logger {
	if m.log != nil {
		if l := m.log(); l != nil {
			return l
		}
	}
	return liblog.GetDefault()
}

func rlKeyEmail(email string) string { return "rl:email:" + email }
func rlKeyIP(ip string) string        { return "rl:ip:" + ip }
func fastKey(email string, typ qkstore.VerificationCodeType) string {
	return fmt.Sprintf("verification_code:%s:%s", email, typ)
}

// Issue checks per-email and per-IP rate limits, invalidates prior unused
// codes, generates a fresh 6-digit code, persists it durably and in the
// Redis fast path, and dispatches it via the Dispatcher.
func (m *Manager) Issue(ctx context.Context, email string, typ qkstore.VerificationCodeType, ip string) (remainingOnLimit time.Duration, err liberr.Error) {
	if ok, e := m.redis.SetNX(ctx, rlKeyEmail(email), "1", m.cfg.MinInterval); e == nil && !ok {
		ttl, _ := m.redis.TTL(ctx, rlKeyEmail(email))
		return ttl, ErrorRateLimited.Error(nil)
	} else if e != nil {
		return 0, ErrorRedisError.Error(e)
	}

	if ip != "" {
		if ok, e := m.redis.SetNX(ctx, rlKeyIP(ip), "1", m.cfg.MinInterval); e == nil && !ok {
			ttl, _ := m.redis.TTL(ctx, rlKeyIP(ip))
			return ttl, ErrorRateLimited.Error(nil)
		} else if e != nil {
			return 0, ErrorRedisError.Error(e)
		}
	}

	now := time.Now()
	if err := m.db.WithContext(ctx).Model(&qkstore.VerificationCode{}).
		Where("email = ? AND type = ? AND used_at IS NULL AND expires_at > ?", email, typ, now).
		Update("expires_at", now).Error; err != nil {
		return 0, ErrorDatabaseError.Error(err)
	}

	code, e := randomCode()
	if e != nil {
		return 0, ErrorParamEmpty.Error(e)
	}

	row := qkstore.VerificationCode{
		Email:     email,
		Code:      code,
		Type:      typ,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.CodeTTL),
	}
	if err := m.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, ErrorDatabaseError.Error(err)
	}

	if err := m.redis.Set(ctx, fastKey(email, typ), code, m.cfg.CodeTTL); err != nil {
		m.logger().Warning("verification code fast-path mirror failed", nil, "error", err)
	}

	if m.sender != nil {
		if err := m.sender.Send(ctx, email, code, typ); err != nil {
			m.logger().Error("verification code dispatch failed", nil, "error", err)
		}
	}

	return 0, nil
}

// Verify checks code against the fast path first, falling back to the
// durable store on miss or mismatch (a Redis hit that mismatches falls
// through rather than being treated as a definitive failure, to avoid
// false negatives across restarts).
func (m *Manager) Verify(ctx context.Context, email, code string, typ qkstore.VerificationCodeType) Result {
	if m.redis != nil {
		if cached, err := m.redis.Get(ctx, fastKey(email, typ)); err == nil && cached == code {
			if m.markUsed(ctx, email, code, typ) {
				m.redis.Del(ctx, fastKey(email, typ))
				return Success
			}
		}
	}

	var row qkstore.VerificationCode
	err := m.db.WithContext(ctx).
		Where("email = ? AND type = ? AND code = ?", email, typ, code).
		Order("issued_at DESC").First(&row).Error

	if err == gormdb.ErrRecordNotFound {
		return InvalidCode
	}
	if err != nil {
		return DatabaseError
	}

	if row.UsedAt != nil {
		return AlreadyUsed
	}
	if time.Now().After(row.ExpiresAt) {
		return ExpiredCode
	}

	if !m.markUsedByID(ctx, row.ID) {
		return DatabaseError
	}

	return Success
}

// markUsed marks the most recent matching unused code as used, conditioned
// on not-yet-used in a single statement.
func (m *Manager) markUsed(ctx context.Context, email, code string, typ qkstore.VerificationCodeType) bool {
	now := time.Now()
	res := m.db.WithContext(ctx).Model(&qkstore.VerificationCode{}).
		Where("email = ? AND type = ? AND code = ? AND used_at IS NULL AND expires_at > ?", email, typ, code, now).
		Update("used_at", now)
	return res.Error == nil && res.RowsAffected > 0
}

func (m *Manager) markUsedByID(ctx context.Context, id uint64) bool {
	now := time.Now()
	res := m.db.WithContext(ctx).Model(&qkstore.VerificationCode{}).
		Where("id = ? AND used_at IS NULL", id).
		Update("used_at", now)
	return res.Error == nil && res.RowsAffected > 0
}

func randomCode() (string, error) {
	var n uint32
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	n = (uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])) % 1_000_000
	return fmt.Sprintf("%06d", n), nil
}
