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

// Package session implements the Session Manager (H): Redis-backed
// create/validate/touch/destroy with sliding window and per-user caps.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	libred "github.com/redis/go-redis/v9"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
)

// Info is a session record.
type Info struct {
	UserID       string
	DeviceID     string
	ClientID     string
	IP           string
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
}

// Redis is the subset of *redis.Client the manager needs, kept narrow so
// tests can substitute a miniature fake.
type Redis interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *libred.StatusCmd
	Get(ctx context.Context, key string) *libred.StringCmd
	Del(ctx context.Context, keys ...string) *libred.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *libred.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *libred.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *libred.IntCmd
	SMembers(ctx context.Context, key string) *libred.StringSliceCmd
	SCard(ctx context.Context, key string) *libred.IntCmd
}

// AuditWriter is the write-behind audit collaborator (internal/store), best
// effort only and never consulted for validation.
type AuditWriter interface {
	WriteSessionAudit(ctx context.Context, token string, info Info) error
}

// Config holds the session-security tunables.
type Config struct {
	DefaultTimeout        time.Duration
	RememberMeTimeout      time.Duration
	MaxSessionsPerUser    int
	SlidingWindow         bool
	MultiDeviceSupport    bool
}

// Manager is the Session Manager (H).
type Manager struct {
	redis Redis
	audit AuditWriter
	cfg   Config
	log   func() liblog.Logger

	created   uint64
	expired   uint64
	destroyed uint64
	hits      uint64
	misses    uint64
}

func New(redis Redis, audit AuditWriter, cfg Config, log func() liblog.Logger) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 7 * 24 * time.Hour
	}
	if cfg.RememberMeTimeout <= 0 {
		cfg.RememberMeTimeout = 30 * 24 * time.Hour
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 5
	}
	return &Manager{redis: redis, audit: audit, cfg: cfg, log: log}
}

func (m *Manager) logger() liblog.Logger {
	if m.log != nil {
		if l := m.log(); l != nil {
			return l
		}
	}
	return liblog.GetDefault()
}

func sessionKey(token string) string { return "session:" + token }
func userSetKey(userID string) string { return "user_sessions:" + userID }

// Create mints a new opaque 128-bit session token and stores it under
// session:{token} with TTL = remember_me ? 30d : 7d.
func (m *Manager) Create(ctx context.Context, userID, deviceID, clientID, ip string, rememberMe bool) (string, liberr.Error) {
	if userID == "" {
		return "", ErrorParamEmpty.Error(nil)
	}

	if !m.cfg.MultiDeviceSupport {
		if err := m.enforceCap(ctx, userID); err != nil {
			return "", err
		}
	}

	token := strings.ReplaceAll(uuid.New().String(), "-", "")

	ttl := m.cfg.DefaultTimeout
	if rememberMe {
		ttl = m.cfg.RememberMeTimeout
	}

	now := time.Now()
	info := Info{
		UserID:       userID,
		DeviceID:     deviceID,
		ClientID:     clientID,
		IP:           ip,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}

	if err := m.redis.Set(ctx, sessionKey(token), serialize(info), ttl).Err(); err != nil {
		return "", ErrorRedisUnavailable.Error(err)
	}
	m.redis.SAdd(ctx, userSetKey(userID), token)
	m.redis.Expire(ctx, userSetKey(userID), m.cfg.RememberMeTimeout)

	atomic.AddUint64(&m.created, 1)

	if m.audit != nil {
		if err := m.audit.WriteSessionAudit(ctx, token, info); err != nil {
			m.logger().Warning("session audit write failed", nil, "error", err)
		}
	}

	return token, nil
}

func (m *Manager) enforceCap(ctx context.Context, userID string) liberr.Error {
	n, err := m.redis.SCard(ctx, userSetKey(userID)).Result()
	if err != nil && err != libred.Nil {
		return ErrorRedisUnavailable.Error(err)
	}
	if int(n) >= m.cfg.MaxSessionsPerUser {
		return ErrorSessionLimitExceeded.Error(nil)
	}
	return nil
}

// Validate returns the session for token, eagerly deleting and reporting
// missing if expires_at has passed.
func (m *Manager) Validate(ctx context.Context, token string) (Info, liberr.Error) {
	raw, err := m.redis.Get(ctx, sessionKey(token)).Result()
	if err == libred.Nil {
		atomic.AddUint64(&m.misses, 1)
		return Info{}, ErrorSessionMissing.Error(nil)
	}
	if err != nil {
		return Info{}, ErrorRedisUnavailable.Error(err)
	}

	info, ok := deserialize(raw)
	if !ok {
		atomic.AddUint64(&m.misses, 1)
		return Info{}, ErrorSessionMissing.Error(nil)
	}

	if time.Now().After(info.ExpiresAt) {
		m.redis.Del(ctx, sessionKey(token))
		m.redis.SRem(ctx, userSetKey(info.UserID), token)
		atomic.AddUint64(&m.expired, 1)
		return Info{}, ErrorSessionExpired.Error(nil)
	}

	atomic.AddUint64(&m.hits, 1)
	return info, nil
}

// Touch updates last_activity and, when sliding-window mode is on, resets
// the TTL to default_timeout — even for remember-me sessions. This is a
// deliberate choice to avoid unbounded
// extension of a remember-me session via activity alone.
func (m *Manager) Touch(ctx context.Context, token string) liberr.Error {
	info, verr := m.Validate(ctx, token)
	if verr != nil {
		return verr
	}

	info.LastActivity = time.Now()

	ttl := time.Until(info.ExpiresAt)
	if m.cfg.SlidingWindow {
		ttl = m.cfg.DefaultTimeout
		info.ExpiresAt = info.LastActivity.Add(ttl)
	}

	if err := m.redis.Set(ctx, sessionKey(token), serialize(info), ttl).Err(); err != nil {
		return ErrorRedisUnavailable.Error(err)
	}
	return nil
}

// Destroy removes a single session.
func (m *Manager) Destroy(ctx context.Context, token string) liberr.Error {
	info, _ := deserializeFromRedis(ctx, m.redis, token)
	if err := m.redis.Del(ctx, sessionKey(token)).Err(); err != nil {
		return ErrorRedisUnavailable.Error(err)
	}
	if info.UserID != "" {
		m.redis.SRem(ctx, userSetKey(info.UserID), token)
	}
	atomic.AddUint64(&m.destroyed, 1)
	return nil
}

// DestroyAll enumerates a user's sessions via the per-user set and deletes
// every one.
func (m *Manager) DestroyAll(ctx context.Context, userID string) liberr.Error {
	tokens, err := m.redis.SMembers(ctx, userSetKey(userID)).Result()
	if err != nil && err != libred.Nil {
		return ErrorRedisUnavailable.Error(err)
	}
	for _, tok := range tokens {
		m.redis.Del(ctx, sessionKey(tok))
		atomic.AddUint64(&m.destroyed, 1)
	}
	m.redis.Del(ctx, userSetKey(userID))
	return nil
}

// Counters returns observability counters (created/expired/destroyed/hit/miss).
func (m *Manager) Counters() (created, expired, destroyed, hits, misses uint64) {
	return atomic.LoadUint64(&m.created), atomic.LoadUint64(&m.expired),
		atomic.LoadUint64(&m.destroyed), atomic.LoadUint64(&m.hits), atomic.LoadUint64(&m.misses)
}

func deserializeFromRedis(ctx context.Context, r Redis, token string) (Info, bool) {
	raw, err := r.Get(ctx, sessionKey(token)).Result()
	if err != nil {
		return Info{}, false
	}
	return deserialize(raw)
}

// serialize encodes Info as a colon-separated record, times in Unix
// milliseconds:
// user_id:device_id:created:last_activity:expires:client_id:ip
func serialize(i Info) string {
	return fmt.Sprintf("%s:%s:%d:%d:%d:%s:%s",
		i.UserID, i.DeviceID, i.CreatedAt.UnixMilli(), i.LastActivity.UnixMilli(), i.ExpiresAt.UnixMilli(), i.ClientID, i.IP)
}

// deserialize is tolerant: a malformed value is treated as absent.
func deserialize(s string) (Info, bool) {
	parts := strings.SplitN(s, ":", 7)
	if len(parts) != 7 {
		return Info{}, false
	}

	created, err1 := strconv.ParseInt(parts[2], 10, 64)
	last, err2 := strconv.ParseInt(parts[3], 10, 64)
	expires, err3 := strconv.ParseInt(parts[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Info{}, false
	}

	return Info{
		UserID:       parts[0],
		DeviceID:     parts[1],
		CreatedAt:    time.UnixMilli(created),
		LastActivity: time.UnixMilli(last),
		ExpiresAt:    time.UnixMilli(expires),
		ClientID:     parts[5],
		IP:           parts[6],
	}, true
}
