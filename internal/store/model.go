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

package store

import "time"

// UserStatus enumerates the lifecycle states of a User record.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusInactive UserStatus = "inactive"
	UserStatusBanned   UserStatus = "banned"
	UserStatusDeleted  UserStatus = "deleted"
)

// User is the durable identity record created by the Registration Service (I).
type User struct {
	UserID        string     `gorm:"column:user_id;type:char(9);primaryKey"`
	Username      string     `gorm:"column:username;uniqueIndex;size:64;not null"`
	Email         string     `gorm:"column:email;uniqueIndex;size:255;not null"`
	PasswordHash  string     `gorm:"column:password_hash;size:255;not null"`
	Salt          string     `gorm:"column:salt;size:64;not null"`
	DisplayName   *string    `gorm:"column:display_name;size:128"`
	Status        UserStatus `gorm:"column:status;size:16;not null;default:active"`
	EmailVerified bool       `gorm:"column:email_verified;not null;default:false"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (User) TableName() string { return "users" }

// IDSequence is the singleton row backing the User-ID Generator (F).
type IDSequence struct {
	ID        uint8     `gorm:"column:id;primaryKey"`
	CurrentID uint32    `gorm:"column:current_id;not null"`
	MaxID     uint32    `gorm:"column:max_id;not null;default:999999999"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (IDSequence) TableName() string { return "user_id_sequence" }

// VerificationCodeType enumerates the purpose a verification code was issued for.
type VerificationCodeType string

const (
	VerificationTypeRegistration  VerificationCodeType = "registration"
	VerificationTypePasswordReset VerificationCodeType = "password_reset"
	VerificationTypeEmailChange   VerificationCodeType = "email_change"
)

// VerificationCode is the durable record backing the Verification-Code Manager (G).
//
// The composite index on (email, type, used_at) supports the "at most one
// unused unexpired code per (email, type)" invariant query.
type VerificationCode struct {
	ID        uint64               `gorm:"column:id;primaryKey;autoIncrement"`
	Email     string               `gorm:"column:email;size:255;not null;index:idx_verif_lookup,priority:1"`
	Code      string               `gorm:"column:code;size:6;not null"`
	Type      VerificationCodeType `gorm:"column:type;size:32;not null;index:idx_verif_lookup,priority:2"`
	IssuedAt  time.Time            `gorm:"column:issued_at;not null"`
	ExpiresAt time.Time            `gorm:"column:expires_at;not null"`
	UsedAt    *time.Time           `gorm:"column:used_at;index:idx_verif_lookup,priority:3"`
}

func (VerificationCode) TableName() string { return "verification_codes" }

// UserSession is a write-behind audit mirror of a Redis session (never
// consulted for validation).
type UserSession struct {
	SessionToken string    `gorm:"column:session_token;type:char(32);primaryKey"`
	UserID       string    `gorm:"column:user_id;type:char(9);not null;index"`
	DeviceID     string    `gorm:"column:device_id;size:128"`
	ClientID     string    `gorm:"column:client_id;size:64"`
	IP           string    `gorm:"column:ip;size:64"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null"`
}

func (UserSession) TableName() string { return "user_sessions" }

// LoginLog records every login attempt, success or failure — an
// observability feature, not a new protocol action.
type LoginLog struct {
	ID               uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserID           *string   `gorm:"column:user_id;type:char(9);index"`
	UsernameAttempted string   `gorm:"column:username_attempted;size:64;not null"`
	IP               string    `gorm:"column:ip;size:64"`
	Success          bool      `gorm:"column:success;not null"`
	Reason           *string   `gorm:"column:reason;size:255"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

func (LoginLog) TableName() string { return "login_logs" }

// SearchCacheEntry is the L2 row backing the Cache Manager's table-backed
// tier.
type SearchCacheEntry struct {
	CacheKey  string    `gorm:"column:cache_key;size:255;primaryKey"`
	Payload   []byte    `gorm:"column:payload;type:blob"`
	HitCount  uint64    `gorm:"column:hit_count;not null;default:0"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
}

func (SearchCacheEntry) TableName() string { return "search_cache" }

// HotDataStat is the durable mirror of the hot-key scoring table, reloaded
// on startup by the Cache Manager's 10-minute repopulation tick.
type HotDataStat struct {
	Type         string    `gorm:"column:type;size:64;primaryKey"`
	Key          string    `gorm:"column:key;size:255;primaryKey"`
	AccessCount  uint64    `gorm:"column:access_count;not null;default:0"`
	LastAccessAt time.Time `gorm:"column:last_access_at;not null;index"`
}

func (HotDataStat) TableName() string { return "hot_data_stats" }
