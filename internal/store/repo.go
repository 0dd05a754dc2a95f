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

import (
	"context"
	"time"

	gormdb "gorm.io/gorm"
)

// Repo is the plain-GORM read/write surface the protocol and session
// layers use for user lookups and the audit tables (user_sessions,
// login_logs).
type Repo struct {
	db *gormdb.DB
}

func NewRepo(db *gormdb.DB) *Repo { return &Repo{db: db} }

// FindByUsername returns the User row, found=false on no match.
func (r *Repo) FindByUsername(ctx context.Context, username string) (User, bool, error) {
	var u User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if err == gormdb.ErrRecordNotFound {
		return User{}, false, nil
	}
	return u, err == nil, err
}

// FindByEmail returns the User row, found=false on no match.
func (r *Repo) FindByEmail(ctx context.Context, email string) (User, bool, error) {
	var u User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error
	if err == gormdb.ErrRecordNotFound {
		return User{}, false, nil
	}
	return u, err == nil, err
}

// ExistsByUsername reports whether a user row already holds this username,
// used by the check_username availability action.
func (r *Repo) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Count(&n).Error
	return n > 0, err
}

// ExistsByEmail reports whether a user row already holds this email, used
// by the check_email availability action.
func (r *Repo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&n).Error
	return n > 0, err
}

// WriteSessionAudit inserts a write-behind audit row, best-effort and
// never consulted for validation.
func (r *Repo) WriteSessionAudit(ctx context.Context, token, userID, deviceID, clientID, ip string, createdAt, expiresAt time.Time) error {
	row := UserSession{
		SessionToken: token,
		UserID:       userID,
		DeviceID:     deviceID,
		ClientID:     clientID,
		IP:           ip,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// WriteLoginLog inserts one login_logs row for every login attempt,
// success or failure.
func (r *Repo) WriteLoginLog(ctx context.Context, userID *string, usernameAttempted, ip string, success bool, reason *string) error {
	row := LoginLog{
		UserID:            userID,
		UsernameAttempted: usernameAttempted,
		IP:                ip,
		Success:           success,
		Reason:            reason,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}
