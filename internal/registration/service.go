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

// Package registration implements the Registration Service (I): validate,
// de-duplicate, verify code, and create a user record.
package registration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	libval "github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	gormdb "gorm.io/gorm"

	liberr "github.com/nabbar/golib/errors"

	qkstore "github.com/sabouaram/qkchat/internal/store"
	qkverif "github.com/sabouaram/qkchat/internal/verification"
)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)

// IDGenerator is the subset of internal/useridgen.Generator this service needs.
type IDGenerator interface {
	Next(ctx context.Context) (string, liberr.Error)
}

// CodeVerifier is the subset of internal/verification.Manager this service needs.
type CodeVerifier interface {
	Verify(ctx context.Context, email, code string, typ qkstore.VerificationCodeType) qkverif.Result
}

// Request is the register action's input shape.
type Request struct {
	Username         string
	Email            string
	Password         string
	VerificationCode string
}

// UserData is the public projection of a User returned to the client.
type UserData struct {
	UserID        string
	Username      string
	Email         string
	Status        string
	EmailVerified bool
}

// Config carries the password-strength and bcrypt-cost knobs
// (security.password_min_length).
type Config struct {
	PasswordMinLength int
	BcryptCost        int
}

// Service is the Registration Service (I).
type Service struct {
	db       *gormdb.DB
	ids      IDGenerator
	verifier CodeVerifier
	cfg      Config
	validate *libval.Validate
}

func New(db *gormdb.DB, ids IDGenerator, verifier CodeVerifier, cfg Config) *Service {
	if cfg.PasswordMinLength <= 0 {
		cfg.PasswordMinLength = 6
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{db: db, ids: ids, verifier: verifier, cfg: cfg, validate: libval.New()}
}

// Register runs the full validate/dedupe/verify/create pipeline.
func (s *Service) Register(ctx context.Context, req Request) (Code, UserData) {
	if req.Username == "" || req.Email == "" || req.Password == "" || req.VerificationCode == "" {
		return InvalidInput, UserData{}
	}

	if !usernameRe.MatchString(req.Username) {
		return UsernameFormatInvalid, UserData{}
	}
	if s.validate.Var(req.Email, "required,email") != nil {
		return EmailFormatInvalid, UserData{}
	}
	if len(req.Password) < s.cfg.PasswordMinLength {
		return PasswordTooWeak, UserData{}
	}

	switch s.verifier.Verify(ctx, req.Email, req.VerificationCode, qkstore.VerificationTypeRegistration) {
	case qkverif.Success:
		// fall through
	default:
		return InvalidVerificationCode, UserData{}
	}

	userID, err := s.ids.Next(ctx)
	if err != nil {
		return UserIdGenerationFailed, UserData{}
	}

	salt, hashErr := generateSalt()
	if hashErr != nil {
		return DatabaseError, UserData{}
	}

	hash, hashErr := bcrypt.GenerateFromPassword([]byte(req.Password+salt), s.cfg.BcryptCost)
	if hashErr != nil {
		return DatabaseError, UserData{}
	}

	row := qkstore.User{
		UserID:        userID,
		Username:      req.Username,
		Email:         req.Email,
		PasswordHash:  string(hash),
		Salt:          salt,
		Status:        qkstore.UserStatusActive,
		EmailVerified: true,
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if code, ok := uniqueViolationField(err); ok {
			return code, UserData{}
		}
		return DatabaseError, UserData{}
	}

	return Success, UserData{
		UserID:        row.UserID,
		Username:      row.Username,
		Email:         row.Email,
		Status:        string(row.Status),
		EmailVerified: row.EmailVerified,
	}
}

// uniqueViolationField translates the driver's unique-violation error into
// UsernameExists/EmailExists deterministically, rather than a racy
// SELECT COUNT(*) pre-check; it relies on the UNIQUE constraint itself.
func uniqueViolationField(err error) (Code, bool) {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "unique") && !strings.Contains(msg, "duplicate") {
		return 0, false
	}
	if strings.Contains(msg, "username") {
		return UsernameExists, true
	}
	if strings.Contains(msg, "email") {
		return EmailExists, true
	}
	return 0, false
}

func generateSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
