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

// Package useridgen implements the User-ID Generator (F): a monotonically
// increasing 9-digit identifier produced under row-level lock.
package useridgen

import (
	"context"
	"fmt"
	"sync"
	"time"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	gormdb "gorm.io/gorm"
	gormcls "gorm.io/gorm/clause"

	qkstore "github.com/sabouaram/qkchat/internal/store"
)

func toGormDB(v interface{}) (*gormdb.DB, bool) {
	d, ok := v.(*gormdb.DB)
	return d, ok
}

// Transactor is the subset of internal/store.Pool the generator needs.
type Transactor interface {
	Transaction(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) liberr.Error
	DB(ctx context.Context) interface{}
}

// Generator is the User-ID Generator (F).
type Generator struct {
	pool Transactor
	log  func() liblog.Logger

	mu             sync.Mutex
	nearWarned     bool
	criticalWarned bool
}

// New builds a Generator. The id_sequence row must exist (id=1); callers
// should ensure it via EnsureSeeded at boot.
func New(pool Transactor, log func() liblog.Logger) *Generator {
	return &Generator{pool: pool, log: log}
}

func (g *Generator) logger() liblog.Logger {
	if g.log != nil {
		if l := g.log(); l != nil {
			return l
		}
	}
	return liblog.GetDefault()
}

// EnsureSeeded inserts the singleton id_sequence row if it is absent.
func (g *Generator) EnsureSeeded(ctx context.Context, startID, maxID uint32) error {
	gdb, ok := toGormDB(g.pool.DB(ctx))
	if !ok {
		return fmt.Errorf("useridgen: database handle is not a *gorm.DB")
	}

	var count int64
	if err := gdb.Model(&qkstore.IDSequence{}).Where("id = ?", 1).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return gdb.Create(&qkstore.IDSequence{ID: 1, CurrentID: startID, MaxID: maxID, UpdatedAt: time.Now()}).Error
}

// Next advances the sequence by exactly one under SELECT ... FOR UPDATE and
// returns the new value as a zero-padded 9-digit string.
func (g *Generator) Next(ctx context.Context) (string, liberr.Error) {
	var result string

	e := g.pool.Transaction(ctx, 5*time.Second, func(txCtx context.Context) error {
		gdb, ok := toGormDB(g.pool.DB(txCtx))
		if !ok {
			return fmt.Errorf("useridgen: transaction handle is not a *gorm.DB")
		}

		var seq qkstore.IDSequence
		if err := gdb.Clauses(gormcls.Locking{Strength: "UPDATE"}).
			Where("id = ?", 1).First(&seq).Error; err != nil {
			return err
		}

		next := seq.CurrentID + 1
		if next > seq.MaxID {
			return errSequenceExhausted
		}

		if err := gdb.Model(&qkstore.IDSequence{}).Where("id = ?", 1).
			Updates(map[string]interface{}{"current_id": next, "updated_at": time.Now()}).Error; err != nil {
			return err
		}

		result = format9(next)
		g.checkThresholds(seq.MaxID, next)
		return nil
	})

	if e != nil {
		if e.HasError(errSequenceExhausted) {
			return "", ErrorSequenceExhausted.Error(e)
		}
		return "", ErrorDatabaseError.Error(e)
	}

	return result, nil
}

var errSequenceExhausted = fmt.Errorf("sequence exhausted")

// checkThresholds emits near_exhaustion/critical warnings edge-triggered
// (once per threshold crossing).
func (g *Generator) checkThresholds(maxID, current uint32) {
	remaining := int64(maxID) - int64(current)

	g.mu.Lock()
	defer g.mu.Unlock()

	if remaining <= 100 {
		if !g.criticalWarned {
			g.criticalWarned = true
			g.logger().Warning("user id sequence critically low", nil, "remaining", remaining)
		}
	} else if remaining <= 1000 {
		if !g.nearWarned {
			g.nearWarned = true
			g.logger().Warning("user id sequence near exhaustion", nil, "remaining", remaining)
		}
	} else {
		g.nearWarned = false
		g.criticalWarned = false
	}
}

// format9 zero-pads n to a 9-digit string.
func format9(n uint32) string {
	return fmt.Sprintf("%09d", n)
}
