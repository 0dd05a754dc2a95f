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

// Package store adapts github.com/nabbar/golib/database/gorm's implicit
// sql.DB pool into an explicit acquire/release/transaction surface: a
// bounded set of logical slots guarded by a buffered channel used as the
// idiomatic Go substitute for the acquire-blocks-on-condition-variable /
// release-wakes-waiter model.
package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"

	libgorm "github.com/nabbar/golib/database/gorm"
)

// Slot is one connection-shaped resource handed out by the Pool. Exactly
// one caller holds a given Slot at a time.
type Slot struct {
	Name     string
	LastUsed time.Time
	inUse    bool
}

// Stats mirrors the pool statistics emitted for observability.
type Stats struct {
	Total     int32
	Idle      int32
	InUse     int32
	Acquired  uint64
	Released  uint64
	Timeouts  uint64
}

// Pool is the Connection Pool component (C).
type Pool struct {
	db  libgorm.Database
	log func() liblog.Logger

	min int32
	max int32

	total int32

	idle chan *Slot
	mu   sync.Mutex

	acquired uint64
	released uint64
	timeouts uint64

	healthInterval time.Duration
	idleTimeout    time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Pool at construction.
type Option func(*Pool)

func WithHealthInterval(d time.Duration) Option { return func(p *Pool) { p.healthInterval = d } }
func WithIdleTimeout(d time.Duration) Option     { return func(p *Pool) { p.idleTimeout = d } }
func WithLogger(fct func() liblog.Logger) Option { return func(p *Pool) { p.log = fct } }

// New builds a Pool bounded to [min,max] logical slots over db.
func New(db libgorm.Database, min, max int, opts ...Option) (*Pool, liberr.Error) {
	if db == nil || max <= 0 {
		return nil, ErrorParamEmpty.Error(nil)
	}
	if min < 0 {
		min = 0
	}
	if min > max {
		min = max
	}

	p := &Pool{
		db:             db,
		min:            int32(min),
		max:            int32(max),
		idle:           make(chan *Slot, max),
		healthInterval: 60 * time.Second,
		idleTimeout:    5 * time.Minute,
		stopCh:         make(chan struct{}),
	}

	for i := 0; i < min; i++ {
		p.idle <- &Slot{Name: fmt.Sprintf("slot-%d", i), LastUsed: time.Now()}
		atomic.AddInt32(&p.total, 1)
	}

	for _, o := range opts {
		o(p)
	}

	p.wg.Add(2)
	go p.healthLoop()
	go p.reapLoop()

	return p, nil
}

func (p *Pool) logger() liblog.Logger {
	if p.log != nil {
		if l := p.log(); l != nil {
			return l
		}
	}
	return liblog.GetDefault()
}

func (p *Pool) validate(s *Slot) bool {
	if e := p.db.CheckConn(); e != nil {
		return false
	}
	s.LastUsed = time.Now()
	return true
}

// Acquire returns a valid slot or ErrorAcquireTimeout once timeout elapses.
// It never leaks a slot: on any failure path the reservation is released.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Slot, liberr.Error) {
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now().Add(24 * time.Hour)
	}

	for {
		select {
		case s := <-p.idle:
			if p.validate(s) {
				s.inUse = true
				atomic.AddUint64(&p.acquired, 1)
				return s, nil
			}
			atomic.AddInt32(&p.total, -1)
			continue
		default:
		}

		if atomic.LoadInt32(&p.total) < p.max {
			p.mu.Lock()
			if atomic.LoadInt32(&p.total) < p.max {
				atomic.AddInt32(&p.total, 1)
				p.mu.Unlock()
				s := &Slot{Name: fmt.Sprintf("slot-%d", time.Now().UnixNano()), LastUsed: time.Now(), inUse: true}
				atomic.AddUint64(&p.acquired, 1)
				return s, nil
			}
			p.mu.Unlock()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			atomic.AddUint64(&p.timeouts, 1)
			return nil, ErrorAcquireTimeout.Error(nil)
		}

		t := time.NewTimer(remaining)
		select {
		case s := <-p.idle:
			t.Stop()
			if p.validate(s) {
				s.inUse = true
				atomic.AddUint64(&p.acquired, 1)
				return s, nil
			}
			atomic.AddInt32(&p.total, -1)
		case <-t.C:
			atomic.AddUint64(&p.timeouts, 1)
			return nil, ErrorAcquireTimeout.Error(nil)
		case <-ctx.Done():
			t.Stop()
			return nil, ErrorAcquireTimeout.Error(ctx.Err())
		case <-p.stopCh:
			t.Stop()
			return nil, ErrorAcquireTimeout.Error(nil)
		}
	}
}

// Release returns s to the idle pool after validation; invalid slots are
// discarded and replaced up to min_connections.
func (p *Pool) Release(s *Slot) {
	if s == nil || !s.inUse {
		return
	}
	s.inUse = false
	atomic.AddUint64(&p.released, 1)

	if !p.validate(s) {
		atomic.AddInt32(&p.total, -1)
		p.replenish()
		return
	}

	select {
	case p.idle <- s:
	default:
		// pool shrunk beneath us (e.g. after a reap); drop the slot.
		atomic.AddInt32(&p.total, -1)
	}
}

func (p *Pool) replenish() {
	for atomic.LoadInt32(&p.total) < p.min {
		p.mu.Lock()
		if atomic.LoadInt32(&p.total) >= p.min {
			p.mu.Unlock()
			break
		}
		atomic.AddInt32(&p.total, 1)
		p.mu.Unlock()
		select {
		case p.idle <- &Slot{Name: fmt.Sprintf("slot-%d", time.Now().UnixNano()), LastUsed: time.Now()}:
		default:
			atomic.AddInt32(&p.total, -1)
			return
		}
	}
}

// Transaction acquires a slot, begins a transaction, invokes fn, commits on
// nil error, rolls back otherwise. Nested transactions are not supported.
func (p *Pool) Transaction(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) liberr.Error {
	s, e := p.Acquire(ctx, timeout)
	if e != nil {
		return e
	}
	defer p.Release(s)

	tx := p.db.GetDB().WithContext(ctx).Begin()
	if tx.Error != nil {
		return ErrorTransactionAborted.Error(tx.Error)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		tx.Rollback()
		return ErrorTransactionAborted.Error(err)
	}

	if err := tx.Commit().Error; err != nil {
		return ErrorTransactionAborted.Error(err)
	}

	return nil
}

type txKey struct{}

// DB returns the transaction handle bound to ctx if present, otherwise the
// pool's shared *gorm.DB.
func (p *Pool) DB(ctx context.Context) interface{} {
	if tx, ok := ctx.Value(txKey{}).(interface{}); ok {
		return tx
	}
	return p.db.GetDB()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Total:    atomic.LoadInt32(&p.total),
		Idle:     int32(len(p.idle)),
		InUse:    atomic.LoadInt32(&p.total) - int32(len(p.idle)),
		Acquired: atomic.LoadUint64(&p.acquired),
		Released: atomic.LoadUint64(&p.released),
		Timeouts: atomic.LoadUint64(&p.timeouts),
	}
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.healthInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n := len(p.idle)
			for i := 0; i < n; i++ {
				select {
				case s := <-p.idle:
					if p.validate(s) {
						p.idle <- s
					} else {
						atomic.AddInt32(&p.total, -1)
					}
				default:
				}
			}
			p.replenish()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	interval := p.idleTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n := len(p.idle)
			for i := 0; i < n; i++ {
				select {
				case s := <-p.idle:
					if atomic.LoadInt32(&p.total) > p.min && time.Since(s.LastUsed) > p.idleTimeout {
						atomic.AddInt32(&p.total, -1)
					} else {
						p.idle <- s
					}
				default:
				}
			}
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the health and reap tickers. Safe to call once.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}
