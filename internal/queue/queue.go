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

// Package queue implements the Async Message Queue (K): a four-band
// priority queue, a worker pool, bounded retry, and flow control
//. No teacher or pack package implements a priority
// queue + worker pool combinator, so this is stdlib-only (sync, time,
// container/heap) per the §5/§9 guidance to reach for the language's
// own synchronization primitives first.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Priority is a delivery band; lower values preempt higher ones.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

// Deliver is the capability K uses to hand a message to the acceptor for
// the matching user/client (N), injected at construction so K never
// holds a back-reference to internal/acceptor.
type Deliver func(ctx context.Context, userID, clientID string, payload []byte) error

// Message is one outbound entry.
type Message struct {
	ID         string
	UserID     string
	ClientID   string
	Payload    []byte
	Priority   Priority
	EnqueuedAt time.Time
	RetryCount int

	seq uint64
}

// Config holds the queue's tunables.
type Config struct {
	BatchSize             int
	MaxRetries            int
	MaxQueueSize          int
	EnableFlowControl     bool
	FlowControlThreshold  int
	NumWorkers            int
	RetryTickInterval     time.Duration
	HealthTickInterval    time.Duration
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	if c.FlowControlThreshold <= 0 {
		c.FlowControlThreshold = 8000
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.RetryTickInterval <= 0 {
		c.RetryTickInterval = 5 * time.Second
	}
	if c.HealthTickInterval <= 0 {
		c.HealthTickInterval = 30 * time.Second
	}
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	MainSize      int
	RetrySize     int
	Enqueued      uint64
	Delivered     uint64
	Dropped       uint64
	Failed        uint64
	ThroughputPS  uint64
}

// Queue is the Async Message Queue (K).
type Queue struct {
	cfg    Config
	log    Logger
	deliver Deliver

	mu    sync.Mutex
	main  priorityHeap
	retry []*Message

	counter uint64

	enqueued  uint64
	delivered uint64
	dropped   uint64
	failed    uint64

	perSecond uint64
	throughput uint64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Logger is the narrow logging surface the queue needs.
type Logger interface {
	Warningf(format string, args ...interface{})
}

// New builds a Queue. deliver must be non-nil; it is the real N delivery
// path, never a stub.
func New(cfg Config, deliver Deliver, log Logger) *Queue {
	cfg.setDefaults()
	return &Queue{
		cfg:     cfg,
		log:     log,
		deliver: deliver,
		stop:    make(chan struct{}),
	}
}

// Start launches the worker pool and the retry/health tickers.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.NumWorkers; i++ {
		q.wg.Add(1)
		go q.workerLoop(ctx)
	}
	q.wg.Add(1)
	go q.retryLoop(ctx)
	q.wg.Add(1)
	go q.healthLoop(ctx)
}

// Stop signals all goroutines to exit and waits for them.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Enqueue admits a new message, applying the flow-control rule: at
// max_queue_size, Normal/Low are dropped with a warning if flow control
// is enabled; Critical/High (or flow control disabled) are rejected
// outright.
func (q *Queue) Enqueue(userID, clientID string, payload []byte, priority Priority) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.main) >= q.cfg.MaxQueueSize {
		if q.cfg.EnableFlowControl && priority >= Normal {
			q.dropped++
			if q.log != nil {
				q.log.Warningf("queue_full: dropping priority=%d message, size=%d", priority, len(q.main))
			}
			return "", fmt.Errorf("queue: full, message dropped")
		}
		if q.log != nil {
			q.log.Warningf("queue_full: rejecting priority=%d enqueue, size=%d", priority, len(q.main))
		}
		return "", fmt.Errorf("queue: full, enqueue rejected")
	}

	q.counter++
	msg := &Message{
		ID:         fmt.Sprintf("msg_%d_%d", time.Now().UnixMilli(), q.counter),
		UserID:     userID,
		ClientID:   clientID,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		seq:        q.counter,
	}
	heap.Push(&q.main, msg)
	q.enqueued++
	atomic.AddUint64(&q.perSecond, 1)
	return msg.ID, nil
}

// Stats returns a snapshot of current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		MainSize:     len(q.main),
		RetrySize:    len(q.retry),
		Enqueued:     q.enqueued,
		Delivered:    q.delivered,
		Dropped:      q.dropped,
		Failed:       q.failed,
		ThroughputPS: atomic.LoadUint64(&q.throughput),
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		batch := q.popBatch()
		if len(batch) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, msg := range batch {
			err := q.deliver(ctx, msg.UserID, msg.ClientID, msg.Payload)
			if err == nil {
				q.mu.Lock()
				q.delivered++
				q.mu.Unlock()
				continue
			}

			msg.RetryCount++
			if msg.RetryCount > q.cfg.MaxRetries {
				q.mu.Lock()
				q.failed++
				q.mu.Unlock()
				if q.log != nil {
					q.log.Warningf("message %s exceeded max_retries, dropping", msg.ID)
				}
				continue
			}

			q.mu.Lock()
			q.retry = append(q.retry, msg)
			q.mu.Unlock()
		}
	}
}

// popBatch pulls up to batch_size messages in priority-then-FIFO order.
func (q *Queue) popBatch() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.cfg.BatchSize
	if n > len(q.main) {
		n = len(q.main)
	}
	batch := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, heap.Pop(&q.main).(*Message))
	}
	return batch
}

// retryLoop drains the retry list back into the main heap on a tick,
// preserving priority band but losing original cross-retry order.
func (q *Queue) retryLoop(ctx context.Context) {
	defer q.wg.Done()

	t := time.NewTicker(q.cfg.RetryTickInterval)
	defer t.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			q.mu.Lock()
			pending := q.retry
			q.retry = nil
			for _, msg := range pending {
				q.counter++
				msg.seq = q.counter
				heap.Push(&q.main, msg)
			}
			q.mu.Unlock()
		}
	}
}

// healthLoop emits a queue_full-threshold warning and resets the
// per-second counter into a throughput gauge every health tick.
func (q *Queue) healthLoop(ctx context.Context) {
	defer q.wg.Done()

	t := time.NewTicker(q.cfg.HealthTickInterval)
	defer t.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			q.mu.Lock()
			size := len(q.main)
			q.mu.Unlock()

			if size >= q.cfg.FlowControlThreshold && q.log != nil {
				q.log.Warningf("queue depth %d at or above flow_control_threshold %d", size, q.cfg.FlowControlThreshold)
			}

			ticks := q.cfg.HealthTickInterval.Seconds()
			if ticks <= 0 {
				ticks = 1
			}
			total := atomic.SwapUint64(&q.perSecond, 0)
			atomic.StoreUint64(&q.throughput, uint64(float64(total)/ticks))
		}
	}
}

// priorityHeap orders by Priority band first, then enqueue sequence.
type priorityHeap []*Message

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x interface{}) {
	*h = append(*h, x.(*Message))
}

func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
