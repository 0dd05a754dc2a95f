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

// Package rediscli wraps github.com/redis/go-redis/v9 with a
// fixed-interval auto-reconnect (default 10s) for the session store (H),
// verification-code fast path (G) and rate-limit counters (G/K).
//
// github.com/nabbar/golib has no production socket client to draw on
// for this (its socket/** packages are test-only); go-redis is the
// straightforward, idiomatic choice for a Redis client in Go.
package rediscli

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	libred "github.com/redis/go-redis/v9"

	liblog "github.com/nabbar/golib/logger"
)

// Config is the redis.{host,port,password,database} surface.
type Config struct {
	Host     string
	Port     int
	Password string
	Database int

	ReconnectInterval time.Duration
}

// Client wraps *redis.Client with a background reconnect watchdog.
type Client struct {
	cfg Config
	log func() liblog.Logger

	mu  sync.RWMutex
	rdb *libred.Client

	up int32

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New dials addr immediately; if the dial fails the client still returns
// (not-yet-connected) and the reconnect loop keeps retrying.
func New(cfg Config, log func() liblog.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 10 * time.Second
	}

	c := &Client{cfg: cfg, log: log, stopCh: make(chan struct{})}
	c.connect()
	go c.watch()
	return c
}

func (c *Client) logger() liblog.Logger {
	if c.log != nil {
		if l := c.log(); l != nil {
			return l
		}
	}
	return liblog.GetDefault()
}

func (c *Client) connect() {
	rdb := libred.NewClient(&libred.Options{
		Addr:     addr(c.cfg),
		Password: c.cfg.Password,
		DB:       c.cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		c.logger().Warning("redis connection failed, will retry", nil, "error", err)
		_ = rdb.Close()
		atomic.StoreInt32(&c.up, 0)
		return
	}

	c.mu.Lock()
	old := c.rdb
	c.rdb = rdb
	c.mu.Unlock()
	atomic.StoreInt32(&c.up, 1)

	if old != nil {
		_ = old.Close()
	}
}

func (c *Client) watch() {
	t := time.NewTicker(c.cfg.ReconnectInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if atomic.LoadInt32(&c.up) == 1 {
				c.mu.RLock()
				rdb := c.rdb
				c.mu.RUnlock()
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				err := rdb.Ping(ctx).Err()
				cancel()
				if err == nil {
					continue
				}
				atomic.StoreInt32(&c.up, 0)
			}
			c.connect()
		case <-c.stopCh:
			return
		}
	}
}

// Up reports whether the last health probe succeeded.
func (c *Client) Up() bool { return atomic.LoadInt32(&c.up) == 1 }

// Handle returns the underlying *redis.Client, or nil if never connected.
func (c *Client) Handle() *libred.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rdb
}

// Close stops the reconnect watchdog and closes the underlying connection.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func addr(cfg Config) string {
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	return cfg.Host + ":" + strconv.Itoa(cfg.Port)
}
