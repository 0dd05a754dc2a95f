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

// Package acceptor implements the Acceptor / TCP Server (N): the
// TLS/TCP accept loop, the client_id/user_id indices, and the
// heartbeat-timeout sweep. github.com/nabbar/golib has no
// socket/server/tcp package with production logic to draw on; built
// fresh on stdlib net/crypto/tls, grounded on internal/certstore for TLS
// assembly and on github.com/nabbar/golib/database/gorm's model.go
// signal/WaitNotify idiom for Start/Stop lifecycle shape.
package acceptor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	liblog "github.com/nabbar/golib/logger"

	qkclient "github.com/sabouaram/qkchat/internal/clienthandler"
	qkproto "github.com/sabouaram/qkchat/internal/protocol"
)

// Config is the server.{port,bind_addr,max_clients,heartbeat_interval}
// surface.
type Config struct {
	BindAddr                   string
	Port                       int
	TLSConfig                  *tls.Config
	MaxClients                 int
	HeartbeatInterval          time.Duration
	HeartbeatTimeoutMultiplier int
}

func (c *Config) setDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeoutMultiplier <= 0 {
		c.HeartbeatTimeoutMultiplier = 3
	}
}

// Dispatcher is the subset of *protocol.Dispatcher the acceptor's
// handlers need.
type Dispatcher interface {
	Dispatch(ctx context.Context, env qkproto.Envelope, meta qkproto.Meta) qkproto.Envelope
}

// Acceptor is the Acceptor / TCP Server (N).
type Acceptor struct {
	cfg      Config
	dispatch Dispatcher
	log      func() liblog.Logger

	listener net.Listener

	mu       sync.RWMutex
	byClient map[string]*qkclient.Handler
	byUser   map[string]*qkclient.Handler

	clientSeq uint64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, dispatch Dispatcher, log func() liblog.Logger) *Acceptor {
	cfg.setDefaults()
	return &Acceptor{
		cfg:      cfg,
		dispatch: dispatch,
		log:      log,
		byClient: make(map[string]*qkclient.Handler),
		byUser:   make(map[string]*qkclient.Handler),
		stop:     make(chan struct{}),
	}
}

// Addr returns the listener's bound address. Only valid after Start
// returns successfully; useful for logging the effective port when
// Config.Port is 0.
func (a *Acceptor) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *Acceptor) logger() liblog.Logger {
	if a.log != nil {
		if l := a.log(); l != nil {
			return l
		}
	}
	return liblog.GetDefault()
}

// Start binds the listener (TLS-wrapped when cfg.TLSConfig is non-nil)
// and launches the accept loop and the heartbeat-timeout sweep.
func (a *Acceptor) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.BindAddr, a.cfg.Port)

	var l net.Listener
	var err error
	if a.cfg.TLSConfig != nil {
		l, err = tls.Listen("tcp", addr, a.cfg.TLSConfig)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return ErrorListenFailed.Error(err)
	}
	a.listener = l

	a.wg.Add(1)
	go a.acceptLoop(ctx)

	a.wg.Add(1)
	go a.heartbeatLoop(ctx)

	return nil
}

// Stop closes the listener and every tracked connection, then waits for
// the background loops to exit. Rebinding after stop is supported by
// constructing a new Acceptor.
func (a *Acceptor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		if a.listener != nil {
			_ = a.listener.Close()
		}
	})

	a.mu.Lock()
	handlers := make([]*qkclient.Handler, 0, len(a.byClient))
	for _, h := range a.byClient {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()

	for _, h := range handlers {
		_ = h.Close()
	}

	a.wg.Wait()
}

func (a *Acceptor) acceptLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.stop:
				return
			case <-ctx.Done():
				return
			default:
				a.logger().Warning("accept error", nil, "error", err)
				continue
			}
		}
		go a.handleConn(ctx, conn)
	}
}

// handleConn rejects immediately with a connection_rejected frame when
// at max_clients, otherwise constructs M bound to this socket and runs
// it until disconnect. Per-client errors never take down
// the acceptor.
func (a *Acceptor) handleConn(ctx context.Context, conn net.Conn) {
	if a.clientCount() >= a.cfg.MaxClients {
		a.rejectConnection(conn)
		return
	}

	clientID := fmt.Sprintf("c%d", atomic.AddUint64(&a.clientSeq, 1))
	handler := qkclient.New(conn, a.dispatch, clientID)
	handler.OnAuthenticated = func(userID string) {
		a.mu.Lock()
		a.byUser[userID] = handler
		a.mu.Unlock()
	}

	a.mu.Lock()
	a.byClient[clientID] = handler
	a.mu.Unlock()

	if err := handler.Serve(ctx); err != nil {
		a.logger().Info("client disconnected", nil, "client_id", clientID, "reason", err.Error())
	}

	a.unregister(clientID, handler.UserID())
	_ = handler.Close()
}

func (a *Acceptor) rejectConnection(conn net.Conn) {
	defer conn.Close()
	payload, _ := json.Marshal(map[string]interface{}{
		"action":      "connection_rejected",
		"reason":      "max_clients reached",
		"max_clients": a.cfg.MaxClients,
	})

	var header [4]byte
	l := uint32(len(payload))
	header[0] = byte(l >> 24)
	header[1] = byte(l >> 16)
	header[2] = byte(l >> 8)
	header[3] = byte(l)
	_, _ = conn.Write(append(header[:], payload...))
}

func (a *Acceptor) unregister(clientID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byClient, clientID)
	if userID != "" {
		if h, ok := a.byUser[userID]; ok && h != nil {
			delete(a.byUser, userID)
		}
	}
}

func (a *Acceptor) clientCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byClient)
}

// Statistics returns the current connected/authenticated client counts.
func (a *Acceptor) Statistics() (connected, authenticated int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byClient), len(a.byUser)
}

// Broadcast sends payload to every connected client. Enumeration copies
// handler references under the lock and acts on the copies outside it.
func (a *Acceptor) Broadcast(env qkproto.Envelope) {
	a.mu.RLock()
	handlers := make([]*qkclient.Handler, 0, len(a.byClient))
	for _, h := range a.byClient {
		handlers = append(handlers, h)
	}
	a.mu.RUnlock()

	for _, h := range handlers {
		_ = h.Send(env)
	}
}

// SendToUser delivers payload to the handler authenticated as userID, if
// connected.
func (a *Acceptor) SendToUser(userID string, env qkproto.Envelope) error {
	a.mu.RLock()
	h, ok := a.byUser[userID]
	a.mu.RUnlock()
	if !ok {
		return ErrorClientNotFound.Error(nil)
	}
	return h.Send(env)
}

// DisconnectUser force-closes userID's connection, if any.
func (a *Acceptor) DisconnectUser(userID string) error {
	a.mu.RLock()
	h, ok := a.byUser[userID]
	a.mu.RUnlock()
	if !ok {
		return ErrorClientNotFound.Error(nil)
	}
	return h.Close()
}

// Deliver adapts the acceptor to queue.Deliver: K's worker pool calls
// this to hand an outbound message to the matching client.
func (a *Acceptor) Deliver(_ context.Context, userID, clientID string, payload []byte) error {
	var env qkproto.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}

	if clientID != "" {
		a.mu.RLock()
		h, ok := a.byClient[clientID]
		a.mu.RUnlock()
		if ok {
			return h.Send(env)
		}
	}
	if userID != "" {
		return a.SendToUser(userID, env)
	}
	return ErrorClientNotFound.Error(nil)
}

// heartbeatLoop scans the client table every heartbeat_interval and
// disconnects clients whose last activity is older than
// heartbeat_timeout_multiplier × interval.
func (a *Acceptor) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()

	timeout := time.Duration(a.cfg.HeartbeatTimeoutMultiplier) * a.cfg.HeartbeatInterval

	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			a.mu.RLock()
			stale := make([]*qkclient.Handler, 0)
			for _, h := range a.byClient {
				if time.Since(h.LastActivity()) > timeout {
					stale = append(stale, h)
				}
			}
			a.mu.RUnlock()

			for _, h := range stale {
				_ = h.Close()
			}
		}
	}
}
