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

// Package serverrt is the composition root: it builds every component
// (B through O) from a qkcfg.Settings snapshot and owns their
// dependency-ordered Start/Stop, following the single-construction,
// single-teardown shape of github.com/nabbar/golib's config.configModel
// (built once under a sync.Once, torn down in the reverse of build
// order; config/model.go, config/manage.go).
package serverrt

import (
	"context"
	"sync"
	"time"

	liblog "github.com/nabbar/golib/logger"

	qkacpt "github.com/sabouaram/qkchat/internal/acceptor"
	qkcache "github.com/sabouaram/qkchat/internal/cachemgr"
	qkcert "github.com/sabouaram/qkchat/internal/certstore"
	qkcfg "github.com/sabouaram/qkchat/internal/qkcfg"
	qkproto "github.com/sabouaram/qkchat/internal/protocol"
	qkqueue "github.com/sabouaram/qkchat/internal/queue"
	qkred "github.com/sabouaram/qkchat/internal/rediscli"
	qkreg "github.com/sabouaram/qkchat/internal/registration"
	qksess "github.com/sabouaram/qkchat/internal/session"
	qkstore "github.com/sabouaram/qkchat/internal/store"
	qkuserid "github.com/sabouaram/qkchat/internal/useridgen"
	qkverif "github.com/sabouaram/qkchat/internal/verification"
)

// Runtime wires and owns every component's lifecycle. Built once via
// New, started once via Start, stopped once via Stop.
type Runtime struct {
	cfg *qkcfg.Store
	log liblog.Logger

	pool   *qkstore.Pool
	repo   *qkstore.Repo
	redis  *qkred.Client
	cache  *qkcache.Manager
	ids    *qkuserid.Generator
	verif  *qkverif.Manager
	reg    *qkreg.Service
	sess   *qksess.Manager
	disp   *qkproto.Dispatcher
	queue  *qkqueue.Queue
	accept *qkacpt.Acceptor

	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds every component from cfg but starts nothing yet.
func New(ctx context.Context, cfg *qkcfg.Store) (*Runtime, error) {
	settings := cfg.Get()

	log := newLogger(settings.Logging)
	logFn := func() liblog.Logger { return log }

	db, err := qkstore.NewDatabase(qkstore.DSNConfig{
		Driver:   settings.Database.Driver,
		Host:     settings.Database.Host,
		Port:     settings.Database.Port,
		Name:     settings.Database.Name,
		Username: settings.Database.Username,
		Password: settings.Database.Password,
		PoolSize: settings.Database.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	if err := qkstore.Migrate(db); err != nil {
		return nil, err
	}

	pool, perr := qkstore.New(db, settings.Database.PoolSize/2, settings.Database.PoolSize, qkstore.WithLogger(logFn))
	if perr != nil {
		return nil, perr
	}

	repo := qkstore.NewRepo(db.GetDB())

	redis := qkred.New(qkred.Config{
		Host:     settings.Redis.Host,
		Port:     settings.Redis.Port,
		Password: settings.Redis.Password,
		Database: settings.Redis.Database,
	}, logFn)

	cache := qkcache.New(ctx, settings.Cache.L1TTL, db.GetDB())

	ids := qkuserid.New(pool, logFn)
	if err := ids.EnsureSeeded(ctx, 100000000, 999999999); err != nil {
		return nil, err
	}

	var sender qkverif.Dispatcher
	if settings.Mail.SMTPHost != "" {
		sender = newMailSender(settings.Mail)
	}

	verif := qkverif.New(db.GetDB(), newVerificationRedis(redis), sender, qkverif.Config{
		MinInterval: 60 * time.Second,
		CodeTTL:     5 * time.Minute,
	}, logFn)

	reg := qkreg.New(db.GetDB(), ids, verif, qkreg.Config{
		PasswordMinLength: settings.Security.PasswordMinLength,
		BcryptCost:        settings.Security.BcryptCost,
	})

	sess := qksess.New(newSessionRedis(redis), newAuditAdapter(repo), qksess.Config{
		DefaultTimeout:     settings.Security.Session.DefaultTimeout,
		RememberMeTimeout:  settings.Security.Session.RememberMeTimeout,
		MaxSessionsPerUser: settings.Security.Session.MaxSessionsPerUser,
		SlidingWindow:      settings.Security.Session.SlidingWindow,
		MultiDeviceSupport: settings.Security.Session.MultiDeviceSupport,
	}, logFn)

	disp := qkproto.New(repo, sess, verif, reg, cache, repo, logFn)

	tlsCfg, terr := qkcert.Build(qkcert.Config{
		Enabled:     settings.Server.UseTLS,
		CertFile:    settings.Server.TLSCertFile,
		KeyFile:     settings.Server.TLSKeyFile,
		RootCAFiles: settings.Server.TLSRootCAFiles,
		ServerName:  settings.Server.BindAddr,
	})
	if terr != nil {
		return nil, terr
	}

	accept := qkacpt.New(qkacpt.Config{
		BindAddr:                   settings.Server.BindAddr,
		Port:                       settings.Server.Port,
		TLSConfig:                  tlsCfg,
		MaxClients:                 settings.Server.MaxClients,
		HeartbeatInterval:          settings.Server.HeartbeatInterval,
		HeartbeatTimeoutMultiplier: settings.Server.HeartbeatTimeoutMultiplier,
	}, disp, logFn)

	queue := qkqueue.New(qkqueue.Config{
		BatchSize:            settings.Queue.BatchSize,
		MaxRetries:           settings.Queue.MaxRetries,
		MaxQueueSize:         settings.Queue.MaxQueueSize,
		EnableFlowControl:    settings.Queue.EnableFlowControl,
		FlowControlThreshold: settings.Queue.FlowControlThreshold,
		NumWorkers:           settings.Queue.NumWorkers,
	}, accept.Deliver, newQueueLogger(log))

	r := &Runtime{
		cfg: cfg, log: log,
		pool: pool, repo: repo, redis: redis, cache: cache,
		ids: ids, verif: verif, reg: reg, sess: sess,
		disp: disp, queue: queue, accept: accept,
	}

	cfg.OnChange(r.onConfigChange)

	return r, nil
}

func newLogger(cfg qkcfg.Logging) liblog.Logger {
	l := liblog.New(context.Background())
	l.SetLevel(liblog.GetLevelString(cfg.Level))
	return l
}

// onConfigChange is the hot-reload hook: components read
// dynamic values on use, so most settings need no action here; this
// exists for the handful that must be pushed instead (log level).
func (r *Runtime) onConfigChange(s qkcfg.Settings) {
	r.log.SetLevel(liblog.GetLevelString(s.Logging.Level))
}

// Start starts the acceptor (N), then the queue worker pool (K), which
// pushes into N, then the config file watch. The other components are
// already live once New has built them and have no start step.
func (r *Runtime) Start(ctx context.Context) (err error) {
	r.startOnce.Do(func() {
		if serr := r.accept.Start(ctx); serr != nil {
			err = serr
			return
		}
		r.queue.Start(ctx)
		if werr := r.cfg.Watch(); werr != nil {
			r.log.Warning("config file watch not started", nil, "error", werr)
		}
	})
	return err
}

// Stop tears components down in the reverse of Start's order.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		r.cfg.Stop()
		r.queue.Stop()
		r.accept.Stop()
		_ = r.redis.Close()
		_ = r.cache.Close()
	})
}
