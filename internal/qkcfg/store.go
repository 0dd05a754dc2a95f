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

// Package qkcfg is the Config Store (B): a single spf13/viper instance
// holding the dotted-key configuration surface, with QKCHAT_-prefixed
// environment override and a debounced fsnotify-driven reload, following
// github.com/nabbar/golib/config's convention of one Viper instance
// shared across registered components (config/model.go,
// config/interface.go) — adapted here into a plain struct instead of
// its full Component/ComponentList registry, since this server has a
// fixed, known set of components rather than a plugin-style registry.
package qkcfg

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	spfvpr "github.com/spf13/viper"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
)

// Server mirrors server.*.
type Server struct {
	Port                       int
	MaxClients                 int
	HeartbeatInterval          time.Duration
	UseTLS                     bool
	TLSCertFile                string
	TLSKeyFile                 string
	TLSRootCAFiles             []string
	BindAddr                   string
	HeartbeatTimeoutMultiplier int
}

// Database mirrors database.*.
type Database struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	Username string
	Password string
	PoolSize int
}

// Redis mirrors redis.*.
type Redis struct {
	Host     string
	Port     int
	Password string
	Database int
}

// Logging mirrors logging.*.
type Logging struct {
	Level          string
	ConsoleOutput  bool
	JSONFormat     bool
	MaxFileSize    int
	RetentionDays  int
	Directory      string
}

// SessionSecurity mirrors security.session.*.
type SessionSecurity struct {
	DefaultTimeout         time.Duration
	RememberMeTimeout      time.Duration
	ActivityUpdateInterval time.Duration
	MaxSessionsPerUser     int
	CleanupInterval        time.Duration
	SlidingWindow          bool
	MultiDeviceSupport     bool
}

// Security mirrors security.* outside of security.session.
type Security struct {
	RateLimitEnabled     bool
	MaxRequestsPerMinute int
	PasswordMinLength    int
	BcryptCost           int
	Session              SessionSecurity
}

// Queue mirrors message_queue.*.
type Queue struct {
	BatchSize            int
	MaxRetries           int
	MaxQueueSize         int
	EnableFlowControl    bool
	FlowControlThreshold int
	NumWorkers           int
}

// Cache mirrors cache.*.
type Cache struct {
	L1TTL time.Duration
}

// Mail mirrors mail.*.
type Mail struct {
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	From     string
}

// Settings is the full snapshot Reload()/Get() hand to callers.
type Settings struct {
	Server   Server
	Database Database
	Redis    Redis
	Logging  Logging
	Security Security
	Queue    Queue
	Cache    Cache
	Mail     Mail
}

// Store is the Config Store (B).
type Store struct {
	v   *spfvpr.Viper
	log func() liblog.Logger

	mu  sync.RWMutex
	cur Settings

	watcher   *fsnotify.Watcher
	debounce  time.Duration
	onChange  []func(Settings)
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New loads path (if non-empty) into a fresh Viper instance, applies
// QKCHAT_-prefixed env overrides, and sets the documented defaults.
func New(path string, log func() liblog.Logger) (*Store, liberr.Error) {
	v := spfvpr.New()
	v.SetEnvPrefix("QKCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, ErrorFileRead.Error(err)
		}
	}

	s := &Store{v: v, log: log, debounce: time.Second, stopCh: make(chan struct{})}
	s.cur = s.snapshot()
	return s, nil
}

func setDefaults(v *spfvpr.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_clients", 1000)
	v.SetDefault("server.heartbeat_interval", 30000)
	v.SetDefault("server.heartbeat_timeout_multiplier", 3)
	v.SetDefault("server.use_tls", true)
	v.SetDefault("server.bind_addr", "0.0.0.0")

	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.driver", "mysql")

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console_output", true)
	v.SetDefault("logging.json_format", false)

	v.SetDefault("security.session.default_timeout", 7*24*time.Hour/time.Second)
	v.SetDefault("security.session.remember_me_timeout", 30*24*time.Hour/time.Second)
	v.SetDefault("security.session.activity_update_interval", 1800)
	v.SetDefault("security.session.max_sessions_per_user", 5)
	v.SetDefault("security.session.cleanup_interval", 3600)
	v.SetDefault("security.session.sliding_window", true)
	v.SetDefault("security.session.multi_device_support", true)

	v.SetDefault("security.rate_limit_enabled", true)
	v.SetDefault("security.max_requests_per_minute", 60)
	v.SetDefault("security.password_min_length", 6)
	v.SetDefault("security.bcrypt_cost", 10)

	v.SetDefault("message_queue.batch_size", 50)
	v.SetDefault("message_queue.max_retries", 3)
	v.SetDefault("message_queue.max_queue_size", 10000)
	v.SetDefault("message_queue.enable_flow_control", true)
	v.SetDefault("message_queue.flow_control_threshold", 8000)
	v.SetDefault("message_queue.num_workers", 4)

	v.SetDefault("cache.l1_ttl", 60)
}

func (s *Store) logger() liblog.Logger {
	if s.log != nil {
		if l := s.log(); l != nil {
			return l
		}
	}
	return liblog.GetDefault()
}

func (s *Store) snapshot() Settings {
	v := s.v
	return Settings{
		Server: Server{
			Port:                       v.GetInt("server.port"),
			MaxClients:                 v.GetInt("server.max_clients"),
			HeartbeatInterval:          time.Duration(v.GetInt("server.heartbeat_interval")) * time.Millisecond,
			HeartbeatTimeoutMultiplier: v.GetInt("server.heartbeat_timeout_multiplier"),
			UseTLS:                     v.GetBool("server.use_tls"),
			TLSCertFile:                v.GetString("server.tls_cert_file"),
			TLSKeyFile:                 v.GetString("server.tls_key_file"),
			TLSRootCAFiles:             v.GetStringSlice("server.tls_root_ca_files"),
			BindAddr:                   v.GetString("server.bind_addr"),
		},
		Database: Database{
			Driver:   v.GetString("database.driver"),
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			Name:     v.GetString("database.name"),
			Username: v.GetString("database.username"),
			Password: v.GetString("database.password"),
			PoolSize: v.GetInt("database.pool_size"),
		},
		Redis: Redis{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			Database: v.GetInt("redis.database"),
		},
		Logging: Logging{
			Level:         v.GetString("logging.level"),
			ConsoleOutput: v.GetBool("logging.console_output"),
			JSONFormat:    v.GetBool("logging.json_format"),
			MaxFileSize:   v.GetInt("logging.max_file_size"),
			RetentionDays: v.GetInt("logging.retention_days"),
			Directory:     v.GetString("logging.directory"),
		},
		Security: Security{
			RateLimitEnabled:     v.GetBool("security.rate_limit_enabled"),
			MaxRequestsPerMinute: v.GetInt("security.max_requests_per_minute"),
			PasswordMinLength:    v.GetInt("security.password_min_length"),
			BcryptCost:           v.GetInt("security.bcrypt_cost"),
			Session: SessionSecurity{
				DefaultTimeout:         time.Duration(v.GetInt64("security.session.default_timeout")) * time.Second,
				RememberMeTimeout:      time.Duration(v.GetInt64("security.session.remember_me_timeout")) * time.Second,
				ActivityUpdateInterval: time.Duration(v.GetInt64("security.session.activity_update_interval")) * time.Second,
				MaxSessionsPerUser:     v.GetInt("security.session.max_sessions_per_user"),
				CleanupInterval:        time.Duration(v.GetInt64("security.session.cleanup_interval")) * time.Second,
				SlidingWindow:          v.GetBool("security.session.sliding_window"),
				MultiDeviceSupport:     v.GetBool("security.session.multi_device_support"),
			},
		},
		Queue: Queue{
			BatchSize:            v.GetInt("message_queue.batch_size"),
			MaxRetries:           v.GetInt("message_queue.max_retries"),
			MaxQueueSize:         v.GetInt("message_queue.max_queue_size"),
			EnableFlowControl:    v.GetBool("message_queue.enable_flow_control"),
			FlowControlThreshold: v.GetInt("message_queue.flow_control_threshold"),
			NumWorkers:           v.GetInt("message_queue.num_workers"),
		},
		Cache: Cache{
			L1TTL: time.Duration(v.GetInt64("cache.l1_ttl")) * time.Second,
		},
		Mail: Mail{
			SMTPHost: v.GetString("mail.smtp_host"),
			SMTPPort: v.GetInt("mail.smtp_port"),
			SMTPUser: v.GetString("mail.smtp_user"),
			SMTPPass: v.GetString("mail.smtp_pass"),
			From:     v.GetString("mail.from"),
		},
	}
}

// Get returns the current settings snapshot.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// OnChange registers a callback invoked after every debounced reload.
// Components read dynamic values on use rather than being restarted.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Watch starts an fsnotify watch on the loaded config file, coalescing
// bursts of write events into a single reload no more often than the
// debounce interval.
func (s *Store) Watch() liberr.Error {
	file := s.v.ConfigFileUsed()
	if file == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return ErrorWatchFailed.Error(err)
	}
	if err := w.Add(file); err != nil {
		_ = w.Close()
		return ErrorWatchFailed.Error(err)
	}
	s.watcher = w

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(s.debounce)
			timerC = timer.C
		case <-timerC:
			s.reload()
			timerC = nil
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) reload() {
	if err := s.v.ReadInConfig(); err != nil {
		s.logger().Warning("config reload failed", nil, "error", err)
		return
	}

	next := s.snapshot()

	s.mu.Lock()
	s.cur = next
	cbs := append([]func(Settings){}, s.onChange...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(next)
	}
}

// Stop tears down the file watcher.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}
