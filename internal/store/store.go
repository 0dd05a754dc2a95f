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
	"fmt"

	liberr "github.com/nabbar/golib/errors"

	libgorm "github.com/nabbar/golib/database/gorm"
)

// DSNConfig mirrors the database.{host,port,name,username,password} config
// surface.
type DSNConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	Username string
	Password string
	PoolSize int
}

func (c DSNConfig) dsn() string {
	switch c.Driver {
	case "", string(libgorm.DriverMysql):
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			c.Username, c.Password, c.Host, c.Port, c.Name)
	case string(libgorm.DriverPostgreSQL):
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.Username, c.Password, c.Name)
	case string(libgorm.DriverSQLite):
		return c.Name
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", c.Username, c.Password, c.Host, c.Port, c.Name)
	}
}

// NewDatabase opens a libgorm.Database for cfg, following the
// EnableConnectionPool/PoolMaxIdleConns/PoolMaxOpenConns surface
// internal/store.Pool wraps on top of.
func NewDatabase(cfg DSNConfig) (libgorm.Database, liberr.Error) {
	drv := libgorm.DriverFromString(cfg.Driver)
	if drv == libgorm.DriverNone {
		drv = libgorm.DriverMysql
	}

	gcfg := &libgorm.Config{
		Driver:               drv,
		DSN:                  cfg.dsn(),
		EnableConnectionPool: true,
		PoolMaxIdleConns:     minInt(cfg.PoolSize, 4),
		PoolMaxOpenConns:     cfg.PoolSize,
	}

	return libgorm.New(gcfg)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Migrate creates/updates the tables the core reads and writes.
func Migrate(db libgorm.Database) error {
	return db.GetDB().AutoMigrate(
		&User{},
		&IDSequence{},
		&VerificationCode{},
		&UserSession{},
		&LoginLog{},
		&SearchCacheEntry{},
		&HotDataStat{},
	)
}
