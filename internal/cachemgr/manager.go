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

// Package cachemgr implements the Cache Manager (J): an L1 in-process TTL
// cache, an L2 DB-backed cache, and time-decayed hot-key scoring.
package cachemgr

import (
	"context"
	"sort"
	"sync"
	"time"

	gormdb "gorm.io/gorm"

	libcache "github.com/nabbar/golib/cache"

	qkstore "github.com/sabouaram/qkchat/internal/store"
)

// Manager is the Cache Manager (J).
type Manager struct {
	l1 libcache.Cache[string, []byte]
	db *gormdb.DB

	mu  sync.Mutex
	hot map[hotKey]*hotStat
}

type hotKey struct {
	Type string
	Key  string
}

type hotStat struct {
	AccessCount  uint64
	LastAccessAt time.Time
}

// New builds a Manager whose L1 is github.com/nabbar/golib/cache's
// generic cache.Cache[K,V], instantiated directly.
func New(ctx context.Context, l1TTL time.Duration, db *gormdb.DB) *Manager {
	return &Manager{
		l1:  libcache.New[string, []byte](ctx, l1TTL),
		db:  db,
		hot: make(map[hotKey]*hotStat),
	}
}

// --- L1 ---

func (m *Manager) GetL1(key string) ([]byte, bool) {
	v, _, ok := m.l1.Load(key)
	return v, ok
}

func (m *Manager) SetL1(key string, value []byte) {
	m.l1.Store(key, value)
}

// --- L2 ---

// SetL2 upserts the row; on conflict, increments hit_count.
func (m *Manager) SetL2(ctx context.Context, cacheType, key string, payload []byte, ttl time.Duration) error {
	row := qkstore.SearchCacheEntry{
		CacheKey:  cacheKey(cacheType, key),
		Payload:   payload,
		HitCount:  1,
		ExpiresAt: time.Now().Add(ttl),
	}

	err := m.db.WithContext(ctx).Exec(
		`INSERT INTO search_cache (cache_key, payload, hit_count, expires_at) VALUES (?,?,?,?)
		 ON DUPLICATE KEY UPDATE payload=VALUES(payload), hit_count=hit_count+1, expires_at=VALUES(expires_at)`,
		row.CacheKey, row.Payload, row.HitCount, row.ExpiresAt,
	).Error

	if err != nil {
		// Portable fallback for drivers without ON DUPLICATE KEY UPDATE
		// (sqlite/postgres/sqlserver/clickhouse).
		var existing qkstore.SearchCacheEntry
		if e := m.db.WithContext(ctx).Where("cache_key = ?", row.CacheKey).First(&existing).Error; e == nil {
			existing.Payload = payload
			existing.HitCount++
			existing.ExpiresAt = row.ExpiresAt
			err = m.db.WithContext(ctx).Save(&existing).Error
		} else if e == gormdb.ErrRecordNotFound {
			err = m.db.WithContext(ctx).Create(&row).Error
		} else {
			err = e
		}
	}

	m.recordAccess(cacheType, key)
	return err
}

// GetL2 returns the row's payload where expires_at > now, incrementing
// hit_count on the read path too, so scoring stays driven by real demand.
func (m *Manager) GetL2(ctx context.Context, cacheType, key string) ([]byte, bool, error) {
	var row qkstore.SearchCacheEntry
	err := m.db.WithContext(ctx).Where("cache_key = ? AND expires_at > ?", cacheKey(cacheType, key), time.Now()).
		First(&row).Error

	if err == gormdb.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	m.db.WithContext(ctx).Model(&qkstore.SearchCacheEntry{}).
		Where("cache_key = ?", row.CacheKey).Update("hit_count", gormdb.Expr("hit_count + 1"))

	m.recordAccess(cacheType, key)
	return row.Payload, true, nil
}

// SweepL2 deletes expired L2 rows; intended to run on a 30-minute tick.
func (m *Manager) SweepL2(ctx context.Context) error {
	return m.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&qkstore.SearchCacheEntry{}).Error
}

func cacheKey(cacheType, key string) string { return cacheType + ":" + key }

// --- Hot-key scoring ---

func (m *Manager) recordAccess(cacheType, key string) {
	k := hotKey{Type: cacheType, Key: key}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.hot[k]
	if !ok {
		s = &hotStat{}
		m.hot[k] = s
	}
	s.AccessCount++
	s.LastAccessAt = time.Now()
}

// score implements the time-decayed hot-key scoring formula.
func score(accessCount uint64, lastAccessAt time.Time, now time.Time) float64 {
	delta := now.Sub(lastAccessAt).Seconds()
	decay := 1.0
	if delta > 3600 {
		decay = 1.0 / (1.0 + (delta-3600)/3600)
	}
	return float64(accessCount) * decay
}

// IsHot reports whether (type,key)'s time-decayed score meets threshold.
func (m *Manager) IsHot(cacheType, key string, threshold float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.hot[hotKey{Type: cacheType, Key: key}]
	if !ok {
		return false
	}
	return score(s.AccessCount, s.LastAccessAt, time.Now()) >= threshold
}

// HotEntry is one ranked result from HotList.
type HotEntry struct {
	Key   string
	Score float64
}

// HotList returns the top-limit (type,key) pairs by score.
func (m *Manager) HotList(cacheType string, limit int) []HotEntry {
	m.mu.Lock()
	now := time.Now()
	entries := make([]HotEntry, 0, len(m.hot))
	for k, s := range m.hot {
		if k.Type != cacheType {
			continue
		}
		entries = append(entries, HotEntry{Key: k.Key, Score: score(s.AccessCount, s.LastAccessAt, now)})
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// ReloadHotStats repopulates the in-memory scoring map from the durable
// hot_data_stats table, intended to run once at startup and then on a
// 10-minute tick.
func (m *Manager) ReloadHotStats(ctx context.Context) error {
	var rows []qkstore.HotDataStat
	if err := m.db.WithContext(ctx).
		Where("last_access_at > ?", time.Now().Add(-24*time.Hour)).
		Find(&rows).Error; err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.hot[hotKey{Type: r.Type, Key: r.Key}] = &hotStat{AccessCount: r.AccessCount, LastAccessAt: r.LastAccessAt}
	}
	return nil
}

// PersistHotStats flushes the in-memory scoring map back to hot_data_stats,
// the durable mirror ReloadHotStats reads from after a restart.
func (m *Manager) PersistHotStats(ctx context.Context) error {
	m.mu.Lock()
	snapshot := make([]qkstore.HotDataStat, 0, len(m.hot))
	for k, s := range m.hot {
		snapshot = append(snapshot, qkstore.HotDataStat{Type: k.Type, Key: k.Key, AccessCount: s.AccessCount, LastAccessAt: s.LastAccessAt})
	}
	m.mu.Unlock()

	for _, row := range snapshot {
		if err := m.db.WithContext(ctx).Save(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close releases the L1 cache's background resources.
func (m *Manager) Close() error {
	return m.l1.Close()
}
