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

package store_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	libgorm "github.com/nabbar/golib/database/gorm"
	gormdb "gorm.io/gorm"

	"github.com/sabouaram/qkchat/internal/store"
)

func newPoolTestDB() libgorm.Database {
	db, err := libgorm.New(&libgorm.Config{Driver: libgorm.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		Skip("CGO is required for SQLite integration tests")
	}
	Expect(store.Migrate(db)).To(Succeed())
	return db
}

var _ = Describe("Pool", func() {
	It("acquires up to max_connections and then times out on the next caller", func() {
		db := newPoolTestDB()
		p, err := store.New(db, 0, 1)
		Expect(err).To(BeNil())
		defer p.Close()

		s1, err1 := p.Acquire(context.Background(), time.Second)
		Expect(err1).To(BeNil())
		Expect(s1).ToNot(BeNil())

		_, err2 := p.Acquire(context.Background(), 50*time.Millisecond)
		Expect(err2).ToNot(BeNil())
		Expect(err2.HasCode(store.ErrorAcquireTimeout)).To(BeTrue())
	})

	It("lets a released slot be reacquired", func() {
		db := newPoolTestDB()
		p, err := store.New(db, 0, 1)
		Expect(err).To(BeNil())
		defer p.Close()

		s1, err1 := p.Acquire(context.Background(), time.Second)
		Expect(err1).To(BeNil())
		p.Release(s1)

		s2, err2 := p.Acquire(context.Background(), time.Second)
		Expect(err2).To(BeNil())
		Expect(s2).ToNot(BeNil())
	})

	It("never hands out more concurrently in-use slots than max_connections", func() {
		db := newPoolTestDB()
		const max = 4
		p, err := store.New(db, 0, max)
		Expect(err).To(BeNil())
		defer p.Close()

		var wg sync.WaitGroup
		var mu sync.Mutex
		var peak int32
		acquiredCount := int32(0)

		for i := 0; i < max*3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, e := p.Acquire(context.Background(), 500*time.Millisecond)
				if e != nil {
					return
				}
				mu.Lock()
				acquiredCount++
				if acquiredCount > peak {
					peak = acquiredCount
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				acquiredCount--
				mu.Unlock()
				p.Release(s)
			}()
		}
		wg.Wait()

		Expect(peak).To(BeNumerically("<=", max))
	})

	It("Transaction commits the row on nil error", func() {
		db := newPoolTestDB()
		p, err := store.New(db, 0, 2)
		Expect(err).To(BeNil())
		defer p.Close()

		txErr := p.Transaction(context.Background(), time.Second, func(ctx context.Context) error {
			tx, ok := p.DB(ctx).(*gormdb.DB)
			Expect(ok).To(BeTrue())
			return tx.Create(&store.User{
				UserID:   "000000001",
				Username: "committed",
				Email:    "committed@example.com",
				Status:   store.UserStatusActive,
			}).Error
		})
		Expect(txErr).To(BeNil())

		var count int64
		db.GetDB().Model(&store.User{}).Where("username = ?", "committed").Count(&count)
		Expect(count).To(BeNumerically("==", 1))
	})

	It("Transaction rolls back the row when fn returns an error", func() {
		db := newPoolTestDB()
		p, err := store.New(db, 0, 2)
		Expect(err).To(BeNil())
		defer p.Close()

		txErr := p.Transaction(context.Background(), time.Second, func(ctx context.Context) error {
			tx := p.DB(ctx).(*gormdb.DB)
			if e := tx.Create(&store.User{
				UserID:   "000000002",
				Username: "rolledback",
				Email:    "rolledback@example.com",
				Status:   store.UserStatusActive,
			}).Error; e != nil {
				return e
			}
			return errors.New("boom")
		})
		Expect(txErr).ToNot(BeNil())
		Expect(txErr.HasCode(store.ErrorTransactionAborted)).To(BeTrue())

		var count int64
		db.GetDB().Model(&store.User{}).Where("username = ?", "rolledback").Count(&count)
		Expect(count).To(BeNumerically("==", 0))
	})
})
