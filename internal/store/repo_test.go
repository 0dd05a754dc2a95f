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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sabouaram/qkchat/internal/store"
)

var _ = Describe("Repo", func() {
	It("finds a user by username and by email after creation", func() {
		db := newPoolTestDB()
		repo := store.NewRepo(db.GetDB())

		Expect(db.GetDB().Create(&store.User{
			UserID:   "000000010",
			Username: "dora",
			Email:    "dora@example.com",
			Status:   store.UserStatusActive,
		}).Error).To(Succeed())

		u, found, err := repo.FindByUsername(context.Background(), "dora")
		Expect(err).To(BeNil())
		Expect(found).To(BeTrue())
		Expect(u.Email).To(Equal("dora@example.com"))

		u2, found2, err2 := repo.FindByEmail(context.Background(), "dora@example.com")
		Expect(err2).To(BeNil())
		Expect(found2).To(BeTrue())
		Expect(u2.Username).To(Equal("dora"))
	})

	It("reports found=false for a user that does not exist", func() {
		db := newPoolTestDB()
		repo := store.NewRepo(db.GetDB())

		_, found, err := repo.FindByUsername(context.Background(), "nobody")
		Expect(err).To(BeNil())
		Expect(found).To(BeFalse())
	})

	It("ExistsByUsername and ExistsByEmail reflect current rows", func() {
		db := newPoolTestDB()
		repo := store.NewRepo(db.GetDB())

		ok, err := repo.ExistsByUsername(context.Background(), "ghost")
		Expect(err).To(BeNil())
		Expect(ok).To(BeFalse())

		Expect(db.GetDB().Create(&store.User{
			UserID:   "000000011",
			Username: "ghost",
			Email:    "ghost@example.com",
			Status:   store.UserStatusActive,
		}).Error).To(Succeed())

		ok2, err2 := repo.ExistsByUsername(context.Background(), "ghost")
		Expect(err2).To(BeNil())
		Expect(ok2).To(BeTrue())

		ok3, err3 := repo.ExistsByEmail(context.Background(), "ghost@example.com")
		Expect(err3).To(BeNil())
		Expect(ok3).To(BeTrue())
	})

	It("WriteLoginLog persists both successful and failed attempts", func() {
		db := newPoolTestDB()
		repo := store.NewRepo(db.GetDB())

		uid := "000000012"
		Expect(repo.WriteLoginLog(context.Background(), &uid, "eve", "127.0.0.1", true, nil)).To(Succeed())

		reason := "bad_password"
		Expect(repo.WriteLoginLog(context.Background(), nil, "eve", "127.0.0.1", false, &reason)).To(Succeed())

		var count int64
		db.GetDB().Model(&store.LoginLog{}).Where("username_attempted = ?", "eve").Count(&count)
		Expect(count).To(BeNumerically("==", 2))
	})

	It("WriteSessionAudit persists the session row", func() {
		db := newPoolTestDB()
		repo := store.NewRepo(db.GetDB())

		now := time.Now()
		Expect(repo.WriteSessionAudit(context.Background(), "tok-1", "000000013", "dev-1", "c1", "127.0.0.1", now, now.Add(time.Hour))).To(Succeed())

		var count int64
		db.GetDB().Model(&store.UserSession{}).Where("session_token = ?", "tok-1").Count(&count)
		Expect(count).To(BeNumerically("==", 1))
	})
})
