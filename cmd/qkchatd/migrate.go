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

package main

import (
	"github.com/spf13/cobra"

	qkcfg "github.com/sabouaram/qkchat/internal/qkcfg"
	qkstore "github.com/sabouaram/qkchat/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	log := bootstrapLogger()

	store, cerr := qkcfg.New(cfgFile, log)
	if cerr != nil {
		return cerr
	}
	defer store.Stop()

	settings := store.Get()

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
		return err
	}

	if err := qkstore.Migrate(db); err != nil {
		return err
	}

	log().Info("database schema migrated", nil)
	return nil
}
