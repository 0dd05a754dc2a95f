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
	"context"
	"os"
	"os/signal"
	"syscall"

	liblog "github.com/nabbar/golib/logger"
	"github.com/spf13/cobra"

	qkcfg "github.com/sabouaram/qkchat/internal/qkcfg"
	"github.com/sabouaram/qkchat/internal/serverrt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the QKChat server and block until a shutdown signal is received",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func bootstrapLogger() func() liblog.Logger {
	l := liblog.New(context.Background())
	return func() liblog.Logger { return l }
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	log := bootstrapLogger()

	store, cerr := qkcfg.New(cfgFile, log)
	if cerr != nil {
		return cerr
	}
	defer store.Stop()

	rt, err := serverrt.New(ctx, store)
	if err != nil {
		return err
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}

	log().Info("qkchatd started", nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case <-quit:
	case <-ctx.Done():
	}

	log().Info("qkchatd shutting down", nil)
	rt.Stop()
	return nil
}
