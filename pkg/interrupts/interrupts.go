/*
Copyright 2023 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package interrupts exposes helpers for graceful handling of interrupt
// signals. Work registered with this package is given a chance to finish
// when SIGINT or SIGTERM is received, bounded by a grace period. The
// expected use is:
//
//	func main() {
//		defer interrupts.WaitForGracefulShutdown()
//		// register work with Run, Tick, ListenAndServe, ...
//	}
//
// Registration must happen from the main goroutine before the shutdown is
// awaited, never from inside registered work.
package interrupts

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// only one instance of the manager ever exists
var single *manager

// signalsLock guards the overrides below, which tests inject
var (
	signalsLock = sync.Mutex{}
	gracePeriod = time.Minute
	signals     = func() <-chan os.Signal {
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		return sig
	}
)

func init() {
	m := manager{
		c:  sync.NewCond(&sync.Mutex{}),
		wg: sync.WaitGroup{},
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	single = &m
	go handleInterrupt()
}

type manager struct {
	// only one signal handler should be installed, so we use a cond to
	// broadcast to all waiters that an interrupt has occurred
	c          *sync.Cond
	seenSignal bool
	// ctx is cancelled on interrupt
	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks all registered work
	wg sync.WaitGroup
}

func handleInterrupt() {
	signalsLock.Lock()
	sigChan := signals()
	signalsLock.Unlock()
	s := <-sigChan
	logrus.WithField("signal", s).Info("Received signal.")
	single.c.L.Lock()
	single.seenSignal = true
	single.cancel()
	single.c.Broadcast()
	single.c.L.Unlock()
}

// wait blocks until an interrupt has been seen.
func wait() {
	single.c.L.Lock()
	for !single.seenSignal {
		single.c.Wait()
	}
	single.c.L.Unlock()
}

// WaitForGracefulShutdown waits until all registered work has finished or
// the grace period expires after an interrupt was received. Call this from
// main (deferred) to keep the process alive until shutdown.
func WaitForGracefulShutdown() {
	wait()
	logrus.Info("Interrupt received.")
	finished := make(chan struct{})
	go func() {
		single.wg.Wait()
		close(finished)
	}()
	signalsLock.Lock()
	period := gracePeriod
	signalsLock.Unlock()
	select {
	case <-finished:
		logrus.Info("All workers gracefully terminated, exiting.")
	case <-time.After(period):
		logrus.Warn("Timed out waiting for workers to gracefully terminate, exiting.")
	}
}

// Context returns a context that is cancelled when an interrupt hits.
// Using this context is a weak guarantee that work will stop before the
// process dies; prefer registering work with the other helpers.
func Context() context.Context {
	return single.ctx
}

// Run starts the work in a goroutine, passing it a context that is
// cancelled on interrupt, and tracks it for graceful shutdown.
func Run(work func(ctx context.Context)) {
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		work(single.ctx)
	}()
}

// Tick runs the work on a dynamic interval, re-evaluating the interval
// after every execution, and stops ticking on interrupt. The work is run
// once immediately after registration.
func Tick(work func(), interval func() time.Duration) {
	before := time.Time{}
	Run(func(ctx context.Context) {
		for {
			nextInterval := interval()
			nextTick := before.Add(nextInterval)
			sleep := time.Until(nextTick)
			logrus.WithFields(logrus.Fields{
				"before":   before,
				"interval": nextInterval,
				"sleep":    sleep,
			}).Trace("Resolved next tick interval.")
			select {
			case <-time.After(sleep):
				before = time.Now()
				work()
			case <-ctx.Done():
				logrus.Debug("Tick loop shut down.")
				return
			}
		}
	})
}

// TickLiteral runs the work on a static interval; see Tick.
func TickLiteral(work func(), interval time.Duration) {
	Tick(work, func() time.Duration {
		return interval
	})
}

// ListenAndServe runs the server and shuts it down gracefully on
// interrupt, bounded by the given grace period.
func ListenAndServe(server *http.Server, gracePeriod time.Duration) {
	single.wg.Add(1)
	go func() {
		defer single.wg.Done()
		logrus.WithError(server.ListenAndServe()).Debug("Server exited.")
	}()
	Run(func(ctx context.Context) {
		<-ctx.Done()
		shutdown(server, gracePeriod)
	})
}

func shutdown(server *http.Server, gracePeriod time.Duration) {
	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	logrus.WithError(server.Shutdown(ctx)).Info("Server shut down.")
	cancel()
}

// OnInterrupt registers work to run when an interrupt hits. The work must
// finish within the grace period.
func OnInterrupt(work func()) {
	Run(func(ctx context.Context) {
		<-ctx.Done()
		work()
	})
}
