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

package interrupts

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

// interrupt allows the test to trigger an interrupt as needed
var interrupt = make(chan os.Signal, 1)

// this init will be executed before that in the code package,
// so we can inject our implementation of the interrupt channel
func init() {
	signalsLock.Lock()
	gracePeriod = time.Second
	signals = func() <-chan os.Signal {
		return interrupt
	}
	signalsLock.Unlock()
}

// instead of building a mechanism to reset and re-initialize the interrupt
// manager which would only be used in testing, we write one integration
// test that fires the mock interrupt once
func TestInterrupts(t *testing.T) {
	// we need to lock around values used to test otherwise the test
	// goroutine will race with the workers
	lock := sync.Mutex{}

	ctx := Context()
	var ctxDone bool
	go func() {
		<-ctx.Done()

		lock.Lock()
		ctxDone = true
		lock.Unlock()
	}()

	var workDone bool
	var workCancelled bool
	work := func(ctx context.Context) {
		lock.Lock()
		workDone = true
		lock.Unlock()

		<-ctx.Done()

		lock.Lock()
		workCancelled = true
		lock.Unlock()
	}
	Run(work)

	// httptest servers expect to be started by the httptest package
	// itself, so we wire a plain http.Server here instead
	var serverCalled bool
	var serverCancelled bool
	listener, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		t.Fatalf("could not listen on random port: %v", err)
	}
	if err := listener.Close(); err != nil {
		t.Fatalf("could not close listener: %v", err)
	}
	server := &http.Server{Addr: listener.Addr().String(), Handler: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		lock.Lock()
		serverCalled = true
		lock.Unlock()
	})}
	server.RegisterOnShutdown(func() {
		lock.Lock()
		serverCancelled = true
		lock.Unlock()
	})
	ListenAndServe(server, time.Second)
	// wait for the server to start
	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get("http://" + listener.Addr().String()); err != nil {
		t.Errorf("could not reach server registered with ListenAndServe(): %v", err)
	}

	var intervalCalls int
	interval := func() time.Duration {
		lock.Lock()
		intervalCalls++
		lock.Unlock()
		if intervalCalls > 2 {
			return 10 * time.Hour
		}
		return 1 * time.Nanosecond
	}
	var tickCalls int
	tick := func() {
		lock.Lock()
		tickCalls++
		lock.Unlock()
	}
	Tick(tick, interval)
	// the sleep time is many orders of magnitude larger than the tick
	// intervals and the test runtime, so scheduling should essentially
	// never cause a flake here; a synchronized wait is not possible as
	// we also need to catch extra interval requests
	time.Sleep(100 * time.Millisecond)

	var onInterruptCalled bool
	OnInterrupt(func() {
		lock.Lock()
		onInterruptCalled = true
		lock.Unlock()
	})

	done := sync.WaitGroup{}
	done.Add(1)
	go func() {
		WaitForGracefulShutdown()
		done.Done()
	}()

	if onInterruptCalled {
		t.Error("work registered with OnInterrupt() was executed before interrupt")
	}

	// trigger the interrupt
	interrupt <- syscall.Signal(1)
	// wait for graceful shutdown to occur
	done.Wait()

	lock.Lock()
	if !ctxDone {
		t.Error("context from Context() was not cancelled on interrupt")
	}
	if !workDone {
		t.Error("work registered with Run() was not executed")
	}
	if !workCancelled {
		t.Error("work registered with Run() was not cancelled on interrupt")
	}
	if !serverCalled {
		t.Error("server registered with ListenAndServe() was not serving")
	}
	if !serverCancelled {
		t.Error("server registered with ListenAndServe() was not cancelled on interrupt")
	}
	if tickCalls != 2 {
		t.Errorf("work registered with Tick() was called %d times, not %d; interval was requested %d times", tickCalls, 2, intervalCalls)
	}
	if !onInterruptCalled {
		t.Error("work registered with OnInterrupt() was not executed on interrupt")
	}
	lock.Unlock()
}
