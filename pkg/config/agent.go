/*
Copyright 2024 The Kubernetes Authors.

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

package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Delta represents the before and after states of a Config change detected
// by the Agent.
type Delta struct {
	Before, After Config
}

// DeltaChan is a channel to receive config delta events when the config
// changes.
type DeltaChan = chan<- Delta

// Agent watches a path and automatically loads the config stored therein.
type Agent struct {
	mut           sync.RWMutex
	c             *Config
	subscriptions []DeltaChan
}

// Start loads the config at path once and begins polling its mtime. If the
// first load fails, Start returns the error and aborts. Future load
// failures log the failure message but keep the last good config.
func (ca *Agent) Start(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	ca.Set(c)
	if path == "" {
		return nil
	}
	go ca.poll(path)
	return nil
}

func (ca *Agent) poll(path string) {
	var lastModTime time.Time
	if stat, err := os.Stat(path); err == nil {
		lastModTime = stat.ModTime()
	}
	// Rarely, two changes in the same second leave mtime unchanged for
	// the second one, so reload periodically just in case.
	skips := 0
	for range time.Tick(time.Second) {
		if skips < 600 {
			stat, err := os.Stat(path)
			if err != nil {
				logrus.WithField("path", path).WithError(err).Error("Error checking config file.")
				continue
			}
			if !stat.ModTime().After(lastModTime) {
				skips++
				continue
			}
			lastModTime = stat.ModTime()
		}
		if c, err := Load(path); err != nil {
			logrus.WithField("path", path).WithError(err).Error("Error loading config.")
		} else {
			skips = 0
			ca.Set(c)
		}
	}
}

// StartWatch is like Start but uses filesystem notifications instead of
// mtime polling. The returned run function blocks until the context is
// cancelled and is meant for interrupts.Run.
func (ca *Agent) StartWatch(path string) (func(ctx context.Context), error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	ca.Set(c)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	return func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				if err := w.Close(); err != nil {
					logrus.WithField("path", path).WithError(err).Error("Failed to close fsnotify watcher.")
				}
				return
			case <-w.Events:
				if c, err := Load(path); err != nil {
					logrus.WithField("path", path).WithError(err).Error("Error loading config.")
				} else {
					ca.Set(c)
				}
			case err := <-w.Errors:
				logrus.WithField("path", path).WithError(err).Error("Received fsnotify error.")
			}
		}
	}, nil
}

// Subscribe registers the channel for messages on config reload. The
// caller can expect a copy of the previous and current config to be sent
// down the subscribed channel when a new configuration is loaded.
func (ca *Agent) Subscribe(subscription DeltaChan) {
	ca.mut.Lock()
	defer ca.mut.Unlock()
	ca.subscriptions = append(ca.subscriptions, subscription)
}

// Getter returns the current Config in a thread-safe manner.
type Getter func() *Config

// Config returns the latest config. Do not modify the config.
func (ca *Agent) Config() *Config {
	ca.mut.RLock()
	defer ca.mut.RUnlock()
	return ca.c
}

// Set sets the config. Useful for testing.
func (ca *Agent) Set(c *Config) {
	ca.mut.Lock()
	defer ca.mut.Unlock()
	var oldConfig Config
	if ca.c != nil {
		oldConfig = *ca.c
	}
	delta := Delta{oldConfig, *c}
	ca.c = c
	for _, subscription := range ca.subscriptions {
		go func(sub DeltaChan) { // wait a minute to send each event
			end := time.NewTimer(time.Minute)
			select {
			case sub <- delta:
			case <-end.C:
			}
			if !end.Stop() { // prevent new events
				<-end.C // drain the pending event
			}
		}(subscription)
	}
}
