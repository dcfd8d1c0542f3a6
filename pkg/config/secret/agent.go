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

// Package secret implements an agent to read and reload the secrets.
package secret

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"
)

// agent is the singleton that all package-level functions use.
var agent = &Agent{}

// Add registers one or more secret file paths with the singleton agent and
// starts reloading them on change.
func Add(paths ...string) error {
	return agent.Add(paths...)
}

// AddWithParser registers a secret at the given path with the singleton
// agent and parses it on every reload with the given function. The returned
// getter always yields the latest successfully parsed value.
func AddWithParser[T any](path string, parsingFN func([]byte) (T, error)) (func() T, error) {
	return addWithParser(agent, path, parsingFN)
}

// GetSecret returns the value of the secret at the given path.
func GetSecret(secretPath string) []byte {
	return agent.GetSecret(secretPath)
}

// GetTokenGenerator returns a function that gets the value of the secret at
// the given path.
func GetTokenGenerator(secretPath string) func() []byte {
	return agent.GetTokenGenerator(secretPath)
}

// Censor replaces sensitive parts of the content with a placeholder.
func Censor(content []byte) []byte {
	return agent.Censor(content)
}

// GetSecrets returns the current values of all registered secrets, for use
// by a censoring log formatter.
func GetSecrets() sets.String {
	return agent.getSecrets()
}

// Agent watches a path and automatically loads the secrets stored.
type Agent struct {
	sync.RWMutex
	secretsMap map[string]secretReloader
}

type secretReloader interface {
	getRaw() []byte
	start(reloadCensor func()) error
}

// Start creates goroutines to monitor the files that contain the secret value.
func (a *Agent) Start(paths []string) error {
	a.secretsMap = make(map[string]secretReloader, len(paths))
	return a.Add(paths...)
}

// Add registers a new path to the agent and starts watching it.
func (a *Agent) Add(paths ...string) error {
	for _, path := range paths {
		loader := &parsingSecretReloader[[]byte]{
			path: path,
			parsingFN: func(b []byte) ([]byte, error) {
				return b, nil
			},
		}
		if err := loader.start(a.reloadCensor); err != nil {
			return err
		}

		a.setSecret(path, loader)
	}
	return nil
}

func addWithParser[T any](a *Agent, path string, parsingFN func([]byte) (T, error)) (func() T, error) {
	loader := &parsingSecretReloader[T]{
		path:      path,
		parsingFN: parsingFN,
	}
	if err := loader.start(a.reloadCensor); err != nil {
		return nil, err
	}
	a.setSecret(path, loader)
	return loader.get, nil
}

// reloadCensor is a hook for reload events; the censoring helpers read the
// secrets map live, so there is nothing to recompute today.
func (a *Agent) reloadCensor() {}

// GetSecret returns the value of the secret stored in the agent.
func (a *Agent) GetSecret(secretPath string) []byte {
	a.RLock()
	defer a.RUnlock()
	if loader, ok := a.secretsMap[secretPath]; ok {
		return loader.getRaw()
	}
	return nil
}

func (a *Agent) setSecret(secretPath string, loader secretReloader) {
	a.Lock()
	defer a.Unlock()
	if a.secretsMap == nil {
		a.secretsMap = map[string]secretReloader{}
	}
	a.secretsMap[secretPath] = loader
}

// GetTokenGenerator returns a function that gets the value of a given secret.
func (a *Agent) GetTokenGenerator(secretPath string) func() []byte {
	return func() []byte {
		return a.GetSecret(secretPath)
	}
}

// Censor replaces sensitive parts of the content with a placeholder.
func (a *Agent) Censor(content []byte) []byte {
	a.RLock()
	defer a.RUnlock()
	for _, secret := range a.secretsMap {
		raw := secret.getRaw()
		if len(raw) == 0 {
			continue
		}
		content = bytes.ReplaceAll(content, raw, []byte("CENSORED"))
	}
	return content
}

func (a *Agent) getSecrets() sets.String {
	a.RLock()
	defer a.RUnlock()
	secrets := sets.NewString()
	for _, v := range a.secretsMap {
		secrets.Insert(string(v.getRaw()))
	}
	return secrets
}

// LoadSingleSecret reads and returns the value of a single file. The value
// is trimmed of surrounding whitespace; a value containing an embedded
// newline is rejected, as that is always a mangled token.
func LoadSingleSecret(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	b = bytes.TrimSpace(b)
	if bytes.ContainsRune(b, '\n') {
		return nil, fmt.Errorf("secret %s contains multiple lines", path)
	}
	return b, nil
}

type parsingSecretReloader[T any] struct {
	lock      sync.RWMutex
	path      string
	rawValue  []byte
	parsed    T
	parsingFN func([]byte) (T, error)
}

func (p *parsingSecretReloader[T]) start(reloadCensor func()) error {
	raw, parsed, err := loadSingleSecretWithParser(p.path, p.parsingFN)
	if err != nil {
		return err
	}
	p.lock.Lock()
	p.rawValue = raw
	p.parsed = parsed
	p.lock.Unlock()
	reloadCensor()

	go p.reloadSecret(reloadCensor)
	return nil
}

func (p *parsingSecretReloader[T]) reloadSecret(reloadCensor func()) {
	var lastModTime time.Time
	logger := logrus.NewEntry(logrus.StandardLogger())

	skips := 0
	for range time.Tick(1 * time.Second) {
		if skips < 600 {
			// Check if the file changed to see if it needs to be re-read.
			secretStat, err := os.Stat(p.path)
			if err != nil {
				logger.WithField("secret-path", p.path).WithError(err).Error("Error loading secret file.")
				continue
			}

			recentModTime := secretStat.ModTime()
			if !recentModTime.After(lastModTime) {
				skips++
				continue // file hasn't been modified
			}
			lastModTime = recentModTime
		}

		raw, parsed, err := loadSingleSecretWithParser(p.path, p.parsingFN)
		if err != nil {
			logger.WithField("secret-path", p.path).WithError(err).Error("Error loading secret.")
			continue
		}

		p.lock.Lock()
		p.rawValue = raw
		p.parsed = parsed
		p.lock.Unlock()
		reloadCensor()

		skips = 0
	}
}

func (p *parsingSecretReloader[T]) getRaw() []byte {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.rawValue
}

func (p *parsingSecretReloader[T]) get() T {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.parsed
}

func loadSingleSecretWithParser[T any](path string, parsingFN func([]byte) (T, error)) ([]byte, T, error) {
	var zero T
	raw, err := LoadSingleSecret(path)
	if err != nil {
		return nil, zero, err
	}
	parsed, err := parsingFN(raw)
	if err != nil {
		return nil, zero, fmt.Errorf("error parsing secret %s: %w", path, err)
	}
	return raw, parsed, nil
}
