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

// Package git mutates local clones of the projects the bot merges. Each
// project gets one long-lived worktree guarded by an exclusive lock; every
// subprocess runs with a bounded timeout and its output is censored before
// it can reach a log line or an error message.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Root is the directory that holds all clones. If empty, a temporary
	// directory is created and removed by Clean.
	Root string
	// Timeout bounds every git subprocess.
	Timeout time.Duration
	// ReferenceRepo is handed to clone --reference to borrow objects from
	// an existing local repository.
	ReferenceRepo string
	// SSHKeyFile is the identity used for SSH remotes. When set, ssh is
	// pinned to exactly this identity.
	SSHKeyFile string
	// Censor scrubs secrets from subprocess output.
	Censor Censor
	// CommitterName and CommitterEmail identify the bot in commits it
	// rewrites.
	CommitterName  string
	CommitterEmail string
}

// Client hands out one Worktree per project. Create with NewClient, clean
// up with Clean.
type Client struct {
	logger  *logrus.Entry
	options ClientOptions
	ownRoot bool

	mut   sync.Mutex
	trees map[string]*Worktree
}

// NewClient returns a client that clones under the configured root. It
// fails if git is not in the PATH.
func NewClient(options ClientOptions) (*Client, error) {
	ownRoot := false
	if options.Root == "" {
		t, err := os.MkdirTemp("", "tugboat-git")
		if err != nil {
			return nil, err
		}
		options.Root = t
		ownRoot = true
	} else if err := os.MkdirAll(options.Root, 0o755); err != nil {
		return nil, err
	}
	if options.Censor == nil {
		options.Censor = func(b []byte) []byte { return b }
	}
	return &Client{
		logger:  logrus.WithField("client", "git"),
		options: options,
		ownRoot: ownRoot,
		trees:   make(map[string]*Worktree),
	}, nil
}

// Clean removes the clone root if this client created it. The client is
// unusable after calling.
func (c *Client) Clean() error {
	if !c.ownRoot {
		return nil
	}
	return os.RemoveAll(c.options.Root)
}

func (c *Client) gitEnv() []string {
	if c.options.SSHKeyFile == "" {
		return nil
	}
	// Pin ssh to exactly the configured identity: no agent, no user
	// config, accept the host key on first contact.
	sshCommand := strings.Join([]string{
		"ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "IdentitiesOnly=yes",
		"-F", "/dev/null",
		"-i", c.options.SSHKeyFile,
	}, " ")
	return []string{"GIT_SSH_COMMAND=" + sshCommand}
}

// WorktreeFor returns the worktree for the project, cloning it on first
// use. The key must be stable per project; path_with_namespace works.
func (c *Client) WorktreeFor(ctx context.Context, key string, remote RemoteResolver) (*Worktree, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if tree, ok := c.trees[key]; ok {
		return tree, nil
	}
	dir := filepath.Join(c.options.Root, strings.ReplaceAll(key, "/", "__"))
	logger := c.logger.WithField("repo", key)
	exec, err := newCensoringExecutor(dir, c.options.Timeout, c.gitEnv(), c.options.Censor, logger)
	if err != nil {
		return nil, err
	}
	tree := &Worktree{
		logger:   logger,
		executor: exec,
		dir:      dir,
		remote:   remote,
	}
	if err := tree.clone(ctx, c.options.ReferenceRepo); err != nil {
		return nil, err
	}
	if err := tree.configureIdentity(ctx, c.options.CommitterName, c.options.CommitterEmail); err != nil {
		return nil, err
	}
	c.trees[key] = tree
	return tree, nil
}

func (w *Worktree) clone(ctx context.Context, reference string) error {
	if _, err := os.Stat(filepath.Join(w.dir, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.dir), 0o755); err != nil {
		return err
	}
	remote, err := w.remote()
	if err != nil {
		return err
	}
	args := []string{"clone", "--origin=origin"}
	if reference != "" {
		args = append(args, "--reference="+reference)
	}
	args = append(args, remote, w.dir)
	// The clone runs from the parent directory; the worktree directory
	// does not exist yet.
	parent, err := newCensoringExecutor(filepath.Dir(w.dir), 0, nil, func(b []byte) []byte { return b }, w.logger)
	if err != nil {
		return err
	}
	if _, err := retry(ctx, w.logger, parent, args...); err != nil {
		return fmt.Errorf("initial clone failed: %w", err)
	}
	// Disable automatic gc; the worktree is rewritten constantly and a
	// background gc racing a rebase corrupts it.
	if _, err := w.executor.Run(ctx, "config", "gc.auto", "0"); err != nil {
		return err
	}
	return nil
}

func (w *Worktree) configureIdentity(ctx context.Context, name, email string) error {
	if name == "" && email == "" {
		return nil
	}
	if _, err := w.executor.Run(ctx, "config", "user.name", name); err != nil {
		return err
	}
	if _, err := w.executor.Run(ctx, "config", "user.email", email); err != nil {
		return err
	}
	return nil
}

// retry runs the command a few times with backoff. Use this for anything
// that talks to the network, such as clones or fetches.
func retry(ctx context.Context, logger *logrus.Entry, exec executor, args ...string) ([]byte, error) {
	var b []byte
	var err error
	sleepyTime := time.Second
	for i := 0; i < 3; i++ {
		b, err = exec.Run(ctx, args...)
		if err == nil {
			break
		}
		logger.WithField("count", i+1).WithError(err).Debug("Running command failed.")
		select {
		case <-ctx.Done():
			return b, ctx.Err()
		case <-time.After(sleepyTime):
		}
		sleepyTime *= 2
	}
	return b, err
}
