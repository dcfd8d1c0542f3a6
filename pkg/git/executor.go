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

package git

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// executor knows how to execute git commands in one directory.
type executor interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
	RunWithInput(ctx context.Context, env []string, input []byte, args ...string) ([]byte, error)
}

// Censor censors content to remove secrets.
type Censor func(content []byte) []byte

func newCensoringExecutor(dir string, timeout time.Duration, env []string, censor Censor, logger *logrus.Entry) (executor, error) {
	g, err := exec.LookPath("git")
	if err != nil {
		return nil, err
	}
	if censor == nil {
		censor = func(b []byte) []byte { return b }
	}
	return &censoringExecutor{
		logger:  logger.WithField("client", "git"),
		dir:     dir,
		git:     g,
		env:     env,
		timeout: timeout,
		censor:  censor,
		execute: func(ctx context.Context, dir, command string, env []string, input []byte, args ...string) ([]byte, error) {
			c := exec.CommandContext(ctx, command, args...)
			c.Dir = dir
			if len(env) > 0 {
				c.Env = append(os.Environ(), env...)
			}
			if input != nil {
				c.Stdin = bytes.NewReader(input)
			}
			return c.CombinedOutput()
		},
	}, nil
}

type censoringExecutor struct {
	// logger will be used to log git operations
	logger *logrus.Entry
	// dir is the location of this repo
	dir string
	// git is the path to the git binary
	git string
	// env is appended to the environment of every subprocess
	env []string
	// timeout bounds every subprocess; zero means no bound
	timeout time.Duration
	// censor removes sensitive data from output
	censor Censor
	// execute executes a command
	execute func(ctx context.Context, dir, command string, env []string, input []byte, args ...string) ([]byte, error)
}

func (e *censoringExecutor) Run(ctx context.Context, args ...string) ([]byte, error) {
	return e.RunWithInput(ctx, nil, nil, args...)
}

func (e *censoringExecutor) RunWithInput(ctx context.Context, env []string, input []byte, args ...string) ([]byte, error) {
	logger := e.logger.WithField("args", strings.Join(args, " "))
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	b, err := e.execute(ctx, e.dir, e.git, append(e.env, env...), input, args...)
	b = e.censor(b)
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		err = ctxErr
	}
	if err != nil {
		logger.WithError(err).WithField("output", string(b)).Debug("Running command failed.")
		return b, ExecError{Args: args, Output: string(b), Err: err}
	}
	logger.Debug("Running command succeeded.")
	return b, nil
}
