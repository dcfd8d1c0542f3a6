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
	"errors"
	"fmt"
	"strings"
)

// ExecError is a git subprocess that exited non-zero. Output carries the
// censored combined output so callers never lose stderr.
type ExecError struct {
	Args   []string
	Output string
	Err    error
}

func (e ExecError) Error() string {
	return fmt.Sprintf("git %s: %v, output: %s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e ExecError) Unwrap() error {
	return e.Err
}

// RebaseConflictError means a rebase or merge could not apply cleanly. The
// worktree has been restored to a clean state when this is returned.
type RebaseConflictError struct {
	Branch string
	Onto   string
	Output string
}

func (e RebaseConflictError) Error() string {
	return fmt.Sprintf("cannot rebase %s onto %s: %s", e.Branch, e.Onto, e.Output)
}

// IsRebaseConflict reports whether err is a RebaseConflictError.
func IsRebaseConflict(err error) bool {
	var conflict RebaseConflictError
	return errors.As(err, &conflict)
}

// RemoteMovedError means a conditional push found the remote ref somewhere
// other than where the caller expected it. Nothing was pushed.
type RemoteMovedError struct {
	Ref    string
	Output string
}

func (e RemoteMovedError) Error() string {
	return fmt.Sprintf("remote ref %s moved since it was last read: %s", e.Ref, e.Output)
}

// IsRemoteMoved reports whether err is a RemoteMovedError.
func IsRemoteMoved(err error) bool {
	var moved RemoteMovedError
	return errors.As(err, &moved)
}
