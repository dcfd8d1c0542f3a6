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

package tugboat

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sigs.k8s.io/tugboat/pkg/config"
	"sigs.k8s.io/tugboat/pkg/git"
	"sigs.k8s.io/tugboat/pkg/gitlab"
)

// pushRecord captures one Push call on the fake worktree.
type pushRecord struct {
	localRef  string
	remoteRef string
	opts      git.PushOptions
}

// fakeTree scripts the worktree. Rev-parse answers come from revs, rebase
// results from rebaseHeads, and onPush lets a test model the platform
// noticing a push.
type fakeTree struct {
	mut      sync.Mutex
	lockHeld bool

	revs            map[string]string
	rebaseHeads     map[string]string
	rebaseConflicts map[string]bool
	rewriteHeads    map[string]string
	ancestors       map[string]bool
	mergeHead       string

	syncErr  error
	pushErrs map[string]error
	onPush   func(pushRecord)

	checkouts []string
	fetches   []string
	pushes    []pushRecord
	resets    int
}

func newFakeTree() *fakeTree {
	return &fakeTree{
		revs:            map[string]string{},
		rebaseHeads:     map[string]string{},
		rebaseConflicts: map[string]bool{},
		rewriteHeads:    map[string]string{},
		ancestors:       map[string]bool{},
		pushErrs:        map[string]error{},
	}
}

func (t *fakeTree) Lock() {
	t.mut.Lock()
	t.lockHeld = true
	t.mut.Unlock()
}

func (t *fakeTree) Unlock() {
	t.mut.Lock()
	t.lockHeld = false
	t.mut.Unlock()
}

func (t *fakeTree) Sync(_ context.Context) error { return t.syncErr }

func (t *fakeTree) FetchRemote(_ context.Context, name, url string) error {
	t.fetches = append(t.fetches, name+" "+url)
	return nil
}

func (t *fakeTree) Checkout(_ context.Context, branch, startPoint string) error {
	t.checkouts = append(t.checkouts, branch+" "+startPoint)
	return nil
}

func (t *fakeTree) Reset(_ context.Context) error {
	t.resets++
	return nil
}

func (t *fakeTree) RevParse(_ context.Context, rev string) (string, error) {
	return t.revs[rev], nil
}

func (t *fakeTree) IsAncestor(_ context.Context, a, b string) (bool, error) {
	return t.ancestors[a+".."+b], nil
}

func (t *fakeTree) Rebase(_ context.Context, branch, onto string) (string, error) {
	if t.rebaseConflicts[branch] {
		return "", git.RebaseConflictError{Branch: branch, Onto: onto, Output: "CONFLICT"}
	}
	if head, ok := t.rebaseHeads[branch]; ok {
		return head, nil
	}
	return t.revs[branch], nil
}

func (t *fakeTree) Merge(_ context.Context, _ string) (string, error) {
	return t.mergeHead, nil
}

func (t *fakeTree) FastForward(_ context.Context, commitlike string) (string, error) {
	return commitlike, nil
}

func (t *fakeTree) RewriteMessages(_ context.Context, _, branch string, _ func(string) string) (string, error) {
	if head, ok := t.rewriteHeads[branch]; ok {
		return head, nil
	}
	if head, ok := t.rebaseHeads[branch]; ok {
		return head, nil
	}
	return t.revs[branch], nil
}

func (t *fakeTree) Push(_ context.Context, _ git.RemoteResolver, localRef, remoteRef string, opts git.PushOptions) error {
	record := pushRecord{localRef: localRef, remoteRef: remoteRef, opts: opts}
	t.pushes = append(t.pushes, record)
	if err := t.pushErrs[remoteRef]; err != nil {
		return err
	}
	if t.onPush != nil {
		t.onPush(record)
	}
	return nil
}

func testRemoteFor(project *gitlab.Project) git.RemoteResolver {
	return func() (string, error) {
		return "https://gitlab.example.com/" + project.PathWithNamespace + ".git", nil
	}
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testConfig(mutate func(*config.Config)) *config.Config {
	c := &config.Config{
		MergeOrder:        config.OrderCreatedAt,
		CITimeout:         config.Duration{Duration: 15 * time.Minute},
		BatchBranchPrefix: "batch/",
		PollInterval:      config.Duration{Duration: 30 * time.Second},
		IdleInterval:      config.Duration{Duration: time.Minute},
	}
	if mutate != nil {
		mutate(c)
	}
	return c
}
