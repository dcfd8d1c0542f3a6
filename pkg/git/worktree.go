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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Worktree is one long-lived clone of a project. At most one job may
// mutate it at a time; callers bracket mutations with Lock and Unlock and
// restore a clean state with Reset on every exit path.
type Worktree struct {
	logger   *logrus.Entry
	executor executor
	dir      string
	remote   RemoteResolver

	mut sync.Mutex
}

// Lock acquires the exclusive right to mutate the worktree.
func (w *Worktree) Lock() {
	w.mut.Lock()
}

// Unlock releases the right acquired by Lock.
func (w *Worktree) Unlock() {
	w.mut.Unlock()
}

// Directory exposes the location of the clone.
func (w *Worktree) Directory() string {
	return w.dir
}

// Sync updates the origin remote URL, in case credentials rotated, and
// fetches the current remote state.
func (w *Worktree) Sync(ctx context.Context) error {
	remote, err := w.remote()
	if err != nil {
		return err
	}
	if _, err := w.executor.Run(ctx, "remote", "set-url", "origin", remote); err != nil {
		return err
	}
	if _, err := retry(ctx, w.logger, w.executor, "fetch", "--prune", "origin"); err != nil {
		return fmt.Errorf("fetching origin: %w", err)
	}
	return nil
}

// FetchRemote upserts a named remote at the given URL and fetches it. Used
// when the merge request comes from a forked source project.
func (w *Worktree) FetchRemote(ctx context.Context, name, url string) error {
	// Remove-then-add rather than set-url so a leftover remote from an
	// aborted job never survives with a stale fetch spec.
	_, _ = w.executor.Run(ctx, "remote", "rm", name)
	if _, err := w.executor.Run(ctx, "remote", "add", name, url); err != nil {
		return err
	}
	if _, err := retry(ctx, w.logger, w.executor, "fetch", "--prune", name); err != nil {
		return fmt.Errorf("fetching %s: %w", name, err)
	}
	return nil
}

// Checkout forcibly checks out branch at startPoint, creating or resetting
// it. An empty startPoint checks out the existing branch.
func (w *Worktree) Checkout(ctx context.Context, branch, startPoint string) error {
	args := []string{"checkout"}
	if startPoint != "" {
		args = append(args, "-B", branch, startPoint)
	} else {
		args = append(args, branch)
	}
	args = append(args, "--")
	_, err := w.executor.Run(ctx, args...)
	return err
}

// Reset restores the worktree to a clean detached state. It is called on
// job entry and on every job exit path, so it tolerates aborted rebases
// and merges.
func (w *Worktree) Reset(ctx context.Context) error {
	_, _ = w.executor.Run(ctx, "rebase", "--abort")
	_, _ = w.executor.Run(ctx, "merge", "--abort")
	if _, err := w.executor.Run(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	if _, err := w.executor.Run(ctx, "clean", "-fdx"); err != nil {
		return err
	}
	_, err := w.executor.Run(ctx, "checkout", "--detach")
	return err
}

// RemoveBranch deletes a local branch. The current HEAD must not be on it.
func (w *Worktree) RemoveBranch(ctx context.Context, branch string) error {
	_, err := w.executor.Run(ctx, "branch", "-D", branch)
	return err
}

// RevParse resolves a commitlike to a sha.
func (w *Worktree) RevParse(ctx context.Context, rev string) (string, error) {
	b, err := w.executor.Run(ctx, "rev-parse", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// MergeBase returns the best common ancestor of a and b.
func (w *Worktree) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := w.executor.Run(ctx, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsAncestor reports whether a is an ancestor of b.
func (w *Worktree) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	_, err := w.executor.Run(ctx, "merge-base", "--is-ancestor", a, b)
	if err == nil {
		return true, nil
	}
	var execErr ExecError
	if errors.As(err, &execErr) && strings.TrimSpace(execErr.Output) == "" {
		// Exit code 1 with no output is the documented "not an
		// ancestor" answer.
		return false, nil
	}
	return false, err
}

// Rebase replays branch onto the given commitlike and returns the new head
// sha. On conflict the rebase is aborted, the worktree is left clean, and
// a RebaseConflictError is returned.
func (w *Worktree) Rebase(ctx context.Context, branch, onto string) (string, error) {
	if b, err := w.executor.Run(ctx, "rebase", onto, branch); err != nil {
		w.logger.WithField("output", string(b)).Debug("Rebase failed, aborting.")
		if _, abortErr := w.executor.Run(ctx, "rebase", "--abort"); abortErr != nil {
			return "", fmt.Errorf("aborting failed rebase of %s onto %s: %w", branch, onto, abortErr)
		}
		return "", RebaseConflictError{Branch: branch, Onto: onto, Output: string(b)}
	}
	return w.RevParse(ctx, "HEAD")
}

// Merge merges the commitlike into the current branch with a merge commit
// and returns the new head sha. On conflict the merge is aborted and a
// RebaseConflictError is returned.
func (w *Worktree) Merge(ctx context.Context, commitlike string) (string, error) {
	if b, err := w.executor.Run(ctx, "merge", "--no-ff", "--no-stat", "-m", "merge "+commitlike, commitlike); err != nil {
		w.logger.WithField("output", string(b)).Debug("Merge failed, aborting.")
		if _, abortErr := w.executor.Run(ctx, "merge", "--abort"); abortErr != nil {
			return "", fmt.Errorf("aborting failed merge of %s: %w", commitlike, abortErr)
		}
		return "", RebaseConflictError{Branch: "HEAD", Onto: commitlike, Output: string(b)}
	}
	return w.RevParse(ctx, "HEAD")
}

// FastForward moves the current branch forward to the commitlike, refusing
// to create a merge commit.
func (w *Worktree) FastForward(ctx context.Context, commitlike string) (string, error) {
	if b, err := w.executor.Run(ctx, "merge", "--ff", "--ff-only", commitlike); err != nil {
		return "", fmt.Errorf("cannot fast-forward to %s: %s: %w", commitlike, string(b), err)
	}
	return w.RevParse(ctx, "HEAD")
}

// RewriteMessages rewrites the messages of every commit in base..branch
// with the given function, preserving trees, parents, authorship and
// committer identity, and resets the branch to the rewritten chain. A
// rewrite that changes no message reproduces identical shas.
func (w *Worktree) RewriteMessages(ctx context.Context, base, branch string, rewrite func(message string) string) (string, error) {
	out, err := w.executor.Run(ctx, "rev-list", "--reverse", base+".."+branch)
	if err != nil {
		return "", err
	}
	shas := strings.Fields(string(out))
	if len(shas) == 0 {
		return w.RevParse(ctx, branch)
	}
	parent, err := w.RevParse(ctx, shas[0]+"^")
	if err != nil {
		return "", err
	}
	for _, sha := range shas {
		newSHA, err := w.rewriteCommit(ctx, sha, parent, rewrite)
		if err != nil {
			return "", err
		}
		parent = newSHA
	}
	if _, err := w.executor.Run(ctx, "update-ref", "refs/heads/"+branch, parent); err != nil {
		return "", err
	}
	if err := w.Checkout(ctx, branch, ""); err != nil {
		return "", err
	}
	if _, err := w.executor.Run(ctx, "reset", "--hard", parent); err != nil {
		return "", err
	}
	return parent, nil
}

func (w *Worktree) rewriteCommit(ctx context.Context, sha, parent string, rewrite func(string) string) (string, error) {
	tree, err := w.RevParse(ctx, sha+"^{tree}")
	if err != nil {
		return "", err
	}
	identity, err := w.executor.Run(ctx, "log", "-1", "--format=%an%n%ae%n%aI%n%cn%n%ce%n%cI", sha)
	if err != nil {
		return "", err
	}
	fields := strings.Split(strings.TrimRight(string(identity), "\n"), "\n")
	if len(fields) != 6 {
		return "", fmt.Errorf("unexpected identity format for %s: %q", sha, string(identity))
	}
	env := []string{
		"GIT_AUTHOR_NAME=" + fields[0],
		"GIT_AUTHOR_EMAIL=" + fields[1],
		"GIT_AUTHOR_DATE=" + fields[2],
		"GIT_COMMITTER_NAME=" + fields[3],
		"GIT_COMMITTER_EMAIL=" + fields[4],
		"GIT_COMMITTER_DATE=" + fields[5],
	}
	message, err := w.executor.Run(ctx, "log", "-1", "--format=%B", sha)
	if err != nil {
		return "", err
	}
	rewritten := rewrite(string(message))
	out, err := w.executor.RunWithInput(ctx, env, []byte(rewritten), "commit-tree", tree, "-p", parent)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// PushOptions modify how a push is performed.
type PushOptions struct {
	// ForceWithLease authorizes a non-fast-forward push conditional on
	// the remote ref still pointing at the given sha. An empty sha leaves
	// the push fast-forward-only.
	ForceWithLease string
	// Force authorizes an unconditional overwrite. Only ever used for
	// scratch branches the bot owns outright.
	Force bool
	// SkipCI asks the platform not to start a pipeline for this push.
	SkipCI bool
}

// Push pushes localRef to remoteRef on the resolved remote. Pushes are
// fast-forward-only unless ForceWithLease is set, and a push the remote
// refuses because the ref moved comes back as RemoteMovedError.
func (w *Worktree) Push(ctx context.Context, remote RemoteResolver, localRef, remoteRef string, opts PushOptions) error {
	if b, err := w.executor.Run(ctx, "diff-index", "--quiet", "HEAD"); err != nil {
		return fmt.Errorf("refusing to push from a dirty worktree: %s: %w", string(b), err)
	}
	url, err := remote()
	if err != nil {
		return err
	}
	args := []string{"push"}
	if opts.ForceWithLease != "" {
		args = append(args, fmt.Sprintf("--force-with-lease=%s:%s", remoteRef, opts.ForceWithLease))
	} else if opts.Force {
		args = append(args, "--force")
	}
	if opts.SkipCI {
		args = append(args, "-o", "ci.skip")
	}
	args = append(args, url, fmt.Sprintf("%s:%s", localRef, remoteRef))
	b, err := w.executor.Run(ctx, args...)
	if err == nil {
		return nil
	}
	output := string(b)
	if strings.Contains(output, "stale info") ||
		strings.Contains(output, "fetch first") ||
		strings.Contains(output, "non-fast-forward") {
		return RemoteMovedError{Ref: remoteRef, Output: output}
	}
	return fmt.Errorf("pushing %s to %s: %w", localRef, remoteRef, err)
}
