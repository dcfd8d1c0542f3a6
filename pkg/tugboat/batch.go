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
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sigs.k8s.io/tugboat/pkg/config"
	"sigs.k8s.io/tugboat/pkg/git"
	"sigs.k8s.io/tugboat/pkg/gitlab"
)

// batchJob speculatively pre-merges several merge requests targeting the
// same branch onto one scratch branch, validates them with a single CI
// run, and only then lands them one by one. A failing batch bisects so one
// bad merge request cannot starve the others.
type batchJob struct {
	client    platformClient
	tree      worktree
	remoteFor remoteFactory
	cfg       *config.Config
	bot       *gitlab.User
	log       *logrus.Entry
	dryRun    bool

	project *gitlab.Project
	target  string

	ciPoll      time.Duration
	confirmPoll time.Duration
	now         func() time.Time
}

func newBatchJob(client platformClient, tree worktree, remoteFor remoteFactory, cfg *config.Config, bot *gitlab.User, log *logrus.Entry, dryRun bool, project *gitlab.Project, target string) *batchJob {
	return &batchJob{
		client:      client,
		tree:        tree,
		remoteFor:   remoteFor,
		cfg:         cfg,
		bot:         bot,
		log:         log.WithField("batch", target),
		dryRun:      dryRun,
		project:     project,
		target:      target,
		ciPoll:      defaultCIPoll,
		confirmPoll: defaultConfirmPoll,
		now:         time.Now,
	}
}

// batchEntry is one candidate included in a batch attempt.
type batchEntry struct {
	mr            *gitlab.MergeRequest
	sourceProject *gitlab.Project
	// preSHA is the source head before the batch rebased it; it is the
	// lease for the final push, so a racing user push stops the batch.
	preSHA  string
	newHead string
}

// jobFor borrows the single-MR machinery (rejection comments, trailer
// rewriting) for one candidate.
func (b *batchJob) jobFor(mr *gitlab.MergeRequest) *job {
	jb := newJob(b.client, b.tree, b.remoteFor, b.cfg, b.bot, b.log, b.dryRun, mr.ProjectID, mr.IID, 0)
	jb.now = b.now
	return jb
}

// run attempts to batch-merge the given candidates. The returned map holds
// an outcome for every candidate the batch decided about; candidates it
// left out (too few remained, squash requested) are absent and stay with
// the single-MR path. The error is non-nil only for authorization
// failures.
func (b *batchJob) run(ctx context.Context, iids []int) (map[int]Outcome, error) {
	outcomes := map[int]Outcome{}

	var candidates []*gitlab.MergeRequest
	for _, iid := range iids {
		mr, err := b.client.GetMergeRequest(ctx, b.project.ID, iid)
		if err != nil {
			if gitlab.IsUnauthorized(err) {
				return outcomes, err
			}
			outcomes[iid] = requeue(err.Error())
			continue
		}
		approvals, err := b.client.GetApprovals(ctx, b.project.ID, iid)
		if err != nil {
			if gitlab.IsUnauthorized(err) {
				return outcomes, err
			}
			outcomes[iid] = requeue(err.Error())
			continue
		}
		result := evaluatePolicy(policyInput{
			cfg:       b.cfg,
			bot:       b.bot,
			mr:        mr,
			project:   b.project,
			approvals: approvals,
			now:       b.now(),
		})
		switch result.Decision {
		case DecisionSkip:
			outcomes[iid] = cancelled()
		case DecisionRejectTerminal:
			out, err := b.jobFor(mr).reject(ctx, mr, result.Reason)
			if err != nil {
				return outcomes, err
			}
			outcomes[iid] = out
		case DecisionRejectRequeue:
			outcomes[iid] = requeueAfter(result.Reason, result.RetryAfter)
		default:
			if mr.Squash {
				// A squash rewrites the chain on merge, which would break
				// the fast-forwards of everything batched behind it.
				continue
			}
			candidates = append(candidates, mr)
		}
	}
	if len(candidates) < 2 {
		return outcomes, nil
	}
	err := b.attempt(ctx, candidates, outcomes)
	return outcomes, err
}

// attempt builds, validates and lands one batch. On CI failure it recurses
// into the leading half.
func (b *batchJob) attempt(ctx context.Context, candidates []*gitlab.MergeRequest, outcomes map[int]Outcome) error {
	entries, tip, err := b.build(ctx, candidates, outcomes)
	if err != nil {
		return err
	}
	if len(entries) < 2 {
		// Too few survived the scratch rebase; leave the rest to the
		// single-MR path, which handles one MR more precisely.
		return nil
	}

	if b.dryRun {
		for _, entry := range entries {
			b.log.WithField("mr", entry.mr.IID).Info("Dry run: would batch-merge.")
			outcomes[entry.mr.IID] = merged()
		}
		return nil
	}

	if !b.cfg.SkipCIBatches {
		ok, err := b.waitBatchCI(ctx, tip)
		if err != nil {
			if gitlab.IsUnauthorized(err) {
				return err
			}
			b.requeueAll(entries, outcomes, err.Error())
			return nil
		}
		if !ok {
			if len(entries) == 2 {
				// No batch left to halve; both go back to the single-MR
				// path, where a real CI failure becomes a rejection with
				// the pipeline URL.
				b.requeueAll(entries, outcomes, "the batch pipeline failed")
				return nil
			}
			half := entries[:len(entries)/2]
			b.requeueAll(entries[len(entries)/2:], outcomes, "excluded from a failing batch")
			retry := make([]*gitlab.MergeRequest, 0, len(half))
			for _, entry := range half {
				retry = append(retry, entry.mr)
			}
			return b.attempt(ctx, retry, outcomes)
		}
	}

	return b.land(ctx, entries, outcomes)
}

// build assembles the scratch branch under the worktree lock and pushes
// it. Candidates whose rebase conflicts are terminally rejected; the batch
// continues without them.
func (b *batchJob) build(ctx context.Context, candidates []*gitlab.MergeRequest, outcomes map[int]Outcome) ([]batchEntry, string, error) {
	b.tree.Lock()
	defer b.tree.Unlock()
	defer func() {
		if resetErr := b.tree.Reset(ctx); resetErr != nil {
			b.log.WithError(resetErr).Error("Failed to reset the worktree.")
		}
	}()

	if err := b.tree.Sync(ctx); err != nil {
		b.requeueMRs(candidates, outcomes, err.Error())
		return nil, "", nil
	}
	batchBranch := b.cfg.BatchBranchPrefix + b.target
	if err := b.tree.Checkout(ctx, batchBranch, "origin/"+b.target); err != nil {
		b.requeueMRs(candidates, outcomes, err.Error())
		return nil, "", nil
	}
	tip, err := b.tree.RevParse(ctx, batchBranch)
	if err != nil {
		b.requeueMRs(candidates, outcomes, err.Error())
		return nil, "", nil
	}

	var entries []batchEntry
	for _, mr := range candidates {
		entry, err := b.buildEntry(ctx, mr, tip)
		if err != nil {
			if gitlab.IsUnauthorized(err) {
				return nil, "", err
			}
			var term terminalError
			if errors.As(err, &term) {
				out, rejectErr := b.jobFor(mr).reject(ctx, mr, term.reason)
				if rejectErr != nil {
					return nil, "", rejectErr
				}
				outcomes[mr.IID] = out
				continue
			}
			outcomes[mr.IID] = requeue(err.Error())
			continue
		}
		// Move the scratch branch to the rebased head; the rebase already
		// guarantees this is a fast-forward.
		if err := b.tree.Checkout(ctx, batchBranch, entry.newHead); err != nil {
			b.requeueMRs(candidates, outcomes, err.Error())
			return nil, "", nil
		}
		tip = entry.newHead
		entries = append(entries, entry)
	}
	if len(entries) < 2 {
		return entries, tip, nil
	}

	if !b.dryRun {
		err := b.tree.Push(ctx, b.remoteFor(b.project), batchBranch, batchBranch, git.PushOptions{
			Force:  true,
			SkipCI: b.cfg.SkipCIBatches,
		})
		if err != nil {
			b.requeueAll(entries, outcomes, err.Error())
			return nil, "", nil
		}
	}
	return entries, tip, nil
}

func (b *batchJob) buildEntry(ctx context.Context, mr *gitlab.MergeRequest, tip string) (batchEntry, error) {
	sourceProject := b.project
	if mr.SourceProjectID != 0 && mr.SourceProjectID != b.project.ID {
		fetched, err := b.client.GetProject(ctx, mr.SourceProjectID)
		if err != nil {
			return batchEntry{}, err
		}
		sourceProject = fetched
		url, err := b.remoteFor(sourceProject)()
		if err != nil {
			return batchEntry{}, err
		}
		if err := b.tree.FetchRemote(ctx, fmt.Sprintf("fork-%d", sourceProject.ID), url); err != nil {
			return batchEntry{}, err
		}
	}
	sourceRemote := "origin"
	if sourceProject.ID != b.project.ID {
		sourceRemote = fmt.Sprintf("fork-%d", sourceProject.ID)
	}
	if err := b.tree.Checkout(ctx, mr.SourceBranch, sourceRemote+"/"+mr.SourceBranch); err != nil {
		return batchEntry{}, err
	}
	preSHA, err := b.tree.RevParse(ctx, mr.SourceBranch)
	if err != nil {
		return batchEntry{}, err
	}
	if preSHA != mr.SHA {
		return batchEntry{}, requeueError{reason: "the source branch moved while the batch was assembling"}
	}

	newHead, err := b.tree.Rebase(ctx, mr.SourceBranch, tip)
	if git.IsRebaseConflict(err) {
		return batchEntry{}, terminalError{reason: fmt.Sprintf("the source branch cannot be rebased onto %s; resolve the conflicts manually", b.target)}
	}
	if err != nil {
		return batchEntry{}, err
	}
	if newHead == tip {
		return batchEntry{}, terminalError{reason: fmt.Sprintf("these changes already exist in branch `%s`", b.target)}
	}

	var approvals *gitlab.Approvals
	if b.cfg.AddReviewers {
		if approvals, err = b.client.GetApprovals(ctx, mr.ProjectID, mr.IID); err != nil {
			return batchEntry{}, err
		}
	}
	rewrite, err := b.jobFor(mr).commitRewriter(ctx, mr, b.project, approvals)
	if err != nil {
		return batchEntry{}, err
	}
	if rewrite != nil {
		if newHead, err = b.tree.RewriteMessages(ctx, tip, mr.SourceBranch, rewrite); err != nil {
			return batchEntry{}, err
		}
	}
	return batchEntry{mr: mr, sourceProject: sourceProject, preSHA: preSHA, newHead: newHead}, nil
}

// waitBatchCI polls the scratch branch pipeline. False means the pipeline
// reached a non-success terminal status and the batch should bisect.
func (b *batchJob) waitBatchCI(ctx context.Context, tip string) (bool, error) {
	deadline := b.now().Add(b.cfg.CITimeout.Duration)
	for {
		pipelines, err := b.client.ListPipelines(ctx, b.project.ID, tip)
		if err != nil {
			return false, err
		}
		if len(pipelines) > 0 {
			switch pipelines[0].Status {
			case gitlab.PipelineSuccess:
				return true, nil
			case gitlab.PipelineFailed, gitlab.PipelineCanceled, gitlab.PipelineSkipped:
				return false, nil
			}
		}
		if b.now().After(deadline) {
			return false, requeueError{reason: "the batch pipeline did not finish in time"}
		}
		if err := sleepCtx(ctx, b.ciPoll); err != nil {
			return false, err
		}
	}
}

// land pushes and merges the validated entries in order. Any surprise
// stops the batch; what did not land yet is requeued without comments.
func (b *batchJob) land(ctx context.Context, entries []batchEntry, outcomes map[int]Outcome) error {
	for i, entry := range entries {
		mr := entry.mr
		fetched, err := b.client.GetMergeRequest(ctx, mr.ProjectID, mr.IID)
		if err != nil {
			if gitlab.IsUnauthorized(err) {
				return err
			}
			outcomes[mr.IID] = requeue(err.Error())
			b.requeueAll(entries[i+1:], outcomes, "the batch stopped early")
			return nil
		}
		if fetched.State != gitlab.MergeRequestStateOpened || !fetched.IsAssignedTo(b.bot.ID) {
			// The chain behind this entry contains its commits, so none
			// of the rest can land either.
			outcomes[mr.IID] = cancelled()
			b.requeueAll(entries[i+1:], outcomes, "an earlier batch entry stopped being a candidate")
			return nil
		}

		b.tree.Lock()
		err = b.tree.Push(ctx, b.remoteFor(entry.sourceProject), entry.newHead, mr.SourceBranch, git.PushOptions{ForceWithLease: entry.preSHA})
		b.tree.Unlock()
		if err != nil {
			reason := err.Error()
			if git.IsRemoteMoved(err) {
				reason = "someone pushed to the source branch while the batch was in flight"
			}
			outcomes[mr.IID] = requeue(reason)
			b.requeueAll(entries[i+1:], outcomes, "the batch stopped early")
			return nil
		}

		if _, err := b.client.AcceptMergeRequest(ctx, mr.ProjectID, mr.IID, &gitlab.AcceptOptions{
			SHA:                      entry.newHead,
			ShouldRemoveSourceBranch: fetched.RemoveSourceBranchRequested(b.project),
		}); err != nil {
			if gitlab.IsUnauthorized(err) {
				return err
			}
			outcomes[mr.IID] = requeue(fmt.Sprintf("the batch merge was refused: %v", err))
			b.requeueAll(entries[i+1:], outcomes, "the batch stopped early")
			return nil
		}

		if err := b.confirmLanded(ctx, mr); err != nil {
			if gitlab.IsUnauthorized(err) {
				return err
			}
			outcomes[mr.IID] = requeue(err.Error())
			b.requeueAll(entries[i+1:], outcomes, "the batch stopped early")
			return nil
		}
		outcomes[mr.IID] = merged()
	}
	return nil
}

// confirmLanded waits for one entry's merge, because the next entry's
// fast-forward depends on the target tip having moved.
func (b *batchJob) confirmLanded(ctx context.Context, mr *gitlab.MergeRequest) error {
	deadline := b.now().Add(defaultConfirmTimeout)
	for {
		fetched, err := b.client.GetMergeRequest(ctx, mr.ProjectID, mr.IID)
		if err != nil {
			return err
		}
		if fetched.State == gitlab.MergeRequestStateMerged {
			return nil
		}
		if fetched.State == gitlab.MergeRequestStateClosed {
			return fmt.Errorf("the merge request closed before the batch merge landed")
		}
		if b.now().After(deadline) {
			return fmt.Errorf("the platform did not report the batch merge in time")
		}
		if err := sleepCtx(ctx, b.confirmPoll); err != nil {
			return err
		}
	}
}

func (b *batchJob) requeueAll(entries []batchEntry, outcomes map[int]Outcome, reason string) {
	for _, entry := range entries {
		outcomes[entry.mr.IID] = requeue(reason)
	}
}

func (b *batchJob) requeueMRs(mrs []*gitlab.MergeRequest, outcomes map[int]Outcome, reason string) {
	for _, mr := range mrs {
		if _, done := outcomes[mr.IID]; !done {
			outcomes[mr.IID] = requeue(reason)
		}
	}
}
