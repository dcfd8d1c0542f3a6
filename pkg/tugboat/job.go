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
	"sigs.k8s.io/tugboat/pkg/trailer"
)

// platformClient is the subset of the API client the merge jobs use.
type platformClient interface {
	GetMergeRequest(ctx context.Context, projectID, iid int) (*gitlab.MergeRequest, error)
	GetProject(ctx context.Context, id int) (*gitlab.Project, error)
	GetApprovals(ctx context.Context, projectID, iid int) (*gitlab.Approvals, error)
	GetBranch(ctx context.Context, projectID int, name string) (*gitlab.Branch, error)
	GetUserByID(ctx context.Context, id int) (*gitlab.User, error)
	ListPipelines(ctx context.Context, projectID int, sha string) ([]gitlab.Pipeline, error)
	ListMergeRequestNotes(ctx context.Context, projectID, iid int) ([]gitlab.Note, error)
	CreateMergeRequestComment(ctx context.Context, projectID, iid int, body string) error
	AssignMergeRequest(ctx context.Context, projectID, iid, assigneeID int) error
	AcceptMergeRequest(ctx context.Context, projectID, iid int, opts *gitlab.AcceptOptions) (*gitlab.MergeRequest, error)
	RebaseMergeRequest(ctx context.Context, projectID, iid int) error
	ApproveMergeRequest(ctx context.Context, projectID, iid int, sudo string) error
}

// worktree is what the jobs need from a git clone. pkg/git implements it;
// tests substitute a fake.
type worktree interface {
	Lock()
	Unlock()
	Sync(ctx context.Context) error
	FetchRemote(ctx context.Context, name, url string) error
	Checkout(ctx context.Context, branch, startPoint string) error
	Reset(ctx context.Context) error
	RevParse(ctx context.Context, rev string) (string, error)
	IsAncestor(ctx context.Context, a, b string) (bool, error)
	Rebase(ctx context.Context, branch, onto string) (string, error)
	Merge(ctx context.Context, commitlike string) (string, error)
	FastForward(ctx context.Context, commitlike string) (string, error)
	RewriteMessages(ctx context.Context, base, branch string, rewrite func(string) string) (string, error)
	Push(ctx context.Context, remote git.RemoteResolver, localRef, remoteRef string, opts git.PushOptions) error
}

// remoteFactory resolves the push/fetch remote for a project.
type remoteFactory func(*gitlab.Project) git.RemoteResolver

const (
	// maxMergeRefusals is how many consecutive merge-endpoint refusals the
	// loop tolerates before rejecting terminally.
	maxMergeRefusals = 3

	defaultRebaseTimeout  = time.Minute
	remoteRebaseTimeout   = 30 * time.Second
	defaultConfirmTimeout = time.Minute

	defaultRebasePoll   = 5 * time.Second
	defaultCIPoll       = 10 * time.Second
	defaultConfirmPoll  = 5 * time.Second
	defaultApprovalPoll = 5 * time.Second
)

// terminalError aborts a job with a comment and an unassignment.
type terminalError struct {
	reason string
}

func (e terminalError) Error() string { return e.reason }

// requeueError aborts a job silently; the loop retries after a cool-down.
type requeueError struct {
	reason string
}

func (e requeueError) Error() string { return e.reason }

// cancelledError aborts a job silently and permanently: the merge request
// stopped being a candidate while the job ran.
type cancelledError struct {
	reason string
}

func (e cancelledError) Error() string { return e.reason }

// job drives one merge request through the state machine once. It is
// created per attempt and holds no state that survives its outcome.
type job struct {
	client    platformClient
	tree      worktree
	remoteFor remoteFactory
	cfg       *config.Config
	bot       *gitlab.User
	log       *logrus.Entry
	dryRun    bool

	projectID int
	iid       int
	// priorRefusals is how many consecutive merge refusals the loop has
	// already seen for this merge request.
	priorRefusals int

	rebasePoll   time.Duration
	ciPoll       time.Duration
	confirmPoll  time.Duration
	approvalPoll time.Duration
	now          func() time.Time
}

func newJob(client platformClient, tree worktree, remoteFor remoteFactory, cfg *config.Config, bot *gitlab.User, log *logrus.Entry, dryRun bool, projectID, iid, priorRefusals int) *job {
	return &job{
		client:        client,
		tree:          tree,
		remoteFor:     remoteFor,
		cfg:           cfg,
		bot:           bot,
		log:           log.WithField("mr", iid),
		dryRun:        dryRun,
		projectID:     projectID,
		iid:           iid,
		priorRefusals: priorRefusals,
		rebasePoll:    defaultRebasePoll,
		ciPoll:        defaultCIPoll,
		confirmPoll:   defaultConfirmPoll,
		approvalPoll:  defaultApprovalPoll,
		now:           time.Now,
	}
}

// run executes the state machine. Every failure mode maps to an Outcome;
// the returned error is non-nil only for authorization failures, which the
// project loop uses to disable itself.
func (j *job) run(ctx context.Context) (Outcome, error) {
	mr, err := j.client.GetMergeRequest(ctx, j.projectID, j.iid)
	if err != nil {
		return j.mapError(ctx, nil, err)
	}
	project, err := j.client.GetProject(ctx, j.projectID)
	if err != nil {
		return j.mapError(ctx, mr, err)
	}
	sourceProject := project
	if mr.SourceProjectID != 0 && mr.SourceProjectID != project.ID {
		if sourceProject, err = j.client.GetProject(ctx, mr.SourceProjectID); err != nil {
			return j.mapError(ctx, mr, err)
		}
	}
	approvals, err := j.client.GetApprovals(ctx, j.projectID, j.iid)
	if err != nil {
		return j.mapError(ctx, mr, err)
	}
	var targetBranch *gitlab.Branch
	if targetBranch, err = j.client.GetBranch(ctx, j.projectID, mr.TargetBranch); err != nil {
		if !gitlab.IsNotFound(err) {
			return j.mapError(ctx, mr, err)
		}
		targetBranch = nil
	}

	result := evaluatePolicy(policyInput{
		cfg:          j.cfg,
		bot:          j.bot,
		mr:           mr,
		project:      project,
		approvals:    approvals,
		targetBranch: targetBranch,
		now:          j.now(),
	})
	switch result.Decision {
	case DecisionSkip:
		return cancelled(), nil
	case DecisionRejectTerminal:
		return j.reject(ctx, mr, result.Reason)
	case DecisionRejectRequeue:
		return requeueAfter(result.Reason, result.RetryAfter), nil
	}

	head, changed, err := j.updateBranch(ctx, mr, project, sourceProject, approvals)
	if err != nil {
		return j.mapError(ctx, mr, err)
	}

	if changed {
		if err := j.waitRebased(ctx, head); err != nil {
			return j.mapError(ctx, mr, err)
		}
		j.maybeReapprove(ctx, approvals)
	}

	ciRequired := project.OnlyAllowMergeIfPipelineSucceeds || j.cfg.RequireSuccessfulCI
	if ciRequired && (changed || j.cfg.GuaranteeFinalPipeline) {
		if err := j.waitCI(ctx, sourceProject.ID, head); err != nil {
			return j.mapError(ctx, mr, err)
		}
	}

	return j.merge(ctx, project, head)
}

// mapError converts lower-level failures into Outcomes. Authorization
// failures are the only thing returned as an error.
func (j *job) mapError(ctx context.Context, mr *gitlab.MergeRequest, err error) (Outcome, error) {
	if gitlab.IsUnauthorized(err) {
		return Outcome{}, err
	}
	var term terminalError
	if errors.As(err, &term) {
		if mr == nil {
			return rejected(term.reason), nil
		}
		return j.reject(ctx, mr, term.reason)
	}
	var rq requeueError
	if errors.As(err, &rq) {
		return requeue(rq.reason), nil
	}
	var cancel cancelledError
	if errors.As(err, &cancel) {
		j.log.WithField("reason", cancel.reason).Info("Job cancelled.")
		return cancelled(), nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return cancelled(), nil
	}
	if gitlab.IsNotFound(err) {
		// The merge request or the project disappeared under us.
		return cancelled(), nil
	}
	j.log.WithError(err).Warn("Job failed, requeueing.")
	return requeue(err.Error()), nil
}

// reject posts the single diagnostic comment and hands the merge request
// back, to the author when the author is someone else.
func (j *job) reject(ctx context.Context, mr *gitlab.MergeRequest, reason string) (Outcome, error) {
	comment := fmt.Sprintf("I couldn't merge this: %s.", reason)
	if j.dryRun {
		j.log.WithField("comment", comment).Info("Dry run: would reject.")
		return rejected(reason), nil
	}
	if err := j.client.CreateMergeRequestComment(ctx, mr.ProjectID, mr.IID, comment); err != nil {
		if gitlab.IsUnauthorized(err) {
			return Outcome{}, err
		}
		j.log.WithError(err).Error("Failed to post the rejection comment.")
	}
	assignee := 0
	if mr.Author.ID != j.bot.ID {
		assignee = mr.Author.ID
	}
	if err := j.client.AssignMergeRequest(ctx, mr.ProjectID, mr.IID, assignee); err != nil {
		if gitlab.IsUnauthorized(err) {
			return Outcome{}, err
		}
		j.log.WithError(err).Error("Failed to unassign after rejection.")
	}
	return rejected(reason), nil
}

// updateBranch brings the source branch up to date with the target and
// returns the head sha the rest of the job pins itself to. The worktree
// lock is held for exactly the fetch, rewrite and push and never across
// polling.
func (j *job) updateBranch(ctx context.Context, mr *gitlab.MergeRequest, project, sourceProject *gitlab.Project, approvals *gitlab.Approvals) (string, bool, error) {
	rewrite, err := j.commitRewriter(ctx, mr, project, approvals)
	if err != nil {
		return "", false, err
	}

	if j.cfg.RebaseRemotely {
		return j.rebaseRemotely(ctx, mr)
	}

	j.tree.Lock()
	defer j.tree.Unlock()
	defer func() {
		if resetErr := j.tree.Reset(ctx); resetErr != nil {
			j.log.WithError(resetErr).Error("Failed to reset the worktree.")
		}
	}()

	if err := j.tree.Sync(ctx); err != nil {
		return "", false, err
	}
	sourceRemote := "origin"
	if sourceProject.ID != project.ID {
		url, err := j.remoteFor(sourceProject)()
		if err != nil {
			return "", false, err
		}
		if err := j.tree.FetchRemote(ctx, "source", url); err != nil {
			return "", false, err
		}
		sourceRemote = "source"
	}
	if err := j.tree.Checkout(ctx, mr.SourceBranch, sourceRemote+"/"+mr.SourceBranch); err != nil {
		return "", false, err
	}
	oldHead, err := j.tree.RevParse(ctx, mr.SourceBranch)
	if err != nil {
		return "", false, err
	}
	if oldHead != mr.SHA {
		return "", false, requeueError{reason: "the source branch moved while the job was starting"}
	}
	targetTip, err := j.tree.RevParse(ctx, "origin/"+mr.TargetBranch)
	if err != nil {
		return "", false, err
	}

	var newHead string
	if j.cfg.UseMergeStrategy {
		newHead, err = j.tree.Merge(ctx, "origin/"+mr.TargetBranch)
		if git.IsRebaseConflict(err) {
			return "", false, terminalError{reason: fmt.Sprintf("merging %s into the source branch produced conflicts; resolve them manually", mr.TargetBranch)}
		}
	} else {
		newHead, err = j.tree.Rebase(ctx, mr.SourceBranch, targetTip)
		if git.IsRebaseConflict(err) {
			return "", false, terminalError{reason: fmt.Sprintf("the source branch cannot be rebased onto %s; resolve the conflicts manually", mr.TargetBranch)}
		}
	}
	if err != nil {
		return "", false, err
	}
	if newHead == targetTip {
		return "", false, terminalError{reason: fmt.Sprintf("these changes already exist in branch `%s`", mr.TargetBranch)}
	}

	if rewrite != nil {
		if newHead, err = j.tree.RewriteMessages(ctx, targetTip, mr.SourceBranch, rewrite); err != nil {
			return "", false, err
		}
	}

	changed := newHead != oldHead
	if changed {
		if j.dryRun {
			j.log.WithField("head", newHead).Info("Dry run: would push the updated source branch.")
			return oldHead, false, nil
		}
		err := j.tree.Push(ctx, j.remoteFor(sourceProject), mr.SourceBranch, mr.SourceBranch, git.PushOptions{ForceWithLease: oldHead})
		if git.IsRemoteMoved(err) {
			return "", false, requeueError{reason: "someone pushed to the source branch while it was being updated"}
		}
		if err != nil {
			return "", false, err
		}
	}
	return newHead, changed, nil
}

// rebaseRemotely asks the platform to rebase and verifies the result
// against the local view of the target branch.
func (j *job) rebaseRemotely(ctx context.Context, mr *gitlab.MergeRequest) (string, bool, error) {
	if j.dryRun {
		j.log.Info("Dry run: would request a platform-side rebase.")
		return mr.SHA, false, nil
	}
	if err := j.client.RebaseMergeRequest(ctx, mr.ProjectID, mr.IID); err != nil {
		return "", false, err
	}
	deadline := j.now().Add(remoteRebaseTimeout)
	for {
		fetched, err := j.client.GetMergeRequest(ctx, mr.ProjectID, mr.IID)
		if err != nil {
			return "", false, err
		}
		if !fetched.IsAssignedTo(j.bot.ID) {
			return "", false, cancelledError{reason: "unassigned during the platform rebase"}
		}
		if !fetched.RebaseInProgress {
			if fetched.MergeError != "" {
				return "", false, terminalError{reason: fmt.Sprintf("the platform could not rebase: %s", fetched.MergeError)}
			}
			newHead := fetched.SHA
			if err := j.verifyRemoteRebase(ctx, mr.TargetBranch, newHead); err != nil {
				return "", false, err
			}
			return newHead, newHead != mr.SHA, nil
		}
		if j.now().After(deadline) {
			return "", false, requeueError{reason: "the platform rebase did not finish in time"}
		}
		if err := sleepCtx(ctx, j.rebasePoll); err != nil {
			return "", false, err
		}
	}
}

func (j *job) verifyRemoteRebase(ctx context.Context, targetBranch, newHead string) error {
	j.tree.Lock()
	defer j.tree.Unlock()
	if err := j.tree.Sync(ctx); err != nil {
		return err
	}
	targetTip, err := j.tree.RevParse(ctx, "origin/"+targetBranch)
	if err != nil {
		return err
	}
	onTarget, err := j.tree.IsAncestor(ctx, targetTip, newHead)
	if err != nil || !onTarget {
		return requeueError{reason: "the platform rebase did not land on the current target tip"}
	}
	return nil
}

// waitRebased polls until the platform reports the pushed head, so that
// the sha-pinned merge cannot race the platform's own bookkeeping.
func (j *job) waitRebased(ctx context.Context, head string) error {
	deadline := j.now().Add(defaultRebaseTimeout)
	for {
		fetched, err := j.client.GetMergeRequest(ctx, j.projectID, j.iid)
		if err != nil {
			return err
		}
		if fetched.State != gitlab.MergeRequestStateOpened {
			return cancelledError{reason: "the merge request is no longer open"}
		}
		if !fetched.IsAssignedTo(j.bot.ID) {
			return cancelledError{reason: "unassigned while waiting for the pushed head"}
		}
		if fetched.SHA == head && !fetched.RebaseInProgress {
			return nil
		}
		if j.now().After(deadline) {
			return requeueError{reason: "the platform did not pick up the pushed head in time"}
		}
		if err := sleepCtx(ctx, j.rebasePoll); err != nil {
			return err
		}
	}
}

// maybeReapprove restores approvals that the push reset, impersonating
// each original approver. Best-effort: failures log and the merge call
// decides whether approvals actually suffice.
func (j *job) maybeReapprove(ctx context.Context, before *gitlab.Approvals) {
	if !j.cfg.ImpersonateApprovers || before == nil || !before.Sufficient() || len(before.ApprovedBy) == 0 {
		return
	}
	if j.dryRun {
		j.log.Info("Dry run: would re-approve after the push.")
		return
	}
	// The reset is asynchronous; give the platform a moment to notice the
	// push before concluding approvals survived it.
	deadline := j.now().Add(j.cfg.ApprovalResetTimeout.Duration)
	for {
		current, err := j.client.GetApprovals(ctx, j.projectID, j.iid)
		if err != nil {
			j.log.WithError(err).Warn("Could not read approvals for re-approval.")
			return
		}
		if !current.Sufficient() {
			break
		}
		if j.now().After(deadline) {
			return
		}
		if err := sleepCtx(ctx, j.approvalPoll); err != nil {
			return
		}
	}
	for _, approver := range before.ApproverUsers() {
		if err := j.client.ApproveMergeRequest(ctx, j.projectID, j.iid, approver.Username); err != nil {
			j.log.WithError(err).WithField("approver", approver.Username).Warn("Failed to re-approve.")
		}
	}
}

// waitCI polls the newest pipeline on the pushed head until it reaches a
// terminal status or the CI budget runs out.
func (j *job) waitCI(ctx context.Context, pipelineProjectID int, head string) error {
	deadline := j.now().Add(j.cfg.CITimeout.Duration)
	for {
		pipelines, err := j.client.ListPipelines(ctx, pipelineProjectID, head)
		if err != nil {
			return err
		}
		if len(pipelines) > 0 {
			// Newest first; a retried pipeline supersedes the old result.
			switch p := pipelines[0]; p.Status {
			case gitlab.PipelineSuccess:
				return nil
			case gitlab.PipelineFailed:
				return terminalError{reason: fmt.Sprintf("CI failed: %s", p.WebURL)}
			case gitlab.PipelineCanceled:
				return terminalError{reason: "someone canceled the CI"}
			case gitlab.PipelineSkipped:
				return terminalError{reason: "CI was skipped, but this project requires a passing pipeline"}
			}
			// created, pending, running, manual and friends keep waiting:
			// a human may still start a blocking manual stage.
		}
		if j.now().After(deadline) {
			return requeueError{reason: "CI did not finish in time"}
		}
		if err := sleepCtx(ctx, j.ciPoll); err != nil {
			return err
		}
	}
}

// merge re-validates candidacy on fresh state, accepts pinned to head, and
// confirms the merge landed.
func (j *job) merge(ctx context.Context, project *gitlab.Project, head string) (Outcome, error) {
	fetched, err := j.client.GetMergeRequest(ctx, j.projectID, j.iid)
	if err != nil {
		return j.mapError(ctx, nil, err)
	}
	if fetched.State == gitlab.MergeRequestStateMerged {
		return merged(), nil
	}
	if fetched.State != gitlab.MergeRequestStateOpened {
		return cancelled(), nil
	}
	if !fetched.IsAssignedTo(j.bot.ID) {
		j.log.Info("Unassigned before the merge call; aborting without merging.")
		return cancelled(), nil
	}
	if fetched.SHA != head {
		return requeue("the source branch moved before the merge call"), nil
	}

	if j.dryRun {
		j.log.WithField("sha", head).Info("Dry run: would merge.")
		return merged(), nil
	}

	accepted, err := j.client.AcceptMergeRequest(ctx, j.projectID, j.iid, &gitlab.AcceptOptions{
		SHA:                      head,
		Squash:                   fetched.Squash,
		ShouldRemoveSourceBranch: fetched.RemoveSourceBranchRequested(project),
	})
	if err != nil {
		if refused, ok := gitlab.AsMergeRefused(err); ok {
			switch refused.Reason {
			case gitlab.MergeRefusedSHAMismatch:
				return requeue("the merge request changed while merging"), nil
			case gitlab.MergeRefusedNotMergeable, gitlab.MergeRefusedPipelineNotSuccess, gitlab.MergeRefusedUnresolvedDiscussions:
				// The platform is often behind its own state right after
				// a push; tolerate a few refusals before giving up.
				if j.priorRefusals+1 >= maxMergeRefusals {
					return j.reject(ctx, fetched, fmt.Sprintf("the platform refused to merge it: %s", refused.Message))
				}
				out := requeue(fmt.Sprintf("merge refused (%s), will retry", refused.Reason))
				out.refused = true
				return out, nil
			default:
				return j.reject(ctx, fetched, fmt.Sprintf("the platform refused to merge it: %s", refused.Message))
			}
		}
		if gitlab.IsUnauthorized(err) {
			return Outcome{}, err
		}
		if status := gitlab.StatusCode(err); status >= 400 && status < 500 {
			return j.reject(ctx, fetched, fmt.Sprintf("the merge call failed with status %d", status))
		}
		return j.mapError(ctx, fetched, err)
	}
	return j.confirm(ctx, project, fetched, accepted)
}

// confirm waits until the platform reports the merge and checks the
// source-branch cleanup it promised.
func (j *job) confirm(ctx context.Context, project *gitlab.Project, mr, accepted *gitlab.MergeRequest) (Outcome, error) {
	deadline := j.now().Add(defaultConfirmTimeout)
	state := ""
	if accepted != nil {
		state = accepted.State
	}
	for state != gitlab.MergeRequestStateMerged {
		if state == gitlab.MergeRequestStateClosed {
			return j.reject(ctx, mr, "the merge request was closed before the merge landed")
		}
		if j.now().After(deadline) {
			return requeue("the platform did not report the merge in time"), nil
		}
		if err := sleepCtx(ctx, j.confirmPoll); err != nil {
			return cancelled(), nil
		}
		fetched, err := j.client.GetMergeRequest(ctx, j.projectID, j.iid)
		if err != nil {
			return j.mapError(ctx, mr, err)
		}
		state = fetched.State
	}

	if mr.RemoveSourceBranchRequested(project) {
		sourceProjectID := mr.SourceProjectID
		if sourceProjectID == 0 {
			sourceProjectID = mr.ProjectID
		}
		if _, err := j.client.GetBranch(ctx, sourceProjectID, mr.SourceBranch); err == nil {
			j.log.WithField("branch", mr.SourceBranch).Warn("Source branch survived a merge that requested its deletion.")
		} else if !gitlab.IsNotFound(err) {
			j.log.WithError(err).Debug("Could not verify source branch deletion.")
		}
	}
	return merged(), nil
}

// commitRewriter assembles the trailer rewrite for the enabled options, or
// nil when no tagging is requested.
func (j *job) commitRewriter(ctx context.Context, mr *gitlab.MergeRequest, project *gitlab.Project, approvals *gitlab.Approvals) (func(string) string, error) {
	if !j.cfg.RequestsCommitTagging() {
		return nil, nil
	}

	type rule struct {
		key    string
		values []string
	}
	var rules []rule

	if j.cfg.AddReviewers && approvals != nil {
		var reviewers []string
		for _, approver := range approvals.ApproverUsers() {
			email := approver.BestEmail()
			if email == "" {
				// The list endpoint redacts emails; the single-user
				// endpoint may not, depending on bot privileges.
				full, err := j.client.GetUserByID(ctx, approver.ID)
				if err == nil {
					email = full.BestEmail()
				}
			}
			if email == "" {
				return nil, terminalError{reason: fmt.Sprintf("approver %s has no public email, which Reviewed-by trailers require", approver.Username)}
			}
			reviewers = append(reviewers, fmt.Sprintf("%s <%s>", approver.Name, email))
		}
		rules = append(rules, rule{key: "Reviewed-by", values: reviewers})
	}
	// Tested-by asserts that the exact rebased chain passed the project's
	// required pipeline, so it only holds under the rebase strategy on
	// pipeline-gated projects.
	if j.cfg.AddTested && project.OnlyAllowMergeIfPipelineSucceeds && !j.cfg.UseMergeStrategy {
		rules = append(rules, rule{key: "Tested-by", values: []string{fmt.Sprintf("%s <%s>", j.bot.Name, mr.WebURL)}})
	}
	if j.cfg.AddPartOf {
		rules = append(rules, rule{key: "Part-of", values: []string{fmt.Sprintf("<%s>", mr.WebURL)}})
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return func(message string) string {
		for _, r := range rules {
			message = trailer.Set(message, r.key, r.values)
		}
		return message
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Zero poll intervals exist only in tests; still honor cancellation.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
