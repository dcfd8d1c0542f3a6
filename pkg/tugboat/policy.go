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
	"fmt"
	"time"

	"sigs.k8s.io/tugboat/pkg/config"
	"sigs.k8s.io/tugboat/pkg/gitlab"
)

// Decision says what the policy wants done with a merge request.
type Decision int

const (
	// DecisionOk admits the merge request to the state machine.
	DecisionOk Decision = iota
	// DecisionSkip drops the merge request silently: it is not, or no
	// longer, a candidate.
	DecisionSkip
	// DecisionRejectTerminal rejects with a comment and unassigns.
	DecisionRejectTerminal
	// DecisionRejectRequeue defers: the stated condition will pass.
	DecisionRejectRequeue
)

// PolicyResult is a Decision plus the reason to surface for rejections.
type PolicyResult struct {
	Decision   Decision
	Reason     string
	RetryAfter time.Duration
}

const embargoRetryAfter = 5 * time.Minute

// policyInput bundles freshly fetched platform state for one merge
// request. TargetBranch may be nil when the branch could not be resolved.
type policyInput struct {
	cfg          *config.Config
	bot          *gitlab.User
	mr           *gitlab.MergeRequest
	project      *gitlab.Project
	approvals    *gitlab.Approvals
	targetBranch *gitlab.Branch
	now          time.Time
}

// evaluatePolicy runs the ordered eligibility checks over fresh state.
// Pure: no platform calls, no side effects.
func evaluatePolicy(in policyInput) PolicyResult {
	cfg, mr := in.cfg, in.mr

	if mr.State != gitlab.MergeRequestStateOpened {
		return PolicyResult{Decision: DecisionSkip}
	}
	if cfg.BranchRe != nil && !cfg.BranchRe.MatchString(mr.TargetBranch) {
		return PolicyResult{Decision: DecisionSkip}
	}
	if cfg.SourceBranchRe != nil && !cfg.SourceBranchRe.MatchString(mr.SourceBranch) {
		return PolicyResult{Decision: DecisionSkip}
	}
	if !mr.IsAssignedTo(in.bot.ID) {
		return PolicyResult{Decision: DecisionSkip}
	}
	if mr.IsDraft() {
		return terminal("it is marked as a draft")
	}
	if mr.Author.ID == in.bot.ID {
		return terminal("its author is the bot account, and I do not merge my own work")
	}
	if in.approvals != nil && !in.approvals.Sufficient() {
		plural := "approvals"
		if in.approvals.ApprovalsLeft == 1 {
			plural = "approval"
		}
		return terminal(fmt.Sprintf("it is missing %d %s", in.approvals.ApprovalsLeft, plural))
	}
	if in.targetBranch != nil && in.targetBranch.Protected && !in.targetBranch.DevelopersCanMerge {
		return terminal(fmt.Sprintf("the target branch %q is protected and I am not allowed to merge into it", mr.TargetBranch))
	}
	if in.project.OnlyAllowMergeIfAllDiscussionsAreResolved && !mr.BlockingDiscussionsResolved {
		return terminal("not all discussions are resolved")
	}
	if in.project.MergeMethod == gitlab.MergeMethodFF && cfg.UseMergeStrategy {
		return terminal("the project only allows fast-forward merges, which a merge commit cannot satisfy")
	}
	if mr.Squash && cfg.RequestsCommitTagging() {
		return terminal("squashing would discard the commit trailers I am configured to add")
	}
	if mr.SourceProjectID == mr.ProjectID && mr.SourceBranch == mr.TargetBranch {
		return terminal("the source and target branch are the same")
	}

	if cfg.EmbargoedBranchRe != nil && cfg.EmbargoedBranchRe.MatchString(mr.TargetBranch) {
		return deferred(fmt.Sprintf("merges into %s are embargoed", mr.TargetBranch))
	}
	if cfg.EmbargoWindows.Covers(in.now) {
		return deferred("merging is currently embargoed")
	}

	return PolicyResult{Decision: DecisionOk}
}

func terminal(reason string) PolicyResult {
	return PolicyResult{Decision: DecisionRejectTerminal, Reason: reason}
}

func deferred(reason string) PolicyResult {
	return PolicyResult{Decision: DecisionRejectRequeue, Reason: reason, RetryAfter: embargoRetryAfter}
}
