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
	"regexp"
	"strings"
	"testing"
	"time"

	"sigs.k8s.io/tugboat/pkg/embargo"
	"sigs.k8s.io/tugboat/pkg/gitlab"
)

func TestEvaluatePolicy(t *testing.T) {
	bot := &gitlab.User{ID: 7, Username: "tugboat", Name: "Tugboat"}
	// A Wednesday at noon, outside of any weekend window.
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)

	baseInput := func() policyInput {
		return policyInput{
			cfg: testConfig(nil),
			bot: bot,
			mr: &gitlab.MergeRequest{
				IID:                         5,
				ProjectID:                   1,
				SourceProjectID:             1,
				State:                       gitlab.MergeRequestStateOpened,
				SourceBranch:                "feat",
				TargetBranch:                "main",
				SHA:                         "abc123",
				Author:                      gitlab.User{ID: 2, Username: "alice"},
				Assignee:                    &gitlab.User{ID: 7},
				BlockingDiscussionsResolved: true,
			},
			project:   &gitlab.Project{ID: 1, MergeMethod: gitlab.MergeMethodMerge},
			approvals: &gitlab.Approvals{},
			now:       now,
		}
	}

	weekend, err := embargo.Parse([]string{"Fri 18:00 - Mon 09:00 UTC"})
	if err != nil {
		t.Fatalf("parsing the weekend embargo: %v", err)
	}

	testCases := []struct {
		name string
		mod  func(*policyInput)

		expectedDecision Decision
		expectedReason   string
	}{
		{
			name:             "eligible merge request is admitted",
			mod:              func(in *policyInput) {},
			expectedDecision: DecisionOk,
		},
		{
			name: "merged merge request is skipped",
			mod: func(in *policyInput) {
				in.mr.State = gitlab.MergeRequestStateMerged
			},
			expectedDecision: DecisionSkip,
		},
		{
			name: "target branch outside the filter is skipped",
			mod: func(in *policyInput) {
				in.cfg.BranchRe = regexp.MustCompile(`^release-`)
			},
			expectedDecision: DecisionSkip,
		},
		{
			name: "source branch outside the filter is skipped",
			mod: func(in *policyInput) {
				in.cfg.SourceBranchRe = regexp.MustCompile(`^dependabot/`)
			},
			expectedDecision: DecisionSkip,
		},
		{
			name: "unassigned merge request is skipped",
			mod: func(in *policyInput) {
				in.mr.Assignee = &gitlab.User{ID: 2}
			},
			expectedDecision: DecisionSkip,
		},
		{
			name: "assignment via the assignees list counts",
			mod: func(in *policyInput) {
				in.mr.Assignee = nil
				in.mr.Assignees = []gitlab.User{{ID: 2}, {ID: 7}}
			},
			expectedDecision: DecisionOk,
		},
		{
			name: "draft is rejected",
			mod: func(in *policyInput) {
				in.mr.Draft = true
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "draft",
		},
		{
			name: "legacy work_in_progress flag counts as draft",
			mod: func(in *policyInput) {
				in.mr.WorkInProgress = true
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "draft",
		},
		{
			name: "the bot's own merge request is rejected",
			mod: func(in *policyInput) {
				in.mr.Author = *in.bot
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "my own work",
		},
		{
			name: "one missing approval is rejected in the singular",
			mod: func(in *policyInput) {
				in.approvals = &gitlab.Approvals{ApprovalsLeft: 1}
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "missing 1 approval",
		},
		{
			name: "several missing approvals are rejected in the plural",
			mod: func(in *policyInput) {
				in.approvals = &gitlab.Approvals{ApprovalsLeft: 2}
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "missing 2 approvals",
		},
		{
			name: "protected target branch without merge rights is rejected",
			mod: func(in *policyInput) {
				in.targetBranch = &gitlab.Branch{Name: "main", Protected: true}
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "protected",
		},
		{
			name: "protected branch with developer merge rights is fine",
			mod: func(in *policyInput) {
				in.targetBranch = &gitlab.Branch{Name: "main", Protected: true, DevelopersCanMerge: true}
			},
			expectedDecision: DecisionOk,
		},
		{
			name: "unresolved discussions are rejected when the project requires them resolved",
			mod: func(in *policyInput) {
				in.project.OnlyAllowMergeIfAllDiscussionsAreResolved = true
				in.mr.BlockingDiscussionsResolved = false
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "discussions",
		},
		{
			name: "merge strategy on a fast-forward-only project is rejected",
			mod: func(in *policyInput) {
				in.project.MergeMethod = gitlab.MergeMethodFF
				in.cfg.UseMergeStrategy = true
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "fast-forward",
		},
		{
			name: "squash with trailer tagging is rejected",
			mod: func(in *policyInput) {
				in.mr.Squash = true
				in.cfg.AddPartOf = true
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "squashing would discard",
		},
		{
			name: "squash without trailer tagging is fine",
			mod: func(in *policyInput) {
				in.mr.Squash = true
			},
			expectedDecision: DecisionOk,
		},
		{
			name: "source equals target is rejected",
			mod: func(in *policyInput) {
				in.mr.SourceBranch = "main"
			},
			expectedDecision: DecisionRejectTerminal,
			expectedReason:   "the same",
		},
		{
			name: "embargoed target branch is deferred",
			mod: func(in *policyInput) {
				in.cfg.EmbargoedBranchRe = regexp.MustCompile(`^main$`)
			},
			expectedDecision: DecisionRejectRequeue,
			expectedReason:   "embargoed",
		},
		{
			name: "inside an embargo window merging is deferred",
			mod: func(in *policyInput) {
				in.cfg.EmbargoWindows = weekend
				// Saturday noon.
				in.now = time.Date(2024, 5, 18, 12, 0, 0, 0, time.UTC)
			},
			expectedDecision: DecisionRejectRequeue,
			expectedReason:   "embargoed",
		},
		{
			name: "outside the embargo window merging proceeds",
			mod: func(in *policyInput) {
				in.cfg.EmbargoWindows = weekend
			},
			expectedDecision: DecisionOk,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInput()
			tc.mod(&in)
			result := evaluatePolicy(in)
			if result.Decision != tc.expectedDecision {
				t.Fatalf("expected decision %v, got %v (reason %q)", tc.expectedDecision, result.Decision, result.Reason)
			}
			if tc.expectedReason != "" && !strings.Contains(result.Reason, tc.expectedReason) {
				t.Errorf("expected the reason to mention %q, got %q", tc.expectedReason, result.Reason)
			}
			if result.Decision == DecisionRejectRequeue && result.RetryAfter <= 0 {
				t.Errorf("deferred decisions must carry a retry delay, got %v", result.RetryAfter)
			}
		})
	}
}
