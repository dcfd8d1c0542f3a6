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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"sigs.k8s.io/tugboat/pkg/config"
	"sigs.k8s.io/tugboat/pkg/gitlab"
	"sigs.k8s.io/tugboat/pkg/gitlab/fakegitlab"
)

func newLoopFixture() (*fakegitlab.FakeClient, *projectLoop) {
	fc := fakegitlab.NewFakeClient()
	fc.Bot = gitlab.User{ID: 7, Username: "tugboat", Name: "Tugboat"}
	fc.Projects[1] = gitlab.Project{ID: 1, PathWithNamespace: "group/repo"}
	l := newProjectLoop(fc, newFakeTree(), testRemoteFor, func() *config.Config { return testConfig(nil) }, &fc.Bot, fc.Projects[1], false)
	l.log = quietLogger()
	return fc, l
}

func assignedMR(iid int, target string, createdAt time.Time) *gitlab.MergeRequest {
	return &gitlab.MergeRequest{
		IID:          iid,
		ProjectID:    1,
		Title:        "Change",
		State:        gitlab.MergeRequestStateOpened,
		SourceBranch: "feat",
		TargetBranch: target,
		SHA:          "abc",
		Assignee:     &gitlab.User{ID: 7},
		CreatedAt:    createdAt,
	}
}

func TestApplyCoolDownDoublesAndCaps(t *testing.T) {
	_, l := newLoopFixture()
	cfg := testConfig(nil)
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	expectedDelays := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, expected := range expectedDelays {
		l.apply(cfg, 5, "abc", requeue("not yet"))
		cd := l.cool[5]
		if cd == nil {
			t.Fatalf("requeue %d left no cool-down", i)
		}
		if cd.delay != expected {
			t.Fatalf("requeue %d: expected delay %v, got %v", i, expected, cd.delay)
		}
		if expectedUntil := now.Add(expected); !cd.until.Equal(expectedUntil) {
			t.Errorf("requeue %d: expected until %v, got %v", i, expectedUntil, cd.until)
		}
	}

	l.apply(cfg, 5, "abc", merged())
	if _, ok := l.cool[5]; ok {
		t.Error("a terminal outcome must clear the cool-down")
	}
}

func TestApplyHonorsTheDelayHint(t *testing.T) {
	_, l := newLoopFixture()
	cfg := testConfig(nil)
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.apply(cfg, 5, "abc", requeueAfter("embargoed", embargoRetryAfter))
	cd := l.cool[5]
	if expectedUntil := now.Add(embargoRetryAfter); !cd.until.Equal(expectedUntil) {
		t.Errorf("expected the hint to win, until %v, got %v", expectedUntil, cd.until)
	}
	// The exponential ladder still starts from the poll interval.
	if cd.delay != cfg.PollInterval.Duration {
		t.Errorf("expected the ladder at %v, got %v", cfg.PollInterval.Duration, cd.delay)
	}
}

func TestApplyCountsConsecutiveRefusals(t *testing.T) {
	_, l := newLoopFixture()
	cfg := testConfig(nil)

	refused := requeue("merge refused")
	refused.refused = true
	l.apply(cfg, 5, "abc", refused)
	l.apply(cfg, 5, "abc", refused)
	if got := l.cool[5].refusals; got != 2 {
		t.Fatalf("expected 2 refusals, got %d", got)
	}
	l.apply(cfg, 5, "abc", requeue("something else"))
	if got := l.cool[5].refusals; got != 0 {
		t.Errorf("a non-refusal requeue must reset the count, got %d", got)
	}
}

func TestReadyCandidatesRespectsTheCoolDown(t *testing.T) {
	_, l := newLoopFixture()
	now := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.cool[5] = &coolDown{until: now.Add(time.Minute), delay: time.Minute, sha: "abc"}

	cooling := *assignedMR(5, "main", now)
	if ready := l.readyCandidates([]gitlab.MergeRequest{cooling}); len(ready) != 0 {
		t.Errorf("expected the cooling candidate to be held back, got %v", ready)
	}

	// A new head means the merge request changed; the wait is over.
	moved := cooling
	moved.SHA = "def"
	ready := l.readyCandidates([]gitlab.MergeRequest{moved})
	if len(ready) != 1 {
		t.Fatalf("expected the moved candidate to be ready, got %v", ready)
	}
	if _, ok := l.cool[5]; ok {
		t.Error("a moved head must clear the cool-down")
	}
}

func TestTickRunsTheOldestAssignment(t *testing.T) {
	fc, l := newLoopFixture()
	base := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	fc.MergeRequests[1] = assignedMR(1, "main", base.Add(-3*time.Hour))
	fc.MergeRequests[2] = assignedMR(2, "main", base.Add(-2*time.Hour))
	// MR 1 was created first but assigned last.
	fc.Notes[1] = []gitlab.Note{{ID: 10, System: true, Body: "assigned to @tugboat", CreatedAt: base.Add(-time.Hour)}}
	fc.Notes[2] = []gitlab.Note{{ID: 20, System: true, Body: "assigned to @tugboat", CreatedAt: base.Add(-2 * time.Hour)}}

	cfg := testConfig(func(c *config.Config) { c.MergeOrder = config.OrderAssignedAt })
	l.config = func() *config.Config { return cfg }

	var ran []int
	l.runJob = func(_ context.Context, _ *config.Config, iid, _ int) (Outcome, error) {
		ran = append(ran, iid)
		return merged(), nil
	}

	if _, err := l.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]int{2}, ran); diff != "" {
		t.Errorf("expected the oldest assignment to run first: %s", diff)
	}
}

func TestTickPassesPriorRefusals(t *testing.T) {
	fc, l := newLoopFixture()
	fc.MergeRequests[5] = assignedMR(5, "main", time.Now().Add(-time.Hour))
	l.cool[5] = &coolDown{sha: "abc", refusals: 2}

	var got int
	l.runJob = func(_ context.Context, _ *config.Config, _ int, priorRefusals int) (Outcome, error) {
		got = priorRefusals
		return merged(), nil
	}
	if _, err := l.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2 {
		t.Errorf("expected 2 prior refusals to reach the job, got %d", got)
	}
}

func TestTickBatchesSharedTargets(t *testing.T) {
	fc, l := newLoopFixture()
	now := time.Now()
	fc.MergeRequests[1] = assignedMR(1, "main", now.Add(-3*time.Hour))
	fc.MergeRequests[2] = assignedMR(2, "dev", now.Add(-2*time.Hour))
	fc.MergeRequests[3] = assignedMR(3, "main", now.Add(-time.Hour))

	cfg := testConfig(func(c *config.Config) { c.Batch = true })
	l.config = func() *config.Config { return cfg }

	jobRan := false
	l.runJob = func(_ context.Context, _ *config.Config, _, _ int) (Outcome, error) {
		jobRan = true
		return merged(), nil
	}
	var batchTarget string
	var batchIIDs []int
	l.runBatch = func(_ context.Context, _ *config.Config, target string, iids []int) (map[int]Outcome, error) {
		batchTarget = target
		batchIIDs = iids
		return map[int]Outcome{1: merged(), 3: merged()}, nil
	}

	if _, err := l.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batchTarget != "main" {
		t.Errorf("expected the batch on main, got %q", batchTarget)
	}
	if diff := cmp.Diff([]int{1, 3}, batchIIDs); diff != "" {
		t.Errorf("batch membership differs: %s", diff)
	}
	if jobRan {
		t.Error("a handled batch must absorb the tick; no single job expected")
	}
}

func TestTickUnauthorizedStopsTheLoop(t *testing.T) {
	fc, l := newLoopFixture()
	fc.ListError = gitlab.UnauthorizedError{Status: 403, Message: "forbidden"}

	_, err := l.tick(context.Background())
	if !gitlab.IsUnauthorized(err) {
		t.Fatalf("expected an unauthorized error, got %v", err)
	}
}

func TestTickIntervals(t *testing.T) {
	fc, l := newLoopFixture()
	cfg := testConfig(nil)
	l.config = func() *config.Config { return cfg }

	// Nothing assigned: the loop slows down to the idle interval.
	interval, err := l.tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if interval != cfg.IdleInterval.Duration {
		t.Errorf("expected the idle interval %v, got %v", cfg.IdleInterval.Duration, interval)
	}

	// Everything cooling: poll at the regular cadence.
	now := time.Now()
	fc.MergeRequests[5] = assignedMR(5, "main", now.Add(-time.Hour))
	l.cool[5] = &coolDown{until: now.Add(time.Hour), delay: time.Minute, sha: "abc"}
	interval, err = l.tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if interval != cfg.PollInterval.Duration {
		t.Errorf("expected the poll interval %v, got %v", cfg.PollInterval.Duration, interval)
	}
}

// mergesHistogram reads the merges histogram for the fixture project from
// the default registry.
func mergesHistogram(t *testing.T) (uint64, float64) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "merges" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "project" && label.GetValue() == "group/repo" {
					return metric.GetHistogram().GetSampleCount(), metric.GetHistogram().GetSampleSum()
				}
			}
		}
	}
	return 0, 0
}

func TestTickObservesSingleMerges(t *testing.T) {
	fc, l := newLoopFixture()
	fc.MergeRequests[5] = assignedMR(5, "main", time.Now().Add(-time.Hour))
	l.runJob = func(_ context.Context, _ *config.Config, _, _ int) (Outcome, error) {
		return merged(), nil
	}

	countBefore, sumBefore := mergesHistogram(t)
	if _, err := l.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	countAfter, sumAfter := mergesHistogram(t)

	if countAfter != countBefore+1 {
		t.Errorf("expected one more merge sample, went from %d to %d", countBefore, countAfter)
	}
	if sumAfter != sumBefore+1 {
		t.Errorf("a single merge must observe a 1-sample, sum went from %v to %v", sumBefore, sumAfter)
	}
}

func TestSnapshotReflectsTheTick(t *testing.T) {
	fc, l := newLoopFixture()
	fc.MergeRequests[5] = assignedMR(5, "main", time.Now().Add(-time.Hour))
	l.runJob = func(_ context.Context, _ *config.Config, _, _ int) (Outcome, error) {
		return requeue("not yet"), nil
	}

	if _, err := l.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The outcome of this tick shows up on the next one.
	if _, err := l.tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state := l.Snapshot()
	if state.Project != "group/repo" {
		t.Errorf("expected the project path, got %q", state.Project)
	}
	if len(state.Candidates) != 1 {
		t.Fatalf("expected one candidate, got %+v", state.Candidates)
	}
	candidate := state.Candidates[0]
	if candidate.IID != 5 || candidate.LastOutcome != string(OutcomeRequeue) || candidate.LastReason != "not yet" {
		t.Errorf("unexpected candidate state: %+v", candidate)
	}
	if candidate.CoolingUntil == nil {
		t.Error("a requeued candidate must expose its cool-down")
	}
}
