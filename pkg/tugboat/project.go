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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sigs.k8s.io/tugboat/pkg/config"
	"sigs.k8s.io/tugboat/pkg/gitlab"
)

// loopClient extends the job client with the loop-level reads.
type loopClient interface {
	platformClient
	ListAssignedMergeRequests(ctx context.Context, projectID int, assignee *gitlab.User) ([]gitlab.MergeRequest, error)
}

// maxCoolDown caps the per-MR exponential cool-down.
const maxCoolDown = 5 * time.Minute

// coolDown is the requeue backoff state of one merge request. It resets
// when the MR reaches a terminal outcome or its head moves.
type coolDown struct {
	until time.Time
	delay time.Duration
	sha   string
	// refusals counts consecutive merge-endpoint refusals.
	refusals int
}

// CandidateState is the status-endpoint view of one pooled merge request.
type CandidateState struct {
	IID          int        `json:"iid"`
	Title        string     `json:"title,omitempty"`
	TargetBranch string     `json:"target_branch,omitempty"`
	CoolingUntil *time.Time `json:"cooling_until,omitempty"`
	LastOutcome  string     `json:"last_outcome,omitempty"`
	LastReason   string     `json:"last_reason,omitempty"`
}

// PoolState is the status-endpoint view of one project loop.
type PoolState struct {
	Project    string           `json:"project"`
	Disabled   bool             `json:"disabled,omitempty"`
	LastTick   time.Time        `json:"last_tick,omitempty"`
	Candidates []CandidateState `json:"candidates,omitempty"`
}

// projectLoop serializes all merge work for one project: each tick it
// lists the assigned merge requests, skips the ones cooling down, and runs
// exactly one job.
type projectLoop struct {
	client    loopClient
	tree      worktree
	remoteFor remoteFactory
	config    config.Getter
	bot       *gitlab.User
	project   gitlab.Project
	log       *logrus.Entry
	dryRun    bool

	cool        map[int]*coolDown
	assignedAt  map[int]time.Time
	lastOutcome map[int]Outcome

	mut   sync.Mutex
	state PoolState

	// Test hooks, defaulting to the real implementations.
	runJob   func(ctx context.Context, cfg *config.Config, iid, priorRefusals int) (Outcome, error)
	runBatch func(ctx context.Context, cfg *config.Config, target string, iids []int) (map[int]Outcome, error)
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func newProjectLoop(client loopClient, tree worktree, remoteFor remoteFactory, cfg config.Getter, bot *gitlab.User, project gitlab.Project, dryRun bool) *projectLoop {
	l := &projectLoop{
		client:      client,
		tree:        tree,
		remoteFor:   remoteFor,
		config:      cfg,
		bot:         bot,
		project:     project,
		log:         logrus.WithField("project", project.PathWithNamespace),
		dryRun:      dryRun,
		cool:        map[int]*coolDown{},
		assignedAt:  map[int]time.Time{},
		lastOutcome: map[int]Outcome{},
		sleep:       sleepCtx,
		now:         time.Now,
	}
	l.state = PoolState{Project: project.PathWithNamespace}
	l.runJob = func(ctx context.Context, cfg *config.Config, iid, priorRefusals int) (Outcome, error) {
		return newJob(l.client, l.tree, l.remoteFor, cfg, l.bot, l.log, l.dryRun, l.project.ID, iid, priorRefusals).run(ctx)
	}
	l.runBatch = func(ctx context.Context, cfg *config.Config, target string, iids []int) (map[int]Outcome, error) {
		return newBatchJob(l.client, l.tree, l.remoteFor, cfg, l.bot, l.log, l.dryRun, &l.project, target).run(ctx, iids)
	}
	return l
}

// Run ticks until the context ends. A non-nil return means the loop must
// stay disabled; the supervisor restarts everything else.
func (l *projectLoop) Run(ctx context.Context) error {
	for {
		interval, err := l.tick(ctx)
		if err != nil {
			return err
		}
		if err := l.sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

func (l *projectLoop) tick(ctx context.Context) (time.Duration, error) {
	cfg := l.config()
	start := l.now()
	defer func() {
		tugboatMetrics.tickDuration.Set(l.now().Sub(start).Seconds())
	}()

	mrs, err := l.client.ListAssignedMergeRequests(ctx, l.project.ID, l.bot)
	if err != nil {
		if gitlab.IsUnauthorized(err) {
			return 0, err
		}
		l.log.WithError(err).Warn("Could not list assigned merge requests.")
		return cfg.PollInterval.Duration, nil
	}

	candidates := l.filterCandidates(cfg, mrs)
	tugboatMetrics.pooledMRs.WithLabelValues(l.project.PathWithNamespace).Set(float64(len(candidates)))
	l.prune(candidates)
	l.orderCandidates(ctx, cfg, candidates)
	l.publishState(candidates)

	ready := l.readyCandidates(candidates)
	if len(ready) == 0 {
		if len(candidates) == 0 {
			return cfg.IdleInterval.Duration, nil
		}
		return cfg.PollInterval.Duration, nil
	}

	if cfg.Batch {
		if handled, err := l.tryBatch(ctx, cfg, ready); err != nil {
			return 0, err
		} else if handled {
			return cfg.PollInterval.Duration, nil
		}
	}

	mr := ready[0]
	priorRefusals := 0
	if cd := l.cool[mr.IID]; cd != nil {
		priorRefusals = cd.refusals
	}
	out, err := l.runJob(ctx, cfg, mr.IID, priorRefusals)
	if err != nil {
		return 0, err
	}
	l.apply(cfg, mr.IID, mr.SHA, out)
	if out.Kind == OutcomeMerged {
		tugboatMetrics.merges.WithLabelValues(l.project.PathWithNamespace).Observe(1)
	}
	return cfg.PollInterval.Duration, nil
}

// tryBatch runs a batch when at least two ready candidates share a target
// branch. It reports whether anything was handled this tick.
func (l *projectLoop) tryBatch(ctx context.Context, cfg *config.Config, ready []gitlab.MergeRequest) (bool, error) {
	byTarget := map[string][]gitlab.MergeRequest{}
	for _, mr := range ready {
		byTarget[mr.TargetBranch] = append(byTarget[mr.TargetBranch], mr)
	}
	target := ""
	for _, mr := range ready {
		if len(byTarget[mr.TargetBranch]) >= 2 {
			target = mr.TargetBranch
			break
		}
	}
	if target == "" {
		return false, nil
	}

	group := byTarget[target]
	iids := make([]int, 0, len(group))
	shas := map[int]string{}
	for _, mr := range group {
		iids = append(iids, mr.IID)
		shas[mr.IID] = mr.SHA
	}
	sort.Ints(iids)

	outcomes, err := l.runBatch(ctx, cfg, target, iids)
	if err != nil {
		return false, err
	}
	mergedCount := 0
	for iid, out := range outcomes {
		l.apply(cfg, iid, shas[iid], out)
		if out.Kind == OutcomeMerged {
			mergedCount++
		}
	}
	if mergedCount > 0 {
		tugboatMetrics.merges.WithLabelValues(l.project.PathWithNamespace).Observe(float64(mergedCount))
	}
	return len(outcomes) > 0, nil
}

// filterCandidates applies the candidate-level branch filters. The policy
// re-checks them on fresh state; filtering here just avoids scheduling
// no-ops.
func (l *projectLoop) filterCandidates(cfg *config.Config, mrs []gitlab.MergeRequest) []gitlab.MergeRequest {
	var out []gitlab.MergeRequest
	for _, mr := range mrs {
		if cfg.BranchRe != nil && !cfg.BranchRe.MatchString(mr.TargetBranch) {
			continue
		}
		if cfg.SourceBranchRe != nil && !cfg.SourceBranchRe.MatchString(mr.SourceBranch) {
			continue
		}
		out = append(out, mr)
	}
	return out
}

// orderCandidates sorts the pool according to merge-order. The list
// arrives ordered by creation, which is iid order; assigned_at recovers
// the assignment time from the system notes.
func (l *projectLoop) orderCandidates(ctx context.Context, cfg *config.Config, candidates []gitlab.MergeRequest) {
	if cfg.MergeOrder != config.OrderAssignedAt {
		return
	}
	for _, mr := range candidates {
		if _, ok := l.assignedAt[mr.IID]; ok {
			continue
		}
		l.assignedAt[mr.IID] = l.fetchAssignedAt(ctx, mr)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return l.assignedAt[candidates[i].IID].Before(l.assignedAt[candidates[j].IID])
	})
}

// fetchAssignedAt finds the newest system note recording an assignment to
// the bot. MRs assigned before the bot could see them fall back to their
// creation time.
func (l *projectLoop) fetchAssignedAt(ctx context.Context, mr gitlab.MergeRequest) time.Time {
	notes, err := l.client.ListMergeRequestNotes(ctx, l.project.ID, mr.IID)
	if err != nil {
		l.log.WithError(err).WithField("mr", mr.IID).Debug("Could not fetch notes for assigned_at ordering.")
		return mr.CreatedAt
	}
	needle := "assigned to @" + l.bot.Username
	for _, note := range notes {
		// Notes arrive newest first; the first match is the last
		// assignment.
		if note.System && strings.Contains(note.Body, needle) {
			return note.CreatedAt
		}
	}
	return mr.CreatedAt
}

// readyCandidates drops the ones still cooling down. A head that moved
// since the requeue resets the cool-down: the MR changed, so the reason
// for waiting is gone.
func (l *projectLoop) readyCandidates(candidates []gitlab.MergeRequest) []gitlab.MergeRequest {
	now := l.now()
	var ready []gitlab.MergeRequest
	for _, mr := range candidates {
		if cd := l.cool[mr.IID]; cd != nil {
			if cd.sha != mr.SHA {
				delete(l.cool, mr.IID)
			} else if now.Before(cd.until) {
				continue
			}
		}
		ready = append(ready, mr)
	}
	return ready
}

// apply records a job outcome and maintains the cool-down state.
func (l *projectLoop) apply(cfg *config.Config, iid int, sha string, out Outcome) {
	l.lastOutcome[iid] = out
	tugboatMetrics.outcomes.WithLabelValues(l.project.PathWithNamespace, string(out.Kind)).Inc()
	entry := l.log.WithField("mr", iid).WithField("outcome", out.Kind)
	if out.Reason != "" {
		entry = entry.WithField("reason", out.Reason)
	}
	entry.Info("Job finished.")

	if out.Kind != OutcomeRequeue {
		delete(l.cool, iid)
		return
	}
	cd := l.cool[iid]
	if cd == nil {
		cd = &coolDown{}
		l.cool[iid] = cd
	}
	if cd.delay == 0 {
		cd.delay = cfg.PollInterval.Duration
	} else {
		cd.delay *= 2
	}
	if cd.delay > maxCoolDown {
		cd.delay = maxCoolDown
	}
	delay := cd.delay
	if out.Delay > delay {
		delay = out.Delay
	}
	cd.until = l.now().Add(delay)
	cd.sha = sha
	if out.refused {
		cd.refusals++
	} else {
		cd.refusals = 0
	}
}

// prune forgets state for merge requests that left the pool.
func (l *projectLoop) prune(candidates []gitlab.MergeRequest) {
	current := map[int]bool{}
	for _, mr := range candidates {
		current[mr.IID] = true
	}
	for iid := range l.cool {
		if !current[iid] {
			delete(l.cool, iid)
		}
	}
	for iid := range l.assignedAt {
		if !current[iid] {
			delete(l.assignedAt, iid)
		}
	}
	for iid := range l.lastOutcome {
		if !current[iid] {
			delete(l.lastOutcome, iid)
		}
	}
}

func (l *projectLoop) publishState(candidates []gitlab.MergeRequest) {
	states := make([]CandidateState, 0, len(candidates))
	for _, mr := range candidates {
		state := CandidateState{IID: mr.IID, Title: mr.Title, TargetBranch: mr.TargetBranch}
		if cd := l.cool[mr.IID]; cd != nil {
			until := cd.until
			state.CoolingUntil = &until
		}
		if out, ok := l.lastOutcome[mr.IID]; ok {
			state.LastOutcome = string(out.Kind)
			state.LastReason = out.Reason
		}
		states = append(states, state)
	}
	l.mut.Lock()
	defer l.mut.Unlock()
	l.state.LastTick = l.now()
	l.state.Candidates = states
}

// Snapshot returns a copy of the pool state for the status endpoint.
func (l *projectLoop) Snapshot() PoolState {
	l.mut.Lock()
	defer l.mut.Unlock()
	snapshot := l.state
	snapshot.Candidates = append([]CandidateState(nil), l.state.Candidates...)
	return snapshot
}
