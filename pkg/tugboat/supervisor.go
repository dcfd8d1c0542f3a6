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
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sigs.k8s.io/tugboat/pkg/config"
	"sigs.k8s.io/tugboat/pkg/git"
	"sigs.k8s.io/tugboat/pkg/gitlab"
)

// supervisorClient is the subset of the API client the supervisor itself
// uses; the loops it spawns need loopClient.
type supervisorClient interface {
	loopClient
	BotUser(ctx context.Context) (*gitlab.User, error)
	ListProjects(ctx context.Context, minAccessLevel gitlab.AccessLevel) ([]gitlab.Project, error)
}

// TreeProvider hands out the worktree for a project, cloning on first use.
type TreeProvider func(ctx context.Context, project *gitlab.Project) (worktree, error)

// GitTreeProvider adapts a git client into a TreeProvider, keying the
// clones by project path.
func GitTreeProvider(client *git.Client, remoteFor func(*gitlab.Project) git.RemoteResolver) TreeProvider {
	return func(ctx context.Context, project *gitlab.Project) (worktree, error) {
		return client.WorktreeFor(ctx, project.PathWithNamespace, remoteFor(project))
	}
}

const (
	defaultRescanInterval = 10 * time.Minute
	restartBackoffBase    = time.Second
	restartBackoffCap     = 5 * time.Minute
	// A loop that survived this long ran healthily; its next crash starts
	// the backoff ladder over.
	healthyRunThreshold = time.Minute
)

// Supervisor discovers the projects the bot can merge on and runs one
// project loop per project. Crashed loops restart with backoff;
// unauthorized loops stay disabled. It also serves the pool state as JSON.
type Supervisor struct {
	client    supervisorClient
	treeFor   TreeProvider
	remoteFor remoteFactory
	config    config.Getter
	log       *logrus.Entry
	dryRun    bool

	rescanInterval time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time

	mut   sync.Mutex
	bot   *gitlab.User
	loops map[int]*loopHandle
	wg    sync.WaitGroup
}

type loopHandle struct {
	project gitlab.Project

	mut      sync.Mutex
	loop     *projectLoop
	disabled bool
}

func (h *loopHandle) setLoop(l *projectLoop) {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.loop = l
}

func (h *loopHandle) snapshot() PoolState {
	h.mut.Lock()
	defer h.mut.Unlock()
	if h.loop == nil {
		return PoolState{Project: h.project.PathWithNamespace, Disabled: h.disabled}
	}
	state := h.loop.Snapshot()
	state.Disabled = h.disabled
	return state
}

func (h *loopHandle) disable() {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.disabled = true
}

// NewSupervisor wires a supervisor. The config getter is read on every
// tick so hot reloads apply without restarts.
func NewSupervisor(client supervisorClient, treeFor TreeProvider, remoteFor remoteFactory, cfg config.Getter, dryRun bool) *Supervisor {
	return &Supervisor{
		client:         client,
		treeFor:        treeFor,
		remoteFor:      remoteFor,
		config:         cfg,
		log:            logrus.WithField("component", "supervisor"),
		dryRun:         dryRun,
		rescanInterval: defaultRescanInterval,
		sleep:          sleepCtx,
		now:            time.Now,
		loops:          map[int]*loopHandle{},
	}
}

// Run resolves the bot user, then scans for projects until the context
// ends, spawning a loop per new project. It returns an error only for
// fatal startup problems; once the first scan succeeded, it runs until
// cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	bot, err := s.client.BotUser(ctx)
	if err != nil {
		return fmt.Errorf("resolving the bot user: %w", err)
	}
	s.mut.Lock()
	s.bot = bot
	s.mut.Unlock()
	s.log.WithField("user", bot.Username).Info("Running as the resolved bot user.")

	if err := s.scan(ctx); err != nil {
		return fmt.Errorf("listing projects: %w", err)
	}
	for {
		if err := s.sleep(ctx, s.rescanInterval); err != nil {
			break
		}
		// Later scans are best-effort; a flaky platform must not take
		// down loops that are already running.
		if err := s.scan(ctx); err != nil {
			s.log.WithError(err).Warn("Project rescan failed.")
		}
	}
	s.wg.Wait()
	return nil
}

// scan lists the projects the bot holds at least Developer on and starts
// loops for new ones matching the include filter.
func (s *Supervisor) scan(ctx context.Context) error {
	projects, err := s.client.ListProjects(ctx, gitlab.Developer)
	if err != nil {
		return err
	}
	cfg := s.config()
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, project := range projects {
		if cfg.ProjectRe != nil && !cfg.ProjectRe.MatchString(project.PathWithNamespace) {
			continue
		}
		if _, running := s.loops[project.ID]; running {
			continue
		}
		handle := &loopHandle{project: project}
		s.loops[project.ID] = handle
		s.wg.Add(1)
		go s.runLoop(ctx, handle)
	}
	return nil
}

// runLoop keeps one project loop alive: transient crashes restart with
// exponential backoff, authorization failures disable the loop for good.
func (s *Supervisor) runLoop(ctx context.Context, handle *loopHandle) {
	defer s.wg.Done()
	log := s.log.WithField("project", handle.project.PathWithNamespace)
	backoff := restartBackoffBase
	for {
		start := s.now()
		err := s.runLoopOnce(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		if gitlab.IsUnauthorized(err) {
			log.WithError(err).Warn("Not authorized on this project; disabling its loop.")
			handle.disable()
			return
		}
		if s.now().Sub(start) >= healthyRunThreshold {
			backoff = restartBackoffBase
		}
		log.WithError(err).WithField("backoff", backoff.String()).Error("Project loop failed; restarting.")
		if s.sleep(ctx, backoff) != nil {
			return
		}
		if backoff *= 2; backoff > restartBackoffCap {
			backoff = restartBackoffCap
		}
	}
}

func (s *Supervisor) runLoopOnce(ctx context.Context, handle *loopHandle) error {
	tree, err := s.treeFor(ctx, &handle.project)
	if err != nil {
		return fmt.Errorf("preparing the worktree: %w", err)
	}
	s.mut.Lock()
	bot := s.bot
	s.mut.Unlock()
	loop := newProjectLoop(s.client, tree, s.remoteFor, s.config, bot, handle.project, s.dryRun)
	handle.setLoop(loop)
	return loop.Run(ctx)
}

// ServeHTTP serves the pool state of every project as JSON.
func (s *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mut.Lock()
	handles := make([]*loopHandle, 0, len(s.loops))
	for _, handle := range s.loops {
		handles = append(handles, handle)
	}
	s.mut.Unlock()

	states := make([]PoolState, 0, len(handles))
	for _, handle := range handles {
		states = append(states, handle.snapshot())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Project < states[j].Project })

	b, err := json.Marshal(states)
	if err != nil {
		s.log.WithError(err).Error("Encoding JSON.")
		b = []byte("[]")
	}
	if _, err = w.Write(b); err != nil {
		s.log.WithError(err).Error("Writing JSON response.")
	}
}
