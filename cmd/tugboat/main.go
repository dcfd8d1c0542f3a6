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

// Tugboat merges the merge requests assigned to it: it rebases them onto
// their target, waits for CI, and only then lets the platform merge,
// keeping every target branch green.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"sigs.k8s.io/tugboat/pkg/config"
	"sigs.k8s.io/tugboat/pkg/config/secret"
	"sigs.k8s.io/tugboat/pkg/flagutil"
	"sigs.k8s.io/tugboat/pkg/git"
	"sigs.k8s.io/tugboat/pkg/gitlab"
	"sigs.k8s.io/tugboat/pkg/interrupts"
	"sigs.k8s.io/tugboat/pkg/logrusutil"
	"sigs.k8s.io/tugboat/pkg/metrics"
	"sigs.k8s.io/tugboat/pkg/tugboat"
)

const envPrefix = "TUGBOAT"

type options struct {
	configPath  string
	port        int
	metricsPort int
	gracePeriod time.Duration
	dryRun      bool

	gitlab flagutil.GitLabOptions
	git    flagutil.GitOptions
	policy policyFlags
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	var o options
	fs.StringVar(&o.configPath, "config", "", "Path to the merge policy YAML, hot-reloaded on change. Every key is also a flag and a "+envPrefix+"_* environment variable; explicit flags win.")
	fs.IntVar(&o.port, "port", 8888, "Port for the merge pool status endpoint.")
	fs.IntVar(&o.metricsPort, "metrics-port", 9090, "Port for the Prometheus metrics endpoint.")
	fs.DurationVar(&o.gracePeriod, "grace-period", 30*time.Second, "On shutdown, how long to wait for open connections to finish.")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Log the merges that would happen without pushing or mutating anything on the platform.")
	o.gitlab.AddFlags(fs)
	o.git.AddFlags(fs)
	o.policy.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		logrus.WithError(err).Fatal("Invalid flags")
	}
	if err := flagutil.ApplyEnv(fs, envPrefix); err != nil {
		logrus.WithError(err).Fatal("Invalid environment overrides")
	}
	// Environment overrides count as set; ApplyEnv went through fs.Set.
	o.policy.set = sets.NewString()
	fs.Visit(func(f *flag.Flag) { o.policy.set.Insert(f.Name) })
	return o
}

func (o *options) Validate() error {
	var errs []error
	if err := o.gitlab.Validate(o.dryRun); err != nil {
		errs = append(errs, err)
	}
	if err := o.git.Validate(o.dryRun); err != nil {
		errs = append(errs, err)
	}
	if o.port == o.metricsPort {
		errs = append(errs, errors.New("--port and --metrics-port must differ"))
	}
	for name, port := range map[string]int{"--port": o.port, "--metrics-port": o.metricsPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s must be a valid port, got %d", name, port))
		}
	}
	return utilerrors.NewAggregate(errs)
}

// policyFlags mirrors every config key as a flag so small deployments can
// run without a config file. Only flags that were explicitly set (on the
// command line or through the environment) override the file.
type policyFlags struct {
	overrides  config.Config
	mergeOrder string
	embargo    flagutil.Strings
	set        sets.String
}

func (p *policyFlags) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&p.overrides.ProjectRegexp, "project-regexp", ".*", "Only consider projects whose full path matches this regexp.")
	fs.StringVar(&p.overrides.BranchRegexp, "branch-regexp", ".*", "Only consider merge requests whose target branch matches this regexp.")
	fs.StringVar(&p.overrides.SourceBranchRegexp, "source-branch-regexp", ".*", "Only consider merge requests whose source branch matches this regexp.")
	fs.StringVar(&p.mergeOrder, "merge-order", string(config.OrderCreatedAt), "Order in which assigned merge requests are attempted: created_at or assigned_at.")
	fs.BoolVar(&p.overrides.AddTested, "add-tested", false, "Append Tested-by trailers to rebased commits on projects that gate on CI.")
	fs.BoolVar(&p.overrides.AddReviewers, "add-reviewers", false, "Append Reviewed-by trailers from the current approvers.")
	fs.BoolVar(&p.overrides.AddPartOf, "add-part-of", false, "Append a Part-of trailer with the merge request URL.")
	fs.BoolVar(&p.overrides.ImpersonateApprovers, "impersonate-approvers", false, "Re-approve via sudo after a push reset the approvals. Requires admin.")
	fs.DurationVar(&p.overrides.ApprovalResetTimeout.Duration, "approval-reset-timeout", 0, "How long to wait for the platform to reset approvals after a push.")
	fs.Var(&p.embargo, "embargo", "Merge window during which the bot must not merge, e.g. 'Fri 18:00 - Mon 09:00 UTC'. Repeatable.")
	fs.StringVar(&p.overrides.EmbargoedBranchesRegexp, "embargoed-branches-regexp", "", "Never merge into target branches matching this regexp.")
	fs.DurationVar(&p.overrides.CITimeout.Duration, "ci-timeout", 15*time.Minute, "Bound on the wait for a pipeline on the pushed head.")
	fs.BoolVar(&p.overrides.RequireSuccessfulCI, "require-successful-ci", false, "Wait for CI even on projects that do not require a green pipeline.")
	fs.BoolVar(&p.overrides.UseMergeStrategy, "use-merge-strategy", false, "Merge the target into the source instead of rebasing the source onto the target.")
	fs.BoolVar(&p.overrides.RebaseRemotely, "rebase-remotely", false, "Ask the platform to rebase instead of doing it in the local worktree.")
	fs.BoolVar(&p.overrides.Batch, "batch", false, "Pre-merge several merge requests onto a scratch branch so one CI run validates them together.")
	fs.StringVar(&p.overrides.BatchBranchPrefix, "batch-branch-prefix", "batch/", "Prefix namespacing the scratch branches of batches.")
	fs.BoolVar(&p.overrides.SkipCIBatches, "skip-ci-batches", false, "Push batch branches with ci.skip and trust the per-MR pipelines instead.")
	fs.BoolVar(&p.overrides.GuaranteeFinalPipeline, "guarantee-final-pipeline", false, "Never skip the CI wait, even when the branch did not change.")
	fs.DurationVar(&p.overrides.PollInterval.Duration, "poll-interval", 30*time.Second, "Cadence of a project loop with work pending.")
	fs.DurationVar(&p.overrides.IdleInterval.Duration, "idle-interval", time.Minute, "Cadence of a project loop with nothing assigned.")
}

// apply copies the explicitly set keys onto c and re-finalizes it.
func (p *policyFlags) apply(c *config.Config) error {
	for _, name := range p.set.List() {
		switch name {
		case "project-regexp":
			c.ProjectRegexp = p.overrides.ProjectRegexp
		case "branch-regexp":
			c.BranchRegexp = p.overrides.BranchRegexp
		case "source-branch-regexp":
			c.SourceBranchRegexp = p.overrides.SourceBranchRegexp
		case "merge-order":
			c.MergeOrder = config.MergeOrder(p.mergeOrder)
		case "add-tested":
			c.AddTested = p.overrides.AddTested
		case "add-reviewers":
			c.AddReviewers = p.overrides.AddReviewers
		case "add-part-of":
			c.AddPartOf = p.overrides.AddPartOf
		case "impersonate-approvers":
			c.ImpersonateApprovers = p.overrides.ImpersonateApprovers
		case "approval-reset-timeout":
			c.ApprovalResetTimeout = p.overrides.ApprovalResetTimeout
		case "embargo":
			c.Embargo = p.embargo.Strings()
		case "embargoed-branches-regexp":
			c.EmbargoedBranchesRegexp = p.overrides.EmbargoedBranchesRegexp
		case "ci-timeout":
			c.CITimeout = p.overrides.CITimeout
		case "require-successful-ci":
			c.RequireSuccessfulCI = p.overrides.RequireSuccessfulCI
		case "use-merge-strategy":
			c.UseMergeStrategy = p.overrides.UseMergeStrategy
		case "rebase-remotely":
			c.RebaseRemotely = p.overrides.RebaseRemotely
		case "batch":
			c.Batch = p.overrides.Batch
		case "batch-branch-prefix":
			c.BatchBranchPrefix = p.overrides.BatchBranchPrefix
		case "skip-ci-batches":
			c.SkipCIBatches = p.overrides.SkipCIBatches
		case "guarantee-final-pipeline":
			c.GuaranteeFinalPipeline = p.overrides.GuaranteeFinalPipeline
		case "poll-interval":
			c.PollInterval = p.overrides.PollInterval
		case "idle-interval":
			c.IdleInterval = p.overrides.IdleInterval
		}
	}
	return c.Finalize()
}

// effectiveConfig layers the policy flags over whatever the agent last
// loaded. The merged value is cached per loaded config so the hot path
// does not re-finalize on every read.
type effectiveConfig struct {
	agent *config.Agent
	flags *policyFlags

	mut    sync.Mutex
	base   *config.Config
	merged *config.Config
}

func (e *effectiveConfig) get() *config.Config {
	base := e.agent.Config()
	e.mut.Lock()
	defer e.mut.Unlock()
	if base == e.base && e.merged != nil {
		return e.merged
	}
	merged := *base
	if err := e.flags.apply(&merged); err != nil {
		// A reload made the flag overrides inconsistent. Keep merging on
		// the last good config rather than dropping the overrides.
		logrus.WithError(err).Error("Flag overrides no longer apply to the reloaded config; keeping the previous one.")
		return e.merged
	}
	e.base, e.merged = base, &merged
	return e.merged
}

// enableCensoring rewraps the active formatter so every secret the agent
// knows about is scrubbed from log output.
func enableCensoring() {
	logrus.SetFormatter(logrusutil.NewCensoringFormatter(logrus.StandardLogger().Formatter, secret.GetSecrets))
}

func main() {
	logrusutil.ComponentInit()

	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options")
	}

	defer interrupts.WaitForGracefulShutdown()

	configAgent := &config.Agent{}
	if o.configPath == "" {
		if err := configAgent.Start(""); err != nil {
			logrus.WithError(err).Fatal("Error building the default config")
		}
	} else {
		watch, err := configAgent.StartWatch(o.configPath)
		if err != nil {
			logrus.WithError(err).Fatal("Error loading the config file")
		}
		interrupts.Run(watch)
	}
	cfg := &effectiveConfig{agent: configAgent, flags: &o.policy}
	if cfg.get() == nil {
		logrus.Fatal("Invalid merge policy flags")
	}

	client, err := o.gitlab.GitLabClient(o.dryRun)
	if err != nil {
		logrus.WithError(err).Fatal("Error creating the platform client")
	}
	getToken, err := o.gitlab.TokenGenerator()
	if err != nil {
		logrus.WithError(err).Fatal("Error resolving the API token")
	}
	// The token is registered with the secret agent now; make sure it
	// never reaches a log line verbatim.
	enableCensoring()

	gitClient, err := o.git.GitClient()
	if err != nil {
		logrus.WithError(err).Fatal("Error creating the git client")
	}
	interrupts.OnInterrupt(func() {
		if err := gitClient.Clean(); err != nil {
			logrus.WithError(err).Error("Error cleaning up the clones.")
		}
	})

	remoteFor := func(project *gitlab.Project) git.RemoteResolver {
		if o.git.UseHTTPS {
			return git.HTTPSRemote(project.HTTPURLToRepo, git.TokenGetter(getToken))
		}
		return git.SSHRemote(project.SSHURLToRepo)
	}

	sup := tugboat.NewSupervisor(client, tugboat.GitTreeProvider(gitClient, remoteFor), remoteFor, cfg.get, o.dryRun)

	statusMux := http.NewServeMux()
	statusMux.Handle("/", sup)
	server := &http.Server{Addr: ":" + strconv.Itoa(o.port), Handler: statusMux}
	interrupts.ListenAndServe(server, o.gracePeriod)
	metrics.ExposeMetrics(o.metricsPort)

	interrupts.Run(func(ctx context.Context) {
		if err := sup.Run(ctx); err != nil {
			logrus.WithError(err).Fatal("Supervisor failed")
		}
	})
}
