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

// Package config holds the merge policy configuration of the bot: which
// projects and branches to consider, how to update branches, how long to
// wait for CI, and when merging is embargoed. The configuration can be
// given as a YAML file, hot-reloaded by the Agent; every key is also
// exposed as a flag and an environment variable by cmd/tugboat.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/yaml"

	"sigs.k8s.io/tugboat/pkg/embargo"
)

// Duration is a time.Duration that round-trips through YAML as a Go
// duration string such as "15m".
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts either a duration string or plain nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var asString string
	if err := json.Unmarshal(b, &asString); err == nil {
		parsed, err := time.ParseDuration(asString)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	}
	var asInt int64
	if err := json.Unmarshal(b, &asInt); err != nil {
		return fmt.Errorf("%s is neither a duration string nor nanoseconds", string(b))
	}
	d.Duration = time.Duration(asInt)
	return nil
}

// MarshalJSON serializes as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// MergeOrder determines the order in which assigned merge requests are
// attempted.
type MergeOrder string

const (
	// OrderCreatedAt is FIFO by merge request creation.
	OrderCreatedAt MergeOrder = "created_at"
	// OrderAssignedAt is FIFO by the time the bot was last assigned,
	// recovered from the merge request's system notes.
	OrderAssignedAt MergeOrder = "assigned_at"
)

// Config is the merge policy of the bot. It is immutable once finalized;
// reloading produces a new value.
type Config struct {
	// ProjectRegexp filters projects by path_with_namespace.
	ProjectRegexp string `json:"project-regexp,omitempty"`
	// BranchRegexp filters merge requests by target branch.
	BranchRegexp string `json:"branch-regexp,omitempty"`
	// SourceBranchRegexp filters merge requests by source branch.
	SourceBranchRegexp string `json:"source-branch-regexp,omitempty"`
	// MergeOrder is created_at (default) or assigned_at.
	MergeOrder MergeOrder `json:"merge-order,omitempty"`

	// AddTested appends Tested-by trailers to the commits it rebases.
	// Only honored with the rebase strategy on projects that require a
	// green pipeline, since the trailer asserts exactly that.
	AddTested bool `json:"add-tested,omitempty"`
	// AddReviewers appends Reviewed-by trailers from current approvers.
	AddReviewers bool `json:"add-reviewers,omitempty"`
	// AddPartOf appends a Part-of trailer with the merge request URL.
	AddPartOf bool `json:"add-part-of,omitempty"`
	// ImpersonateApprovers re-approves via sudo after a push reset the
	// approvals. Requires administrator privileges.
	ImpersonateApprovers bool `json:"impersonate-approvers,omitempty"`
	// ApprovalResetTimeout is how long to wait for the platform to reset
	// approvals after a push before re-approving.
	ApprovalResetTimeout Duration `json:"approval-reset-timeout,omitempty"`

	// Embargo lists merge windows during which the bot must not merge,
	// either weekly intervals ("Fri 18:00 - Mon 09:00 UTC") or cron
	// windows ("cron 0 18 * * 5 for 63h").
	Embargo []string `json:"embargo,omitempty"`
	// EmbargoedBranchesRegexp embargoes target branches by name.
	EmbargoedBranchesRegexp string `json:"embargoed-branches-regexp,omitempty"`

	// CITimeout bounds the wait for a pipeline on the pushed head.
	CITimeout Duration `json:"ci-timeout,omitempty"`
	// RequireSuccessfulCI waits for CI even on projects that do not
	// require a green pipeline themselves.
	RequireSuccessfulCI bool `json:"require-successful-ci,omitempty"`
	// UseMergeStrategy merges the target into the source instead of
	// rebasing the source onto the target.
	UseMergeStrategy bool `json:"use-merge-strategy,omitempty"`
	// RebaseRemotely asks the platform to rebase instead of doing it in
	// the local worktree.
	RebaseRemotely bool `json:"rebase-remotely,omitempty"`

	// Batch speculatively pre-merges several merge requests onto a
	// scratch branch so one CI run validates them together.
	Batch bool `json:"batch,omitempty"`
	// BatchBranchPrefix namespaces the scratch branches.
	BatchBranchPrefix string `json:"batch-branch-prefix,omitempty"`
	// SkipCIBatches pushes batch branches with ci.skip and trusts the
	// per-MR pipelines instead.
	SkipCIBatches bool `json:"skip-ci-batches,omitempty"`
	// GuaranteeFinalPipeline never skips the CI wait, even when the
	// branch did not change.
	GuaranteeFinalPipeline bool `json:"guarantee-final-pipeline,omitempty"`

	// PollInterval is the cadence of a project loop with work pending;
	// IdleInterval the cadence with nothing assigned.
	PollInterval Duration `json:"poll-interval,omitempty"`
	IdleInterval Duration `json:"idle-interval,omitempty"`

	// Compiled artifacts, populated by finalize.
	ProjectRe          *regexp.Regexp   `json:"-"`
	BranchRe           *regexp.Regexp   `json:"-"`
	SourceBranchRe     *regexp.Regexp   `json:"-"`
	EmbargoedBranchRe  *regexp.Regexp   `json:"-"`
	EmbargoWindows     *embargo.Embargo `json:"-"`
}

// RequestsCommitTagging reports whether any trailer rewriting is enabled.
func (c *Config) RequestsCommitTagging() bool {
	return c.AddTested || c.AddReviewers || c.AddPartOf
}

func defaultConfig() *Config {
	return &Config{
		ProjectRegexp:      ".*",
		BranchRegexp:       ".*",
		SourceBranchRegexp: ".*",
		MergeOrder:         OrderCreatedAt,
		CITimeout:          Duration{15 * time.Minute},
		BatchBranchPrefix:  "batch/",
		PollInterval:       Duration{30 * time.Second},
		IdleInterval:       Duration{time.Minute},
	}
}

// Load reads and finalizes the config at path. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	c := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, c); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := c.Finalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// Finalize validates the config and compiles its derived artifacts. It
// must be called before the config is used, and again after mutating the
// serialized fields.
func (c *Config) Finalize() error {
	var errs []error
	compile := func(name, expr string, dst **regexp.Regexp) {
		if expr == "" {
			*dst = nil
			return
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, expr, err))
			return
		}
		*dst = re
	}
	compile("project-regexp", c.ProjectRegexp, &c.ProjectRe)
	compile("branch-regexp", c.BranchRegexp, &c.BranchRe)
	compile("source-branch-regexp", c.SourceBranchRegexp, &c.SourceBranchRe)
	compile("embargoed-branches-regexp", c.EmbargoedBranchesRegexp, &c.EmbargoedBranchRe)

	windows, err := embargo.Parse(c.Embargo)
	if err != nil {
		errs = append(errs, err)
	} else {
		c.EmbargoWindows = windows
	}

	switch c.MergeOrder {
	case OrderCreatedAt, OrderAssignedAt:
	case "":
		c.MergeOrder = OrderCreatedAt
	default:
		errs = append(errs, fmt.Errorf("merge-order must be %q or %q, not %q", OrderCreatedAt, OrderAssignedAt, c.MergeOrder))
	}

	if c.CITimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("ci-timeout must be positive, got %v", c.CITimeout.Duration))
	}
	if c.PollInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("poll-interval must be positive, got %v", c.PollInterval.Duration))
	}
	if c.IdleInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("idle-interval must be positive, got %v", c.IdleInterval.Duration))
	}
	if c.BatchBranchPrefix == "" {
		c.BatchBranchPrefix = "batch/"
	}
	if c.UseMergeStrategy && c.RebaseRemotely {
		errs = append(errs, fmt.Errorf("use-merge-strategy and rebase-remotely are mutually exclusive"))
	}
	if c.RebaseRemotely && c.RequestsCommitTagging() {
		errs = append(errs, fmt.Errorf("rebase-remotely cannot rewrite trailers; disable add-tested/add-reviewers/add-part-of"))
	}
	return utilerrors.NewAggregate(errs)
}
