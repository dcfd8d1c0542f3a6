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

// Package tugboat drives assigned merge requests to completion. The
// supervisor discovers projects and runs one loop per project; each loop
// serializes merge jobs, so a project only ever has a single writer. A job
// is a state machine over fresh platform state: fetch, validate, update the
// source branch, wait for CI, merge pinned to the pushed head, confirm.
package tugboat

import (
	"time"
)

// OutcomeKind is the terminal classification of one job run.
type OutcomeKind string

const (
	// OutcomeMerged means the merge request landed on the target branch.
	OutcomeMerged OutcomeKind = "merged"
	// OutcomeRejected means the merge request was terminally rejected: one
	// comment was posted and the bot unassigned itself.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeRequeue means the merge request stays a candidate and will be
	// reconsidered after a cool-down. No comment is posted.
	OutcomeRequeue OutcomeKind = "requeue"
	// OutcomeCancelled means the job stopped without mutating anything:
	// the MR closed, the bot was unassigned, or the context was cancelled.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the only thing a job may return to the project loop. Every
// lower-level error is mapped into one of these at the job boundary.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	// Delay is a cool-down hint for requeues; zero lets the loop choose.
	Delay time.Duration
	// refused marks a requeue caused by the merge endpoint refusing the
	// call. The loop counts consecutive refusals and eventually gives up.
	refused bool
}

func merged() Outcome {
	return Outcome{Kind: OutcomeMerged}
}

func rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

func requeue(reason string) Outcome {
	return Outcome{Kind: OutcomeRequeue, Reason: reason}
}

func requeueAfter(reason string, delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeRequeue, Reason: reason, Delay: delay}
}

func cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled}
}
