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

package gitlab

import (
	"time"
)

// User is a platform account. The bot itself runs as one of these; merge
// requests assigned to that account are the activation signal.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	State    string `json:"state,omitempty"`
	// Email is only visible to administrators and for the authenticated
	// user itself; PublicEmail is whatever the account chose to publish.
	Email       string `json:"email,omitempty"`
	PublicEmail string `json:"public_email,omitempty"`
	WebURL      string `json:"web_url,omitempty"`
}

// BestEmail returns the most specific address known for the user, or the
// empty string if the account publishes none.
func (u *User) BestEmail() string {
	if u.Email != "" {
		return u.Email
	}
	return u.PublicEmail
}

// AccessLevel is a membership level on a project or group.
type AccessLevel int

const (
	Guest      AccessLevel = 10
	Reporter   AccessLevel = 20
	Developer  AccessLevel = 30
	Maintainer AccessLevel = 40
	Owner      AccessLevel = 50
)

// MergeMethod is a project-level setting restricting how merge requests may
// land on a target branch.
type MergeMethod string

const (
	// MergeMethodMerge allows merge commits.
	MergeMethodMerge MergeMethod = "merge"
	// MergeMethodRebaseMerge requires the source to be rebased first but
	// still records a merge commit.
	MergeMethodRebaseMerge MergeMethod = "rebase_merge"
	// MergeMethodFF only allows fast-forward merges.
	MergeMethodFF MergeMethod = "ff"
)

// Project is a repository plus its merge settings.
type Project struct {
	ID                int         `json:"id"`
	PathWithNamespace string      `json:"path_with_namespace"`
	DefaultBranch     string      `json:"default_branch"`
	SSHURLToRepo      string      `json:"ssh_url_to_repo"`
	HTTPURLToRepo     string      `json:"http_url_to_repo"`
	WebURL            string      `json:"web_url,omitempty"`
	MergeMethod       MergeMethod `json:"merge_method"`
	Archived          bool        `json:"archived,omitempty"`

	OnlyAllowMergeIfPipelineSucceeds          bool   `json:"only_allow_merge_if_pipeline_succeeds"`
	OnlyAllowMergeIfAllDiscussionsAreResolved bool   `json:"only_allow_merge_if_all_discussions_are_resolved"`
	RemoveSourceBranchAfterMerge              bool   `json:"remove_source_branch_after_merge,omitempty"`
	SquashOption                              string `json:"squash_option,omitempty"`
}

// Merge request states as reported by the platform.
const (
	MergeRequestStateOpened = "opened"
	MergeRequestStateClosed = "closed"
	MergeRequestStateLocked = "locked"
	MergeRequestStateMerged = "merged"
)

// MergeRequest is a proposal to integrate a source branch into a target
// branch. The SHA field is the head of the source branch as the platform
// last saw it; every merge is pinned to it.
type MergeRequest struct {
	ID              int    `json:"id"`
	IID             int    `json:"iid"`
	ProjectID       int    `json:"project_id"`
	SourceProjectID int    `json:"source_project_id"`
	TargetProjectID int    `json:"target_project_id,omitempty"`
	Title           string `json:"title"`
	State           string `json:"state"`
	SourceBranch    string `json:"source_branch"`
	TargetBranch    string `json:"target_branch"`
	SHA             string `json:"sha"`
	Squash          bool   `json:"squash,omitempty"`
	WebURL          string `json:"web_url"`

	Draft          bool `json:"draft,omitempty"`
	WorkInProgress bool `json:"work_in_progress,omitempty"`

	Author    User   `json:"author"`
	Assignee  *User  `json:"assignee,omitempty"`
	Assignees []User `json:"assignees,omitempty"`

	BlockingDiscussionsResolved bool   `json:"blocking_discussions_resolved,omitempty"`
	RebaseInProgress            bool   `json:"rebase_in_progress,omitempty"`
	MergeError                  string `json:"merge_error,omitempty"`
	MergeStatus                 string `json:"merge_status,omitempty"`
	ForceRemoveSourceBranch     bool   `json:"force_remove_source_branch,omitempty"`
	ShouldRemoveSourceBranch    bool   `json:"should_remove_source_branch,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IsDraft reports whether the MR is marked as not ready to merge. Older
// platform versions report work_in_progress, newer ones draft.
func (mr *MergeRequest) IsDraft() bool {
	return mr.Draft || mr.WorkInProgress
}

// IsAssignedTo reports whether the user is currently an assignee.
func (mr *MergeRequest) IsAssignedTo(userID int) bool {
	if mr.Assignee != nil && mr.Assignee.ID == userID {
		return true
	}
	for _, a := range mr.Assignees {
		if a.ID == userID {
			return true
		}
	}
	return false
}

// RemoveSourceBranchRequested reports whether the author or the project
// asked for the source branch to be deleted on merge.
func (mr *MergeRequest) RemoveSourceBranchRequested(project *Project) bool {
	return mr.ForceRemoveSourceBranch || mr.ShouldRemoveSourceBranch || project.RemoveSourceBranchAfterMerge
}

// PipelineStatus is the aggregate status of one CI pipeline.
type PipelineStatus string

const (
	PipelineCreated            PipelineStatus = "created"
	PipelineWaitingForResource PipelineStatus = "waiting_for_resource"
	PipelinePreparing          PipelineStatus = "preparing"
	PipelinePending            PipelineStatus = "pending"
	PipelineRunning            PipelineStatus = "running"
	PipelineSuccess            PipelineStatus = "success"
	PipelineFailed             PipelineStatus = "failed"
	PipelineCanceled           PipelineStatus = "canceled"
	PipelineSkipped            PipelineStatus = "skipped"
	PipelineManual             PipelineStatus = "manual"
	PipelineScheduled          PipelineStatus = "scheduled"
)

// Pipeline is one CI run for a sha on a ref.
type Pipeline struct {
	ID     int            `json:"id"`
	SHA    string         `json:"sha"`
	Ref    string         `json:"ref"`
	Status PipelineStatus `json:"status"`
	WebURL string         `json:"web_url,omitempty"`
}

// Approver wraps the user entry of an approval record.
type Approver struct {
	User User `json:"user"`
}

// Approvals is the approval state of one merge request.
type Approvals struct {
	ApprovalsLeft int        `json:"approvals_left"`
	ApprovedBy    []Approver `json:"approved_by,omitempty"`
}

// Sufficient reports whether no further approvals are required.
func (a *Approvals) Sufficient() bool {
	return a.ApprovalsLeft == 0
}

// ApproverUsers returns the users who currently approve.
func (a *Approvals) ApproverUsers() []User {
	users := make([]User, 0, len(a.ApprovedBy))
	for _, by := range a.ApprovedBy {
		users = append(users, by.User)
	}
	return users
}

// Branch is a repository branch together with its protection flags.
type Branch struct {
	Name               string  `json:"name"`
	Protected          bool    `json:"protected,omitempty"`
	DevelopersCanPush  bool    `json:"developers_can_push,omitempty"`
	DevelopersCanMerge bool    `json:"developers_can_merge,omitempty"`
	Commit             *Commit `json:"commit,omitempty"`
}

// Commit is a single commit as reported by the platform.
type Commit struct {
	ID             string     `json:"id"`
	ShortID        string     `json:"short_id,omitempty"`
	ParentIDs      []string   `json:"parent_ids,omitempty"`
	Title          string     `json:"title,omitempty"`
	Message        string     `json:"message,omitempty"`
	AuthorName     string     `json:"author_name,omitempty"`
	AuthorEmail    string     `json:"author_email,omitempty"`
	AuthoredDate   *time.Time `json:"authored_date,omitempty"`
	CommitterName  string     `json:"committer_name,omitempty"`
	CommitterEmail string     `json:"committer_email,omitempty"`
	CommittedDate  *time.Time `json:"committed_date,omitempty"`
	Status         string     `json:"status,omitempty"`
}

// Note is a comment on a merge request. System notes record events such as
// assignment changes.
type Note struct {
	ID        int       `json:"id"`
	Body      string    `json:"body"`
	System    bool      `json:"system,omitempty"`
	Author    User      `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// AcceptOptions are the parameters of the merge call. SHA pins the merge to
// the exact head the caller verified; the platform refuses the call if the
// source branch has moved since.
type AcceptOptions struct {
	SHA                       string `json:"sha,omitempty"`
	Squash                    bool   `json:"squash,omitempty"`
	SquashCommitMessage       string `json:"squash_commit_message,omitempty"`
	ShouldRemoveSourceBranch  bool   `json:"should_remove_source_branch,omitempty"`
	MergeWhenPipelineSucceeds bool   `json:"merge_when_pipeline_succeeds,omitempty"`
}
