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

// Package fakegitlab provides an in-memory platform for tests. The fake
// both answers reads from its exported fixture maps and records every
// mutation so tests can assert on side effects.
package fakegitlab

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sigs.k8s.io/tugboat/pkg/gitlab"
)

// FakeClient is an in-memory platform. Populate the fixture fields, then
// hand it to the code under test wherever a client interface is expected.
type FakeClient struct {
	mut sync.Mutex

	// Fixtures.
	Bot           gitlab.User
	Users         map[int]gitlab.User
	Projects      map[int]gitlab.Project
	MergeRequests map[int]*gitlab.MergeRequest
	Approvals     map[int]*gitlab.Approvals
	PipelinesBySHA map[string][]gitlab.Pipeline
	Branches      map[string]gitlab.Branch
	Notes         map[int][]gitlab.Note

	// Error injection, keyed by merge request iid.
	AcceptErrors map[int]error
	ListError    error

	// Recorded mutations.
	CommentsCreated  map[int][]string
	AssigneesSet     map[int][]int
	AcceptedSHAs     map[int][]string
	ApprovedAs       map[int][]string
	RebasesRequested []int
}

// NewFakeClient returns a fake with all maps initialized.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Users:           map[int]gitlab.User{},
		Projects:        map[int]gitlab.Project{},
		MergeRequests:   map[int]*gitlab.MergeRequest{},
		Approvals:       map[int]*gitlab.Approvals{},
		PipelinesBySHA:  map[string][]gitlab.Pipeline{},
		Branches:        map[string]gitlab.Branch{},
		Notes:           map[int][]gitlab.Note{},
		AcceptErrors:    map[int]error{},
		CommentsCreated: map[int][]string{},
		AssigneesSet:    map[int][]int{},
		AcceptedSHAs:    map[int][]string{},
		ApprovedAs:      map[int][]string{},
	}
}

func branchKey(projectID int, name string) string {
	return fmt.Sprintf("%d/%s", projectID, name)
}

// SetBranch upserts a branch fixture.
func (f *FakeClient) SetBranch(projectID int, branch gitlab.Branch) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.Branches[branchKey(projectID, branch.Name)] = branch
}

// BotUser returns the configured bot account.
func (f *FakeClient) BotUser(_ context.Context) (*gitlab.User, error) {
	bot := f.Bot
	return &bot, nil
}

// GetUser looks a user up by username.
func (f *FakeClient) GetUser(_ context.Context, username string) (*gitlab.User, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	for _, u := range f.Users {
		if u.Username == username {
			u := u
			return &u, nil
		}
	}
	return nil, gitlab.NotFoundError{Message: fmt.Sprintf("no user named %q", username)}
}

// GetUserByID fetches one user fixture.
func (f *FakeClient) GetUserByID(_ context.Context, id int) (*gitlab.User, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	u, ok := f.Users[id]
	if !ok {
		return nil, gitlab.NotFoundError{Message: fmt.Sprintf("no user %d", id)}
	}
	return &u, nil
}

// ListProjects returns all project fixtures, sorted by id.
func (f *FakeClient) ListProjects(_ context.Context, _ gitlab.AccessLevel) ([]gitlab.Project, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.ListError != nil {
		return nil, f.ListError
	}
	projects := make([]gitlab.Project, 0, len(f.Projects))
	for _, p := range f.Projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

// GetProject fetches one project fixture.
func (f *FakeClient) GetProject(_ context.Context, id int) (*gitlab.Project, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	p, ok := f.Projects[id]
	if !ok {
		return nil, gitlab.NotFoundError{Message: fmt.Sprintf("no project %d", id)}
	}
	return &p, nil
}

// ListAssignedMergeRequests returns the open fixtures assigned to the
// user, ordered by iid.
func (f *FakeClient) ListAssignedMergeRequests(_ context.Context, projectID int, assignee *gitlab.User) ([]gitlab.MergeRequest, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.ListError != nil {
		return nil, f.ListError
	}
	var mrs []gitlab.MergeRequest
	for _, mr := range f.MergeRequests {
		if mr.ProjectID != projectID || mr.State != gitlab.MergeRequestStateOpened {
			continue
		}
		if !mr.IsAssignedTo(assignee.ID) {
			continue
		}
		mrs = append(mrs, *mr)
	}
	sort.Slice(mrs, func(i, j int) bool { return mrs[i].IID < mrs[j].IID })
	return mrs, nil
}

// GetMergeRequest fetches one merge request fixture.
func (f *FakeClient) GetMergeRequest(_ context.Context, projectID, iid int) (*gitlab.MergeRequest, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	mr, ok := f.MergeRequests[iid]
	if !ok || mr.ProjectID != projectID {
		return nil, gitlab.NotFoundError{Message: fmt.Sprintf("no merge request %d", iid)}
	}
	copied := *mr
	return &copied, nil
}

// ListMergeRequestNotes returns the note fixtures, newest first.
func (f *FakeClient) ListMergeRequestNotes(_ context.Context, _ int, iid int) ([]gitlab.Note, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	notes := append([]gitlab.Note(nil), f.Notes[iid]...)
	sort.Slice(notes, func(i, j int) bool { return notes[i].CreatedAt.After(notes[j].CreatedAt) })
	return notes, nil
}

// GetCommit is unsupported in the fake; nothing under test reads commits.
func (f *FakeClient) GetCommit(_ context.Context, _ int, sha string) (*gitlab.Commit, error) {
	return nil, gitlab.NotFoundError{Message: fmt.Sprintf("no commit %s", sha)}
}

// ListPipelines returns the pipeline fixtures for a sha, as stored.
func (f *FakeClient) ListPipelines(_ context.Context, _ int, sha string) ([]gitlab.Pipeline, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]gitlab.Pipeline(nil), f.PipelinesBySHA[sha]...), nil
}

// GetApprovals returns the approval fixture, or a fully approved state
// when none is configured.
func (f *FakeClient) GetApprovals(_ context.Context, _ int, iid int) (*gitlab.Approvals, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	if approvals, ok := f.Approvals[iid]; ok {
		copied := *approvals
		return &copied, nil
	}
	return &gitlab.Approvals{}, nil
}

// GetBranch fetches one branch fixture.
func (f *FakeClient) GetBranch(_ context.Context, projectID int, name string) (*gitlab.Branch, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	b, ok := f.Branches[branchKey(projectID, name)]
	if !ok {
		return nil, gitlab.NotFoundError{Message: fmt.Sprintf("no branch %s", name)}
	}
	return &b, nil
}

// ListBranches returns the branch fixtures of the project.
func (f *FakeClient) ListBranches(_ context.Context, projectID int, _ string) ([]gitlab.Branch, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	var branches []gitlab.Branch
	for key, b := range f.Branches {
		if key == branchKey(projectID, b.Name) {
			branches = append(branches, b)
		}
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// CreateMergeRequestComment records the comment.
func (f *FakeClient) CreateMergeRequestComment(_ context.Context, _ int, iid int, body string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.CommentsCreated[iid] = append(f.CommentsCreated[iid], body)
	return nil
}

// AssignMergeRequest records the assignment and applies it to the
// fixture so subsequent reads observe it.
func (f *FakeClient) AssignMergeRequest(_ context.Context, _ int, iid, assigneeID int) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.AssigneesSet[iid] = append(f.AssigneesSet[iid], assigneeID)
	if mr, ok := f.MergeRequests[iid]; ok {
		mr.Assignee = nil
		mr.Assignees = nil
		if assigneeID != 0 {
			user := f.Users[assigneeID]
			user.ID = assigneeID
			mr.Assignee = &user
		}
	}
	return nil
}

// AcceptMergeRequest enforces the sha pin the way the platform does: a
// stale sha is refused, a matching one merges the fixture.
func (f *FakeClient) AcceptMergeRequest(_ context.Context, _ int, iid int, opts *gitlab.AcceptOptions) (*gitlab.MergeRequest, error) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.AcceptedSHAs[iid] = append(f.AcceptedSHAs[iid], opts.SHA)
	if err, ok := f.AcceptErrors[iid]; ok && err != nil {
		return nil, err
	}
	mr, ok := f.MergeRequests[iid]
	if !ok {
		return nil, gitlab.NotFoundError{Message: fmt.Sprintf("no merge request %d", iid)}
	}
	if opts.SHA != "" && opts.SHA != mr.SHA {
		return nil, gitlab.MergeRefusedError{Reason: gitlab.MergeRefusedSHAMismatch, Status: 409, Message: "SHA does not match HEAD of source branch"}
	}
	mr.State = gitlab.MergeRequestStateMerged
	copied := *mr
	return &copied, nil
}

// RebaseMergeRequest records the rebase request.
func (f *FakeClient) RebaseMergeRequest(_ context.Context, _ int, iid int) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.RebasesRequested = append(f.RebasesRequested, iid)
	return nil
}

// ApproveMergeRequest records the impersonated approval.
func (f *FakeClient) ApproveMergeRequest(_ context.Context, _ int, iid int, sudo string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.ApprovedAs[iid] = append(f.ApprovedAs[iid], sudo)
	return nil
}
