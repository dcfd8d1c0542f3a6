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

// Package gitlab provides a typed client for the platform's v4 REST API.
//
// The client hides pagination, retries transient failures with jittered
// exponential backoff inside a wall-clock budget, and converts rate
// limiting into latency. Authorization failures and merge-call
// precondition failures surface as typed errors so the merge state
// machine can decide what to do; see errors.go.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

type Logger interface {
	Debugf(s string, v ...interface{})
}

// TokenGenerator resolves the current API token. Tokens are read through a
// function so that a reloading secret agent can rotate them live.
type TokenGenerator func() []byte

// Client talks to one platform instance as one user.
type Client struct {
	// If logger is non-nil, log all method calls with it.
	logger Logger

	client   *http.Client
	getToken TokenGenerator
	censor   func([]byte) []byte
	base     string
	dry      bool

	// limiter spreads requests over time when Throttle was called;
	// inflight bounds concurrent requests.
	limiter  *rate.Limiter
	inflight *semaphore.Weighted

	retryBudget  time.Duration
	initialDelay time.Duration
	maxSleepTime time.Duration

	// botUser is protected by this mutex.
	mut     sync.Mutex
	botUser *User
}

const (
	defaultRetryBudget = time.Minute
	initialDelay       = 2 * time.Second
	maxSleepTime       = 2 * time.Minute
	maxInflight        = 10
)

// NewClient creates a new fully operational platform client.
func NewClient(gitlabURL string, getToken TokenGenerator, censor func([]byte) []byte) (*Client, error) {
	return newClient(gitlabURL, getToken, censor, false)
}

// NewDryRunClient creates a client that will not perform mutating actions
// such as commenting or merging, but still queries the platform.
func NewDryRunClient(gitlabURL string, getToken TokenGenerator, censor func([]byte) []byte) (*Client, error) {
	return newClient(gitlabURL, getToken, censor, true)
}

func newClient(gitlabURL string, getToken TokenGenerator, censor func([]byte) []byte, dry bool) (*Client, error) {
	base, err := apiBase(gitlabURL)
	if err != nil {
		return nil, err
	}
	if censor == nil {
		censor = func(b []byte) []byte { return b }
	}
	return &Client{
		logger:       logrus.WithField("client", "gitlab"),
		client:       &http.Client{Timeout: 5 * time.Minute},
		getToken:     getToken,
		censor:       censor,
		base:         base,
		dry:          dry,
		inflight:     semaphore.NewWeighted(maxInflight),
		retryBudget:  defaultRetryBudget,
		initialDelay: initialDelay,
		maxSleepTime: maxSleepTime,
	}, nil
}

func apiBase(gitlabURL string) (string, error) {
	u, err := url.Parse(gitlabURL)
	if err != nil {
		return "", fmt.Errorf("invalid platform URL %q: %w", gitlabURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid platform URL %q: scheme and host are required", gitlabURL)
	}
	return strings.TrimSuffix(u.String(), "/") + "/api/v4", nil
}

// Throttle client-side throttles the client to at most the given number of
// tokens per hour with the given burst.
func (c *Client) Throttle(hourlyTokens, burst int) {
	if hourlyTokens <= 0 || burst <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(float64(hourlyTokens)/3600), burst)
}

// SetMaxInflight bounds the number of concurrently outstanding requests.
func (c *Client) SetMaxInflight(max int64) {
	if max <= 0 {
		c.inflight = nil
		return
	}
	c.inflight = semaphore.NewWeighted(max)
}

func (c *Client) log(methodName string, args ...interface{}) {
	if c.logger == nil {
		return
	}
	var as []string
	for _, arg := range args {
		as = append(as, fmt.Sprintf("%v", arg))
	}
	c.logger.Debugf("%s(%s)", methodName, strings.Join(as, ", "))
}

type request struct {
	method      string
	path        string
	sudo        string
	requestBody interface{}
	exitCodes   []int
}

// Make a request with retries. If ret is not nil, unmarshal the response
// body into it. Returns an error if the status code is not one of the
// provided codes.
func (c *Client) request(ctx context.Context, r *request, ret interface{}) (int, error) {
	if c.dry && r.method != http.MethodGet {
		return r.exitCodes[0], nil
	}
	resp, err := c.requestRetry(ctx, r.method, r.path, r.sudo, r.requestBody)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	var okCode bool
	for _, code := range r.exitCodes {
		if code == resp.StatusCode {
			okCode = true
			break
		}
	}
	if !okCode {
		clientError := ClientError{}
		// Error bodies are best-effort; the status code is authoritative.
		_ = json.Unmarshal(b, &clientError)
		message := clientError.flatten()
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return resp.StatusCode, UnauthorizedError{Status: resp.StatusCode, Message: message}
		case http.StatusNotFound:
			return resp.StatusCode, NotFoundError{Message: message}
		}
		return resp.StatusCode, requestError{
			StatusCode:  resp.StatusCode,
			ClientError: clientError,
			ErrorString: fmt.Sprintf("status code %d not one of %v, body: %s", resp.StatusCode, r.exitCodes, string(c.censor(b))),
		}
	}
	if ret != nil {
		if err := json.Unmarshal(b, ret); err != nil {
			return 0, err
		}
	}
	return resp.StatusCode, nil
}

// Retry on transport failures and 5xx with jittered exponential backoff
// inside the per-call wall-clock budget. 429 sleeps for Retry-After and
// extends the budget: waiting out the limiter is latency, not failure.
func (c *Client) requestRetry(ctx context.Context, method, path, sudo string, body interface{}) (*http.Response, error) {
	backoff := c.initialDelay
	deadline := time.Now().Add(c.retryBudget)
	for {
		resp, err := c.doRequest(ctx, method, path, sudo, body)
		if err == nil {
			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				sleepTime := backoff
				if ra := resp.Header.Get("Retry-After"); ra != "" {
					if seconds, convErr := strconv.Atoi(ra); convErr == nil {
						sleepTime = time.Duration(seconds)*time.Second + time.Second
					}
				}
				resp.Body.Close()
				if sleepTime > c.maxSleepTime {
					sleepTime = c.maxSleepTime
				}
				deadline = deadline.Add(sleepTime)
				if sleepErr := sleepUnderContext(ctx, sleepTime); sleepErr != nil {
					return nil, sleepErr
				}
				continue
			case resp.StatusCode >= 500:
				err = fmt.Errorf("server error: %s", resp.Status)
				resp.Body.Close()
			default:
				// Normal, happy case. 4xx are not retried.
				return resp, nil
			}
		}
		// Jitter between 0.5x and 1.5x of the current backoff.
		sleepTime := backoff/2 + time.Duration(rand.Int63n(int64(backoff)))
		if time.Now().Add(sleepTime).After(deadline) {
			return nil, TransientError{Err: err}
		}
		if sleepErr := sleepUnderContext(ctx, sleepTime); sleepErr != nil {
			return nil, sleepErr
		}
		backoff *= 2
	}
}

func (c *Client) doRequest(ctx context.Context, method, path, sudo string, body interface{}) (*http.Response, error) {
	if c.inflight != nil {
		if err := c.inflight.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.inflight.Release(1)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewBuffer(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, buf)
	if err != nil {
		return nil, err
	}
	if token := c.getToken(); len(token) > 0 {
		req.Header.Set("PRIVATE-TOKEN", string(token))
	}
	if sudo != "" {
		req.Header.Set("Sudo", sudo)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")
	// Disable keep-alive so that we don't get flakes when the platform
	// closes a pooled connection prematurely.
	req.Close = true
	return c.client.Do(req)
}

func sleepUnderContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readPaginatedResults iterates over all objects in the paginated result
// set of the path, accumulating pages until the platform reports no next
// page. newObj returns a pointer to a slice of the page type; accumulate
// consumes each filled page.
func (c *Client) readPaginatedResults(ctx context.Context, path string, query url.Values, newObj func() interface{}, accumulate func(interface{})) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", "100")
	page := "1"
	for page != "" {
		query.Set("page", page)
		resp, err := c.requestRetry(ctx, http.MethodGet, fmt.Sprintf("%s%s?%s", c.base, path, query.Encode()), "", nil)
		if err != nil {
			return err
		}
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			clientError := ClientError{}
			_ = json.Unmarshal(b, &clientError)
			message := clientError.flatten()
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return UnauthorizedError{Status: resp.StatusCode, Message: message}
			case http.StatusNotFound:
				return NotFoundError{Message: message}
			}
			return requestError{
				StatusCode:  resp.StatusCode,
				ClientError: clientError,
				ErrorString: fmt.Sprintf("return code not 2XX: %s, body: %s", resp.Status, string(c.censor(b))),
			}
		}
		obj := newObj()
		if err := json.Unmarshal(b, obj); err != nil {
			return err
		}
		accumulate(obj)
		page = resp.Header.Get("X-Next-Page")
	}
	return nil
}

// BotUser returns the account the client authenticates as. The value is
// fetched once and cached.
func (c *Client) BotUser(ctx context.Context) (*User, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.botUser == nil {
		var u User
		if _, err := c.request(ctx, &request{
			method:    http.MethodGet,
			path:      fmt.Sprintf("%s/user", c.base),
			exitCodes: []int{200},
		}, &u); err != nil {
			return nil, fmt.Errorf("fetching bot user: %w", err)
		}
		c.botUser = &u
	}
	return c.botUser, nil
}

// GetUser looks a user up by username.
func (c *Client) GetUser(ctx context.Context, username string) (*User, error) {
	c.log("GetUser", username)
	var users []User
	query := url.Values{}
	query.Set("username", username)
	if _, err := c.request(ctx, &request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("%s/users?%s", c.base, query.Encode()),
		exitCodes: []int{200},
	}, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, NotFoundError{Message: fmt.Sprintf("no user named %q", username)}
	}
	return &users[0], nil
}

// GetUserByID fetches a single user. The visible email fields depend on the
// privileges of the bot account.
func (c *Client) GetUserByID(ctx context.Context, id int) (*User, error) {
	c.log("GetUserByID", id)
	var u User
	_, err := c.request(ctx, &request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("%s/users/%d", c.base, id),
		exitCodes: []int{200},
	}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListProjects returns all unarchived projects with merge requests enabled
// on which the bot has at least the given access level. This may use
// multiple pages.
func (c *Client) ListProjects(ctx context.Context, minAccessLevel AccessLevel) ([]Project, error) {
	c.log("ListProjects", minAccessLevel)
	query := url.Values{}
	query.Set("membership", "true")
	query.Set("archived", "false")
	query.Set("with_merge_requests_enabled", "true")
	query.Set("min_access_level", strconv.Itoa(int(minAccessLevel)))
	var projects []Project
	err := c.readPaginatedResults(
		ctx,
		"/projects",
		query,
		func() interface{} {
			return &[]Project{}
		},
		func(obj interface{}) {
			projects = append(projects, *(obj.(*[]Project))...)
		},
	)
	return projects, err
}

// GetProject fetches one project by ID.
func (c *Client) GetProject(ctx context.Context, id int) (*Project, error) {
	c.log("GetProject", id)
	var p Project
	_, err := c.request(ctx, &request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("%s/projects/%d", c.base, id),
		exitCodes: []int{200},
	}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListAssignedMergeRequests returns the open merge requests on the project
// currently assigned to the user, oldest first. This may use multiple
// pages.
func (c *Client) ListAssignedMergeRequests(ctx context.Context, projectID int, assignee *User) ([]MergeRequest, error) {
	c.log("ListAssignedMergeRequests", projectID, assignee.Username)
	query := url.Values{}
	query.Set("state", "opened")
	query.Set("order_by", "created_at")
	query.Set("sort", "asc")
	query.Set("assignee_id", strconv.Itoa(assignee.ID))
	var mrs []MergeRequest
	err := c.readPaginatedResults(
		ctx,
		fmt.Sprintf("/projects/%d/merge_requests", projectID),
		query,
		func() interface{} {
			return &[]MergeRequest{}
		},
		func(obj interface{}) {
			mrs = append(mrs, *(obj.(*[]MergeRequest))...)
		},
	)
	if err != nil {
		return nil, err
	}
	// The assignee filter is best-effort server side; assignment is the
	// activation signal, so re-check it here.
	filtered := mrs[:0]
	for i := range mrs {
		if mrs[i].IsAssignedTo(assignee.ID) {
			filtered = append(filtered, mrs[i])
		}
	}
	return filtered, nil
}

// GetMergeRequest fetches the current state of one merge request,
// including whether a platform-side rebase is still running.
func (c *Client) GetMergeRequest(ctx context.Context, projectID, iid int) (*MergeRequest, error) {
	c.log("GetMergeRequest", projectID, iid)
	var mr MergeRequest
	_, err := c.request(ctx, &request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("%s/projects/%d/merge_requests/%d?include_rebase_in_progress=true", c.base, projectID, iid),
		exitCodes: []int{200},
	}, &mr)
	if err != nil {
		return nil, err
	}
	return &mr, nil
}

// ListMergeRequestNotes returns the notes of a merge request, newest
// first. System notes record assignment changes.
func (c *Client) ListMergeRequestNotes(ctx context.Context, projectID, iid int) ([]Note, error) {
	c.log("ListMergeRequestNotes", projectID, iid)
	query := url.Values{}
	query.Set("order_by", "created_at")
	query.Set("sort", "desc")
	var notes []Note
	err := c.readPaginatedResults(
		ctx,
		fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, iid),
		query,
		func() interface{} {
			return &[]Note{}
		},
		func(obj interface{}) {
			notes = append(notes, *(obj.(*[]Note))...)
		},
	)
	return notes, err
}

// GetCommit fetches one commit by sha.
func (c *Client) GetCommit(ctx context.Context, projectID int, sha string) (*Commit, error) {
	c.log("GetCommit", projectID, sha)
	var commit Commit
	_, err := c.request(ctx, &request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("%s/projects/%d/repository/commits/%s", c.base, projectID, url.PathEscape(sha)),
		exitCodes: []int{200},
	}, &commit)
	if err != nil {
		return nil, err
	}
	return &commit, nil
}

// ListPipelines returns the pipelines for a sha, newest first.
func (c *Client) ListPipelines(ctx context.Context, projectID int, sha string) ([]Pipeline, error) {
	c.log("ListPipelines", projectID, sha)
	query := url.Values{}
	query.Set("sha", sha)
	var pipelines []Pipeline
	err := c.readPaginatedResults(
		ctx,
		fmt.Sprintf("/projects/%d/pipelines", projectID),
		query,
		func() interface{} {
			return &[]Pipeline{}
		},
		func(obj interface{}) {
			pipelines = append(pipelines, *(obj.(*[]Pipeline))...)
		},
	)
	return pipelines, err
}

// GetApprovals returns the approval state of a merge request.
func (c *Client) GetApprovals(ctx context.Context, projectID, iid int) (*Approvals, error) {
	c.log("GetApprovals", projectID, iid)
	var approvals Approvals
	_, err := c.request(ctx, &request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("%s/projects/%d/merge_requests/%d/approvals", c.base, projectID, iid),
		exitCodes: []int{200},
	}, &approvals)
	if err != nil {
		return nil, err
	}
	return &approvals, nil
}

// GetBranch fetches one branch, including protection flags.
func (c *Client) GetBranch(ctx context.Context, projectID int, name string) (*Branch, error) {
	c.log("GetBranch", projectID, name)
	var branch Branch
	_, err := c.request(ctx, &request{
		method:    http.MethodGet,
		path:      fmt.Sprintf("%s/projects/%d/repository/branches/%s", c.base, projectID, url.PathEscape(name)),
		exitCodes: []int{200},
	}, &branch)
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

// ListBranches returns the branches whose names contain the search term.
// This may use multiple pages.
func (c *Client) ListBranches(ctx context.Context, projectID int, search string) ([]Branch, error) {
	c.log("ListBranches", projectID, search)
	query := url.Values{}
	if search != "" {
		query.Set("search", search)
	}
	var branches []Branch
	err := c.readPaginatedResults(
		ctx,
		fmt.Sprintf("/projects/%d/repository/branches", projectID),
		query,
		func() interface{} {
			return &[]Branch{}
		},
		func(obj interface{}) {
			branches = append(branches, *(obj.(*[]Branch))...)
		},
	)
	return branches, err
}

// CreateMergeRequestComment posts a note on the merge request.
func (c *Client) CreateMergeRequestComment(ctx context.Context, projectID, iid int, body string) error {
	c.log("CreateMergeRequestComment", projectID, iid, body)
	note := struct {
		Body string `json:"body"`
	}{Body: body}
	_, err := c.request(ctx, &request{
		method:      http.MethodPost,
		path:        fmt.Sprintf("%s/projects/%d/merge_requests/%d/notes", c.base, projectID, iid),
		requestBody: &note,
		exitCodes:   []int{201},
	}, nil)
	return err
}

// AssignMergeRequest replaces the assignees of the merge request with the
// single given user; 0 clears the assignees.
func (c *Client) AssignMergeRequest(ctx context.Context, projectID, iid, assigneeID int) error {
	c.log("AssignMergeRequest", projectID, iid, assigneeID)
	update := struct {
		AssigneeID int `json:"assignee_id"`
	}{AssigneeID: assigneeID}
	_, err := c.request(ctx, &request{
		method:      http.MethodPut,
		path:        fmt.Sprintf("%s/projects/%d/merge_requests/%d", c.base, projectID, iid),
		requestBody: &update,
		exitCodes:   []int{200},
	}, nil)
	return err
}

// AcceptMergeRequest asks the platform to merge the request, pinned to
// opts.SHA. Precondition failures are returned as MergeRefusedError and
// are never retried here.
func (c *Client) AcceptMergeRequest(ctx context.Context, projectID, iid int, opts *AcceptOptions) (*MergeRequest, error) {
	c.log("AcceptMergeRequest", projectID, iid, opts.SHA)
	var mr MergeRequest
	_, err := c.request(ctx, &request{
		method:      http.MethodPut,
		path:        fmt.Sprintf("%s/projects/%d/merge_requests/%d/merge", c.base, projectID, iid),
		requestBody: opts,
		exitCodes:   []int{200},
	}, &mr)
	if err != nil {
		var reqErr requestError
		if errors.As(err, &reqErr) {
			switch reqErr.StatusCode {
			case 405, 406, 409, 422:
				return nil, classifyMergeRefusal(reqErr.StatusCode, reqErr.ClientError.flatten())
			}
		}
		return nil, err
	}
	return &mr, nil
}

// RebaseMergeRequest asks the platform to rebase the source branch onto
// the target branch. The rebase runs asynchronously; poll the merge
// request until rebase_in_progress clears.
func (c *Client) RebaseMergeRequest(ctx context.Context, projectID, iid int) error {
	c.log("RebaseMergeRequest", projectID, iid)
	_, err := c.request(ctx, &request{
		method:    http.MethodPut,
		path:      fmt.Sprintf("%s/projects/%d/merge_requests/%d/rebase", c.base, projectID, iid),
		exitCodes: []int{200, 202},
	}, nil)
	return err
}

// ApproveMergeRequest approves the merge request, optionally impersonating
// another user via sudo. Impersonation requires administrator privileges.
func (c *Client) ApproveMergeRequest(ctx context.Context, projectID, iid int, sudo string) error {
	c.log("ApproveMergeRequest", projectID, iid, sudo)
	_, err := c.request(ctx, &request{
		method:    http.MethodPost,
		path:      fmt.Sprintf("%s/projects/%d/merge_requests/%d/approve", c.base, projectID, iid),
		sudo:      sudo,
		exitCodes: []int{201},
	}, nil)
	return err
}
