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
	"errors"
	"fmt"
	"strings"
)

// ClientError is the error body the platform returns for non-2xx answers.
// The message field is usually a string but validation failures nest maps,
// so it stays raw here and is flattened by requestError.
type ClientError struct {
	Message interface{} `json:"message,omitempty"`
	Err     interface{} `json:"error,omitempty"`
}

func (e ClientError) flatten() string {
	for _, v := range []interface{}{e.Message, e.Err} {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

type requestError struct {
	StatusCode  int
	ClientError ClientError
	ErrorString string
}

func (r requestError) Error() string {
	return r.ErrorString
}

// UnauthorizedError means the platform rejected our credentials (401) or
// forbids the operation for the bot user (403). It is never retried.
type UnauthorizedError struct {
	Status  int
	Message string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized (%d): %s", e.Status, e.Message)
}

// IsUnauthorized reports whether err is an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var unauthorized UnauthorizedError
	return errors.As(err, &unauthorized)
}

// NotFoundError means the platform answered 404 for an object we asked for.
type NotFoundError struct {
	Message string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var notFound NotFoundError
	return errors.As(err, &notFound)
}

// TransientError wraps a network failure, 5xx, or rate limiting that
// persisted past the per-call retry budget. Jobs map it to a requeue.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("transient upstream failure persisted past the retry budget: %v", e.Err)
}

func (e TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var transient TransientError
	return errors.As(err, &transient)
}

// StatusCode extracts the HTTP status from a platform error, or 0 when the
// error did not come from a platform response.
func StatusCode(err error) int {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	var unauthorized UnauthorizedError
	if errors.As(err, &unauthorized) {
		return unauthorized.Status
	}
	var refused MergeRefusedError
	if errors.As(err, &refused) {
		return refused.Status
	}
	return 0
}

// MergeRefusedReason classifies why the platform refused a merge call.
type MergeRefusedReason string

const (
	// MergeRefusedSHAMismatch means the source branch moved since we
	// verified it; the caller should requeue and re-validate.
	MergeRefusedSHAMismatch MergeRefusedReason = "sha_mismatch"
	// MergeRefusedNotMergeable covers drafts, conflicts, closed MRs and
	// other states the platform refuses outright.
	MergeRefusedNotMergeable MergeRefusedReason = "not_mergeable"
	// MergeRefusedPipelineNotSuccess means the project requires a green
	// pipeline and the platform does not consider the head pipeline green.
	MergeRefusedPipelineNotSuccess MergeRefusedReason = "pipeline_not_success"
	// MergeRefusedUnresolvedDiscussions means the project requires all
	// discussions resolved before merging.
	MergeRefusedUnresolvedDiscussions MergeRefusedReason = "unresolved_discussions"
	// MergeRefusedUnknown is any other refusal.
	MergeRefusedUnknown MergeRefusedReason = "unknown"
)

// MergeRefusedError is a precondition failure on the merge call. It is
// never retried at the client level; the job state machine decides.
type MergeRefusedError struct {
	Reason  MergeRefusedReason
	Status  int
	Message string
}

func (e MergeRefusedError) Error() string {
	return fmt.Sprintf("merge refused (%s, status %d): %s", e.Reason, e.Status, e.Message)
}

// AsMergeRefused unpacks a MergeRefusedError if err is one.
func AsMergeRefused(err error) (MergeRefusedError, bool) {
	var refused MergeRefusedError
	ok := errors.As(err, &refused)
	return refused, ok
}

// classifyMergeRefusal maps the status codes of the merge endpoint onto
// MergeRefusedReason values. 409 pins sha mismatches; 405, 406 and 422 are
// general refusals whose body narrows the cause.
func classifyMergeRefusal(status int, message string) MergeRefusedError {
	refused := MergeRefusedError{Status: status, Message: message}
	lower := strings.ToLower(message)
	switch status {
	case 409:
		refused.Reason = MergeRefusedSHAMismatch
	case 405, 406, 422:
		switch {
		case strings.Contains(lower, "pipeline"):
			refused.Reason = MergeRefusedPipelineNotSuccess
		case strings.Contains(lower, "discussion"):
			refused.Reason = MergeRefusedUnresolvedDiscussions
		default:
			refused.Reason = MergeRefusedNotMergeable
		}
	default:
		refused.Reason = MergeRefusedUnknown
	}
	return refused
}
