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

package flagutil

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"net/url"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"sigs.k8s.io/tugboat/pkg/config/secret"
	"sigs.k8s.io/tugboat/pkg/gitlab"
)

// GitLabOptions holds options for interacting with the platform API.
type GitLabOptions struct {
	URL       string
	Token     string
	TokenPath string

	ThrottleHourlyTokens int
	ThrottleAllowBurst   int
	MaxInflightRequests  int
}

// AddFlags injects platform options into the given FlagSet.
func (o *GitLabOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.URL, "gitlab-url", "https://gitlab.com", "Base URL of the platform.")
	fs.StringVar(&o.Token, "auth-token", "", "Bearer token for the platform API. Prefer --auth-token-file, which hot-reloads and censors.")
	fs.StringVar(&o.TokenPath, "auth-token-file", "", "Path to the file containing the bearer token for the platform API.")
	fs.IntVar(&o.ThrottleHourlyTokens, "hourly-tokens", 3600, "If larger than zero, limit hourly token consumption client-side.")
	fs.IntVar(&o.ThrottleAllowBurst, "burst", 60, "Size of token consumption bursts; requires --hourly-tokens to be at least as large.")
	fs.IntVar(&o.MaxInflightRequests, "max-inflight-requests", 10, "Bound on concurrently outstanding API requests.")
}

// Validate ensures the options are self-consistent.
func (o *GitLabOptions) Validate(_ bool) error {
	var errs []error
	if o.Token == "" && o.TokenPath == "" {
		errs = append(errs, errors.New("one of --auth-token or --auth-token-file is required"))
	}
	if o.Token != "" && o.TokenPath != "" {
		errs = append(errs, errors.New("only one of --auth-token and --auth-token-file may be set"))
	}
	if u, err := url.Parse(o.URL); err != nil {
		errs = append(errs, fmt.Errorf("invalid --gitlab-url %q: %w", o.URL, err))
	} else if u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid --gitlab-url %q: scheme and host are required", o.URL))
	}
	if o.ThrottleHourlyTokens > 0 && o.ThrottleAllowBurst > o.ThrottleHourlyTokens {
		errs = append(errs, errors.New("--burst must not exceed --hourly-tokens"))
	}
	return utilerrors.NewAggregate(errs)
}

// TokenGenerator resolves the configured token, via the secret agent when
// a token file is used so rotation is picked up. The file is re-parsed on
// every reload; a rotation that empties it keeps the last good token.
func (o *GitLabOptions) TokenGenerator() (gitlab.TokenGenerator, error) {
	if o.TokenPath != "" {
		getToken, err := secret.AddWithParser(o.TokenPath, parseToken)
		if err != nil {
			return nil, fmt.Errorf("starting secret agent: %w", err)
		}
		return getToken, nil
	}
	token := []byte(o.Token)
	return func() []byte { return token }, nil
}

// parseToken rejects empty token files so a botched rotation surfaces as a
// reload error instead of a 401 storm against the platform.
func parseToken(b []byte) ([]byte, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("token file is empty")
	}
	return b, nil
}

// GitLabClient returns an authenticated platform client honoring the
// throttling options.
func (o *GitLabOptions) GitLabClient(dryRun bool) (*gitlab.Client, error) {
	getToken, err := o.TokenGenerator()
	if err != nil {
		return nil, err
	}
	newClient := gitlab.NewClient
	if dryRun {
		newClient = gitlab.NewDryRunClient
	}
	client, err := newClient(o.URL, getToken, secret.Censor)
	if err != nil {
		return nil, err
	}
	client.Throttle(o.ThrottleHourlyTokens, o.ThrottleAllowBurst)
	client.SetMaxInflight(int64(o.MaxInflightRequests))
	return client, nil
}
