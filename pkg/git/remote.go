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

package git

import (
	"fmt"
	"net/url"
)

// RemoteResolver knows how to construct a remote URL for git calls. It is
// called at run time so that rotated credentials are always current.
type RemoteResolver func() (string, error)

// TokenGetter fetches an API token on-demand.
type TokenGetter func() []byte

// SSHRemote resolves to a fixed SSH clone URL of the form
// git@host:group/project.git.
func SSHRemote(sshURL string) RemoteResolver {
	return func() (string, error) {
		if sshURL == "" {
			return "", fmt.Errorf("project has no SSH clone URL")
		}
		return sshURL, nil
	}
}

// HTTPSRemote resolves to the HTTP clone URL with the bearer token embedded
// as basic-auth credentials, the way the platform documents token pushes.
// The token is re-read on every resolution so rotation is picked up.
func HTTPSRemote(httpURL string, token TokenGetter) RemoteResolver {
	return func() (string, error) {
		parsed, err := url.Parse(httpURL)
		if err != nil {
			return "", fmt.Errorf("could not parse clone URL %q: %w", httpURL, err)
		}
		if parsed.Host == "" {
			return "", fmt.Errorf("clone URL %q has no host", httpURL)
		}
		parsed.User = url.UserPassword("oauth2", string(token()))
		return parsed.String(), nil
	}
}
