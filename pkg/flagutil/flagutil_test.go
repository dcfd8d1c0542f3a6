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
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStrings(t *testing.T) {
	var testCases = []struct {
		name     string
		defaults []string
		values   []string
		expected []string
	}{
		{
			name:     "nothing set returns defaults",
			defaults: []string{"a", "b"},
			expected: []string{"a", "b"},
		},
		{
			name:     "set once drops defaults",
			defaults: []string{"a"},
			values:   []string{"c"},
			expected: []string{"c"},
		},
		{
			name:     "set accumulates",
			values:   []string{"c", "d"},
			expected: []string{"c", "d"},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			s := NewStrings(testCase.defaults...)
			for _, v := range testCase.values {
				if err := s.Set(v); err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if diff := cmp.Diff(testCase.expected, s.Strings()); diff != "" {
				t.Errorf("values did not match expected, diff: %s", diff)
			}
		})
	}
}

func TestGitLabOptionsValidate(t *testing.T) {
	var testCases = []struct {
		name        string
		mutate      func(*GitLabOptions)
		expectedErr bool
	}{
		{
			name:   "token file is enough",
			mutate: func(o *GitLabOptions) {},
		},
		{
			name: "no token at all",
			mutate: func(o *GitLabOptions) {
				o.TokenPath = ""
			},
			expectedErr: true,
		},
		{
			name: "both token and token file",
			mutate: func(o *GitLabOptions) {
				o.Token = "t0ps3cret"
			},
			expectedErr: true,
		},
		{
			name: "url without scheme",
			mutate: func(o *GitLabOptions) {
				o.URL = "gitlab.example.com"
			},
			expectedErr: true,
		},
		{
			name: "burst larger than hourly tokens",
			mutate: func(o *GitLabOptions) {
				o.ThrottleHourlyTokens = 10
				o.ThrottleAllowBurst = 100
			},
			expectedErr: true,
		},
		{
			name: "throttling disabled ignores burst",
			mutate: func(o *GitLabOptions) {
				o.ThrottleHourlyTokens = 0
				o.ThrottleAllowBurst = 100
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			o := GitLabOptions{
				URL:                  "https://gitlab.example.com",
				TokenPath:            "/etc/token",
				ThrottleHourlyTokens: 3600,
				ThrottleAllowBurst:   60,
			}
			testCase.mutate(&o)
			err := o.Validate(false)
			if testCase.expectedErr && err == nil {
				t.Error("expected an error, got none")
			}
			if !testCase.expectedErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestTokenGeneratorReadsTheFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	o := GitLabOptions{TokenPath: tokenFile}
	getToken, err := o.TokenGenerator()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(getToken()); got != "s3cret" {
		t.Errorf("expected the trimmed token, got %q", got)
	}
}

func TestTokenGeneratorRejectsEmptyFiles(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte(" \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	o := GitLabOptions{TokenPath: tokenFile}
	if _, err := o.TokenGenerator(); err == nil {
		t.Error("expected an empty token file to be rejected")
	}
}

func TestGitOptionsValidate(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyFile, []byte("key"), 0o600); err != nil {
		t.Fatal(err)
	}
	var testCases = []struct {
		name        string
		options     GitOptions
		expectedErr bool
	}{
		{
			name:    "ssh key",
			options: GitOptions{SSHKeyFile: keyFile, Timeout: time.Minute},
		},
		{
			name:    "https",
			options: GitOptions{UseHTTPS: true, Timeout: time.Minute},
		},
		{
			name:        "neither transport",
			options:     GitOptions{Timeout: time.Minute},
			expectedErr: true,
		},
		{
			name:        "both transports",
			options:     GitOptions{SSHKeyFile: keyFile, UseHTTPS: true, Timeout: time.Minute},
			expectedErr: true,
		},
		{
			name:        "missing key file",
			options:     GitOptions{SSHKeyFile: filepath.Join(t.TempDir(), "nope"), Timeout: time.Minute},
			expectedErr: true,
		},
		{
			name:        "zero timeout",
			options:     GitOptions{UseHTTPS: true},
			expectedErr: true,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.options.Validate(false)
			if testCase.expectedErr && err == nil {
				t.Error("expected an error, got none")
			}
			if !testCase.expectedErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	explicit := fs.String("explicit-option", "default", "")
	fromEnv := fs.String("env-option", "default", "")
	untouched := fs.String("untouched-option", "default", "")
	if err := fs.Parse([]string{"--explicit-option=cli"}); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TUGBOAT_EXPLICIT_OPTION", "env")
	t.Setenv("TUGBOAT_ENV_OPTION", "env")
	if err := ApplyEnv(fs, "TUGBOAT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *explicit != "cli" {
		t.Errorf("explicit flag should win over the environment, got %q", *explicit)
	}
	if *fromEnv != "env" {
		t.Errorf("unset flag should take the environment value, got %q", *fromEnv)
	}
	if *untouched != "default" {
		t.Errorf("flag without an environment variable should keep its default, got %q", *untouched)
	}
}
