/*
Copyright 2023 The Kubernetes Authors.

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

package logrusutil

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"
)

func TestDefaultFieldsFormatter(t *testing.T) {
	baseFormatter := &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	}
	formatter := &DefaultFieldsFormatter{
		WrappedFormatter: baseFormatter,
		DefaultFields:    logrus.Fields{"component": "tugboat"},
	}

	out, err := formatter.Format(&logrus.Entry{
		Message: "merged",
		Data:    logrus.Fields{"project": "gorp/maintainer"},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := "level=panic msg=merged component=tugboat project=gorp/maintainer\n"
	if string(out) != expected {
		t.Errorf("Expected %q, got %q", expected, string(out))
	}

	// Entry fields win over defaults.
	out, err = formatter.Format(&logrus.Entry{
		Message: "merged",
		Data:    logrus.Fields{"component": "batch"},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected = "level=panic msg=merged component=batch\n"
	if string(out) != expected {
		t.Errorf("Expected %q, got %q", expected, string(out))
	}
}

func TestCensoringFormatter(t *testing.T) {
	testCases := []struct {
		description string
		entry       *logrus.Entry
		expected    string
	}{
		{
			description: "all occurrences of a single secret in a message are censored",
			entry:       &logrus.Entry{Message: "A SECRET is a SECRET if it is secret"},
			expected:    "level=panic msg=\"A ****** is a ****** if it is secret\"\n",
		},
		{
			description: "occurrences of multiple secrets in a message are censored",
			entry:       &logrus.Entry{Message: "A SECRET is a MYSTERY"},
			expected:    "level=panic msg=\"A ****** is a *******\"\n",
		},
		{
			description: "occurrences of multiple secrets in a field",
			entry:       &logrus.Entry{Message: "message", Data: logrus.Fields{"key": "A SECRET is a MYSTERY"}},
			expected:    "level=panic msg=message key=\"A ****** is a *******\"\n",
		},
		{
			description: "occurrences of a secret in an error field",
			entry:       &logrus.Entry{Message: "message", Data: logrus.Fields{"key": fmt.Errorf("A SECRET is a MYSTERY")}},
			expected:    "level=panic msg=message key=\"A ****** is a *******\"\n",
		},
	}

	baseFormatter := &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	}
	formatter := NewCensoringFormatter(baseFormatter, func() sets.String {
		return sets.NewString("MYSTERY", "SECRET")
	})

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			censored, err := formatter.Format(tc.entry)
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if string(censored) != tc.expected {
				t.Errorf("Expected '%s', got '%s'", tc.expected, string(censored))
			}
		})
	}
}

func TestCensoringFormatterWithCornerCases(t *testing.T) {
	entry := &logrus.Entry{Message: "message", Data: logrus.Fields{"key": fmt.Errorf("A SECRET is a secret")}}
	expectedEntry := "level=panic msg=message key=\"A ****** is a secret\"\n"

	testCases := []struct {
		description string
		secrets     sets.String
		expected    string
	}{
		{
			description: "empty string",
			secrets:     sets.NewString("SECRET", ""),
			expected:    expectedEntry,
		},
		{
			description: "leading line break",
			secrets:     sets.NewString("\nSECRET", ""),
			expected:    expectedEntry,
		},
		{
			description: "trailing line break",
			secrets:     sets.NewString("SECRET\n", ""),
			expected:    expectedEntry,
		},
		{
			description: "leading and trailing space",
			secrets:     sets.NewString(" SECRET ", ""),
			expected:    expectedEntry,
		},
	}

	baseFormatter := &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			formatter := NewCensoringFormatter(baseFormatter, func() sets.String {
				return tc.secrets
			})

			censored, err := formatter.Format(entry)
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if string(censored) != tc.expected {
				t.Errorf("Expected '%s', got '%s'", tc.expected, string(censored))
			}
		})
	}
}

func TestCensoringFormatterDoesntDeadLockWhenUsedWithStandardLogger(t *testing.T) {
	// The whitespace makes the censoring formatter emit a warning. If it used
	// the same global logger, that would deadlock.
	logrus.SetFormatter(NewCensoringFormatter(logrus.StandardLogger().Formatter, func() sets.String {
		return sets.NewString(" untrimmed")
	}))
	logrus.Info("test")
}
