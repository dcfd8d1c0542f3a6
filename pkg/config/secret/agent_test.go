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

package secret

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"sigs.k8s.io/tugboat/pkg/logrusutil"
)

func TestLoadSingleSecret(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []byte
		wantErr bool
	}{
		{"valid token", `121f3cb3e7f70feeb35f9204f5a988d7292c7ba1`, []byte("121f3cb3e7f70feeb35f9204f5a988d7292c7ba1"), false},
		{"valid token with surrounding whitespace", ` 121f3cb3e7f70feeb35f9204f5a988d7292c7ba1
`, []byte("121f3cb3e7f70feeb35f9204f5a988d7292c7ba1"), false},
		{"token containing linebreak", `121f3cb3e7f70feeb35f
9204f5a988d7292c7ba1`, nil, true},
	}

	secretDir := t.TempDir()
	tempSecret := filepath.Join(secretDir, "tempSecret")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.WriteFile(tempSecret, []byte(tt.content), 0666); err != nil {
				t.Fatalf("fail to write secret: %v", err)
			}
			got, err := LoadSingleSecret(tempSecret)
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadSingleSecret() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("LoadSingleSecret() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgentCensoring(t *testing.T) {
	secretDir := t.TempDir()
	tokenPath := filepath.Join(secretDir, "token")
	if err := os.WriteFile(tokenPath, []byte("SECRET"), 0600); err != nil {
		t.Fatalf("failed to write a fake secret to a file: %v", err)
	}

	agent := Agent{}
	if err := agent.Start([]string{tokenPath}); err != nil {
		t.Fatalf("failed to start a secret agent: %v", err)
	}

	if got, want := agent.GetSecret(tokenPath), []byte("SECRET"); !reflect.DeepEqual(got, want) {
		t.Errorf("GetSecret() got %q, want %q", got, want)
	}
	if got, want := string(agent.Censor([]byte("the SECRET leaked"))), "the CENSORED leaked"; got != want {
		t.Errorf("Censor() got %q, want %q", got, want)
	}

	generator := agent.GetTokenGenerator(tokenPath)
	if got, want := generator(), []byte("SECRET"); !reflect.DeepEqual(got, want) {
		t.Errorf("GetTokenGenerator()() got %q, want %q", got, want)
	}
}

func TestAgentFeedsCensoringFormatter(t *testing.T) {
	secretDir := t.TempDir()
	paths := []string{filepath.Join(secretDir, "one"), filepath.Join(secretDir, "two")}
	for i, content := range []string{"SECRET", "MYSTERY"} {
		if err := os.WriteFile(paths[i], []byte(content), 0600); err != nil {
			t.Fatalf("failed to write a fake secret to a file: %v", err)
		}
	}

	agent := Agent{}
	if err := agent.Start(paths); err != nil {
		t.Fatalf("failed to start a secret agent: %v", err)
	}

	baseFormatter := &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	}
	formatter := logrusutil.NewCensoringFormatter(baseFormatter, agent.getSecrets)

	censored, err := formatter.Format(&logrus.Entry{Message: "A SECRET is a MYSTERY"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := string(censored); strings.Contains(got, "SECRET") || strings.Contains(got, "MYSTERY") {
		t.Errorf("secrets survived censoring: %q", got)
	}
}

func TestAddWithParser(t *testing.T) {
	secretDir := t.TempDir()
	tokenPath := filepath.Join(secretDir, "count")
	if err := os.WriteFile(tokenPath, []byte("42"), 0600); err != nil {
		t.Fatalf("failed to write a fake secret to a file: %v", err)
	}

	agent := Agent{}
	getter, err := addWithParser(&agent, tokenPath, func(b []byte) (int, error) {
		return len(b), nil
	})
	if err != nil {
		t.Fatalf("addWithParser() returned error: %v", err)
	}
	if got := getter(); got != 2 {
		t.Errorf("parsed getter got %d, want 2", got)
	}
}
