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
	"context"
	"fmt"
	"strings"
)

type execResponse struct {
	out []byte
	err error
}

// fakeExecutor is useful in testing for mocking an executor
type fakeExecutor struct {
	records   [][]string
	responses map[string]execResponse
}

func (e *fakeExecutor) Run(_ context.Context, args ...string) ([]byte, error) {
	return e.RunWithInput(context.Background(), nil, nil, args...)
}

func (e *fakeExecutor) RunWithInput(_ context.Context, _ []string, _ []byte, args ...string) ([]byte, error) {
	e.records = append(e.records, args)
	key := strings.Join(args, " ")
	if response, ok := e.responses[key]; ok {
		if response.err != nil {
			return response.out, ExecError{Args: args, Output: string(response.out), Err: response.err}
		}
		return response.out, nil
	}
	return []byte{}, fmt.Errorf("no response configured for %s", key)
}
