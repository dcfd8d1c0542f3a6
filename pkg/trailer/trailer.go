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

// Package trailer rewrites the trailer block of commit messages. The
// rewrite is deterministic and idempotent: values are sorted and
// de-duplicated, existing trailers of other keys (sign-offs included) are
// preserved in place, and applying the same rewrite twice yields the same
// message.
package trailer

import (
	"regexp"
	"sort"
	"strings"
)

// trailerLine matches a single "Key: value" trailer such as
// "Reviewed-by: A. Prover <a@example.com>".
var trailerLine = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*: .+$`)

// Set replaces all trailers with the given key in message by one line per
// value, sorted and de-duplicated, appended to the trailer block at the end
// of the message. A message without a trailer block gets one.
func Set(message, key string, values []string) string {
	lines := strings.Split(strings.TrimRight(message, "\n"), "\n")

	// Drop every existing line for this key, wherever it appears, so the
	// rewrite never duplicates and never depends on prior ordering.
	kept := lines[:0]
	prefix := key + ":"
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			continue
		}
		kept = append(kept, line)
	}
	lines = kept
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	deduped := dedupeSorted(values)
	if len(deduped) == 0 {
		return strings.Join(lines, "\n") + "\n"
	}

	if !endsWithTrailerBlock(lines) {
		lines = append(lines, "")
	}
	for _, value := range deduped {
		lines = append(lines, key+": "+value)
	}
	return strings.Join(lines, "\n") + "\n"
}

// endsWithTrailerBlock reports whether the final paragraph of the message
// consists only of trailer lines.
func endsWithTrailerBlock(lines []string) bool {
	sawTrailer := false
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			// A block needs content above it: a message that is
			// nothing but trailers is a subject, not a block.
			return sawTrailer && i > 0
		}
		if !trailerLine.MatchString(line) {
			return false
		}
		sawTrailer = true
	}
	return false
}

func dedupeSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
