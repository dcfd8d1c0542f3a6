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
	"fmt"
	"os"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// ApplyEnv sets every flag in fs that was not set on the command line from
// the environment variable <prefix>_<FLAG_NAME>, with the flag name
// upper-cased and dashes replaced by underscores. It must be called after
// fs.Parse so that explicit flags win over the environment.
func ApplyEnv(fs *flag.FlagSet, prefix string) error {
	explicit := sets.NewString()
	fs.Visit(func(f *flag.Flag) {
		explicit.Insert(f.Name)
	})
	var applyErr error
	fs.VisitAll(func(f *flag.Flag) {
		if applyErr != nil || explicit.Has(f.Name) {
			return
		}
		key := prefix + "_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		value, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, value); err != nil {
			applyErr = fmt.Errorf("setting --%s from %s: %w", f.Name, key, err)
		}
	})
	return applyErr
}
