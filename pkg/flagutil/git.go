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
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"sigs.k8s.io/tugboat/pkg/config/secret"
	"sigs.k8s.io/tugboat/pkg/git"
)

// GitOptions holds options for cloning and pushing over git.
type GitOptions struct {
	SSHKeyFile    string
	UseHTTPS      bool
	Timeout       time.Duration
	ReferenceRepo string
	CloneRoot     string

	CommitterName  string
	CommitterEmail string
}

// AddFlags injects git options into the given FlagSet.
func (o *GitOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.SSHKeyFile, "ssh-key-file", "", "Path to the SSH private key used for fetches and pushes.")
	fs.BoolVar(&o.UseHTTPS, "use-https", false, "Fetch and push over HTTPS with the API token instead of SSH.")
	fs.DurationVar(&o.Timeout, "git-timeout", 2*time.Minute, "Timeout for individual git operations.")
	fs.StringVar(&o.ReferenceRepo, "git-reference-repo", "", "Local repository to borrow objects from when cloning.")
	fs.StringVar(&o.CloneRoot, "git-clone-root", "", "Directory that holds all clones. Defaults to a temporary directory.")
	fs.StringVar(&o.CommitterName, "committer-name", "Tugboat", "Name used for commits created by the bot.")
	fs.StringVar(&o.CommitterEmail, "committer-email", "tugboat@localhost", "Email used for commits created by the bot.")
}

// Validate ensures the options are self-consistent.
func (o *GitOptions) Validate(_ bool) error {
	var errs []error
	if !o.UseHTTPS && o.SSHKeyFile == "" {
		errs = append(errs, errors.New("--ssh-key-file is required unless --use-https is set"))
	}
	if o.UseHTTPS && o.SSHKeyFile != "" {
		errs = append(errs, errors.New("only one of --ssh-key-file and --use-https may be set"))
	}
	if o.SSHKeyFile != "" {
		if _, err := os.Stat(o.SSHKeyFile); err != nil {
			errs = append(errs, fmt.Errorf("checking --ssh-key-file: %w", err))
		}
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("--git-timeout must be positive, got %v", o.Timeout))
	}
	return utilerrors.NewAggregate(errs)
}

// GitClient returns a client that clones under the configured root and
// censors secrets out of command output.
func (o *GitOptions) GitClient() (*git.Client, error) {
	return git.NewClient(git.ClientOptions{
		Root:           o.CloneRoot,
		Timeout:        o.Timeout,
		ReferenceRepo:  o.ReferenceRepo,
		SSHKeyFile:     o.SSHKeyFile,
		Censor:         secret.Censor,
		CommitterName:  o.CommitterName,
		CommitterEmail: o.CommitterEmail,
	})
}
