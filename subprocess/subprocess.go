// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package subprocess is the explicit collaborator that replaces a
// process-wide subprocess-manager singleton (spec.md §9): callers inject
// a *Manager wherever they would otherwise reach for package-level
// helpers, and every acquired child is guaranteed to be reaped on every
// exit path, including context cancellation.
package subprocess

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/coreos/pkg/capnslog"
	"github.com/kballard/go-shellquote"

	"github.com/Project-Flare-Staging/system-update-engine/system/exec"
)

var plog = capnslog.NewPackageLogger("github.com/Project-Flare-Staging/system-update-engine", "subprocess")

// Manager runs external commands (cgpt, dmsetup) on behalf of the
// bootslot and snapshot packages. It carries no process-wide state: the
// zero value is ready to use, and callers may construct as many as they
// like (tests use one per fixture).
type Manager struct{}

// New returns a ready Manager. A constructor exists, rather than relying
// on the zero value directly, so call sites read like every other
// collaborator in this tree and so a future Manager can grow fields
// (e.g. a default timeout) without breaking callers.
func New() *Manager {
	return &Manager{}
}

// Result is the outcome of a completed command, kept minimal: callers
// that need stdout parse it themselves.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Run executes name with args to completion, returning its captured
// stdout/stderr. The child is guaranteed reaped: cmd.Run waits for it,
// ctx cancellation kills it, and the deferred Kill (sync.Once-guarded,
// see system/exec) is harmless after exit.
func (m *Manager) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return m.run(ctx, nil, name, args...)
}

// RunStdin is Run with stdin piped from r, used by the generator
// package to drive a bzip2/lbzip2 filter over in-memory data.
func (m *Manager) RunStdin(ctx context.Context, r io.Reader, name string, args ...string) (*Result, error) {
	return m.run(ctx, r, name, args...)
}

func (m *Manager) run(ctx context.Context, stdin io.Reader, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	plog.Debugf("running: %s", shellquote.Join(append([]string{name}, args...)...))

	runErr := cmd.Run()
	defer cmd.Kill() // no-op if already exited cleanly

	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		return res, fmt.Errorf("%s: %w: %s", name, runErr, stderr.String())
	}
	return res, nil
}
