// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Credentials supplies the username and password used to push to the
// index remote. It is consulted on every push attempt so rotated
// credentials take effect mid-loop.
type Credentials interface {
	Userpass(ctx context.Context) (user, password string, err error)
}

// EnvCredentials reads GIT_HTTP_USER and GIT_HTTP_PWD from the process
// environment.
type EnvCredentials struct{}

func (EnvCredentials) Userpass(ctx context.Context) (string, string, error) {
	user, password := os.Getenv("GIT_HTTP_USER"), os.Getenv("GIT_HTTP_PWD")
	if user == "" || password == "" {
		return "", "", fmt.Errorf("no git authentication set")
	}
	return user, password, nil
}

// StaticCredentials holds a fixed username and password.
type StaticCredentials struct {
	User     string
	Password string
}

func (c StaticCredentials) Userpass(ctx context.Context) (string, string, error) {
	return c.User, c.Password, nil
}

// credentialHelper makes git read the username and password from the
// environment instead of prompting.
const credentialHelper = `!f() { echo "username=$GIT_HTTP_USER"; echo "password=$GIT_HTTP_PWD"; }; f`

// runner executes a git command in dir with extra environment and
// returns its combined output. Injectable for tests.
type runner func(ctx context.Context, dir string, env []string, args ...string) ([]byte, error)

func execGit(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// GitRepo drives a git working copy of the index through the git CLI.
type GitRepo struct {
	root   string
	branch string
	creds  Credentials
	run    runner
}

var _ Repo = (*GitRepo)(nil)

// OpenGit returns a GitRepo over an existing clone at root tracking
// branch on the remote named origin.
func OpenGit(root, branch string, creds Credentials) *GitRepo {
	if branch == "" {
		branch = "master"
	}
	return &GitRepo{root: root, branch: branch, creds: creds, run: execGit}
}

func (r *GitRepo) Root() string { return r.root }

func (r *GitRepo) Commit(ctx context.Context, path, message string) error {
	if out, err := r.run(ctx, r.root, nil, "add", path); err != nil {
		return fmt.Errorf("git add %s: %v: %s", path, err, out)
	}
	out, err := r.run(ctx, r.root, nil,
		"-c", "user.name=stash",
		"-c", "user.email=publish@stash.invalid",
		"commit", "-m", message)
	if err != nil {
		// A redelivered job can re-derive a mutation whose effect is
		// already committed, leaving a clean tree. That is success, not
		// a failure: the subsequent push is a no-op.
		if bytes.Contains(out, []byte("nothing to commit")) {
			return nil
		}
		return fmt.Errorf("git commit: %v: %s", err, out)
	}
	return nil
}

func (r *GitRepo) Push(ctx context.Context) error {
	user, password, err := r.creds.Userpass(ctx)
	if err != nil {
		return fmt.Errorf("index credentials: %w", err)
	}
	env := []string{
		"GIT_HTTP_USER=" + user,
		"GIT_HTTP_PWD=" + password,
		"GIT_TERMINAL_PROMPT=0",
	}
	out, err := r.run(ctx, r.root, env,
		"-c", "credential.helper="+credentialHelper,
		"push", "origin", r.branch)
	if err != nil {
		if pushRejected(out) {
			return fmt.Errorf("%w: %s", ErrPushRejected, bytes.TrimSpace(out))
		}
		return fmt.Errorf("git push: %v: %s", err, out)
	}
	return nil
}

// pushRejected reports whether git's output indicates the remote
// refused the ref update, as opposed to a transport failure.
func pushRejected(out []byte) bool {
	return bytes.Contains(out, []byte("[rejected]")) ||
		bytes.Contains(out, []byte("non-fast-forward")) ||
		bytes.Contains(out, []byte("failed to push some refs"))
}

func (r *GitRepo) ResetToRemote(ctx context.Context) error {
	user, password, err := r.creds.Userpass(ctx)
	if err != nil {
		return fmt.Errorf("index credentials: %w", err)
	}
	env := []string{
		"GIT_HTTP_USER=" + user,
		"GIT_HTTP_PWD=" + password,
		"GIT_TERMINAL_PROMPT=0",
	}
	if out, err := r.run(ctx, r.root, env,
		"-c", "credential.helper="+credentialHelper,
		"fetch", "origin", r.branch); err != nil {
		return fmt.Errorf("git fetch: %v: %s", err, out)
	}
	if out, err := r.run(ctx, r.root, nil, "reset", "--hard", "origin/"+r.branch); err != nil {
		return fmt.Errorf("git reset: %v: %s", err, out)
	}
	return nil
}
