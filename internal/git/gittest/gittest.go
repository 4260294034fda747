// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var env = []string{
	"GIT_AUTHOR_NAME=test",
	"GIT_AUTHOR_EMAIL=test@test.com",
	"GIT_COMMITTER_NAME=test",
	"GIT_COMMITTER_EMAIL=test@test.com",
	"GIT_CONFIG_NOSYSTEM=1",
}

// Run runs git in dir and fails the test on error.
func Run(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %s\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates a temporary repo on branch main whose first commit
// holds README.md plus files.
func InitRepo(t testing.TB, files map[string]string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()

	Run(t, dir, "init", "-b", "main")
	Run(t, dir, "config", "user.email", "test@test.com")
	Run(t, dir, "config", "user.name", "test")
	Run(t, dir, "config", "commit.gpgsign", "false")

	WriteFile(t, dir, "README.md", "# test\n")
	for name, content := range files {
		WriteFile(t, dir, name, content)
	}
	Run(t, dir, "add", ".")
	Run(t, dir, "commit", "-m", "initial commit")

	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	return dir
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t testing.TB, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the content of dir/name, or "" if it does not exist.
func ReadFile(t testing.TB, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	if os.IsNotExist(err) {
		return ""
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// InstallHook writes an executable hook script into dir/.git/hooks.
func InstallHook(t testing.TB, dir, name, script string) {
	t.Helper()
	p := filepath.Join(dir, ".git", "hooks", name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
}

// RemoveHook deletes a hook installed with InstallHook.
func RemoveHook(t testing.TB, dir, name string) {
	t.Helper()
	if err := os.Remove(filepath.Join(dir, ".git", "hooks", name)); err != nil {
		t.Fatal(err)
	}
}
