// Package git drives the git CLI for the working tree a relay cycle runs
// in. Each task cycle happens on its own branch; the base branch is only
// touched by an explicit merge.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
)

// Repo runs git commands in one working directory.
type Repo struct {
	workDir string
}

// New creates a Repo for the given working directory.
func New(workDir string) *Repo {
	return &Repo{workDir: workDir}
}

// Dir returns the working directory.
func (r *Repo) Dir() string { return r.workDir }

// Root resolves the identity of the working tree containing dir: its
// absolute, symlink-free top-level directory.
func Root(dir string) (string, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repository at %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree for %s: %w", dir, err)
	}
	root, err := filepath.Abs(wt.Filesystem.Root())
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return root, nil
}

// HeadCommit returns the hash HEAD points at.
func (r *Repo) HeadCommit() (string, error) {
	repo, err := gogit.PlainOpenWithOptions(r.workDir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// IsGitRepo checks if the working directory is a git repository.
func (r *Repo) IsGitRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = r.workDir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// CurrentBranch returns the name of the current git branch.
func (r *Repo) CurrentBranch() (string, error) {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = r.workDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// BaseBranch detects the main/master branch name.
func (r *Repo) BaseBranch() (string, error) {
	for _, name := range []string{"main", "master"} {
		if r.BranchExists(name) {
			return name, nil
		}
	}
	return r.CurrentBranch()
}

// BranchName returns the isolation branch for a task.
// Format: {prefix}{shortID}, e.g. relay/task-1a2b3c4d
func BranchName(prefix, shortID string) string {
	return prefix + shortID
}

// BranchExists checks if a branch exists.
func (r *Repo) BranchExists(branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = r.workDir
	return cmd.Run() == nil
}

// Status returns the porcelain status lines, untracked files included.
func (r *Repo) Status() ([]string, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = r.workDir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	var lines []string
	for _, l := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// HasUncommittedChanges checks if there are uncommitted changes in the working tree.
func (r *Repo) HasUncommittedChanges() (bool, error) {
	lines, err := r.Status()
	if err != nil {
		return false, err
	}
	return len(lines) > 0, nil
}

// CreateBranch creates a new branch from the current HEAD and switches to it.
// If the branch already exists, it just switches to it.
func (r *Repo) CreateBranch(branch string) error {
	if r.BranchExists(branch) {
		return r.Checkout(branch)
	}

	cmd := exec.Command("git", "checkout", "-b", branch)
	cmd.Dir = r.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("create branch %s: %s", branch, strings.TrimSpace(string(out)))
	}
	return nil
}

// Checkout switches to an existing branch.
func (r *Repo) Checkout(branch string) error {
	cmd := exec.Command("git", "checkout", branch)
	cmd.Dir = r.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("checkout %s: %s", branch, strings.TrimSpace(string(out)))
	}
	return nil
}

// ApplyOptions selects git apply flags.
type ApplyOptions struct {
	Reverse bool
	Check   bool
}

// ErrApply is wrapped by every failed Apply.
var ErrApply = errors.New("git apply failed")

// Apply feeds patch to git apply on stdin. With Check set nothing is
// written. git apply is all-or-nothing: a patch that does not apply
// leaves the tree untouched.
func (r *Repo) Apply(ctx context.Context, patch []byte, opts ApplyOptions) error {
	args := []string{"apply", "--whitespace=nowarn"}
	if opts.Check {
		args = append(args, "--check")
	}
	if opts.Reverse {
		args = append(args, "--reverse")
	}
	args = append(args, "-")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.workDir
	cmd.Stdin = bytes.NewReader(patch)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrApply, strings.TrimSpace(string(out)))
	}
	return nil
}

// ErrIndex is wrapped when a failed commit leaves paths staged.
var ErrIndex = errors.New("git index not restored")

// Commit stages the given paths and commits them. Returns the new commit
// hash and true, or false if there was nothing to commit. A failed
// commit unstages the paths again so the index matches HEAD.
func (r *Repo) Commit(message string, paths []string) (string, bool, error) {
	addArgs := append([]string{"add", "-A", "--"}, paths...)
	addCmd := exec.Command("git", addArgs...)
	addCmd.Dir = r.workDir
	if out, err := addCmd.CombinedOutput(); err != nil {
		return "", false, fmt.Errorf("git add: %s", strings.TrimSpace(string(out)))
	}

	diffCmd := exec.Command("git", "diff", "--cached", "--quiet")
	diffCmd.Dir = r.workDir
	if err := diffCmd.Run(); err == nil {
		return "", false, nil
	}

	commitCmd := exec.Command("git", "commit", "-m", message)
	commitCmd.Dir = r.workDir
	if out, err := commitCmd.CombinedOutput(); err != nil {
		commitErr := fmt.Errorf("git commit: %s", strings.TrimSpace(string(out)))
		if err := r.unstage(paths); err != nil {
			return "", false, fmt.Errorf("%w: %w (after %v)", ErrIndex, err, commitErr)
		}
		return "", false, commitErr
	}

	sha, err := r.HeadCommit()
	if err != nil {
		return "", true, err
	}
	return sha, true, nil
}

func (r *Repo) unstage(paths []string) error {
	cmd := exec.Command("git", append([]string{"reset", "-q", "--"}, paths...)...)
	cmd.Dir = r.workDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git reset: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// ShowStat returns the --stat summary of a commit.
func (r *Repo) ShowStat(commit string) (string, error) {
	cmd := exec.Command("git", "show", "--stat", "--format=%h %s", commit)
	cmd.Dir = r.workDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git show %s: %w", commit, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// MergeBranch merges the task branch into the base branch with a merge commit.
func (r *Repo) MergeBranch(baseBranch, taskBranch string) error {
	if err := r.Checkout(baseBranch); err != nil {
		return err
	}

	cmd := exec.Command("git", "merge", taskBranch, "--no-ff",
		"-m", fmt.Sprintf("Merge %s", taskBranch))
	cmd.Dir = r.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("merge %s: %s", taskBranch, strings.TrimSpace(string(out)))
	}
	return nil
}

// DeleteBranch deletes a branch.
func (r *Repo) DeleteBranch(branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	cmd := exec.Command("git", "branch", flag, branch)
	cmd.Dir = r.workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("delete branch %s: %s", branch, strings.TrimSpace(string(out)))
	}
	return nil
}

// RejectBranch switches back to the base branch and force-deletes the task branch.
func (r *Repo) RejectBranch(baseBranch, taskBranch string) error {
	if err := r.Checkout(baseBranch); err != nil {
		return err
	}
	if !r.BranchExists(taskBranch) {
		return nil
	}
	return r.DeleteBranch(taskBranch, true)
}
