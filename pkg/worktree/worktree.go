// Package worktree gives each worker its own git worktree of the target
// repository so concurrent workers do not edit the same checkout.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type Manager struct {
	repoPath string
	root     string
}

// NewManager manages worktrees of the repository at repoPath under
// repoPath/.specguild/worktrees.
func NewManager(repoPath string) (*Manager, error) {
	root := filepath.Join(repoPath, ".specguild", "worktrees")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees directory: %w", err)
	}
	return &Manager{repoPath: repoPath, root: root}, nil
}

func (m *Manager) Path(name string) string {
	return filepath.Join(m.root, name)
}

// Ensure returns the worktree called name, creating it on branch if it does
// not exist yet. An existing branch is checked out rather than recreated.
func (m *Manager) Ensure(ctx context.Context, name, branch string) (string, error) {
	path := m.Path(name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	args := []string{"worktree", "add", "-b", branch, path}
	if m.branchExists(ctx, branch) {
		args = []string{"worktree", "add", path, branch}
	}
	if _, err := m.git(ctx, args...); err != nil {
		return "", fmt.Errorf("create worktree %s: %w", name, err)
	}
	return path, nil
}

// Remove deletes the worktree. The branch is kept so the work can be
// reviewed or resumed.
func (m *Manager) Remove(ctx context.Context, name string) error {
	path := m.Path(name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if _, err := m.git(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("remove worktree %s: %w", name, err)
	}
	return nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, msg)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}
