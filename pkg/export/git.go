package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GitManager commits the snapshot directory and optionally pushes it.
type GitManager struct {
	RepoPath string
	// SSHKeyPath authenticates pushes; ~/.ssh/id_rsa when empty.
	SSHKeyPath string
	Push       bool
}

// NewGitManager creates a new GitManager
func NewGitManager(repoPath string, push bool) *GitManager {
	return &GitManager{RepoPath: repoPath, Push: push}
}

func (g *GitManager) open() (*git.Repository, error) {
	r, err := git.PlainOpen(g.RepoPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		r, err = git.PlainInit(g.RepoPath, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repo: %w", err)
	}
	return r, nil
}

// Commit stages files (relative to the repository) and commits them. It
// reports false when nothing changed.
func (g *GitManager) Commit(message string, files ...string) (bool, error) {
	r, err := g.open()
	if err != nil {
		return false, err
	}

	w, err := r.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}

	for _, f := range files {
		if _, err := w.Add(f); err != nil {
			return false, fmt.Errorf("failed to add %s: %w", f, err)
		}
	}

	status, err := w.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}

	if message == "" {
		message = fmt.Sprintf("Snapshot: %s", time.Now().Format(time.RFC3339))
	}
	_, err = w.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "Atelier Pilot",
			Email: "pilot@atelier.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}

	if !g.Push {
		return true, nil
	}
	if err := g.push(r); err != nil {
		return true, err
	}
	return true, nil
}

func (g *GitManager) push(r *git.Repository) error {
	keyPath := g.SSHKeyPath
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		keyPath = filepath.Join(home, ".ssh", "id_rsa")
	}

	opts := &git.PushOptions{}
	if keys, err := ssh.NewPublicKeysFromFile("git", keyPath, ""); err == nil {
		opts.Auth = keys
	}

	err := r.Push(opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}
