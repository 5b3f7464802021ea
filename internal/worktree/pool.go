// Package worktree manages the pool of git worktrees tasks execute in.
// Each slot is an isolated checkout on a reserved ccm/wt-NN branch;
// slots are leased through the store's idle/busy status and scrubbed on
// release.
package worktree

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/zuiho-kai/claude-manager/internal/db"
	"github.com/zuiho-kai/claude-manager/internal/gitx"
)

// Pool provisions and leases worktree slots under <repo>/.worktrees.
type Pool struct {
	store    *db.DB
	runner   gitx.CommandRunner
	repoRoot string
	size     int
	logger   *slog.Logger
}

// NewPool creates a pool of the given size rooted at repoRoot.
func NewPool(store *db.DB, runner gitx.CommandRunner, repoRoot string, size int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:    store,
		runner:   runner,
		repoRoot: repoRoot,
		size:     size,
		logger:   logger,
	}
}

// Init provisions up to size slots. Existing slots (branch or checkout
// already present, row already registered) are reused, so Init is safe
// to run on every startup. A slot whose git setup fails is skipped and
// logged; the pool runs with whatever slots came up.
func (p *Pool) Init() error {
	for i := 0; i < p.size; i++ {
		name := fmt.Sprintf("wt-%02d", i)
		branch := "ccm/" + name
		path := filepath.Join(p.repoRoot, ".worktrees", name)

		if err := p.provision(name, path, branch); err != nil {
			p.logger.Warn("skipping worktree slot", "name", name, "error", err)
			continue
		}
		if err := p.store.InsertWorktree(name, path, branch); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) provision(name, path, branch string) error {
	if _, err := p.runner.Run(p.repoRoot, "git", "branch", branch); err != nil {
		if !alreadyExists(err) {
			return fmt.Errorf("create branch %s: %w", branch, err)
		}
	}
	if _, err := p.runner.Run(p.repoRoot, "git", "worktree", "add", path, branch); err != nil {
		if !alreadyExists(err) {
			return fmt.Errorf("add worktree %s: %w", name, err)
		}
	}
	return nil
}

// alreadyExists reports whether a git error means the branch or
// checkout is already in place, which Init treats as success.
func alreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "already checked out") ||
		strings.Contains(msg, "already used by worktree")
}

// Acquire leases the lowest-id idle slot, or returns (nil, nil) when
// the pool is exhausted.
func (p *Pool) Acquire() (*db.Worktree, error) {
	wt, err := p.store.AcquireWorktree()
	if err != nil {
		return nil, err
	}
	if wt != nil {
		p.logger.Debug("acquired worktree", "name", wt.Name, "id", wt.ID)
	}
	return wt, nil
}

// Release scrubs a slot's checkout and returns it to the pool. Scrub
// failures are logged but the slot still goes back to idle: a dirty
// slot is recoverable, a leaked one starves the pool.
func (p *Pool) Release(id int64) error {
	wt, err := p.store.GetWorktree(id)
	if err != nil {
		return err
	}
	if wt == nil {
		return fmt.Errorf("release worktree %d: not found", id)
	}

	if _, err := p.runner.Run(wt.Path, "git", "checkout", "--", "."); err != nil {
		p.logger.Warn("worktree checkout reset failed", "name", wt.Name, "error", err)
	}
	if _, err := p.runner.Run(wt.Path, "git", "clean", "-fd"); err != nil {
		p.logger.Warn("worktree clean failed", "name", wt.Name, "error", err)
	}

	return p.store.SetWorktreeStatus(id, db.WorktreeIdle)
}

// Remove tears down a slot's checkout and marks it removed. Removed
// slots never come back; shrink the pool by removing and restart with
// a smaller size to re-provision.
func (p *Pool) Remove(id int64) error {
	wt, err := p.store.GetWorktree(id)
	if err != nil {
		return err
	}
	if wt == nil {
		return fmt.Errorf("remove worktree %d: not found", id)
	}

	if _, err := p.runner.Run(p.repoRoot, "git", "worktree", "remove", "--force", wt.Path); err != nil {
		p.logger.Warn("git worktree remove failed", "name", wt.Name, "error", err)
	}

	return p.store.SetWorktreeStatus(id, db.WorktreeRemoved)
}
