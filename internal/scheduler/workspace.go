package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/taskforge/engine/internal/git"
	"github.com/taskforge/engine/pkg/models"
)

// Workspace is an ephemeral directory allocated to one task (spec.md §6
// "Workspace"): a git worktree on the task's own branch. No overlay
// filesystem is mounted over it. It is seeded from the task's bound repo ref and
// removed after the task reaches a terminal state and its grace window
// elapses.
type Workspace struct {
	TaskID     string
	Path       string
	BranchName string
}

// WorkspaceProvider allocates and reclaims per-task workspaces. Grounded on
// the teacher's WorktreeProvider interface (internal/agent/worktree.go),
// generalized from per-agent worktrees keyed by agent ID to per-task
// worktrees keyed by task ID and seeded from the task's bound repo ref
// instead of always branching off the checked-out HEAD.
type WorkspaceProvider interface {
	Create(taskID string, repo models.RepoRef) (*Workspace, error)
	Remove(path string, force bool) error
	StartupCleanup(activeTaskIDs []string) (int, error)
}

// WorktreeWorkspaceProvider implements WorkspaceProvider on top of a git
// worktree per task, mirroring the teacher's WorktreeManager.
type WorktreeWorkspaceProvider struct {
	baseDir  string
	repoPath string
	git      git.Runner
	mu       sync.Mutex
}

// NewWorktreeWorkspaceProvider creates a provider rooted at baseDir (an
// ephemeral scratch root) that carves worktrees out of the repository
// checked out at repoPath.
func NewWorktreeWorkspaceProvider(baseDir, repoPath string, runner git.Runner) (*WorktreeWorkspaceProvider, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("workspace base dir required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base dir: %w", err)
	}
	if runner == nil {
		runner = git.NewRunner(repoPath)
	}
	return &WorktreeWorkspaceProvider{baseDir: baseDir, repoPath: repoPath, git: runner}, nil
}

const taskWorktreePrefix = "task-"

func branchNameForTask(taskID string) string {
	return taskWorktreePrefix + taskID
}

// Create carves a fresh worktree for taskID off repo.CommitSHA (or Branch if
// no commit is bound, or the checked-out HEAD if neither is set), giving the
// task an isolated filesystem view.
func (p *WorktreeWorkspaceProvider) Create(taskID string, repo models.RepoRef) (*Workspace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	branch := branchNameForTask(taskID)
	path := filepath.Join(p.baseDir, branch)

	ref := repo.CommitSHA
	if ref == "" {
		ref = repo.Branch
	}
	var err error
	if ref != "" {
		_, err = p.git.Run("worktree", "add", "-b", branch, path, ref)
	} else {
		err = p.git.WorktreeAddNewBranch(path, branch)
	}
	if err != nil {
		return nil, fmt.Errorf("create task workspace: %w", err)
	}

	return &Workspace{TaskID: taskID, Path: path, BranchName: branch}, nil
}

// Remove tears down the worktree at path. force discards any uncommitted
// changes left behind (safe once the task's outcome has been recorded).
func (p *WorktreeWorkspaceProvider) Remove(path string, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.git.WorktreeRemoveOptionalForce(path, force); err != nil {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove task workspace: %w", err)
		}
	}
	return nil
}

// StartupCleanup removes worktrees left behind by a prior process that
// crashed mid-task, recovering disk space and stale branches on restart
// (spec.md P9 restart idempotence — a crashed scheduler must not leak
// workspaces forever). activeTaskIDs lists tasks the caller has already
// resumed; their worktrees are left alone.
func (p *WorktreeWorkspaceProvider) StartupCleanup(activeTaskIDs []string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_ = p.git.WorktreePruneExpireNow()

	output, err := p.git.WorktreeListPorcelain()
	if err != nil {
		return 0, fmt.Errorf("list worktrees: %w", err)
	}

	active := make(map[string]bool, len(activeTaskIDs))
	for _, id := range activeTaskIDs {
		active[id] = true
	}

	removed := 0
	for _, path := range parseWorktreePaths(output) {
		branch := filepath.Base(path)
		if !strings.HasPrefix(branch, taskWorktreePrefix) {
			continue
		}
		taskID := strings.TrimPrefix(branch, taskWorktreePrefix)
		if active[taskID] {
			continue
		}
		if err := p.git.WorktreeRemove(path); err != nil {
			if err := os.RemoveAll(path); err != nil {
				continue
			}
		}
		removed++
	}
	return removed, nil
}

func parseWorktreePaths(porcelain string) []string {
	var paths []string
	for _, line := range strings.Split(porcelain, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths
}
