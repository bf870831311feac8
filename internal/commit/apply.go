// Package commit applies a CODE phase's PatchSet to a task's workspace and,
// once the adapter's review and commit_message outcomes clear, turns the
// staged result into a real commit. Grounded on internal/merge/handler.go's
// Handler (a thin wrapper around git.Runner exposing one domain operation per
// method), narrowed from branch-to-branch merging to single-patch apply.
package commit

import (
	"bytes"
	"context"
	"fmt"

	"github.com/taskforge/engine/internal/git"
	"github.com/taskforge/engine/pkg/models"
)

// PatchApplier applies a PatchSet to a task's workspace and commits the
// result once the adapter approves a commit message. Implementations must
// detect PATCH_CONFLICT (spec.md §7): the patch's precondition sha no longer
// matching the workspace's current head.
type PatchApplier interface {
	// Apply applies patch to the working tree rooted at workspaceDir. It
	// returns the workspace's head sha at the time of the call and whether
	// patch.PreconditionSHA had already gone stale (conflict=true); a
	// conflicting patch is never applied. A non-nil error indicates an
	// operational failure distinct from a conflict.
	Apply(ctx context.Context, workspaceDir string, patch models.PatchSet) (headSHA string, conflict bool, err error)

	// Commit turns whatever is currently staged into a commit with message.
	// A no-op (nil error) if nothing is staged.
	Commit(ctx context.Context, workspaceDir string, message string) error
}

// GitApplier is the git-backed PatchApplier used in production.
type GitApplier struct {
	newRunner func(workspaceDir string) git.Runner
}

// NewGitApplier constructs a GitApplier driving the real git binary.
func NewGitApplier() *GitApplier {
	return &GitApplier{newRunner: func(dir string) git.Runner { return git.NewRunner(dir) }}
}

// Apply implements PatchApplier.
func (a *GitApplier) Apply(ctx context.Context, workspaceDir string, patch models.PatchSet) (string, bool, error) {
	runner := a.newRunner(workspaceDir)

	head, err := runner.HeadSHA()
	if err != nil {
		return "", false, fmt.Errorf("read workspace head: %w", err)
	}

	if patch.PreconditionSHA != "" && patch.PreconditionSHA != head {
		return head, true, nil
	}
	if len(patch.Edits) == 0 {
		return head, false, nil
	}

	var combined bytes.Buffer
	paths := make([]string, 0, len(patch.Edits))
	for _, edit := range patch.Edits {
		combined.Write(edit.Diff)
		if len(edit.Diff) > 0 && edit.Diff[len(edit.Diff)-1] != '\n' {
			combined.WriteByte('\n')
		}
		paths = append(paths, edit.Path)
	}

	if err := runner.ApplyPatch(combined.Bytes()); err != nil {
		// A stale precondition sha is the expected cause of a failed apply
		// even when PreconditionSHA happened to match (e.g. an
		// uncommitted change moved a hunk's context lines); treat it the
		// same as an explicit sha mismatch rather than failing the task.
		return head, true, nil
	}

	if err := runner.Add(paths...); err != nil {
		return head, false, fmt.Errorf("stage applied patch: %w", err)
	}
	return head, false, nil
}

// Commit implements PatchApplier.
func (a *GitApplier) Commit(ctx context.Context, workspaceDir string, message string) error {
	runner := a.newRunner(workspaceDir)

	has, err := runner.HasChanges()
	if err != nil {
		return fmt.Errorf("check workspace status: %w", err)
	}
	if !has {
		return nil
	}
	if message == "" {
		message = "applied patch"
	}
	if err := runner.Commit(message); err != nil {
		return fmt.Errorf("commit applied patch: %w", err)
	}
	return nil
}

var _ PatchApplier = (*GitApplier)(nil)
