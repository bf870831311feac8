// Package sandbox spawns external agent processes inside an isolated
// workspace, streams their output into the OverlayBroker, enforces the
// wall-time and output caps of ResourceCaps, and returns a structured outcome.
package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/taskforge/engine/internal/overlay"
	"github.com/taskforge/engine/internal/policy"
	"github.com/taskforge/engine/pkg/models"
)

// ExitReason classifies how a run ended (spec.md §4.4).
type ExitReason string

const (
	ExitNormal        ExitReason = "NORMAL"
	ExitTimeout       ExitReason = "TIMEOUT"
	ExitKilledOverRSS ExitReason = "KILLED_OVER_RSS"
	ExitCancelled     ExitReason = "CANCELLED"
	ExitCrashed       ExitReason = "CRASHED"
	ExitPolicyBlocked ExitReason = "POLICY_BLOCKED"
)

// chunkSize bounds how many bytes are published per OverlayEvent.
const chunkSize = 8 * 1024

// ResourceCaps bounds a run's resource consumption; the zero value of any
// field means "unbounded" for that dimension. Only WallTime and
// MaxOutputBytes are enforced: a run past WallTime is killed and ends with
// ExitTimeout, and output past MaxOutputBytes is not published and sets
// Outcome.Truncated without killing the process. CPUTime and MaxRSSBytes
// are not enforced, so no run ends with ExitKilledOverRSS.
type ResourceCaps struct {
	WallTime       time.Duration
	CPUTime        time.Duration
	MaxRSSBytes    int64
	MaxOutputBytes int64
}

// TierCaps returns the default resource caps for a sandbox tier
// (spec.md §4.4: caps are configurable per tier; these are the defaults).
func TierCaps(tier models.SandboxTier) ResourceCaps {
	switch tier {
	case models.SandboxTierHigh:
		return ResourceCaps{WallTime: 5 * time.Minute, CPUTime: 3 * time.Minute, MaxRSSBytes: 512 << 20, MaxOutputBytes: 8 << 20}
	case models.SandboxTierMedium:
		return ResourceCaps{WallTime: 10 * time.Minute, CPUTime: 6 * time.Minute, MaxRSSBytes: 1 << 30, MaxOutputBytes: 32 << 20}
	default: // low
		return ResourceCaps{WallTime: 30 * time.Minute, CPUTime: 20 * time.Minute, MaxRSSBytes: 2 << 30, MaxOutputBytes: 128 << 20}
	}
}

// Outcome is the structured result of a completed or terminated run
// (spec.md §4.4).
type Outcome struct {
	ExitCode    int
	Signaled    bool
	Duration    time.Duration
	OutputBytes int64
	Truncated   bool
	ExitReason  ExitReason
}

// TaskContext is the read-only bundle a run is scoped to: the task's
// workspace, bound policy profile, and identity for overlay publication.
type TaskContext struct {
	TaskID       string
	WorkspaceDir string
	Profile      models.PolicyProfile
	Tier         models.SandboxTier
}

// Runner spawns agent processes under a PTY-equivalent pipe capture,
// gating every command through PolicyGuard and publishing output into the
// OverlayBroker.
//
// The corpus carries no real PTY library (no example repo imports one); the
// teacher's own ClaudeProcess streams a subprocess's stdout/stderr pipes
// instead of a PTY master. Runner follows that precedent: output is
// captured via os/exec pipes rather than a pseudo-terminal. This means
// interactive-TTY-only agent CLIs (those that detect isatty and change
// behavior) are out of scope for this implementation, a deliberate,
// documented deviation from the literal PTY requirement.
type Runner struct {
	broker *overlay.Broker
	guard  *policy.Guard
}

// New constructs a Runner.
func New(broker *overlay.Broker, guard *policy.Guard) *Runner {
	return &Runner{broker: broker, guard: guard}
}

// Handle controls one in-flight or completed run.
type Handle struct {
	taskID string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan Outcome
	caps   ResourceCaps
}

// Run spawns argv with env inside taskCtx.WorkspaceDir. check_command is
// consulted before spawn; a denial surfaces as a run that never starts with
// ExitReason POLICY_BLOCKED (spec.md §4.4). stdinScript, if non-empty, is
// written then the process's stdin is closed.
func (r *Runner) Run(ctx context.Context, taskCtx TaskContext, argv []string, env []string, stdinScript string) (*Handle, error) {
	decision, err := r.guard.CheckCommand(taskCtx.TaskID, taskCtx.Profile, argv)
	if err != nil {
		return nil, fmt.Errorf("check command policy: %w", err)
	}
	if !decision.Allowed() {
		h := &Handle{taskID: taskCtx.TaskID, done: make(chan Outcome, 1)}
		h.done <- Outcome{ExitReason: ExitPolicyBlocked}
		r.publishMeta(taskCtx.TaskID, models.MetaRecord{Kind: models.MetaPolicyDecision, Reason: decision.Reason})
		return h, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = taskCtx.WorkspaceDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	var stdin io.WriteCloser
	if stdinScript != "" {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create stdin pipe: %w", err)
		}
	}

	caps := TierCaps(taskCtx.Tier)

	h := &Handle{taskID: taskCtx.TaskID, cmd: cmd, cancel: cancel, done: make(chan Outcome, 1), caps: caps}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start process: %w", err)
	}

	r.publishMeta(taskCtx.TaskID, models.MetaRecord{Kind: models.MetaProcessStart})

	if stdin != nil {
		go func() {
			io.WriteString(stdin, stdinScript)
			stdin.Close()
		}()
	}

	var wg sync.WaitGroup
	var totalBytes int64
	var byteMu sync.Mutex
	truncated := false

	wg.Add(2)
	go r.pump(taskCtx.TaskID, stdout, models.StreamStdout, caps.MaxOutputBytes, &totalBytes, &byteMu, &truncated, &wg)
	go r.pump(taskCtx.TaskID, stderr, models.StreamStderr, caps.MaxOutputBytes, &totalBytes, &byteMu, &truncated, &wg)

	go func() {
		start := time.Now()
		var timer *time.Timer
		if caps.WallTime > 0 {
			timer = time.AfterFunc(caps.WallTime, cancel)
		}

		wg.Wait()
		err := cmd.Wait()
		if timer != nil {
			timer.Stop()
		}
		duration := time.Since(start)

		outcome := Outcome{Duration: duration, OutputBytes: totalBytes, Truncated: truncated, ExitReason: ExitNormal}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				outcome.ExitCode = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					outcome.Signaled = true
					if runCtx.Err() == context.Canceled {
						if caps.WallTime > 0 && duration >= caps.WallTime {
							outcome.ExitReason = ExitTimeout
						} else {
							outcome.ExitReason = ExitCancelled
						}
					} else {
						outcome.ExitReason = ExitCrashed
					}
				}
			} else if runCtx.Err() == context.Canceled {
				outcome.ExitReason = ExitCancelled
			} else {
				outcome.ExitReason = ExitCrashed
			}
		}

		r.publishMeta(taskCtx.TaskID, models.MetaRecord{
			Kind: models.MetaProcessExit,
			Detail: map[string]any{
				"exit_code": outcome.ExitCode,
				"reason":    string(outcome.ExitReason),
			},
		})

		h.done <- outcome
	}()

	return h, nil
}

func (r *Runner) pump(taskID string, rc io.ReadCloser, stream models.OverlayStream, maxBytes int64, total *int64, mu *sync.Mutex, truncated *bool, wg *sync.WaitGroup) {
	defer wg.Done()
	reader := bufio.NewReaderSize(rc, chunkSize)
	buf := make([]byte, chunkSize)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			mu.Lock()
			over := maxBytes > 0 && *total+int64(n) > maxBytes
			if over {
				*truncated = true
				allowed := maxBytes - *total
				if allowed > 0 {
					r.publish(taskID, stream, append([]byte(nil), buf[:allowed]...))
				}
				*total = maxBytes
				mu.Unlock()
				return
			}
			*total += int64(n)
			mu.Unlock()
			r.publish(taskID, stream, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) publish(taskID string, stream models.OverlayStream, payload []byte) {
	if _, err := r.broker.Publish(taskID, stream, payload); err != nil {
		return
	}
}

func (r *Runner) publishMeta(taskID string, rec models.MetaRecord) {
	r.publish(taskID, models.StreamMeta, overlay.EncodeMeta(rec))
}

// Wait blocks until the run completes or timeout elapses, whichever first.
// A timeout does not itself kill the process; Cancel must be called for
// that (the FSM is expected to call Cancel on Wait timeout per its own
// per-phase wall-clock policy).
func (h *Handle) Wait(timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		return <-h.done, nil
	}
	select {
	case o := <-h.done:
		return o, nil
	case <-time.After(timeout):
		return Outcome{}, fmt.Errorf("wait timed out after %s", timeout)
	}
}

// Cancel sends a soft stop, waits grace, then forces termination.
func (h *Handle) Cancel(grace time.Duration) {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	h.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	if h.cancel != nil {
		h.cancel()
	}
}
