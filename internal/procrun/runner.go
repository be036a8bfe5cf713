// Package procrun is the Subprocess Runner: a thin, uniform wrapper for
// invoking external tools with a per-session environment, capturing
// output, and enforcing timeouts. Grounded on the reference repo's own
// subprocess-timeout pattern (api/pkg/desktop/screenshot.go's
// tryCapturePipeWire: context.WithTimeout + exec.CommandContext +
// SysProcAttr{Setpgid: true} + syscall.Kill(-pid, SIGKILL) on the deadline)
// and its background-spawn pattern (api/pkg/desktop/exec.go's handleExec).
//
// Argument passing is always list-based: callers build an argv slice and
// this package never interpolates any of it into a shell string. That is
// a security invariant, not a style choice.
package procrun

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/dizzident/xvfb-sessiond/internal/sessionerr"
)

// Runner invokes external binaries on behalf of the core. A single
// implementation backs production use; tests substitute a fake that never
// touches the real process table.
type Runner interface {
	// RunShort invokes name with args and the given environment overlay,
	// waits up to timeout, and returns trimmed stdout on success. A
	// nonzero exit yields a ToolFailed error carrying stderr; expiry
	// yields a Timeout error and the child's process group is killed.
	RunShort(ctx context.Context, timeout time.Duration, name string, args []string, env []string) (string, error)

	// SpawnDetached starts name with args and the given environment
	// overlay as a long-lived, detached process: stdio discarded, not
	// waited on synchronously. Returns a handle used to probe liveness
	// and terminate it later.
	SpawnDetached(name string, args []string, env []string) (ProcessHandle, error)
}

// ProcessHandle is a reference to a spawned long-lived subprocess.
// Liveness is always derived, never stored as an independently-settable
// flag — see spec.md's Design Notes on process ownership as a graph.
type ProcessHandle interface {
	Pid() int
	Alive() bool
	Terminate(sig syscall.Signal) error
	TerminateAndEscalate(grace time.Duration)
}

// ExecRunner is the production Runner, backed by os/exec.
type ExecRunner struct {
	Logger zerolog.Logger
}

// NewExecRunner builds a Runner that logs each invocation at debug level
// tagged with a correlation id, so a failure can be traced back to the
// exact call that produced it.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{Logger: logger}
}

func (r *ExecRunner) RunShort(ctx context.Context, timeout time.Duration, name string, args []string, env []string) (string, error) {
	invocationID := uuid.NewString()
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = env
	// Run in its own process group so a timeout can reap the whole tree,
	// not just the direct child (xdotool, ffmpeg, and friends may fork).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.Debug().
		Str("invocation_id", invocationID).
		Str("bin", name).
		Int("argc", len(args)).
		Dur("timeout", timeout).
		Msg("procrun: running short command")

	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
		r.Logger.Debug().Str("invocation_id", invocationID).Dur("elapsed", elapsed).Msg("procrun: short command timed out")
		return "", sessionerr.Newf(sessionerr.Timeout, "%s timed out after %s", name, timeout)
	}

	if err != nil {
		r.Logger.Debug().Str("invocation_id", invocationID).Err(err).Dur("elapsed", elapsed).Msg("procrun: short command failed")
		return "", sessionerr.Wrap(sessionerr.ToolFailed, fmt.Sprintf("%s: %s", name, strings.TrimSpace(stderr.String())), err)
	}

	r.Logger.Debug().Str("invocation_id", invocationID).Dur("elapsed", elapsed).Msg("procrun: short command succeeded")
	return strings.TrimSpace(stdout.String()), nil
}

func (r *ExecRunner) SpawnDetached(name string, args []string, env []string) (ProcessHandle, error) {
	invocationID := uuid.NewString()

	cmd := exec.Command(name, args...)
	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	r.Logger.Debug().
		Str("invocation_id", invocationID).
		Str("bin", name).
		Int("pid", cmd.Process.Pid).
		Msg("procrun: spawned detached process")

	h := &Handle{cmd: cmd}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.waitErr = err
		h.mu.Unlock()
	}()
	return h, nil
}

// Handle is the production ProcessHandle, backed by an *exec.Cmd.
type Handle struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	exited  bool
	killed  bool
	waitErr error
	wg      sync.WaitGroup
}

// Pid returns the operating-system process identifier.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Alive reports whether the process has neither exited nor been killed.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited && !h.killed
}

// Terminate sends sig to the process group, tolerating the process
// already being dead. It marks the handle killed regardless of whether
// the signal was delivered, since the caller's intent was termination.
func (h *Handle) Terminate(sig syscall.Signal) error {
	h.mu.Lock()
	h.killed = true
	alreadyExited := h.exited
	h.mu.Unlock()

	if alreadyExited || h.cmd.Process == nil {
		return nil
	}

	err := unix.Kill(-h.cmd.Process.Pid, sig)
	if err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// TerminateAndEscalate sends SIGTERM, waits grace, and escalates to
// SIGKILL if the process has not exited by then. Every step is
// best-effort per spec.md §4.3.2: a failure to signal an already-dead
// process is silently tolerated.
func (h *Handle) TerminateAndEscalate(grace time.Duration) {
	_ = h.Terminate(syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		// Alive() already reports false once killed is set, so only an
		// observed exit ends the grace period early.
		h.mu.Lock()
		exited := h.exited
		h.mu.Unlock()
		if exited {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = h.Terminate(syscall.SIGKILL)
}

// EnvWithOverlay composes the process environment with an overlay applied
// in precedence order (later entries win), matching spec.md §4.3.5: process
// environment, then display selector, then Qt platform hint, then caller
// entries.
func EnvWithOverlay(base []string, overlays ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))

	addRaw := func(kv string) {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			return
		}
		key := kv[:idx]
		if _, exists := merged[key]; !exists {
			order = append(order, key)
		}
		merged[key] = kv[idx+1:]
	}
	for _, kv := range base {
		addRaw(kv)
	}
	for _, overlay := range overlays {
		for k, v := range overlay {
			if _, exists := merged[k]; !exists {
				order = append(order, k)
			}
			merged[k] = v
		}
	}

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// OSEnviron is a seam over os.Environ for tests.
var OSEnviron = os.Environ
