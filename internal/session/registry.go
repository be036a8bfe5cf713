package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dizzident/xvfb-sessiond/internal/config"
	"github.com/dizzident/xvfb-sessiond/internal/display"
	"github.com/dizzident/xvfb-sessiond/internal/procrun"
	"github.com/dizzident/xvfb-sessiond/internal/sessionerr"
)

// Registry is the process-wide, in-memory table of live sessions
// (spec.md §3, §4.3). It owns display allocation and the session
// identifier counter; both are process-wide state mutated only by the
// Registry in response to Create/Destroy/Exec.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	nextID   uint64

	allocator *display.Allocator
	runner    procrun.Runner
	cfg       config.Config
	logger    zerolog.Logger
}

// NewRegistry builds a Registry. runner is the Subprocess Runner used for
// every subprocess the lifecycle and later operations need.
func NewRegistry(cfg config.Config, runner procrun.Runner, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		allocator: display.NewAllocator(cfg.FirstDisplay, cfg.LockFileDir),
		runner:    runner,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateOptions holds the inputs to Create (spec.md §4.3.1); zero values
// mean "apply the configured default".
type CreateOptions struct {
	Width          int
	Height         int
	Depth          int
	NoWindowManager bool
}

func (o CreateOptions) withDefaults(cfg config.Config) CreateOptions {
	if o.Width <= 0 {
		o.Width = cfg.DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = cfg.DefaultHeight
	}
	if o.Depth <= 0 {
		o.Depth = cfg.DefaultDepth
	}
	return o
}

// Create allocates a display, spawns the framebuffer (and, unless
// disabled, a window manager), waits for readiness, and registers the new
// session. On any failure every subprocess started during this call is
// torn down before returning (spec.md §4.3.1 invariant).
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	opts = opts.withDefaults(r.cfg)

	displayNum, err := r.allocator.Allocate()
	if err != nil {
		return nil, sessionerr.Wrap(sessionerr.InitFailed, "allocate display", err)
	}

	id := r.mintID()
	selector := displaySelector(displayNum)

	fbArgs := []string{
		selector,
		"-screen", "0", fmt.Sprintf("%dx%dx%d", opts.Width, opts.Height, opts.Depth),
		"-ac",
		"+extension", "GLX",
		"+render",
		"-noreset",
	}
	fbEnv := procrun.EnvWithOverlay(procrun.OSEnviron(), map[string]string{"DISPLAY": selector})

	r.logger.Debug().Str("session_id", id).Int("display", displayNum).Msg("registry: spawning framebuffer")
	fb, err := r.runner.SpawnDetached(r.cfg.XvfbBin, fbArgs, fbEnv)
	if err != nil {
		return nil, sessionerr.Wrap(sessionerr.InitFailed, "spawn framebuffer", err)
	}

	if err := r.waitForReady(ctx, displayNum); err != nil {
		fb.TerminateAndEscalate(r.cfg.ShortCommandTimeout)
		return nil, err
	}

	var wm procrun.ProcessHandle
	if !opts.NoWindowManager {
		wmEnv := procrun.EnvWithOverlay(procrun.OSEnviron(), map[string]string{"DISPLAY": selector})
		w, err := r.runner.SpawnDetached(r.cfg.OpenboxBin, nil, wmEnv)
		if err != nil {
			// Not fatal: the optional window manager failing to start is
			// logged and the session continues (spec.md §4.3.1 step 4, §7).
			r.logger.Warn().Str("session_id", id).Err(err).Msg("registry: window manager failed to start, continuing without it")
		} else {
			wm = w
			sleep(r.cfg.WindowManagerSettle)
		}
	}

	sess := newSession(id, displayNum, opts.Width, opts.Height, opts.Depth, fb)
	sess.WindowManager = wm

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	r.logger.Info().Str("session_id", id).Int("display", displayNum).Int("width", opts.Width).Int("height", opts.Height).Msg("registry: session created")
	return sess, nil
}

// waitForReady implements the readiness wait of spec.md §4.3.1 step 3:
// poll xdpyinfo every ReadinessPoll interval, succeeding on its first
// zero exit; if xdpyinfo itself is unavailable but the host lock file now
// exists, wait LockFileGrace longer and treat that as ready.
func (r *Registry) waitForReady(ctx context.Context, displayNum int) error {
	deadline := time.Now().Add(r.cfg.ReadinessDeadline)
	selector := displaySelector(displayNum)
	env := procrun.EnvWithOverlay(procrun.OSEnviron(), map[string]string{"DISPLAY": selector})

	toolMissing := false
	for {
		_, err := r.runner.RunShort(ctx, r.cfg.ShortCommandTimeout, r.cfg.XdpyinfoBin, []string{"-display", selector}, env)
		if err == nil {
			return nil
		}
		if isBinaryMissing(err) {
			toolMissing = true
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		sleep(r.cfg.ReadinessPoll)
	}

	if toolMissing && lockFileExists(r.cfg.LockFileDir, displayNum) {
		sleep(r.cfg.LockFileGrace)
		return nil
	}
	if lockFileExists(r.cfg.LockFileDir, displayNum) && time.Now().Before(deadline.Add(r.cfg.LockFileGrace)) {
		sleep(r.cfg.LockFileGrace)
		return nil
	}

	return sessionerr.Newf(sessionerr.InitFailed, "display :%d did not become ready within %s", displayNum, r.cfg.ReadinessDeadline)
}

func isBinaryMissing(err error) bool {
	// RunShort wraps exec errors; exec.ErrNotFound's "executable file not
	// found" message surfaces through that wrapper when the binary is
	// absent from PATH, which is the only case meant by "tool is
	// unavailable".
	return err != nil && strings.Contains(err.Error(), "executable file not found")
}

func lockFileExists(lockDir string, displayNum int) bool {
	_, err := os.Stat(lockDir + "/.X" + strconv.Itoa(displayNum) + "-lock")
	return err == nil
}

// Destroy tears down a session: launched applications, then window
// manager, then framebuffer, in that order (spec.md §4.3.2, Design
// Notes — reversing this races children against a dead display). Every
// termination is best-effort. The session is removed from the Registry
// only after every termination has been attempted.
func (r *Registry) Destroy(_ context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return sessionerr.Newf(sessionerr.NotFound, "no session %q", id)
	}

	for _, p := range sess.ProcessSnapshot() {
		p.Handle.TerminateAndEscalate(r.cfg.ShortCommandTimeout)
	}
	if sess.WindowManager != nil {
		sess.WindowManager.TerminateAndEscalate(r.cfg.ShortCommandTimeout)
	}
	sess.Framebuffer.TerminateAndEscalate(r.cfg.ShortCommandTimeout)

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.logger.Info().Str("session_id", id).Msg("registry: session destroyed")
	return nil
}

// Resolve returns the session named by id, or — when id is empty — the
// sole registered session, failing with NoSession / Ambiguous otherwise
// (spec.md §4.3.3). This shortcut is a Façade-layer convenience; the
// Registry never applies it on its own (spec.md Design Notes).
func (r *Registry) Resolve(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		sess, ok := r.sessions[id]
		if !ok {
			return nil, sessionerr.Newf(sessionerr.NotFound, "no session %q", id)
		}
		return sess, nil
	}

	switch len(r.sessions) {
	case 0:
		return nil, sessionerr.New(sessionerr.NoSession, "no sessions are registered")
	case 1:
		for _, sess := range r.sessions {
			return sess, nil
		}
	}

	ids := r.idsLocked()
	return nil, sessionerr.Newf(sessionerr.Ambiguous, "multiple sessions registered, specify one of: %s", strings.Join(ids, ", "))
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionSummary is the List() snapshot shape (spec.md §4.3.4).
type SessionSummary struct {
	ID        string
	Display   int
	Width     int
	Height    int
	Processes []ProcessSummary
}

// ProcessSummary is one launched-process row inside a SessionSummary.
type ProcessSummary struct {
	PID     int
	Command string
	Alive   bool
}

// List snapshots every live session.
func (r *Registry) List() []SessionSummary {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		procs := sess.ProcessSnapshot()
		sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
		procSummaries := make([]ProcessSummary, 0, len(procs))
		for _, p := range procs {
			procSummaries = append(procSummaries, ProcessSummary{PID: p.PID, Command: p.CommandLine, Alive: p.Alive()})
		}
		out = append(out, SessionSummary{
			ID:        sess.ID,
			Display:   sess.Display,
			Width:     sess.Width,
			Height:    sess.Height,
			Processes: procSummaries,
		})
	}
	return out
}

// Exec spawns command detached inside session id with the composed
// environment (process environment, then display selector, then the Qt
// platform hint, then caller entries), waits a short window for an
// immediate spawn error, and otherwise records the LaunchedProcess
// (spec.md §4.3.5).
func (r *Registry) Exec(ctx context.Context, id string, command string, args []string, env map[string]string) (int, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return 0, sessionerr.Newf(sessionerr.NotFound, "no session %q", id)
	}

	composedEnv := procrun.EnvWithOverlay(
		procrun.OSEnviron(),
		map[string]string{"DISPLAY": sess.DisplaySelector()},
		map[string]string{"QT_QPA_PLATFORM": "xcb"},
		env,
	)

	handle, err := r.runner.SpawnDetached(command, args, composedEnv)
	if err != nil {
		return 0, sessionerr.Wrap(sessionerr.LaunchFailed, commandLine(command, args), err)
	}

	// The spawn-error window (spec.md §9 Open Question): give exec(2) a
	// moment to fail before assuming the child launched successfully.
	sleep(r.cfg.SpawnErrorWindow)
	if !handle.Alive() {
		return 0, sessionerr.Newf(sessionerr.LaunchFailed, "%s: exited immediately after launch", commandLine(command, args))
	}

	lp := &LaunchedProcess{PID: handle.Pid(), CommandLine: commandLine(command, args), Handle: handle}
	sess.addProcess(lp)

	r.logger.Info().Str("session_id", id).Int("pid", lp.PID).Str("command", lp.CommandLine).Msg("registry: launched process")
	return lp.PID, nil
}

func commandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// DestroyAll destroys every live session, tolerating per-session
// failures, and is idempotent. It is the process-global teardown entry
// point wired to signal handlers and server close (spec.md §4.3.6, §5).
func (r *Registry) DestroyAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Destroy(ctx, id); err != nil {
			r.logger.Warn().Str("session_id", id).Err(err).Msg("registry: destroyAll: per-session destroy failed")
		}
	}
}

// Stats is a cheap, read-only operational snapshot of the Registry: how
// many sessions are live and which display numbers they occupy. It
// exists purely for observability, not for any lifecycle decision.
type Stats struct {
	SessionCount int
	Displays     []int
}

// Stats snapshots current Registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	displays := make([]int, 0, len(r.sessions))
	for _, sess := range r.sessions {
		displays = append(displays, sess.Display)
	}
	sort.Ints(displays)
	return Stats{SessionCount: len(r.sessions), Displays: displays}
}

func (r *Registry) mintID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return "s" + strconv.FormatUint(r.nextID, 10)
}

func sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}
