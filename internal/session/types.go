// Package session implements the Session Registry & Lifecycle and the
// input/capture/window-query mediation of spec.md §3, §4.3–§4.6. It is
// grounded on the reference repo's api/pkg/desktop package (session
// lifecycle, subprocess-backed capture and input) generalized from a
// single persistent Wayland desktop to many independent, on-demand X11
// virtual displays.
package session

import (
	"strconv"
	"sync"

	"github.com/dizzident/xvfb-sessiond/internal/procrun"
)

// LaunchedProcess is a record for an application started via exec. It is
// retained in its session's map after exit for status reporting and is
// never re-keyed; liveness is always derived from the handle, never
// stored as an independent flag.
type LaunchedProcess struct {
	PID         int
	CommandLine string
	Handle      procrun.ProcessHandle
}

// Alive reports whether the process has neither been killed nor exited.
func (p *LaunchedProcess) Alive() bool {
	return p.Handle.Alive()
}

// WindowInfo is a snapshot of a window observed on a session's display at
// query time. It is never retained; a window visible when produced may
// already be gone by the time the caller acts on it.
type WindowInfo struct {
	WindowID string
	Name     string
	X        int
	Y        int
	Width    int
	Height   int
}

// Session is a live isolated display environment: its own framebuffer,
// optional window manager, and the set of application processes launched
// inside it.
type Session struct {
	ID     string
	Display int
	Width  int
	Height int
	Depth  int

	Framebuffer   procrun.ProcessHandle
	WindowManager procrun.ProcessHandle // nil if disabled or failed to start

	mu        sync.Mutex
	processes map[int]*LaunchedProcess

	// lastImageScale is the s <= 1 factor (API image space = s * display
	// space) from the most recent screenshot. It starts at 1 (no
	// downscale) until the first screenshot is taken, matching the
	// coordinate-mapping contract of spec.md §4.5.
	lastImageScale float64
}

func newSession(id string, display, width, height, depth int, fb procrun.ProcessHandle) *Session {
	return &Session{
		ID:             id,
		Display:        display,
		Width:          width,
		Height:         height,
		Depth:          depth,
		Framebuffer:    fb,
		processes:      make(map[int]*LaunchedProcess),
		lastImageScale: 1,
	}
}

// DisplaySelector is the DISPLAY environment value for this session.
func (s *Session) DisplaySelector() string {
	return displaySelector(s.Display)
}

func displaySelector(n int) string {
	return ":" + strconv.Itoa(n)
}

func (s *Session) addProcess(p *LaunchedProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processes[p.PID] = p
}

// ProcessSnapshot returns every launched process recorded for this
// session, in no particular order.
func (s *Session) ProcessSnapshot() []*LaunchedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*LaunchedProcess, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	return out
}

// ImageScale returns the s <= 1 downscale factor from the session's most
// recent screenshot (1 if none has been taken yet).
func (s *Session) ImageScale() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastImageScale
}

func (s *Session) setImageScale(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastImageScale = v
}
