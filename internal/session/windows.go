package session

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/dizzident/xvfb-sessiond/internal/config"
	"github.com/dizzident/xvfb-sessiond/internal/procrun"
)

// Windows mediates window discovery against a session's display
// (spec.md §4.6).
type Windows struct {
	runner procrun.Runner
	cfg    config.Config
}

// NewWindows builds a Windows mediator.
func NewWindows(runner procrun.Runner, cfg config.Config) *Windows {
	return &Windows{runner: runner, cfg: cfg}
}

func (w *Windows) run(ctx context.Context, sess *Session, args []string) (string, error) {
	env := procrun.EnvWithOverlay(procrun.OSEnviron(), map[string]string{"DISPLAY": sess.DisplaySelector()})
	return w.runner.RunShort(ctx, w.cfg.ShortCommandTimeout, w.cfg.XdotoolBin, args, env)
}

// Find searches for windows matching titlePattern (or every visible,
// non-internal window when titlePattern is empty), silently dropping any
// identifier whose geometry or name lookup fails — the window may have
// closed between the search and the query (spec.md §4.6). A top-level
// search failure returns an empty list rather than an error.
func (w *Windows) Find(ctx context.Context, sess *Session, titlePattern string) []WindowInfo {
	var searchArgs []string
	if titlePattern != "" {
		searchArgs = []string{"search", "--name", titlePattern}
	} else {
		searchArgs = []string{"search", "--onlyvisible", "--name", ""}
	}

	out, err := w.run(ctx, sess, searchArgs)
	if err != nil {
		return []WindowInfo{}
	}

	results := make([]WindowInfo, 0)
	for _, id := range strings.Split(out, "\n") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		info, ok := w.describe(ctx, sess, id)
		if !ok {
			continue
		}
		results = append(results, info)
	}
	return results
}

func (w *Windows) describe(ctx context.Context, sess *Session, id string) (WindowInfo, bool) {
	geomOut, err := w.run(ctx, sess, []string{"getwindowgeometry", "--shell", id})
	if err != nil {
		return WindowInfo{}, false
	}
	nameOut, err := w.run(ctx, sess, []string{"getwindowname", id})
	if err != nil {
		return WindowInfo{}, false
	}

	info := WindowInfo{WindowID: id, Name: strings.TrimSpace(nameOut)}
	fields := parseShellFields(geomOut)
	x, okX := fields["X"]
	y, okY := fields["Y"]
	width, okW := fields["WIDTH"]
	height, okH := fields["HEIGHT"]
	if !okX || !okY || !okW || !okH {
		return WindowInfo{}, false
	}
	info.X, info.Y, info.Width, info.Height = x, y, width, height
	return info, true
}

func parseShellFields(out string) map[string]int {
	fields := map[string]int{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		fields[k] = n
	}
	return fields
}

// Wait polls Find every WindowPollInterval until titlePattern matches at
// least one window, returning its first result, or returns (WindowInfo{},
// false) once timeout elapses. A zero timeout still polls at least once
// (spec.md §8 boundary behavior).
func (w *Windows) Wait(ctx context.Context, sess *Session, titlePattern string, timeout time.Duration) (WindowInfo, bool) {
	deadline := time.Now().Add(timeout)
	for {
		found := w.Find(ctx, sess, titlePattern)
		if len(found) > 0 {
			return found[0], true
		}
		if time.Now().After(deadline) {
			return WindowInfo{}, false
		}
		time.Sleep(w.cfg.WindowPollInterval)
	}
}
