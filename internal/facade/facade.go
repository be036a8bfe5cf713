// Package facade assembles the Display Allocator, Subprocess Runner, and
// Session Registry into the full operation set exposed to the RPC shell
// (spec.md §2, §4). It owns coordinate scaling between API image space
// and display space (spec.md §9 Design Notes: "Coordinate scaling lives
// in the Façade, not the input layer"), so the input mediators only ever
// see already-clamped display-space integers.
package facade

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/dizzident/xvfb-sessiond/internal/config"
	"github.com/dizzident/xvfb-sessiond/internal/procrun"
	"github.com/dizzident/xvfb-sessiond/internal/session"
)

// Facade is the single entry point the RPC shell drives.
type Facade struct {
	registry *session.Registry
	input    *session.Input
	capture  *session.Capture
	windows  *session.Windows
	cfg      config.Config
	logger   zerolog.Logger
}

// New wires a Facade over a fresh Registry backed by runner.
func New(cfg config.Config, runner procrun.Runner, logger zerolog.Logger) *Facade {
	return &Facade{
		registry: session.NewRegistry(cfg, runner, logger),
		input:    session.NewInput(runner, cfg),
		capture:  session.NewCapture(runner, cfg),
		windows:  session.NewWindows(runner, cfg),
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateResult is create's structured result (spec.md §6).
type CreateResult struct {
	SessionID string
	Display   int
	Width     int
	Height    int
}

// Create provisions a new session.
func (f *Facade) Create(ctx context.Context, opts session.CreateOptions) (CreateResult, error) {
	sess, err := f.registry.Create(ctx, opts)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{SessionID: sess.ID, Display: sess.Display, Width: sess.Width, Height: sess.Height}, nil
}

// Destroy tears down the named session.
func (f *Facade) Destroy(ctx context.Context, id string) error {
	return f.registry.Destroy(ctx, id)
}

// List snapshots every live session.
func (f *Facade) List() []session.SessionSummary {
	return f.registry.List()
}

// Stats returns a cheap operational snapshot of Registry occupancy.
func (f *Facade) Stats() session.Stats {
	return f.registry.Stats()
}

// Exec launches command inside the resolved session.
func (f *Facade) Exec(ctx context.Context, id, command string, args []string, env map[string]string) (int, string, error) {
	sess, err := f.registry.Resolve(id)
	if err != nil {
		return 0, "", err
	}
	pid, err := f.registry.Exec(ctx, sess.ID, command, args, env)
	return pid, sess.ID, err
}

// DestroyAll tears down every live session; wired to signal handlers and
// server close (spec.md §4.3.6, §5, §6).
func (f *Facade) DestroyAll(ctx context.Context) {
	f.registry.DestroyAll(ctx)
}

// resolve looks up a session by id, applying the single-session shortcut
// when id is empty (spec.md §4.3.3, §9 Design Notes "Resolve-by-default").
func (f *Facade) resolve(id string) (*session.Session, error) {
	return f.registry.Resolve(id)
}

// toDisplay converts an API image space coordinate to a clamped
// display-space integer using the session's most recent screenshot scale
// factor (spec.md §4.5 coordinate mapping).
func toDisplay(sess *session.Session, x, y int) (int, int) {
	k := 1 / sess.ImageScale()
	dx := int(math.Round(float64(x) * k))
	dy := int(math.Round(float64(y) * k))
	if dx < 0 {
		dx = 0
	}
	if dx > sess.Width-1 {
		dx = sess.Width - 1
	}
	if dy < 0 {
		dy = 0
	}
	if dy > sess.Height-1 {
		dy = sess.Height - 1
	}
	return dx, dy
}

// toImageSpace converts a display-space coordinate back to API image
// space by dividing by k (spec.md §4.5: getCursorPosition is the
// inverse of the input-coordinate mapping).
func toImageSpace(sess *session.Session, x, y int) (int, int) {
	s := sess.ImageScale()
	return int(math.Round(float64(x) * s)), int(math.Round(float64(y) * s))
}

// SendKey presses key in the resolved session.
func (f *Facade) SendKey(ctx context.Context, id, key string) error {
	sess, err := f.resolve(id)
	if err != nil {
		return err
	}
	return f.input.SendKey(ctx, sess, key)
}

// SendType types text in the resolved session.
func (f *Facade) SendType(ctx context.Context, id, text string) error {
	sess, err := f.resolve(id)
	if err != nil {
		return err
	}
	return f.input.SendType(ctx, sess, text)
}

// MouseMove moves the pointer to an API-image-space coordinate.
func (f *Facade) MouseMove(ctx context.Context, id string, x, y int) error {
	sess, err := f.resolve(id)
	if err != nil {
		return err
	}
	dx, dy := toDisplay(sess, x, y)
	return f.input.MouseMove(ctx, sess, dx, dy)
}

// MouseClick clicks button at an optional API-image-space coordinate.
func (f *Facade) MouseClick(ctx context.Context, id string, button int, x, y *int) error {
	sess, err := f.resolve(id)
	if err != nil {
		return err
	}
	return f.input.MouseClick(ctx, sess, button, toOptionalPoint(sess, x, y))
}

// MouseDoubleClick double-clicks at an optional API-image-space coordinate.
func (f *Facade) MouseDoubleClick(ctx context.Context, id string, x, y *int) error {
	sess, err := f.resolve(id)
	if err != nil {
		return err
	}
	return f.input.MouseDoubleClick(ctx, sess, toOptionalPoint(sess, x, y))
}

// MouseDrag drags from the current pointer position to an API-image-space
// coordinate.
func (f *Facade) MouseDrag(ctx context.Context, id string, x, y int) error {
	sess, err := f.resolve(id)
	if err != nil {
		return err
	}
	dx, dy := toDisplay(sess, x, y)
	return f.input.MouseDrag(ctx, sess, dx, dy)
}

// MouseScroll scrolls dir by amt at an optional API-image-space coordinate.
func (f *Facade) MouseScroll(ctx context.Context, id, dir string, amt int, x, y *int) error {
	sess, err := f.resolve(id)
	if err != nil {
		return err
	}
	return f.input.MouseScroll(ctx, sess, dir, amt, toOptionalPoint(sess, x, y))
}

// GetCursorPosition returns the pointer position in API image space.
func (f *Facade) GetCursorPosition(ctx context.Context, id string) (int, int, error) {
	sess, err := f.resolve(id)
	if err != nil {
		return 0, 0, err
	}
	pos, err := f.input.GetCursorPosition(ctx, sess)
	if err != nil {
		return 0, 0, err
	}
	x, y := toImageSpace(sess, pos.X, pos.Y)
	return x, y, nil
}

func toOptionalPoint(sess *session.Session, x, y *int) *session.Point {
	if x == nil || y == nil {
		return nil
	}
	dx, dy := toDisplay(sess, *x, *y)
	return &session.Point{X: dx, Y: dy}
}

// ScreenshotResult is screenshot's structured result (spec.md §6).
type ScreenshotResult struct {
	PNGBase64 string
	Width     int
	Height    int
}

// Screenshot captures the resolved session's display.
func (f *Facade) Screenshot(ctx context.Context, id string) (ScreenshotResult, error) {
	sess, err := f.resolve(id)
	if err != nil {
		return ScreenshotResult{}, err
	}
	shot, err := f.capture.Take(ctx, sess)
	if err != nil {
		return ScreenshotResult{}, err
	}
	return ScreenshotResult{PNGBase64: shot.PNGBase64, Width: shot.Width, Height: shot.Height}, nil
}

// FindWindows lists windows matching titlePattern in the resolved session.
func (f *Facade) FindWindows(ctx context.Context, id, titlePattern string) ([]session.WindowInfo, error) {
	sess, err := f.resolve(id)
	if err != nil {
		return nil, err
	}
	return f.windows.Find(ctx, sess, titlePattern), nil
}

// WaitForWindow polls for a window matching titlePattern until timeout.
func (f *Facade) WaitForWindow(ctx context.Context, id, titlePattern string, timeout time.Duration) (session.WindowInfo, bool, error) {
	sess, err := f.resolve(id)
	if err != nil {
		return session.WindowInfo{}, false, err
	}
	info, found := f.windows.Wait(ctx, sess, titlePattern, timeout)
	return info, found, nil
}
