package session

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/dizzident/xvfb-sessiond/internal/config"
	"github.com/dizzident/xvfb-sessiond/internal/procrun"
	"github.com/dizzident/xvfb-sessiond/internal/sessionerr"
)

// Input mediates keyboard and mouse synthesis against a session's
// display, invoking the input-automation tool through the Subprocess
// Runner. Every coordinate reaching this layer is already in display
// space, clamped by the Façade (spec.md §9 Design Notes: "Coordinate
// scaling lives in the Façade, not the input layer").
type Input struct {
	runner procrun.Runner
	cfg    config.Config
}

// NewInput builds an Input mediator.
func NewInput(runner procrun.Runner, cfg config.Config) *Input {
	return &Input{runner: runner, cfg: cfg}
}

func (in *Input) run(ctx context.Context, sess *Session, args []string) (string, error) {
	env := procrun.EnvWithOverlay(procrun.OSEnviron(), map[string]string{"DISPLAY": sess.DisplaySelector()})
	return in.runner.RunShort(ctx, in.cfg.ShortCommandTimeout, in.cfg.XdotoolBin, args, env)
}

// SendKey presses a single key or a "+"-joined combo, clearing modifier
// state first (spec.md §4.4).
func (in *Input) SendKey(ctx context.Context, sess *Session, key string) error {
	_, err := in.run(ctx, sess, []string{"key", "--clearmodifiers", key})
	return err
}

// SendType types literal text at 12ms per character. The "--" sentinel
// guarantees text is never parsed as xdotool flags, and it is delivered
// as a single argv element — never through a shell (spec.md §4.4, §9).
func (in *Input) SendType(ctx context.Context, sess *Session, text string) error {
	_, err := in.run(ctx, sess, []string{"type", "--clearmodifiers", "--delay", "12", "--", text})
	return err
}

// MouseMove moves the pointer to (x, y) and waits for the server to
// acknowledge the move.
func (in *Input) MouseMove(ctx context.Context, sess *Session, x, y int) error {
	_, err := in.run(ctx, sess, []string{"mousemove", "--sync", strconv.Itoa(x), strconv.Itoa(y)})
	return err
}

// MouseClick clicks button b (1=left, 2=middle, 3=right), optionally
// moving the pointer there first when coord is non-nil.
func (in *Input) MouseClick(ctx context.Context, sess *Session, button int, coord *Point) error {
	if err := in.moveIfSet(ctx, sess, coord); err != nil {
		return err
	}
	_, err := in.run(ctx, sess, []string{"click", strconv.Itoa(button)})
	return err
}

// MouseDoubleClick issues two left-button presses 50ms apart, optionally
// moving the pointer there first.
func (in *Input) MouseDoubleClick(ctx context.Context, sess *Session, coord *Point) error {
	if err := in.moveIfSet(ctx, sess, coord); err != nil {
		return err
	}
	_, err := in.run(ctx, sess, []string{"click", "--repeat", "2", "--delay", "50", "1"})
	return err
}

// MouseDrag holds the left button down, moves to (x, y), then releases,
// starting from wherever the pointer currently is.
func (in *Input) MouseDrag(ctx context.Context, sess *Session, x, y int) error {
	if _, err := in.run(ctx, sess, []string{"mousedown", "1"}); err != nil {
		return err
	}
	if _, err := in.run(ctx, sess, []string{"mousemove", "--sync", strconv.Itoa(x), strconv.Itoa(y)}); err != nil {
		return err
	}
	_, err := in.run(ctx, sess, []string{"mouseup", "1"})
	return err
}

// scrollButtons maps a scroll direction to the xdotool click button that
// emulates it.
var scrollButtons = map[string]int{
	"up":    4,
	"down":  5,
	"left":  6,
	"right": 7,
}

// MouseScroll emulates a scroll by repeated clicks of the button bound to
// dir, optionally moving the pointer there first. amt defaults to 300
// when 0 (spec.md §4.4 "amt defaults to 300 when unparsed" — the RPC
// shell turns an unparsed argument into 0 and the Façade passes it
// through, since this layer only deals in already-validated numbers).
func (in *Input) MouseScroll(ctx context.Context, sess *Session, dir string, amt int, coord *Point) error {
	button, ok := scrollButtons[dir]
	if !ok {
		return sessionerr.Newf(sessionerr.InvalidArgument, "unknown scroll direction %q", dir)
	}
	if amt == 0 {
		amt = 300
	}
	clicks := int(math.Round(float64(amt) / 30))
	if clicks < 1 {
		clicks = 1
	}

	if err := in.moveIfSet(ctx, sess, coord); err != nil {
		return err
	}
	_, err := in.run(ctx, sess, []string{"click", "--repeat", strconv.Itoa(clicks), "--delay", "10", strconv.Itoa(button)})
	return err
}

// CursorPosition is the parsed result of getmouselocation.
type CursorPosition struct {
	X      int
	Y      int
	Screen int
	Window int
}

// GetCursorPosition parses "x:N y:M screen:... window:..." output,
// defaulting any absent field to 0.
func (in *Input) GetCursorPosition(ctx context.Context, sess *Session) (CursorPosition, error) {
	out, err := in.run(ctx, sess, []string{"getmouselocation"})
	if err != nil {
		return CursorPosition{}, err
	}
	return parseCursorPosition(out), nil
}

func parseCursorPosition(out string) CursorPosition {
	var pos CursorPosition
	for _, field := range strings.Fields(out) {
		k, v, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			continue
		}
		switch k {
		case "x":
			pos.X = n
		case "y":
			pos.Y = n
		case "screen":
			pos.Screen = n
		case "window":
			pos.Window = n
		}
	}
	return pos
}

// Point is an optional display-space coordinate pair for the mouse
// operations that can act either at the current pointer position or at
// an explicit one.
type Point struct {
	X int
	Y int
}

func (in *Input) moveIfSet(ctx context.Context, sess *Session, coord *Point) error {
	if coord == nil {
		return nil
	}
	return in.MouseMove(ctx, sess, coord.X, coord.Y)
}
