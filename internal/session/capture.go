package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dizzident/xvfb-sessiond/internal/config"
	"github.com/dizzident/xvfb-sessiond/internal/imaging"
	"github.com/dizzident/xvfb-sessiond/internal/procrun"
	"github.com/dizzident/xvfb-sessiond/internal/sessionerr"
)

// Capture mediates screenshot acquisition against a session's display
// (spec.md §4.5): grab a frame to a per-call temp file with the
// screen-capture tool, read and unlink it, then apply the rescale policy.
type Capture struct {
	runner procrun.Runner
	cfg    config.Config
}

// NewCapture builds a Capture mediator.
func NewCapture(runner procrun.Runner, cfg config.Config) *Capture {
	return &Capture{runner: runner, cfg: cfg}
}

// Screenshot is the result of a capture: base64-encoded PNG bytes and the
// dimensions actually reported (post-rescale, if any).
type Screenshot struct {
	PNGBase64 string
	Width     int
	Height    int
}

// Take captures a single frame of sess's display, rescales it per the
// policy, and records the resulting scale factor on the session so the
// Façade's coordinate mapping stays in sync with the most recent image.
func (c *Capture) Take(ctx context.Context, sess *Session) (Screenshot, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("xvfb-sessiond-%s-%s.png", sess.ID, uuid.NewString()))
	defer func() { _ = os.Remove(path) }()

	args := []string{
		"-f", "x11grab",
		"-video_size", fmt.Sprintf("%dx%d", sess.Width, sess.Height),
		"-i", sess.DisplaySelector(),
		"-vframes", "1",
		"-y", path,
	}
	env := procrun.EnvWithOverlay(procrun.OSEnviron(), map[string]string{"DISPLAY": sess.DisplaySelector()})

	if _, err := c.runner.RunShort(ctx, c.cfg.ShortCommandTimeout, c.cfg.FfmpegBin, args, env); err != nil {
		return Screenshot{}, sessionerr.Wrap(sessionerr.CaptureFailed, "ffmpeg capture failed", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Screenshot{}, sessionerr.Wrap(sessionerr.CaptureFailed, "capture produced no readable file", err)
	}
	if len(raw) == 0 {
		return Screenshot{}, sessionerr.New(sessionerr.CaptureFailed, "capture file was empty")
	}

	rescaled, w, h, err := imaging.Rescale(raw)
	if err != nil {
		return Screenshot{}, sessionerr.Wrap(sessionerr.CaptureFailed, "decoding captured frame", err)
	}

	scale := imaging.Scale(sess.Width, sess.Height)
	sess.setImageScale(scale)

	return Screenshot{
		PNGBase64: base64.StdEncoding.EncodeToString(rescaled),
		Width:     w,
		Height:    h,
	}, nil
}
