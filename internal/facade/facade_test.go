package facade

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dizzident/xvfb-sessiond/internal/config"
	"github.com/dizzident/xvfb-sessiond/internal/procrun"
	"github.com/dizzident/xvfb-sessiond/internal/session"
	"github.com/dizzident/xvfb-sessiond/internal/sessionerr"
)

func testFacade(t *testing.T) (*Facade, *procrun.FakeRunner) {
	t.Helper()
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	cfg := config.Config{
		XvfbBin: "Xvfb", XdpyinfoBin: "xdpyinfo", OpenboxBin: "openbox",
		XdotoolBin: "xdotool", FfmpegBin: "ffmpeg",
		DefaultWidth: 1920, DefaultHeight: 1080, DefaultDepth: 24,
		FirstDisplay: 99, LockFileDir: t.TempDir(),
	}
	return New(cfg, fr, zerolog.Nop()), fr
}

func TestFacade_CreateListDestroy(t *testing.T) {
	f, _ := testFacade(t)

	created, err := f.Create(context.Background(), session.CreateOptions{Width: 1280, Height: 720})
	require.NoError(t, err)
	assert.Equal(t, 99, created.Display)
	assert.Equal(t, 1280, created.Width)
	assert.Equal(t, 720, created.Height)

	list := f.List()
	require.Len(t, list, 1)
	assert.Equal(t, created.SessionID, list[0].ID)
	assert.Empty(t, list[0].Processes)

	require.NoError(t, f.Destroy(context.Background(), created.SessionID))
	assert.Empty(t, f.List())
}

func TestFacade_MouseMove_UnscaledBeforeFirstScreenshot(t *testing.T) {
	f, fr := testFacade(t)

	created, err := f.Create(context.Background(), session.CreateOptions{Width: 1920, Height: 1080})
	require.NoError(t, err)

	require.NoError(t, f.MouseMove(context.Background(), created.SessionID, 784, 441))

	require.NotEmpty(t, fr.Calls)
	last := fr.Calls[len(fr.Calls)-1]
	assert.Equal(t, "mousemove", last.Args[0])
	// With no screenshot taken yet, scale is 1:1.
	assert.Equal(t, []string{"mousemove", "--sync", "784", "441"}, last.Args)
}

func TestFacade_CursorPosition_RoundTripsWithinOnePixel(t *testing.T) {
	f, fr := testFacade(t)
	created, err := f.Create(context.Background(), session.CreateOptions{Width: 1920, Height: 1080})
	require.NoError(t, err)

	fr.ShortResults["xdotool"] = procrun.FakeShortResult{Output: "x:960 y:540 screen:0 window:1"}

	x, y, err := f.GetCursorPosition(context.Background(), created.SessionID)
	require.NoError(t, err)
	// With no screenshot taken yet, scale is 1:1.
	assert.InDelta(t, 960, x, 1)
	assert.InDelta(t, 540, y, 1)
}

func TestFacade_MouseScroll_InvalidDirection(t *testing.T) {
	f, _ := testFacade(t)
	created, err := f.Create(context.Background(), session.CreateOptions{})
	require.NoError(t, err)

	err = f.MouseScroll(context.Background(), created.SessionID, "diagonal", 0, nil, nil)
	require.Error(t, err)
	assert.True(t, sessionerr.Is(err, sessionerr.InvalidArgument))
}

func TestFacade_WaitForWindow_TimesOutFast(t *testing.T) {
	f, fr := testFacade(t)
	created, err := f.Create(context.Background(), session.CreateOptions{})
	require.NoError(t, err)

	fr.ShortResults["xdotool"] = procrun.FakeShortResult{Output: ""}

	_, found, err := f.WaitForWindow(context.Background(), created.SessionID, "nope", time.Millisecond)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFacade_DestroyAll(t *testing.T) {
	f, _ := testFacade(t)
	_, err := f.Create(context.Background(), session.CreateOptions{})
	require.NoError(t, err)
	_, err = f.Create(context.Background(), session.CreateOptions{})
	require.NoError(t, err)

	f.DestroyAll(context.Background())
	assert.Empty(t, f.List())
}
