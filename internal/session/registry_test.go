package session

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dizzident/xvfb-sessiond/internal/config"
	"github.com/dizzident/xvfb-sessiond/internal/procrun"
	"github.com/dizzident/xvfb-sessiond/internal/sessionerr"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		XvfbBin:             "Xvfb",
		XdpyinfoBin:         "xdpyinfo",
		OpenboxBin:          "openbox",
		XdotoolBin:          "xdotool",
		FfmpegBin:           "ffmpeg",
		DefaultWidth:        1920,
		DefaultHeight:       1080,
		DefaultDepth:        24,
		FirstDisplay:        99,
		LockFileDir:         t.TempDir(),
		ShortCommandTimeout: 0,
		ReadinessDeadline:   0,
		ReadinessPoll:       0,
		LockFileGrace:       0,
		WindowManagerSettle: 0,
		SpawnErrorWindow:    0,
		WindowPollInterval:  0,
		DefaultWaitTimeout:  0,
	}
}

func TestRegistry_Create_AllocatesDistinctDisplaysAndIDs(t *testing.T) {
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	reg := NewRegistry(testConfig(t), fr, zerolog.Nop())

	s1, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	s2, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.NotEqual(t, s1.Display, s2.Display)
	assert.Equal(t, 1920, s1.Width)
	assert.Equal(t, 1080, s1.Height)
	assert.NotNil(t, s1.WindowManager)
}

func TestRegistry_Create_NoWindowManager(t *testing.T) {
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	reg := NewRegistry(testConfig(t), fr, zerolog.Nop())

	s, err := reg.Create(context.Background(), CreateOptions{NoWindowManager: true})
	require.NoError(t, err)
	assert.Nil(t, s.WindowManager)
}

func TestRegistry_Create_TearsDownOnReadinessFailure(t *testing.T) {
	cfg := testConfig(t)
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{Err: assert.AnError}
	reg := NewRegistry(cfg, fr, zerolog.Nop())

	_, err := reg.Create(context.Background(), CreateOptions{})
	require.Error(t, err)
	require.Len(t, fr.Handles, 1)
	assert.False(t, fr.Handles[0].Alive())
}

func TestRegistry_Resolve(t *testing.T) {
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	reg := NewRegistry(testConfig(t), fr, zerolog.Nop())

	_, err := reg.Resolve("")
	assert.True(t, sessionerr.Is(err, sessionerr.NoSession))

	s1, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	got, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, got.ID)

	s2, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	_, err = reg.Resolve("")
	assert.True(t, sessionerr.Is(err, sessionerr.Ambiguous))

	got, err = reg.Resolve(s2.ID)
	require.NoError(t, err)
	assert.Equal(t, s2.ID, got.ID)

	_, err = reg.Resolve("no-such-session")
	assert.True(t, sessionerr.Is(err, sessionerr.NotFound))
}

func TestRegistry_Destroy_RemovesSessionAndIsNotFoundAfter(t *testing.T) {
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	reg := NewRegistry(testConfig(t), fr, zerolog.Nop())

	s, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, reg.Destroy(context.Background(), s.ID))
	_, err = reg.Resolve(s.ID)
	assert.True(t, sessionerr.Is(err, sessionerr.NotFound))

	err = reg.Destroy(context.Background(), s.ID)
	assert.True(t, sessionerr.Is(err, sessionerr.NotFound))
}

func TestRegistry_Destroy_TeardownOrder(t *testing.T) {
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	reg := NewRegistry(testConfig(t), fr, zerolog.Nop())

	s, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	_, err = reg.Exec(context.Background(), s.ID, "xterm", nil, nil)
	require.NoError(t, err)

	require.NoError(t, reg.Destroy(context.Background(), s.ID))

	for _, p := range s.ProcessSnapshot() {
		assert.False(t, p.Alive())
	}
	assert.False(t, s.WindowManager.Alive())
	assert.False(t, s.Framebuffer.Alive())
}

func TestRegistry_DestroyAll_IsIdempotentAndTolerant(t *testing.T) {
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	reg := NewRegistry(testConfig(t), fr, zerolog.Nop())

	_, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	_, err = reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	reg.DestroyAll(context.Background())
	assert.Empty(t, reg.List())

	// Second call with nothing left to destroy must not panic or error out.
	reg.DestroyAll(context.Background())
}

func TestRegistry_Exec_LivenessReflectsExitAfterLaunch(t *testing.T) {
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	reg := NewRegistry(testConfig(t), fr, zerolog.Nop())

	s, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	pid, err := reg.Exec(context.Background(), s.ID, "doomed-app", nil, nil)
	require.NoError(t, err) // FakeHandle starts alive; this call should succeed
	assert.Greater(t, pid, 0)

	last := fr.Handles[len(fr.Handles)-1]
	last.SetExited()
	assert.False(t, last.Alive())
}

func TestRegistry_Stats_ReflectsOccupancy(t *testing.T) {
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	reg := NewRegistry(testConfig(t), fr, zerolog.Nop())

	assert.Equal(t, Stats{SessionCount: 0, Displays: []int{}}, reg.Stats())

	s1, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	_, err = reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	stats := reg.Stats()
	assert.Equal(t, 2, stats.SessionCount)
	assert.Contains(t, stats.Displays, s1.Display)
}

func TestRegistry_List_ReflectsSessionsAndProcesses(t *testing.T) {
	fr := procrun.NewFakeRunner()
	fr.ShortResults["xdpyinfo"] = procrun.FakeShortResult{}
	reg := NewRegistry(testConfig(t), fr, zerolog.Nop())

	s, err := reg.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	_, err = reg.Exec(context.Background(), s.ID, "xterm", []string{"-hold"}, nil)
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, s.ID, list[0].ID)
	require.Len(t, list[0].Processes, 1)
	assert.Equal(t, "xterm -hold", list[0].Processes[0].Command)
	assert.True(t, list[0].Processes[0].Alive)
}
