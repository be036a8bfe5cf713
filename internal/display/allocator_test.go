package display

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_SkipsLockedDisplays(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".X99-lock"), []byte("1234"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".X100-lock"), []byte("1234"), 0644))

	a := NewAllocator(99, dir)
	n, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 101, n)
}

func TestAllocator_AdvancesMonotonically(t *testing.T) {
	dir := t.TempDir()
	a := NewAllocator(99, dir)

	first, err := a.Allocate()
	require.NoError(t, err)
	second, err := a.Allocate()
	require.NoError(t, err)

	assert.Equal(t, 99, first)
	assert.Equal(t, 100, second)
	assert.NotEqual(t, first, second)
}

func TestAllocator_DoesNotReclaimOnItsOwn(t *testing.T) {
	dir := t.TempDir()
	a := NewAllocator(99, dir)

	first, err := a.Allocate()
	require.NoError(t, err)
	second, err := a.Allocate()
	require.NoError(t, err)

	// Even though nothing locked display 99, the allocator never looks
	// backward; reuse is solely the host lock-file convention's job.
	assert.Less(t, first, second)
}
