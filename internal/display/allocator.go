// Package display implements the Display Allocator (spec.md §4.1): it
// assigns virtual display numbers by probing the host-wide X11 lock-file
// convention, never reclaiming a number itself since the host convention
// handles reuse across processes.
package display

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Allocator hands out display numbers starting from a configured
// candidate, skipping any number with an existing lock file.
type Allocator struct {
	mu        sync.Mutex
	candidate int
	lockDir   string
}

// NewAllocator builds an Allocator starting its scan at firstCandidate
// (spec.md default: 99), probing lockDir (default: /tmp) for
// ".X<N>-lock" markers.
func NewAllocator(firstCandidate int, lockDir string) *Allocator {
	return &Allocator{candidate: firstCandidate, lockDir: lockDir}
}

// Allocate returns the first display number at or after the current
// candidate with no lock file present, then advances the candidate past
// it. It never reclaims numbers itself; the host's own lock-file
// convention handles reuse once the underlying Xvfb process exits.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// The candidate space is practically unbounded; a real exhaustion is
	// a fatal configuration error, not a condition to retry past.
	const maxScan = 1_000_000
	for n := a.candidate; n < a.candidate+maxScan; n++ {
		if !a.lockExists(n) {
			a.candidate = n + 1
			return n, nil
		}
	}
	return 0, fmt.Errorf("display: candidate space exhausted scanning from %d", a.candidate)
}

func (a *Allocator) lockExists(n int) bool {
	_, err := os.Stat(a.lockPath(n))
	return err == nil
}

func (a *Allocator) lockPath(n int) string {
	return filepath.Join(a.lockDir, fmt.Sprintf(".X%d-lock", n))
}
