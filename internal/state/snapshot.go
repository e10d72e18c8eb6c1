// Package state persists a versioned snapshot of the coordinator (queue,
// active operations, analytics, limiter state and error history) and restores
// it on startup when it is compatible and fresh.
package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/calbulk/internal/batch"
	"github.com/nadmax/calbulk/internal/errclass"
	"github.com/nadmax/calbulk/internal/memory"
	"github.com/nadmax/calbulk/internal/operation"
	"github.com/nadmax/calbulk/internal/ratelimit"
)

// Version is written into every snapshot. Only the major component has to
// match for a snapshot to be restored.
const Version = "2.1.0"

var (
	ErrNoSnapshot          = errors.New("no saved state")
	ErrIncompatibleVersion = errors.New("incompatible state version")
	ErrStale               = errors.New("saved state is stale")
	ErrTooLarge            = errors.New("state snapshot exceeds size budget")
)

type Analytics struct {
	Chunks    []batch.BucketStat `json:"chunkHistory"`
	Succeeded int                `json:"succeededItems"`
	Failed    int                `json:"failedItems"`
}

type Snapshot struct {
	Version      string                    `json:"version"`
	Timestamp    time.Time                 `json:"timestamp"`
	Queue        []*operation.Operation    `json:"queue"`
	Active       []*operation.Operation    `json:"activeOperations"`
	Analytics    Analytics                 `json:"analytics"`
	RateLimit    ratelimit.State           `json:"rateLimitState"`
	ErrorHistory []errclass.Classification `json:"errorHistory"`
	Memory       memory.Stats              `json:"memoryStats"`
}

func major(v string) string {
	m, _, _ := strings.Cut(v, ".")
	return m
}

// Check reports whether s may be restored at now.
func (s *Snapshot) Check(now time.Time, staleAfter time.Duration) error {
	if major(s.Version) != major(Version) {
		return fmt.Errorf("%w: saved %q, running %q", ErrIncompatibleVersion, s.Version, Version)
	}
	if age := now.Sub(s.Timestamp); staleAfter > 0 && age > staleAfter {
		return fmt.Errorf("%w: saved %s ago", ErrStale, age.Round(time.Second))
	}

	return nil
}
