// Package scheduler runs the engine's background jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflow/positionengine/internal/persistence"
)

// Archiver periodically flags terminated snapshots older than the
// retention window so downstream storage can move them out of the hot
// table. Archived snapshots stay readable; only the flag changes.
type Archiver struct {
	snapshots persistence.SnapshotStore
	interval  time.Duration
	after     time.Duration
	log       zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewArchiver builds the sweep job. interval is how often it runs,
// after is the age a terminated snapshot must reach before archival;
// zero selects the 90-day default, a negative value makes terminated
// snapshots eligible immediately.
func NewArchiver(snapshots persistence.SnapshotStore, interval, after time.Duration, logger zerolog.Logger) *Archiver {
	if interval <= 0 {
		interval = time.Hour
	}
	if after == 0 {
		after = 90 * 24 * time.Hour
	}
	return &Archiver{snapshots: snapshots, interval: interval, after: after, log: logger}
}

// Start launches the sweep loop.
func (a *Archiver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.loop(ctx)
}

// Stop halts the loop and waits for an in-flight sweep.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Archiver) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

// Sweep runs one archival pass immediately.
func (a *Archiver) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-a.after)
	return a.snapshots.ArchiveTerminated(ctx, cutoff)
}

func (a *Archiver) sweep(ctx context.Context) {
	n, err := a.Sweep(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("archival sweep failed")
		return
	}
	if n > 0 {
		a.log.Info().Int64("archived", n).Msg("terminated snapshots archived")
	}
}
