package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/persistence"

	"github.com/rs/zerolog"
)

// SnapshotStore is the slice of the snapshot manager the snapshotter uses.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.StoredSnapshot) error
	LoadLatestUnverified(ctx context.Context) (*persistence.StoredSnapshot, error)
	LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.CommandRow, error)
	MarkVerified(ctx context.Context, sequence int64) error
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
}

var ErrSnapshotDiverged = errors.New("snapshot disagrees with command log")

// Snapshotter captures core state through the core loop and stores it
// unverified. A snapshot is verified once the command log holds its
// sequence with the same state hash, so recovery never starts from state
// the log cannot reproduce.
type Snapshotter struct {
	store    SnapshotStore
	requests chan<- chan<- *core.SnapshotState
	keep     int
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
}

// NewSnapshotter sends capture requests on requests, which the core's Run
// loop serves between commands.
func NewSnapshotter(store SnapshotStore, requests chan<- chan<- *core.SnapshotState, keep int, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	if keep <= 0 {
		keep = 1
	}
	return &Snapshotter{
		store:    store,
		requests: requests,
		keep:     keep,
		metrics:  metrics,
		logger:   logger,
		lastSeq:  -1,
	}
}

// Take asks the running core for its state and stores it. It returns the
// snapshot's sequence.
func (s *Snapshotter) Take(ctx context.Context) (int64, error) {
	reply := make(chan *core.SnapshotState, 1)
	select {
	case s.requests <- reply:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case snap := <-reply:
		return s.Store(ctx, snap)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Store saves an already captured state; used after the core has stopped.
func (s *Snapshotter) Store(ctx context.Context, snap *core.SnapshotState) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Sequence < 0 {
		return snap.Sequence, nil
	}
	start := time.Now()
	stored, err := EncodeSnapshot(snap)
	if err != nil {
		return 0, err
	}
	if err := s.store.SaveSnapshot(ctx, stored); err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	s.lastSeq = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(len(stored.Data)))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", len(stored.Data)).Msg("snapshot saved")
	return snap.Sequence, nil
}

// Verify checks the newest unverified snapshot against the command log. It
// reports false while the log has not yet reached the snapshot.
func (s *Snapshotter) Verify(ctx context.Context) (bool, error) {
	stored, err := s.store.LoadLatestUnverified(ctx)
	if err != nil || stored == nil {
		return false, err
	}
	rows, err := s.store.LoadCommandsFrom(ctx, stored.Sequence, 1)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 || rows[0].Sequence != stored.Sequence {
		return false, nil
	}
	if !bytes.Equal(rows[0].StateHash, stored.StateHash) {
		return false, fmt.Errorf("snapshot %d: %w", stored.Sequence, ErrSnapshotDiverged)
	}
	if err := s.store.MarkVerified(ctx, stored.Sequence); err != nil {
		return false, fmt.Errorf("mark snapshot %d verified: %w", stored.Sequence, err)
	}
	pruned, err := s.store.PruneSnapshots(ctx, s.keep)
	if err != nil {
		s.logger.Warn().Err(err).Msg("snapshot prune failed")
	}
	if s.metrics != nil {
		s.metrics.SnapshotLastSeq.Set(float64(stored.Sequence))
	}
	s.logger.Info().Int64("sequence", stored.Sequence).Int64("pruned", pruned).Msg("snapshot verified")
	return true, nil
}

// LastSequence is the sequence of the last stored snapshot, -1 if none.
func (s *Snapshotter) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// SetBaseline records the sequence recovery restored from, so Run does not
// snapshot again right after startup.
func (s *Snapshotter) SetBaseline(seq int64) {
	s.mu.Lock()
	s.lastSeq = seq
	s.mu.Unlock()
}

// Run snapshots every interval commands, judged by progress (typically the
// read model's sequence), checking each tick. Pending snapshots are
// verified on every tick.
func (s *Snapshotter) Run(ctx context.Context, progress func() int64, interval int64, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Verify(ctx); err != nil {
				s.logger.Error().Err(err).Msg("snapshot verification failed")
			}
			base := s.LastSequence()
			if progress()-base < interval {
				continue
			}
			if _, err := s.Take(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}
