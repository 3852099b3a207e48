package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/persistence"

	"github.com/rs/zerolog"
)

// CommandLog is the slice of the snapshot store recovery reads.
type CommandLog interface {
	LoadLatestSnapshot(ctx context.Context) (*persistence.StoredSnapshot, error)
	LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.CommandRow, error)
	RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error)
}

const replayPageSize = 1000

// RecoveryResult describes how the core was brought up to date.
type RecoveryResult struct {
	// SnapshotSequence is -1 when no verified snapshot was found.
	SnapshotSequence int64
	Replayed         int64
	NextSequence     int64
	StateHash        [32]byte
}

// Recover restores the latest verified snapshot, if any, and replays every
// logged command after it. Each replayed command must land on its logged
// state hash; any divergence stops recovery.
func Recover(ctx context.Context, log CommandLog, c *core.DeterministicCore, warmKeys int, metrics *observability.Metrics, logger zerolog.Logger) (RecoveryResult, error) {
	start := time.Now()
	res := RecoveryResult{SnapshotSequence: -1}

	stored, err := log.LoadLatestSnapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("load snapshot: %w", err)
	}
	if stored != nil {
		snap, err := DecodeSnapshot(stored)
		if err != nil {
			return res, err
		}
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return res, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		res.SnapshotSequence = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Int("users", len(snap.Users)).
			Int("markets", len(snap.Markets)).Msg("snapshot restored")

		if warmKeys > 0 {
			keys, err := log.RecentIdempotencyKeys(ctx, warmKeys)
			if err != nil {
				logger.Warn().Err(err).Msg("idempotency warm-up skipped")
			} else {
				c.WarmLRU(keys)
			}
		}
	} else {
		logger.Info().Msg("no verified snapshot, replaying from genesis")
	}

	from := c.GetSequence()
	for {
		rows, err := log.LoadCommandsFrom(ctx, from, replayPageSize)
		if err != nil {
			return res, fmt.Errorf("load commands from %d: %w", from, err)
		}
		for _, row := range rows {
			env, err := ToEnvelope(row)
			if err != nil {
				return res, err
			}
			if err := c.ReplayEnvelope(env); err != nil {
				return res, err
			}
			res.Replayed++
		}
		if len(rows) < replayPageSize {
			break
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	res.NextSequence = c.GetSequence()
	res.StateHash = c.GetStateHash()
	if metrics != nil {
		metrics.ReplayCommandsTotal.Add(float64(res.Replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("replayed", res.Replayed).
		Int64("next_sequence", res.NextSequence).
		Hex("state_hash", res.StateHash[:]).
		Dur("elapsed", time.Since(start)).
		Msg("recovery complete")
	return res, nil
}

var ErrSnapshotCorrupt = errors.New("snapshot corrupt")

// DecodeSnapshot decodes stored data and checks it against the row's
// sequence and state hash columns.
func DecodeSnapshot(stored *persistence.StoredSnapshot) (*core.SnapshotState, error) {
	var snap core.SnapshotState
	if err := json.Unmarshal(stored.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w: %v", stored.Sequence, ErrSnapshotCorrupt, err)
	}
	if snap.Sequence != stored.Sequence {
		return nil, fmt.Errorf("snapshot row %d holds sequence %d: %w", stored.Sequence, snap.Sequence, ErrSnapshotCorrupt)
	}
	if string(snap.StateHash[:]) != string(stored.StateHash) {
		return nil, fmt.Errorf("snapshot %d state hash mismatch: %w", stored.Sequence, ErrSnapshotCorrupt)
	}
	return &snap, nil
}

// EncodeSnapshot is the inverse of DecodeSnapshot.
func EncodeSnapshot(snap *core.SnapshotState) (*persistence.StoredSnapshot, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %d: %w", snap.Sequence, err)
	}
	return &persistence.StoredSnapshot{
		Sequence:  snap.Sequence,
		StateHash: append([]byte(nil), snap.StateHash[:]...),
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}, nil
}
