package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotFormatVersion tags the encoding of StoredSnapshot.Data.
const SnapshotFormatVersion = 1

// SnapshotManager stores state snapshots and reads the command log back for
// recovery. A warm restart loads the latest verified snapshot and replays
// commands from snapshot.sequence+1; a cold restart replays everything.
type SnapshotManager struct {
	db *sql.DB
}

// StoredSnapshot is an encoded core snapshot as it sits in Postgres.
type StoredSnapshot struct {
	Sequence  int64
	StateHash []byte
	Data      []byte
	Verified  bool
	CreatedAt time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an unverified snapshot. Saving the same sequence
// twice overwrites the data.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *StoredSnapshot) error {
	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, snap.Data, snap.StateHash, SnapshotFormatVersion, len(snap.Data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// none exists.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*StoredSnapshot, error) {
	return sm.loadLatest(ctx, true)
}

// LoadLatestUnverified loads the most recent snapshot still awaiting
// verification, or nil.
func (sm *SnapshotManager) LoadLatestUnverified(ctx context.Context) (*StoredSnapshot, error) {
	return sm.loadLatest(ctx, false)
}

func (sm *SnapshotManager) loadLatest(ctx context.Context, verified bool) (*StoredSnapshot, error) {
	var snap StoredSnapshot
	err := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, data, verified, created_at
		FROM event_log.snapshots
		WHERE verified = $1 AND format_version = $2
		ORDER BY sequence DESC
		LIMIT 1
	`, verified, SnapshotFormatVersion).Scan(&snap.Sequence, &snap.StateHash, &snap.Data, &snap.Verified, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after a replay check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// PruneSnapshots keeps the newest keep verified snapshots and deletes the rest.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE verified = TRUE AND sequence NOT IN (
			SELECT sequence FROM event_log.snapshots
			WHERE verified = TRUE
			ORDER BY sequence DESC
			LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadCommandsFrom loads up to limit commands starting at fromSequence.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, market_index, signer,
		       payload, COALESCE(reject_code, ''), state_hash, prev_hash, state_delta, timestamp, source_sequence
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load commands: %w", err)
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		var marketIndex sql.NullInt64
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &marketIndex, &c.Signer,
			&c.Payload, &c.RejectCode, &c.StateHash, &c.PrevHash, &c.StateDelta, &c.Timestamp, &c.SourceSequence,
		); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		if marketIndex.Valid {
			c.MarketIndex = &marketIndex.Int64
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// GetLatestSequence returns the highest persisted sequence, or 0 for an
// empty log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log.commands`,
	).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns the LRU keys ("type:key") of the newest
// limit commands, oldest first.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT key FROM (
			SELECT sequence, command_type || ':' || idempotency_key AS key
			FROM event_log.commands
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
