package persistence_test

import (
	"testing"
	"time"

	"PerpVAMM/internal/persistence"
	"PerpVAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Postgres round trips (skipped without a test database)
// ============================================================================

func commandRow(seq int64, reject string) persistence.CommandRow {
	market := int64(0)
	return persistence.CommandRow{
		Sequence:       seq,
		CommandType:    "Deposit",
		IdempotencyKey: uuid.NewString(),
		MarketIndex:    &market,
		Signer:         uuid.New(),
		Payload:        []byte(`{"amount":"100"}`),
		RejectCode:     reject,
		StateHash:      make([]byte, 32),
		PrevHash:       make([]byte, 32),
		Timestamp:      time.Unix(1000+seq, 0).UTC(),
		SourceSequence: seq,
	}
}

func TestCommandLog_WriteAndLoad(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := t.Context()

	w := persistence.NewCommandLogWriter(db)
	rows := []persistence.CommandRow{commandRow(1, ""), commandRow(2, "InsufficientCollateral")}
	batchID := uuid.New()
	journals := []persistence.JournalRow{{
		JournalID:    uuid.New(), BatchID: batchID, Sequence: 1,
		DebitAccount: "user:a:collateral", CreditAccount: "vault:collateral",
		Amount:       100, Authority: rows[0].Signer, Timestamp: 1001,
	}}
	history := []persistence.HistoryRow{{
		Kind: "deposit", RecordID: 0, Sequence: 1, Payload: []byte(`{}`), Timestamp: rows[0].Timestamp,
	}}

	for range 2 { // second pass exercises the idempotent paths
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, w.WriteCommandBatch(ctx, tx, rows))
		require.NoError(t, w.WriteHistoryBatch(ctx, tx, history))
		require.NoError(t, w.WriteJournalBatch(ctx, tx, journals))
		require.NoError(t, tx.Commit())
	}

	sm := persistence.NewSnapshotManager(db)
	loaded, err := sm.LoadCommandsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "", loaded[0].RejectCode)
	assert.Equal(t, "InsufficientCollateral", loaded[1].RejectCode)
	require.NotNil(t, loaded[0].MarketIndex)
	assert.Equal(t, rows[1].IdempotencyKey, loaded[1].IdempotencyKey)

	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest)

	keys, err := sm.RecentIdempotencyKeys(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Deposit:" + rows[0].IdempotencyKey, "Deposit:" + rows[1].IdempotencyKey}, keys)

	dedup := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := dedup.IsDuplicate("Deposit", rows[1].IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = dedup.IsDuplicate("Deposit", uuid.NewString())
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSnapshotManager_VerifiedOnly(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := t.Context()

	sm := persistence.NewSnapshotManager(db)
	snap, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "empty store has no snapshot")

	for _, seq := range []int64{10, 20} {
		require.NoError(t, sm.SaveSnapshot(ctx, &persistence.StoredSnapshot{
			Sequence: seq, StateHash: make([]byte, 32), Data: []byte(`{"sequence":1}`), CreatedAt: time.Now(),
		}))
	}

	snap, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "unverified snapshots are not used for recovery")

	pending, err := sm.LoadLatestUnverified(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.EqualValues(t, 20, pending.Sequence)

	require.NoError(t, sm.MarkVerified(ctx, 10))
	require.NoError(t, sm.MarkVerified(ctx, 20))
	snap, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.EqualValues(t, 20, snap.Sequence)
	assert.True(t, snap.Verified)

	pruned, err := sm.PruneSnapshots(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)
}

func TestPersistenceWorker_FlushesOnClose(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	in := make(chan persistence.CoreOutput, 4)
	worker := persistence.NewPersistenceWorker(db, in, 100, time.Hour, nil, zerolog.Nop())
	in <- persistence.CoreOutput{Command: commandRow(1, "")}
	in <- persistence.CoreOutput{Command: commandRow(2, "")}
	close(in)

	require.NoError(t, worker.Run(t.Context()))

	latest, err := persistence.NewSnapshotManager(db).GetLatestSequence(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest)
}
