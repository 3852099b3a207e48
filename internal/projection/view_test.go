package projection_test

import (
	"context"
	"testing"
	"time"

	"PerpVAMM/internal/history"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userWith(collateral uint64) state.User {
	u := state.NewUser(uuid.New())
	u.Collateral = fpmath.NewU128(collateral)
	return u
}

func TestView_ApplyInOrder(t *testing.T) {
	v := projection.NewView()
	alice := userWith(100)

	require.True(t, v.Apply(projection.ProjectionOutput{
		Sequence: 0,
		Users:    []state.User{alice},
		Balances: map[string]int64{"vault:collateral": 100},
	}))

	got, ok := v.User(alice.Authority)
	require.True(t, ok)
	assert.Equal(t, alice.Collateral, got.Collateral)
	assert.Equal(t, map[string]int64{"vault:collateral": 100}, v.Balances("vault:"))

	assert.False(t, v.Apply(projection.ProjectionOutput{Sequence: 0}), "replayed sequence must be ignored")

	// A rejected command advances the watermark without touching state.
	alice.Collateral = fpmath.NewU128(1)
	require.True(t, v.Apply(projection.ProjectionOutput{Sequence: 1, Rejected: true, Users: []state.User{alice}}))
	got, _ = v.User(alice.Authority)
	assert.Equal(t, fpmath.NewU128(100), got.Collateral)
	assert.EqualValues(t, 1, v.Sequence())

	require.True(t, v.Apply(projection.ProjectionOutput{Sequence: 2, DeletedUsers: []uuid.UUID{alice.Authority}}))
	_, ok = v.User(alice.Authority)
	assert.False(t, ok)
}

func TestView_FundingHistoryNewestFirst(t *testing.T) {
	v := projection.NewView()
	bob := uuid.New()
	var entries []history.Entry
	for i := range 3 {
		entries = append(entries, history.Entry{
			ID:   uint64(i),
			Kind: history.KindFundingPayment,
			Record: history.FundingPaymentRecord{
				Ts: int64(1000 + i), User: bob, FundingPayment: fpmath.NewI128(int64(-i)),
			},
		})
	}
	v.Apply(projection.ProjectionOutput{Sequence: 0, History: entries})

	got := v.FundingHistory(bob, 2)
	require.Len(t, got, 2)
	assert.EqualValues(t, 2, got[0].RecordID)
	assert.EqualValues(t, 1, got[1].RecordID)
	assert.Empty(t, v.FundingHistory(uuid.New(), 10))
}

func TestFundingHistoryProjection_Capped(t *testing.T) {
	p := projection.NewFundingHistoryProjection(2)
	u := uuid.New()
	for i := range 5 {
		p.AddEntry(projection.FundingHistoryEntry{RecordID: uint64(i), User: u})
	}
	got := p.QueryByUser(u, 10)
	require.Len(t, got, 2)
	assert.EqualValues(t, 4, got[0].RecordID)
	assert.EqualValues(t, 3, got[1].RecordID)
}

func TestView_SeedReplaces(t *testing.T) {
	v := projection.NewView()
	v.Apply(projection.ProjectionOutput{Sequence: 5, Users: []state.User{userWith(1)}})

	m := state.Market{Index: 3, Initialized: true}
	u := userWith(7)
	v.Seed(9, uuid.New(), state.DefaultParams(), []state.Market{m}, []state.User{u}, map[string]int64{"vault:insurance": 4})

	assert.EqualValues(t, 9, v.Sequence())
	_, ok := v.Market(3)
	assert.True(t, ok)
	_, ok = v.User(u.Authority)
	assert.True(t, ok)
	assert.Len(t, v.Markets(), 1)
	assert.Equal(t, 1, v.MarketSet().Len())
}

func TestProjectionWorker_WritesTables(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	in := make(chan projection.ProjectionOutput, 2)
	view := projection.NewView()
	worker := projection.NewProjectionWorker(db, view, in, nil, zerolog.Nop())

	u := userWith(250_000_000)
	in <- projection.ProjectionOutput{
		Sequence: 0,
		Users:    []state.User{u},
		Balances: map[string]int64{"vault:collateral": 250_000_000},
	}
	close(in)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, worker.Run(ctx))

	var collateral string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT collateral::text FROM projections.users WHERE authority = $1`, u.Authority,
	).Scan(&collateral))
	assert.Equal(t, "250", collateral)

	wm, err := projection.Watermark(ctx, db)
	require.NoError(t, err)
	assert.EqualValues(t, 0, wm)
}
