package history_test

import (
	"encoding/json"
	"testing"

	"PerpVAMM/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_IDsArePerStream(t *testing.T) {
	store := history.NewMemoryStore()
	j := history.NewJournal(store)

	b := j.Begin()
	id, err := b.Append(history.DepositRecord{Ts: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	id, _ = b.Append(history.DepositRecord{Ts: 2})
	assert.Equal(t, uint64(2), id)
	id, _ = b.Append(history.TradeRecord{Ts: 2})
	assert.Equal(t, uint64(1), id)

	_, err = j.Commit(b)
	require.NoError(t, err)
	assert.Len(t, store.Stream(history.KindDeposit), 2)
	assert.Equal(t, uint64(3), j.NextIDs()[history.KindDeposit])
}

func TestJournal_DiscardedBufferLeavesNoGap(t *testing.T) {
	j := history.NewJournal()

	failed := j.Begin()
	_, _ = failed.Append(history.TradeRecord{})
	// failed is dropped without commit

	b := j.Begin()
	id, err := b.Append(history.TradeRecord{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestJournal_StaleBufferRejected(t *testing.T) {
	j := history.NewJournal()
	a := j.Begin()
	b := j.Begin()
	_, _ = a.Append(history.CurveRecord{})
	_, _ = b.Append(history.CurveRecord{})

	_, err := j.Commit(a)
	require.NoError(t, err)
	_, err = j.Commit(b)
	assert.Error(t, err)
}

func TestEntry_JSONKeepsConcreteRecord(t *testing.T) {
	in := history.Entry{ID: 4, Kind: history.KindFundingRate, Record: history.FundingRateRecord{Ts: 9, MarketIndex: 2}}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out history.Entry
	require.NoError(t, json.Unmarshal(data, &out))
	rec, ok := out.Record.(history.FundingRateRecord)
	require.True(t, ok, "got %T", out.Record)
	assert.Equal(t, uint64(2), rec.MarketIndex)
	assert.Equal(t, int64(9), rec.Ts)

	_, err = history.DecodeRecord("bogus", []byte(`{}`))
	assert.Error(t, err)
}
