package core_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PerpVAMM/internal/amm"
	"PerpVAMM/internal/clearing"
	"PerpVAMM/internal/command"
	"PerpVAMM/internal/core"
	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/history"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

type harness struct {
	t       *testing.T
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	clock   *testutil.Clock
	admin   *testutil.Actor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := testutil.NewClock()
	admin := testutil.NewActor(clock)
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(core.Config{
		Admin:       admin.ID,
		Params:      state.DefaultParams(),
		LRUCapacity: 128,
	}, persist, proj, nil, nil, zerolog.Nop())
	return &harness{t: t, core: c, persist: persist, proj: proj, clock: clock, admin: admin}
}

func (h *harness) reading() map[uint64]oracle.Reading {
	return testutil.Readings(0, testutil.PythReading(100, h.clock.Slot))
}

func (h *harness) mustApply(cmd command.Command) *core.CoreOutput {
	h.t.Helper()
	out, err := h.core.ProcessCommand(cmd)
	if err != nil {
		h.t.Fatalf("%s failed: %v", cmd.CommandType(), err)
	}
	if out == nil {
		h.t.Fatalf("%s produced no output", cmd.CommandType())
	}
	return out
}

func (h *harness) initMarket() {
	h.t.Helper()
	h.mustApply(&command.InitializeMarket{
		Header: h.admin.Header(h.reading()),
		Config: clearing.MarketConfig{
			MarketIndex:       0,
			Oracle:            "sol-usd",
			OracleSource:      oracle.SourcePyth,
			BaseAssetReserve:  fpmath.MustU128("10000000000000000000"),
			QuoteAssetReserve: fpmath.MustU128("10000000000000000000"),
			FundingPeriod:     fpmath.OneHour,
			PegMultiplier:     fpmath.NewU128(1_000),
			MarginRatios:      state.DefaultMarginRatios,
		},
	})
}

// funded opens an account and deposits usd.
func (h *harness) funded(usd uint64) *testutil.Actor {
	h.t.Helper()
	a := testutil.NewActor(h.clock)
	h.mustApply(&command.InitializeUser{Header: a.Header(nil)})
	if usd > 0 {
		h.mustApply(&command.Deposit{Header: a.Header(nil), Amount: usd * fpmath.QuotePrecision})
	}
	return a
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Deposit Flow
// ============================================================================

func TestDeposit_MovesWalletIntoVault(t *testing.T) {
	h := newHarness(t)
	user := h.funded(1_000)

	outputs := drainOutputs(h.persist)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}

	deposit := outputs[1]
	if len(deposit.Batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(deposit.Batch.Journals))
	}
	j := deposit.Batch.Journals[0]
	if j.DebitAccount != ledger.CollateralVault || j.CreditAccount != ledger.Wallet(user.ID) {
		t.Errorf("unexpected journal accounts: %s <- %s", j.DebitAccount, j.CreditAccount)
	}
	if j.Amount != 1_000*int64(fpmath.QuotePrecision) {
		t.Errorf("expected amount %d, got %d", 1_000*fpmath.QuotePrecision, j.Amount)
	}
	if got := deposit.Balances[ledger.CollateralVault]; got != j.Amount {
		t.Errorf("expected vault balance %d, got %d", j.Amount, got)
	}
	if len(deposit.Users) != 1 || !deposit.Users[0].Collateral.Eq(fpmath.NewU128(uint64(j.Amount))) {
		t.Errorf("expected touched user with collateral %d, got %+v", j.Amount, deposit.Users)
	}
	if len(deposit.History) != 1 || deposit.History[0].Kind != history.KindDeposit {
		t.Errorf("expected one deposit record, got %+v", deposit.History)
	}
	if h.core.GetSequence() != 2 {
		t.Errorf("expected next sequence 2, got %d", h.core.GetSequence())
	}
}

func TestProjectionChannel_ReceivesOutputs(t *testing.T) {
	h := newHarness(t)
	h.funded(10)

	if got := len(drainOutputs(h.proj)); got != 2 {
		t.Errorf("expected 2 projection outputs, got %d", got)
	}
}

// ============================================================================
// Test: Idempotency and ordering
// ============================================================================

func TestDuplicateCommand_Skipped(t *testing.T) {
	h := newHarness(t)
	user := testutil.NewActor(h.clock)
	cmd := &command.InitializeUser{Header: user.Header(nil)}

	h.mustApply(cmd)
	out, err := h.core.ProcessCommand(cmd)
	if err != nil || out != nil {
		t.Fatalf("expected silent skip, got out=%v err=%v", out, err)
	}
	if got := len(drainOutputs(h.persist)); got != 1 {
		t.Errorf("expected 1 persisted output, got %d", got)
	}
	if h.core.GetSequence() != 1 {
		t.Errorf("duplicate consumed a sequence: %d", h.core.GetSequence())
	}
}

func TestSequenceGap_RejectedWithoutSequencing(t *testing.T) {
	h := newHarness(t)
	user := testutil.NewActor(h.clock)
	h.mustApply(&command.InitializeUser{Header: user.Header(nil)})

	user.Skip()
	_, err := h.core.ProcessCommand(&command.SetDiscountTokenBalance{Header: user.Header(nil), Balance: 5})
	if !errors.Is(err, errcode.ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
	if h.core.GetSequence() != 1 {
		t.Errorf("gap consumed a sequence: %d", h.core.GetSequence())
	}
}

func TestSequenceOutOfOrder_Rejected(t *testing.T) {
	h := newHarness(t)
	user := testutil.NewActor(h.clock)
	first := user.Header(nil)
	h.mustApply(&command.InitializeUser{Header: first})

	stale := first
	stale.CommandID = uuid.New()
	_, err := h.core.ProcessCommand(&command.SetDiscountTokenBalance{Header: stale, Balance: 1})
	if !errors.Is(err, errcode.ErrSequenceOutOfOrder) {
		t.Fatalf("expected ErrSequenceOutOfOrder, got %v", err)
	}
}

type fakeDB struct{ keys map[string]bool }

func (f fakeDB) IsDuplicate(commandType, key string) (bool, error) {
	return f.keys[commandType+":"+key], nil
}

func TestDuplicateCommand_CaughtByDatabaseTier(t *testing.T) {
	clock := testutil.NewClock()
	user := testutil.NewActor(clock)
	cmd := &command.InitializeUser{Header: user.Header(nil)}
	db := fakeDB{keys: map[string]bool{"InitializeUser:" + cmd.IdempotencyKey(): true}}

	c := core.NewDeterministicCore(core.Config{Params: state.DefaultParams()}, nil, nil, db, nil, zerolog.Nop())
	out, err := c.ProcessCommand(cmd)
	if err != nil || out != nil {
		t.Fatalf("expected skip from tier 2, got out=%v err=%v", out, err)
	}
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestRejectedCommand_SequencedWithoutEffect(t *testing.T) {
	h := newHarness(t)
	user := h.funded(100)
	before := h.core.Exchange().Users.All()
	drainOutputs(h.persist)

	out, err := h.core.ProcessCommand(&command.Withdraw{Header: user.Header(nil), Amount: 500 * fpmath.QuotePrecision})
	if !errors.Is(err, errcode.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if out == nil || out.Envelope.RejectCode != "InsufficientCollateral" {
		t.Fatalf("expected rejected output, got %+v", out)
	}
	if len(out.Batch.Journals) != 0 || len(out.History) != 0 {
		t.Errorf("rejected command leaked effects: %d journals, %d records", len(out.Batch.Journals), len(out.History))
	}
	after := h.core.Exchange().Users.All()
	if !after[0].Collateral.Eq(before[0].Collateral) {
		t.Errorf("collateral changed: %s -> %s", before[0].Collateral, after[0].Collateral)
	}

	// The signer's sequence was consumed; the next one is accepted.
	h.mustApply(&command.Withdraw{Header: user.Header(nil), Amount: 10 * fpmath.QuotePrecision})
}

func TestNonAdmin_CannotListMarket(t *testing.T) {
	h := newHarness(t)
	mallory := testutil.NewActor(h.clock)
	_, err := h.core.ProcessCommand(&command.SetFundingPaused{Header: mallory.Header(nil), Paused: true})
	if !errors.Is(err, errcode.ErrInvalidAuthority) {
		t.Fatalf("expected ErrInvalidAuthority, got %v", err)
	}
	if h.core.Exchange().Params.FundingPaused {
		t.Error("params changed by non-admin")
	}
}

func TestOracleFromWrongSource_Rejected(t *testing.T) {
	h := newHarness(t)
	h.initMarket()
	user := h.funded(100)

	sb := oracle.Reading{Source: oracle.SourceSwitchboard, Switchboard: &oracle.SwitchboardRound{
		Mantissa: fpmath.NewI128(1), MinResponses: 1, NumSuccess: 1, RoundOpenSlot: h.clock.Slot,
	}}
	_, err := h.core.ProcessCommand(&command.OpenPosition{
		Header:  user.Header(testutil.Readings(0, sb)),
		Request: clearing.OpenPositionRequest{Direction: amm.Long, QuoteAssetAmount: fpmath.NewU128(10 * fpmath.QuotePrecision)},
	})
	if !errors.Is(err, errcode.ErrInvalidOracle) {
		t.Fatalf("expected ErrInvalidOracle, got %v", err)
	}
}

func TestMoveAMMPrice_ReplacesReserves(t *testing.T) {
	h := newHarness(t)
	h.initMarket()
	half := fpmath.MustU128("5000000000000000000")

	out := h.mustApply(&command.MoveAMMPrice{
		Header:            h.admin.Header(nil),
		Market:            0,
		BaseAssetReserve:  fpmath.MustU128("10000000000000000000"),
		QuoteAssetReserve: half,
	})
	if len(out.Markets) != 1 || !out.Markets[0].AMM.QuoteAssetReserve.Eq(half) {
		t.Fatalf("expected moved market in output, got %+v", out.Markets)
	}

	out = h.mustApply(&command.MoveAMMToPrice{
		Header:      h.admin.Header(nil),
		Market:      0,
		TargetPrice: fpmath.MarkPricePrecisionU,
	})
	if len(out.Markets) != 1 {
		t.Fatalf("expected 1 touched market, got %d", len(out.Markets))
	}
	mark, err := out.Markets[0].AMM.MarkPrice()
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	diff := mark.SaturatingSub(fpmath.MarkPricePrecisionU)
	if mark.Lt(fpmath.MarkPricePrecisionU) {
		diff = fpmath.MarkPricePrecisionU.SaturatingSub(mark)
	}
	if !diff.Lt(fpmath.NewU128(1_000)) {
		t.Errorf("mark %s not back at 1.0", mark)
	}

	mallory := testutil.NewActor(h.clock)
	_, err = h.core.ProcessCommand(&command.MoveAMMToPrice{Header: mallory.Header(nil), Market: 0, TargetPrice: fpmath.MarkPricePrecisionU})
	if !errors.Is(err, errcode.ErrInvalidAuthority) {
		t.Fatalf("expected ErrInvalidAuthority, got %v", err)
	}
}

// ============================================================================
// Test: Trading
// ============================================================================

func TestOpenPosition_TouchesMarketAndRecordsTrade(t *testing.T) {
	h := newHarness(t)
	h.initMarket()
	user := h.funded(1_000)
	drainOutputs(h.persist)

	out := h.mustApply(&command.OpenPosition{
		Header:  user.Header(h.reading()),
		Request: clearing.OpenPositionRequest{Direction: amm.Long, QuoteAssetAmount: fpmath.NewU128(100 * fpmath.QuotePrecision)},
	})

	if len(out.Markets) != 1 {
		t.Fatalf("expected 1 touched market, got %d", len(out.Markets))
	}
	if !out.Markets[0].BaseAssetAmountLong.IsPositive() {
		t.Errorf("expected long open interest, got %s", out.Markets[0].BaseAssetAmountLong)
	}
	var trades int
	for _, e := range out.History {
		if e.Kind == history.KindTrade {
			trades++
		}
	}
	if trades != 1 {
		t.Errorf("expected 1 trade record, got %d", trades)
	}
	if out.Receipt.TradeRecordID == 0 || out.Receipt.Fee == nil || out.Receipt.Fee.IsZero() {
		t.Errorf("expected receipt with trade id and fee, got %+v", out.Receipt)
	}
}

// ============================================================================
// Test: Hash chain
// ============================================================================

func TestHashChain_LinksEveryCommand(t *testing.T) {
	h := newHarness(t)
	h.initMarket()
	user := h.funded(100)
	h.core.ProcessCommand(&command.Withdraw{Header: user.Header(nil), Amount: 1_000 * fpmath.QuotePrecision})

	outputs := drainOutputs(h.persist)
	if len(outputs) != 4 {
		t.Fatalf("expected 4 outputs, got %d", len(outputs))
	}
	if outputs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Error("first command does not chain from genesis")
	}
	for i := 1; i < len(outputs); i++ {
		prev, cur := outputs[i-1].Envelope, outputs[i].Envelope
		if cur.PrevHash != prev.StateHash {
			t.Errorf("sequence %d prev hash does not match sequence %d state hash", cur.Sequence, prev.Sequence)
		}
		if cur.Sequence != prev.Sequence+1 {
			t.Errorf("sequence jumped from %d to %d", prev.Sequence, cur.Sequence)
		}
		if want := core.ChainHash(cur.PrevHash, cur.Sequence, outputs[i].StateDelta); want != cur.StateHash {
			t.Errorf("sequence %d hash is not reproducible", cur.Sequence)
		}
	}
	if h.core.GetStateHash() != outputs[3].Envelope.StateHash {
		t.Error("core tip does not match last envelope")
	}
}

// ============================================================================
// Test: Snapshot and replay
// ============================================================================

func buildHistory(t *testing.T) (*harness, []core.CoreOutput) {
	t.Helper()
	h := newHarness(t)
	h.initMarket()
	alice := h.funded(1_000)
	bob := h.funded(500)
	h.mustApply(&command.OpenPosition{
		Header:  alice.Header(h.reading()),
		Request: clearing.OpenPositionRequest{Direction: amm.Long, QuoteAssetAmount: fpmath.NewU128(200 * fpmath.QuotePrecision)},
	})
	h.core.ProcessCommand(&command.Withdraw{Header: bob.Header(nil), Amount: 10_000 * fpmath.QuotePrecision})
	h.mustApply(&command.TransferCollateral{Header: bob.Header(nil), To: alice.ID, Amount: 50 * fpmath.QuotePrecision})
	h.clock.Advance(fpmath.OneHour)
	h.mustApply(&command.UpdateFundingRate{Header: bob.Header(h.reading()), Market: 0})
	h.mustApply(&command.ClosePosition{Header: alice.Header(h.reading()), Market: 0})
	return h, drainOutputs(h.persist)
}

func TestReplay_FromGenesisReproducesHashes(t *testing.T) {
	h, outputs := buildHistory(t)

	// Admin comes from the config on cold start.
	replica := core.NewDeterministicCore(core.Config{Admin: h.admin.ID, Params: state.DefaultParams()}, nil, nil, nil, nil, zerolog.Nop())
	for _, o := range outputs {
		if err := replica.ReplayEnvelope(o.Envelope); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if replica.GetStateHash() != h.core.GetStateHash() {
		t.Error("replica diverged from primary")
	}
}

func TestReplay_FromSnapshot(t *testing.T) {
	h, outputs := buildHistory(t)
	cut := 4

	// Rebuild the state as of the cut on a second core, snapshot it through
	// JSON, then replay the tail onto a third.
	partial := core.NewDeterministicCore(core.Config{Admin: h.admin.ID, Params: state.DefaultParams()}, nil, nil, nil, nil, zerolog.Nop())
	for _, o := range outputs[:cut] {
		if err := partial.ReplayEnvelope(o.Envelope); err != nil {
			t.Fatalf("replay head: %v", err)
		}
	}
	data, err := json.Marshal(partial.CreateSnapshotState())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Sequence != int64(cut-1) {
		t.Fatalf("expected snapshot at %d, got %d", cut-1, snap.Sequence)
	}

	restored := core.NewDeterministicCore(core.Config{}, nil, nil, nil, nil, zerolog.Nop())
	if err := restored.RestoreFromSnapshot(&snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, o := range outputs[cut:] {
		if err := restored.ReplayEnvelope(o.Envelope); err != nil {
			t.Fatalf("replay tail: %v", err)
		}
	}
	if restored.GetStateHash() != h.core.GetStateHash() {
		t.Error("restored core diverged from primary")
	}
	if restored.Ledger().Balance(ledger.CollateralVault) != h.core.Ledger().Balance(ledger.CollateralVault) {
		t.Error("vault balance diverged")
	}
}

func TestReplay_DetectsTamperedLog(t *testing.T) {
	h, outputs := buildHistory(t)

	tampered := *outputs[2].Envelope
	tampered.StateHash[0] ^= 0xff

	replica := core.NewDeterministicCore(core.Config{Admin: h.admin.ID, Params: state.DefaultParams()}, nil, nil, nil, nil, zerolog.Nop())
	for _, o := range outputs[:2] {
		if err := replica.ReplayEnvelope(o.Envelope); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if err := replica.ReplayEnvelope(&tampered); !errors.Is(err, core.ErrReplayDiverged) {
		t.Fatalf("expected ErrReplayDiverged, got %v", err)
	}
}

func TestRestoredCore_RejectsDuplicatesFromSnapshotKeys(t *testing.T) {
	h := newHarness(t)
	user := testutil.NewActor(h.clock)
	cmd := &command.InitializeUser{Header: user.Header(nil)}
	h.mustApply(cmd)

	restored := core.NewDeterministicCore(core.Config{}, nil, nil, nil, nil, zerolog.Nop())
	if err := restored.RestoreFromSnapshot(h.core.CreateSnapshotState()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	out, err := restored.ProcessCommand(cmd)
	if out != nil || err != nil {
		t.Fatalf("expected duplicate skip after restore, got out=%v err=%v", out, err)
	}
}

// ============================================================================
// Test: Event loop
// ============================================================================

func TestRun_RepliesAndServesSnapshots(t *testing.T) {
	h := newHarness(t)
	in := make(chan core.Submission)
	snaps := make(chan chan<- *core.SnapshotState)
	done := make(chan error, 1)
	go func() { done <- h.core.Run(t.Context(), in, snaps) }()

	user := testutil.NewActor(h.clock)
	reply := make(chan core.Result, 1)
	in <- core.Submission{Command: &command.InitializeUser{Header: user.Header(nil)}, Received: time.Now(), Reply: reply}
	res := <-reply
	if res.Err != nil || res.Output == nil || res.Duplicate {
		t.Fatalf("unexpected result: %+v", res)
	}

	snapReply := make(chan *core.SnapshotState, 1)
	snaps <- snapReply
	snap := <-snapReply
	if snap.Sequence != 0 || len(snap.Users) != 1 {
		t.Errorf("unexpected snapshot: seq=%d users=%d", snap.Sequence, len(snap.Users))
	}

	close(in)
	if err := <-done; err != nil {
		t.Errorf("run returned %v", err)
	}
}
