package query

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/history"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/persistence"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNoDatabase   = errors.New("query database not configured")
	ErrInvalidLimit = errors.New("limit must be between 1 and 1000")
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000

	integrityPage = 1000
)

// QueryService serves reads. Live account and market state comes from the
// in-memory projection view; history, journals and integrity checks read
// Postgres. Every response carries as_of_sequence for freshness.
type QueryService struct {
	db   *sql.DB
	view *projection.View
}

// NewQueryService creates a query service. db may be nil, in which case only
// the live view is served.
func NewQueryService(db *sql.DB, view *projection.View) *QueryService {
	return &QueryService{db: db, view: view}
}

// Sequence is the last sequence reflected in the live view.
func (qs *QueryService) Sequence() int64 { return qs.view.Sequence() }

// GetUser returns a user's account, positions and open orders.
func (qs *QueryService) GetUser(authority uuid.UUID) (*UserResponse, error) {
	asOf := qs.view.Sequence()
	u, ok := qs.view.User(authority)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", authority, ErrNotFound)
	}
	values, err := state.MarkPositions(u, qs.view.MarketSet())
	if err != nil {
		return nil, fmt.Errorf("mark positions: %w", err)
	}
	marked := make(map[uint64]state.PositionValue, len(values))
	for _, v := range values {
		marked[v.MarketIndex] = v
	}

	resp := &UserResponse{
		Authority:            u.Authority,
		Collateral:           fpmath.QuoteConfig.ToDecimal(u.Collateral),
		CumulativeDeposits:   fpmath.QuoteConfig.ToDecimalI(u.CumulativeDeposits),
		TotalFeePaid:         fpmath.QuoteConfig.ToDecimal(u.TotalFeePaid),
		TotalTokenDiscount:   fpmath.QuoteConfig.ToDecimal(u.TotalTokenDiscount),
		TotalReferralReward:  fpmath.QuoteConfig.ToDecimal(u.TotalReferralReward),
		TotalRefereeDiscount: fpmath.QuoteConfig.ToDecimal(u.TotalRefereeDiscount),
		DiscountTokenBalance: u.DiscountTokenBalance,
		Referrer:             u.Referrer,
		Positions:            []PositionResponse{},
		Orders:               []OrderResponse{},
		AsOfSequence:         asOf,
	}
	for _, p := range u.Positions {
		if p.IsAvailable() {
			continue
		}
		resp.Positions = append(resp.Positions, positionResponse(p, marked[p.MarketIndex]))
	}
	for _, o := range u.Orders {
		if !o.IsOpen() {
			continue
		}
		resp.Orders = append(resp.Orders, OrderResponse{
			OrderID:         o.OrderID,
			UserOrderID:     o.UserOrderID,
			MarketIndex:     o.MarketIndex,
			OrderType:       o.OrderType.String(),
			Direction:       o.Direction.String(),
			Price:           fpmath.PriceConfig.ToDecimal(o.Price),
			BaseAssetAmount: fpmath.BaseConfig.ToDecimal(o.BaseAssetAmount),
			BaseFilled:      fpmath.BaseConfig.ToDecimal(o.BaseAssetAmountFilled),
			ReduceOnly:      o.ReduceOnly,
			Ts:              o.Ts,
		})
	}
	return resp, nil
}

func positionResponse(p state.MarketPosition, v state.PositionValue) PositionResponse {
	base := fpmath.BaseConfig.ToDecimalI(p.BaseAssetAmount)
	quote := fpmath.QuoteConfig.ToDecimal(p.QuoteAssetAmount)
	r := PositionResponse{
		MarketIndex:               p.MarketIndex,
		Direction:                 "None",
		BaseAssetAmount:           base,
		QuoteAssetAmount:          quote,
		BaseAssetValue:            fpmath.QuoteConfig.ToDecimal(v.BaseAssetValue),
		UnrealizedPnl:             fpmath.QuoteConfig.ToDecimalI(v.UnrealizedPnl),
		LastCumulativeFundingRate: fpmath.FundingConfig.ToDecimalI(p.LastCumulativeFundingRate),
		OpenOrders:                p.OpenOrders,
	}
	if p.IsOpenPosition() {
		r.Direction = "Short"
		if p.IsLong() {
			r.Direction = "Long"
		}
		r.EntryPrice = quote.Div(base.Abs()).Round(6)
	}
	return r
}

// GetMarkets returns every initialized market ordered by index.
func (qs *QueryService) GetMarkets() []MarketResponse {
	asOf := qs.view.Sequence()
	markets := qs.view.Markets()
	out := make([]MarketResponse, 0, len(markets))
	for _, m := range markets {
		out = append(out, marketResponse(m, asOf))
	}
	return out
}

// GetMarket returns one market.
func (qs *QueryService) GetMarket(index uint64) (*MarketResponse, error) {
	asOf := qs.view.Sequence()
	m, ok := qs.view.Market(index)
	if !ok {
		return nil, fmt.Errorf("market %d: %w", index, ErrNotFound)
	}
	r := marketResponse(m, asOf)
	return &r, nil
}

func marketResponse(m state.Market, asOf int64) MarketResponse {
	a := m.AMM
	r := MarketResponse{
		MarketIndex:                m.Index,
		Oracle:                     a.Oracle,
		OracleSource:               string(a.OracleSource),
		MarkPriceTwap:              fpmath.PriceConfig.ToDecimal(a.LastMarkPriceTwap),
		OraclePrice:                fpmath.PriceConfig.ToDecimalI(a.LastOraclePrice),
		OraclePriceTwap:            fpmath.PriceConfig.ToDecimalI(a.LastOraclePriceTwap),
		BaseAssetReserve:           fpmath.BaseConfig.ToDecimal(a.BaseAssetReserve),
		QuoteAssetReserve:          fpmath.BaseConfig.ToDecimal(a.QuoteAssetReserve),
		SqrtK:                      fpmath.BaseConfig.ToDecimal(a.SqrtK),
		PegMultiplier:              fpmath.PegConfig.ToDecimal(a.PegMultiplier),
		BaseAssetAmountLong:        fpmath.BaseConfig.ToDecimalI(m.BaseAssetAmountLong),
		BaseAssetAmountShort:       fpmath.BaseConfig.ToDecimalI(m.BaseAssetAmountShort),
		BaseAssetAmount:            fpmath.BaseConfig.ToDecimalI(m.BaseAssetAmount),
		OpenInterest:               m.OpenInterest.String(),
		LastFundingRate:            fpmath.FundingConfig.ToDecimalI(a.LastFundingRate),
		LastFundingRateTs:          a.LastFundingRateTs,
		CumulativeFundingRateLong:  fpmath.FundingConfig.ToDecimalI(a.CumulativeFundingRateLong),
		CumulativeFundingRateShort: fpmath.FundingConfig.ToDecimalI(a.CumulativeFundingRateShort),
		FundingPeriod:              a.FundingPeriod,
		TotalFee:                   fpmath.QuoteConfig.ToDecimal(a.TotalFee),
		TotalFeeMinusDistributions: fpmath.QuoteConfig.ToDecimal(a.TotalFeeMinusDistributions),
		TotalFeeWithdrawn:          fpmath.QuoteConfig.ToDecimal(a.TotalFeeWithdrawn),
		BaseSpreadBps:              a.BaseSpread,
		MarginRatioInitial:         marginRatio(m.MarginRatioInitial),
		MarginRatioPartial:         marginRatio(m.MarginRatioPartial),
		MarginRatioMaintenance:     marginRatio(m.MarginRatioMaintenance),
		AsOfSequence:               asOf,
	}
	if mark, err := a.MarkPrice(); err == nil {
		r.MarkPrice = fpmath.PriceConfig.ToDecimal(mark)
	}
	return r
}

func marginRatio(v uint64) decimal.Decimal {
	return fpmath.MarginConfig.ToDecimal(fpmath.NewU128(v))
}

// GetMargin derives a user's margin position at query time from the live
// view: ratio, the three requirements, free collateral and liquidation status.
func (qs *QueryService) GetMargin(authority uuid.UUID) (*MarginInfo, error) {
	asOf := qs.view.Sequence()
	u, ok := qs.view.User(authority)
	if !ok {
		return nil, fmt.Errorf("user %s: %w", authority, ErrNotFound)
	}
	markets := qs.view.MarketSet()

	ratio, err := state.CalculateMarginRatio(u, markets)
	if err != nil {
		return nil, fmt.Errorf("margin ratio: %w", err)
	}
	var reqs [3]fpmath.U128
	for i, t := range []state.MarginRequirementType{
		state.MarginRequirementInitial, state.MarginRequirementPartial, state.MarginRequirementMaintenance,
	} {
		if reqs[i], err = state.CalculateMarginRequirement(u, markets, t); err != nil {
			return nil, fmt.Errorf("%s requirement: %w", t, err)
		}
	}
	free, _, err := state.CalculateFreeCollateral(u, markets, nil)
	if err != nil {
		return nil, fmt.Errorf("free collateral: %w", err)
	}
	status, err := state.CalculateLiquidationStatus(u, markets)
	if err != nil {
		return nil, fmt.Errorf("liquidation status: %w", err)
	}

	info := &MarginInfo{
		Authority:              authority,
		TotalCollateral:        fpmath.QuoteConfig.ToDecimal(ratio.TotalCollateral),
		UnrealizedPnl:          fpmath.QuoteConfig.ToDecimalI(ratio.UnrealizedPnl),
		BaseAssetValue:         fpmath.QuoteConfig.ToDecimal(ratio.BaseAssetValue),
		InitialRequirement:     fpmath.QuoteConfig.ToDecimal(reqs[0]),
		PartialRequirement:     fpmath.QuoteConfig.ToDecimal(reqs[1]),
		MaintenanceRequirement: fpmath.QuoteConfig.ToDecimal(reqs[2]),
		FreeCollateral:         fpmath.QuoteConfig.ToDecimal(free),
		Liquidation:            status.Type.String(),
		AsOfSequence:           asOf,
	}
	if !ratio.BaseAssetValue.IsZero() {
		info.MarginRatio = fpmath.MarginConfig.ToDecimal(ratio.Ratio).String()
	}
	if status.Type != state.LiquidationNone {
		for _, m := range status.MarketsToClose {
			info.MarketsToClose = append(info.MarketsToClose, m.MarketIndex)
		}
	}
	return info, nil
}

// GetBalance returns a user's custody balances plus derived collateral.
func (qs *QueryService) GetBalance(authority uuid.UUID) (*BalanceResponse, error) {
	margin, err := qs.GetMargin(authority)
	if err != nil {
		return nil, err
	}
	u, _ := qs.view.User(authority)
	wallet := qs.view.Balances(ledger.Wallet(authority).AccountPath())
	return &BalanceResponse{
		Authority:       authority,
		Wallet:          quoteAmount(wallet[ledger.Wallet(authority).AccountPath()]),
		Collateral:      fpmath.QuoteConfig.ToDecimal(u.Collateral),
		UnrealizedPnl:   margin.UnrealizedPnl,
		TotalCollateral: margin.TotalCollateral,
		FreeCollateral:  margin.FreeCollateral,
		AsOfSequence:    margin.AsOfSequence,
	}, nil
}

// GetVaults returns the exchange-owned token balances.
func (qs *QueryService) GetVaults() VaultResponse {
	asOf := qs.view.Sequence()
	balances := qs.view.Balances("vault:")
	return VaultResponse{
		CollateralVault: quoteAmount(balances[ledger.CollateralVault.AccountPath()]),
		InsuranceVault:  quoteAmount(balances[ledger.InsuranceVault.AccountPath()]),
		AsOfSequence:    asOf,
	}
}

func quoteAmount(v int64) decimal.Decimal {
	return decimal.New(v, -fpmath.QuoteConfig.Exp)
}

// GetFundingHistory returns the user's most recent funding payments.
func (qs *QueryService) GetFundingHistory(authority uuid.UUID, limit int) ([]FundingHistoryResponse, error) {
	limit, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}
	asOf := qs.view.Sequence()
	entries := qs.view.FundingHistory(authority, limit)
	out := make([]FundingHistoryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, FundingHistoryResponse{
			RecordID:        e.RecordID,
			MarketIndex:     e.MarketIndex,
			Payment:         fpmath.QuoteConfig.ToDecimalI(e.Payment),
			BaseAssetAmount: fpmath.BaseConfig.ToDecimalI(e.BaseAssetAmount),
			Timestamp:       e.Timestamp,
			AsOfSequence:    asOf,
		})
	}
	return out, nil
}

// HistoryFilter narrows a history query. Zero values match everything.
type HistoryFilter struct {
	Kinds  []history.Kind
	User   uuid.UUID
	Market *uint64
	// BeforeSequence pages backwards; nil starts at the newest record.
	BeforeSequence *int64
	Limit          int
}

// GetHistory reads persisted history records, newest first.
func (qs *QueryService) GetHistory(ctx context.Context, f HistoryFilter) ([]HistoryRecordResponse, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	limit, err := normalizeLimit(f.Limit)
	if err != nil {
		return nil, err
	}

	kinds := make([]string, 0, len(f.Kinds))
	for _, k := range f.Kinds {
		kinds = append(kinds, string(k))
	}
	query := `
		SELECT kind, record_id, sequence, payload, EXTRACT(EPOCH FROM timestamp)::BIGINT
		FROM event_log.history
		WHERE 1 = 1
	`
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(kinds) > 0 {
		query += " AND kind = ANY(" + arg(pq.Array(kinds)) + ")"
	}
	if f.User != uuid.Nil {
		query += " AND payload->>'user' = " + arg(f.User.String())
	}
	if f.Market != nil {
		query += " AND (payload->>'market_index')::BIGINT = " + arg(int64(*f.Market))
	}
	if f.BeforeSequence != nil {
		query += " AND sequence < " + arg(*f.BeforeSequence)
	}
	query += " ORDER BY sequence DESC, kind, record_id DESC LIMIT " + arg(limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []HistoryRecordResponse{}
	for rows.Next() {
		var r HistoryRecordResponse
		var payload []byte
		if err := rows.Scan(&r.Kind, &r.RecordID, &r.Sequence, &payload, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Record = payload
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetJournalHistory returns the custody transfers touching a user's wallet,
// newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, authority uuid.UUID, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	limit, err := normalizeLimit(limit)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT journal_id, batch_id, sequence, debit_account, credit_account,
		       amount, authority, timestamp
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{ledger.Wallet(authority).AccountPath()}
	if beforeSequence != nil {
		args = append(args, *beforeSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		var amount int64
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.Sequence, &e.DebitAccount, &e.CreditAccount,
			&amount, &e.Authority, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Amount = quoteAmount(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity recomputes the state hash chain over the whole command log
// and checks that projected ledger balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	report := &IntegrityReport{}
	log := persistence.NewSnapshotManager(qs.db)

	prev := core.GenesisHash()
	next := int64(0)
	for {
		page, err := log.LoadCommandsFrom(ctx, next, integrityPage)
		if err != nil {
			return nil, err
		}
		for _, c := range page {
			if c.Sequence != next || !bytes.Equal(c.PrevHash, prev[:]) {
				report.HashChainBreaks = append(report.HashChainBreaks, c.Sequence)
			}
			var stored [32]byte
			copy(stored[:], c.StateHash)
			if want := core.ChainHash(prev, c.Sequence, c.StateDelta); want != stored || len(c.StateHash) != 32 {
				report.HashMismatches = append(report.HashMismatches, c.Sequence)
			}
			prev = stored
			next = c.Sequence + 1
			report.CheckedCommands++
		}
		if len(page) < integrityPage {
			break
		}
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0)::BIGINT FROM projections.balances
	`).Scan(&report.LedgerImbalance); err != nil {
		return nil, fmt.Errorf("sum balances: %w", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.HashMismatches) == 0 &&
		report.LedgerImbalance == 0
	return report, nil
}

// ProjectionLag is how far the Postgres projections trail the live view.
func (qs *QueryService) ProjectionLag(ctx context.Context) (int64, error) {
	if qs.db == nil {
		return 0, ErrNoDatabase
	}
	wm, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return 0, err
	}
	return qs.view.Sequence() - wm, nil
}

func normalizeLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return DefaultLimit, nil
	case limit < 0 || limit > MaxLimit:
		return 0, ErrInvalidLimit
	default:
		return limit, nil
	}
}
