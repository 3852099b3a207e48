package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"PerpVAMM/internal/amm"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/state"

	"github.com/rs/zerolog"
)

// WatermarkName identifies this worker's row in projections.watermark.
const WatermarkName = "main"

// ProjectionWorker folds outputs into the in-memory View and, when a
// database is configured, into the projection tables. The projection
// channel is non-blocking with drop; projections lagging or missing
// sequences are rebuilt from the command log.
type ProjectionWorker struct {
	db        *sql.DB
	view      *View
	inputChan <-chan ProjectionOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, view *View, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		view:      view,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if !pw.view.Apply(output) {
				continue
			}
			pw.observe("view", start)

			if pw.db == nil || output.Rejected {
				continue
			}
			start = time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent; a rebuild restores the tables.
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			pw.observe("postgres", start)
		}
	}
}

func (pw *ProjectionWorker) observe(name string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range output.Users {
		if err := upsertUser(ctx, tx, u, output.Sequence); err != nil {
			return fmt.Errorf("user projection: %w", err)
		}
	}
	for _, id := range output.DeletedUsers {
		if _, err := tx.ExecContext(ctx, `DELETE FROM projections.positions WHERE authority = $1`, id); err != nil {
			return fmt.Errorf("delete positions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projections.users WHERE authority = $1`, id); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
	}
	for _, m := range output.Markets {
		if err := upsertMarket(ctx, tx, m, output.Sequence); err != nil {
			return fmt.Errorf("market projection: %w", err)
		}
	}
	for path, balance := range output.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, balance, last_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_path)
			DO UPDATE SET balance = $2, last_sequence = $3
		`, path, balance, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if err := setWatermark(ctx, tx, output.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertUser(ctx context.Context, tx *sql.Tx, u state.User, seq int64) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.users
			(authority, collateral, cumulative_deposits, total_fee_paid, total_token_discount,
			 total_referral_reward, data, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (authority) DO UPDATE SET
			collateral = $2, cumulative_deposits = $3, total_fee_paid = $4,
			total_token_discount = $5, total_referral_reward = $6, data = $7,
			last_sequence = $8, updated_at = NOW()
	`,
		u.Authority,
		fpmath.QuoteConfig.ToDecimal(u.Collateral),
		fpmath.QuoteConfig.ToDecimalI(u.CumulativeDeposits),
		fpmath.QuoteConfig.ToDecimal(u.TotalFeePaid),
		fpmath.QuoteConfig.ToDecimal(u.TotalTokenDiscount),
		fpmath.QuoteConfig.ToDecimal(u.TotalReferralReward),
		data, seq,
	); err != nil {
		return err
	}

	for _, p := range u.Positions {
		if p.IsAvailable() {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(authority, market_index, base_asset_amount, quote_asset_amount,
				 last_cumulative_funding_rate, open_orders, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (authority, market_index) DO UPDATE SET
				base_asset_amount = $3, quote_asset_amount = $4,
				last_cumulative_funding_rate = $5, open_orders = $6, last_sequence = $7
		`,
			u.Authority, int64(p.MarketIndex),
			fpmath.BaseConfig.ToDecimalI(p.BaseAssetAmount),
			fpmath.QuoteConfig.ToDecimal(p.QuoteAssetAmount),
			fpmath.FundingConfig.ToDecimalI(p.LastCumulativeFundingRate),
			int64(p.OpenOrders), seq,
		); err != nil {
			return err
		}
	}
	// Slots freed by this command leave stale rows behind.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM projections.positions
		WHERE authority = $1 AND last_sequence < $2
	`, u.Authority, seq)
	return err
}

func upsertMarket(ctx context.Context, tx *sql.Tx, m state.Market, seq int64) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	mark, err := markPrice(m.AMM)
	if err != nil {
		return err
	}
	oi, _ := m.OpenInterest.Uint64()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.markets
			(market_index, mark_price, oracle_twap, base_asset_amount, open_interest,
			 total_fee_minus_distributions, data, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (market_index) DO UPDATE SET
			mark_price = $2, oracle_twap = $3, base_asset_amount = $4, open_interest = $5,
			total_fee_minus_distributions = $6, data = $7, last_sequence = $8, updated_at = NOW()
	`,
		int64(m.Index),
		fpmath.PriceConfig.ToDecimal(mark),
		fpmath.PriceConfig.ToDecimalI(m.AMM.LastOraclePriceTwap),
		fpmath.BaseConfig.ToDecimalI(m.BaseAssetAmount),
		int64(oi),
		fpmath.QuoteConfig.ToDecimal(m.AMM.TotalFeeMinusDistributions),
		data, seq,
	)
	return err
}

func markPrice(a amm.AMM) (fpmath.U128, error) {
	if a.BaseAssetReserve.IsZero() {
		return fpmath.U128{}, nil
	}
	return a.MarkPrice()
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WatermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Watermark returns the last sequence written to the projection tables, or
// -1 when nothing has been projected.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection_name = $1`, WatermarkName,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return seq, err
}

// RebuildProjections rewrites the projection tables from a full state, as
// recovered by replaying the command log.
func RebuildProjections(ctx context.Context, db *sql.DB, seq int64, users []state.User, markets []state.Market, balances map[string]int64, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.users`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.markets`,
		`TRUNCATE projections.balances`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	for _, u := range users {
		if err := upsertUser(ctx, tx, u, seq); err != nil {
			return fmt.Errorf("rebuild user %s: %w", u.Authority, err)
		}
	}
	for _, m := range markets {
		if err := upsertMarket(ctx, tx, m, seq); err != nil {
			return fmt.Errorf("rebuild market %d: %w", m.Index, err)
		}
	}
	for path, balance := range balances {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projections.balances (account_path, balance, last_sequence) VALUES ($1, $2, $3)`,
			path, balance, seq,
		); err != nil {
			return fmt.Errorf("rebuild balance %s: %w", path, err)
		}
	}
	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Int64("sequence", seq).Int("users", len(users)).Int("markets", len(markets)).Msg("projection rebuild complete")
	return nil
}
