package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

// ============================================================================
// Environment
// ============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"VAMM_DB_DSN":                "postgres://x",
		"VAMM_GRPC_ADDR":             ":7000",
		"VAMM_PERSIST_BATCH_SIZE":    "7",
		"VAMM_SNAPSHOT_INTERVAL":     "250",
		"VAMM_PERSIST_FLUSH_TIMEOUT": "25ms",
		"VAMM_GENESIS_FILE":          "/etc/vamm/genesis.toml",
		"VAMM_NATS_URL":              "",
	}))
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", cfg.DatabaseURL)
	assert.Equal(t, ":7000", cfg.GRPCAddr)
	assert.Equal(t, 7, cfg.PersistBatchSize)
	assert.EqualValues(t, 250, cfg.SnapshotInterval)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, "/etc/vamm/genesis.toml", cfg.GenesisFile)
	assert.Equal(t, Default().NATSURL, cfg.NATSURL, "empty values keep the default")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"malformed int", map[string]string{"VAMM_PERSIST_BATCH_SIZE": "ten"}},
		{"malformed duration", map[string]string{"VAMM_SUBMIT_TIMEOUT": "5"}},
		{"zero channel", map[string]string{"VAMM_PERSIST_CHAN_SIZE": "0"}},
		{"negative interval", map[string]string{"VAMM_SNAPSHOT_INTERVAL": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(lookupFrom(tt.vars))
			assert.Error(t, err)
		})
	}
}

// ============================================================================
// Genesis
// ============================================================================

func TestParseGenesis_OverlaysDefaults(t *testing.T) {
	admin := uuid.New()
	g, err := ParseGenesis(`
admin = "` + admin.String() + `"

[params]
funding_paused = true

[params.fees]
fee_numerator = 5
fee_denominator = 10000

[params.oracle_guard_rails.validity]
slots_before_stale = 20

[limits]
max_deposit = "250000"
min_order_quote = "1.5"
maintenance_margin = "0.04"
`)
	require.NoError(t, err)

	def := state.DefaultParams()
	assert.Equal(t, admin, g.Admin)
	assert.True(t, g.Params.FundingPaused)
	assert.EqualValues(t, 5, g.Params.Fees.FeeNumerator)
	assert.EqualValues(t, 10_000, g.Params.Fees.FeeDenominator)
	assert.Equal(t, def.Fees.DiscountTokenTiers, g.Params.Fees.DiscountTokenTiers, "untouched keys keep defaults")
	assert.EqualValues(t, 20, g.Params.OracleGuardRails.Validity.SlotsBeforeStale)
	assert.Equal(t, def.OracleGuardRails.PriceDivergence, g.Params.OracleGuardRails.PriceDivergence)

	assert.Equal(t, fpmath.NewU128(250_000*fpmath.QuotePrecision), g.Params.MaxDeposit)
	assert.Equal(t, fpmath.NewU128(1_500_000), g.Params.Orders.MinOrderQuoteAssetAmount)
	assert.EqualValues(t, 400, g.Params.MarginRatios.Maintenance)
	assert.Equal(t, def.MarginRatios.Initial, g.Params.MarginRatios.Initial)
}

func TestParseGenesis_RawIntegers(t *testing.T) {
	g, err := ParseGenesis(`
[params]
max_deposit = 1000000

[params.orders]
min_order_quote_asset_amount = "750000"
`)
	require.NoError(t, err)
	assert.Equal(t, fpmath.NewU128(1_000_000), g.Params.MaxDeposit)
	assert.Equal(t, fpmath.NewU128(750_000), g.Params.Orders.MinOrderQuoteAssetAmount)
}

func TestParseGenesis_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "[params]\nfunding_pausd = true\n"},
		{"bad admin", `admin = "nope"`},
		{"bad decimal", "[limits]\nmax_deposit = \"lots\"\n"},
		{"ratio above one", "[limits]\ninitial_margin = \"1.5\"\n"},
		{"inverted ratios", "[limits]\nmaintenance_margin = \"0.5\"\n"},
		{"zero denominator", "[params.fees]\nfee_denominator = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGenesis(tt.doc)
			assert.Error(t, err)
		})
	}
}

func TestLoadGenesis_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.toml")
	require.NoError(t, os.WriteFile(path, []byte("[limits]\npartial_margin = \"0.07\"\n"), 0o600))

	g, err := LoadGenesis(path)
	require.NoError(t, err)
	assert.EqualValues(t, 700, g.Params.MarginRatios.Partial)
	assert.Equal(t, uuid.Nil, g.Admin)

	_, err = LoadGenesis(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
