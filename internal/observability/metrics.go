package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpVAMM.
type Metrics struct {
	// --- Core processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CoreStateHashDur prometheus.Histogram
	CoreSequence     prometheus.Gauge
	HistoryRecords   *prometheus.CounterVec
	LedgerTransfers  prometheus.Counter
	Maintenance      *prometheus.CounterVec

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	SequenceGaps          prometheus.Counter
	SequenceOutOfOrder    prometheus.Counter

	// --- Markets ---
	MarkPrice        *prometheus.GaugeVec
	OraclePrice      *prometheus.GaugeVec
	MarkOracleSpread *prometheus.GaugeVec
	OpenInterest     *prometheus.GaugeVec
	FeePool          *prometheus.GaugeVec

	// --- Funding ---
	FundingRateUpdates *prometheus.CounterVec
	FundingPayments    *prometheus.CounterVec

	// --- Liquidation ---
	Liquidations   *prometheus.CounterVec
	LiquidationFee *prometheus.CounterVec

	// --- Vaults ---
	CollateralVaultBalance prometheus.Gauge
	InsuranceVaultBalance  prometheus.Gauge

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistHistoryWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken       prometheus.Counter
	SnapshotDuration    prometheus.Histogram
	SnapshotSizeBytes   prometheus.Gauge
	SnapshotLastSeq     prometheus.Gauge
	ReplayCommandsTotal prometheus.Counter
	ReplayDuration      prometheus.Gauge

	// --- Transport ---
	NATSMessages  *prometheus.CounterVec
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core processing
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, sequence, error code)",
		}, []string{"command_type", "reason"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vamm_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vamm_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_core_sequence",
			Help: "Current global sequence number",
		}),

		HistoryRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_history_records_total",
			Help: "History records committed",
		}, []string{"kind"}),

		LedgerTransfers: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_ledger_transfers_total",
			Help: "Custody transfers committed",
		}),

		Maintenance: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_curve_maintenance_total",
			Help: "Formulaic repeg and K steps by outcome",
		}, []string{"kind", "outcome"}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vamm_ingest_to_apply_seconds",
			Help:    "Transport receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"command_type"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vamm_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vamm_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_publish_drops_total",
			Help: "History entries dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vamm_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		SequenceGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_command_sequence_gap_total",
			Help: "Signer sequence gaps",
		}),

		SequenceOutOfOrder: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_command_out_of_order_total",
			Help: "Out-of-order rejections",
		}),

		// Markets
		MarkPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_market_mark_price",
			Help: "Curve mark price",
		}, []string{"market_index"}),

		OraclePrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_market_oracle_price",
			Help: "Last oracle price seen by a command",
		}, []string{"market_index"}),

		MarkOracleSpread: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_market_mark_oracle_spread",
			Help: "Mark minus oracle price",
		}, []string{"market_index"}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_market_open_interest",
			Help: "Users with an open position",
		}, []string{"market_index"}),

		FeePool: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vamm_market_fee_pool",
			Help: "Total fee minus distributions (USD)",
		}, []string{"market_index"}),

		// Funding
		FundingRateUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_funding_rate_updates_total",
			Help: "Funding rate updates",
		}, []string{"market_index"}),

		FundingPayments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_funding_payments_total",
			Help: "Funding payments settled",
		}, []string{"market_index"}),

		// Liquidation
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_liquidations_total",
			Help: "Liquidations by type",
		}, []string{"type"}),

		LiquidationFee: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_liquidation_fee_total",
			Help: "Liquidation fees paid out (USD)",
		}, []string{"recipient"}),

		// Vaults
		CollateralVaultBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_collateral_vault_balance",
			Help: "Collateral vault balance (USD)",
		}),

		InsuranceVaultBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_insurance_vault_balance",
			Help: "Insurance vault balance (USD)",
		}),

		// Persistence
		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_persist_commands_written_total",
			Help: "Commands written to Postgres",
		}),

		PersistHistoryWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_persist_history_written_total",
			Help: "History records written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_persist_journals_written_total",
			Help: "Ledger journals written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vamm_persist_batch_size",
			Help:    "Commands per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vamm_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCommandsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "vamm_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "vamm_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Transport
		NATSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_nats_messages_total",
			Help: "NATS command messages by outcome",
		}, []string{"command_type", "outcome"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vamm_query_requests_total",
			Help: "Query and submit requests",
		}, []string{"endpoint", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vamm_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
