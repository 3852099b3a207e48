package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PerpVAMM/internal/app"
	"PerpVAMM/internal/config"
	"PerpVAMM/internal/core"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/persistence"
	"PerpVAMM/internal/projection"
	"PerpVAMM/internal/query"
	"PerpVAMM/internal/server"
	"PerpVAMM/migrations"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("perpvamm")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("perpvamm stopped")
	}
	logger.Info().Msg("perpvamm shutdown complete")
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	genesis := config.DefaultGenesis()
	if cfg.GenesisFile != "" {
		if genesis, err = config.LoadGenesis(cfg.GenesisFile); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("recovery", "postgres", "nats")
	health.SetComponent("postgres", true)

	// --- Core and recovery ---
	persistCore := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCore := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	engine := core.NewDeterministicCore(core.Config{
		Admin:       genesis.Admin,
		Params:      genesis.Params,
		LRUCapacity: cfg.IdempotencyLRUCapacity,
	}, persistCore, projectionCore, persistence.NewPostgresIdempotencyChecker(db), metrics, observability.NewLogger("core"))

	snapMgr := persistence.NewSnapshotManager(db)
	recovered, err := app.Recover(ctx, snapMgr, engine, cfg.IdempotencyLRUCapacity, metrics, observability.NewLogger("recovery"))
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if recovered.NextSequence == 0 && genesis.Admin == uuid.Nil {
		logger.Warn().Msg("cold start without a genesis admin; markets cannot be listed")
	}

	view := projection.NewView()
	st := engine.CreateSnapshotState()
	view.Seed(st.Sequence, st.Admin, st.Params, st.Markets, st.Users, st.Balances)
	if err := syncProjections(ctx, db, st, logger); err != nil {
		return err
	}
	health.SetComponent("recovery", true)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"), func(connected bool) {
		health.SetComponent("nats", connected)
	})
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	// --- Channels ---
	submissions := make(chan core.Submission, cfg.IngestChanSize)
	snapshotRequests := make(chan chan<- *core.SnapshotState)
	rawCommands := make(chan ingestion.RawCommand, cfg.IngestChanSize)
	persistOut := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionOut := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishOut := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	// Workers outlive the ingestion context so they can drain on shutdown.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	coreCtx, stopCore := context.WithCancel(context.Background())
	defer stopCore()

	errChan := make(chan error, 16)
	var workers sync.WaitGroup
	goWorker := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goWorker("persistence", persistence.NewPersistenceWorker(db, persistOut, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence")).Run)
	goWorker("projection", projection.NewProjectionWorker(db, view, projectionOut, metrics, observability.NewLogger("projection")).Run)
	goWorker("publisher", ingestion.NewOutboundPublisher(js, publishOut, metrics, observability.NewLogger("publisher")).Run)
	goWorker("bridge", app.NewBridge(persistCore, projectionCore, persistOut, projectionOut, publishOut, metrics, observability.NewLogger("bridge")).Run)

	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		if err := engine.Run(coreCtx, submissions, snapshotRequests); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("core: %w", err)
		}
	}()

	// --- Ingestion ---
	subscriber := ingestion.NewNATSSubscriber(js, rawCommands, observability.NewLogger("nats"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	health.SetComponent("nats", nc.IsConnected())
	pump := ingestion.NewCommandPump(rawCommands, submissions, metrics, observability.NewLogger("pump"))
	go func() {
		if err := pump.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("pump: %w", err)
		}
	}()

	// --- Snapshots ---
	snapshotter := app.NewSnapshotter(snapMgr, snapshotRequests, cfg.SnapshotKeep, metrics, observability.NewLogger("snapshot"))
	snapshotter.SetBaseline(recovered.SnapshotSequence)
	go snapshotter.Run(ctx, view.Sequence, cfg.SnapshotInterval, cfg.SnapshotCheckEvery)

	// --- API ---
	srv, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		View:          view,
		QueryService:  query.NewQueryService(db, view),
		IngestService: ingestion.NewGRPCIngestService(submissions, cfg.SubmitTimeout),
		SnapshotMgr:   snapMgr,
		Snapshot:      snapshotter.Take,
		HealthChecker: health,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
		StartTime:     time.Now(),
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := srv.StartHTTPGateway(ctx); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr); err != nil {
			errChan <- err
		}
	}()

	logger.Info().
		Int64("next_sequence", recovered.NextSequence).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("perpvamm ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the core finish, drain the workers, then snapshot.
	stop()
	subscriber.Stop()
	srv.Stop()
	stopCore()
	<-coreDone
	close(persistCore)
	close(projectionCore)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Error().Dur("timeout", cfg.ShutdownTimeout).Msg("workers did not drain, cancelling")
		cancelWorkers()
		<-drained
	}

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelFinal()
	if seq, err := snapshotter.Store(finalCtx, engine.CreateSnapshotState()); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if _, err := snapshotter.Verify(finalCtx); err != nil {
		logger.Error().Err(err).Int64("sequence", seq).Msg("final snapshot not verified")
	}
	return runErr
}

// syncProjections rewrites the projection tables when they trail the
// recovered state.
func syncProjections(ctx context.Context, db *sql.DB, st *core.SnapshotState, logger zerolog.Logger) error {
	watermark, err := projection.Watermark(ctx, db)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	if watermark == st.Sequence {
		return nil
	}
	logger.Info().Int64("watermark", watermark).Int64("sequence", st.Sequence).Msg("rebuilding projections")
	if err := projection.RebuildProjections(ctx, db, st.Sequence, st.Users, st.Markets, st.Balances, logger); err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
