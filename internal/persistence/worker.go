package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpVAMM/internal/observability"

	"github.com/rs/zerolog"
)

// CoreOutput is the persistence view of one sequenced command. The
// orchestrator converts core outputs into it, so this package does not
// depend on the core.
type CoreOutput struct {
	Command  CommandRow
	History  []HistoryRow
	Journals []JournalRow
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to it with a BLOCKING send, so if this worker falls behind
// the core stalls and no command is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *CommandLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewCommandLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

type pending struct {
	commands []CommandRow
	history  []HistoryRow
	journals []JournalRow
}

func (p *pending) add(o CoreOutput) {
	p.commands = append(p.commands, o.Command)
	p.history = append(p.history, o.History...)
	p.journals = append(p.journals, o.Journals...)
}

func (p *pending) reset() {
	p.commands = p.commands[:0]
	p.history = p.history[:0]
	p.journals = p.journals[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pending{
		commands: make([]CommandRow, 0, pw.batchSize),
		history:  make([]HistoryRow, 0, pw.batchSize*2),
		journals: make([]JournalRow, 0, pw.batchSize*2),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch.commands) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("commands", len(batch.commands)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch.commands) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("commands", len(batch.commands)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch.add(output)
			if len(batch.commands) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch.commands) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it retries until the write succeeds or ctx is cancelled, and on
// cancellation makes one last attempt without the context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pending) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("commands", len(batch.commands)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch *pending) (err error) {
	start := time.Now()
	op := "tx_begin"
	defer func() {
		if err != nil && pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues(errorType(op, err)).Inc()
		}
	}()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	op = "write_commands"
	if err = pw.writer.WriteCommandBatch(ctx, tx, batch.commands); err != nil {
		return err
	}
	op = "write_history"
	if err = pw.writer.WriteHistoryBatch(ctx, tx, batch.history); err != nil {
		return err
	}
	op = "write_journals"
	if err = pw.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		return err
	}
	op = "tx_commit"
	if err = tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(batch.commands)))
		pw.metrics.PersistCommandsWritten.Add(float64(len(batch.commands)))
		pw.metrics.PersistHistoryWritten.Add(float64(len(batch.history)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(batch.journals)))
		pw.metrics.PersistLastSequence.Set(float64(batch.commands[len(batch.commands)-1].Sequence))
	}
	return nil
}
