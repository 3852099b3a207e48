package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CommandLogWriter writes sequenced commands, history records and ledger
// journals to Postgres. Every write takes the caller's transaction so one
// flush lands atomically.
type CommandLogWriter struct {
	db *sql.DB
}

// CommandRow represents a row in event_log.commands
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	MarketIndex    *int64
	Signer         uuid.UUID
	Payload        []byte    // JSON-encoded command
	RejectCode     string    // empty when applied
	StateHash      []byte
	PrevHash       []byte
	StateDelta     []byte    // digest hashed into StateHash; empty when rejected
	Timestamp      time.Time // command clock
	SourceSequence int64
}

func (c CommandRow) stateDelta() []byte {
	if c.StateDelta == nil {
		return []byte{}
	}
	return c.StateDelta
}

// HistoryRow represents a row in event_log.history
type HistoryRow struct {
	Kind      string
	RecordID  int64
	Sequence  int64
	Payload   []byte    // JSON-encoded record
	Timestamp time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	Authority     uuid.UUID
	Timestamp     int64
}

func NewCommandLogWriter(db *sql.DB) *CommandLogWriter {
	return &CommandLogWriter{db: db}
}

// WriteCommandBatch writes commands using a multi-row INSERT. Rewrites of an
// existing sequence are ignored.
func (w *CommandLogWriter) WriteCommandBatch(ctx context.Context, tx *sql.Tx, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	const cols = 12
	values := make([]string, 0, len(commands))
	args := make([]interface{}, 0, len(commands)*cols)
	for i, c := range commands {
		values = append(values, placeholders(i*cols, cols))
		var reject *string
		if c.RejectCode != "" {
			reject = &c.RejectCode
		}
		args = append(args,
			c.Sequence, c.CommandType, c.IdempotencyKey, c.MarketIndex, c.Signer,
			c.Payload, reject, c.StateHash, c.PrevHash, c.stateDelta(), c.Timestamp, c.SourceSequence,
		)
	}

	query := `INSERT INTO event_log.commands
		(sequence, command_type, idempotency_key, market_index, signer, payload, reject_code, state_hash, prev_hash, state_delta, timestamp, source_sequence)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteHistoryBatch writes history records keyed by (kind, record_id).
func (w *CommandLogWriter) WriteHistoryBatch(ctx context.Context, tx *sql.Tx, records []HistoryRow) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 5
	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*cols)
	for i, r := range records {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, r.Kind, r.RecordID, r.Sequence, r.Payload, r.Timestamp)
	}

	query := `INSERT INTO event_log.history (kind, record_id, sequence, payload, timestamp)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (kind, record_id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch streams journals through COPY. Journal ids derive from
// the sequence, so a batch that was already committed is skipped up front.
func (w *CommandLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_log.journal WHERE journal_id = $1)`, journals[0].JournalID,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema("event_log", "journal",
		"journal_id", "batch_id", "sequence", "debit_account", "credit_account", "amount", "authority", "timestamp"))
	if err != nil {
		return err
	}
	for _, j := range journals {
		if _, err := stmt.ExecContext(ctx,
			j.JournalID, j.BatchID, j.Sequence, j.DebitAccount, j.CreditAccount, j.Amount, j.Authority, j.Timestamp,
		); err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	return stmt.Close()
}

func placeholders(base, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// errorType labels a Postgres failure for metrics by its SQLSTATE class.
func errorType(op string, err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return op + ":" + pqErr.Code.Class().Name()
	}
	return op
}
