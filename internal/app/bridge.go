// Package app assembles the engine process: recovery from the command log,
// the fan-out of core outputs to the workers, and periodic snapshots.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpVAMM/internal/command"
	"PerpVAMM/internal/core"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/persistence"
	"PerpVAMM/internal/projection"

	"github.com/rs/zerolog"
)

// Bridge converts core outputs into the formats of the persistence,
// projection and publishing workers, so none of them depends on the core.
// Persistence is fed with a blocking send; projection and publishing drop
// when their channels are full.
type Bridge struct {
	persistIn     <-chan core.CoreOutput
	projectionIn  <-chan core.CoreOutput
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	publishOut    chan<- ingestion.PublishableEvent
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

func NewBridge(
	persistIn, projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Bridge {
	return &Bridge{
		persistIn:     persistIn,
		projectionIn:  projectionIn,
		persistOut:    persistOut,
		projectionOut: projectionOut,
		publishOut:    publishOut,
		metrics:       metrics,
		logger:        logger,
	}
}

// Run forwards until both inputs are closed, then closes every output so
// the workers drain and exit. ctx only interrupts a blocked persist send.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		close(b.persistOut)
		close(b.projectionOut)
		if b.publishOut != nil {
			close(b.publishOut)
		}
	}()

	persistIn, projectionIn := b.persistIn, b.projectionIn
	for persistIn != nil || projectionIn != nil {
		select {
		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			if err := b.forwardPersist(ctx, out); err != nil {
				return err
			}

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case b.projectionOut <- ToProjection(out):
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
	return nil
}

func (b *Bridge) forwardPersist(ctx context.Context, out core.CoreOutput) error {
	row, err := ToPersistence(out)
	if err != nil {
		// A command that cannot be encoded can never be replayed either.
		return fmt.Errorf("bridge sequence %d: %w", out.Envelope.Sequence, err)
	}
	select {
	case b.persistOut <- row:
	case <-ctx.Done():
		return fmt.Errorf("bridge sequence %d not persisted: %w", out.Envelope.Sequence, ctx.Err())
	}

	if b.publishOut == nil {
		return nil
	}
	evt, err := ToPublishable(out)
	if err != nil {
		b.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("skip outbound event")
		return nil
	}
	ingestion.Offer(b.publishOut, evt, b.metrics)
	return nil
}

// ToPersistence builds the command, history and journal rows of one output.
func ToPersistence(out core.CoreOutput) (persistence.CoreOutput, error) {
	env := out.Envelope
	ts := time.Unix(env.Timestamp, 0).UTC()

	row := persistence.CoreOutput{
		Command: persistence.CommandRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			MarketIndex:    signedIndex(env.MarketIndex),
			Signer:         env.Signer,
			Payload:        env.Payload,
			RejectCode:     env.RejectCode,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			StateDelta:     out.StateDelta,
			Timestamp:      ts,
			SourceSequence: env.SourceSequence,
		},
	}

	for _, e := range out.History {
		payload, err := json.Marshal(e.Record)
		if err != nil {
			return persistence.CoreOutput{}, fmt.Errorf("encode %s record %d: %w", e.Kind, e.ID, err)
		}
		row.History = append(row.History, persistence.HistoryRow{
			Kind:      string(e.Kind),
			RecordID:  int64(e.ID),
			Sequence:  env.Sequence,
			Payload:   payload,
			Timestamp: ts,
		})
	}

	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			row.Journals = append(row.Journals, persistence.JournalRow{
				JournalID:     j.JournalID,
				BatchID:       j.BatchID,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Amount:        j.Amount,
				Authority:     j.Authority,
				Timestamp:     j.Timestamp,
			})
		}
	}
	return row, nil
}

// ToProjection keeps what the read model needs.
func ToProjection(out core.CoreOutput) projection.ProjectionOutput {
	var balances map[string]int64
	if len(out.Balances) > 0 {
		balances = make(map[string]int64, len(out.Balances))
		for k, v := range out.Balances {
			balances[k.AccountPath()] = v
		}
	}
	return projection.ProjectionOutput{
		Sequence:     out.Envelope.Sequence,
		CommandType:  out.Envelope.CommandType.String(),
		Rejected:     out.Rejected(),
		Timestamp:    out.Envelope.Timestamp,
		Admin:        out.Admin,
		Params:       out.Params,
		Users:        out.Users,
		DeletedUsers: out.DeletedUsers,
		Markets:      out.Markets,
		Balances:     balances,
		History:      out.History,
	}
}

// ToPublishable is the outbound event of one output. Rejected commands
// are published too, without a receipt.
func ToPublishable(out core.CoreOutput) (ingestion.PublishableEvent, error) {
	env := out.Envelope
	evt := ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Signer:         env.Signer,
		MarketIndex:    env.MarketIndex,
		RejectCode:     env.RejectCode,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		Timestamp:      env.Timestamp,
		History:        out.History,
	}
	if !out.Rejected() {
		receipt, err := json.Marshal(out.Receipt)
		if err != nil {
			return ingestion.PublishableEvent{}, fmt.Errorf("encode receipt: %w", err)
		}
		evt.Receipt = receipt
	}
	return evt, nil
}

// ToEnvelope rebuilds the envelope of a logged command for replay.
func ToEnvelope(row persistence.CommandRow) (*command.Envelope, error) {
	t, err := command.ParseType(row.CommandType)
	if err != nil {
		return nil, fmt.Errorf("command log sequence %d: %w", row.Sequence, err)
	}
	if len(row.StateHash) != 32 || len(row.PrevHash) != 32 {
		return nil, fmt.Errorf("command log sequence %d: hash lengths %d/%d",
			row.Sequence, len(row.StateHash), len(row.PrevHash))
	}
	env := &command.Envelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		CommandType:    t,
		Signer:         row.Signer,
		Timestamp:      row.Timestamp.Unix(),
		SourceSequence: row.SourceSequence,
		Payload:        row.Payload,
		RejectCode:     row.RejectCode,
	}
	if row.MarketIndex != nil {
		idx := uint64(*row.MarketIndex)
		env.MarketIndex = &idx
	}
	copy(env.StateHash[:], row.StateHash)
	copy(env.PrevHash[:], row.PrevHash)
	return env, nil
}

func signedIndex(idx *uint64) *int64 {
	if idx == nil {
		return nil
	}
	v := int64(*idx)
	return &v
}
