package ingestion

import (
	"context"
	"errors"
	"time"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/errcode"
	"PerpVAMM/internal/observability"

	"github.com/rs/zerolog"
)

// Outcome labels how a bus message was settled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeRetry     Outcome = "retry"
	OutcomeInvalid   Outcome = "invalid"
)

// CommandPump parses raw bus messages, submits them to the core loop and
// acknowledges each one according to the core's answer.
type CommandPump struct {
	in         <-chan RawCommand
	submit     chan<- core.Submission
	retryDelay time.Duration
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewCommandPump(in <-chan RawCommand, submit chan<- core.Submission, metrics *observability.Metrics, logger zerolog.Logger) *CommandPump {
	return &CommandPump{
		in:         in,
		submit:     submit,
		retryDelay: time.Second,
		metrics:    metrics,
		logger:     logger,
	}
}

func (p *CommandPump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.in:
			if !ok {
				return nil
			}
			p.Handle(ctx, raw)
		}
	}
}

// Handle settles one message and returns the outcome.
func (p *CommandPump) Handle(ctx context.Context, raw RawCommand) Outcome {
	typeName := "unknown"
	outcome := p.handle(ctx, raw, &typeName)
	if p.metrics != nil {
		p.metrics.NATSMessages.WithLabelValues(typeName, string(outcome)).Inc()
	}
	return outcome
}

func (p *CommandPump) handle(ctx context.Context, raw RawCommand, typeName *string) Outcome {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable command")
		raw.Term()
		return OutcomeInvalid
	}
	*typeName = cmd.CommandType().String()

	res, err := core.Submit(ctx, p.submit, cmd, raw.Received)
	if err != nil {
		// Shutting down: leave the message for the next run.
		raw.NakDelay(0)
		return OutcomeRetry
	}

	switch {
	case res.Duplicate:
		raw.Ack()
		return OutcomeDuplicate
	case res.Output != nil && res.Output.Rejected():
		raw.Ack()
		return OutcomeRejected
	case res.Output != nil:
		raw.Ack()
		return OutcomeApplied
	case errors.Is(res.Err, errcode.ErrSequenceGap):
		// An earlier command from this signer has not arrived yet.
		raw.NakDelay(p.retryDelay)
		return OutcomeRetry
	case errors.Is(res.Err, errcode.ErrSequenceOutOfOrder):
		p.logger.Warn().Err(res.Err).Str("command_type", *typeName).Msg("stale signer sequence")
		raw.Term()
		return OutcomeStale
	default:
		p.logger.Error().Err(res.Err).Str("command_type", *typeName).Msg("command not sequenced")
		raw.Term()
		return OutcomeInvalid
	}
}
