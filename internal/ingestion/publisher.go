package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"PerpVAMM/internal/history"
	"PerpVAMM/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventPrefix roots outbound subjects:
// vamm.events.command.{CommandType} and vamm.events.history.{kind}
const EventPrefix = "vamm.events"

// PublishableEvent is one sequenced command and the history it produced.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	CommandType    string          `json:"command_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Signer         uuid.UUID       `json:"signer"`
	MarketIndex    *uint64         `json:"market_index,omitempty"`
	RejectCode     string          `json:"reject_code,omitempty"`
	Receipt        json.RawMessage `json:"receipt,omitempty"`
	StateHash      []byte          `json:"state_hash"`
	Timestamp      int64           `json:"timestamp"`
	History        []history.Entry `json:"-"`
}

// OutboundPublisher publishes sequenced commands and history records to
// NATS after the core has applied them.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Downstream consumers can fall back to the command log.
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal command event: %w", err)
	}
	msg := &nats.Msg{
		Subject: CommandEventSubject(evt.CommandType),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(jetstream.MsgIDHeader, fmt.Sprintf("cmd-%d", evt.Sequence))
	if _, err := op.js.PublishMsg(ctx, msg); err != nil {
		return err
	}

	for _, e := range evt.History {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal %s record %d: %w", e.Kind, e.ID, err)
		}
		msg := &nats.Msg{Subject: HistorySubject(e.Kind), Data: data, Header: nats.Header{}}
		msg.Header.Set(jetstream.MsgIDHeader, fmt.Sprintf("%s-%d", e.Kind, e.ID))
		if _, err := op.js.PublishMsg(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func CommandEventSubject(commandType string) string {
	return fmt.Sprintf("%s.command.%s", EventPrefix, commandType)
}

func HistorySubject(kind history.Kind) string {
	return fmt.Sprintf("%s.history.%s", EventPrefix, kind)
}

// Offer queues evt without blocking the caller; a full channel drops it.
func Offer(ch chan<- PublishableEvent, evt PublishableEvent, metrics *observability.Metrics) bool {
	select {
	case ch <- evt:
		return true
	default:
		if metrics != nil {
			metrics.PublishDrops.Inc()
		}
		return false
	}
}
