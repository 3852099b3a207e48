package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes command subjects from JetStream and hands the raw
// messages to the command pump.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawCommand
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawCommand is a bus message not yet parsed into a command.
type RawCommand struct {
	Subject  string
	Data     []byte
	Received time.Time
	// Ack after the core has answered (sequenced, rejected or duplicate).
	Ack func()
	// NakDelay asks for redelivery, used when an earlier signer sequence is
	// still missing.
	NakDelay func(time.Duration)
	// Term drops a message the core can never accept.
	Term func()
}

// SubjectConfig binds one durable consumer to a filter subject.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
	// MaxAckPending bounds in-flight messages; 1 keeps stream order strict.
	MaxAckPending int
}

const (
	CommandStream = "VAMM_COMMANDS"
	EventStream   = "VAMM_EVENTS"
)

// DefaultSubjects is one strictly ordered consumer over every command
// subject, so each signer's commands reach the core in publish order.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: SubjectPrefix + ".>", ConsumerName: "vamm-core", StreamName: CommandStream, MaxAckPending: 1},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			MaxAckPending: cfg.MaxAckPending,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { msg.Ack() },
				NakDelay: func(d time.Duration) { msg.NakWithDelay(d) },
				Term:     func() { msg.Term() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound command stream. Streams use
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{SubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
			// Publishers set Nats-Msg-Id to the command id.
			Duplicates: 2 * time.Minute,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
// onState, when set, follows the connection through disconnects.
func ConnectNATS(url string, logger zerolog.Logger, onState func(connected bool)) (*nats.Conn, jetstream.JetStream, error) {
	if onState == nil {
		onState = func(bool) {}
	}
	nc, err := nats.Connect(url,
		nats.Name("perpvamm"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
			onState(false)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
			onState(true)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
