package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream subjects and feeds raw
// messages into the shell, which parses them into commands for the
// core. Each operation family has its own subject so consumers scale
// independently.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawMessage is a parsed-but-untyped message from NATS. The shell
// validates and converts it into a command before submission.
type RawMessage struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the core accepted the command
	NakFunc   func() // NAK on failure, message is redelivered
}

// SubjectConfig maps a NATS subject to a command name.
type SubjectConfig struct {
	Subject      string
	CommandName  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "deriv.chain.ticks", CommandName: "AdvanceHeight", ConsumerName: "ledger-chain-ticks", StreamName: "DERIV_CHAIN"},
		{Subject: "deriv.funds.received", CommandName: "WalletFund", ConsumerName: "ledger-funds", StreamName: "DERIV_FUNDS"},
		{Subject: "deriv.rates.observed", CommandName: "RecordRate", ConsumerName: "ledger-rates", StreamName: "DERIV_RATES"},
		{Subject: "deriv.calls.deposit", CommandName: "Deposit", ConsumerName: "ledger-deposit", StreamName: "DERIV_CALLS"},
		{Subject: "deriv.calls.withdraw", CommandName: "Withdraw", ConsumerName: "ledger-withdraw", StreamName: "DERIV_CALLS"},
		{Subject: "deriv.calls.create", CommandName: "CreateDerivative", ConsumerName: "ledger-create", StreamName: "DERIV_CALLS"},
		{Subject: "deriv.calls.transfer", CommandName: "TransferOwnership", ConsumerName: "ledger-transfer", StreamName: "DERIV_CALLS"},
		{Subject: "deriv.calls.purchase", CommandName: "Purchase", ConsumerName: "ledger-purchase", StreamName: "DERIV_CALLS"},
		{Subject: "deriv.calls.settle-long", CommandName: "SettleLong", ConsumerName: "ledger-settle-long", StreamName: "DERIV_CALLS"},
		{Subject: "deriv.calls.settle-short", CommandName: "SettleShort", ConsumerName: "ledger-settle-short", StreamName: "DERIV_CALLS"},
		{Subject: "deriv.calls.settle-matured", CommandName: "SettleMatured", ConsumerName: "ledger-settle-matured", StreamName: "DERIV_CALLS"},
		{Subject: "deriv.admin.suspended", CommandName: "SetSuspended", ConsumerName: "ledger-admin-suspend", StreamName: "DERIV_ADMIN"},
		{Subject: "deriv.admin.critical", CommandName: "SetCriticalMode", ConsumerName: "ledger-admin-critical", StreamName: "DERIV_ADMIN"},
		{Subject: "deriv.admin.commission-rate", CommandName: "SetCommissionRate", ConsumerName: "ledger-admin-rate", StreamName: "DERIV_ADMIN"},
		{Subject: "deriv.admin.commission-recipient", CommandName: "SetCommissionRecipient", ConsumerName: "ledger-admin-recipient", StreamName: "DERIV_ADMIN"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawMessage, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger.With().Str("component", "nats_subscriber").Logger(),
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
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
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

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use file storage with a 72h retention window.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "DERIV_CHAIN",
			Subjects:  []string{"deriv.chain.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DERIV_FUNDS",
			Subjects:  []string{"deriv.funds.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DERIV_RATES",
			Subjects:  []string{"deriv.rates.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DERIV_CALLS",
			Subjects:  []string{"deriv.calls.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DERIV_ADMIN",
			Subjects:  []string{"deriv.admin.>"},
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
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
