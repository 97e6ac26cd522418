package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"DerivLedger/internal/observability"
)

// OutboundPublisher publishes applied operations to NATS for
// downstream consumers. Subjects follow deriv.ledger.ops.{op_type}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableOp
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableOp is an applied operation ready for outbound publishing.
type PublishableOp struct {
	Sequence     int64           `json:"sequence"`
	OpType       string          `json:"op_type"`
	RequestID    string          `json:"request_id"`
	Caller       string          `json:"caller,omitempty"`
	Height       int64           `json:"height"`
	DerivativeID *uint64         `json:"derivative_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	StateHash    []byte          `json:"state_hash"`
	Timestamp    time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableOp, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run publishes until ctx is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pub, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, pub); err != nil {
				// Non-fatal: downstream consumers can query the
				// operation log directly.
				op.logger.Warn().Err(err).Int64("sequence", pub.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, pub PublishableOp) error {
	data, err := json.Marshal(pub)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	subject := fmt.Sprintf("deriv.ledger.ops.%s", subjectToken(pub.OpType))
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// subjectToken lowercases an op type for use as a subject token.
func subjectToken(opType string) string {
	return strings.ToLower(opType)
}

// EnsureOutboundStream creates the outbound operations stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "DERIV_LEDGER_OPS",
		Subjects:  []string{"deriv.ledger.ops.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "DERIV_LEDGER_OPS").Msg("ensured outbound stream")
	return nil
}
