package ingestion

import (
	"context"

	"github.com/rs/zerolog"

	"DerivLedger/internal/core"
)

// Shell sits between NATS and the deterministic core. It parses raw
// messages into commands, submits them, and handles ACK/NAK against
// JetStream based on the result.
type Shell struct {
	rawChan     <-chan RawMessage
	submissions chan<- core.Submission
	subjects    map[string]string // subject -> command name
	logger      zerolog.Logger
}

func NewShell(
	rawChan <-chan RawMessage,
	submissions chan<- core.Submission,
	subjects []SubjectConfig,
	logger zerolog.Logger,
) *Shell {
	bySubject := make(map[string]string, len(subjects))
	for _, cfg := range subjects {
		bySubject[cfg.Subject] = cfg.CommandName
	}
	return &Shell{
		rawChan:     rawChan,
		submissions: submissions,
		subjects:    bySubject,
		logger:      logger.With().Str("component", "ingest_shell").Logger(),
	}
}

// Run consumes raw messages until ctx is cancelled or the channel
// closes.
func (s *Shell) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-s.rawChan:
			if !ok {
				return nil
			}
			s.handle(ctx, raw)
		}
	}
}

func (s *Shell) handle(ctx context.Context, raw RawMessage) {
	commandName, ok := s.subjects[raw.Subject]
	if !ok {
		// Unroutable subject: ACK so JetStream stops redelivering.
		s.logger.Warn().Str("subject", raw.Subject).Msg("no command mapping for subject")
		raw.AckFunc()
		return
	}

	cmd, err := ParseRawMessage(raw, commandName)
	if err != nil {
		// Malformed payloads never become valid on redelivery.
		s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("message rejected by parser")
		raw.AckFunc()
		return
	}

	reply := make(chan core.Result, 1)
	sub := core.Submission{Cmd: cmd, Timestamp: raw.Timestamp, Reply: reply}

	select {
	case s.submissions <- sub:
	case <-ctx.Done():
		raw.NakFunc()
		return
	}

	select {
	case res := <-reply:
		s.settle(raw, commandName, res)
	case <-ctx.Done():
		raw.NakFunc()
	}
}

// settle ACKs based on the core's verdict. Every rejection the core
// produces is deterministic, so redelivery cannot change the outcome;
// NAKs happen only on the submission path.
func (s *Shell) settle(raw RawMessage, commandName string, res core.Result) {
	if res.Err != nil {
		s.logger.Debug().Err(res.Err).Str("command", commandName).Msg("command rejected")
	}
	raw.AckFunc()
}
