package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"DerivLedger/internal/observability"
)

// Output mirrors the slice of core.CoreOutput the projections need.
// The orchestrator bridges between the two.
type Output struct {
	Sequence  int64
	OpType    string
	Height    int64
	Timestamp int64
	Journals  []JournalEntry
	Position  *PositionUpdate
	Rate      *RateUpdate
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
}

// PositionUpdate is the post-apply state of a touched derivative.
type PositionUpdate struct {
	ID              uint64
	Creator         string
	Owner           string
	TargetPrice     int64
	FeeAmount       int64
	MaturityHeight  int64
	Kind            string
	State           string
	Size            int64
	InceptionHeight int64
	MarginAmount    int64
	MarginFrozen    bool
}

// RateUpdate is a recorded rate observation.
type RateUpdate struct {
	Height    int64
	Value     int64
	Reporter  string
	Timestamp int64
}

// Worker maintains the read-model tables from applied operations.
// The core feeds it through a non-blocking channel; dropped updates
// are fine because projections rebuild from the operation log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection_worker").Logger(),
	}
}

// Run consumes outputs until ctx is cancelled or the channel closes.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent; a failed
				// update is recovered by a rebuild.
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := pw.applyJournal(ctx, tx, output.Sequence, j); err != nil {
			return fmt.Errorf("margin projection: %w", err)
		}
	}

	if output.Position != nil {
		if err := upsertDerivative(ctx, tx, output.Sequence, output.Position); err != nil {
			return fmt.Errorf("derivative projection: %w", err)
		}
	}

	if output.Rate != nil {
		if err := upsertRate(ctx, tx, output.Rate); err != nil {
			return fmt.Errorf("rate projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.watermark SET last_sequence = $1, updated_at = NOW() WHERE id = 1
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyJournal folds one journal entry into the margin account rows.
// Debits increase a subaccount, credits decrease it; system and
// external accounts have no margin row and are skipped.
func (pw *Worker) applyJournal(ctx context.Context, tx *sql.Tx, seq int64, j JournalEntry) error {
	if err := applyAccountDelta(ctx, tx, seq, j.DebitAccount, j.Amount); err != nil {
		return err
	}
	return applyAccountDelta(ctx, tx, seq, j.CreditAccount, -j.Amount)
}

func applyAccountDelta(ctx context.Context, tx *sql.Tx, seq int64, accountPath string, delta int64) error {
	principal, subType, ok := parseUserAccount(accountPath)
	if !ok {
		return nil
	}

	var column string
	switch subType {
	case "wallet":
		column = "wallet_balance"
	case "available":
		column = "available_funds"
	case "frozen":
		column = "frozen_funds"
	default:
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO projections.margin_accounts (principal, %s, updated_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (principal)
		DO UPDATE SET %s = projections.margin_accounts.%s + $2,
		              updated_sequence = $3,
		              updated_at = NOW()
	`, column, column, column)

	_, err := tx.ExecContext(ctx, query, principal, delta, seq)
	return err
}

// parseUserAccount splits "acct:<principal>:<subtype>:<asset>" paths.
func parseUserAccount(path string) (principal, subType string, ok bool) {
	if !strings.HasPrefix(path, "acct:") {
		return "", "", false
	}
	parts := strings.Split(path, ":")
	if len(parts) != 4 {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Rebuild truncates every projection table and recomputes it from the
// operation log.
func Rebuild(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.margin_accounts`,
		`TRUNCATE projections.derivatives`,
		`TRUNCATE projections.rates`,
		`UPDATE projections.watermark SET last_sequence = 0, updated_at = NOW() WHERE id = 1`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Wallet, available and frozen columns fold out of the journal by
	// summing debits and subtracting credits per subaccount.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.margin_accounts
			(principal, wallet_balance, available_funds, frozen_funds, updated_sequence)
		SELECT
			principal,
			SUM(CASE WHEN sub_type = 'wallet' THEN delta ELSE 0 END),
			SUM(CASE WHEN sub_type = 'available' THEN delta ELSE 0 END),
			SUM(CASE WHEN sub_type = 'frozen' THEN delta ELSE 0 END),
			MAX(sequence)
		FROM (
			SELECT split_part(debit_account, ':', 2) AS principal,
			       split_part(debit_account, ':', 3) AS sub_type,
			       amount AS delta,
			       sequence
			FROM op_log.journal
			WHERE debit_account LIKE 'acct:%'
			UNION ALL
			SELECT split_part(credit_account, ':', 2),
			       split_part(credit_account, ':', 3),
			       -amount,
			       sequence
			FROM op_log.journal
			WHERE credit_account LIKE 'acct:%'
		) deltas
		GROUP BY principal
	`)
	if err != nil {
		return fmt.Errorf("rebuild margin accounts: %w", err)
	}

	// Derivative and rate rows need the operation payloads; the journal
	// carries only fund movements.
	if err := rebuildDerivativesAndRates(ctx, db); err != nil {
		return fmt.Errorf("rebuild derivatives: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM op_log.operations`,
	).Scan(&maxSeq); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}
	if maxSeq.Valid {
		if _, err := db.ExecContext(ctx,
			`UPDATE projections.watermark SET last_sequence = $1, updated_at = NOW() WHERE id = 1`,
			maxSeq.Int64,
		); err != nil {
			return fmt.Errorf("rebuild watermark: %w", err)
		}
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
