package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service provides read-only access to the projection tables and the
// operation log. Every response carries as_of_sequence so callers can
// reason about projection freshness.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetDerivative returns a single derivative by id, or nil when the id
// has never been projected.
func (qs *Service) GetDerivative(ctx context.Context, id uint64) (*DerivativeResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var d DerivativeResponse
	d.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT id, creator, owner, target_price, fee_amount, maturity_height,
		       kind, state, size, inception_height, margin_amount, margin_frozen
		FROM projections.derivatives
		WHERE id = $1
	`, int64(id)).Scan(
		&d.ID, &d.Creator, &d.Owner, &d.TargetPrice, &d.FeeAmount, &d.MaturityHeight,
		&d.Kind, &d.State, &d.Size, &d.InceptionHeight, &d.MarginAmount, &d.MarginFrozen,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &d, nil
}

// ListDerivatives returns derivatives filtered by owner and state,
// paginated by id.
func (qs *Service) ListDerivatives(
	ctx context.Context,
	owner *string,
	state *string,
	limit int,
	afterID *uint64,
) ([]DerivativeResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, creator, owner, target_price, fee_amount, maturity_height,
		       kind, state, size, inception_height, margin_amount, margin_frozen
		FROM projections.derivatives
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if owner != nil {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, *owner)
		argIdx++
	}

	if state != nil {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, *state)
		argIdx++
	}

	if afterID != nil {
		query += fmt.Sprintf(" AND id > $%d", argIdx)
		args = append(args, int64(*afterID))
		argIdx++
	}

	query += " ORDER BY id ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var derivatives []DerivativeResponse
	for rows.Next() {
		var d DerivativeResponse
		d.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&d.ID, &d.Creator, &d.Owner, &d.TargetPrice, &d.FeeAmount, &d.MaturityHeight,
			&d.Kind, &d.State, &d.Size, &d.InceptionHeight, &d.MarginAmount, &d.MarginFrozen,
		); err != nil {
			return nil, err
		}
		derivatives = append(derivatives, d)
	}

	return derivatives, rows.Err()
}

// GetRate returns the rate observation at an exact height, or nil when
// none was recorded there.
func (qs *Service) GetRate(ctx context.Context, height int64) (*RateResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var r RateResponse
	r.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT height, value, reporter, recorded_at
		FROM projections.rates
		WHERE height = $1
	`, height).Scan(&r.Height, &r.Value, &r.Reporter, &r.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &r, nil
}

// ListRates returns rate observations at or above fromHeight in
// ascending height order.
func (qs *Service) ListRates(ctx context.Context, fromHeight int64, limit int) ([]RateResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT height, value, reporter, recorded_at
		FROM projections.rates
		WHERE height >= $1
		ORDER BY height ASC
		LIMIT $2
	`, fromHeight, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []RateResponse
	for rows.Next() {
		var r RateResponse
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(&r.Height, &r.Value, &r.Reporter, &r.Timestamp); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}

	return rates, rows.Err()
}

// GetJournalHistory returns a principal's journal entries with
// cursor-based pagination, newest first.
func (qs *Service) GetJournalHistory(
	ctx context.Context,
	principal string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("acct:%s:%%", principal)

	query := `
		SELECT journal_id, batch_id, op_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, op_timestamp
		FROM op_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.OpRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity in the operation log
// and the zero-sum invariant over projected balances.
func (qs *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{AsOfSequence: asOfSeq}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.operations o1
		JOIN op_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// No projected subaccount may go negative.
	negRows, err := qs.db.QueryContext(ctx, `
		SELECT principal
		FROM projections.margin_accounts
		WHERE wallet_balance < 0 OR available_funds < 0 OR frozen_funds < 0
		ORDER BY principal
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer negRows.Close()

	for negRows.Next() {
		var principal string
		if err := negRows.Scan(&principal); err != nil {
			return nil, err
		}
		report.NegativeBalances = append(report.NegativeBalances, principal)
	}
	if err := negRows.Err(); err != nil {
		return nil, err
	}

	// Frozen funds must equal the margin still locked behind a
	// creator's open derivatives.
	frozenRows, err := qs.db.QueryContext(ctx, `
		SELECT ma.principal
		FROM projections.margin_accounts ma
		LEFT JOIN (
			SELECT creator, SUM(margin_amount) AS locked
			FROM projections.derivatives
			WHERE margin_frozen
			GROUP BY creator
		) d ON d.creator = ma.principal
		WHERE ma.frozen_funds != COALESCE(d.locked, 0)
		ORDER BY ma.principal
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer frozenRows.Close()

	for frozenRows.Next() {
		var principal string
		if err := frozenRows.Scan(&principal); err != nil {
			return nil, err
		}
		report.FrozenMismatches = append(report.FrozenMismatches, principal)
	}
	if err := frozenRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.NegativeBalances) == 0 &&
		len(report.FrozenMismatches) == 0
	return report, nil
}

func (qs *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE id = 1
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
