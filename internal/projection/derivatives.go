package projection

import (
	"context"
	"database/sql"
)

// upsertDerivative writes the post-apply state of a position. The row
// is replaced wholesale; derivative state only moves forward, so a
// stale overwrite loses nothing once the next update lands.
func upsertDerivative(ctx context.Context, tx *sql.Tx, seq int64, p *PositionUpdate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.derivatives
			(id, creator, owner, target_price, fee_amount, maturity_height,
			 kind, state, size, inception_height, margin_amount, margin_frozen,
			 updated_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			owner            = $3,
			state            = $8,
			margin_amount    = $11,
			margin_frozen    = $12,
			updated_sequence = $13,
			updated_at       = NOW()
	`, int64(p.ID), p.Creator, p.Owner, p.TargetPrice, p.FeeAmount, p.MaturityHeight,
		p.Kind, p.State, p.Size, p.InceptionHeight, p.MarginAmount, p.MarginFrozen, seq)
	return err
}

// upsertRate stores a rate observation. Re-reports at the same height
// overwrite, matching the in-memory feed.
func upsertRate(ctx context.Context, tx *sql.Tx, r *RateUpdate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.rates (height, value, reporter, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (height) DO UPDATE SET
			value       = $2,
			reporter    = $3,
			recorded_at = $4
	`, r.Height, r.Value, r.Reporter, r.Timestamp)
	return err
}
