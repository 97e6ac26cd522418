package projection

import (
	"context"
	"database/sql"
	"fmt"

	"DerivLedger/internal/command"
	"DerivLedger/internal/registry"
)

// opRecord is one operation log row, payload still encoded.
type opRecord struct {
	Sequence int64
	OpType   string
	Height   int64
	Payload  []byte
}

// rebuiltState is the result of folding the operation log: final
// position rows in id order and rate observations in sequence order.
type rebuiltState struct {
	positions []*PositionUpdate
	posSeq    map[uint64]int64
	rates     []RateUpdate
}

// rebuildDerivativesAndRates repopulates the derivative and rate tables
// from the operation log. The journal alone cannot reconstruct them:
// lifecycle fields like owner, state and maturity live only in the
// operation payloads.
func rebuildDerivativesAndRates(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, op_type, height, payload
		FROM op_log.operations
		WHERE op_type IN ('CreateDerivative', 'TransferOwnership', 'Purchase',
		                  'SettleLong', 'SettleShort', 'SettleMatured', 'RecordRate')
		ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}
	defer rows.Close()

	var ops []opRecord
	for rows.Next() {
		var op opRecord
		if err := rows.Scan(&op.Sequence, &op.OpType, &op.Height, &op.Payload); err != nil {
			return fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load operations: %w", err)
	}

	st, err := foldOperations(ops)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range st.positions {
		if err := upsertDerivative(ctx, tx, st.posSeq[p.ID], p); err != nil {
			return fmt.Errorf("rebuild derivative %d: %w", p.ID, err)
		}
	}
	for i := range st.rates {
		if err := upsertRate(ctx, tx, &st.rates[i]); err != nil {
			return fmt.Errorf("rebuild rate at height %d: %w", st.rates[i].Height, err)
		}
	}

	return tx.Commit()
}

// foldOperations replays position lifecycle operations in sequence
// order. Position ids are dense and assigned in creation order, so the
// n-th create is position n. A later write to the same rate height
// overwrites the earlier one, matching the in-memory feed.
func foldOperations(ops []opRecord) (*rebuiltState, error) {
	st := &rebuiltState{posSeq: make(map[uint64]int64)}
	byID := make(map[uint64]*PositionUpdate)
	nextID := uint64(1)

	touch := func(id uint64, seq int64, mutate func(*PositionUpdate)) {
		p, ok := byID[id]
		if !ok {
			return
		}
		mutate(p)
		st.posSeq[id] = seq
	}

	for _, op := range ops {
		cmd, err := command.Unmarshal(op.OpType, op.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode operation at sequence %d: %w", op.Sequence, err)
		}

		switch c := cmd.(type) {
		case *command.CreateDerivative:
			p := &PositionUpdate{
				ID:              nextID,
				Creator:         string(c.Principal),
				Owner:           string(c.Principal),
				TargetPrice:     c.TargetPrice,
				FeeAmount:       c.FeeAmount,
				MaturityHeight:  c.MaturityHeight,
				Kind:            c.Kind.String(),
				State:           registry.StateOpen.String(),
				Size:            c.Size,
				InceptionHeight: op.Height,
				MarginAmount:    c.TargetPrice * c.Size,
				MarginFrozen:    true,
			}
			byID[p.ID] = p
			st.positions = append(st.positions, p)
			st.posSeq[p.ID] = op.Sequence
			nextID++

		case *command.TransferOwnership:
			touch(c.DerivativeID, op.Sequence, func(p *PositionUpdate) {
				p.Owner = string(c.NewOwner)
			})

		case *command.Purchase:
			touch(c.DerivativeID, op.Sequence, func(p *PositionUpdate) {
				p.Owner = string(c.Principal)
			})

		case *command.SettleLong:
			touch(c.DerivativeID, op.Sequence, func(p *PositionUpdate) {
				p.State = registry.StateSettled.String()
				p.MarginFrozen = false
			})

		case *command.SettleShort:
			touch(c.DerivativeID, op.Sequence, func(p *PositionUpdate) {
				p.State = registry.StateSettled.String()
				p.MarginFrozen = false
			})

		case *command.SettleMatured:
			touch(c.DerivativeID, op.Sequence, func(p *PositionUpdate) {
				p.State = registry.StateMatured.String()
				p.MarginFrozen = false
			})

		case *command.RecordRate:
			st.rates = append(st.rates, RateUpdate{
				Height:    op.Height,
				Value:     c.Value,
				Reporter:  string(c.Principal),
				Timestamp: op.Height,
			})
		}
	}

	return st, nil
}
