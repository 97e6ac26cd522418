package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager creates and loads state snapshots for recovery.
// A snapshot captures balances, positions, rate observations, platform
// flags, idempotency keys, and the sequence/height counters.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	Height          int64              `json:"height"`
	StateHash       []byte             `json:"state_hash"`
	Balances        map[string]int64   `json:"balances"` // AccountPath -> balance
	OpenedAccounts  []string           `json:"opened_accounts"`
	Positions       []PositionSnapshot `json:"positions"`
	NextPositionID  uint64             `json:"next_position_id"`
	Platform        PlatformSnap       `json:"platform"`
	Rates           []RateSnap         `json:"rates"`
	IdempotencyKeys []string           `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time          `json:"created_at"`
}

// PositionSnapshot is a serializable derivative position.
type PositionSnapshot struct {
	ID              uint64 `json:"id"`
	Creator         string `json:"creator"`
	Owner           string `json:"owner"`
	TargetPrice     int64  `json:"target_price"`
	FeeAmount       int64  `json:"fee_amount"`
	MaturityHeight  int64  `json:"maturity_height"`
	Kind            int32  `json:"kind"`
	State           int32  `json:"state"`
	Size            int64  `json:"size"`
	InceptionHeight int64  `json:"inception_height"`
	MarginAmount    int64  `json:"margin_amount"`
	MarginFrozen    bool   `json:"margin_frozen"`
}

// PlatformSnap is the serializable platform configuration.
type PlatformSnap struct {
	Suspended           bool   `json:"suspended"`
	CriticalMode        bool   `json:"critical_mode"`
	CommissionRateBps   int64  `json:"commission_rate_bps"`
	CommissionRecipient string `json:"commission_recipient"`
	Admin               string `json:"admin"`
}

// RateSnap is a serializable rate observation.
type RateSnap struct {
	Height    int64  `json:"height"`
	Value     int64  `json:"value"`
	Reporter  string `json:"reporter"`
	Timestamp int64  `json:"timestamp"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are taken periodically
// and only become eligible for recovery once verified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO op_log.snapshots
			(snapshot_id, sequence, height, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, snapshotID, snap.Sequence, snap.Height, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil
// when none exists (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM op_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as usable after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE op_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadOperationsFrom loads persisted operations for replay, starting
// at fromSequence inclusive.
func (sm *SnapshotManager) LoadOperationsFrom(ctx context.Context, fromSequence int64, limit int) ([]OperationRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, op_type, request_id, caller, height, payload,
		       state_hash, prev_hash, op_timestamp
		FROM op_log.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationRow
	for rows.Next() {
		var op OperationRow
		if err := rows.Scan(
			&op.Sequence, &op.OpType, &op.RequestID, &op.Caller, &op.Height,
			&op.Payload, &op.StateHash, &op.PrevHash, &op.Timestamp,
		); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// GetLatestSequence returns the highest sequence in the operation log,
// or 0 when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM op_log.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
