package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"DerivLedger/internal/command"
	"DerivLedger/internal/ledger"
)

// OpLogWriter persists applied operations and their journal batches
// using multi-row INSERTs. Conflicting rows are skipped so a replay
// after a crash is harmless.
type OpLogWriter struct {
	db *sql.DB
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

func (w *OpLogWriter) DB() *sql.DB {
	return w.db
}

// OperationRow is the persisted form of a command.OpEnvelope.
type OperationRow struct {
	Sequence  int64
	OpType    string
	RequestID string
	Caller    string
	Height    int64
	Payload   []byte
	StateHash []byte
	PrevHash  []byte
	Timestamp int64
}

// JournalRow is the persisted form of a ledger.Journal.
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	OpRef         string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       string
	Amount        int64
	JournalType   string
	Timestamp     int64
}

// OperationRowFromEnvelope converts an envelope to its row form.
func OperationRowFromEnvelope(env *command.OpEnvelope) OperationRow {
	return OperationRow{
		Sequence:  env.Sequence,
		OpType:    env.OpType.String(),
		RequestID: env.RequestID,
		Caller:    string(env.Caller),
		Height:    env.Height,
		Payload:   env.Payload,
		StateHash: env.StateHash[:],
		PrevHash:  env.PrevHash[:],
		Timestamp: env.Timestamp.UnixMicro(),
	}
}

// JournalRowsFromBatch converts an applied batch to row form.
func JournalRowsFromBatch(batch *ledger.Batch) []JournalRow {
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		assetName, _ := ledger.GetAssetName(j.AssetID)
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			OpRef:         j.OpRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       assetName,
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteOperationBatch inserts operation rows inside tx.
func (w *OpLogWriter) WriteOperationBatch(ctx context.Context, tx *sql.Tx, ops []OperationRow) error {
	if len(ops) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO op_log.operations
		(sequence, op_type, request_id, caller, height, payload, state_hash, prev_hash, op_timestamp)
		VALUES `)

	args := make([]interface{}, 0, len(ops)*9)
	for i, op := range ops {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, op.Sequence, op.OpType, op.RequestID, op.Caller,
			op.Height, op.Payload, op.StateHash, op.PrevHash, op.Timestamp)
	}
	sb.WriteString(` ON CONFLICT (sequence) DO NOTHING`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert operations: %w", err)
	}
	return nil
}

// WriteJournalBatch inserts journal rows inside tx.
func (w *OpLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO op_log.journal
		(journal_id, batch_id, op_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, op_timestamp)
		VALUES `)

	args := make([]interface{}, 0, len(journals)*10)
	for i, j := range journals {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 10
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args, j.JournalID, j.BatchID, j.OpRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount, j.JournalType, j.Timestamp)
	}
	sb.WriteString(` ON CONFLICT (journal_id) DO NOTHING`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert journals: %w", err)
	}
	return nil
}

// GetLatestSequence returns the highest persisted operation sequence,
// or -1 when the log is empty.
func (w *OpLogWriter) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM op_log.operations`,
	).Scan(&seq)
	if err != nil {
		return -1, fmt.Errorf("query latest sequence: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// MarshalPayload serializes an arbitrary command payload for storage.
func MarshalPayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
