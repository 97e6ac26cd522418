package query

// DerivativeResponse represents a derivative position for API queries.
type DerivativeResponse struct {
	ID              uint64 `json:"id"`
	Creator         string `json:"creator"`
	Owner           string `json:"owner"`
	TargetPrice     int64  `json:"target_price"`
	FeeAmount       int64  `json:"fee_amount"`
	MaturityHeight  int64  `json:"maturity_height"`
	Kind            string `json:"kind"`
	State           string `json:"state"`
	Size            int64  `json:"size"`
	InceptionHeight int64  `json:"inception_height"`
	MarginAmount    int64  `json:"margin_amount"`
	MarginFrozen    bool   `json:"margin_frozen"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// RateResponse represents a recorded rate observation.
type RateResponse struct {
	Height       int64  `json:"height"`
	Value        int64  `json:"value"`
	Reporter     string `json:"reporter"`
	Timestamp    int64  `json:"timestamp"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	OpRef         string `json:"op_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       string `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool     `json:"is_healthy"`
	HashChainBreaks  []int64  `json:"hash_chain_breaks,omitempty"`
	NegativeBalances []string `json:"negative_balances,omitempty"`
	FrozenMismatches []string `json:"frozen_mismatches,omitempty"`
	AsOfSequence     int64    `json:"as_of_sequence"`
}
