package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"DerivLedger/internal/command"
	"DerivLedger/internal/ledger"
	"DerivLedger/internal/registry"
)

// ParseRawMessage converts a RawMessage into a typed command. The
// shell validates and parses before anything reaches the core.
func ParseRawMessage(raw RawMessage, commandName string) (command.Command, error) {
	switch commandName {
	case "AdvanceHeight":
		return parseAdvanceHeight(raw.Data)
	case "WalletFund":
		return parseWalletFund(raw.Data)
	case "RecordRate":
		return parseRecordRate(raw.Data)
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "CreateDerivative":
		return parseCreateDerivative(raw.Data)
	case "TransferOwnership":
		return parseTransferOwnership(raw.Data)
	case "Purchase":
		return parsePurchase(raw.Data)
	case "SettleLong":
		return parseSettleLong(raw.Data)
	case "SettleShort":
		return parseSettleShort(raw.Data)
	case "SettleMatured":
		return parseSettleMatured(raw.Data)
	case "SetSuspended":
		return parseSetSuspended(raw.Data)
	case "SetCriticalMode":
		return parseSetCriticalMode(raw.Data)
	case "SetCommissionRate":
		return parseSetCommissionRate(raw.Data)
	case "SetCommissionRecipient":
		return parseSetCommissionRecipient(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command: %s", commandName)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type blockTickJSON struct {
	Height int64 `json:"height"`
}

func parseAdvanceHeight(data []byte) (*command.AdvanceHeight, error) {
	var j blockTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AdvanceHeight: %w", err)
	}
	if j.Height <= 0 {
		return nil, fmt.Errorf("parse AdvanceHeight: non-positive height %d", j.Height)
	}
	return &command.AdvanceHeight{Height: j.Height}, nil
}

type fundsJSON struct {
	RequestID string `json:"request_id"`
	Principal string `json:"principal"`
	Amount    int64  `json:"amount"`
}

func parseWalletFund(data []byte) (*command.WalletFund, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WalletFund: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse WalletFund: %w", err)
	}
	return &command.WalletFund{ID: id, Principal: principal, Amount: j.Amount}, nil
}

func parseDeposit(data []byte) (*command.Deposit, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	return &command.Deposit{ID: id, Principal: principal, Amount: j.Amount}, nil
}

func parseWithdraw(data []byte) (*command.Withdraw, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	return &command.Withdraw{ID: id, Principal: principal, Amount: j.Amount}, nil
}

type rateJSON struct {
	RequestID string `json:"request_id"`
	Reporter  string `json:"reporter"`
	Value     int64  `json:"value"`
}

func parseRecordRate(data []byte) (*command.RecordRate, error) {
	var j rateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RecordRate: %w", err)
	}
	id, reporter, err := parseIdentity(j.RequestID, j.Reporter)
	if err != nil {
		return nil, fmt.Errorf("parse RecordRate: %w", err)
	}
	return &command.RecordRate{ID: id, Principal: reporter, Value: j.Value}, nil
}

type createJSON struct {
	RequestID      string `json:"request_id"`
	Principal      string `json:"principal"`
	TargetPrice    int64  `json:"target_price"`
	FeeAmount      int64  `json:"fee_amount"`
	Size           int64  `json:"size"`
	MaturityHeight int64  `json:"maturity_height"`
	Kind           string `json:"kind"` // "long" or "short"
}

func parseCreateDerivative(data []byte) (*command.CreateDerivative, error) {
	var j createJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CreateDerivative: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse CreateDerivative: %w", err)
	}
	kind, ok := registry.ParseKind(j.Kind)
	if !ok {
		return nil, fmt.Errorf("parse CreateDerivative: unknown kind %q", j.Kind)
	}
	return &command.CreateDerivative{
		ID:             id,
		Principal:      principal,
		TargetPrice:    j.TargetPrice,
		FeeAmount:      j.FeeAmount,
		Size:           j.Size,
		MaturityHeight: j.MaturityHeight,
		Kind:           kind,
	}, nil
}

type transferJSON struct {
	RequestID    string `json:"request_id"`
	Principal    string `json:"principal"`
	DerivativeID uint64 `json:"derivative_id"`
	NewOwner     string `json:"new_owner"`
}

func parseTransferOwnership(data []byte) (*command.TransferOwnership, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TransferOwnership: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse TransferOwnership: %w", err)
	}
	if j.NewOwner == "" {
		return nil, fmt.Errorf("parse TransferOwnership: empty new_owner")
	}
	return &command.TransferOwnership{
		ID:           id,
		Principal:    principal,
		DerivativeID: j.DerivativeID,
		NewOwner:     ledger.Address(j.NewOwner),
	}, nil
}

type derivativeCallJSON struct {
	RequestID    string `json:"request_id"`
	Principal    string `json:"principal"`
	DerivativeID uint64 `json:"derivative_id"`
}

func parsePurchase(data []byte) (*command.Purchase, error) {
	var j derivativeCallJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Purchase: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse Purchase: %w", err)
	}
	return &command.Purchase{ID: id, Principal: principal, DerivativeID: j.DerivativeID}, nil
}

func parseSettleLong(data []byte) (*command.SettleLong, error) {
	var j derivativeCallJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleLong: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse SettleLong: %w", err)
	}
	return &command.SettleLong{ID: id, Principal: principal, DerivativeID: j.DerivativeID}, nil
}

func parseSettleShort(data []byte) (*command.SettleShort, error) {
	var j derivativeCallJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleShort: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse SettleShort: %w", err)
	}
	return &command.SettleShort{ID: id, Principal: principal, DerivativeID: j.DerivativeID}, nil
}

func parseSettleMatured(data []byte) (*command.SettleMatured, error) {
	var j derivativeCallJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleMatured: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse SettleMatured: %w", err)
	}
	return &command.SettleMatured{ID: id, Principal: principal, DerivativeID: j.DerivativeID}, nil
}

type adminToggleJSON struct {
	RequestID string `json:"request_id"`
	Principal string `json:"principal"`
	Value     bool   `json:"value"`
}

func parseSetSuspended(data []byte) (*command.SetSuspended, error) {
	var j adminToggleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetSuspended: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse SetSuspended: %w", err)
	}
	return &command.SetSuspended{ID: id, Principal: principal, Value: j.Value}, nil
}

func parseSetCriticalMode(data []byte) (*command.SetCriticalMode, error) {
	var j adminToggleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetCriticalMode: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse SetCriticalMode: %w", err)
	}
	return &command.SetCriticalMode{ID: id, Principal: principal, Value: j.Value}, nil
}

type commissionRateJSON struct {
	RequestID string `json:"request_id"`
	Principal string `json:"principal"`
	RateBps   int64  `json:"rate_bps"`
}

func parseSetCommissionRate(data []byte) (*command.SetCommissionRate, error) {
	var j commissionRateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetCommissionRate: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse SetCommissionRate: %w", err)
	}
	return &command.SetCommissionRate{ID: id, Principal: principal, RateBps: j.RateBps}, nil
}

type commissionRecipientJSON struct {
	RequestID string `json:"request_id"`
	Principal string `json:"principal"`
	Recipient string `json:"recipient"`
}

func parseSetCommissionRecipient(data []byte) (*command.SetCommissionRecipient, error) {
	var j commissionRecipientJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetCommissionRecipient: %w", err)
	}
	id, principal, err := parseIdentity(j.RequestID, j.Principal)
	if err != nil {
		return nil, fmt.Errorf("parse SetCommissionRecipient: %w", err)
	}
	return &command.SetCommissionRecipient{
		ID:        id,
		Principal: principal,
		Recipient: ledger.Address(j.Recipient),
	}, nil
}

// parseIdentity validates the request id and caller every user-facing
// command must carry.
func parseIdentity(requestID, principal string) (uuid.UUID, ledger.Address, error) {
	id, err := uuid.Parse(requestID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("parse request_id: %w", err)
	}
	if principal == "" {
		return uuid.Nil, "", fmt.Errorf("empty principal")
	}
	return id, ledger.Address(principal), nil
}
