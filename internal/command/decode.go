package command

import (
	"encoding/json"
	"fmt"
)

// Unmarshal decodes a stored operation payload back into its typed command.
// The replay path uses it to re-apply the operation log.
func Unmarshal(opType string, payload []byte) (Command, error) {
	var cmd Command

	switch opType {
	case "WalletFund":
		cmd = &WalletFund{}
	case "Deposit":
		cmd = &Deposit{}
	case "Withdraw":
		cmd = &Withdraw{}
	case "CreateDerivative":
		cmd = &CreateDerivative{}
	case "TransferOwnership":
		cmd = &TransferOwnership{}
	case "Purchase":
		cmd = &Purchase{}
	case "SettleLong":
		cmd = &SettleLong{}
	case "SettleShort":
		cmd = &SettleShort{}
	case "SettleMatured":
		cmd = &SettleMatured{}
	case "RecordRate":
		cmd = &RecordRate{}
	case "AdvanceHeight":
		cmd = &AdvanceHeight{}
	case "SetSuspended":
		cmd = &SetSuspended{}
	case "SetCriticalMode":
		cmd = &SetCriticalMode{}
	case "SetCommissionRate":
		cmd = &SetCommissionRate{}
	case "SetCommissionRecipient":
		cmd = &SetCommissionRecipient{}
	default:
		return nil, fmt.Errorf("unknown op type %q", opType)
	}

	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", opType, err)
	}
	return cmd, nil
}
