package ledger

import (
	"fmt"
	"strings"
)

// Address is a chain principal in its canonical string form. It identifies
// both margin account holders and derivative participants.
type Address string

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota // spendable margin collateral
	SubTypeFrozen                          // margin locked behind open derivatives
	SubTypeWallet                          // on-chain funds not yet deposited as margin

	// System sub-types
	SubTypeSystemFees

	// External sub-types
	SubTypeExternalChain
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// AssetUSTX is the only settlement asset the ledger currently books.
const AssetUSTX AssetID = 1

var (
	assetToID = map[string]AssetID{
		"USTX": AssetUSTX,
	}
	idToAsset = map[AssetID]string{
		AssetUSTX: "USTX",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking. Principal is empty
// for system and external accounts, so the struct stays a comparable map key.
type AccountKey struct {
	Scope     AccountScope
	Principal Address
	SubType   AccountSubType
	AssetID   AssetID
}

// NewUserAccountKey creates a key for per-principal accounts
func NewUserAccountKey(principal Address, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:     AccountScopeUser,
		Principal: principal,
		SubType:   subType,
		AssetID:   assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("acct:%s:%s:%s", k.Principal, k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Snapshot restore uses it
// to turn stored balance paths back into map keys.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && parts[0] == "acct":
		subType, err := parseSubTypeName(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, parts[3])
		}
		return NewUserAccountKey(Address(parts[1]), subType, assetID), nil

	case len(parts) == 3 && (parts[0] == "system" || parts[0] == "external"):
		subType, err := parseSubTypeName(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset %q", path, parts[2])
		}
		if parts[0] == "system" {
			return NewSystemAccountKey(subType, assetID), nil
		}
		return NewExternalAccountKey(subType, assetID), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}

func parseSubTypeName(name string) (AccountSubType, error) {
	switch name {
	case "available":
		return SubTypeAvailable, nil
	case "frozen":
		return SubTypeFrozen, nil
	case "wallet":
		return SubTypeWallet, nil
	case "fees":
		return SubTypeSystemFees, nil
	case "chain":
		return SubTypeExternalChain, nil
	default:
		return 0, fmt.Errorf("unknown account sub-type %q", name)
	}
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeFrozen:
		return "frozen"
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeExternalChain:
		return "chain"
	default:
		return "unknown"
	}
}
