// Package platform holds the process-wide configuration gates the engine
// consults before every operation: suspension, critical mode, and the
// commission policy for primary sales.
package platform

import (
	"sync"

	"DerivLedger/internal/errs"
	"DerivLedger/internal/ledger"
)

// MaxCommissionRateBps bounds the commission rate (10%).
const MaxCommissionRateBps = 1_000

// Snapshot is a consistent read of all configuration fields.
type Snapshot struct {
	Suspended           bool           `json:"suspended"`
	CriticalMode        bool           `json:"critical_mode"`
	CommissionRateBps   int64          `json:"commission_rate_bps"`
	CommissionRecipient ledger.Address `json:"commission_recipient"`
	Admin               ledger.Address `json:"admin"`
}

// Manager stores platform flags. Mutations flow through the engine's writer
// goroutine only; the mutex exists so the query path can read without
// touching the engine.
type Manager struct {
	mu sync.RWMutex

	suspended           bool
	criticalMode        bool
	commissionRateBps   int64
	commissionRecipient ledger.Address
	admin               ledger.Address
}

func NewManager(admin, commissionRecipient ledger.Address, commissionRateBps int64) *Manager {
	return &Manager{
		admin:               admin,
		commissionRecipient: commissionRecipient,
		commissionRateBps:   commissionRateBps,
	}
}

func (m *Manager) IsSuspended() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suspended
}

func (m *Manager) IsCriticalMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.criticalMode
}

func (m *Manager) CommissionRateBps() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commissionRateBps
}

func (m *Manager) CommissionRecipient() ledger.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commissionRecipient
}

func (m *Manager) requireAdmin(caller ledger.Address) error {
	if caller != m.admin {
		return errs.ErrUnauthorizedUser
	}
	return nil
}

// SetSuspended toggles the platform-wide gate. Admin only.
func (m *Manager) SetSuspended(caller ledger.Address, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireAdmin(caller); err != nil {
		return err
	}
	m.suspended = v
	return nil
}

// SetCriticalMode toggles the gate blocking new exposure. Admin only.
func (m *Manager) SetCriticalMode(caller ledger.Address, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireAdmin(caller); err != nil {
		return err
	}
	m.criticalMode = v
	return nil
}

// SetCommissionRate updates the primary-sale commission. Admin only,
// bounded to [0, MaxCommissionRateBps].
func (m *Manager) SetCommissionRate(caller ledger.Address, bps int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireAdmin(caller); err != nil {
		return err
	}
	if bps < 0 || bps > MaxCommissionRateBps {
		return errs.ErrInvalidAmount
	}
	m.commissionRateBps = bps
	return nil
}

// SetCommissionRecipient updates the commission payout target. Admin only.
func (m *Manager) SetCommissionRecipient(caller ledger.Address, recipient ledger.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireAdmin(caller); err != nil {
		return err
	}
	m.commissionRecipient = recipient
	return nil
}

// Snapshot returns a consistent copy of all fields.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Suspended:           m.suspended,
		CriticalMode:        m.criticalMode,
		CommissionRateBps:   m.commissionRateBps,
		CommissionRecipient: m.commissionRecipient,
		Admin:               m.admin,
	}
}

// Restore replaces configuration from a snapshot.
func (m *Manager) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended = s.Suspended
	m.criticalMode = s.CriticalMode
	m.commissionRateBps = s.CommissionRateBps
	m.commissionRecipient = s.CommissionRecipient
	m.admin = s.Admin
}
