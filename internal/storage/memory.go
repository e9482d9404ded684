package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crashsignal/portal/internal/domain/member"
)

// Memory is a thread-safe in-memory persistence layer implementing the
// storage interfaces defined in this package. It is intended for tests
// and for running without a database and deliberately keeps the
// implementation simple.
type Memory struct {
	mu       sync.RWMutex
	members  map[string]member.Record
	history  map[string][]member.HistoryEntry
	payments map[string]member.Payment
	pricing  map[member.Tier]float64
}

var _ MemberStore = (*Memory)(nil)
var _ ConfigStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		members:  make(map[string]member.Record),
		history:  make(map[string][]member.HistoryEntry),
		payments: make(map[string]member.Payment),
		pricing:  make(map[member.Tier]float64),
	}
}

func paymentKey(subjectID, txHash string) string {
	return subjectID + "\x00" + txHash
}

// --- MemberStore ------------------------------------------------------------

func (m *Memory) GetMember(_ context.Context, subjectID string) (member.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.members[subjectID]
	if !ok {
		return member.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) EnsureMember(_ context.Context, subjectID string, now time.Time) (member.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.members[subjectID]; ok {
		return rec, nil
	}

	now = now.UTC()
	rec := member.Record{
		SubjectID:     subjectID,
		Tier:          member.TierBasic,
		FirstOpenedAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.members[subjectID] = rec
	return rec, nil
}

func (m *Memory) ApplyChange(_ context.Context, subjectID string, tier member.Tier, minutes int, isUpgrade bool, source string, now time.Time) (member.Record, member.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyChangeLocked(subjectID, tier, minutes, isUpgrade, source, now)
}

func (m *Memory) applyChangeLocked(subjectID string, tier member.Tier, minutes int, isUpgrade bool, source string, now time.Time) (member.Record, member.Change, error) {
	existing := m.members[subjectID]

	change, err := member.ComputeChange(existing, tier, minutes, isUpgrade, source, now)
	if err != nil {
		return member.Record{}, member.Change{}, err
	}

	rec := member.Apply(existing, subjectID, change)
	m.members[subjectID] = rec
	m.appendHistoryLocked(subjectID, change)
	return rec, change, nil
}

func (m *Memory) ForceSetTier(_ context.Context, subjectID string, tier member.Tier, expiresAt time.Time, source string, now time.Time) (member.Record, error) {
	if !tier.Valid() {
		return member.Record{}, fmt.Errorf("invalid tier %q", tier)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now = now.UTC()
	existing := m.members[subjectID]

	change := member.Change{
		Tier:         tier,
		Action:       member.ActionAdminSet,
		PreviousTier: existing.Tier,
		PreviousExp:  existing.ExpiresAt,
		Source:       source,
		AppliedAt:    now,
	}
	if change.PreviousTier == "" {
		change.PreviousTier = member.TierBasic
	}

	rec := existing
	rec.SubjectID = subjectID
	rec.Tier = tier
	rec.UpdatedAt = now
	rec.LastOperation = member.ActionAdminSet
	switch {
	case tier == member.TierBasic:
		rec.ExpiresAt = now
	case !expiresAt.IsZero():
		rec.ExpiresAt = expiresAt.UTC()
	}
	change.NewExpiresAt = rec.ExpiresAt
	if rec.FirstOpenedAt.IsZero() {
		rec.FirstOpenedAt = now
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	m.members[subjectID] = rec
	m.appendHistoryLocked(subjectID, change)
	return rec, nil
}

func (m *Memory) CreditPayment(_ context.Context, pay member.Payment, minutes int, isUpgrade bool, now time.Time) (member.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := paymentKey(pay.SubjectID, pay.TxHash)
	if _, exists := m.payments[key]; exists {
		return m.members[pay.SubjectID], true, nil
	}

	rec, _, err := m.applyChangeLocked(pay.SubjectID, pay.Plan, minutes, isUpgrade, "payment:"+pay.Network, now)
	if err != nil {
		return member.Record{}, false, err
	}

	if pay.ID == "" {
		pay.ID = uuid.NewString()
	}
	pay.CreatedAt = now.UTC()
	m.payments[key] = pay
	return rec, false, nil
}

func (m *Memory) HasPayment(_ context.Context, subjectID, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.payments[paymentKey(subjectID, txHash)]
	return ok, nil
}

func (m *Memory) ListHistory(_ context.Context, subjectID string, limit int) ([]member.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[subjectID]
	result := make([]member.HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		result = append(result, entries[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) appendHistoryLocked(subjectID string, change member.Change) {
	m.history[subjectID] = append(m.history[subjectID], member.HistoryEntry{
		ID:                uuid.NewString(),
		SubjectID:         subjectID,
		Action:            change.Action,
		Tier:              change.Tier,
		PreviousTier:      change.PreviousTier,
		PreviousExpiresAt: change.PreviousExp,
		NewExpiresAt:      change.NewExpiresAt,
		Minutes:           change.Minutes,
		IsUpgrade:         change.IsUpgrade,
		Source:            change.Source,
		CreatedAt:         change.AppliedAt,
	})
}

// --- ConfigStore ------------------------------------------------------------

func (m *Memory) GetPlanPrice(_ context.Context, plan member.Tier) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usd, ok := m.pricing[plan]
	return usd, ok, nil
}

func (m *Memory) SetPlanPrice(_ context.Context, plan member.Tier, usd float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pricing[plan] = usd
	return nil
}
