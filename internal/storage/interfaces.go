package storage

import (
	"context"
	"errors"
	"time"

	"github.com/crashsignal/portal/internal/domain/member"
)

// ErrNotFound is returned by Get operations when no record exists for
// the given key.
var ErrNotFound = errors.New("record not found")

// MemberStore persists membership records, their append-only history,
// and credited payments. Implementations must apply accrual and payment
// crediting atomically with respect to concurrent writers for the same
// subject.
type MemberStore interface {
	// GetMember returns the durable record for a subject, or
	// ErrNotFound if the subject has never been written.
	GetMember(ctx context.Context, subjectID string) (member.Record, error)

	// EnsureMember creates a basic record with first_opened_at set to
	// now if none exists, and returns the current record either way.
	EnsureMember(ctx context.Context, subjectID string, now time.Time) (member.Record, error)

	// ApplyChange credits purchased minutes to a subject using the
	// accrual rule and appends a history entry.
	ApplyChange(ctx context.Context, subjectID string, tier member.Tier, minutes int, isUpgrade bool, source string, now time.Time) (member.Record, member.Change, error)

	// ForceSetTier overwrites the tier unconditionally. Setting basic
	// clears any remaining paid time. A non-zero expiresAt is stored
	// for paid tiers.
	ForceSetTier(ctx context.Context, subjectID string, tier member.Tier, expiresAt time.Time, source string, now time.Time) (member.Record, error)

	// CreditPayment records a payment and applies its ledger change in
	// one atomic step, keyed by (subject_id, tx_hash). When the hash
	// was already credited for the subject it reports processed=true
	// and leaves the ledger untouched.
	CreditPayment(ctx context.Context, pay member.Payment, minutes int, isUpgrade bool, now time.Time) (rec member.Record, processed bool, err error)

	// HasPayment reports whether a tx hash was already credited for
	// the subject.
	HasPayment(ctx context.Context, subjectID, txHash string) (bool, error)

	// ListHistory returns the newest history entries for a subject,
	// most recent first.
	ListHistory(ctx context.Context, subjectID string, limit int) ([]member.HistoryEntry, error)
}

// ConfigStore persists operator-tunable settings, currently the
// per-plan monthly prices.
type ConfigStore interface {
	// GetPlanPrice returns the configured monthly USD price for a
	// plan. ok is false when no override is stored.
	GetPlanPrice(ctx context.Context, plan member.Tier) (usd float64, ok bool, err error)

	// SetPlanPrice stores a monthly USD price override for a plan.
	SetPlanPrice(ctx context.Context, plan member.Tier, usd float64) error
}
