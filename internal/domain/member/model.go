// Package member defines the durable membership records and the accrual
// rules that combine purchased duration with existing remaining time.
// The arithmetic lives here, in pure functions, so every store
// implementation applies identical policy inside its atomic section.
package member

import (
	"fmt"
	"time"
)

// Tier is a membership level.
type Tier string

const (
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
	TierUltra Tier = "ultra"
)

// Valid reports whether t is one of the three defined tiers.
func (t Tier) Valid() bool {
	return t == TierBasic || t == TierPro || t == TierUltra
}

// Rank orders tiers for the upgrade decision: basic < pro < ultra.
func (t Tier) Rank() int {
	switch t {
	case TierPro:
		return 1
	case TierUltra:
		return 2
	default:
		return 0
	}
}

// Action labels a membership change in history.
type Action string

const (
	ActionFirst    Action = "first"
	ActionRenew    Action = "renew"
	ActionUpgrade  Action = "upgrade"
	ActionAdminSet Action = "admin_set"
)

// Record is the durable per-subject membership state. It is created on
// first write and never deleted; a lapsed paid tier simply resolves to
// basic at read time.
type Record struct {
	SubjectID           string    `json:"subject_id"`
	Tier                Tier      `json:"tier"`
	ExpiresAt           time.Time `json:"expires_at,omitempty"`
	FirstOpenedAt       time.Time `json:"first_opened_at,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	LastRechargeAt      time.Time `json:"last_recharge_at,omitempty"`
	LastRechargeMinutes int       `json:"last_recharge_minutes,omitempty"`
	LastOperation       Action    `json:"last_operation,omitempty"`
}

// HistoryEntry is one immutable element of the append-only membership
// log.
type HistoryEntry struct {
	ID                string    `json:"id"`
	SubjectID         string    `json:"subject_id"`
	Action            Action    `json:"action"`
	Tier              Tier      `json:"tier"`
	PreviousTier      Tier      `json:"previous_tier"`
	PreviousExpiresAt time.Time `json:"previous_expires_at,omitempty"`
	NewExpiresAt      time.Time `json:"new_expires_at,omitempty"`
	Minutes           int       `json:"minutes"`
	IsUpgrade         bool      `json:"is_upgrade"`
	Source            string    `json:"source"`
	CreatedAt         time.Time `json:"created_at"`
}

// Payment is one credited on-chain payment, keyed by transaction hash
// for idempotency.
type Payment struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subject_id"`
	Plan         Tier      `json:"plan"`
	Network      string    `json:"network"`
	TxHash       string    `json:"tx_hash"`
	Sender       string    `json:"sender,omitempty"`
	Receiver     string    `json:"receiver,omitempty"`
	TokenSymbol  string    `json:"token_symbol,omitempty"`
	TokenAddress string    `json:"token_address,omitempty"`
	Amount       float64   `json:"amount"`
	AmountUSD    float64   `json:"amount_usd"`
	PriceUSD     float64   `json:"price_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// Change is the computed outcome of applying purchased duration to an
// existing record. It is produced by ComputeChange and persisted
// atomically by the store.
type Change struct {
	Tier         Tier
	Minutes      int
	IsUpgrade    bool
	Action       Action
	PreviousTier Tier
	PreviousExp  time.Time
	NewExpiresAt time.Time
	Source       string
	AppliedAt    time.Time
}

// ComputeChange applies the accrual rule. Base timestamp: now when
// upgrading, or when no unexpired remainder exists; otherwise the
// existing expiry, so renewals never forfeit paid time. Upgrades always
// rebase to now so lower-tier remainder never counts toward the new
// tier. existing may be the zero Record for a first-time subject.
func ComputeChange(existing Record, tier Tier, minutes int, isUpgrade bool, source string, now time.Time) (Change, error) {
	if !tier.Valid() {
		return Change{}, fmt.Errorf("invalid tier %q", tier)
	}
	if minutes <= 0 {
		return Change{}, fmt.Errorf("duration must be a positive number of minutes")
	}

	now = now.UTC()
	hasRemainder := !existing.ExpiresAt.IsZero() && existing.ExpiresAt.After(now)

	base := now
	if !isUpgrade && hasRemainder {
		base = existing.ExpiresAt
	}

	action := ActionFirst
	switch {
	case isUpgrade:
		action = ActionUpgrade
	case hasRemainder:
		action = ActionRenew
	}

	prevTier := existing.Tier
	if prevTier == "" {
		prevTier = TierBasic
	}

	return Change{
		Tier:         tier,
		Minutes:      minutes,
		IsUpgrade:    isUpgrade,
		Action:       action,
		PreviousTier: prevTier,
		PreviousExp:  existing.ExpiresAt,
		NewExpiresAt: base.Add(time.Duration(minutes) * time.Minute),
		Source:       source,
		AppliedAt:    now,
	}, nil
}

// Apply folds a computed change into the record, preserving
// first_opened_at and created_at across upserts.
func Apply(existing Record, subjectID string, change Change) Record {
	rec := existing
	rec.SubjectID = subjectID
	rec.Tier = change.Tier
	rec.ExpiresAt = change.NewExpiresAt
	rec.UpdatedAt = change.AppliedAt
	rec.LastRechargeAt = change.AppliedAt
	rec.LastRechargeMinutes = change.Minutes
	rec.LastOperation = change.Action
	if rec.FirstOpenedAt.IsZero() {
		rec.FirstOpenedAt = change.AppliedAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = change.AppliedAt
	}
	return rec
}

// ResolveTier evaluates lazy expiry without mutating the record: a paid
// tier past its expiry resolves to basic.
func ResolveTier(rec Record, now time.Time) Tier {
	if !rec.Tier.Valid() || rec.Tier == TierBasic {
		return TierBasic
	}
	if rec.ExpiresAt.IsZero() || !rec.ExpiresAt.After(now) {
		return TierBasic
	}
	return rec.Tier
}
