// Package postgres implements the storage interfaces on PostgreSQL.
// Accrual and payment crediting run inside a single transaction with
// the member row locked, so concurrent credits for one subject
// serialize and every purchased minute lands exactly once.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/crashsignal/portal/internal/domain/member"
	"github.com/crashsignal/portal/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.MemberStore = (*Store)(nil)
var _ storage.ConfigStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const memberColumns = `subject_id, tier, expires_at, first_opened_at, created_at, updated_at,
	last_recharge_at, last_recharge_minutes, last_operation`

func scanMember(row interface{ Scan(...any) error }) (member.Record, error) {
	var (
		rec       member.Record
		expires   sql.NullTime
		recharge  sql.NullTime
		operation sql.NullString
	)
	err := row.Scan(&rec.SubjectID, &rec.Tier, &expires, &rec.FirstOpenedAt,
		&rec.CreatedAt, &rec.UpdatedAt, &recharge, &rec.LastRechargeMinutes, &operation)
	if err != nil {
		return member.Record{}, err
	}
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	if recharge.Valid {
		rec.LastRechargeAt = recharge.Time
	}
	if operation.Valid {
		rec.LastOperation = member.Action(operation.String)
	}
	return rec, nil
}

// --- MemberStore ------------------------------------------------------------

func (s *Store) GetMember(ctx context.Context, subjectID string) (member.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE subject_id = $1
	`, subjectID)

	rec, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return member.Record{}, storage.ErrNotFound
	}
	return rec, err
}

func (s *Store) EnsureMember(ctx context.Context, subjectID string, now time.Time) (member.Record, error) {
	now = now.UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO members (subject_id, tier, first_opened_at, created_at, updated_at)
		VALUES ($1, $2, $3, $3, $3)
		ON CONFLICT (subject_id) DO UPDATE SET subject_id = EXCLUDED.subject_id
		RETURNING `+memberColumns+`
	`, subjectID, member.TierBasic, now)
	return scanMember(row)
}

func (s *Store) ApplyChange(ctx context.Context, subjectID string, tier member.Tier, minutes int, isUpgrade bool, source string, now time.Time) (member.Record, member.Change, error) {
	var (
		rec    member.Record
		change member.Change
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, change, err = s.applyChangeTx(ctx, tx, subjectID, tier, minutes, isUpgrade, source, now)
		return err
	})
	if err != nil {
		return member.Record{}, member.Change{}, err
	}
	return rec, change, nil
}

// applyChangeTx locks the member row, computes the accrual, and writes
// both the record and its history entry on the caller's transaction.
func (s *Store) applyChangeTx(ctx context.Context, tx *sql.Tx, subjectID string, tier member.Tier, minutes int, isUpgrade bool, source string, now time.Time) (member.Record, member.Change, error) {
	existing, err := lockMember(ctx, tx, subjectID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return member.Record{}, member.Change{}, err
	}

	change, err := member.ComputeChange(existing, tier, minutes, isUpgrade, source, now)
	if err != nil {
		return member.Record{}, member.Change{}, err
	}
	rec := member.Apply(existing, subjectID, change)

	if err := upsertMember(ctx, tx, rec); err != nil {
		return member.Record{}, member.Change{}, err
	}
	if err := insertHistory(ctx, tx, subjectID, change); err != nil {
		return member.Record{}, member.Change{}, err
	}
	return rec, change, nil
}

func (s *Store) ForceSetTier(ctx context.Context, subjectID string, tier member.Tier, expiresAt time.Time, source string, now time.Time) (member.Record, error) {
	if !tier.Valid() {
		return member.Record{}, fmt.Errorf("invalid tier %q", tier)
	}
	now = now.UTC()

	var rec member.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := lockMember(ctx, tx, subjectID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

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

		rec = existing
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

		if err := upsertMember(ctx, tx, rec); err != nil {
			return err
		}
		return insertHistory(ctx, tx, subjectID, change)
	})
	if err != nil {
		return member.Record{}, err
	}
	return rec, nil
}

func (s *Store) CreditPayment(ctx context.Context, pay member.Payment, minutes int, isUpgrade bool, now time.Time) (member.Record, bool, error) {
	if pay.ID == "" {
		pay.ID = uuid.NewString()
	}
	now = now.UTC()
	pay.CreatedAt = now

	var (
		rec       member.Record
		processed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// The payment insert goes first so the (subject_id, tx_hash)
		// primary key arbitrates duplicate submissions before any
		// ledger write happens.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, subject_id, plan, network, tx_hash, sender, receiver,
				token_symbol, token_address, amount, amount_usd, price_usd, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, pay.ID, pay.SubjectID, pay.Plan, pay.Network, pay.TxHash, pay.Sender, pay.Receiver,
			pay.TokenSymbol, pay.TokenAddress, pay.Amount, pay.AmountUSD, pay.PriceUSD, pay.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				processed = true
				return errAlreadyProcessed
			}
			return err
		}

		rec, _, err = s.applyChangeTx(ctx, tx, pay.SubjectID, pay.Plan, minutes, isUpgrade, "payment:"+pay.Network, now)
		return err
	})
	if processed {
		current, getErr := s.GetMember(ctx, pay.SubjectID)
		if getErr != nil && !errors.Is(getErr, storage.ErrNotFound) {
			return member.Record{}, true, getErr
		}
		return current, true, nil
	}
	if err != nil {
		return member.Record{}, false, err
	}
	return rec, false, nil
}

var errAlreadyProcessed = errors.New("payment already processed")

func (s *Store) HasPayment(ctx context.Context, subjectID, txHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE subject_id = $1 AND tx_hash = $2)
	`, subjectID, txHash).Scan(&exists)
	return exists, err
}

func (s *Store) ListHistory(ctx context.Context, subjectID string, limit int) ([]member.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, action, tier, previous_tier, previous_expires_at,
			new_expires_at, minutes, is_upgrade, source, created_at
		FROM membership_history
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []member.HistoryEntry
	for rows.Next() {
		var (
			entry   member.HistoryEntry
			prevExp sql.NullTime
			newExp  sql.NullTime
		)
		if err := rows.Scan(&entry.ID, &entry.SubjectID, &entry.Action, &entry.Tier,
			&entry.PreviousTier, &prevExp, &newExp, &entry.Minutes, &entry.IsUpgrade,
			&entry.Source, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if prevExp.Valid {
			entry.PreviousExpiresAt = prevExp.Time
		}
		if newExp.Valid {
			entry.NewExpiresAt = newExp.Time
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// --- ConfigStore ------------------------------------------------------------

func (s *Store) GetPlanPrice(ctx context.Context, plan member.Tier) (float64, bool, error) {
	var usd float64
	err := s.db.QueryRowContext(ctx, `
		SELECT month_usd FROM portal_config WHERE plan = $1
	`, plan).Scan(&usd)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return usd, true, nil
}

func (s *Store) SetPlanPrice(ctx context.Context, plan member.Tier, usd float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portal_config (plan, month_usd, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (plan) DO UPDATE SET month_usd = EXCLUDED.month_usd, updated_at = NOW()
	`, plan, usd)
	return err
}

// --- helpers ----------------------------------------------------------------

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, errAlreadyProcessed) {
			return nil
		}
		return err
	}
	return tx.Commit()
}

func lockMember(ctx context.Context, tx *sql.Tx, subjectID string) (member.Record, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM members
		WHERE subject_id = $1
		FOR UPDATE
	`, subjectID)

	rec, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return member.Record{}, storage.ErrNotFound
	}
	return rec, err
}

func upsertMember(ctx context.Context, tx *sql.Tx, rec member.Record) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO members (subject_id, tier, expires_at, first_opened_at, created_at, updated_at,
			last_recharge_at, last_recharge_minutes, last_operation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (subject_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at,
			last_recharge_at = EXCLUDED.last_recharge_at,
			last_recharge_minutes = EXCLUDED.last_recharge_minutes,
			last_operation = EXCLUDED.last_operation
	`, rec.SubjectID, rec.Tier, nullTime(rec.ExpiresAt), rec.FirstOpenedAt,
		rec.CreatedAt, rec.UpdatedAt, nullTime(rec.LastRechargeAt),
		rec.LastRechargeMinutes, nullString(string(rec.LastOperation)))
	return err
}

func insertHistory(ctx context.Context, tx *sql.Tx, subjectID string, change member.Change) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO membership_history (id, subject_id, action, tier, previous_tier,
			previous_expires_at, new_expires_at, minutes, is_upgrade, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, uuid.NewString(), subjectID, change.Action, change.Tier, change.PreviousTier,
		nullTime(change.PreviousExp), nullTime(change.NewExpiresAt), change.Minutes,
		change.IsUpgrade, change.Source, change.AppliedAt)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
