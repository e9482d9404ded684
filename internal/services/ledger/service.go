// Package ledger exposes membership state: tier resolution with
// configured fallbacks, admin overrides, and duration credits.
package ledger

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/crashsignal/portal/internal/domain/member"
	"github.com/crashsignal/portal/internal/errors"
	"github.com/crashsignal/portal/internal/storage"
	"github.com/crashsignal/portal/pkg/logger"
)

// Service answers tier questions and applies membership changes.
type Service struct {
	store storage.MemberStore
	log   *logger.Logger

	// Static allow-lists consulted when the store has no record.
	ultraSubjects map[string]struct{}
	proSubjects   map[string]struct{}

	now func() time.Time
}

// New creates a ledger service. The allow-lists grant a tier to
// subjects the durable store does not know; a stored record always
// wins.
func New(store storage.MemberStore, ultraSubjects, proSubjects []string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		store:         store,
		log:           log,
		ultraSubjects: toSet(ultraSubjects),
		proSubjects:   toSet(proSubjects),
		now:           time.Now,
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// Snapshot is the resolved membership view returned to the dashboard.
type Snapshot struct {
	SubjectID     string      `json:"subject_id"`
	Tier          member.Tier `json:"tier"`
	ExpiresAt     time.Time   `json:"expires_at,omitempty"`
	FirstOpenedAt time.Time   `json:"first_opened_at,omitempty"`
}

// ResolveTier returns the effective tier for a subject. A lapsed paid
// record resolves to basic without modifying the store.
func (s *Service) ResolveTier(ctx context.Context, subjectID string) (member.Tier, error) {
	if subjectID == "" {
		return member.TierBasic, errors.InvalidSubject()
	}

	rec, err := s.store.GetMember(ctx, subjectID)
	switch {
	case err == nil:
		return member.ResolveTier(rec, s.now()), nil
	case stderrors.Is(err, storage.ErrNotFound):
		return s.fallbackTier(subjectID), nil
	default:
		return member.TierBasic, errors.StoreFailure(err)
	}
}

// Resolve returns the full membership snapshot, recording the first
// open when the subject is new.
func (s *Service) Resolve(ctx context.Context, subjectID string) (Snapshot, error) {
	if subjectID == "" {
		return Snapshot{}, errors.InvalidSubject()
	}

	rec, err := s.store.EnsureMember(ctx, subjectID, s.now())
	if err != nil {
		return Snapshot{}, errors.StoreFailure(err)
	}

	tier := member.ResolveTier(rec, s.now())
	if tier == member.TierBasic {
		if fallback := s.fallbackTier(subjectID); fallback.Rank() > tier.Rank() {
			tier = fallback
		}
	}

	snap := Snapshot{
		SubjectID:     subjectID,
		Tier:          tier,
		FirstOpenedAt: rec.FirstOpenedAt,
	}
	if tier != member.TierBasic && !rec.ExpiresAt.IsZero() {
		snap.ExpiresAt = rec.ExpiresAt
	}
	return snap, nil
}

func (s *Service) fallbackTier(subjectID string) member.Tier {
	if _, ok := s.ultraSubjects[subjectID]; ok {
		return member.TierUltra
	}
	if _, ok := s.proSubjects[subjectID]; ok {
		return member.TierPro
	}
	return member.TierBasic
}

// ApplyChange credits minutes of the given tier to a subject.
func (s *Service) ApplyChange(ctx context.Context, subjectID string, tier member.Tier, minutes int, isUpgrade bool, source string) (member.Record, error) {
	if subjectID == "" {
		return member.Record{}, errors.InvalidSubject()
	}
	if !tier.Valid() {
		return member.Record{}, errors.InvalidTier(string(tier))
	}
	if minutes <= 0 {
		return member.Record{}, errors.InvalidDuration()
	}

	rec, change, err := s.store.ApplyChange(ctx, subjectID, tier, minutes, isUpgrade, source, s.now())
	if err != nil {
		return member.Record{}, errors.StoreFailure(err)
	}

	s.log.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"tier":       tier,
		"minutes":    minutes,
		"action":     change.Action,
	}).Info("membership change applied")
	return rec, nil
}

// ForceSetTier overwrites the stored tier. Setting basic discards any
// remaining paid time.
func (s *Service) ForceSetTier(ctx context.Context, subjectID string, tier member.Tier, expiresAt time.Time, source string) (member.Record, error) {
	if subjectID == "" {
		return member.Record{}, errors.InvalidSubject()
	}
	if !tier.Valid() {
		return member.Record{}, errors.InvalidTier(string(tier))
	}

	rec, err := s.store.ForceSetTier(ctx, subjectID, tier, expiresAt, source, s.now())
	if err != nil {
		return member.Record{}, errors.StoreFailure(err)
	}

	s.log.WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"tier":       tier,
	}).Info("tier force-set")
	return rec, nil
}

// History returns the newest membership changes for a subject.
func (s *Service) History(ctx context.Context, subjectID string, limit int) ([]member.HistoryEntry, error) {
	if subjectID == "" {
		return nil, errors.InvalidSubject()
	}
	entries, err := s.store.ListHistory(ctx, subjectID, limit)
	if err != nil {
		return nil, errors.StoreFailure(err)
	}
	return entries, nil
}
