package member

import (
	"testing"
	"time"
)

func TestTierRank(t *testing.T) {
	if !(TierBasic.Rank() < TierPro.Rank() && TierPro.Rank() < TierUltra.Rank()) {
		t.Fatalf("tier ordering broken: basic=%d pro=%d ultra=%d",
			TierBasic.Rank(), TierPro.Rank(), TierUltra.Rank())
	}
	if Tier("gold").Valid() {
		t.Fatal("unknown tier reported valid")
	}
}

func TestComputeChangeFirstPurchase(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	change, err := ComputeChange(Record{}, TierPro, 60, false, "payment", now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if change.Action != ActionFirst {
		t.Fatalf("action = %q, want %q", change.Action, ActionFirst)
	}
	if want := now.Add(60 * time.Minute); !change.NewExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", change.NewExpiresAt, want)
	}
	if change.PreviousTier != TierBasic {
		t.Fatalf("previous tier = %q, want basic", change.PreviousTier)
	}
}

func TestComputeChangeRenewalIsAdditive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{SubjectID: "u1", Tier: TierPro}

	// Two sequential renewals must sum exactly, regardless of when the
	// second one lands relative to the first.
	change, err := ComputeChange(rec, TierPro, 100, false, "payment", now)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	rec = Apply(rec, "u1", change)

	later := now.Add(30 * time.Minute)
	change, err = ComputeChange(rec, TierPro, 50, false, "payment", later)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	rec = Apply(rec, "u1", change)

	if change.Action != ActionRenew {
		t.Fatalf("action = %q, want %q", change.Action, ActionRenew)
	}
	if want := now.Add(150 * time.Minute); !rec.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", rec.ExpiresAt, want)
	}
}

func TestComputeChangeLapsedRemainderRebases(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		SubjectID: "u1",
		Tier:      TierPro,
		ExpiresAt: now.Add(-time.Hour),
	}

	change, err := ComputeChange(rec, TierPro, 60, false, "payment", now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if want := now.Add(60 * time.Minute); !change.NewExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v (lapsed time must not count)", change.NewExpiresAt, want)
	}
	if change.Action != ActionFirst {
		t.Fatalf("action = %q, want %q for a lapsed record", change.Action, ActionFirst)
	}
}

func TestComputeChangeUpgradeRebasesToNow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		SubjectID: "u1",
		Tier:      TierPro,
		ExpiresAt: now.Add(48 * time.Hour),
	}

	change, err := ComputeChange(rec, TierUltra, 60, true, "payment", now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if change.Action != ActionUpgrade {
		t.Fatalf("action = %q, want %q", change.Action, ActionUpgrade)
	}
	if want := now.Add(60 * time.Minute); !change.NewExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v (pro remainder must not carry into ultra)", change.NewExpiresAt, want)
	}
}

func TestComputeChangeRejectsBadInput(t *testing.T) {
	now := time.Now()
	if _, err := ComputeChange(Record{}, TierPro, 0, false, "payment", now); err == nil {
		t.Fatal("zero minutes accepted")
	}
	if _, err := ComputeChange(Record{}, TierPro, -5, false, "payment", now); err == nil {
		t.Fatal("negative minutes accepted")
	}
	if _, err := ComputeChange(Record{}, Tier("gold"), 60, false, "payment", now); err == nil {
		t.Fatal("unknown tier accepted")
	}
}

func TestApplyPreservesFirstOpenedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opened := now.Add(-90 * 24 * time.Hour)
	rec := Record{SubjectID: "u1", Tier: TierBasic, FirstOpenedAt: opened, CreatedAt: opened}

	change, err := ComputeChange(rec, TierPro, 60, false, "payment", now)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	rec = Apply(rec, "u1", change)
	if !rec.FirstOpenedAt.Equal(opened) {
		t.Fatalf("first_opened_at changed: %v", rec.FirstOpenedAt)
	}
	if !rec.CreatedAt.Equal(opened) {
		t.Fatalf("created_at changed: %v", rec.CreatedAt)
	}
}

func TestResolveTierLazyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		rec  Record
		want Tier
	}{
		{"active pro", Record{Tier: TierPro, ExpiresAt: now.Add(time.Hour)}, TierPro},
		{"lapsed pro", Record{Tier: TierPro, ExpiresAt: now.Add(-time.Second)}, TierBasic},
		{"expiry exactly now", Record{Tier: TierUltra, ExpiresAt: now}, TierBasic},
		{"paid tier without expiry", Record{Tier: TierUltra}, TierBasic},
		{"basic", Record{Tier: TierBasic}, TierBasic},
		{"empty record", Record{}, TierBasic},
	}
	for _, tc := range cases {
		if got := ResolveTier(tc.rec, now); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
