package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crashsignal/portal/internal/domain/member"
)

const sample = `{
  "data": {
    "signal_list": [
      {"date": "2022-11-10", "price": 100, "signal2": 1, "proba2": 0.9},
      {"date": "2022-11-11", "price": 101, "signal2": 0, "proba2": 0.1, "signal7": 1, "proba7": 0.8},
      {"date": "2023/1/5", "price": 102, "signal2": 1, "proba2": 0.7, "signal9": 0, "proba9": 0.2},
      {"date": "2025-11-17T00:00:00Z", "price": 103, "signal2": 1, "proba2": 0.6},
      {"date": "not-a-date", "price": 999}
    ]
  }
}`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signal_data.json")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(writeSample(t), "2022-11-11", []string{"2025-11-17"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return svc
}

func TestRowsAppliesCutoffAndNormalization(t *testing.T) {
	svc := newService(t)

	rows, err := svc.Rows(member.TierPro)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	// 2022-11-10 is before the cutoff, "not-a-date" never parses.
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].Date != "2022-11-11" {
		t.Fatalf("first date = %q, cutoff day itself must be included", rows[0].Date)
	}
	if rows[1].Date != "2023-01-05" {
		t.Fatalf("date = %q, want normalized 2023-01-05", rows[1].Date)
	}
}

func TestRowsRedactsForBasicTier(t *testing.T) {
	svc := newService(t)

	rows, err := svc.Rows(member.TierBasic)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	for _, row := range rows {
		if row.Signal7 != nil || row.Proba7 != nil || row.Signal9 != nil || row.Proba9 != nil {
			t.Fatalf("basic row leaks paid columns: %+v", row)
		}
		if row.Date == "" || row.Price == nil {
			t.Fatalf("basic row missing public columns: %+v", row)
		}
	}

	pro, err := svc.Rows(member.TierPro)
	if err != nil {
		t.Fatalf("pro rows: %v", err)
	}
	if pro[0].Signal7 == nil {
		t.Fatal("pro tier must see all signal columns")
	}
}

func TestRowsForcedSignalOverride(t *testing.T) {
	svc := newService(t)

	rows, err := svc.Rows(member.TierUltra)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	var found bool
	for _, row := range rows {
		if row.Date == "2025-11-17" {
			found = true
			if row.Signal2 == nil || *row.Signal2 != forcedSignal {
				t.Fatalf("signal2 = %v, want forced %v", row.Signal2, forcedSignal)
			}
		}
	}
	if !found {
		t.Fatal("forced date missing from dataset")
	}
}

func TestNormalizeDate(t *testing.T) {
	cases := map[string]string{
		"2023-01-05":           "2023-01-05",
		"2023/1/5":             "2023-01-05",
		"2023-1-5T12:00:00Z":   "2023-01-05",
		"2023-01-05 00:00:00":  "2023-01-05",
		"  2024-12-31 ":        "2024-12-31",
		"garbage":              "garbage",
	}
	for in, want := range cases {
		if got := NormalizeDate(in); got != want {
			t.Errorf("NormalizeDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRowsMissingFile(t *testing.T) {
	svc, err := New(filepath.Join(t.TempDir(), "absent.json"), "2022-11-11", nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := svc.Rows(member.TierBasic); err == nil {
		t.Fatal("expected load error")
	}
}
