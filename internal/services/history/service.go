// Package history serves the crash signal dataset with tier-based
// column visibility. The dataset is a static JSON file loaded once at
// startup; rows before the public cutoff date never leave the process.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/crashsignal/portal/internal/domain/member"
	"github.com/crashsignal/portal/pkg/logger"
)

// Row is one dated signal observation. Pointer fields are omitted from
// responses when the caller's tier does not include them.
type Row struct {
	Date     string   `json:"date"`
	Price    *float64 `json:"price,omitempty"`
	Signal2  *float64 `json:"signal2,omitempty"`
	Proba2   *float64 `json:"proba2,omitempty"`
	Signal7  *float64 `json:"signal7,omitempty"`
	Signal9  *float64 `json:"signal9,omitempty"`
	Signal18 *float64 `json:"signal18,omitempty"`
	Proba7   *float64 `json:"proba7,omitempty"`
	Proba9   *float64 `json:"proba9,omitempty"`
	Proba18  *float64 `json:"proba18,omitempty"`
}

type dataset struct {
	Data struct {
		SignalList []Row `json:"signal_list"`
	} `json:"data"`
}

// Service loads and filters the signal dataset.
type Service struct {
	path        string
	cutoff      time.Time
	forcedDates map[string]struct{}
	log         *logger.Logger

	once    sync.Once
	rows    []Row
	loadErr error
}

// forcedSignal is the value substituted for signal2 on operator-pinned
// dates.
const forcedSignal = 5.0

// New creates a history service reading from path. Rows dated before
// cutoff are dropped; forcedDates pins signal2 to a fixed value on
// those days.
func New(path, cutoffDate string, forcedDates []string, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("history")
	}
	cutoff, err := time.Parse("2006-01-02", cutoffDate)
	if err != nil {
		return nil, fmt.Errorf("invalid cutoff date %q: %w", cutoffDate, err)
	}

	forced := make(map[string]struct{}, len(forcedDates))
	for _, d := range forcedDates {
		forced[NormalizeDate(d)] = struct{}{}
	}

	return &Service{
		path:        path,
		cutoff:      cutoff,
		forcedDates: forced,
		log:         log,
	}, nil
}

var datePattern = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)

// NormalizeDate reduces assorted date spellings to YYYY-MM-DD. Inputs
// it cannot parse pass through unchanged.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "T "); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "/", "-")
	m := datePattern.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	return fmt.Sprintf("%s-%s-%s", m[1], pad2(m[2]), pad2(m[3]))
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func (s *Service) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.loadErr = fmt.Errorf("read signal data: %w", err)
		return
	}

	var ds dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		s.loadErr = fmt.Errorf("parse signal data: %w", err)
		return
	}

	rows := make([]Row, 0, len(ds.Data.SignalList))
	for _, row := range ds.Data.SignalList {
		key := NormalizeDate(row.Date)
		day, err := time.Parse("2006-01-02", key)
		if err != nil {
			continue
		}
		if day.Before(s.cutoff) {
			continue
		}
		row.Date = key
		if _, pinned := s.forcedDates[key]; pinned && row.Signal2 != nil {
			v := forcedSignal
			row.Signal2 = &v
		}
		rows = append(rows, row)
	}

	s.rows = rows
	s.log.WithField("rows", len(rows)).Info("signal dataset loaded")
}

// Rows returns the dataset visible to the given tier. Basic members
// see only the crash signal columns; paid tiers see everything.
func (s *Service) Rows(tier member.Tier) ([]Row, error) {
	s.once.Do(s.load)
	if s.loadErr != nil {
		return nil, s.loadErr
	}

	if tier != member.TierBasic {
		out := make([]Row, len(s.rows))
		copy(out, s.rows)
		return out, nil
	}

	out := make([]Row, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, Row{
			Date:    row.Date,
			Price:   row.Price,
			Signal2: row.Signal2,
			Proba2:  row.Proba2,
		})
	}
	return out, nil
}
