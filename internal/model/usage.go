package model

import (
	"time"
)

// DateLayout is the calendar-date layout used for period bounds everywhere
// they are serialized (identity hashes, metadata, SQLite columns).
const DateLayout = "2006-01-02"

// Period is an inclusive calendar range. Start and End are UTC midnights.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// MonthOf returns the calendar month containing t: first day through last day.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return Period{Start: start, End: end}
}

// StartDate returns the start bound formatted as a calendar date.
func (p Period) StartDate() string { return p.Start.Format(DateLayout) }

// EndDate returns the end bound formatted as a calendar date.
func (p Period) EndDate() string { return p.End.Format(DateLayout) }

// Contains reports whether t falls on a day inside the period.
func (p Period) Contains(t time.Time) bool {
	d := time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Money is a monetary amount in integer minor units (cents), together with
// the exact text it was parsed from.
type Money struct {
	Cents int64  `json:"cents"`
	Raw   string `json:"raw"`
}

// Counters holds the five token counters of a usage row. All are non-negative.
type Counters struct {
	InputWithCache    int64 `json:"input_with_cache"`
	InputWithoutCache int64 `json:"input_without_cache"`
	CacheRead         int64 `json:"cache_read"`
	Output            int64 `json:"output"`
	Total             int64 `json:"total"`
}

// TokenSum returns the sum of the four token counters, which is the
// default for Total when the source omits it.
func (c Counters) TokenSum() int64 {
	return c.InputWithCache + c.InputWithoutCache + c.CacheRead + c.Output
}

// CanonicalRecord is one normalized usage fact. It is built by the row
// normalizer and never mutated afterwards.
type CanonicalRecord struct {
	Period     *Period    `json:"period,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	Model      string     `json:"model"`
	Kind       string     `json:"kind,omitempty"` // "" = absent
	Mode       string     `json:"mode,omitempty"` // "" = absent
	Counters   Counters   `json:"counters"`
	Cost       Money      `json:"cost"`
	APICost    Money      `json:"api_cost"`
	Source     string     `json:"source"`
	CaptureID  *int64     `json:"capture_id,omitempty"`
}

// Label is the categorical sort label of the record: model, kind and mode.
func (r CanonicalRecord) Label() string {
	return r.Model + "|" + r.Kind + "|" + r.Mode
}

// WithPeriod returns a copy of r bound to period p.
func (r CanonicalRecord) WithPeriod(p *Period) CanonicalRecord {
	if p != nil {
		cp := *p
		r.Period = &cp
	}
	return r
}

// WithCapture returns a copy of r carrying a back-reference to a raw capture.
func (r CanonicalRecord) WithCapture(id *int64) CanonicalRecord {
	if id != nil {
		v := *id
		r.CaptureID = &v
	}
	return r
}

// HashedRecord pairs a canonical record with its identity hash.
type HashedRecord struct {
	Record       CanonicalRecord
	IdentityHash string
}
