package pipeline

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/usage-ledger/internal/resilience"
)

// Cadence is how often a raw capture is kept when nothing else forces one.
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
	CadenceNever   Cadence = "never"
)

// ParseCadence validates a configured cadence name.
func ParseCadence(s string) (Cadence, error) {
	switch c := Cadence(s); c {
	case CadenceDaily, CadenceWeekly, CadenceMonthly, CadenceNever:
		return c, nil
	default:
		return "", resilience.E(resilience.KindValidation, "pipeline: parse cadence",
			eris.Errorf("unknown blob cadence %q", s))
	}
}

// Storage reasons recorded in ingestion metadata.
const (
	ReasonEmptyExport  = "empty-export"
	ReasonFirstCapture = "first-capture"
	ReasonEveryNRuns   = "every-n-runs"
	ReasonSkip         = "skip"
)

// BlobPolicy configures when raw captures are stored and how many are kept.
type BlobPolicy struct {
	Cadence    Cadence
	EveryNRuns int // 0 disables
	Retention  int // 0 keeps everything
}

// BlobState is what the policy knows about past captures.
type BlobState struct {
	LastSavedAt *time.Time
	RunsSince   int // ingestions started after LastSavedAt
}

// DecideStorage reports whether this run's raw bytes should be kept and why.
// Empty or unparseable exports are always kept as evidence.
func DecideStorage(now time.Time, rows int, state BlobState, policy BlobPolicy) (bool, string) {
	if rows == 0 {
		return true, ReasonEmptyExport
	}
	if policy.Cadence == CadenceNever && policy.EveryNRuns <= 0 {
		return false, ReasonSkip
	}
	if state.LastSavedAt == nil {
		return true, ReasonFirstCapture
	}
	if cadenceDue(now.UTC(), state.LastSavedAt.UTC(), policy.Cadence) {
		return true, "cadence-" + string(policy.Cadence)
	}
	if policy.EveryNRuns > 0 && state.RunsSince >= policy.EveryNRuns {
		return true, ReasonEveryNRuns
	}
	return false, ReasonSkip
}

func cadenceDue(now, last time.Time, c Cadence) bool {
	switch c {
	case CadenceDaily:
		return dailyDue(now, last)
	case CadenceWeekly:
		return weeklyDue(now, last)
	case CadenceMonthly:
		return monthlyDue(now, last)
	default:
		return false
	}
}

// dailyDue is true on the first run of a calendar day.
func dailyDue(now, last time.Time) bool {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return last.Before(today)
}

// weeklyDue is true on the first run of an ISO week (Monday start).
func weeklyDue(now, last time.Time) bool {
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	weekStart := time.Date(now.Year(), now.Month(), now.Day()-(weekday-1), 0, 0, 0, 0, time.UTC)
	return last.Before(weekStart)
}

// monthlyDue is true on the first run of a calendar month.
func monthlyDue(now, last time.Time) bool {
	thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return last.Before(thisMonth)
}
