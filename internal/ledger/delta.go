package ledger

import (
	"time"

	"github.com/sells-group/usage-ledger/internal/model"
)

// SelectDelta returns the records that occurred strictly after latest, the
// newest instant already stored for the period. With no latest instant
// every record is new. Records without an instant are kept, since they
// cannot be shown to be old.
func SelectDelta(records []model.CanonicalRecord, latest *time.Time) []model.CanonicalRecord {
	if latest == nil {
		return records
	}
	out := make([]model.CanonicalRecord, 0, len(records))
	for _, r := range records {
		if r.OccurredAt == nil || r.OccurredAt.After(*latest) {
			out = append(out, r)
		}
	}
	return out
}
