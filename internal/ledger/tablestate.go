package ledger

import (
	"bytes"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/usage-ledger/internal/digest"
	"github.com/sells-group/usage-ledger/internal/model"
)

// TableHash digests the current shape of a period: the business fields of
// every record plus the period bounds. It does not depend on record order,
// and any added, removed or changed row changes it.
func TableHash(records []model.CanonicalRecord, period *model.Period) (string, error) {
	type projected struct {
		label  string
		total  int64
		fields map[string]any
		enc    []byte
	}

	rows := make([]projected, len(records))
	for i, r := range records {
		fields := businessFields(r)
		enc, err := digest.CanonicalBytes(fields)
		if err != nil {
			return "", eris.Wrapf(err, "ledger: project row %d", i)
		}
		rows[i] = projected{label: r.Label(), total: r.Counters.Total, fields: fields, enc: enc}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].label != rows[j].label {
			return rows[i].label < rows[j].label
		}
		if rows[i].total != rows[j].total {
			return rows[i].total < rows[j].total
		}
		return bytes.Compare(rows[i].enc, rows[j].enc) < 0
	})

	ordered := make([]map[string]any, len(rows))
	for i := range rows {
		ordered[i] = rows[i].fields
	}

	var start, end any
	if period != nil {
		start, end = period.StartDate(), period.EndDate()
	}
	return digest.Canonical(map[string]any{
		"period_start": start,
		"period_end":   end,
		"rows":         ordered,
	})
}
