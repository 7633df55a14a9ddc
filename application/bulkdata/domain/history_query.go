package domain

import (
	"strings"
	"time"
)

// HistorySortColumns maps the sortable summary fields to their columns.
var HistorySortColumns = map[string]string{
	"loadId":            "load_id",
	"startedAt":         "started_at",
	"finishedAt":        "finished_at",
	"recordCount":       "record_count",
	"loadedRecordCount": "loaded_count",
	"failedRecordCount": "failed_count",
}

// HistoryQuery selects a page of load summaries.
type HistoryQuery struct {
	// Statuses keeps summaries in any of the listed states.
	Statuses []Status

	// Operation keeps analyze or load summaries only.
	Operation string

	// Since and Until bound the start time, inclusive. Zero means unbounded.
	Since time.Time
	Until time.Time

	// OrderBy is [field, direction], for example ["startedAt", "desc"].
	// Empty means newest first.
	OrderBy []string

	Limit  int
	Offset int
}

// Validate normalizes the query and rejects invalid values with a bad
// request error.
func (q *HistoryQuery) Validate() error {
	if q.Limit < 0 {
		return BadRequestf("limit must be >= 0, got %d", q.Limit)
	}
	if q.Offset < 0 {
		return BadRequestf("offset must be >= 0, got %d", q.Offset)
	}

	for i, s := range q.Statuses {
		s = Status(strings.ToUpper(strings.TrimSpace(string(s))))
		switch s {
		case StatusNotStarted, StatusInProgress, StatusCompleted, StatusAborted:
		default:
			return BadRequestf("unknown status: %q", string(q.Statuses[i]))
		}
		q.Statuses[i] = s
	}

	q.Operation = strings.ToLower(strings.TrimSpace(q.Operation))
	switch q.Operation {
	case "", OperationAnalyze, OperationLoad:
	default:
		return BadRequestf("operation must be %s or %s, got %q", OperationAnalyze, OperationLoad, q.Operation)
	}

	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return BadRequestf("until must not be before since")
	}

	if len(q.OrderBy) > 0 {
		if len(q.OrderBy) != 2 {
			return BadRequestf("orderBy must have exactly 2 elements [field, direction], got %d", len(q.OrderBy))
		}
		if _, ok := HistorySortColumns[q.OrderBy[0]]; !ok {
			return BadRequestf("orderBy field %q is not sortable", q.OrderBy[0])
		}
		dir := strings.ToUpper(q.OrderBy[1])
		if dir != "ASC" && dir != "DESC" {
			return BadRequestf("orderBy direction must be 'asc' or 'desc', got '%s'", q.OrderBy[1])
		}
		q.OrderBy = []string{q.OrderBy[0], dir}
	}
	return nil
}

// SortColumn returns the column and direction to sort by.
func (q *HistoryQuery) SortColumn() (string, string) {
	if len(q.OrderBy) != 2 {
		return "started_at", "DESC"
	}
	return HistorySortColumns[q.OrderBy[0]], q.OrderBy[1]
}
