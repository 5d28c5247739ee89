package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Event is an immutable entry in an execution's event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Step        string          `json:"step,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ExecutionFilter specifies criteria for listing archived executions.
type ExecutionFilter struct {
	Status   *schema.ExecutionStatus `json:"status,omitempty"`
	Owner    string                  `json:"owner,omitempty"`
	Workflow string                  `json:"workflow,omitempty"`
	Since    *time.Time              `json:"since,omitempty"`
	Limit    int                     `json:"limit,omitempty"`
}

// Match reports whether report passes the filter.
func (f ExecutionFilter) Match(report *schema.ExecutionReport) bool {
	if f.Status != nil && report.Status != *f.Status {
		return false
	}
	if f.Owner != "" && report.Owner != f.Owner {
		return false
	}
	if f.Workflow != "" && report.Workflow != f.Workflow {
		return false
	}
	if f.Since != nil && report.StartTime.Before(*f.Since) {
		return false
	}
	return true
}

// SortNewestFirst orders reports by start time, newest first, and applies limit.
func SortNewestFirst(reports []*schema.ExecutionReport, limit int) []*schema.ExecutionReport {
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].StartTime.After(reports[j].StartTime)
	})
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	return reports
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// cloneReport deep-copies a report through JSON so callers cannot alias
// archived state.
func cloneReport(r *schema.ExecutionReport) (*schema.ExecutionReport, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var cp schema.ExecutionReport
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
