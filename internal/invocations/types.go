// Package invocations persists the outcome of function invocations and
// keeps the history trimmed to a retention window.
package invocations

import (
	"time"

	"github.com/watzon/forge/internal/functions"
)

// Record is one persisted invocation.
type Record = functions.InvocationRecord

// FunctionStats aggregates a function's invocation history.
type FunctionStats struct {
	FunctionID            string                        `json:"function_id"`
	TotalInvocations      int64                         `json:"total_invocations"`
	SuccessfulInvocations int64                         `json:"successful_invocations"`
	FailedInvocations     int64                         `json:"failed_invocations"`
	AvgExecutionTimeMs    float64                       `json:"avg_execution_time_ms"`
	AvgMemoryUsedMB       float64                       `json:"avg_memory_used_mb"`
	LastInvokedAt         *time.Time                    `json:"last_invoked_at,omitempty"`
	FailuresByKind        map[functions.ErrorKind]int64 `json:"failures_by_kind,omitempty"`
}

// SuccessRate returns the fraction of successful invocations, or 0 when
// there are none.
func (s *FunctionStats) SuccessRate() float64 {
	if s.TotalInvocations == 0 {
		return 0
	}
	return float64(s.SuccessfulInvocations) / float64(s.TotalInvocations)
}

// ListOptions filters a history query.
type ListOptions struct {
	FunctionID string
	ErrorKind  functions.ErrorKind
	Since      time.Time
	Limit      int
	Offset     int
}
