package domain

// ============================================================
// Health & API Responses
// ============================================================

// HealthStatus is returned by GET /readyz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual backing store.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latency_ms"`
	LastChecked string `json:"last_checked"`
	Error       string `json:"error,omitempty"`
}

// LedgerStats is returned by GET /v1/admin/stats.
type LedgerStats struct {
	Transfers         map[string]float64 `json:"transfers"`
	TopUps            float64            `json:"topups"`
	Adjustments       float64            `json:"adjustments"`
	AppendFailures    float64            `json:"append_failures"`
	Compensations     map[string]float64 `json:"compensations"`
	OptimisticRetries float64            `json:"optimistic_conflicts"`
}

// ListResponse wraps paginated list results.
type ListResponse[T any] struct {
	Data     []T  `json:"data"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasMore  bool `json:"has_more"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
