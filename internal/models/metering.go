package models

import "time"

// Tenant is a paying account whose customers emit usage events.
type Tenant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Customer is an end consumer scoped to one tenant. ExternalID is the
// tenant-facing identifier carried on ingested events; ID is the internal key.
type Customer struct {
	ID         int64     `json:"id"`
	TenantID   int64     `json:"tenantId"`
	ExternalID string    `json:"externalId"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TenantCustomer is one row of the active-tenant enumeration the aggregation
// scheduler walks each tick.
type TenantCustomer struct {
	TenantID   int64
	TenantName string
	CustomerID int64
	ExternalID string
}

// UsageEvent is a single metered API call.
type UsageEvent struct {
	ID           int64          `json:"-"`
	EventID      string         `json:"eventId"`
	TenantID     int64          `json:"tenantId"`
	CustomerID   int64          `json:"customerId"`
	Timestamp    time.Time      `json:"timestamp"`
	Endpoint     string         `json:"endpoint"`
	Tokens       int64          `json:"tokens"`
	InputTokens  int64          `json:"inputTokens"`
	OutputTokens int64          `json:"outputTokens"`
	Model        string         `json:"model,omitempty"`
	LatencyMs    *int32         `json:"latencyMs,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TotalTokens is the billable token count: the explicit total when set,
// otherwise the sum of the input and output counts.
func (e UsageEvent) TotalTokens() int64 {
	if e.Tokens > 0 {
		return e.Tokens
	}
	return e.InputTokens + e.OutputTokens
}

// AggregationWindow is one persisted tumbling-window aggregate. Data holds the
// serialized AggregationResult; the (TenantID, CustomerID, WindowStart) triple
// is unique.
type AggregationWindow struct {
	ID          int64
	TenantID    int64
	CustomerID  int64
	WindowStart time.Time
	WindowEnd   time.Time
	Data        []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LateEvent is a staged event that arrived after its window's late threshold.
// Data holds the serialized UsageEvent until the reconciler folds it in.
type LateEvent struct {
	ID                int64
	EventID           string
	TenantID          int64
	CustomerID        int64
	OriginalTimestamp time.Time
	ReceivedTimestamp time.Time
	Data              []byte
}

// GroupStats is the per-endpoint / per-model slice of an aggregate.
type GroupStats struct {
	Calls  int64 `json:"calls"`
	Tokens int64 `json:"tokens"`
}

// AggregationResult is the JSONB payload stored per window.
type AggregationResult struct {
	TotalCalls        int64                 `json:"totalCalls"`
	TotalTokens       int64                 `json:"totalTokens"`
	TotalInputTokens  int64                 `json:"totalInputTokens"`
	TotalOutputTokens int64                 `json:"totalOutputTokens"`
	AvgLatencyMs      *float64              `json:"avgLatencyMs,omitempty"`
	ByEndpoint        map[string]GroupStats `json:"byEndpoint,omitempty"`
	ByModel           map[string]GroupStats `json:"byModel,omitempty"`
}
