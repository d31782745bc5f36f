package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rdpk/metering/internal/models"
	"github.com/rdpk/metering/internal/observability"
	"github.com/rdpk/metering/internal/timeutil"
)

// ErrInvalid marks a request that failed field validation.
var ErrInvalid = errors.New("invalid event")

// Request is the ingestion payload. TenantID arrives as a string and must
// parse to the tenant's numeric id; CustomerID is the tenant-facing external
// id, resolved to the internal customer key during validation.
type Request struct {
	EventID     string           `json:"eventId"`
	Timestamp   time.Time        `json:"timestamp"`
	TenantID    string           `json:"tenantId"`
	CustomerID  string           `json:"customerId"`
	APIEndpoint string           `json:"apiEndpoint"`
	Metadata    *RequestMetadata `json:"metadata"`
}

// RequestMetadata carries token and performance counts. Input and output
// token counts are required; the explicit total is a fallback.
type RequestMetadata struct {
	InputTokens  *int64 `json:"inputTokens"`
	OutputTokens *int64 `json:"outputTokens"`
	Tokens       *int64 `json:"tokens"`
	Model        string `json:"model"`
	LatencyMs    *int32 `json:"latencyMs"`
}

// Response acknowledges an accepted event. Late events are acknowledged the
// same way as on-time ones; staging is not the caller's concern.
type Response struct {
	EventID     string    `json:"eventId"`
	Status      string    `json:"status"`
	ProcessedAt time.Time `json:"processedAt"`
}

type CustomerValidator interface {
	ValidateCustomer(ctx context.Context, tenantID int64, externalID string) (models.TenantCustomer, error)
}

type CounterWriter interface {
	Add(ctx context.Context, ev models.UsageEvent) error
}

type BufferWriter interface {
	Append(ctx context.Context, ev models.UsageEvent) error
}

type LateStager interface {
	Stage(ctx context.Context, ev models.UsageEvent, receivedAt time.Time) error
}

// Service is the hot path: validate, classify by lateness, then either buffer
// the event and bump the live counters, or stage it for reconciliation.
// Nothing here waits on Postgres event writes.
type Service struct {
	customers CustomerValidator
	counters  CounterWriter
	buffer    BufferWriter
	stager    LateStager
	metrics   *observability.Metrics

	windowDuration time.Duration
	lateThreshold  time.Duration
	now            func() time.Time
}

func NewService(
	customers CustomerValidator,
	counters CounterWriter,
	buffer BufferWriter,
	stager LateStager,
	metrics *observability.Metrics,
	windowDuration, lateThreshold time.Duration,
) *Service {
	return &Service{
		customers:      customers,
		counters:       counters,
		buffer:         buffer,
		stager:         stager,
		metrics:        metrics,
		windowDuration: windowDuration,
		lateThreshold:  lateThreshold,
		now:            time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Process handles one event end to end on the hot path.
func (s *Service) Process(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}
	}()

	tenantID, err := validate(req)
	if err != nil {
		s.countOutcome("rejected")
		return Response{}, err
	}

	tc, err := s.customers.ValidateCustomer(ctx, tenantID, req.CustomerID)
	if err != nil {
		s.countOutcome("rejected")
		return Response{}, err
	}

	ev := toEvent(req, tc)
	now := s.now().UTC()

	if s.isLate(ev.Timestamp, now) {
		if err := s.stager.Stage(ctx, ev, now); err != nil {
			return Response{}, err
		}
		s.countOutcome("late")
		if s.metrics != nil {
			s.metrics.LateEventsStaged.Inc()
		}
		return Response{EventID: ev.EventID, Status: "PROCESSED", ProcessedAt: now}, nil
	}

	// Buffer before counters: a buffered event is recoverable by the batch
	// persister, a counted-but-unbuffered one is not.
	if err := s.buffer.Append(ctx, ev); err != nil {
		return Response{}, err
	}
	if err := s.counters.Add(ctx, ev); err != nil {
		return Response{}, err
	}
	s.countOutcome("processed")
	return Response{EventID: ev.EventID, Status: "PROCESSED", ProcessedAt: now}, nil
}

// isLate classifies against the event's window start, not its raw timestamp:
// an event is late once its window is at least lateThreshold old and the
// window is no longer the current one. Exactly at the threshold counts late.
func (s *Service) isLate(ts, now time.Time) bool {
	eventStart := timeutil.Truncate(ts, s.windowDuration)
	currentStart := timeutil.Truncate(now, s.windowDuration)
	return eventStart.Before(currentStart) && now.Sub(eventStart) >= s.lateThreshold
}

func (s *Service) countOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.EventsIngested.WithLabelValues(outcome).Inc()
	}
}

func validate(req Request) (int64, error) {
	switch {
	case req.EventID == "":
		return 0, fmt.Errorf("%w: eventId is required", ErrInvalid)
	case req.Timestamp.IsZero():
		return 0, fmt.Errorf("%w: timestamp is required", ErrInvalid)
	case req.TenantID == "":
		return 0, fmt.Errorf("%w: tenantId is required", ErrInvalid)
	case req.CustomerID == "":
		return 0, fmt.Errorf("%w: customerId is required", ErrInvalid)
	case req.APIEndpoint == "":
		return 0, fmt.Errorf("%w: apiEndpoint is required", ErrInvalid)
	case req.Metadata == nil:
		return 0, fmt.Errorf("%w: metadata is required", ErrInvalid)
	case req.Metadata.InputTokens == nil:
		return 0, fmt.Errorf("%w: metadata.inputTokens is required", ErrInvalid)
	case req.Metadata.OutputTokens == nil:
		return 0, fmt.Errorf("%w: metadata.outputTokens is required", ErrInvalid)
	case *req.Metadata.InputTokens < 0 || *req.Metadata.OutputTokens < 0:
		return 0, fmt.Errorf("%w: token counts must not be negative", ErrInvalid)
	case req.Metadata.Tokens != nil && *req.Metadata.Tokens < 0:
		return 0, fmt.Errorf("%w: metadata.tokens must not be negative", ErrInvalid)
	}

	tenantID, err := strconv.ParseInt(req.TenantID, 10, 64)
	if err != nil || tenantID <= 0 {
		return 0, fmt.Errorf("%w: tenantId %q is not a valid tenant id", ErrInvalid, req.TenantID)
	}
	return tenantID, nil
}

func toEvent(req Request, tc models.TenantCustomer) models.UsageEvent {
	ev := models.UsageEvent{
		EventID:      req.EventID,
		TenantID:     tc.TenantID,
		CustomerID:   tc.CustomerID,
		Timestamp:    req.Timestamp.UTC(),
		Endpoint:     req.APIEndpoint,
		InputTokens:  *req.Metadata.InputTokens,
		OutputTokens: *req.Metadata.OutputTokens,
		Model:        req.Metadata.Model,
		LatencyMs:    req.Metadata.LatencyMs,
	}
	if req.Metadata.Tokens != nil {
		ev.Tokens = *req.Metadata.Tokens
	}
	return ev
}
