package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an entity does not exist or belongs to a
// different tenant. Cross-tenant lookups are indistinguishable from misses.
var ErrNotFound = errors.New("not found")

// KV is one ordered request-config pair. Disabled pairs are kept but not
// applied to outgoing requests.
type KV struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
}

// AuthConfig describes the single active auth scheme for an endpoint.
type AuthConfig struct {
	Type        string `json:"type"` // none|bearer|basic|api-key
	Token       string `json:"token,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	APIKeyName  string `json:"api_key_name,omitempty"`
	APIKeyValue string `json:"api_key_value,omitempty"`
	APIKeyIn    string `json:"api_key_in,omitempty"` // header|query
}

// BodyConfig describes the request body for non-GET monitors.
type BodyConfig struct {
	Type       string `json:"type"` // none|json|urlencoded|form-data
	Raw        string `json:"raw,omitempty"`
	FormFields []KV   `json:"form_fields,omitempty"`
}

// Endpoint is the monitored contract.
type Endpoint struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Name            string
	URL             string
	Method          string
	ExpectedStatus  int
	ExpectedSchema  map[string]any
	IntervalSeconds int
	QueryParams     []KV
	Headers         []KV
	Cookies         []KV
	Auth            *AuthConfig
	Body            *BodyConfig
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Run is the immutable record of one execution.
type Run struct {
	ID             uuid.UUID
	EndpointID     uuid.UUID
	TenantID       uuid.UUID
	StatusCode     *int
	ResponseTimeMs *float64
	ResponseBody   map[string]any
	IsSuccess      bool
	ErrorMessage   string
	StartedAt      time.Time
}

// Anomaly is persisted only for detected anomalies, owned by its run.
type Anomaly struct {
	ID             uuid.UUID
	RunID          uuid.UUID
	EndpointID     uuid.UUID
	TenantID       uuid.UUID
	SeverityScore  float64
	Confidence     float64
	Reasoning      string
	ProbableCause  string
	Recommendation string
	AICalled       bool
	UsedFallback   bool
	DetectedAt     time.Time
}

// RiskScore is persisted for every run.
type RiskScore struct {
	ID               uuid.UUID
	RunID            uuid.UUID
	EndpointID       uuid.UUID
	TenantID         uuid.UUID
	CalculatedScore  float64
	RiskLevel        string
	StatusScore      float64
	PerformanceScore float64
	DriftScore       float64
	AIScore          float64
	HistoryScore     float64
	ScoredAt         time.Time
}

// Store is the repository boundary for the monitoring pipeline. A nil
// tenantID skips the tenant check (administrative access).
type Store interface {
	GetEndpoint(ctx context.Context, id uuid.UUID, tenantID *uuid.UUID) (*Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error

	// Begin opens a session scoping one pipeline run. Sessions must not be
	// shared across goroutines.
	Begin(ctx context.Context) (Session, error)

	Ping(ctx context.Context) error
	Close() error
}

// Session is one transactional unit of pipeline persistence. Either Commit
// or Rollback must be called exactly once.
type Session interface {
	InsertRun(ctx context.Context, r *Run) error
	// RecentResponseTimes returns up to limit prior non-null response times
	// for the endpoint, newest first, excluding the given run.
	RecentResponseTimes(ctx context.Context, endpointID, excludeRunID uuid.UUID, limit int) ([]float64, error)
	// FailureRate returns the all-time failure percentage, 2-decimal.
	FailureRate(ctx context.Context, endpointID uuid.UUID) (float64, error)
	InsertAnomaly(ctx context.Context, a *Anomaly) error
	InsertRisk(ctx context.Context, r *RiskScore) error
	Commit() error
	Rollback() error
}
