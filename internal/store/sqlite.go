package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// Schema version history. Versions are tracked in schema_versions.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS endpoints (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    name             TEXT NOT NULL,
    url              TEXT NOT NULL,
    method           TEXT NOT NULL DEFAULT 'GET',
    expected_status  INTEGER NOT NULL DEFAULT 200,
    expected_schema  TEXT,
    interval_seconds INTEGER NOT NULL DEFAULT 300,
    query_params     TEXT NOT NULL DEFAULT '[]',
    headers          TEXT NOT NULL DEFAULT '[]',
    cookies          TEXT NOT NULL DEFAULT '[]',
    auth             TEXT,
    body             TEXT,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_endpoints_tenant ON endpoints(tenant_id);

CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    endpoint_id      TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
    tenant_id        TEXT NOT NULL,
    status_code      INTEGER,
    response_time_ms REAL,
    response_body    TEXT,
    is_success       INTEGER NOT NULL DEFAULT 0,
    error_message    TEXT NOT NULL DEFAULT '',
    started_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_endpoint_started ON runs(endpoint_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id);

CREATE TABLE IF NOT EXISTS anomalies (
    id             TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    endpoint_id    TEXT NOT NULL,
    tenant_id      TEXT NOT NULL,
    severity_score REAL NOT NULL DEFAULT 0.0,
    confidence     REAL NOT NULL DEFAULT 0.0,
    reasoning      TEXT NOT NULL DEFAULT '',
    probable_cause TEXT NOT NULL DEFAULT '',
    recommendation TEXT NOT NULL DEFAULT '',
    ai_called      INTEGER NOT NULL DEFAULT 0,
    used_fallback  INTEGER NOT NULL DEFAULT 0,
    detected_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_endpoint ON anomalies(endpoint_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS risk_scores (
    id                TEXT PRIMARY KEY,
    run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    endpoint_id       TEXT NOT NULL,
    tenant_id         TEXT NOT NULL,
    calculated_score  REAL NOT NULL DEFAULT 0.0,
    risk_level        TEXT NOT NULL DEFAULT 'LOW',
    status_score      REAL NOT NULL DEFAULT 0.0,
    performance_score REAL NOT NULL DEFAULT 0.0,
    drift_score       REAL NOT NULL DEFAULT 0.0,
    ai_score          REAL NOT NULL DEFAULT 0.0,
    history_score     REAL NOT NULL DEFAULT 0.0,
    scored_at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risk_endpoint ON risk_scores(endpoint_id, scored_at DESC);
CREATE INDEX IF NOT EXISTS idx_risk_level ON risk_scores(risk_level);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// applies pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Endpoints ────────────────────────────────────────────────────────────────

const endpointColumns = `id,tenant_id,name,url,method,expected_status,expected_schema,interval_seconds,query_params,headers,cookies,auth,body,created_at,updated_at`

func (s *sqliteStore) GetEndpoint(ctx context.Context, id uuid.UUID, tenantID *uuid.UUID) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE id=?`, id.String())
	e, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	if tenantID != nil && e.TenantID != *tenantID {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *sqliteStore) ListEndpoints(ctx context.Context) ([]*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var result []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *sqliteStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO endpoints(`+endpointColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		e.ID.String(), e.TenantID.String(), e.Name, e.URL, e.Method,
		e.ExpectedStatus, marshalNullable(e.ExpectedSchema), e.IntervalSeconds,
		marshalJSON(e.QueryParams), marshalJSON(e.Headers), marshalJSON(e.Cookies),
		marshalNullable(e.Auth), marshalNullable(e.Body),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id=?`, id.String())
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	e := &Endpoint{}
	var id, tenantID string
	var schema, auth, body sql.NullString
	var queryParams, headers, cookies string
	var createdAt, updatedAt string

	err := row.Scan(&id, &tenantID, &e.Name, &e.URL, &e.Method,
		&e.ExpectedStatus, &schema, &e.IntervalSeconds,
		&queryParams, &headers, &cookies, &auth, &body,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint id: %w", err)
	}
	e.TenantID, err = uuid.Parse(tenantID)
	if err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}

	if schema.Valid && schema.String != "" {
		_ = json.Unmarshal([]byte(schema.String), &e.ExpectedSchema)
	}
	_ = json.Unmarshal([]byte(queryParams), &e.QueryParams)
	_ = json.Unmarshal([]byte(headers), &e.Headers)
	_ = json.Unmarshal([]byte(cookies), &e.Cookies)
	if auth.Valid && auth.String != "" {
		e.Auth = &AuthConfig{}
		_ = json.Unmarshal([]byte(auth.String), e.Auth)
	}
	if body.Valid && body.String != "" {
		e.Body = &BodyConfig{}
		_ = json.Unmarshal([]byte(body.String), e.Body)
	}

	e.CreatedAt, _ = parseTime(createdAt)
	e.UpdatedAt, _ = parseTime(updatedAt)
	return e, nil
}

// ─── Session ──────────────────────────────────────────────────────────────────

type sqliteSession struct {
	tx *sql.Tx
}

func (s *sqliteStore) Begin(ctx context.Context) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	return &sqliteSession{tx: tx}, nil
}

func (ss *sqliteSession) InsertRun(ctx context.Context, r *Run) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}

	var statusCode sql.NullInt64
	if r.StatusCode != nil {
		statusCode = sql.NullInt64{Int64: int64(*r.StatusCode), Valid: true}
	}
	var responseTime sql.NullFloat64
	if r.ResponseTimeMs != nil {
		responseTime = sql.NullFloat64{Float64: *r.ResponseTimeMs, Valid: true}
	}

	_, err := ss.tx.ExecContext(ctx, `
        INSERT INTO runs(id, endpoint_id, tenant_id, status_code, response_time_ms, response_body, is_success, error_message, started_at)
        VALUES(?,?,?,?,?,?,?,?,?)
    `,
		r.ID.String(), r.EndpointID.String(), r.TenantID.String(),
		statusCode, responseTime, marshalNullable(r.ResponseBody),
		r.IsSuccess, r.ErrorMessage, r.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (ss *sqliteSession) RecentResponseTimes(ctx context.Context, endpointID, excludeRunID uuid.UUID, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := ss.tx.QueryContext(ctx, `
        SELECT response_time_ms FROM runs
        WHERE endpoint_id=? AND id<>? AND response_time_ms IS NOT NULL
        ORDER BY started_at DESC LIMIT ?
    `, endpointID.String(), excludeRunID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent response times: %w", err)
	}
	defer rows.Close()

	var times []float64
	for rows.Next() {
		var t float64
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

func (ss *sqliteSession) FailureRate(ctx context.Context, endpointID uuid.UUID) (float64, error) {
	var total, failed int
	err := ss.tx.QueryRowContext(ctx, `
        SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_success=0 THEN 1 ELSE 0 END), 0)
        FROM runs WHERE endpoint_id=?
    `, endpointID.String()).Scan(&total, &failed)
	if err != nil {
		return 0, fmt.Errorf("failure rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	rate := float64(failed) / float64(total) * 100
	return math.Round(rate*100) / 100, nil
}

func (ss *sqliteSession) InsertAnomaly(ctx context.Context, a *Anomaly) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	_, err := ss.tx.ExecContext(ctx, `
        INSERT INTO anomalies(id, run_id, endpoint_id, tenant_id, severity_score, confidence, reasoning, probable_cause, recommendation, ai_called, used_fallback, detected_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		a.ID.String(), a.RunID.String(), a.EndpointID.String(), a.TenantID.String(),
		a.SeverityScore, a.Confidence, a.Reasoning, a.ProbableCause,
		a.Recommendation, a.AICalled, a.UsedFallback, a.DetectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

func (ss *sqliteSession) InsertRisk(ctx context.Context, r *RiskScore) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.ScoredAt.IsZero() {
		r.ScoredAt = time.Now().UTC()
	}
	_, err := ss.tx.ExecContext(ctx, `
        INSERT INTO risk_scores(id, run_id, endpoint_id, tenant_id, calculated_score, risk_level, status_score, performance_score, drift_score, ai_score, history_score, scored_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		r.ID.String(), r.RunID.String(), r.EndpointID.String(), r.TenantID.String(),
		r.CalculatedScore, r.RiskLevel, r.StatusScore, r.PerformanceScore,
		r.DriftScore, r.AIScore, r.HistoryScore, r.ScoredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert risk score: %w", err)
	}
	return nil
}

func (ss *sqliteSession) Commit() error   { return ss.tx.Commit() }
func (ss *sqliteSession) Rollback() error { return ss.tx.Rollback() }

// ─── Helpers ─────────────────────────────────────────────────────────────────

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// marshalNullable serializes to a NULL column value when v is a nil pointer
// or empty map.
func marshalNullable(v any) sql.NullString {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}
	case map[string]any:
		if x == nil {
			return sql.NullString{}
		}
	case *AuthConfig:
		if x == nil {
			return sql.NullString{}
		}
	case *BodyConfig:
		if x == nil {
			return sql.NullString{}
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// parseTime handles the datetime formats SQLite may hand back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
