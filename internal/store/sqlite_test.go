package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEndpoint(t *testing.T, s Store, tenant uuid.UUID) *Endpoint {
	t.Helper()
	ep := &Endpoint{
		TenantID:        tenant,
		Name:            "orders-api",
		URL:             "https://api.test/orders",
		Method:          "GET",
		ExpectedStatus:  200,
		ExpectedSchema:  map[string]any{"ok": true},
		IntervalSeconds: 60,
		Headers:         []KV{{Key: "X-Env", Value: "prod", Enabled: true}},
		Auth:            &AuthConfig{Type: "bearer", Token: "tok"},
	}
	require.NoError(t, s.CreateEndpoint(context.Background(), ep))
	return ep
}

func TestEndpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tenant := uuid.New()
	ep := seedEndpoint(t, s, tenant)

	got, err := s.GetEndpoint(context.Background(), ep.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, ep.ID, got.ID)
	assert.Equal(t, tenant, got.TenantID)
	assert.Equal(t, "orders-api", got.Name)
	assert.Equal(t, map[string]any{"ok": true}, got.ExpectedSchema)
	require.Len(t, got.Headers, 1)
	assert.True(t, got.Headers[0].Enabled)
	require.NotNil(t, got.Auth)
	assert.Equal(t, "bearer", got.Auth.Type)
}

func TestGetEndpointTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	tenant := uuid.New()
	ep := seedEndpoint(t, s, tenant)

	// Matching tenant sees the endpoint.
	_, err := s.GetEndpoint(context.Background(), ep.ID, &tenant)
	require.NoError(t, err)

	// A different tenant gets not-found, indistinguishable from a miss.
	other := uuid.New()
	_, err = s.GetEndpoint(context.Background(), ep.ID, &other)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetEndpoint(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRunPersistence(t *testing.T) {
	s := newTestStore(t)
	tenant := uuid.New()
	ep := seedEndpoint(t, s, tenant)
	ctx := context.Background()

	status := 200
	times := []float64{40, 41, 43}
	for i, rt := range times {
		sess, err := s.Begin(ctx)
		require.NoError(t, err)
		rtv := rt
		require.NoError(t, sess.InsertRun(ctx, &Run{
			EndpointID:     ep.ID,
			TenantID:       tenant,
			StatusCode:     &status,
			ResponseTimeMs: &rtv,
			IsSuccess:      true,
			StartedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
		require.NoError(t, sess.Commit())
	}

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()

	current := &Run{
		EndpointID:     ep.ID,
		TenantID:       tenant,
		StatusCode:     &status,
		ResponseTimeMs: &times[0],
		IsSuccess:      true,
		StartedAt:      time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, sess.InsertRun(ctx, current))

	history, err := sess.RecentResponseTimes(ctx, ep.ID, current.ID, 20)
	require.NoError(t, err)
	assert.Len(t, history, 3, "current run must be excluded by id")
	assert.Equal(t, 43.0, history[0], "newest first")
}

func TestRecentResponseTimesSkipsNulls(t *testing.T) {
	s := newTestStore(t)
	tenant := uuid.New()
	ep := seedEndpoint(t, s, tenant)
	ctx := context.Background()

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	// A transport-failed run has no response time.
	require.NoError(t, sess.InsertRun(ctx, &Run{
		EndpointID:   ep.ID,
		TenantID:     tenant,
		IsSuccess:    false,
		ErrorMessage: "connection refused",
	}))
	require.NoError(t, sess.Commit())

	sess, err = s.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()
	history, err := sess.RecentResponseTimes(ctx, ep.ID, uuid.New(), 20)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFailureRate(t *testing.T) {
	s := newTestStore(t)
	tenant := uuid.New()
	ep := seedEndpoint(t, s, tenant)
	ctx := context.Background()

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, sess.InsertRun(ctx, &Run{EndpointID: ep.ID, TenantID: tenant, IsSuccess: i != 0}))
	}
	require.NoError(t, sess.Commit())

	sess, err = s.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()
	rate, err := sess.FailureRate(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 33.33, rate)
}

func TestFailureRateNoRuns(t *testing.T) {
	s := newTestStore(t)
	ep := seedEndpoint(t, s, uuid.New())
	ctx := context.Background()

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()
	rate, err := sess.FailureRate(ctx, ep.ID)
	require.NoError(t, err)
	assert.Zero(t, rate)
}

func TestSessionRollbackDiscardsRun(t *testing.T) {
	s := newTestStore(t)
	tenant := uuid.New()
	ep := seedEndpoint(t, s, tenant)
	ctx := context.Background()

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	rt := 10.0
	require.NoError(t, sess.InsertRun(ctx, &Run{
		EndpointID: ep.ID, TenantID: tenant, ResponseTimeMs: &rt, IsSuccess: true,
	}))
	require.NoError(t, sess.Rollback())

	sess, err = s.Begin(ctx)
	require.NoError(t, err)
	defer sess.Rollback()
	history, err := sess.RecentResponseTimes(ctx, ep.ID, uuid.New(), 20)
	require.NoError(t, err)
	assert.Empty(t, history, "rolled-back run must not be visible")
}

func TestAnomalyAndRiskCommitTogether(t *testing.T) {
	s := newTestStore(t)
	tenant := uuid.New()
	ep := seedEndpoint(t, s, tenant)
	ctx := context.Background()

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	run := &Run{EndpointID: ep.ID, TenantID: tenant, IsSuccess: false}
	require.NoError(t, sess.InsertRun(ctx, run))
	require.NoError(t, sess.InsertAnomaly(ctx, &Anomaly{
		RunID: run.ID, EndpointID: ep.ID, TenantID: tenant,
		SeverityScore: 50, Confidence: 0.6, UsedFallback: true,
	}))
	require.NoError(t, sess.InsertRisk(ctx, &RiskScore{
		RunID: run.ID, EndpointID: ep.ID, TenantID: tenant,
		CalculatedScore: 42.5, RiskLevel: "MEDIUM", StatusScore: 35,
	}))
	require.NoError(t, sess.Commit())

	// Cascade: deleting the endpoint removes everything it owns.
	require.NoError(t, s.DeleteEndpoint(ctx, ep.ID))
	_, err = s.GetEndpoint(ctx, ep.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEndpoints(t *testing.T) {
	s := newTestStore(t)
	seedEndpoint(t, s, uuid.New())
	seedEndpoint(t, s, uuid.New())

	eps, err := s.ListEndpoints(context.Background())
	require.NoError(t, err)
	assert.Len(t, eps, 2)
}
