package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentinelai/sentinel/internal/anomaly"
	"github.com/sentinelai/sentinel/internal/executor"
	"github.com/sentinelai/sentinel/internal/metrics"
	"github.com/sentinelai/sentinel/internal/performance"
	"github.com/sentinelai/sentinel/internal/risk"
	"github.com/sentinelai/sentinel/internal/schemadiff"
	"github.com/sentinelai/sentinel/internal/store"
)

// Result is the immutable outcome of one pipeline run, assembled after the
// storage session commits.
type Result struct {
	Run            *store.Run
	Performance    *performance.Snapshot
	Drift          *schemadiff.Analysis
	Anomaly        *anomaly.Result
	Risk           risk.Result
	EndpointName   string
	EndpointURL    string
	EndpointMethod string
}

// Service chains the executor, analyzers, classifier, and scorer around one
// endpoint execution and persists all artifacts in a single session.
type Service struct {
	store   store.Store
	exec    *executor.Executor
	anomaly *anomaly.Engine
	risk    *risk.Engine
	tracker *performance.Tracker
	defs    Defaults
	log     *zap.Logger
}

// Defaults are the process-wide HTTP execution parameters applied to every
// monitored endpoint.
type Defaults struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// NewService wires the pipeline stages together.
func NewService(st store.Store, exec *executor.Executor, anom *anomaly.Engine, rk *risk.Engine, defs Defaults, log *zap.Logger) *Service {
	return &Service{
		store:   st,
		exec:    exec,
		anomaly: anom,
		risk:    rk,
		tracker: performance.NewTracker(),
		defs:    defs,
		log:     log.Named("pipeline"),
	}
}

// ExecuteEndpoint runs the full pipeline for one endpoint. The only failure
// it surfaces directly is an endpoint lookup miss (store.ErrNotFound);
// persistence failures roll the session back and return an error, while
// execution and classification failures become fields of the result.
func (s *Service) ExecuteEndpoint(ctx context.Context, endpointID uuid.UUID, tenantID *uuid.UUID) (*Result, error) {
	started := time.Now()

	ep, err := s.store.GetEndpoint(ctx, endpointID, tenantID)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	req, err := s.buildRequest(ep)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request for endpoint %s: %w", ep.ID, err)
	}

	execResult := s.exec.Execute(ctx, req)

	session, err := s.store.Begin(ctx)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("begin session: %w", err)
	}
	defer session.Rollback()

	run := &store.Run{
		ID:             uuid.New(),
		EndpointID:     ep.ID,
		TenantID:       ep.TenantID,
		StatusCode:     execResult.StatusCode,
		ResponseTimeMs: execResult.ResponseTimeMs,
		ResponseBody:   execResult.Body,
		IsSuccess:      execResult.IsSuccess,
		ErrorMessage:   execResult.ErrorMessage,
		StartedAt:      started.UTC(),
	}
	if err := session.InsertRun(ctx, run); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var perf *performance.Snapshot
	if run.ResponseTimeMs != nil {
		history, err := session.RecentResponseTimes(ctx, ep.ID, run.ID, performance.DefaultWindowSize)
		if err != nil {
			metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		snap := s.tracker.Analyze(*run.ResponseTimeMs, history)
		perf = &snap
	}

	var body any
	if run.ResponseBody != nil {
		body = run.ResponseBody
	}
	drift := schemadiff.Validate(ep.ExpectedSchema, body)

	failureRate, err := session.FailureRate(ctx, ep.ID)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	anomRes := s.anomaly.Analyze(ctx, anomaly.Input{
		EndpointName:       ep.Name,
		URL:                ep.URL,
		Method:             ep.Method,
		ExpectedStatus:     ep.ExpectedStatus,
		ActualStatus:       run.StatusCode,
		ResponseTimeMs:     run.ResponseTimeMs,
		IsSuccess:          run.IsSuccess,
		ErrorMessage:       run.ErrorMessage,
		Performance:        perf,
		Drift:              &drift,
		FailureRatePercent: failureRate,
	})

	if anomRes.AnomalyDetected {
		if err := session.InsertAnomaly(ctx, &store.Anomaly{
			RunID:          run.ID,
			EndpointID:     ep.ID,
			TenantID:       ep.TenantID,
			SeverityScore:  anomRes.SeverityScore,
			Confidence:     anomRes.Confidence,
			Reasoning:      anomRes.Reasoning,
			ProbableCause:  anomRes.ProbableCause,
			Recommendation: anomRes.Recommendation,
			AICalled:       anomRes.AICalled,
			UsedFallback:   anomRes.UsedFallback,
		}); err != nil {
			metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	riskRes := s.risk.Score(run.IsSuccess, perf, &drift, &anomRes, failureRate)
	if err := session.InsertRisk(ctx, &store.RiskScore{
		RunID:            run.ID,
		EndpointID:       ep.ID,
		TenantID:         ep.TenantID,
		CalculatedScore:  riskRes.CalculatedScore,
		RiskLevel:        string(riskRes.RiskLevel),
		StatusScore:      riskRes.StatusScore,
		PerformanceScore: riskRes.PerformanceScore,
		DriftScore:       riskRes.DriftScore,
		AIScore:          riskRes.AIScore,
		HistoryScore:     riskRes.HistoryScore,
	}); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := session.Commit(); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("commit session: %w", err)
	}

	outcome := "success"
	if !run.IsSuccess {
		outcome = "failure"
	}
	metrics.PipelineRunsTotal.WithLabelValues(outcome).Inc()
	metrics.PipelineDuration.Observe(time.Since(started).Seconds())

	s.log.Info("pipeline run completed",
		zap.String("endpoint", ep.Name),
		zap.String("run_id", run.ID.String()),
		zap.Bool("success", run.IsSuccess),
		zap.Float64("risk_score", riskRes.CalculatedScore),
		zap.String("risk_level", string(riskRes.RiskLevel)))

	return &Result{
		Run:            run,
		Performance:    perf,
		Drift:          &drift,
		Anomaly:        &anomRes,
		Risk:           riskRes,
		EndpointName:   ep.Name,
		EndpointURL:    ep.URL,
		EndpointMethod: ep.Method,
	}, nil
}

// buildRequest assembles the effective HTTP request from the endpoint's
// request configuration. Disabled pairs are skipped everywhere.
func (s *Service) buildRequest(ep *store.Endpoint) (executor.Request, error) {
	req := executor.Request{
		URL:            ep.URL,
		Method:         ep.Method,
		ExpectedStatus: ep.ExpectedStatus,
		Timeout:        s.defs.Timeout,
		MaxAttempts:    s.defs.MaxAttempts,
		BackoffBase:    s.defs.BackoffBase,
		Headers:        map[string]string{},
		QueryParams:    map[string]string{},
	}

	for _, kv := range ep.QueryParams {
		if kv.Enabled {
			req.QueryParams[kv.Key] = kv.Value
		}
	}
	for _, kv := range ep.Headers {
		if kv.Enabled {
			req.Headers[kv.Key] = kv.Value
		}
	}

	var cookies []string
	for _, kv := range ep.Cookies {
		if kv.Enabled {
			cookies = append(cookies, kv.Key+"="+kv.Value)
		}
	}
	if len(cookies) > 0 {
		req.Headers["Cookie"] = strings.Join(cookies, "; ")
	}

	if ep.Auth != nil {
		applyAuth(&req, ep.Auth)
	}

	if ep.Body != nil {
		if err := applyBody(&req, ep.Body); err != nil {
			return executor.Request{}, err
		}
	}

	return req, nil
}

func applyAuth(req *executor.Request, auth *store.AuthConfig) {
	switch auth.Type {
	case "bearer":
		if auth.Token != "" {
			req.Headers["Authorization"] = "Bearer " + auth.Token
		}
	case "basic":
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Headers["Authorization"] = "Basic " + creds
	case "api-key":
		if auth.APIKeyName == "" {
			return
		}
		if auth.APIKeyIn == "query" {
			req.QueryParams[auth.APIKeyName] = auth.APIKeyValue
		} else {
			req.Headers[auth.APIKeyName] = auth.APIKeyValue
		}
	}
}

func applyBody(req *executor.Request, body *store.BodyConfig) error {
	switch body.Type {
	case "", "none":
		return nil
	case "json":
		req.Body = body.Raw
		req.ContentType = "application/json"
	case "urlencoded":
		form := url.Values{}
		for _, kv := range body.FormFields {
			if kv.Enabled {
				form.Set(kv.Key, kv.Value)
			}
		}
		req.Body = form.Encode()
		req.ContentType = "application/x-www-form-urlencoded"
	case "form-data":
		var buf strings.Builder
		w := multipart.NewWriter(&buf)
		for _, kv := range body.FormFields {
			if !kv.Enabled {
				continue
			}
			if err := w.WriteField(kv.Key, kv.Value); err != nil {
				return fmt.Errorf("write form field %q: %w", kv.Key, err)
			}
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close multipart writer: %w", err)
		}
		req.Body = buf.String()
		req.ContentType = w.FormDataContentType()
	default:
		return fmt.Errorf("unsupported body type %q", body.Type)
	}
	return nil
}
