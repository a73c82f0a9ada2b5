package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e := New(zap.NewNop())
	e.sleep = func(time.Duration) {} // no real backoff in tests
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	res := e.Execute(context.Background(), Request{
		URL: srv.URL, Method: "GET", ExpectedStatus: 200,
	})

	if res.StatusCode == nil || *res.StatusCode != 200 {
		t.Fatalf("status = %v, want 200", res.StatusCode)
	}
	if !res.IsSuccess {
		t.Error("expected success")
	}
	if res.ResponseTimeMs == nil || *res.ResponseTimeMs <= 0 {
		t.Errorf("response time = %v, want positive", res.ResponseTimeMs)
	}
	if res.Body == nil || res.Body["ok"] != true {
		t.Errorf("body = %v, want {ok: true}", res.Body)
	}
	if res.ErrorMessage != "" {
		t.Errorf("unexpected error message %q", res.ErrorMessage)
	}
}

func TestExecuteStatusMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	res := e.Execute(context.Background(), Request{
		URL: srv.URL, Method: "GET", ExpectedStatus: 200,
	})

	if res.StatusCode == nil || *res.StatusCode != 503 {
		t.Fatalf("status = %v, want 503", res.StatusCode)
	}
	if res.IsSuccess {
		t.Error("503 against expected 200 must not be success")
	}
}

func TestExecuteNoRetryOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	res := e.Execute(context.Background(), Request{
		URL: srv.URL, Method: "GET", ExpectedStatus: 200, MaxAttempts: 3,
	})

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("server called %d times, want 1 (no retry on HTTP status)", got)
	}
	if res.StatusCode == nil || *res.StatusCode != 500 {
		t.Errorf("status = %v, want 500", res.StatusCode)
	}
}

func TestExecuteRetryAfterTransportFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// Kill the connection mid-request to simulate a transport failure.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("response writer does not support hijacking")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	res := e.Execute(context.Background(), Request{
		URL: srv.URL, Method: "GET", ExpectedStatus: 200, MaxAttempts: 2,
	})

	if res.StatusCode == nil || *res.StatusCode != 200 {
		t.Fatalf("status = %v, want 200 after retry", res.StatusCode)
	}
	if res.ErrorMessage != "" {
		t.Errorf("successful retry must clear error, got %q", res.ErrorMessage)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("server called %d times, want 2", got)
	}
}

func TestExecuteAllAttemptsFail(t *testing.T) {
	e := newTestExecutor(t)
	// Reserved TEST-NET-1 address; connection will fail fast with a short timeout.
	res := e.Execute(context.Background(), Request{
		URL: "http://192.0.2.1:9", Method: "GET", ExpectedStatus: 200,
		MaxAttempts: 2, Timeout: 200 * time.Millisecond,
	})

	if res.StatusCode != nil {
		t.Errorf("status = %v, want nil on transport failure", res.StatusCode)
	}
	if res.ErrorMessage == "" {
		t.Error("expected error message after exhausted attempts")
	}
	if res.IsSuccess {
		t.Error("transport failure must not be success")
	}
}

func TestExecuteWrapsNonObjectBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[1, 2, 3]`))
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	res := e.Execute(context.Background(), Request{URL: srv.URL, Method: "GET", ExpectedStatus: 200})

	arr, ok := res.Body["_value"].([]any)
	if !ok || len(arr) != 3 {
		t.Errorf("body = %v, want {_value: [1 2 3]}", res.Body)
	}
}

func TestExecuteSkipsOversizeBody(t *testing.T) {
	big := `{"pad": "` + strings.Repeat("x", MaxBodyBytes) + `"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(big))
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	res := e.Execute(context.Background(), Request{URL: srv.URL, Method: "GET", ExpectedStatus: 200})

	if res.Body != nil {
		t.Error("oversize body should not be captured")
	}
	if res.StatusCode == nil || *res.StatusCode != 200 {
		t.Errorf("status = %v, want 200", res.StatusCode)
	}
}

func TestExecuteCapturesBodyAtSizeLimit(t *testing.T) {
	// Pad the object so the serialized body is exactly the capture limit.
	body := `{"pad": "` + strings.Repeat("x", MaxBodyBytes-len(`{"pad": ""}`)) + `"}`
	if len(body) != MaxBodyBytes {
		t.Fatalf("fixture length = %d, want %d", len(body), MaxBodyBytes)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write([]byte(body))
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	res := e.Execute(context.Background(), Request{URL: srv.URL, Method: "GET", ExpectedStatus: 200})

	if res.Body == nil {
		t.Fatal("body at exactly the size limit must be captured")
	}
	pad, ok := res.Body["pad"].(string)
	if !ok || len(pad) != MaxBodyBytes-len(`{"pad": ""}`) {
		t.Errorf("pad length = %d, want %d", len(pad), MaxBodyBytes-len(`{"pad": ""}`))
	}
}

func TestExecuteMalformedURLFailsWithoutRetry(t *testing.T) {
	e := newTestExecutor(t)
	var sleeps int32
	e.sleep = func(time.Duration) { atomic.AddInt32(&sleeps, 1) }

	res := e.Execute(context.Background(), Request{
		URL: "://missing-scheme", Method: "GET", ExpectedStatus: 200, MaxAttempts: 3,
	})

	if res.StatusCode != nil {
		t.Errorf("status = %v, want nil", res.StatusCode)
	}
	if res.ErrorMessage == "" {
		t.Error("expected error message for malformed url")
	}
	if got := atomic.LoadInt32(&sleeps); got != 0 {
		t.Errorf("backed off %d times, want 0 (malformed url is not retryable)", got)
	}
}

func TestExecuteIgnoresNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	res := e.Execute(context.Background(), Request{URL: srv.URL, Method: "GET", ExpectedStatus: 200})
	if res.Body != nil {
		t.Errorf("non-JSON body should not be captured, got %v", res.Body)
	}
}

func TestExecuteAppliesRequestConfig(t *testing.T) {
	var gotHeader, gotQuery, gotBody, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.Query().Get("page")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	res := e.Execute(context.Background(), Request{
		URL: srv.URL, Method: "POST", ExpectedStatus: 201,
		Headers:     map[string]string{"X-Api-Key": "secret"},
		QueryParams: map[string]string{"page": "2"},
		Body:        `{"name":"x"}`,
		ContentType: "application/json",
	})

	if !res.IsSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if gotHeader != "secret" || gotQuery != "2" {
		t.Errorf("header/query not applied: %q %q", gotHeader, gotQuery)
	}
	if gotBody != `{"name":"x"}` || gotContentType != "application/json" {
		t.Errorf("body not applied: %q %q", gotBody, gotContentType)
	}
}

func TestStartIsOneShot(t *testing.T) {
	e := New(zap.NewNop())
	if err := e.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer e.Stop()
	if err := e.Start(); err == nil {
		t.Error("second start should fail")
	}
}
