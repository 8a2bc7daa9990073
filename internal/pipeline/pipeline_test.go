package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cfxhq/router/internal/auth"
	"github.com/cfxhq/router/internal/breaker"
	"github.com/cfxhq/router/internal/concurrency"
	"github.com/cfxhq/router/internal/quota"
	"github.com/cfxhq/router/internal/stageconfig"
	"github.com/cfxhq/router/internal/store"
	"github.com/cfxhq/router/internal/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLogs struct {
	mu      sync.Mutex
	records []store.RequestLog
}

func (f *fakeLogs) Enqueue(r store.RequestLog) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return true
}

func (f *fakeLogs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeLogs) last() store.RequestLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[len(f.records)-1]
}

func testStages() *stageconfig.Table {
	return stageconfig.Load("/nonexistent/path.yaml", discardLogger())
}

type harness struct {
	handler *Handler
	st      *store.MemoryStore
	logs    *fakeLogs
	slots   *concurrency.Ledger
	userID  uuid.UUID
	apiKey  uuid.UUID
}

func newHarness(t *testing.T, upstreamURL string) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	userID := uuid.New()
	apiKey := uuid.New()
	st.PutLimits(store.UserLimits{ID: userID, Plan: "pro"})

	logs := &fakeLogs{}
	slots := concurrency.NewLedger(2)
	br := breaker.New(5, time.Minute, nil)
	up := upstream.New(upstreamURL, time.Second, 5*time.Second, br)
	q := quota.NewChecker(st, 1000, discardLogger())

	h := New(testStages(), q, slots, up, logs, st, discardLogger())
	return &harness{handler: h, st: st, logs: logs, slots: slots, userID: userID, apiKey: apiKey}
}

func (h *harness) request(method, path, body string, streaming bool) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	decision := auth.Decision{Authenticated: true, UserID: h.userID, APIKeyID: h.apiKey}
	ctx := auth.NewContext(r.Context(), decision)
	return r.WithContext(ctx)
}

func TestHappyPathNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","usage":{"prompt_tokens":5,"completion_tokens":10,"total_tokens":15}}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	req := h.request(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, false)
	req.Header.Set("X-CFX-Stage", "plan")
	rec := httptest.NewRecorder()

	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-CFX-Model-Used") != "gpt-4o-mini" {
		t.Errorf("model used = %q, want gpt-4o-mini", rec.Header().Get("X-CFX-Model-Used"))
	}
	if rec.Header().Get("X-CFX-Stage") != "plan" {
		t.Errorf("stage = %q, want plan", rec.Header().Get("X-CFX-Stage"))
	}
	remaining, _ := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))
	if remaining != 3999 {
		t.Errorf("remaining = %d, want 3999", remaining)
	}
	if !strings.Contains(rec.Body.String(), "resp-1") {
		t.Errorf("body does not contain upstream payload verbatim: %s", rec.Body.String())
	}

	if h.logs.count() != 1 {
		t.Fatalf("logs enqueued = %d, want 1", h.logs.count())
	}
	rec2 := h.logs.last()
	if rec2.Status != "success" || *rec2.TotalTokens != 15 {
		t.Errorf("log record = %+v, want success with total_tokens=15", rec2)
	}
}

func TestDailyQuotaExceeded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) > 1 {
			t.Fatal("upstream should not be called once quota is exhausted")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1"}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	limit := 1
	h.st.PutLimits(store.UserLimits{ID: h.userID, DailyLimit: &limit})

	req := h.request(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, false)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req) // first request consumes the only slot
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	req2 := h.request(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, false)
	rec2 := httptest.NewRecorder()
	h.handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec2.Code)
	}
	if rec2.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining = %q, want 0", rec2.Header().Get("X-RateLimit-Remaining"))
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestStreamingSlotCapExhausted(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	slotCap := 1
	h.st.PutLimits(store.UserLimits{ID: h.userID, StreamingConcurrencyCap: &slotCap})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := h.request(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`, true)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
	}()

	// Give the first streaming request time to acquire its slot.
	deadline := time.Now().Add(time.Second)
	for h.slots.InUse(h.userID) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	req2 := h.request(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`, true)
	rec2 := httptest.NewRecorder()
	h.handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body = %s", rec2.Code, rec2.Body.String())
	}

	close(block)
	wg.Wait()
}

func TestStreamingFallbackEstimatesPromptAndCompletionTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"0123456789\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	// 20 content chars across the two messages -> estimated prompt tokens = 20/4 = 5.
	body := `{"messages":[{"role":"system","content":"0123456789"},{"role":"user","content":"0123456789"}],"stream":true}`
	req := h.request(http.MethodPost, "/v1/chat/completions", body, true)
	rec := httptest.NewRecorder()

	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
	if h.logs.count() != 1 {
		t.Fatalf("logs enqueued = %d, want 1", h.logs.count())
	}

	record := h.logs.last()
	if record.InputTokens == nil || *record.InputTokens != 5 {
		t.Errorf("input_tokens = %v, want 5 (20 input chars / 4)", record.InputTokens)
	}
	if record.OutputTokens == nil || *record.OutputTokens != 2 {
		t.Errorf("output_tokens = %v, want 2 (10 content chars / 4)", record.OutputTokens)
	}
	if record.TotalTokens == nil || *record.TotalTokens != 7 {
		t.Errorf("total_tokens = %v, want 7 (prompt + completion estimate)", record.TotalTokens)
	}
}

func TestUnknownStageRejected(t *testing.T) {
	h := newHarness(t, "http://unused.invalid")
	req := h.request(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, false)
	req.Header.Set("X-CFX-Stage", "nonexistent")
	rec := httptest.NewRecorder()

	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDirectStageRejected(t *testing.T) {
	h := newHarness(t, "http://unused.invalid")
	req := h.request(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, false)
	req.Header.Set("X-CFX-Stage", "direct")
	rec := httptest.NewRecorder()

	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUpstreamPermanentFailureMapsTo502(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	req := h.request(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, false)
	rec := httptest.NewRecorder()

	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if h.logs.count() != 1 || h.logs.last().Status != "error" {
		t.Errorf("expected one error log record, got %+v", h.logs.records)
	}
}

func TestUpstreamRetryExhaustedMapsTo503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	req := h.request(http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`, false)
	rec := httptest.NewRecorder()

	h.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCircuitOpenMapsTo503(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called while the circuit is open")
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	userID := uuid.New()
	st.PutLimits(store.UserLimits{ID: userID, Plan: "pro"})
	logs := &fakeLogs{}
	slots := concurrency.NewLedger(2)
	br := breaker.New(1, time.Hour, nil)
	br.RecordFailure()
	up := upstream.New(srv.URL, time.Second, 5*time.Second, br)
	q := quota.NewChecker(st, 1000, discardLogger())
	handler := New(testStages(), q, slots, up, logs, st, discardLogger())

	decision := auth.Decision{Authenticated: true, UserID: userID, APIKeyID: uuid.New()}
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	r.Header.Set("Content-Type", "application/json")
	r = r.WithContext(auth.NewContext(r.Context(), decision))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
