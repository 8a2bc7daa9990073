// Package pipeline orchestrates one chat-completions request end to end:
// quota, stage resolution, concurrency slot, upstream call, and relay.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cfxhq/router/internal/auth"
	"github.com/cfxhq/router/internal/concurrency"
	"github.com/cfxhq/router/internal/httpserver"
	"github.com/cfxhq/router/internal/openaishim"
	"github.com/cfxhq/router/internal/quota"
	"github.com/cfxhq/router/internal/stageconfig"
	"github.com/cfxhq/router/internal/store"
	"github.com/cfxhq/router/internal/telemetry"
	"github.com/cfxhq/router/internal/upstream"
)

// Handler implements the chat-completions endpoint. It assumes the
// authentication middleware has already run and attached a Decision to the
// request context.
type Handler struct {
	stages   *stageconfig.Table
	quota    *quota.Checker
	slots    *concurrency.Ledger
	upstream *upstream.Client
	logs     enqueuer
	store    store.Store
	logger   *slog.Logger
}

// enqueuer is the subset of *logqueue.Queue the pipeline needs, kept as an
// interface so pipeline tests don't need a real background consumer.
type enqueuer interface {
	Enqueue(record store.RequestLog) bool
}

// New builds a Handler.
func New(stages *stageconfig.Table, q *quota.Checker, slots *concurrency.Ledger, up *upstream.Client, logs enqueuer, st store.Store, logger *slog.Logger) *Handler {
	return &Handler{stages: stages, quota: q, slots: slots, upstream: up, logs: logs, store: st, logger: logger}
}

// streamChunk is the subset of an SSE chunk's JSON shape the pipeline reads
// to accumulate usage and a fallback content-length estimate.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openaishim.Usage `json:"usage"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	decision, ok := auth.FromContext(ctx)
	if !ok {
		h.logger.Error("pipeline: no auth decision on context, middleware not run")
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "internal server error", "")
		return
	}

	limits, err := h.store.GetUserLimits(ctx, decision.UserID)
	if err != nil {
		h.logger.Warn("pipeline: failed to load user limits, using defaults", "user_id", decision.UserID, "error", err)
		limits = store.UserLimits{ID: decision.UserID}
	}

	qd := h.quota.Check(ctx, decision.UserID, limits)
	startedAt := time.Now()

	if !qd.Allowed {
		setRateLimitHeaders(w, qd)
		w.Header().Set("Retry-After", strconv.FormatInt(qd.ResetEpoch, 10))
		httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limit_error", "daily request quota exceeded", "quota_exceeded")
		return
	}

	var req openaishim.ChatCompletionRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request_error", err.Error(), "")
		return
	}
	if errs := httpserver.Validate(req); len(errs) > 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request_error", httpserver.FieldErrorsMessage(errs), "validation_failed")
		return
	}

	stageName := r.Header.Get("X-CFX-Stage")
	if stageName == "" {
		stageName = h.stages.DefaultStage()
	}
	if stageconfig.IsDirect(stageName) {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request_error", `stage "direct" is reserved and has no bound model`, "stage_disabled")
		return
	}
	if !h.stages.IsValid(stageName) {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("unknown stage %q", stageName), "unknown_stage")
		return
	}
	stage, ok := h.stages.Resolve(stageName)
	if !ok {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("no model bound to stage %q", stageName), "stage_unbound")
		return
	}

	streaming := req.IsStreaming()
	if streaming {
		acquired, capacity := h.slots.Acquire(decision.UserID, limits)
		if !acquired {
			telemetry.SlotExhaustedTotal.Inc()
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(capacity))
			w.Header().Set("X-RateLimit-Remaining", "0")
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limit_error", "streaming concurrency cap reached", "slot_exhausted")
			return
		}
		defer h.slots.Release(decision.UserID)
	}

	rewritten := openaishim.Rewrite(req, stage.Model)
	if rewritten.MaxTokens == nil {
		rewritten.MaxTokens = stage.MaxTokens
	}
	if rewritten.Temperature == nil {
		rewritten.Temperature = stage.Temperature
	}

	body, err := json.Marshal(rewritten)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to build upstream request", "")
		return
	}

	resp, err := h.upstream.Do(ctx, body)
	if err != nil {
		h.handleUpstreamError(w, err, decision, stageName, stage.Model, startedAt)
		return
	}

	requestID := uuid.New().String()
	if streaming {
		h.relayStream(w, resp, requestID, stageName, stage.Model, qd, decision, startedAt, totalInputChars(req.Messages))
	} else {
		h.relayJSON(w, resp, requestID, stageName, stage.Model, qd, decision, startedAt)
	}
}

// totalInputChars sums message content length, the same fallback input-size
// signal used to estimate prompt tokens when a streamed response finishes
// without a usage block.
func totalInputChars(messages []openaishim.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}

func (h *Handler) relayJSON(w http.ResponseWriter, resp *http.Response, requestID, stageName, model string, qd quota.Decision, decision auth.Decision, startedAt time.Time) {
	var raw json.RawMessage
	if err := upstream.DecodeJSON(resp, &raw); err != nil {
		h.logger.Error("pipeline: failed to decode upstream response", "error", err)
		httpserver.RespondError(w, http.StatusBadGateway, "upstream_error", "failed to decode upstream response", "")
		msg := err.Error()
		h.enqueueLog(uuid.New().String(), decision, stageName, model, "error", nil, nil, time.Since(startedAt), &msg)
		return
	}

	var meta struct {
		Usage *openaishim.Usage `json:"usage"`
	}
	_ = json.Unmarshal(raw, &meta)

	setSuccessHeaders(w, requestID, stageName, model, qd)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)

	h.enqueueLog(requestID, decision, stageName, model, "success", meta.Usage, cost(model, meta.Usage), time.Since(startedAt), nil)
}

func (h *Handler) relayStream(w http.ResponseWriter, resp *http.Response, requestID, stageName, model string, qd quota.Decision, decision auth.Decision, startedAt time.Time, inputChars int) {
	defer resp.Body.Close()

	setSuccessHeaders(w, requestID, stageName, model, qd)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var lastUsage *openaishim.Usage
	contentChars := 0

	parseErr := openaishim.ParseSSELines(resp.Body, func(ev openaishim.SSEEvent) bool {
		if ev.Done {
			fmt.Fprint(w, openaishim.FormatDone())
			if flusher != nil {
				flusher.Flush()
			}
			return false
		}

		fmt.Fprintf(w, "data: %s\n\n", ev.Data)
		if flusher != nil {
			flusher.Flush()
		}

		var chunk streamChunk
		if err := json.Unmarshal(ev.Data, &chunk); err == nil {
			if chunk.Usage != nil {
				lastUsage = chunk.Usage
			}
			for _, c := range chunk.Choices {
				contentChars += len(c.Delta.Content)
			}
		}
		return true
	})

	status := "success"
	var errMsg *string
	if parseErr != nil {
		status = "error"
		msg := parseErr.Error()
		errMsg = &msg
	}

	usage := lastUsage
	if usage == nil && (contentChars > 0 || inputChars > 0) {
		promptEstimate := inputChars / 4
		completionEstimate := contentChars / 4
		usage = &openaishim.Usage{
			PromptTokens:     promptEstimate,
			CompletionTokens: completionEstimate,
			TotalTokens:      promptEstimate + completionEstimate,
		}
	}

	h.enqueueLog(requestID, decision, stageName, model, status, usage, cost(model, usage), time.Since(startedAt), errMsg)
}

func (h *Handler) handleUpstreamError(w http.ResponseWriter, err error, decision auth.Decision, stageName, model string, startedAt time.Time) {
	status := http.StatusInternalServerError
	errType := "internal_error"
	message := "unexpected error calling upstream"

	var uerr *upstream.Error
	if errors.As(err, &uerr) {
		switch uerr.Kind {
		case upstream.KindCircuitOpen, upstream.KindTransient:
			status = http.StatusServiceUnavailable
			errType = "service_unavailable_error"
			message = "upstream is temporarily unavailable"
		case upstream.KindPermanent:
			status = http.StatusBadGateway
			errType = "upstream_error"
			message = "upstream returned an error"
		}
	}

	httpserver.RespondError(w, status, errType, message, "")
	msg := err.Error()
	h.enqueueLog(uuid.New().String(), decision, stageName, model, "error", nil, nil, time.Since(startedAt), &msg)
}

func (h *Handler) enqueueLog(requestID string, decision auth.Decision, stageName, model, status string, usage *openaishim.Usage, costUSD *float64, latency time.Duration, errMsg *string) {
	apiKeyID := decision.APIKeyID
	record := store.RequestLog{
		ID:           uuid.New(),
		UserID:       decision.UserID,
		APIKeyID:     &apiKeyID,
		RequestID:    requestID,
		Stage:        stageName,
		Model:        model,
		LatencyMS:    latency.Milliseconds(),
		Status:       status,
		ErrorMessage: errMsg,
		CostUSD:      costUSD,
		CreatedAt:    time.Now(),
	}
	if usage != nil {
		record.InputTokens = &usage.PromptTokens
		record.OutputTokens = &usage.CompletionTokens
		record.TotalTokens = &usage.TotalTokens
	}
	h.logs.Enqueue(record)
}

func setRateLimitHeaders(w http.ResponseWriter, qd quota.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(qd.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(qd.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(qd.ResetEpoch, 10))
}

func setSuccessHeaders(w http.ResponseWriter, requestID, stageName, model string, qd quota.Decision) {
	w.Header().Set("X-CFX-Request-Id", requestID)
	w.Header().Set("X-CFX-Stage", stageName)
	w.Header().Set("X-CFX-Model-Used", model)
	setRateLimitHeaders(w, qd)
}
