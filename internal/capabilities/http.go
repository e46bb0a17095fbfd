// Package capabilities provides the built-in Execute capabilities the
// engine registers out of the box. Workers with domain-specific behavior
// register their own implementations; these exist so the engine is usable
// without any.
package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskengine/internal/executor"
	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/resilience"
)

// KeyHTTP is the executor key the HTTP capability registers under.
const KeyHTTP = "http"

const maxResponseBytes = 10 << 20

// ErrCircuitOpen is returned while the capability's circuit breaker is
// rejecting calls after a run of failures; it is retriable.
var ErrCircuitOpen = errors.New("capabilities: http circuit open")

// HTTPCapability performs an outbound HTTP request described by the task's
// params (url, method, headers, body), guarded by a circuit breaker so a
// flapping endpoint doesn't burn the queue's retry budget.
type HTTPCapability struct {
	client  *http.Client
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer
}

// NewHTTPCapability builds the capability; a nil client gets a pooled
// default.
func NewHTTPCapability(client *http.Client) *HTTPCapability {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPCapability{
		client:  client,
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
		tracer:  otel.Tracer("taskengine-http"),
	}
}

// Execute sends the request and returns the parsed response body. A 4xx
// response is a fatal error (the request itself is wrong); a 5xx or
// transport error is retriable.
func (h *HTTPCapability) Execute(ctx context.Context, task model.Task) (map[string]interface{}, []model.Task, error) {
	url, _ := task.Params["url"].(string)
	if url == "" {
		return nil, nil, fmt.Errorf("capabilities: http task %s has no url param", task.ID)
	}
	if !h.breaker.Allow() {
		return nil, nil, executor.Retriable(ErrCircuitOpen)
	}

	method, _ := task.Params["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	ctx, span := h.tracer.Start(ctx, "http.execute",
		trace.WithAttributes(attribute.String("url", url), attribute.String("method", method)))
	defer span.End()

	var body io.Reader
	if raw, ok := task.Params["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("capabilities: marshal body: %w", err)
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("capabilities: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)
	if hdrs, ok := task.Params["headers"].(map[string]interface{}); ok {
		for k, v := range hdrs {
			if sv, ok := v.(string); ok {
				req.Header.Set(k, sv)
			}
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		h.breaker.RecordResult(false)
		return nil, nil, executor.Retriable(fmt.Errorf("capabilities: execute request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		h.breaker.RecordResult(false)
		return nil, nil, executor.Retriable(fmt.Errorf("capabilities: read response: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode >= 500:
		h.breaker.RecordResult(false)
		return nil, nil, executor.Retriable(fmt.Errorf("capabilities: http %d: %s", resp.StatusCode, string(respBody)))
	case resp.StatusCode >= 400:
		h.breaker.RecordResult(false)
		return nil, nil, fmt.Errorf("capabilities: http %d: %s", resp.StatusCode, string(respBody))
	}
	h.breaker.RecordResult(true)

	var result map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			result = map[string]interface{}{"body": string(respBody)}
		}
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	result["status_code"] = resp.StatusCode
	return result, nil, nil
}
