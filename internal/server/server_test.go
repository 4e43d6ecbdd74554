package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"gemini-bridge/internal/config"
	"gemini-bridge/internal/models"
	"gemini-bridge/internal/provider"
	"gemini-bridge/internal/router"
	"gemini-bridge/internal/translator"
	"gemini-bridge/internal/usage"
)

type fakeProvider struct {
	result *models.Result
	err    error
	panics bool
}

func (f *fakeProvider) Name() string     { return "fake" }
func (f *fakeProvider) Models() []string { return []string{"gemini-2.5-flash", "gemini-2.5-pro"} }
func (f *fakeProvider) Personas() []models.Persona {
	return []models.Persona{{ID: "pirate", Name: "Pirate", Instructions: "Arr."}}
}
func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) Generate(context.Context, models.CallParams) (*models.Result, error) {
	if f.panics {
		panic("boom")
	}
	return f.result, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, p provider.Provider, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	logger := discardLogger()
	responses := translator.NewResponseTranslator(usage.Heuristic{}, cfg.Upstream.OwnedBy, logger,
		translator.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
		translator.WithIDGenerator(func() string { return "chatcmpl-server01" }),
	)
	rt, err := router.New(p, translator.NewRequestTranslator(nil, logger), responses, logger)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	srv, err := New(cfg, rt, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) translator.ErrorResponse {
	t.Helper()
	var body translator.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	if body.Type != "error" {
		t.Fatalf("expected top-level type \"error\", got %q", body.Type)
	}
	if body.Error.Code != rec.Code {
		t.Fatalf("error code %d does not match status %d", body.Error.Code, rec.Code)
	}
	return body
}

const chatBody = `{"model":"gpt-4","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`

func TestHealthAndRoot(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{}, nil)

	rec := do(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var health map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "healthy" || health["service"] != "Gemini API Wrapper" {
		t.Fatalf("unexpected health body %#v", health)
	}

	rec = do(t, srv, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Welcome to Gemini API Wrapper") {
		t.Fatalf("unexpected root response %d %s", rec.Code, rec.Body.String())
	}
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{}, nil)

	rec := do(t, srv, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var list translator.ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 2 || list.Data[0].ID != "gemini-2.5-flash" {
		t.Fatalf("unexpected models %#v", list)
	}
	if list.Data[0].OwnedBy != "google" {
		t.Fatalf("unexpected owner %q", list.Data[0].OwnedBy)
	}
}

func TestGetModel(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{}, nil)

	rec := do(t, srv, http.MethodGet, "/v1/models/gemini-2.5-pro", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var info translator.ModelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode model: %v", err)
	}
	if info.ID != "gemini-2.5-pro" || info.Object != "model" {
		t.Fatalf("unexpected model %#v", info)
	}

	rec = do(t, srv, http.MethodGet, "/v1/models/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Type != errTypeInvalidRequest {
		t.Fatalf("unexpected error type %q", body.Error.Type)
	}
}

func TestListPersonas(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{}, nil)

	rec := do(t, srv, http.MethodGet, "/v1/personas", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var list personaList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode personas: %v", err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "pirate" || list.Data[0].Name != "Pirate" {
		t.Fatalf("unexpected personas %#v", list)
	}
	if strings.Contains(rec.Body.String(), "Arr.") {
		t.Fatal("persona instructions must not be exposed")
	}
}

func TestChatCompletion(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{result: &models.Result{Text: "Hello!"}}, nil)

	rec := do(t, srv, http.MethodPost, "/v1/chat/completions", chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	var resp translator.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "chatcmpl-server01" || resp.Object != "chat.completion" || resp.Created != 1700000000 {
		t.Fatalf("unexpected envelope %#v", resp)
	}
	if resp.Model != "gpt-4" {
		t.Fatalf("expected requested model, got %q", resp.Model)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected one choice, got %d", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Index != 0 || choice.FinishReason != "stop" || choice.Message.Role != "assistant" || choice.Message.Content != "Hello!" {
		t.Fatalf("unexpected choice %#v", choice)
	}
	if resp.Usage.CompletionTokens != 1 || resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Fatalf("unexpected usage %#v", resp.Usage)
	}
}

func TestChatCompletionStream(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{result: &models.Result{Text: "Hello!"}}, nil)

	body := `{"model":"gemini-2.5-flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := do(t, srv, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %q", len(events), rec.Body.String())
	}
	if events[2] != "data: [DONE]" {
		t.Fatalf("expected terminator, got %q", events[2])
	}

	var first, last translator.ChatCompletionChunk
	if err := json.Unmarshal([]byte(strings.TrimPrefix(events[0], "data: ")), &first); err != nil {
		t.Fatalf("decode first chunk: %v", err)
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(events[1], "data: ")), &last); err != nil {
		t.Fatalf("decode last chunk: %v", err)
	}
	if first.Object != "chat.completion.chunk" || first.Choices[0].Delta.Content != "Hello!" {
		t.Fatalf("unexpected first chunk %#v", first)
	}
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Fatalf("unexpected last chunk %#v", last)
	}
}

func TestChatCompletionRejectsMultipleChoices(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{result: &models.Result{Text: "unused"}}, nil)

	rec := do(t, srv, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4","n":2,"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Type != errTypeInvalidRequest {
		t.Fatalf("unexpected error type %q", body.Error.Type)
	}
}

func TestChatCompletionBadPayloads(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{result: &models.Result{Text: "unused"}}, func(cfg *config.Config) {
		cfg.Server.BodyLimitBytes = 256
	})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"malformed json", `{"model":`, http.StatusBadRequest},
		{"missing model", `{"messages":[]}`, http.StatusBadRequest},
		{"temperature out of range", `{"model":"gpt-4","temperature":5}`, http.StatusBadRequest},
		{"unknown role", `{"model":"gpt-4","messages":[{"role":"robot","content":"x"}]}`, http.StatusBadRequest},
		{"trailing object", `{"model":"gpt-4"}{"model":"gpt-4"}`, http.StatusBadRequest},
		{"too large", `{"model":"gpt-4","messages":[{"role":"user","content":"` + strings.Repeat("a", 512) + `"}]}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv, http.MethodPost, "/v1/chat/completions", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if body := decodeError(t, rec); body.Error.Type != errTypeInvalidRequest {
				t.Fatalf("unexpected error type %q", body.Error.Type)
			}
		})
	}
}

func TestChatCompletionUpstreamErrors(t *testing.T) {
	connRefused := provider.NewError(provider.KindUnknown, "gemini request failed", &url.Error{
		Op:  "Post",
		URL: "http://127.0.0.1:1/v1beta/models/gemini-2.5-pro:generateContent",
		Err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused"),
	})
	tests := []struct {
		name    string
		err     error
		status  int
		errType string
		message string
	}{
		{"unauthenticated", provider.NewError(provider.KindUnauthenticated, "bad key", nil), http.StatusUnauthorized, errTypeAuthentication, "Authentication with Gemini failed"},
		{"missing credentials", provider.NewError(provider.KindUnauthenticated, "", provider.ErrMissingCredentials), http.StatusUnauthorized, errTypeAuthentication, "Authentication with Gemini failed"},
		{"rate limited", provider.NewError(provider.KindRateLimited, "quota", nil), http.StatusTooManyRequests, errTypeAPI, "Rate limit exceeded"},
		{"model unavailable", provider.NewError(provider.KindModelUnavailable, "not found", nil), http.StatusNotFound, errTypeAPI, "Model 'gpt-4' not available"},
		{"invalid request", provider.NewError(provider.KindInvalidRequest, "prompt is empty", nil), http.StatusBadRequest, errTypeInvalidRequest, "prompt is empty"},
		{"deadline", fmt.Errorf("gemini request failed: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, errTypeAPI, "Upstream request timed out"},
		{"unknown", provider.NewError(provider.KindUnknown, "status 500", nil), http.StatusInternalServerError, errTypeAPI, "Failed to generate completion"},
		{"untagged quota text", errors.New("daily quota reached"), http.StatusTooManyRequests, errTypeAPI, "Rate limit exceeded"},
		{"untagged other", errors.New("connection reset"), http.StatusInternalServerError, errTypeAPI, "Failed to generate completion"},
		{"connection refused", connRefused, http.StatusInternalServerError, errTypeAPI, "Failed to generate completion"},
		{"untagged connection refused", connRefused.Err, http.StatusInternalServerError, errTypeAPI, "Failed to generate completion"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeProvider{err: tt.err}, nil)

			rec := do(t, srv, http.MethodPost, "/v1/chat/completions", chatBody)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body.Error.Type != tt.errType || body.Error.Message != tt.message {
				t.Fatalf("unexpected error body %#v", body)
			}
		})
	}
}

func TestPanicRecovered(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{panics: true}, nil)

	rec := do(t, srv, http.MethodPost, "/v1/chat/completions", chatBody)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Message != "Internal server error" || body.Error.Type != errTypeInternal {
		t.Fatalf("unexpected error body %#v", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{}, nil)

	rec := do(t, srv, http.MethodGet, "/v1/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	decodeError(t, rec)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{}, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 1, Window: time.Minute}
	})

	if rec := do(t, srv, http.MethodGet, "/v1/models", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	rec := do(t, srv, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error.Type != errTypeRateLimit {
		t.Fatalf("unexpected error type %q", body.Error.Type)
	}

	if rec := do(t, srv, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must not be rate limited, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{result: &models.Result{Text: "ok"}}, nil)
	do(t, srv, http.MethodPost, "/v1/chat/completions", chatBody)

	rec := do(t, srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	for _, name := range []string{"gemini_bridge_requests_total", "gemini_bridge_upstream_requests_total", "gemini_bridge_estimated_tokens_total"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{}, nil)

	rec := do(t, srv, http.MethodGet, "/health", "")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected nosniff header")
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatal("expected request id header")
	}
}
