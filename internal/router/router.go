package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gemini-bridge/internal/metrics"
	"gemini-bridge/internal/models"
	"gemini-bridge/internal/provider"
	"gemini-bridge/internal/translator"
)

// otherModel labels upstream metrics for models outside the catalog and the
// alias targets.
const otherModel = "other"

// Router runs chat requests through translation and the upstream provider.
type Router struct {
	provider  provider.Provider
	catalog   map[string]struct{}
	requests  *translator.RequestTranslator
	responses *translator.ResponseTranslator
	logger    *slog.Logger
}

// New constructs a router over the given provider and translators.
func New(p provider.Provider, requests *translator.RequestTranslator, responses *translator.ResponseTranslator, logger *slog.Logger) (*Router, error) {
	if p == nil {
		return nil, errors.New("provider must not be nil")
	}
	if requests == nil || responses == nil {
		return nil, errors.New("translators must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	catalog := make(map[string]struct{})
	for _, id := range p.Models() {
		catalog[id] = struct{}{}
	}
	return &Router{
		provider:  p,
		catalog:   catalog,
		requests:  requests,
		responses: responses,
		logger:    logger,
	}, nil
}

// Chat translates req, calls the upstream and wraps the result. The response
// model echoes req.Model. Translation failures are tagged as invalid requests.
func (r *Router) Chat(ctx context.Context, req translator.ChatCompletionRequest) (translator.ChatCompletionResponse, error) {
	params, err := r.requests.Translate(req)
	if err != nil {
		return translator.ChatCompletionResponse{}, provider.NewError(provider.KindInvalidRequest, err.Error(), err)
	}

	label := r.metricsModel(params.Model)
	start := time.Now()
	result, err := r.provider.Generate(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
		}
		metrics.ObserveUpstream(label, outcome, elapsed)
		r.logger.Error("upstream generation failed",
			"provider", r.provider.Name(),
			"model", params.Model,
			"kind", provider.KindOf(err).String(),
			"err", err,
		)
		return translator.ChatCompletionResponse{}, fmt.Errorf("provider %s generate: %w", r.provider.Name(), err)
	}
	metrics.ObserveUpstream(label, metrics.OutcomeSuccess, elapsed)

	resp := r.responses.TranslateChat(result, req.Model, "")
	metrics.AddEstimatedTokens(label, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

func (r *Router) metricsModel(model string) string {
	if _, ok := r.catalog[model]; ok || r.requests.KnownModel(model) {
		return model
	}
	return otherModel
}

// Models returns the upstream model catalog.
func (r *Router) Models() translator.ModelsResponse {
	return r.responses.TranslateModels(r.provider.Models())
}

// Model looks up a single catalog entry by id.
func (r *Router) Model(id string) (translator.ModelInfo, bool) {
	for _, info := range r.Models().Data {
		if info.ID == id {
			return info, true
		}
	}
	return translator.ModelInfo{}, false
}

// Personas returns the personas the upstream can be addressed as.
func (r *Router) Personas() []models.Persona {
	return r.provider.Personas()
}
