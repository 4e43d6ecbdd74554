package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"gemini-bridge/internal/config"
	"gemini-bridge/internal/models"
	"gemini-bridge/internal/provider"
)

const (
	contentTypeJSON  = "application/json"
	userAgent        = "gemini-bridge/1.0"
	apiKeyHeader     = "x-goog-api-key"
	unspecifiedModel = "unspecified"
	maxResponseBytes = 16 << 20
	defaultMIMEType  = "application/octet-stream"
)

// Provider talks to the Gemini generateContent REST API.
type Provider struct {
	name         string
	apiKey       string
	baseURL      string
	client       *http.Client
	models       []string
	defaultModel string
	personas     map[string]models.Persona
}

// New creates a Gemini provider. An empty API key is accepted; every Generate
// call then fails as unauthenticated.
func New(name string, cfg config.UpstreamConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	personas := make(map[string]models.Persona, len(cfg.Personas))
	for id, p := range cfg.Personas {
		display := p.Name
		if display == "" {
			display = id
		}
		personas[id] = models.Persona{ID: id, Name: display, Instructions: p.Instructions}
	}

	return &Provider{
		name:         name,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		baseURL:      baseURL,
		client:       client,
		models:       append([]string(nil), cfg.Models...),
		defaultModel: cfg.DefaultModel,
		personas:     personas,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Models() []string {
	result := make([]string, len(p.models))
	copy(result, p.models)
	return result
}

// Personas returns the configured personas sorted by id.
func (p *Provider) Personas() []models.Persona {
	result := make([]models.Persona, 0, len(p.personas))
	for _, persona := range p.personas {
		result = append(result, persona)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Close releases idle upstream connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *Provider) Generate(ctx context.Context, params models.CallParams) (*models.Result, error) {
	if p.apiKey == "" {
		return nil, provider.NewError(provider.KindUnauthenticated, "no API key configured", provider.ErrMissingCredentials)
	}

	payload, err := p.buildPayload(params)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, url.PathEscape(p.upstreamModel(params.Model)))
	httpReq, err := p.newRequest(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.NewError(provider.KindUnknown, "gemini request failed", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, provider.NewError(provider.KindUnknown, "read gemini response", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp.StatusCode, body)
	}
	if !gjson.ValidBytes(body) {
		return nil, provider.NewError(provider.KindUnknown, fmt.Sprintf("decode gemini response: invalid JSON (%d bytes)", len(body)), nil)
	}

	return parseResult(body), nil
}

func (p *Provider) upstreamModel(model string) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	if model == "" || model == unspecifiedModel {
		return p.defaultModel
	}
	return model
}

func (p *Provider) newRequest(ctx context.Context, endpoint string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, provider.NewError(provider.KindUnknown, "construct request", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(apiKeyHeader, p.apiKey)
	return req, nil
}

type payloadBuilder struct {
	raw []byte
	err error
}

func (b *payloadBuilder) set(path string, value any) {
	if b.err != nil {
		return
	}
	b.raw, b.err = sjson.SetBytes(b.raw, path, value)
}

func (p *Provider) buildPayload(params models.CallParams) ([]byte, error) {
	b := &payloadBuilder{raw: []byte(`{"contents":[{"role":"user","parts":[]}]}`)}

	for _, ref := range params.Files {
		b.set("contents.0.parts.-1", map[string]any{
			"fileData": map[string]string{
				"fileUri":  ref,
				"mimeType": mimeTypeFor(ref),
			},
		})
	}
	b.set("contents.0.parts.-1", map[string]string{"text": params.Prompt})

	if params.PersonaID != "" {
		persona, ok := p.personas[params.PersonaID]
		if !ok {
			return nil, provider.NewError(provider.KindInvalidRequest, fmt.Sprintf("persona %q", params.PersonaID), provider.ErrUnknownPersona)
		}
		b.set("systemInstruction.parts.0.text", persona.Instructions)
	}
	if params.Temperature != nil {
		b.set("generationConfig.temperature", *params.Temperature)
	}
	if params.MaxTokens != nil {
		b.set("generationConfig.maxOutputTokens", *params.MaxTokens)
	}

	if b.err != nil {
		return nil, provider.NewError(provider.KindUnknown, "build gemini payload", b.err)
	}
	return b.raw, nil
}

func mimeTypeFor(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		ref = u.Path
	}
	if ext := path.Ext(ref); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return defaultMIMEType
}

func parseResult(body []byte) *models.Result {
	root := gjson.ParseBytes(body)
	candidate := root.Get("candidates.0")

	var text strings.Builder
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("thought").Bool() {
			return true
		}
		text.WriteString(part.Get("text").String())
		return true
	})

	metadata := make(map[string]any)
	if v := root.Get("modelVersion"); v.Exists() {
		metadata["model_version"] = v.String()
	}
	if v := root.Get("responseId"); v.Exists() {
		metadata["response_id"] = v.String()
	}
	if v := candidate.Get("finishReason"); v.Exists() {
		metadata["finish_reason"] = v.String()
	}
	if v := root.Get("promptFeedback.blockReason"); v.Exists() {
		metadata["block_reason"] = v.String()
	}
	if v := root.Get("usageMetadata"); v.IsObject() {
		metadata["usage"] = v.Value()
	}

	return &models.Result{
		Text:     text.String(),
		Metadata: metadata,
	}
}

func parseAPIError(status int, body []byte) error {
	root := gjson.ParseBytes(body)
	message := root.Get("error.message").String()
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(status)
	}

	kind := classify(status, root.Get("error.status").String())
	root.Get("error.details.#.reason").ForEach(func(_, reason gjson.Result) bool {
		if reason.String() == "API_KEY_INVALID" {
			kind = provider.KindUnauthenticated
			return false
		}
		return true
	})

	return provider.NewError(kind, fmt.Sprintf("gemini error status %d: %s", status, message), nil)
}

func classify(status int, rpcStatus string) provider.Kind {
	switch rpcStatus {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return provider.KindUnauthenticated
	case "RESOURCE_EXHAUSTED":
		return provider.KindRateLimited
	case "NOT_FOUND":
		return provider.KindModelUnavailable
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION":
		return provider.KindInvalidRequest
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return provider.KindUnauthenticated
	case http.StatusTooManyRequests:
		return provider.KindRateLimited
	case http.StatusNotFound:
		return provider.KindModelUnavailable
	case http.StatusBadRequest:
		return provider.KindInvalidRequest
	default:
		return provider.KindUnknown
	}
}
