package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gemini-bridge/internal/models"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	errEmptyModel      = errors.New("model must be provided")
	errUnsupportedStop = errors.New("unsupported stop value")
	errInvalidRole     = errors.New("invalid role")
	errInvalidContent  = errors.New("invalid message content")
	errOutOfRange      = errors.New("parameter out of range")
)

var allowedRoles = map[string]struct{}{
	RoleSystem:    {},
	RoleUser:      {},
	RoleAssistant: {},
	RoleTool:      {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload,
// extended with the upstream persona id and file references.
type ChatCompletionRequest struct {
	Model            string
	Messages         []ChatMessage
	Stream           bool
	N                *int
	MaxTokens        *int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
	LogitBias        map[string]float64
	User             string
	PersonaID        string
	Files            []string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model            string             `json:"model"`
		Messages         []ChatMessage      `json:"messages"`
		Stream           bool               `json:"stream"`
		N                *int               `json:"n"`
		MaxTokens        *int               `json:"max_tokens"`
		Temperature      *float64           `json:"temperature"`
		TopP             *float64           `json:"top_p"`
		FrequencyPenalty *float64           `json:"frequency_penalty"`
		PresencePenalty  *float64           `json:"presence_penalty"`
		Stop             json.RawMessage    `json:"stop"`
		LogitBias        map[string]float64 `json:"logit_bias"`
		User             string             `json:"user"`
		GemID            string             `json:"gem_id"`
		Files            []string           `json:"files"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stopValues, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = raw.Model
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.N = raw.N
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.FrequencyPenalty = raw.FrequencyPenalty
	r.PresencePenalty = raw.PresencePenalty
	r.Stop = stopValues
	r.LogitBias = raw.LogitBias
	r.User = raw.User
	r.PersonaID = strings.TrimSpace(raw.GemID)
	r.Files = raw.Files

	return r.Validate()
}

// Validate checks required fields and the numeric parameter ranges.
// An empty message list is allowed.
func (r *ChatCompletionRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return errEmptyModel
	}
	if err := checkFloatRange("temperature", r.Temperature, 0, 2); err != nil {
		return err
	}
	if err := checkFloatRange("top_p", r.TopP, 0, 1); err != nil {
		return err
	}
	if err := checkFloatRange("presence_penalty", r.PresencePenalty, -2, 2); err != nil {
		return err
	}
	if err := checkFloatRange("frequency_penalty", r.FrequencyPenalty, -2, 2); err != nil {
		return err
	}
	if r.N != nil && (*r.N < 1 || *r.N > 20) {
		return fmt.Errorf("%w: n must be between 1 and 20, got %d", errOutOfRange, *r.N)
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// Choices returns the requested number of choices, defaulting to one.
func (r *ChatCompletionRequest) Choices() int {
	if r.N == nil {
		return 1
	}
	return *r.N
}

func checkFloatRange(name string, value *float64, lo, hi float64) error {
	if value == nil {
		return nil
	}
	if *value < lo || *value > hi {
		return fmt.Errorf("%w: %s must be between %g and %g, got %g", errOutOfRange, name, lo, hi, *value)
	}
	return nil
}

// ChatMessage captures a single message within a chat request or response.
type ChatMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCalls  []json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// UnmarshalJSON supports null, string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string            `json:"role"`
		Content    json.RawMessage   `json:"content"`
		Name       string            `json:"name"`
		ToolCalls  []json.RawMessage `json:"tool_calls"`
		ToolCallID string            `json:"tool_call_id"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	m.Name = strings.TrimSpace(raw.Name)
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = raw.ToolCallID

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %q", errInvalidRole, m.Role)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, errUnsupportedStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, errUnsupportedStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, errUnsupportedStop
}

// RequestTranslator converts chat completion requests into upstream call parameters.
// It holds no mutable state and is safe for concurrent use.
type RequestTranslator struct {
	aliases ModelAliases
	logger  *slog.Logger
}

// NewRequestTranslator builds a translator over the given alias table.
// A nil table uses the built-in aliases.
func NewRequestTranslator(aliases ModelAliases, logger *slog.Logger) *RequestTranslator {
	if aliases == nil {
		aliases = NewModelAliases(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestTranslator{aliases: aliases, logger: logger}
}

// KnownModel reports whether model is a target of the alias table.
func (t *RequestTranslator) KnownModel(model string) bool {
	return t.aliases.IsTarget(model)
}

// Translate flattens the message history into a single prompt and resolves the
// model name. Persona, files, temperature and max_tokens are carried over only
// when the caller set them.
func (t *RequestTranslator) Translate(req ChatCompletionRequest) (models.CallParams, error) {
	if err := req.Validate(); err != nil {
		t.logger.Error("translate request failed", "model", req.Model, "err", err)
		return models.CallParams{}, fmt.Errorf("translate request: %w", err)
	}

	if n := countRole(req.Messages, RoleSystem); n > 1 {
		t.logger.Warn("multiple system messages, only the last one is used", "count", n)
	}

	params := models.CallParams{
		Prompt: FlattenMessages(req.Messages),
		Model:  t.aliases.Resolve(strings.TrimSpace(req.Model)),
	}
	if req.PersonaID != "" {
		params.PersonaID = req.PersonaID
	}
	if len(req.Files) > 0 {
		params.Files = append([]string(nil), req.Files...)
	}
	if req.Temperature != nil {
		v := *req.Temperature
		params.Temperature = &v
	}
	if req.MaxTokens != nil {
		v := *req.MaxTokens
		params.MaxTokens = &v
	}

	t.logger.Info("converted chat request", "params", params)
	return params, nil
}

// FlattenMessages renders the conversation as "User: …" / "Assistant: …"
// segments joined by blank lines. The content of the last system message, when
// non-empty, is placed first as "System: …". Other roles are dropped.
func FlattenMessages(messages []ChatMessage) string {
	parts := make([]string, 0, len(messages)+1)
	systemPrompt := ""

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt = msg.Content
		case RoleUser:
			parts = append(parts, "User: "+msg.Content)
		case RoleAssistant:
			parts = append(parts, "Assistant: "+msg.Content)
		}
	}

	if systemPrompt != "" {
		parts = append([]string{"System: " + systemPrompt}, parts...)
	}
	return strings.Join(parts, "\n\n")
}

func countRole(messages []ChatMessage, role string) int {
	n := 0
	for _, msg := range messages {
		if msg.Role == role {
			n++
		}
	}
	return n
}
