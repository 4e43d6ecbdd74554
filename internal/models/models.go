package models

import (
	"encoding/json"
	"log/slog"
	"unicode/utf8"
)

const promptPreviewRunes = 200

// CallParams is the flattened, upstream-ready form of a chat completion request.
// Optional fields stay at their zero value (empty string, nil slice, nil pointer)
// when the caller did not set them.
type CallParams struct {
	Prompt      string
	Model       string
	PersonaID   string
	Files       []string
	Temperature *float64
	MaxTokens   *int
}

// LogValue renders the parameters as a structured group, omitting absent fields.
func (p CallParams) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("model", p.Model),
		slog.Int("prompt_chars", utf8.RuneCountInString(p.Prompt)),
		slog.String("prompt_preview", preview(p.Prompt, promptPreviewRunes)),
	}
	if p.PersonaID != "" {
		attrs = append(attrs, slog.String("persona", p.PersonaID))
	}
	if len(p.Files) > 0 {
		attrs = append(attrs, slog.Any("files", p.Files))
	}
	if p.Temperature != nil {
		attrs = append(attrs, slog.Float64("temperature", *p.Temperature))
	}
	if p.MaxTokens != nil {
		attrs = append(attrs, slog.Int("max_tokens", *p.MaxTokens))
	}
	return slog.GroupValue(attrs...)
}

// Result is what the upstream returns for a single generation.
type Result struct {
	Text     string
	Metadata map[string]any
}

// MetadataString returns the metadata in its string form, or "" when there is none.
func (r *Result) MetadataString() string {
	if r == nil || len(r.Metadata) == 0 {
		return ""
	}
	data, err := json.Marshal(r.Metadata)
	if err != nil {
		slog.Debug("result metadata not serialisable", "err", err)
		return ""
	}
	return string(data)
}

// Persona is an addressable upstream persona with its own standing instructions.
type Persona struct {
	ID           string
	Name         string
	Instructions string
}

func preview(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
