package translator

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"gemini-bridge/internal/models"
	"gemini-bridge/internal/usage"
)

const (
	objectChatCompletion = "chat.completion"
	objectChunk          = "chat.completion.chunk"
	objectModel          = "model"
	objectList           = "list"

	finishReasonStop = "stop"
	responseIDPrefix = "chatcmpl-"
)

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage mirrors the token usage block in OpenAI responses. Values are estimates.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelInfo is a single entry of the models catalog.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the payload of GET /v1/models.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ErrorResponse is the normalised error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
	Type  string      `json:"type"`
}

// ErrorDetail carries the message, error type and HTTP status code.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// ChatCompletionChunk is a server-sent event payload for stream=true requests.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is a choice delta inside a chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries the incremental role/content of a chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ResponseOption customises a ResponseTranslator.
type ResponseOption func(*ResponseTranslator)

// WithClock overrides the time source used for "created" timestamps.
func WithClock(now func() time.Time) ResponseOption {
	return func(t *ResponseTranslator) { t.now = now }
}

// WithIDGenerator overrides the generator used for response ids.
func WithIDGenerator(newID func() string) ResponseOption {
	return func(t *ResponseTranslator) { t.newID = newID }
}

// ResponseTranslator wraps upstream results into OpenAI response envelopes.
// It holds no mutable state and is safe for concurrent use.
type ResponseTranslator struct {
	estimator usage.Estimator
	ownedBy   string
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// NewResponseTranslator builds a translator. A nil estimator falls back to the
// character heuristic.
func NewResponseTranslator(estimator usage.Estimator, ownedBy string, logger *slog.Logger, opts ...ResponseOption) *ResponseTranslator {
	if estimator == nil {
		estimator = usage.Heuristic{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &ResponseTranslator{
		estimator: estimator,
		ownedBy:   ownedBy,
		now:       time.Now,
		newID:     NewResponseID,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewResponseID returns "chatcmpl-" followed by eight hex characters.
func NewResponseID() string {
	return responseIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// TranslateChat builds a single-choice chat completion. The model field echoes
// the name the caller requested. A nil result or missing text yields empty
// content. requestID is used as the response id when non-empty.
func (t *ResponseTranslator) TranslateChat(result *models.Result, requestedModel, requestID string) ChatCompletionResponse {
	id := requestID
	if id == "" {
		id = t.newID()
	}

	var text string
	if result != nil {
		text = result.Text
	}

	promptTokens := t.estimator.Count(result.MetadataString())
	completionTokens := t.estimator.Count(text)

	resp := ChatCompletionResponse{
		ID:      id,
		Object:  objectChatCompletion,
		Created: t.now().Unix(),
		Model:   requestedModel,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    RoleAssistant,
					Content: text,
				},
				FinishReason: finishReasonStop,
			},
		},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}

	t.logger.Debug("converted upstream response", "id", id, "model", requestedModel, "completion_tokens", completionTokens)
	return resp
}

// TranslateModels wraps each upstream model id into a ModelInfo without
// renaming. All entries share one "created" timestamp.
func (t *ResponseTranslator) TranslateModels(ids []string) ModelsResponse {
	created := t.now().Unix()
	data := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		data = append(data, ModelInfo{
			ID:      id,
			Object:  objectModel,
			Created: created,
			OwnedBy: t.ownedBy,
		})
	}
	return ModelsResponse{
		Object: objectList,
		Data:   data,
	}
}

// TranslateError formats an error body.
func TranslateError(message, errType string, statusCode int) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    statusCode,
		},
		Type: "error",
	}
}

// ChunksFromResponse splits a complete response into the chunk sequence sent
// for stream=true: the whole content in one chunk, then a terminal chunk with
// the finish reason. Delivery is not incremental.
func ChunksFromResponse(resp ChatCompletionResponse) []ChatCompletionChunk {
	chunks := make([]ChatCompletionChunk, 0, 2*len(resp.Choices))
	for _, choice := range resp.Choices {
		finish := choice.FinishReason
		chunks = append(chunks,
			ChatCompletionChunk{
				ID:      resp.ID,
				Object:  objectChunk,
				Created: resp.Created,
				Model:   resp.Model,
				Choices: []ChunkChoice{{
					Index: choice.Index,
					Delta: ChunkDelta{Role: choice.Message.Role, Content: choice.Message.Content},
				}},
			},
			ChatCompletionChunk{
				ID:      resp.ID,
				Object:  objectChunk,
				Created: resp.Created,
				Model:   resp.Model,
				Choices: []ChunkChoice{{
					Index:        choice.Index,
					FinishReason: &finish,
				}},
			},
		)
	}
	return chunks
}
