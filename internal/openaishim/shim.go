// Package openaishim implements the OpenAI-compatible request/response
// surface: validation, stage rewriting, and SSE framing.
package openaishim

import "encoding/json"

// ChatMessage is one entry in a chat-completions "messages" array.
type ChatMessage struct {
	Role    string `json:"role" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// knownRequestFields are the top-level keys ChatCompletionRequest models
// explicitly; everything else round-trips through Extra.
var knownRequestFields = map[string]struct{}{
	"messages":    {},
	"model":       {},
	"stream":      {},
	"temperature": {},
	"max_tokens":  {},
}

// ChatCompletionRequest is the inbound request body. The Model field is
// accepted but ignored; the gateway always rewrites it to the
// stage-resolved model. Any other OpenAI-compatible field the client sends
// (top_p, n, stop, presence_penalty, frequency_penalty, tools,
// response_format, user, ...) is preserved verbatim in Extra and forwarded
// upstream unchanged, so rewriting a request is a shallow copy with only
// model (and, when absent, stream) replaced — never a lossy re-encoding.
type ChatCompletionRequest struct {
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Model       string        `json:"model,omitempty"`
	Stream      *bool         `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields normally and stashes every other
// top-level key in Extra.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type known ChatCompletionRequest
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for field := range knownRequestFields {
		delete(raw, field)
	}

	*r = ChatCompletionRequest(k)
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}

// MarshalJSON re-assembles the request body from Extra plus the known
// fields, so unknown client fields survive a decode/rewrite/encode cycle.
func (r ChatCompletionRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+5)
	for k, v := range r.Extra {
		out[k] = v
	}

	messages, err := json.Marshal(r.Messages)
	if err != nil {
		return nil, err
	}
	out["messages"] = messages

	model, err := json.Marshal(r.Model)
	if err != nil {
		return nil, err
	}
	out["model"] = model

	if err := setOrDelete(out, "stream", r.Stream); err != nil {
		return nil, err
	}
	if err := setOrDelete(out, "temperature", r.Temperature); err != nil {
		return nil, err
	}
	if err := setOrDelete(out, "max_tokens", r.MaxTokens); err != nil {
		return nil, err
	}

	return json.Marshal(out)
}

// setOrDelete marshals v into out[key] when v is a non-nil pointer, and
// removes any stale Extra entry for key otherwise.
func setOrDelete[T any](out map[string]json.RawMessage, key string, v *T) error {
	if v == nil {
		delete(out, key)
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out[key] = b
	return nil
}

// IsStreaming reports whether the request asked for a streamed response.
// Absent defaults to false.
func (r ChatCompletionRequest) IsStreaming() bool {
	return r.Stream != nil && *r.Stream
}

// Rewrite returns a copy of r with Model replaced by the stage-resolved
// model and Stream defaulted to false if absent. All other fields,
// including anything captured in Extra, pass through unchanged.
func Rewrite(r ChatCompletionRequest, model string) ChatCompletionRequest {
	out := r
	out.Model = model
	if out.Stream == nil {
		streaming := false
		out.Stream = &streaming
	}
	return out
}

// Usage mirrors the upstream token accounting block, when present.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
