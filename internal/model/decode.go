package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// errNotThisShape signals a decoder that the payload is some other variant,
// as opposed to a payload that matched but is invalid.
var errNotThisShape = errors.New("payload does not match this shape")

// decoder attempts one known response shape. Decoders are tried in
// priority order; the first that matches wins.
type decoder struct {
	name   string
	decode func(raw []byte) (*Output, error)
}

var decoders = []decoder{
	{"draft_object", decodeDraftObject},
	{"chat_envelope", decodeChatEnvelope},
	{"fenced_json", decodeFencedJSON},
}

// Decode turns a raw model response into a validated Output by probing the
// known response shapes in order. A body matching no shape, or matching a
// shape but missing markdown, is an error the caller treats as retryable.
func Decode(raw []byte) (*Output, error) {
	var probeErrs []string
	for _, d := range decoders {
		out, err := d.decode(raw)
		if errors.Is(err, errNotThisShape) {
			probeErrs = append(probeErrs, d.name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("decode model output (%s): %w", d.name, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("model output matched no known shape (tried %s)", strings.Join(probeErrs, ", "))
}

// decodeDraftObject handles the canonical shape: the draft JSON object at
// the top level.
func decodeDraftObject(raw []byte) (*Output, error) {
	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errNotThisShape
	}
	if strings.TrimSpace(out.Markdown) == "" {
		// A top-level object without markdown might still be an envelope.
		if looksLikeEnvelope(raw) {
			return nil, errNotThisShape
		}
		return nil, errors.New("response missing markdown")
	}
	return &out, nil
}

// chatEnvelope is the completion-style wrapper some backends return, with
// the draft JSON embedded in the message content.
type chatEnvelope struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func looksLikeEnvelope(raw []byte) bool {
	var env chatEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return len(env.Choices) > 0
}

func decodeChatEnvelope(raw []byte) (*Output, error) {
	var env chatEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errNotThisShape
	}
	if len(env.Choices) == 0 {
		return nil, errNotThisShape
	}

	content := stripFences(env.Choices[0].Message.Content)
	var out Output
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("embedded content is not draft JSON: %w", err)
	}
	if strings.TrimSpace(out.Markdown) == "" {
		return nil, errors.New("response missing markdown")
	}
	if out.Usage == nil && env.Usage != nil {
		out.Usage = &UsageInfo{
			InputTokens:  env.Usage.PromptTokens,
			OutputTokens: env.Usage.CompletionTokens,
			TotalTokens:  env.Usage.TotalTokens,
		}
	}
	return &out, nil
}

// decodeFencedJSON handles a bare string body whose content is the draft
// JSON wrapped in a markdown code fence.
func decodeFencedJSON(raw []byte) (*Output, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Not a JSON string; try the raw bytes as fenced text directly.
		s = string(raw)
	}
	stripped := stripFences(s)
	if !strings.HasPrefix(strings.TrimSpace(stripped), "{") {
		return nil, errNotThisShape
	}
	var out Output
	if err := json.Unmarshal([]byte(stripped), &out); err != nil {
		return nil, errNotThisShape
	}
	if strings.TrimSpace(out.Markdown) == "" {
		return nil, errors.New("response missing markdown")
	}
	return &out, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		// Drop the language tag line.
		first := strings.TrimSpace(t[:i])
		if first == "" || !strings.ContainsAny(first, "{}") {
			t = t[i+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
