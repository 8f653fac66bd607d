package proxy

import (
	"encoding/json"
	"fmt"
)

// ChatMessage represents a single message in the OpenAI chat format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the part of an OpenAI chat completions request the
// proxy looks at. The body is forwarded with its other fields intact.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
	User     string        `json:"user,omitempty"`
}

// ChatChoice represents a single choice in the response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is the OpenAI chat completions response format.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Report  *Report      `json:"_shieldwall,omitempty"`
}

// Report summarizes what the proxy did to a response.
type Report struct {
	RequestID string         `json:"request_id,omitempty"`
	Verdict   string         `json:"verdict"`
	Choices   []ChoiceReport `json:"choices,omitempty"`
	// RetryAfter is set on rate limited responses, in seconds.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// ChoiceReport is the render decision for one choice.
type ChoiceReport struct {
	Index     int      `json:"index"`
	RequestID string   `json:"request_id"`
	Action    string   `json:"action"`
	RuleName  string   `json:"rule_name,omitempty"`
	Verdict   string   `json:"verdict"`
	Issues    []string `json:"issues"`
}

// ParseChatRequest parses an OpenAI chat completion request from JSON bytes.
func ParseChatRequest(data []byte) (*ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing chat request: %w", err)
	}
	return &req, nil
}

// ParseChatResponse parses an OpenAI chat completion response from JSON bytes.
func ParseChatResponse(data []byte) (*ChatCompletionResponse, error) {
	var resp ChatCompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing chat response: %w", err)
	}
	return &resp, nil
}

// MakeDenyResponse creates a chat completion response carrying message as
// the assistant's reply.
func MakeDenyResponse(message string, model string, report *Report) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:     "shieldwall-deny",
		Object: "chat.completion",
		Model:  model,
		Report: report,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    "assistant",
					Content: message,
				},
				FinishReason: "stop",
			},
		},
	}
}

// disableStreaming rewrites a request body so the backend answers in one
// piece. Unknown fields are preserved.
func disableStreaming(body []byte) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	raw["stream"] = json.RawMessage("false")
	return json.Marshal(raw)
}

// rewriteChoices replaces the choices of a raw backend response and adds the
// report, without disturbing any other fields.
func rewriteChoices(respBody []byte, choices []ChatChoice, report *Report) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, err
	}

	choiceBytes, err := json.Marshal(choices)
	if err != nil {
		return nil, err
	}
	reportBytes, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}
	raw["choices"] = choiceBytes
	raw["_shieldwall"] = reportBytes

	return json.Marshal(raw)
}
