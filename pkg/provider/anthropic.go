package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bytechat/engine/pkg/domain"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 1024
)

// anthropicAdapter speaks the Anthropic messages wire format: the system
// instruction is a dedicated top-level field, never a role in the message
// array.
type anthropicAdapter struct {
	baseURL string
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

func (a *anthropicAdapter) Target() domain.ProviderTarget { return domain.ProviderAnthropic }

func (a *anthropicAdapter) NewRequest(ctx context.Context, req domain.StreamRequest) (*http.Request, error) {
	body := anthropicRequest{
		Model:       req.Model,
		System:      req.SystemPrompt(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = anthropicDefaultMaxTokens
	}

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		content, err := anthropicContents(m)
		if err != nil {
			return nil, err
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: string(m.Role), Content: content})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling messages request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("x-api-key", req.Credential.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	return httpReq, nil
}

func anthropicContents(m domain.Message) ([]anthropicContent, error) {
	if len(m.Parts) == 0 {
		return []anthropicContent{{Type: "text", Text: m.Content}}, nil
	}

	out := make([]anthropicContent, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case domain.ContentPartTypeText:
			out = append(out, anthropicContent{Type: "text", Text: p.Text})
		case domain.ContentPartTypeImage:
			out = append(out, anthropicContent{Type: "image", Source: anthropicImageSource(p)})
		case domain.ContentPartTypeFile:
			out = append(out, anthropicContent{
				Type:   "document",
				Source: &anthropicSource{Type: "base64", MediaType: p.MimeType, Data: p.Data},
			})
		default:
			return nil, fmt.Errorf("part type %q is not supported by anthropic", p.Type)
		}
	}
	return out, nil
}

func anthropicImageSource(p domain.ContentPart) *anthropicSource {
	if p.URL != "" {
		return &anthropicSource{Type: "url", URL: p.URL}
	}
	return &anthropicSource{Type: "base64", MediaType: p.MimeType, Data: p.Data}
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *anthropicAdapter) ExtractDelta(payload []byte) (domain.Delta, error) {
	var event anthropicEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Delta{}, &domain.DecodeError{Payload: string(payload), Err: err}
	}
	if event.Error != nil || event.Type == "error" {
		message := "unknown upstream error"
		if event.Error != nil {
			message = event.Error.Message
		}
		return domain.Delta{}, &domain.UpstreamPayloadError{Message: message}
	}
	if event.Type == "content_block_delta" && event.Delta.Type == "text_delta" {
		return domain.Delta{Text: event.Delta.Text}, nil
	}
	// message_start, ping, message_stop and friends carry no text.
	return domain.Delta{}, nil
}
