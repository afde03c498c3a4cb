package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"

	"github.com/bytechat/engine/pkg/domain"
)

// openAIAdapter speaks the OpenAI chat-completions wire format: a unified
// message array with the system instruction as a leading system-role entry.
type openAIAdapter struct {
	baseURL string
}

func (a *openAIAdapter) Target() domain.ProviderTarget { return domain.ProviderOpenAI }

func (a *openAIAdapter) NewRequest(ctx context.Context, req domain.StreamRequest) (*http.Request, error) {
	messages, err := openAIMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	body := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	return httpReq, nil
}

func openAIMessages(messages []domain.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		if !lo.Contains(domain.SupportedRoles, m.Role) {
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}

		if len(m.Parts) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case domain.ContentPartTypeText:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case domain.ContentPartTypeImage:
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: imageURL(p)},
				})
			default:
				return nil, fmt.Errorf("part type %q is not supported by openai", p.Type)
			}
		}
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), MultiContent: parts})
	}
	return out, nil
}

func imageURL(p domain.ContentPart) string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", p.MimeType, p.Data)
}

type openAIChunk struct {
	Error   *openAIError `json:"error"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (a *openAIAdapter) ExtractDelta(payload []byte) (domain.Delta, error) {
	var chunk openAIChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return domain.Delta{}, &domain.DecodeError{Payload: string(payload), Err: err}
	}
	if chunk.Error != nil {
		return domain.Delta{}, &domain.UpstreamPayloadError{Message: chunk.Error.Message}
	}
	if len(chunk.Choices) == 0 {
		return domain.Delta{}, nil
	}
	return domain.Delta{Text: chunk.Choices[0].Delta.Content}, nil
}
