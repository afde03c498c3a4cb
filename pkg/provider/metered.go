package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bytechat/engine/pkg/domain"
)

// meteredAdapter speaks to the ByteChat backend proxy. The identity token
// travels in the request body; the backend verifies it, selects the upstream
// provider server-side, forwards OpenAI-shaped chunks and interleaves
// token_update control frames carrying the authoritative balance.
type meteredAdapter struct {
	baseURL string
}

type meteredRequest struct {
	AccessToken string           `json:"access_token"`
	Messages    []meteredMessage `json:"messages"`
	Model       string           `json:"model,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream"`
}

// meteredMessage forwards content either as plain text or as the OpenAI
// typed-part array, matching what the proxy passes through upstream.
type meteredMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

func (a *meteredAdapter) Target() domain.ProviderTarget { return domain.ProviderMetered }

func (a *meteredAdapter) NewRequest(ctx context.Context, req domain.StreamRequest) (*http.Request, error) {
	openAIShaped, err := openAIMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	body := meteredRequest{
		AccessToken: req.Credential.IdentityToken,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	for _, m := range openAIShaped {
		if len(m.MultiContent) > 0 {
			body.Messages = append(body.Messages, meteredMessage{Role: m.Role, Content: m.MultiContent})
			continue
		}
		body.Messages = append(body.Messages, meteredMessage{Role: m.Role, Content: m.Content})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat/stream", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return httpReq, nil
}

type meteredFrame struct {
	Type       string          `json:"type"`
	TokensLeft int64           `json:"tokens_left"`
	TokensUsed int64           `json:"tokens_used"`
	Error      json.RawMessage `json:"error"`
	Choices    []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (a *meteredAdapter) ExtractDelta(payload []byte) (domain.Delta, error) {
	var frame meteredFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return domain.Delta{}, &domain.DecodeError{Payload: string(payload), Err: err}
	}

	if len(frame.Error) > 0 && !bytes.Equal(frame.Error, []byte("null")) {
		return domain.Delta{}, &domain.UpstreamPayloadError{Message: errorMessage(frame.Error)}
	}

	if frame.Type == "token_update" {
		return domain.Delta{TokenUpdate: &domain.TokenUpdate{
			TokensLeft: frame.TokensLeft,
			TokensUsed: frame.TokensUsed,
		}}, nil
	}

	if len(frame.Choices) == 0 {
		return domain.Delta{}, nil
	}
	return domain.Delta{Text: frame.Choices[0].Delta.Content}, nil
}

// errorMessage handles both error shapes the proxy can forward: a bare
// string, or an upstream {"message": ...} object.
func errorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
