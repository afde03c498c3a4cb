package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/samber/lo"

	"github.com/bytechat/engine/pkg/domain"
)

// geminiAdapter speaks the Gemini generateContent wire format: multimodal
// content as an array of typed parts, with an optional request-level
// document-processing directive attached only when a file attachment is
// present.
type geminiAdapter struct {
	baseURL string
}

type geminiRequest struct {
	Contents           []geminiContent     `json:"contents"`
	SystemInstruction  *geminiContent      `json:"systemInstruction,omitempty"`
	GenerationConfig   *geminiGenConfig    `json:"generationConfig,omitempty"`
	DocumentProcessing *geminiDocDirective `json:"documentProcessing,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiBlob     `json:"inline_data,omitempty"`
	FileData   *geminiFileData `json:"file_data,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mime_type,omitempty"`
	FileURI  string `json:"file_uri"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiDocDirective struct {
	ParsingEngine string `json:"parsingEngine"`
}

func (a *geminiAdapter) Target() domain.ProviderTarget { return domain.ProviderGemini }

func (a *geminiAdapter) NewRequest(ctx context.Context, req domain.StreamRequest) (*http.Request, error) {
	body := geminiRequest{
		GenerationConfig: &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}

	if system := req.SystemPrompt(); system != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		parts, err := geminiParts(m)
		if err != nil {
			return nil, err
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: parts})
	}

	// The parsing-engine selector is request-level and only meaningful when a
	// qualifying attachment is actually present.
	hasDocument := lo.SomeBy(req.Messages, func(m domain.Message) bool {
		return m.HasPartType(domain.ContentPartTypeFile)
	})
	if hasDocument {
		for _, d := range req.Directives {
			if d.Kind == domain.DirectiveKindDocumentParsing {
				body.DocumentProcessing = &geminiDocDirective{ParsingEngine: d.Engine}
				break
			}
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling generate request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		a.baseURL, req.Model, url.QueryEscape(req.Credential.APIKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return httpReq, nil
}

func geminiParts(m domain.Message) ([]geminiPart, error) {
	if len(m.Parts) == 0 {
		return []geminiPart{{Text: m.Content}}, nil
	}

	out := make([]geminiPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case domain.ContentPartTypeText:
			out = append(out, geminiPart{Text: p.Text})
		case domain.ContentPartTypeImage, domain.ContentPartTypeAudio, domain.ContentPartTypeFile:
			if p.URL != "" {
				out = append(out, geminiPart{FileData: &geminiFileData{MimeType: p.MimeType, FileURI: p.URL}})
				continue
			}
			out = append(out, geminiPart{InlineData: &geminiBlob{MimeType: p.MimeType, Data: p.Data}})
		default:
			return nil, fmt.Errorf("part type %q is not supported by gemini", p.Type)
		}
	}
	return out, nil
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *geminiAdapter) ExtractDelta(payload []byte) (domain.Delta, error) {
	var chunk geminiChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return domain.Delta{}, &domain.DecodeError{Payload: string(payload), Err: err}
	}
	if chunk.Error != nil {
		return domain.Delta{}, &domain.UpstreamPayloadError{Message: chunk.Error.Message}
	}
	if len(chunk.Candidates) == 0 {
		return domain.Delta{}, nil
	}

	var text string
	for _, p := range chunk.Candidates[0].Content.Parts {
		text += p.Text
	}
	return domain.Delta{Text: text}, nil
}
