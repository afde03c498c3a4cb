package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/bytechat/engine/pkg/domain"
)

func decodeBody(t *testing.T, req *http.Request) map[string]any {
	t.Helper()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("reading request body: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("parsing request body: %v", err)
	}
	return body
}

func TestRegistry_UnknownTarget(t *testing.T) {
	registry := NewRegistry(Config{})

	_, err := registry.ForTarget("mystery")

	var unsupported *domain.UnsupportedProviderError
	if !errors.As(err, &unsupported) {
		t.Fatalf("ForTarget() error = %v, want UnsupportedProviderError", err)
	}
}

func TestOpenAI_ComposeNormalizeRoundTrip(t *testing.T) {
	adapter := &openAIAdapter{baseURL: "https://api.example.com"}

	req, err := adapter.NewRequest(context.Background(), domain.StreamRequest{
		Model:      "gpt-4o-mini",
		Credential: domain.Credential{APIKey: "sk-test"},
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	body := decodeBody(t, req)
	if body["stream"] != true {
		t.Error("stream flag not set")
	}
	messages := body["messages"].([]any)
	first := messages[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("first message role = %v, want system-role entry leading the array", first["role"])
	}

	// Normalizing a synthetic single-delta response reproduces the text.
	const text = "hello back"
	payload := `{"choices":[{"delta":{"content":"` + text + `"}}]}`
	delta, err := adapter.ExtractDelta([]byte(payload))
	if err != nil {
		t.Fatalf("ExtractDelta() error = %v", err)
	}
	if delta.Text != text {
		t.Errorf("ExtractDelta() text = %q, want %q", delta.Text, text)
	}
}

func TestOpenAI_ErrorPayloadIsFatal(t *testing.T) {
	adapter := &openAIAdapter{}

	_, err := adapter.ExtractDelta([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))

	var upstream *domain.UpstreamPayloadError
	if !errors.As(err, &upstream) {
		t.Fatalf("ExtractDelta() error = %v, want UpstreamPayloadError", err)
	}
}

func TestOpenAI_MalformedPayloadIsDecodeError(t *testing.T) {
	adapter := &openAIAdapter{}

	_, err := adapter.ExtractDelta([]byte(`{"choices":[{`))

	var decodeErr *domain.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("ExtractDelta() error = %v, want DecodeError", err)
	}
}

func TestAnthropic_SystemIsTopLevelField(t *testing.T) {
	adapter := &anthropicAdapter{baseURL: "https://api.example.com"}

	req, err := adapter.NewRequest(context.Background(), domain.StreamRequest{
		Model:      "claude-3-haiku-20240307",
		Credential: domain.Credential{APIKey: "ak-test"},
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	if got := req.Header.Get("x-api-key"); got != "ak-test" {
		t.Errorf("x-api-key = %q", got)
	}
	body := decodeBody(t, req)
	if body["system"] != "be brief" {
		t.Errorf("system field = %v, want dedicated top-level system instruction", body["system"])
	}
	for _, raw := range body["messages"].([]any) {
		if raw.(map[string]any)["role"] == "system" {
			t.Error("system role leaked into the message array")
		}
	}
	if body["max_tokens"] == nil || body["max_tokens"].(float64) == 0 {
		t.Error("max_tokens not defaulted")
	}

	delta, err := adapter.ExtractDelta([]byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`))
	if err != nil {
		t.Fatalf("ExtractDelta() error = %v", err)
	}
	if delta.Text != "hi" {
		t.Errorf("ExtractDelta() text = %q, want %q", delta.Text, "hi")
	}

	// Lifecycle events carry no text.
	delta, err = adapter.ExtractDelta([]byte(`{"type":"message_stop"}`))
	if err != nil || !delta.IsZero() {
		t.Errorf("message_stop: delta = %+v, err = %v, want zero delta", delta, err)
	}
}

func TestGemini_DirectiveOnlyWithQualifyingAttachment(t *testing.T) {
	adapter := &geminiAdapter{baseURL: "https://gemini.example.com"}
	directives := []domain.Directive{{Kind: domain.DirectiveKindDocumentParsing, Engine: "layout-v2"}}

	tests := []struct {
		name          string
		messages      []domain.Message
		wantDirective bool
	}{
		{
			name:          "text only",
			messages:      []domain.Message{{Role: domain.RoleUser, Content: "hello"}},
			wantDirective: false,
		},
		{
			name: "file attachment present",
			messages: []domain.Message{{
				Role: domain.RoleUser,
				Parts: []domain.ContentPart{
					{Type: domain.ContentPartTypeText, Text: "summarize"},
					{Type: domain.ContentPartTypeFile, Data: "JVBERi0=", MimeType: "application/pdf"},
				},
			}},
			wantDirective: true,
		},
	}

	for _, test := range tests {
		req, err := adapter.NewRequest(context.Background(), domain.StreamRequest{
			Model:      "gemini-1.5-flash",
			Credential: domain.Credential{APIKey: "g-test"},
			Messages:   test.messages,
			Directives: directives,
		})
		if err != nil {
			t.Fatalf("%s: NewRequest() error = %v", test.name, err)
		}

		body := decodeBody(t, req)
		_, got := body["documentProcessing"]
		if got != test.wantDirective {
			t.Errorf("%s: documentProcessing present = %v, want %v", test.name, got, test.wantDirective)
		}
	}
}

func TestGemini_ExtractDelta(t *testing.T) {
	adapter := &geminiAdapter{}

	delta, err := adapter.ExtractDelta([]byte(`{"candidates":[{"content":{"parts":[{"text":"a"},{"text":"b"}]}}]}`))
	if err != nil {
		t.Fatalf("ExtractDelta() error = %v", err)
	}
	if delta.Text != "ab" {
		t.Errorf("ExtractDelta() text = %q, want %q", delta.Text, "ab")
	}

	_, err = adapter.ExtractDelta([]byte(`{"error":{"code":429,"message":"quota"}}`))
	var upstream *domain.UpstreamPayloadError
	if !errors.As(err, &upstream) {
		t.Fatalf("ExtractDelta() error = %v, want UpstreamPayloadError", err)
	}
}

func TestMetered_TokenUpdateIsControlSignal(t *testing.T) {
	adapter := &meteredAdapter{}

	delta, err := adapter.ExtractDelta([]byte(`{"type":"token_update","tokens_left":500,"tokens_used":10}`))
	if err != nil {
		t.Fatalf("ExtractDelta() error = %v", err)
	}
	if delta.TokenUpdate == nil {
		t.Fatal("expected a token update control signal")
	}
	if delta.TokenUpdate.TokensLeft != 500 || delta.TokenUpdate.TokensUsed != 10 {
		t.Errorf("TokenUpdate = %+v, want left=500 used=10", delta.TokenUpdate)
	}
	if delta.Text != "" {
		t.Error("control signal must not carry text")
	}
}

func TestMetered_RequestCarriesIdentityInBody(t *testing.T) {
	adapter := &meteredAdapter{baseURL: "https://backend.example.com"}

	req, err := adapter.NewRequest(context.Background(), domain.StreamRequest{
		Model:      "openai/gpt-4",
		Credential: domain.Credential{IdentityToken: "ya29.token"},
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	if req.URL.Path != "/api/chat/stream" {
		t.Errorf("path = %q, want /api/chat/stream", req.URL.Path)
	}
	body := decodeBody(t, req)
	if body["access_token"] != "ya29.token" {
		t.Errorf("access_token = %v", body["access_token"])
	}
	if body["stream"] != true {
		t.Error("stream flag not set")
	}
}

func TestMetered_StringErrorFrameIsFatal(t *testing.T) {
	adapter := &meteredAdapter{}

	_, err := adapter.ExtractDelta([]byte(`{"error":"Stream error: upstream reset"}`))

	var upstream *domain.UpstreamPayloadError
	if !errors.As(err, &upstream) {
		t.Fatalf("ExtractDelta() error = %v, want UpstreamPayloadError", err)
	}
	if upstream.Message != "Stream error: upstream reset" {
		t.Errorf("message = %q", upstream.Message)
	}
}
