package domain

type ProviderTarget string

const (
	ProviderOpenAI    ProviderTarget = "openai"
	ProviderAnthropic ProviderTarget = "anthropic"
	ProviderGemini    ProviderTarget = "gemini"

	// ProviderMetered is the ByteChat backend proxy. It is never selected by
	// caller preference; the dispatcher routes to it whenever an identity
	// token is present.
	ProviderMetered ProviderTarget = "metered"
)

const (
	DefaultTemperature = 0.7
	DefaultModel       = "gpt-4o-mini"
)

// Credential carries exactly one of the two supported ways to authorize a
// call: a private provider API key, or a managed-identity session token. When
// both are set the identity token wins and the key is ignored.
type Credential struct {
	APIKey        string
	IdentityToken string
}

// Directive is a request-level processing instruction for attachments, such
// as selecting the document-parsing engine. Providers that do not understand
// a directive drop it.
type Directive struct {
	Kind   string `json:"kind"`
	Engine string `json:"engine"`
}

const DirectiveKindDocumentParsing = "document_parsing"

// StreamRequest describes one streaming completion call.
type StreamRequest struct {
	Target      ProviderTarget
	Model       string
	Credential  Credential
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Directives  []Directive

	// SessionKey names the conversation the final transcript is appended to.
	// Issuing two concurrent calls with the same key is a caller error: the
	// checkpoint writes will interleave and corrupt the accumulated answer.
	SessionKey string
}

// SystemPrompt returns the concatenated system-role content of the request.
func (r StreamRequest) SystemPrompt() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.PlainText()
	}
	return out
}

// LastUserPrompt returns the text of the most recent user message.
func (r StreamRequest) LastUserPrompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].PlainText()
		}
	}
	return ""
}
