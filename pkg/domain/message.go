package domain

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var SupportedRoles = []Role{RoleSystem, RoleUser, RoleAssistant}

type ContentPartType string

const (
	ContentPartTypeText  ContentPartType = "text"
	ContentPartTypeImage ContentPartType = "image"
	ContentPartTypeFile  ContentPartType = "file"
	ContentPartTypeAudio ContentPartType = "audio"
)

// ContentPart is one typed element of a multimodal message. Text parts carry
// Text; image parts carry either URL or base64 Data with a MimeType; file and
// audio parts always carry Data plus MimeType.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	URL      string          `json:"url,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
	Name     string          `json:"name,omitempty"`
}

// Message is a provider-agnostic conversation entry. Content holds plain
// text; Parts, when non-empty, holds the ordered multimodal parts and takes
// precedence over Content.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// HasPartType reports whether any multimodal part of the message has the
// given type.
func (m Message) HasPartType(t ContentPartType) bool {
	for _, p := range m.Parts {
		if p.Type == t {
			return true
		}
	}
	return false
}

// PlainText flattens the message into text, joining text parts when the
// message is multimodal.
func (m Message) PlainText() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == ContentPartTypeText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}
