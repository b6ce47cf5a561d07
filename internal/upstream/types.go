package upstream

// Response modes accepted by the chat-messages endpoint.
const (
	ModeStreaming = "streaming"
	ModeBlocking  = "blocking"
)

// FileRef attaches a previously uploaded file to a chat request.
type FileRef struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Payload is the chat-messages request body. Inputs carries app-defined
// variables (for example extracted attachment text); ConversationID is empty
// on the first turn and the upstream correlation id afterwards.
type Payload struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id"`
	User           string         `json:"user"`
	Files          []FileRef      `json:"files"`
}

func (p Payload) withDefaults() Payload {
	if p.Inputs == nil {
		p.Inputs = map[string]any{}
	}
	if p.ResponseMode == "" {
		p.ResponseMode = ModeStreaming
	}
	if p.Files == nil {
		p.Files = []FileRef{}
	}
	return p
}
