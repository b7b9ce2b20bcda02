// Package action classifies raw model output into a tagged union of intents.
//
// The model signals structured intents by emitting a JSON object with an
// "action" discriminator, either as the whole message or inside a fenced
// code block. Everything else is conversational text: a PlaceholderMessage
// when it contains placeholders, a DirectMessage otherwise. Malformed or
// unrecognized JSON is not an error, it is simply not an action.
package action

import (
	"encoding/json"
	"strings"

	"github.com/zhubert/veil-core/placeholder"
)

// Kind discriminates the action union.
type Kind string

const (
	KindReferenceRequest    Kind = "reference_request"
	KindDisplayData         Kind = "display_data"
	KindPlaceholderMessage  Kind = "placeholder_message"
	KindDirectMessage       Kind = "direct_message"
	KindConsentResponse     Kind = "consent_response"
	KindAccessDeniedMessage Kind = "access_denied_message"
)

// ReferenceRequest asks a server to look up a value by keyword and hand back
// a placeholder for it.
type ReferenceRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Keyword    string `json:"keyword"`
	ColumnName string `json:"column_name,omitempty"`
}

// DisplayData asks the client to fetch and render the masked result of an
// earlier tool call for the user.
type DisplayData struct {
	ToolCallID string `json:"tool_call_id"`
}

// PlaceholderMessage is conversational text carrying placeholders that must
// be resolved before the user sees it.
type PlaceholderMessage struct {
	Text         string
	Placeholders []placeholder.Token
}

// DirectMessage is conversational text with nothing to resolve.
type DirectMessage struct {
	Text string
}

// ConsentResponse relays a consent decision the model observed in the
// conversation, correlated by the pending request id.
type ConsentResponse struct {
	RequestID      string `json:"request_id"`
	Approved       bool   `json:"approved"`
	RememberChoice bool   `json:"remember_choice,omitempty"`
}

// AccessDeniedMessage tells the user why data was withheld.
type AccessDeniedMessage struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Action is one parsed model intent. Exactly the field matching Kind is set.
type Action struct {
	Kind        Kind
	Reference   *ReferenceRequest
	Display     *DisplayData
	Placeholder *PlaceholderMessage
	Direct      *DirectMessage
	Consent     *ConsentResponse
	Denied      *AccessDeniedMessage
}

// envelope is the discriminated JSON shape the model emits for structured
// actions. Variant fields are flattened; the discriminator picks which ones
// are read.
type envelope struct {
	Action         string `json:"action"`
	ToolCallID     string `json:"tool_call_id"`
	Keyword        string `json:"keyword"`
	ColumnName     string `json:"column_name"`
	RequestID      string `json:"request_id"`
	Approved       bool   `json:"approved"`
	RememberChoice bool   `json:"remember_choice"`
	Code           int    `json:"code"`
	Message        string `json:"message"`
}

// Parse classifies one model message. It never fails: anything that is not a
// well-formed, complete action object is returned as conversational text.
func Parse(text string) Action {
	if a, ok := parseStructured(text); ok {
		return a
	}
	return textAction(text)
}

func parseStructured(text string) (Action, bool) {
	raw, ok := extractJSON(text)
	if !ok {
		return Action{}, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Action{}, false
	}

	switch Kind(env.Action) {
	case KindReferenceRequest:
		if env.ToolCallID == "" || env.Keyword == "" {
			return Action{}, false
		}
		return Action{Kind: KindReferenceRequest, Reference: &ReferenceRequest{
			ToolCallID: env.ToolCallID,
			Keyword:    env.Keyword,
			ColumnName: env.ColumnName,
		}}, true
	case KindDisplayData:
		if env.ToolCallID == "" {
			return Action{}, false
		}
		return Action{Kind: KindDisplayData, Display: &DisplayData{ToolCallID: env.ToolCallID}}, true
	case KindConsentResponse:
		if env.RequestID == "" {
			return Action{}, false
		}
		return Action{Kind: KindConsentResponse, Consent: &ConsentResponse{
			RequestID:      env.RequestID,
			Approved:       env.Approved,
			RememberChoice: env.RememberChoice,
		}}, true
	case KindAccessDeniedMessage:
		if env.Message == "" {
			return Action{}, false
		}
		return Action{Kind: KindAccessDeniedMessage, Denied: &AccessDeniedMessage{
			Code:    env.Code,
			Message: env.Message,
		}}, true
	default:
		return Action{}, false
	}
}

func textAction(text string) Action {
	tokens := placeholder.Extract(text)
	if len(tokens) > 0 {
		return Action{Kind: KindPlaceholderMessage, Placeholder: &PlaceholderMessage{
			Text:         text,
			Placeholders: tokens,
		}}
	}
	return Action{Kind: KindDirectMessage, Direct: &DirectMessage{Text: text}}
}

// extractJSON returns the candidate action object: the whole trimmed message
// when it is a bare JSON object, or the contents of the first fenced code
// block when that is one.
func extractJSON(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed, true
	}

	start := strings.Index(trimmed, "```")
	if start == -1 {
		return "", false
	}
	rest := trimmed[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		// Skip a language tag like "json" on the fence line.
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	block := strings.TrimSpace(rest[:end])
	if strings.HasPrefix(block, "{") && strings.HasSuffix(block, "}") {
		return block, true
	}
	return "", false
}
