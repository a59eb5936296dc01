package relay

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StreamEvent is one meaningful unit parsed from an upstream event
// line. The set of variants is closed: anything the parser does not
// recognize surfaces as UnknownEvent rather than being silently
// dropped or misread.
type StreamEvent interface {
	streamEvent()
}

// TokenEvent is a delta of assistant text.
type TokenEvent struct {
	Text     string
	Thinking bool
	Tag      string // messageTag, "header" gets paragraph spacing
}

// ModelResponseEvent carries the final aggregated answer.
type ModelResponseEvent struct {
	Message         string
	Model           string
	GeneratedImages []string // asset paths on the upstream media host
	Error           string
}

// ImageAttachmentEvent flips the stream into image mode.
type ImageAttachmentEvent struct{}

// VideoProgressEvent reports media generation progress; VideoURL is
// set on the final one.
type VideoProgressEvent struct {
	Progress int
	VideoURL string
}

// UserResponseEvent echoes the request and names the serving model.
type UserResponseEvent struct {
	Model string
}

// ErrorEvent is an in-band upstream error.
type ErrorEvent struct {
	Message string
	Code    int
}

// UnknownEvent preserves an unrecognized response shape.
type UnknownEvent struct {
	Raw json.RawMessage
}

func (TokenEvent) streamEvent()           {}
func (ModelResponseEvent) streamEvent()   {}
func (ImageAttachmentEvent) streamEvent() {}
func (VideoProgressEvent) streamEvent()   {}
func (UserResponseEvent) streamEvent()    {}
func (ErrorEvent) streamEvent()           {}
func (UnknownEvent) streamEvent()         {}

// Moderated reports whether the error is a content-policy refusal.
func (e ErrorEvent) Moderated() bool {
	return IsContentModerated(e.Message)
}

type eventEnvelope struct {
	Error  json.RawMessage `json:"error"`
	Result struct {
		Response json.RawMessage `json:"response"`
	} `json:"result"`
}

type responseBody struct {
	Token               json.RawMessage `json:"token"`
	IsThinking          bool            `json:"isThinking"`
	MessageTag          string          `json:"messageTag"`
	ImageAttachmentInfo json.RawMessage `json:"imageAttachmentInfo"`
	ToolUsageCardID     string          `json:"toolUsageCardId"`
	WebSearchResults    *struct {
		Results []searchResult `json:"results"`
	} `json:"webSearchResults"`
	UserResponse *struct {
		Model string `json:"model"`
	} `json:"userResponse"`
	ModelResponse *struct {
		Message            string   `json:"message"`
		Model              string   `json:"model"`
		GeneratedImageURLs []string `json:"generatedImageUrls"`
		Error              string   `json:"error"`
	} `json:"modelResponse"`
	StreamingVideoGenerationResponse *struct {
		Progress int    `json:"progress"`
		VideoURL string `json:"videoUrl"`
	} `json:"streamingVideoGenerationResponse"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Preview string `json:"preview"`
}

// ParseStreamEvents decodes one upstream event line. A single line may
// contribute several events (a model announcement and a token, say);
// they are returned in upstream order. Malformed JSON yields a single
// UnknownEvent carrying the raw line.
func ParseStreamEvents(line []byte) []StreamEvent {
	var env eventEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return []StreamEvent{UnknownEvent{Raw: append([]byte(nil), line...)}}
	}

	if len(env.Error) > 0 && string(env.Error) != "null" {
		return []StreamEvent{parseErrorEvent(env.Error)}
	}

	if len(env.Result.Response) == 0 || string(env.Result.Response) == "null" {
		return []StreamEvent{UnknownEvent{Raw: append([]byte(nil), line...)}}
	}

	var resp responseBody
	if err := json.Unmarshal(env.Result.Response, &resp); err != nil {
		return []StreamEvent{UnknownEvent{Raw: append([]byte(nil), line...)}}
	}

	var events []StreamEvent
	if resp.UserResponse != nil && resp.UserResponse.Model != "" {
		events = append(events, UserResponseEvent{Model: resp.UserResponse.Model})
	}
	if v := resp.StreamingVideoGenerationResponse; v != nil {
		events = append(events, VideoProgressEvent{Progress: v.Progress, VideoURL: v.VideoURL})
		return events
	}
	if len(resp.ImageAttachmentInfo) > 0 && string(resp.ImageAttachmentInfo) != "null" {
		events = append(events, ImageAttachmentEvent{})
	}
	if m := resp.ModelResponse; m != nil {
		events = append(events, ModelResponseEvent{
			Message:         m.Message,
			Model:           m.Model,
			GeneratedImages: m.GeneratedImageURLs,
			Error:           m.Error,
		})
		return events
	}
	if tok, ok := tokenText(resp); ok {
		events = append(events, TokenEvent{Text: tok, Thinking: resp.IsThinking, Tag: resp.MessageTag})
	}
	if len(events) == 0 {
		events = append(events, UnknownEvent{Raw: append([]byte(nil), line...)})
	}
	return events
}

func parseErrorEvent(raw json.RawMessage) StreamEvent {
	var obj struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return ErrorEvent{Message: obj.Message, Code: obj.Code}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ErrorEvent{Message: s}
	}
	return ErrorEvent{Message: string(raw)}
}

// tokenText extracts the delta text for a token-bearing event. Only
// lines whose token decodes as a string count; array tokens and lines
// without one are dropped. Search-card tokens keep their text only
// while the model is thinking, rendered as markdown links; outside of
// thinking they stay token events with empty text.
func tokenText(resp responseBody) (string, bool) {
	var tok string
	if err := json.Unmarshal(resp.Token, &tok); err != nil {
		return "", false
	}

	if resp.ToolUsageCardID != "" {
		if resp.WebSearchResults == nil || !resp.IsThinking {
			return "", true
		}
		var b strings.Builder
		b.WriteString(tok)
		for _, r := range resp.WebSearchResults.Results {
			preview := strings.ReplaceAll(r.Preview, "\n", "")
			fmt.Fprintf(&b, "\n- [%s](%s %q)", r.Title, r.URL, preview)
		}
		b.WriteString("\n")
		return b.String(), true
	}

	return tok, true
}
