package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/pool"
	"github.com/lanniny/grok2api/internal/relay"
)

// ChatRequest is the body of /v1/chat/completions.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ChatMessage is one conversation turn. Content is either a plain
// string or a list of typed parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// ImageRequest is the body of /v1/images/generations. Size is accepted
// for compatibility; upstream decides dimensions itself.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
	Stream         bool   `json:"stream"`
}

type imageDatum struct {
	URL     string `json:"url,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

type imageResponse struct {
	Created int64        `json:"created"`
	Data    []imageDatum `json:"data"`
}

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

// roleLabels prefix each flattened message so upstream sees who said
// what in the single combined prompt.
var roleLabels = map[string]string{
	"system":    "System",
	"user":      "User",
	"assistant": "Grok",
	"tool":      "Tool",
	"developer": "System",
}

// flattenMessages folds the conversation into one prompt string.
// Image URLs ride along as plain lines inside their message; upstream
// takes no attachments on this surface.
func flattenMessages(messages []ChatMessage) (string, error) {
	var lines []string
	for _, msg := range messages {
		role := msg.Role
		if role == "" {
			role = "user"
		}
		label, ok := roleLabels[role]
		if !ok {
			label = role
		}

		text, images, err := parseContent(msg.Content)
		if err != nil {
			return "", err
		}
		combined := strings.TrimSpace(text)
		for _, u := range images {
			if combined != "" {
				combined += "\n"
			}
			combined += u
		}
		if combined == "" {
			continue
		}
		lines = append(lines, label+": "+combined)
	}
	return strings.Join(lines, "\n"), nil
}

func parseContent(raw json.RawMessage) (string, []string, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain, nil, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, errors.New("message content must be a string or a list of parts")
	}
	var b strings.Builder
	var images []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			b.WriteString(p.Text)
		case "image_url":
			if p.ImageURL.URL != "" {
				images = append(images, p.ImageURL.URL)
			}
		}
	}
	return b.String(), images, nil
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServerWarn("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	writeJSON(w, status, errorEnvelope{Error: apiError{Message: message, Type: errType, Code: code}})
}

// writeRelayError translates a relay failure into the client-facing
// error envelope.
func writeRelayError(w http.ResponseWriter, err error) {
	status := relay.StatusForError(err)
	errType := "api_error"
	code := "upstream_error"
	switch {
	case errors.Is(err, relay.ErrUnknownModel):
		errType = "invalid_request_error"
		code = "model_not_found"
	case errors.Is(err, pool.ErrExhausted):
		code = "no_available_credential"
	case errors.Is(err, relay.ErrContentModerated):
		code = "content_moderated"
	case status >= http.StatusInternalServerError:
		errType = "internal_error"
	}
	writeError(w, status, err.Error(), errType, code)
}
