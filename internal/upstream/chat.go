package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/store"
)

// conversationPayload is the body of a conversations/new call. Field
// names and defaults mirror what the grok.com web client sends.
type conversationPayload struct {
	Temporary                 bool             `json:"temporary"`
	ModelName                 string           `json:"modelName"`
	Message                   string           `json:"message"`
	FileAttachments           []string         `json:"fileAttachments"`
	ImageAttachments          []string         `json:"imageAttachments"`
	DisableSearch             bool             `json:"disableSearch"`
	EnableImageGeneration     bool             `json:"enableImageGeneration"`
	ReturnImageBytes          bool             `json:"returnImageBytes"`
	ReturnRawGrokInXaiRequest bool             `json:"returnRawGrokInXaiRequest"`
	EnableImageStreaming      bool             `json:"enableImageStreaming"`
	ImageGenerationCount      int              `json:"imageGenerationCount"`
	ForceConcise              bool             `json:"forceConcise"`
	ToolOverrides             map[string]bool  `json:"toolOverrides"`
	EnableSideBySide          bool             `json:"enableSideBySide"`
	SendFinalMetadata         bool             `json:"sendFinalMetadata"`
	IsReasoning               bool             `json:"isReasoning"`
	WebpageURLs               []string         `json:"webpageUrls"`
	DisableTextFollowUps      bool             `json:"disableTextFollowUps"`
	ResponseMetadata          responseMetadata `json:"responseMetadata"`
	DisableMemory             bool             `json:"disableMemory"`
	ForceSideBySide           bool             `json:"forceSideBySide"`
	ModelMode                 string           `json:"modelMode"`
	IsAsyncChat               bool             `json:"isAsyncChat"`
}

type responseMetadata struct {
	RequestModelDetails requestModelDetails `json:"requestModelDetails"`
}

type requestModelDetails struct {
	ModelID string `json:"modelId"`
}

// ChatOptions tunes one conversation call.
type ChatOptions struct {
	Temporary  bool // do not persist the conversation upstream
	ImageCount int  // generated images per response, upstream default when 0
}

func buildPayload(model Model, message string, opts ChatOptions) conversationPayload {
	count := opts.ImageCount
	if count <= 0 {
		count = 2
	}
	return conversationPayload{
		Temporary:             opts.Temporary,
		ModelName:             model.UpstreamName,
		Message:               message,
		FileAttachments:       []string{},
		ImageAttachments:      []string{},
		EnableImageGeneration: true,
		EnableImageStreaming:  true,
		ImageGenerationCount:  count,
		ToolOverrides:         map[string]bool{},
		EnableSideBySide:      true,
		SendFinalMetadata:     true,
		WebpageURLs:           []string{},
		DisableTextFollowUps:  true,
		ResponseMetadata:      responseMetadata{requestModelDetails{ModelID: model.UpstreamName}},
		ModelMode:             model.Mode,
	}
}

// CreateConversation sends one generation request. The returned
// response is handed back as-is, success or not: status classification
// belongs to the caller. The caller owns the body.
func (s *Session) CreateConversation(ctx context.Context, c *store.Credential, model Model, message string, opts ChatOptions) (*http.Response, error) {
	payload := buildPayload(model, message, opts)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation payload: %w", err)
	}

	url := s.opts.BaseURL + "/rest/app-chat/conversations/new"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create conversation request: %w", err)
	}
	s.setCommonHeaders(req, c)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	logging.Upstream("[Chat] %s → %s (model=%s, %d bytes)", c.Display(), url, model.UpstreamName, len(body))

	resp, err := s.client.Do(req)
	if err != nil {
		logging.UpstreamError("[Chat] %s request failed after %v: %v", c.Display(), time.Since(start), err)
		return nil, fmt.Errorf("conversation request: %w", err)
	}
	logging.UpstreamDebug("[Chat] %s responded %d in %v", c.Display(), resp.StatusCode, time.Since(start))
	return resp, nil
}
