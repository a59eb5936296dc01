package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lanniny/grok2api/internal/logging"
	"github.com/lanniny/grok2api/internal/media"
	"github.com/lanniny/grok2api/internal/relay"
	"github.com/lanniny/grok2api/internal/upstream"
)

const defaultImageModel = "grok-imagine-0.9"

func newRequestID() string {
	return uuid.New().String()[:8]
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Use POST", "invalid_request_error", "method_not_allowed")
		return
	}

	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", "invalid_request_error", "invalid_body")
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error", "invalid_body")
		return
	}
	prompt, err := flattenMessages(body.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_body")
		return
	}

	req := relay.Request{
		ID:      newRequestID(),
		Origin:  clientIP(r),
		Model:   body.Model,
		Message: prompt,
	}
	logging.WithRequestID(logging.CategoryServer, req.ID).
		Info("Chat completion from %s (model=%s stream=%v)", req.Origin, body.Model, body.Stream)

	if body.Stream {
		s.streamCompletion(w, r, req)
		return
	}

	res, err := s.orch.Complete(r.Context(), req)
	if err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Completion(prompt))
}

// streamCompletion pumps relay chunks to the client as server-sent
// events. The response status is committed before the first chunk, so
// mid-stream failures can only surface inside the stream itself.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req relay.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", "internal_error", "streaming_unsupported")
		return
	}

	chunks, errs, err := s.orch.Stream(r.Context(), req)
	if err != nil {
		writeRelayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		if _, err := io.WriteString(w, chunk); err != nil {
			// Client went away; the request context unwinds the
			// relay side.
			break
		}
		flusher.Flush()
	}
	for err := range errs {
		logging.WithRequestID(logging.CategoryServer, req.ID).Warn("Stream ended with error: %v", err)
	}
}

func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Use POST", "invalid_request_error", "method_not_allowed")
		return
	}

	var body ImageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", "invalid_request_error", "invalid_body")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty", "invalid_request_error", "invalid_prompt")
		return
	}
	n := body.N
	if n == 0 {
		n = 1
	}
	if n < 1 || n > 4 {
		writeError(w, http.StatusBadRequest, "n must be between 1 and 4", "invalid_request_error", "invalid_n")
		return
	}
	format := body.ResponseFormat
	if format == "" {
		format = "url"
	}
	if format != "url" && format != "b64_json" {
		writeError(w, http.StatusBadRequest, "response_format must be url or b64_json", "invalid_request_error", "invalid_response_format")
		return
	}
	model := body.Model
	if model == "" {
		model = defaultImageModel
	}

	req := relay.Request{
		ID:         newRequestID(),
		Origin:     clientIP(r),
		Model:      model,
		Message:    fmt.Sprintf("Generate %d image(s): %s", n, body.Prompt),
		ImageCount: n,
	}
	rl := logging.WithRequestID(logging.CategoryServer, req.ID)
	rl.Info("Image generation from %s (model=%s n=%d format=%s)", req.Origin, model, n, format)

	if body.Stream {
		s.streamCompletion(w, r, req)
		return
	}

	res, err := s.orch.Complete(r.Context(), req)
	if err != nil {
		writeRelayError(w, err)
		return
	}

	refs := relay.ExtractImageRefs(res.Text)
	if len(refs) > n {
		refs = refs[:n]
	}
	assets := res.Assets
	if len(assets) > n {
		assets = assets[:n]
	}

	data := make([]imageDatum, 0, len(refs))
	for i, ref := range refs {
		if format == "b64_json" && s.cache != nil && i < len(assets) {
			b64, err := s.encodeAsset(r.Context(), assets[i])
			if err == nil {
				data = append(data, imageDatum{B64JSON: b64})
				continue
			}
			rl.Warn("Falling back to URL for %s: %v", assets[i], err)
		}
		data = append(data, imageDatum{URL: s.absoluteRef(ref)})
	}

	if format == "url" && s.cache != nil && len(assets) > 0 {
		s.prefetchAssets(assets)
	}

	writeJSON(w, http.StatusOK, imageResponse{Created: time.Now().Unix(), Data: data})
}

// prefetchAssets warms the media cache without holding the request.
func (s *Server) prefetchAssets(paths []string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.cache.Prefetch(ctx, paths)
	}()
}

func (s *Server) encodeAsset(ctx context.Context, assetPath string) (string, error) {
	local, err := s.cache.Fetch(ctx, assetPath)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(local)
	if err != nil {
		return "", fmt.Errorf("read cached asset: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// absoluteRef prefixes proxy-relative asset links with the configured
// base URL when one is set.
func (s *Server) absoluteRef(ref string) string {
	if strings.HasPrefix(ref, "/images/") && s.opts.BaseURL != "" {
		return strings.TrimSuffix(s.opts.BaseURL, "/") + ref
	}
	return ref
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Use GET", "invalid_request_error", "method_not_allowed")
		return
	}

	models := upstream.Models()
	out := modelList{Object: "list", Data: make([]modelInfo, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, modelInfo{
			ID:      m.ID,
			Object:  "model",
			Created: s.started.Unix(),
			OwnedBy: "grok",
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAsset serves cached generated media, downloading on demand.
// No auth: these links land in clients that never saw the API key.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cache == nil {
		http.NotFound(w, r)
		return
	}

	assetPath := strings.TrimPrefix(r.URL.Path, "/images/")
	if assetPath == "" {
		http.NotFound(w, r)
		return
	}

	local, err := s.cache.Fetch(r.Context(), "/"+assetPath)
	if err != nil {
		logging.ServerWarn("Asset %s unavailable: %v", assetPath, err)
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", media.ContentTypeFor(assetPath))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.ServeFile(w, r, local)
}
