package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanniny/grok2api/internal/logging"
)

// Model names substituted when upstream never announces one.
const (
	fallbackStreamModel = "grok-4-mini-thinking-tahoe"
	fallbackImageModel  = "grok-imagine-0.9"
)

const doneFrame = "data: [DONE]\n\n"

// Normalizer folds upstream ND-JSON response lines into OpenAI-shaped
// output. Fields are read-only after construction; one Normalizer serves
// concurrent requests.
type Normalizer struct {
	// BaseURL absolutizes /images/ asset links in rendered content.
	// Empty keeps them relative to this server.
	BaseURL string

	// ShowThinking exposes upstream reasoning traces wrapped in
	// <think> blocks instead of dropping them.
	ShowThinking bool

	// FilteredTags drops conversation tokens containing any of these
	// substrings. Empty entries are ignored.
	FilteredTags []string
}

// proxyURL routes an upstream asset path through this server's /images/
// endpoint so clients never talk to assets.grok.com directly.
func (n *Normalizer) proxyURL(assetPath string) string {
	p := strings.TrimPrefix(assetPath, "/")
	base := strings.TrimSuffix(n.BaseURL, "/")
	return base + "/images/" + p
}

func (n *Normalizer) videoContent(videoURL string) string {
	return fmt.Sprintf(`<video src=%q controls="controls" width="500" height="300"></video>`+"\n", n.proxyURL(videoURL))
}

func (n *Normalizer) tokenFiltered(token string) bool {
	if token == "" {
		return false
	}
	for _, tag := range n.FilteredTags {
		if tag != "" && strings.Contains(token, tag) {
			return true
		}
	}
	return false
}

// Result is one fully accumulated upstream response.
type Result struct {
	Text    string
	Assets  []string // upstream paths of generated images and videos, in order
	Model   string
	Finish  string
	Created time.Time
}

// Collect consumes a complete upstream body and folds it into a single
// Result. It stops at the first terminal line: a top-level error, a
// finished video, or the aggregate model response. Unrecognized lines
// are logged and skipped. A body with no terminal line at all yields
// ErrNoResponse.
func (n *Normalizer) Collect(r io.Reader, model string) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, ev := range ParseStreamEvents([]byte(line)) {
			switch ev := ev.(type) {
			case ErrorEvent:
				if ev.Moderated() {
					return nil, ErrContentModerated
				}
				return nil, fmt.Errorf("upstream error: %s", ev.Message)

			case VideoProgressEvent:
				if ev.VideoURL == "" {
					continue
				}
				m := model
				if m == "" {
					m = fallbackImageModel
				}
				return &Result{
					Text:    n.videoContent(ev.VideoURL),
					Assets:  []string{ev.VideoURL},
					Model:   m,
					Finish:  "stop",
					Created: time.Now(),
				}, nil

			case ModelResponseEvent:
				if ev.Error != "" {
					if IsContentModerated(ev.Error) {
						return nil, ErrContentModerated
					}
					return nil, fmt.Errorf("upstream model error: %s", ev.Error)
				}
				text := ev.Message
				assets := make([]string, 0, len(ev.GeneratedImages))
				for _, img := range ev.GeneratedImages {
					if img == "" {
						continue
					}
					assets = append(assets, img)
					text += "\n![Generated Image](" + n.proxyURL(img) + ")"
				}
				m := ev.Model
				if m == "" {
					m = model
				}
				return &Result{
					Text:    text,
					Assets:  assets,
					Model:   m,
					Finish:  "stop",
					Created: time.Now(),
				}, nil

			case UnknownEvent:
				logging.RelayDebug("[Normalize] Skipping unrecognized line (%d bytes)", len(ev.Raw))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	return nil, ErrNoResponse
}

// Usage is the OpenAI token accounting block. Counts are estimated from
// byte length since upstream reports none.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionMessage is the assistant message inside a completion choice.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionChoice is one choice of an OpenAI chat.completion object.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// Completion is an OpenAI chat.completion response object.
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// Completion renders the result as an OpenAI chat.completion object.
func (r *Result) Completion(promptText string) Completion {
	promptTokens := 0
	if promptText != "" {
		promptTokens = len(promptText) / 4
		if promptTokens < 1 {
			promptTokens = 1
		}
	}
	completionTokens := len(r.Text) / 4
	if completionTokens < 1 {
		completionTokens = 1
	}

	return Completion{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: r.Created.Unix(),
		Model:   r.Model,
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      CompletionMessage{Role: "assistant", Content: r.Text},
			FinishReason: r.Finish,
		}},
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}

var (
	absoluteImageRef = regexp.MustCompile(`!\[.*?\]\((https?://[^\s)]+)\)`)
	relativeImageRef = regexp.MustCompile(`!\[.*?\]\((/images/[^\s)]+)\)`)
)

// ExtractImageRefs pulls generated-image links out of markdown content,
// absolute links first and then /images/ proxy links.
func ExtractImageRefs(content string) []string {
	refs := make([]string, 0, 4)
	for _, m := range absoluteImageRef.FindAllStringSubmatch(content, -1) {
		refs = append(refs, m[1])
	}
	for _, m := range relativeImageRef.FindAllStringSubmatch(content, -1) {
		refs = append(refs, m[1])
	}
	return refs
}

// StreamResult describes how a streamed response ended.
type StreamResult struct {
	Status   int
	Err      error
	Duration time.Duration
}

// CompletionFunc receives the terminal stream outcome exactly once.
type CompletionFunc func(StreamResult)

// Reported when the client goes away before the stream ends.
const statusClientClosed = 499

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

// makeChunk frames one SSE data line holding an OpenAI chunk. An empty
// content yields an empty delta, matching what clients expect alongside
// a finish_reason.
func makeChunk(model, content string, finish *string) string {
	if model == "" {
		model = fallbackStreamModel
	}
	var delta chunkDelta
	if content != "" {
		delta = chunkDelta{Role: "assistant", Content: content}
	}
	chunk := completionChunk{
		ID:      newCompletionID(),
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		logging.RelayWarn("[Normalize] Failed to marshal chunk: %v", err)
		return ""
	}
	return "data: " + string(data) + "\n\n"
}

func stopFinish() *string {
	s := "stop"
	return &s
}

// streamState is the per-stream fold state.
type streamState struct {
	model             string
	imageMode         bool
	isThinking        bool
	thinkingFinished  bool
	videoStarted      bool
	lastVideoProgress int
}

// foldTerm marks a terminal fold outcome.
type foldTerm struct {
	status int
	err    error
}

// Stream converts an upstream ND-JSON body into OpenAI SSE chunks.
//
// Chunks arrive on the returned string channel already framed as
// "data: {...}\n\n" lines ending with a [DONE] marker; both channels
// close when the stream ends. Stream owns body and closes it. onDone
// fires exactly once with the terminal status and elapsed time whether
// the stream ends cleanly, fails, or the context is cancelled.
func (n *Normalizer) Stream(ctx context.Context, body io.ReadCloser, model string, onDone CompletionFunc) (<-chan string, <-chan error) {
	chunks := make(chan string, 100)
	errs := make(chan error, 1)

	start := time.Now()
	var once sync.Once
	finish := func(status int, err error) {
		once.Do(func() {
			if onDone != nil {
				onDone(StreamResult{Status: status, Err: err, Duration: time.Since(start)})
			}
		})
	}

	go func() {
		defer close(chunks)
		defer close(errs)
		defer body.Close()

		st := streamState{model: model, lastVideoProgress: -1}

		emit := func(chunk string) bool {
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

		// The scanner runs in its own goroutine so we can watch
		// ctx.Done() and force-close the body to unblock Scan.
		scanDone := make(chan struct{})
		outcome := make(chan foldTerm, 1)

		go func() {
			defer close(scanDone)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				out, term := n.fold(&st, []byte(line))
				for _, chunk := range out {
					if !emit(chunk) {
						outcome <- foldTerm{status: statusClientClosed, err: ctx.Err()}
						return
					}
				}
				if term != nil {
					outcome <- *term
					return
				}
			}
			if err := scanner.Err(); err != nil {
				outcome <- foldTerm{status: 500, err: fmt.Errorf("reading upstream stream: %w", err)}
				return
			}
			if !emit(makeChunk(st.model, "", stopFinish())) || !emit(doneFrame) {
				outcome <- foldTerm{status: statusClientClosed, err: ctx.Err()}
				return
			}
			outcome <- foldTerm{status: 200}
		}()

		select {
		case <-scanDone:
			term := <-outcome
			if term.err != nil {
				errs <- term.err
			}
			finish(term.status, term.err)
		case <-ctx.Done():
			// Closing the body unblocks scanner.Scan.
			body.Close()
			<-scanDone
			<-outcome
			errs <- ctx.Err()
			finish(statusClientClosed, ctx.Err())
		}
	}()

	return chunks, errs
}

// fold processes one upstream line and returns the SSE chunks it
// produces plus a terminal marker when the stream must end here.
func (n *Normalizer) fold(st *streamState, line []byte) (out []string, term *foldTerm) {
	for _, ev := range ParseStreamEvents(line) {
		switch ev := ev.(type) {
		case ErrorEvent:
			if ev.Moderated() {
				logging.RelayWarn("[Normalize] Stream refused mid-flight: %s", ev.Message)
				out = append(out, makeChunk(st.model, "", stopFinish()), doneFrame)
				return out, &foldTerm{status: 500, err: ErrContentModerated}
			}
			logging.RelayWarn("[Normalize] Upstream stream error: %s", ev.Message)
			out = append(out, makeChunk(st.model, "Error: "+ev.Message, stopFinish()), doneFrame)
			return out, &foldTerm{status: 500, err: fmt.Errorf("upstream stream error: %s", ev.Message)}

		case UserResponseEvent:
			if ev.Model != "" {
				st.model = ev.Model
			}

		case VideoProgressEvent:
			if ev.Progress > st.lastVideoProgress {
				st.lastVideoProgress = ev.Progress
				if n.ShowThinking {
					var content string
					switch {
					case !st.videoStarted:
						content = fmt.Sprintf("<think>Generating video %d%%\n", ev.Progress)
						st.videoStarted = true
					case ev.Progress < 100:
						content = fmt.Sprintf("Generating video %d%%\n", ev.Progress)
					default:
						content = fmt.Sprintf("Generating video %d%%</think>\n", ev.Progress)
					}
					out = append(out, makeChunk(st.model, content, nil))
				}
			}
			if ev.VideoURL != "" {
				out = append(out, makeChunk(st.model, n.videoContent(ev.VideoURL), nil))
			}

		case ImageAttachmentEvent:
			st.imageMode = true

		case ModelResponseEvent:
			if !st.imageMode {
				// Conversation streams already carried the text
				// token by token; the aggregate is a duplicate.
				continue
			}
			parts := make([]string, 0, len(ev.GeneratedImages))
			for _, img := range ev.GeneratedImages {
				if img == "" {
					continue
				}
				parts = append(parts, "![Generated Image]("+n.proxyURL(img)+")")
			}
			// Blank line first so the images start their own
			// markdown paragraph.
			body := "\n\n" + strings.Join(parts, "\n\n") + "\n"
			out = append(out, makeChunk(st.model, body, nil), makeChunk(st.model, "", stopFinish()), doneFrame)
			return out, &foldTerm{status: 200}

		case TokenEvent:
			if st.imageMode {
				if ev.Text != "" {
					out = append(out, makeChunk(st.model, ev.Text, nil))
				}
				continue
			}
			if n.tokenFiltered(ev.Text) {
				continue
			}
			if st.thinkingFinished && ev.Thinking {
				continue
			}
			if ev.Text == "" {
				continue
			}

			content := ev.Text
			if ev.Tag == "header" {
				content = "\n\n" + ev.Text + "\n\n"
			}

			skip := false
			switch {
			case !st.isThinking && ev.Thinking:
				if n.ShowThinking {
					content = "<think>\n" + content
				} else {
					skip = true
				}
			case st.isThinking && !ev.Thinking:
				if n.ShowThinking {
					content = "\n</think>\n" + content
				}
				st.thinkingFinished = true
			case ev.Thinking:
				if !n.ShowThinking {
					skip = true
				}
			}
			if !skip {
				out = append(out, makeChunk(st.model, content, nil))
			}
			st.isThinking = ev.Thinking
		}
	}
	return out, nil
}
