package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func testNormalizer() *Normalizer {
	return &Normalizer{
		BaseURL:      "https://api.example.com",
		ShowThinking: true,
		FilteredTags: []string{"xaiartifact", "xai:tool_usage_card"},
	}
}

func ndjson(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestCollectConversation(t *testing.T) {
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"userResponse":{"model":"grok-3"}}}}`,
		`{"result":{"response":{"token":"Hel"}}}`,
		`{"result":{"response":{"token":"lo"}}}`,
		`{"result":{"response":{"modelResponse":{"message":"Hello","model":"grok-3"}}}}`,
	)

	res, err := n.Collect(strings.NewReader(body), "grok-3")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if res.Text != "Hello" {
		t.Errorf("Expected aggregate message, got %q", res.Text)
	}
	if res.Model != "grok-3" {
		t.Errorf("Expected model grok-3, got %q", res.Model)
	}
	if res.Finish != "stop" {
		t.Errorf("Expected finish stop, got %q", res.Finish)
	}
	if len(res.Assets) != 0 {
		t.Errorf("Expected no assets, got %v", res.Assets)
	}
}

func TestCollectGeneratedImages(t *testing.T) {
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"modelResponse":{"message":"Done","generatedImageUrls":["users/u1/gen/a.jpg","users/u1/gen/b.jpg"]}}}}`,
	)

	res, err := n.Collect(strings.NewReader(body), "grok-imagine-0.9")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	want := "Done" +
		"\n![Generated Image](https://api.example.com/images/users/u1/gen/a.jpg)" +
		"\n![Generated Image](https://api.example.com/images/users/u1/gen/b.jpg)"
	if res.Text != want {
		t.Errorf("Unexpected content:\n got %q\nwant %q", res.Text, want)
	}
	if len(res.Assets) != 2 || res.Assets[1] != "users/u1/gen/b.jpg" {
		t.Errorf("Expected asset paths recorded, got %v", res.Assets)
	}
}

func TestCollectVideo(t *testing.T) {
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"users/u1/gen/clip.mp4"}}}}`,
	)

	res, err := n.Collect(strings.NewReader(body), "")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	want := `<video src="https://api.example.com/images/users/u1/gen/clip.mp4" controls="controls" width="500" height="300"></video>` + "\n"
	if res.Text != want {
		t.Errorf("Unexpected video content:\n got %q\nwant %q", res.Text, want)
	}
	if res.Model != fallbackImageModel {
		t.Errorf("Expected image model fallback, got %q", res.Model)
	}
}

func TestCollectModerated(t *testing.T) {
	n := testNormalizer()
	body := ndjson(`{"error":{"message":"Content-Moderated","code":3}}`)

	_, err := n.Collect(strings.NewReader(body), "grok-3")
	if !errors.Is(err, ErrContentModerated) {
		t.Fatalf("Expected ErrContentModerated, got %v", err)
	}
}

func TestCollectModelResponseModerated(t *testing.T) {
	n := testNormalizer()
	body := ndjson(`{"result":{"response":{"modelResponse":{"error":"content-moderated"}}}}`)

	_, err := n.Collect(strings.NewReader(body), "grok-3")
	if !errors.Is(err, ErrContentModerated) {
		t.Fatalf("Expected ErrContentModerated, got %v", err)
	}
}

func TestCollectUpstreamError(t *testing.T) {
	n := testNormalizer()
	body := ndjson(`{"error":{"message":"quota exceeded","code":8}}`)

	_, err := n.Collect(strings.NewReader(body), "grok-3")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("Expected upstream error surfaced, got %v", err)
	}
}

func TestCollectNoResponse(t *testing.T) {
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"token":"partial"}}}`,
	)

	_, err := n.Collect(strings.NewReader(body), "grok-3")
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("Expected ErrNoResponse, got %v", err)
	}
}

func TestCollectSkipsUnrecognizedLines(t *testing.T) {
	n := testNormalizer()
	body := ndjson(
		`not json at all`,
		`{"result":{"response":{"unknownField":true}}}`,
		`{"result":{"response":{"modelResponse":{"message":"ok"}}}}`,
	)

	res, err := n.Collect(strings.NewReader(body), "grok-3")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if res.Text != "ok" {
		t.Errorf("Expected aggregate after junk lines, got %q", res.Text)
	}
}

func TestCompletionShape(t *testing.T) {
	res := &Result{Text: "Hello world", Model: "grok-3", Finish: "stop", Created: time.Unix(1700000000, 0)}

	c := res.Completion("What's up?")
	if !strings.HasPrefix(c.ID, "chatcmpl-") {
		t.Errorf("Expected chatcmpl id, got %q", c.ID)
	}
	if c.Object != "chat.completion" {
		t.Errorf("Expected chat.completion object, got %q", c.Object)
	}
	if c.Created != 1700000000 {
		t.Errorf("Expected created stamp carried, got %d", c.Created)
	}
	if len(c.Choices) != 1 {
		t.Fatalf("Expected 1 choice, got %d", len(c.Choices))
	}
	choice := c.Choices[0]
	if choice.Message.Role != "assistant" || choice.Message.Content != "Hello world" {
		t.Errorf("Unexpected message: %+v", choice.Message)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("Expected finish stop, got %q", choice.FinishReason)
	}
}

func TestCompletionUsageEstimate(t *testing.T) {
	res := &Result{Text: "0123456789", Created: time.Now()} // 10 bytes -> 2 tokens

	c := res.Completion("12345678") // 8 bytes -> 2 tokens
	if c.Usage.PromptTokens != 2 || c.Usage.CompletionTokens != 2 || c.Usage.TotalTokens != 4 {
		t.Errorf("Unexpected usage: %+v", c.Usage)
	}

	c = res.Completion("")
	if c.Usage.PromptTokens != 0 {
		t.Errorf("Expected 0 prompt tokens for empty prompt, got %d", c.Usage.PromptTokens)
	}

	tiny := &Result{Text: "ab", Created: time.Now()}
	if got := tiny.Completion("x").Usage.CompletionTokens; got != 1 {
		t.Errorf("Expected completion estimate floor of 1, got %d", got)
	}
}

func TestExtractImageRefs(t *testing.T) {
	content := "Two for you\n\n" +
		"![Generated Image](https://api.example.com/images/users/u1/a.jpg)\n\n" +
		"![Generated Image](/images/users/u1/b.jpg)\n"

	refs := ExtractImageRefs(content)
	if len(refs) != 2 {
		t.Fatalf("Expected 2 refs, got %d: %v", len(refs), refs)
	}
	if refs[0] != "https://api.example.com/images/users/u1/a.jpg" {
		t.Errorf("Expected absolute ref first, got %q", refs[0])
	}
	if refs[1] != "/images/users/u1/b.jpg" {
		t.Errorf("Expected relative ref second, got %q", refs[1])
	}

	if got := ExtractImageRefs("no images here"); len(got) != 0 {
		t.Errorf("Expected no refs, got %v", got)
	}
}

func TestProxyURL(t *testing.T) {
	n := &Normalizer{BaseURL: "https://api.example.com/"}
	if got := n.proxyURL("users/u1/a.jpg"); got != "https://api.example.com/images/users/u1/a.jpg" {
		t.Errorf("Unexpected proxy url: %q", got)
	}

	bare := &Normalizer{}
	if got := bare.proxyURL("/users/u1/a.jpg"); got != "/images/users/u1/a.jpg" {
		t.Errorf("Expected relative proxy url, got %q", got)
	}
}

// decodedChunk mirrors the wire shape of one SSE chunk for assertions.
type decodedChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// drainStream collects every frame and the terminal callback result.
func drainStream(t *testing.T, n *Normalizer, body string, model string) ([]decodedChunk, bool, StreamResult, []error) {
	t.Helper()

	var calls int32
	var result StreamResult
	onDone := func(res StreamResult) {
		atomic.AddInt32(&calls, 1)
		result = res
	}

	chunks, errs := n.Stream(context.Background(), io.NopCloser(strings.NewReader(body)), model, onDone)

	var decoded []decodedChunk
	sawDone := false
	for frame := range chunks {
		payload := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var c decodedChunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("Malformed chunk %q: %v", frame, err)
		}
		decoded = append(decoded, c)
	}

	var streamErrs []error
	for err := range errs {
		streamErrs = append(streamErrs, err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("Expected completion callback exactly once, got %d", got)
	}
	return decoded, sawDone, result, streamErrs
}

func contents(chunks []decodedChunk) []string {
	var out []string
	for _, c := range chunks {
		if len(c.Choices) > 0 && c.Choices[0].Delta.Content != "" {
			out = append(out, c.Choices[0].Delta.Content)
		}
	}
	return out
}

func TestStreamTokens(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"userResponse":{"model":"grok-3"}}}}`,
		`{"result":{"response":{"token":"Hel"}}}`,
		`{"result":{"response":{"token":"lo"}}}`,
	)

	chunks, sawDone, res, errs := drainStream(t, n, body, "")
	if got := contents(chunks); len(got) != 2 || got[0] != "Hel" || got[1] != "lo" {
		t.Errorf("Unexpected contents: %v", got)
	}
	if !sawDone {
		t.Error("Expected [DONE] marker")
	}
	if res.Status != 200 || res.Err != nil {
		t.Errorf("Unexpected stream result: %+v", res)
	}
	if len(errs) != 0 {
		t.Errorf("Unexpected stream errors: %v", errs)
	}

	// Announced model carried on subsequent chunks, finish on the last.
	if chunks[0].Model != "grok-3" {
		t.Errorf("Expected announced model, got %q", chunks[0].Model)
	}
	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Errorf("Expected trailing stop chunk, got %+v", last.Choices[0])
	}
	if last.Choices[0].Delta.Content != "" || last.Choices[0].Delta.Role != "" {
		t.Errorf("Expected empty delta on stop chunk, got %+v", last.Choices[0].Delta)
	}
}

func TestStreamModelFallback(t *testing.T) {
	n := testNormalizer()
	body := ndjson(`{"result":{"response":{"token":"hi"}}}`)

	chunks, _, _, _ := drainStream(t, n, body, "")
	if chunks[0].Model != fallbackStreamModel {
		t.Errorf("Expected fallback model, got %q", chunks[0].Model)
	}
}

func TestStreamThinkingTransitions(t *testing.T) {
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"token":"plan","isThinking":true}}}`,
		`{"result":{"response":{"token":"more","isThinking":true}}}`,
		`{"result":{"response":{"token":"answer","isThinking":false}}}`,
	)

	chunks, _, _, _ := drainStream(t, n, body, "grok-4")
	got := contents(chunks)
	want := []string{"<think>\nplan", "more", "\n</think>\nanswer"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d content chunks, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Chunk %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamHidesThinking(t *testing.T) {
	n := testNormalizer()
	n.ShowThinking = false
	body := ndjson(
		`{"result":{"response":{"token":"plan","isThinking":true}}}`,
		`{"result":{"response":{"token":"answer","isThinking":false}}}`,
	)

	chunks, _, _, _ := drainStream(t, n, body, "grok-4")
	got := contents(chunks)
	if len(got) != 1 || got[0] != "answer" {
		t.Errorf("Expected thinking hidden, got %v", got)
	}
}

func TestStreamSuppressesThinkingAfterFinish(t *testing.T) {
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"token":"plan","isThinking":true}}}`,
		`{"result":{"response":{"token":"answer","isThinking":false}}}`,
		`{"result":{"response":{"token":"late thought","isThinking":true}}}`,
		`{"result":{"response":{"token":" and more","isThinking":false}}}`,
	)

	chunks, _, _, _ := drainStream(t, n, body, "grok-4")
	got := contents(chunks)
	want := []string{"<think>\nplan", "\n</think>\nanswer", " and more"}
	if len(got) != len(want) {
		t.Fatalf("Expected late thinking dropped, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Chunk %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamHeaderTagSpacing(t *testing.T) {
	n := testNormalizer()
	body := ndjson(`{"result":{"response":{"token":"Title","messageTag":"header"}}}`)

	chunks, _, _, _ := drainStream(t, n, body, "grok-4")
	got := contents(chunks)
	if len(got) != 1 || got[0] != "\n\nTitle\n\n" {
		t.Errorf("Expected header spacing, got %v", got)
	}
}

func TestStreamFiltersTaggedTokens(t *testing.T) {
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"token":"<xaiartifact id=1>"}}}`,
		`{"result":{"response":{"token":"kept"}}}`,
	)

	chunks, _, _, _ := drainStream(t, n, body, "grok-4")
	got := contents(chunks)
	if len(got) != 1 || got[0] != "kept" {
		t.Errorf("Expected filtered token dropped, got %v", got)
	}
}

func TestStreamVideoProgress(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":0}}}}`,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":50}}}}`,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"users/u1/gen/clip.mp4"}}}}`,
	)

	chunks, sawDone, res, _ := drainStream(t, n, body, "grok-imagine-0.9")
	got := contents(chunks)
	want := []string{
		"<think>Generating video 0%\n",
		"Generating video 50%\n",
		"Generating video 100%</think>\n",
		`<video src="https://api.example.com/images/users/u1/gen/clip.mp4" controls="controls" width="500" height="300"></video>` + "\n",
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d chunks, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Chunk %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if !sawDone || res.Status != 200 {
		t.Errorf("Expected clean completion, done=%v result=%+v", sawDone, res)
	}
}

func TestStreamVideoProgressHiddenWithoutThinking(t *testing.T) {
	n := testNormalizer()
	n.ShowThinking = false
	body := ndjson(
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":50}}}}`,
		`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"users/u1/gen/clip.mp4"}}}}`,
	)

	chunks, _, _, _ := drainStream(t, n, body, "grok-imagine-0.9")
	got := contents(chunks)
	if len(got) != 1 || !strings.HasPrefix(got[0], "<video src=") {
		t.Errorf("Expected only the video tag, got %v", got)
	}
}

func TestStreamImageMode(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"imageAttachmentInfo":[{"id":"i1"}],"token":"sketching"}}}`,
		`{"result":{"response":{"modelResponse":{"generatedImageUrls":["users/u1/gen/a.jpg","users/u1/gen/b.jpg"]}}}}`,
		`{"result":{"response":{"token":"never seen"}}}`,
	)

	chunks, sawDone, res, _ := drainStream(t, n, body, "grok-imagine-0.9")
	got := contents(chunks)
	want := []string{
		"sketching",
		"\n\n![Generated Image](https://api.example.com/images/users/u1/gen/a.jpg)\n\n" +
			"![Generated Image](https://api.example.com/images/users/u1/gen/b.jpg)\n",
	}
	if len(got) != len(want) {
		t.Fatalf("Expected image emission to end the stream, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Chunk %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if !sawDone || res.Status != 200 {
		t.Errorf("Expected clean completion, done=%v result=%+v", sawDone, res)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"token":"partial"}}}`,
		`{"error":{"message":"upstream exploded","code":13}}`,
	)

	chunks, sawDone, res, errs := drainStream(t, n, body, "grok-4")
	got := contents(chunks)
	if len(got) != 2 || got[1] != "Error: upstream exploded" {
		t.Errorf("Expected inline error chunk, got %v", got)
	}
	if !sawDone {
		t.Error("Expected [DONE] after error chunk")
	}
	if res.Status != 500 || res.Err == nil {
		t.Errorf("Expected failed result, got %+v", res)
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "upstream exploded") {
		t.Errorf("Expected terminal error surfaced, got %v", errs)
	}
}

func TestStreamModeratedMidflight(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := testNormalizer()
	body := ndjson(
		`{"result":{"response":{"token":"so far so good"}}}`,
		`{"error":{"message":"content-moderated","code":3}}`,
	)

	chunks, sawDone, res, errs := drainStream(t, n, body, "grok-4")
	got := contents(chunks)
	if len(got) != 1 || got[0] != "so far so good" {
		t.Errorf("Expected no refusal text in stream, got %v", got)
	}
	if !sawDone {
		t.Error("Expected stream to end with [DONE]")
	}
	if !errors.Is(res.Err, ErrContentModerated) {
		t.Errorf("Expected moderated result, got %+v", res)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrContentModerated) {
		t.Errorf("Expected moderated error on channel, got %v", errs)
	}
}

func TestStreamContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	n := testNormalizer()

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	var result StreamResult
	chunks, errs := n.Stream(ctx, pr, "grok-4", func(res StreamResult) {
		atomic.AddInt32(&calls, 1)
		result = res
	})

	if _, err := pw.Write([]byte(`{"result":{"response":{"token":"first"}}}` + "\n")); err != nil {
		t.Fatalf("Pipe write failed: %v", err)
	}
	first := <-chunks
	if !strings.Contains(first, "first") {
		t.Errorf("Expected first token delivered, got %q", first)
	}

	cancel()

	for range chunks {
	}
	var streamErr error
	for err := range errs {
		streamErr = err
	}
	pw.Close()

	if !errors.Is(streamErr, context.Canceled) {
		t.Errorf("Expected context error, got %v", streamErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("Expected completion callback exactly once, got %d", calls)
	}
	if result.Status != statusClientClosed {
		t.Errorf("Expected client-closed status, got %d", result.Status)
	}
}
