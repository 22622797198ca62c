package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
	"github.com/Jasonzhangf/routecodex-sub002/internal/meta"
	"github.com/Jasonzhangf/routecodex-sub002/internal/ratelimit"
	"github.com/Jasonzhangf/routecodex-sub002/internal/sink"
)

func newTestPipeline(t *testing.T, upstream http.HandlerFunc, mutate func(*config.Provider)) *Pipeline {
	t.Helper()
	stub := httptest.NewServer(upstream)
	t.Cleanup(stub.Close)

	decl := config.Provider{ID: "iflow_main", Type: "iflow", BaseURL: stub.URL, APIKey: "k", Models: []string{"glm-4-plus"}}
	if mutate != nil {
		mutate(&decl)
	}
	cfg := &config.Config{
		Providers: []config.Provider{decl},
		Routes:    map[string][]string{"default": {"iflow_main.glm-4-plus"}},
	}
	manager, err := NewManager(cfg, nil, ratelimit.NewState(), sink.Nop{}, stub.Client())
	require.NoError(t, err)
	pl := manager.Pipeline("iflow_main.glm-4-plus")
	require.NotNil(t, pl)
	return pl
}

func upstreamBody(r *http.Request) gjson.Result {
	data, _ := io.ReadAll(r.Body)
	return gjson.ParseBytes(data)
}

const completion = `{"id":"chatcmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"total_tokens":5}}`

func sseChunks(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n")
	fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n")
	fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"total_tokens\":5}}\n\n")
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestExecuteNonStreaming(t *testing.T) {
	pl := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		body := upstreamBody(r)
		assert.Equal(t, "glm-4-plus", body.Get("model").String(), "pipeline pins its model")
		assert.False(t, body.Get("stream").Exists())
		assert.False(t, body.Get("_rcc_meta").Exists(), "metadata envelope never leaves the process")
		fmt.Fprint(w, completion)
	}, nil)

	md := &meta.Metadata{RequestID: "r1"}
	resp, err := pl.Execute(context.Background(), meta.Attach([]byte(`{"model":"whatever","messages":[]}`), md))
	require.NoError(t, err)
	require.NotNil(t, resp.Body)
	assert.Nil(t, resp.Stream)
	assert.Equal(t, "hi", gjson.GetBytes(resp.Body, "choices.0.message.content").String())
}

func TestExecuteStreamingPassthrough(t *testing.T) {
	pl := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		body := upstreamBody(r)
		assert.True(t, body.Get("stream").Bool())
		assert.True(t, body.Get("stream_options.include_usage").Bool())
		sseChunks(w)
	}, nil)

	md := &meta.Metadata{RequestID: "r1", Streaming: true}
	resp, err := pl.Execute(context.Background(), meta.Attach([]byte(`{"messages":[]}`), md))
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)

	var n int
	for range resp.Stream {
		n++
	}
	require.NoError(t, <-resp.Errs)
	assert.Equal(t, 3, n)
}

// A force-stream upstream answering a non-streaming client: the chunks are
// collected into a single completion.
func TestExecuteForceStreamCollects(t *testing.T) {
	pl := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, upstreamBody(r).Get("stream").Bool())
		sseChunks(w)
	}, func(decl *config.Provider) {
		decl.ForceStream = true
	})

	md := &meta.Metadata{RequestID: "r1", Streaming: false}
	resp, err := pl.Execute(context.Background(), meta.Attach([]byte(`{"messages":[]}`), md))
	require.NoError(t, err)
	require.NotNil(t, resp.Body)
	assert.Equal(t, "hi", gjson.GetBytes(resp.Body, "choices.0.message.content").String())
	assert.Equal(t, int64(5), gjson.GetBytes(resp.Body, "usage.total_tokens").Int())
}

// A no-stream upstream answering a streaming client: a stream is synthesized
// from the single completion.
func TestExecuteNoStreamSynthesizes(t *testing.T) {
	pl := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, upstreamBody(r).Get("stream").Exists())
		fmt.Fprint(w, completion)
	}, func(decl *config.Provider) {
		decl.NoStream = true
	})

	md := &meta.Metadata{RequestID: "r1", Streaming: true}
	resp, err := pl.Execute(context.Background(), meta.Attach([]byte(`{"messages":[]}`), md))
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)

	var sawContent, sawFinish bool
	for chunk := range resp.Stream {
		if gjson.GetBytes(chunk, "choices.0.delta.content").String() == "hi" {
			sawContent = true
		}
		if gjson.GetBytes(chunk, "choices.0.finish_reason").String() == "stop" {
			sawFinish = true
		}
	}
	assert.True(t, sawContent)
	assert.True(t, sawFinish)
}

func TestExecuteRejectsUndeclaredToolCall(t *testing.T) {
	pl := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","tool_calls":[{"id":"c1","type":"function","function":{"name":"not_declared","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`)
	}, nil)

	body := `{"messages":[],"tools":[{"type":"function","function":{"name":"declared","parameters":{"type":"object"}}}]}`
	_, err := pl.Execute(context.Background(), meta.Attach([]byte(body), &meta.Metadata{RequestID: "r1"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_declared")
}

// A translated-dialect upstream never streams; a streaming client gets a
// stream synthesized from the completed body.
func TestExecuteTranslatedWireSynthesizes(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-pro:generateContent", r.URL.Path)
		body := upstreamBody(r)
		assert.False(t, body.Get("stream").Exists())
		assert.Equal(t, "hello", body.Get("contents.0.parts.0.text").String())
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":1,"totalTokenCount":2}}`)
	}))
	t.Cleanup(stub.Close)

	cfg := &config.Config{
		Providers: []config.Provider{{ID: "gemini_main", Type: "gemini", BaseURL: stub.URL, APIKey: "k", Models: []string{"gemini-2.5-pro"}}},
		Routes:    map[string][]string{"default": {"gemini_main.gemini-2.5-pro"}},
	}
	manager, err := NewManager(cfg, nil, ratelimit.NewState(), sink.Nop{}, stub.Client())
	require.NoError(t, err)
	pl := manager.Pipeline("gemini_main.gemini-2.5-pro")
	require.NotNil(t, pl)

	md := &meta.Metadata{RequestID: "r1", Streaming: true}
	resp, err := pl.Execute(context.Background(), meta.Attach([]byte(`{"messages":[{"role":"user","content":"hello"}]}`), md))
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)

	var sawContent bool
	for chunk := range resp.Stream {
		if gjson.GetBytes(chunk, "choices.0.delta.content").String() == "hi" {
			sawContent = true
		}
	}
	assert.True(t, sawContent)
}
