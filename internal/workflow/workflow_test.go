package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func feed(chunks ...string) <-chan []byte {
	out := make(chan []byte, len(chunks))
	for _, c := range chunks {
		out <- []byte(c)
	}
	close(out)
	return out
}

func TestCollectStreamText(t *testing.T) {
	chunks := feed(
		`{"id":"c1","model":"glm-4.5","created":100,"choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"hel"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
	)

	out, err := CollectStream(context.Background(), chunks)
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	assert.Equal(t, "c1", root.Get("id").String())
	assert.Equal(t, "glm-4.5", root.Get("model").String())
	assert.Equal(t, "chat.completion", root.Get("object").String())
	assert.Equal(t, "hello", root.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", root.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(5), root.Get("usage.total_tokens").Int())
}

func TestCollectStreamMergesToolCallDeltas(t *testing.T) {
	chunks := feed(
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	out, err := CollectStream(context.Background(), chunks)
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	call := root.Get("choices.0.message.tool_calls.0")
	assert.Equal(t, "call_1", call.Get("id").String())
	assert.Equal(t, "search", call.Get("function.name").String())
	assert.Equal(t, `{"q":"go"}`, call.Get("function.arguments").String())
	assert.Equal(t, "tool_calls", root.Get("choices.0.finish_reason").String())
}

func TestCollectStreamDropsHeartbeats(t *testing.T) {
	chunks := feed(
		`{"id":"c1","choices":[{"index":0,"delta":{"reasoning_content":"."}}],"metadata":{"rccHeartbeat":true}}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"content":"real"}}]}`,
	)

	out, err := CollectStream(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, "real", gjson.GetBytes(out, "choices.0.message.content").String())
}

func TestCollectStreamCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunks := make(chan []byte)
	_, err := CollectStream(ctx, chunks)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectStreamToolCallsImplyFinishReason(t *testing.T) {
	// no finish_reason chunk at all
	chunks := feed(
		`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"x","function":{"name":"f","arguments":"{}"}}]}}]}`,
	)
	out, err := CollectStream(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, "tool_calls", gjson.GetBytes(out, "choices.0.finish_reason").String())
}

func TestSynthesizeStream(t *testing.T) {
	completion := []byte(`{
		"id":"chatcmpl-9","model":"glm-4.5","created":123,
		"choices":[{"index":0,"message":{"role":"assistant","content":"hi",
			"tool_calls":[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]},
			"finish_reason":"tool_calls"}],
		"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}
	}`)

	var chunks [][]byte
	for chunk := range SynthesizeStream(completion) {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 4)

	assert.Equal(t, "assistant", gjson.GetBytes(chunks[0], "choices.0.delta.role").String())
	assert.Equal(t, "hi", gjson.GetBytes(chunks[1], "choices.0.delta.content").String())

	call := gjson.GetBytes(chunks[2], "choices.0.delta.tool_calls.0")
	assert.Equal(t, "call_1", call.Get("id").String())
	assert.Equal(t, int64(0), call.Get("index").Int())

	terminal := gjson.ParseBytes(chunks[3])
	assert.Equal(t, "tool_calls", terminal.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(3), terminal.Get("usage.total_tokens").Int())

	for _, chunk := range chunks {
		assert.Equal(t, "chat.completion.chunk", gjson.GetBytes(chunk, "object").String())
		assert.Equal(t, "chatcmpl-9", gjson.GetBytes(chunk, "id").String())
	}
}

// Collecting a synthesized stream reproduces the original content.
func TestSynthesizeThenCollect(t *testing.T) {
	completion := []byte(`{
		"id":"chatcmpl-7","model":"m","created":5,
		"choices":[{"index":0,"message":{"role":"assistant","content":"round trip"},"finish_reason":"stop"}],
		"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}
	}`)

	out, err := CollectStream(context.Background(), SynthesizeStream(completion))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)
	assert.Equal(t, "round trip", root.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", root.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(4), root.Get("usage.total_tokens").Int())
}
