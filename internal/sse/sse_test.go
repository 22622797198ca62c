package sse

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestStreamWriterBasicSequence(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec)
	require.NoError(t, err)

	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`))
	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{"content":"hi"}}]}`))
	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`))
	w.Finish()

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, ": pre-stop ")
	assert.Contains(t, body, `"role":"assistant"`)
	assert.Contains(t, body, `"content":"hi"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestStreamWriterFinishReasonToolCalls(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec)
	require.NoError(t, err)

	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"x","function":{"name":"f","arguments":"{}"}}]}}]}`))
	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`))
	w.Finish()

	var terminal gjson.Result
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "data: {") {
			terminal = gjson.Parse(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, "tool_calls", terminal.Get("choices.0.finish_reason").String())
}

func TestStreamWriterStripsThinkTags(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec)
	require.NoError(t, err)

	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{"content":"<think>internal</think>visible"}}]}`))
	w.Finish()

	body := rec.Body.String()
	assert.NotContains(t, body, "internal")
	assert.Contains(t, body, `"content":"visible"`)
}

func TestThinkFilterAcrossChunks(t *testing.T) {
	var f thinkFilter
	out := f.filter("before<thi")
	out += f.filter("nk>hidden</th")
	out += f.filter("ink>after")
	assert.Equal(t, "beforeafter", out)
}

func TestThinkFilterPlainText(t *testing.T) {
	var f thinkFilter
	assert.Equal(t, "hello world", f.filter("hello world"))
}

func TestThinkFilterUnclosedSpanIsSuppressed(t *testing.T) {
	var f thinkFilter
	assert.Equal(t, "x", f.filter("x<think>never closed"))
	assert.Equal(t, "", f.filter("still thinking"))
}

func TestStreamWriterErrorChunk(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec)
	require.NoError(t, err)

	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant"}}]}`))
	w.WriteError([]byte(`{"message":"upstream broke","type":"server_error"}`))
	w.Finish()

	body := rec.Body.String()
	assert.Contains(t, body, "upstream broke")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

// A failure before any chunk still closes the pre-ping phase with the
// pre-stop marker.
func TestStreamWriterErrorBeforeFirstChunk(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec)
	require.NoError(t, err)

	w.WriteError([]byte(`{"message":"upstream broke","type":"server_error"}`))
	w.Finish()

	body := rec.Body.String()
	assert.Contains(t, body, ": pre-stop ")
	assert.Less(t, strings.Index(body, ": pre-stop "), strings.Index(body, "upstream broke"))
}

// An empty stream that finishes without a single chunk emits the pre-stop
// marker before [DONE].
func TestStreamWriterFinishWithoutChunks(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec)
	require.NoError(t, err)

	w.Finish()

	body := rec.Body.String()
	assert.Contains(t, body, ": pre-stop ")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestHeartbeatChunkShape(t *testing.T) {
	t.Setenv("RCC_SSE_HEARTBEAT_MODE", "chunk")
	t.Setenv("RCC_SSE_HEARTBEAT_STATUS_TEXT", "still working")

	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec)
	require.NoError(t, err)

	w.lastWrite = w.lastWrite.Add(-time.Hour)
	w.writeHeartbeat(HeartbeatInterval())

	line := strings.TrimSpace(rec.Body.String())
	require.True(t, strings.HasPrefix(line, "data: "))
	chunk := gjson.Parse(strings.TrimPrefix(line, "data: "))
	assert.True(t, chunk.Get("metadata.rccHeartbeat").Bool())
	assert.False(t, chunk.Get("choices.0.finish_reason").Exists())
	assert.Equal(t, "still working", chunk.Get("choices.0.delta.reasoning_content").String())
}

func TestHeartbeatCommentModeDefault(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewStreamWriter(rec)
	require.NoError(t, err)

	w.lastWrite = w.lastWrite.Add(-time.Hour)
	w.writeHeartbeat(HeartbeatInterval())

	assert.True(t, strings.HasPrefix(rec.Body.String(), ": ping"))
}

func TestAnthropicWriterTextSequence(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewAnthropicStreamWriter(rec)
	require.NoError(t, err)

	w.WriteChunk([]byte(`{"id":"chatcmpl-1","model":"claude-sonnet-4","choices":[{"index":0,"delta":{"role":"assistant"}}]}`))
	w.WriteChunk([]byte(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"hello"}}]}`))
	w.WriteChunk([]byte(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"completion_tokens":5}}`))
	w.Finish()

	body := rec.Body.String()
	order := []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
		"data: [DONE]",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(body, marker)
		require.GreaterOrEqual(t, idx, 0, "missing %s", marker)
		assert.Greater(t, idx, last, "%s out of order", marker)
		last = idx
	}
	assert.Contains(t, body, `"text_delta","text":"hello"`)
	assert.Contains(t, body, `"stop_reason":"end_turn"`)
	assert.Contains(t, body, `"output_tokens":5`)
}

func TestAnthropicWriterToolUse(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewAnthropicStreamWriter(rec)
	require.NoError(t, err)

	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`))
	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`))
	w.WriteChunk([]byte(`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`))
	w.Finish()

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"tool_use","id":"call_1","name":"search"`)
	assert.Contains(t, body, `"input_json_delta"`)
	assert.Contains(t, body, `"stop_reason":"tool_use"`)
}

func TestAnthropicWriterDropsHeartbeatChunks(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewAnthropicStreamWriter(rec)
	require.NoError(t, err)

	w.WriteChunk([]byte(`{"id":"hb","choices":[{"index":0,"delta":{"reasoning_content":"."}}],"metadata":{"rccHeartbeat":true}}`))
	w.Finish()

	assert.NotContains(t, rec.Body.String(), "message_start")
}
