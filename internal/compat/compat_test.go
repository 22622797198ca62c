package compat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		"https://api.openai.com":                      "https://api.openai.com/v1",
		"https://api.openai.com/v1":                   "https://api.openai.com/v1",
		"https://api.openai.com/v1/chat/completions":  "https://api.openai.com/v1",
		"https://open.bigmodel.cn/api/paas/v4/v1":     "https://open.bigmodel.cn/api/paas/v4",
		"https://example.com//v1//chat/":              "https://example.com/v1",
		"https://example.com/v1/messages":             "https://example.com/v1",
		"https://example.com/v1/completions":          "https://example.com/v1",
		"":                                            "",
		"https://example.com/v1/chat/completions/":    "https://example.com/v1",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeBaseURL(in), "input %q", in)
	}
}

func TestNormalizeBaseURLIdempotent(t *testing.T) {
	inputs := []string{
		"https://api.openai.com/v1/chat/completions",
		"https://open.bigmodel.cn/api/paas/v4/v1",
		"https://example.com//double//slashes/chat",
		"https://example.com",
	}
	for _, in := range inputs {
		once := NormalizeBaseURL(in)
		assert.Equal(t, once, NormalizeBaseURL(once), "input %q", in)
	}
}

func TestSplitDottedToolName(t *testing.T) {
	base, server, ok := SplitDottedToolName("github.read_file")
	assert.True(t, ok)
	assert.Equal(t, "read_file", base)
	assert.Equal(t, "github", server)

	base, server, ok = SplitDottedToolName("a.b.search")
	assert.True(t, ok)
	assert.Equal(t, "search", base)
	assert.Equal(t, "a.b", server)

	_, _, ok = SplitDottedToolName("plain_tool")
	assert.False(t, ok)

	// base name not in the whitelist
	_, _, ok = SplitDottedToolName("server.delete_everything")
	assert.False(t, ok)

	_, _, ok = SplitDottedToolName(".read_file")
	assert.False(t, ok)
}

func TestCompactMessagesMergesAssistantToolCalls(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"assistant","tool_calls":[{"id":"c1","type":"function","function":{"name":"read_file","arguments":"{}"}}]},
		{"role":"assistant","tool_calls":[{"id":"c2","type":"function","function":{"name":"search","arguments":"{}"}}]},
		{"role":"tool","tool_call_id":"c1","content":"part one"},
		{"role":"tool","tool_call_id":"c1","content":"part two"},
		{"role":"tool","tool_call_id":"c2","content":"result"}
	]}`)

	out := CompactMessages(body)
	messages := gjson.GetBytes(out, "messages").Array()
	require.Len(t, messages, 3)

	calls := messages[0].Get("tool_calls").Array()
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].Get("id").String())
	assert.Equal(t, "c2", calls[1].Get("id").String())

	assert.Equal(t, "part one\npart two", messages[1].Get("content").String())
	assert.Equal(t, "c1", messages[1].Get("tool_call_id").String())
	assert.Equal(t, "result", messages[2].Get("content").String())
}

// The (tool_call_id -> concatenated content) mapping must be identical
// before and after compaction.
func TestCompactMessagesPreservesToolContent(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"user","content":"go"},
		{"role":"assistant","tool_calls":[{"id":"a","type":"function","function":{"name":"fetch","arguments":"{}"}}]},
		{"role":"tool","tool_call_id":"a","content":"one"},
		{"role":"tool","tool_call_id":"a","content":"two"},
		{"role":"assistant","content":"done"}
	]}`)

	gather := func(raw []byte) map[string]string {
		acc := make(map[string]string)
		gjson.GetBytes(raw, "messages").ForEach(func(_, m gjson.Result) bool {
			if m.Get("role").String() == "tool" {
				id := m.Get("tool_call_id").String()
				if acc[id] != "" {
					acc[id] += "\n"
				}
				acc[id] += m.Get("content").String()
			}
			return true
		})
		return acc
	}

	out := CompactMessages(body)
	assert.Equal(t, gather(body), gather(out))

	// assistant tool_calls still precede their tool responses
	messages := gjson.GetBytes(out, "messages").Array()
	require.Len(t, messages, 4)
	assert.Equal(t, "assistant", messages[1].Get("role").String())
	assert.Equal(t, "tool", messages[2].Get("role").String())
}

func TestCompactMessagesKeepsDistinctToolIDs(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"tool","tool_call_id":"a","content":"one"},
		{"role":"tool","tool_call_id":"b","content":"two"}
	]}`)
	out := CompactMessages(body)
	assert.Len(t, gjson.GetBytes(out, "messages").Array(), 2)
}

func TestExtractToolSchemas(t *testing.T) {
	body := []byte(`{"tools":[{"type":"function","function":{
		"name":"read_file",
		"parameters":{"type":"object","properties":{
			"path":{"type":"string"},
			"lines":{"type":"array","items":{"type":"string"},"minItems":1}
		},"required":["path"]}}}]}`)

	schemas := ExtractToolSchemas(body)
	require.Contains(t, schemas, "read_file")
	schema := schemas["read_file"]
	assert.Equal(t, "string", schema.Properties["path"].Type)
	assert.Equal(t, "string", schema.Properties["lines"].Items)
	assert.Equal(t, 1, schema.Properties["lines"].MinItems)
	assert.Equal(t, []string{"path"}, schema.Required)
}

func TestValidateToolCalls(t *testing.T) {
	schemas := ExtractToolSchemas([]byte(`{"tools":[{"type":"function","function":{
		"name":"read_file",
		"parameters":{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}}}]}`))

	valid := []byte(`{"choices":[{"message":{"tool_calls":[
		{"function":{"name":"read_file","arguments":"{\"path\":\"a.txt\"}"}}]}}]}`)
	assert.NoError(t, ValidateToolCalls(valid, schemas))

	unknownTool := []byte(`{"choices":[{"message":{"tool_calls":[
		{"function":{"name":"write_file","arguments":"{}"}}]}}]}`)
	assert.Error(t, ValidateToolCalls(unknownTool, schemas))

	badJSON := []byte(`{"choices":[{"message":{"tool_calls":[
		{"function":{"name":"read_file","arguments":"not json"}}]}}]}`)
	assert.Error(t, ValidateToolCalls(badJSON, schemas))

	missingRequired := []byte(`{"choices":[{"message":{"tool_calls":[
		{"function":{"name":"read_file","arguments":"{}"}}]}}]}`)
	assert.Error(t, ValidateToolCalls(missingRequired, schemas))

	unknownKey := []byte(`{"choices":[{"message":{"tool_calls":[
		{"function":{"name":"read_file","arguments":"{\"path\":\"a\",\"mode\":\"x\"}"}}]}}]}`)
	assert.Error(t, ValidateToolCalls(unknownKey, schemas))

	wrongType := []byte(`{"choices":[{"message":{"tool_calls":[
		{"function":{"name":"read_file","arguments":"{\"path\":7}"}}]}}]}`)
	assert.Error(t, ValidateToolCalls(wrongType, schemas))
}
