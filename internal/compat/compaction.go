package compat

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CompactMessages merges consecutive assistant tool_calls messages into one
// and coalesces consecutive tool messages that share a tool_call_id by
// concatenating their contents with a newline. Run after translation and
// before transport; ordering of assistant tool_calls ahead of their tool
// responses is preserved.
func CompactMessages(rawJSON []byte) []byte {
	messages := gjson.GetBytes(rawJSON, "messages")
	if !messages.Exists() || !messages.IsArray() {
		return rawJSON
	}

	type pending struct {
		raw       string
		role      string
		toolCalls []string
		toolID    string
		contents  []string
	}

	var out []string
	var last *pending

	flush := func() {
		if last == nil {
			return
		}
		switch {
		case last.role == "assistant" && len(last.toolCalls) > 0:
			msg := last.raw
			msg, _ = sjson.SetRaw(msg, "tool_calls", "["+strings.Join(last.toolCalls, ",")+"]")
			out = append(out, msg)
		case last.role == "tool":
			msg := last.raw
			msg, _ = sjson.Set(msg, "content", strings.Join(last.contents, "\n"))
			out = append(out, msg)
		default:
			out = append(out, last.raw)
		}
		last = nil
	}

	messages.ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		toolCalls := message.Get("tool_calls")

		if role == "assistant" && toolCalls.IsArray() {
			calls := make([]string, 0, 4)
			toolCalls.ForEach(func(_, call gjson.Result) bool {
				calls = append(calls, call.Raw)
				return true
			})
			if last != nil && last.role == "assistant" && len(last.toolCalls) > 0 {
				// Merge into the previous assistant tool_calls block.
				last.toolCalls = append(last.toolCalls, calls...)
				return true
			}
			flush()
			last = &pending{raw: message.Raw, role: role, toolCalls: calls}
			return true
		}

		if role == "tool" {
			id := message.Get("tool_call_id").String()
			content := message.Get("content").String()
			if last != nil && last.role == "tool" && last.toolID == id {
				last.contents = append(last.contents, content)
				return true
			}
			flush()
			last = &pending{raw: message.Raw, role: role, toolID: id, contents: []string{content}}
			return true
		}

		flush()
		last = &pending{raw: message.Raw, role: role}
		return true
	})
	flush()

	result, err := sjson.SetRawBytes(rawJSON, "messages", []byte("["+strings.Join(out, ",")+"]"))
	if err != nil {
		return rawJSON
	}
	return result
}
