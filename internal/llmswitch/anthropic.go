// Package llmswitch translates request and response payloads between the
// OpenAI chat, Anthropic messages and Gemini generateContent wire shapes.
// All functions work on raw JSON bytes with gjson/sjson; role, content
// (string or parts), tool_calls, tool_call_id and name survive a round trip
// losslessly.
package llmswitch

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIRequestToAnthropic converts an OpenAI chat completions request into
// an Anthropic messages request. System messages move to the top-level
// system field, assistant tool_calls become tool_use blocks, and tool-role
// messages become user tool_result blocks.
func OpenAIRequestToAnthropic(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"model":"","max_tokens":32000,"messages":[]}`

	out, _ = sjson.Set(out, "model", root.Get("model").String())
	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	if stream := root.Get("stream"); stream.Exists() {
		out, _ = sjson.Set(out, "stream", stream.Bool())
	}
	if stop := root.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			var sequences []string
			stop.ForEach(func(_, v gjson.Result) bool {
				sequences = append(sequences, v.String())
				return true
			})
			out, _ = sjson.Set(out, "stop_sequences", sequences)
		} else {
			out, _ = sjson.Set(out, "stop_sequences", []string{stop.String()})
		}
	}

	var systemParts []string
	msgIndex := 0
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		switch role {
		case "system":
			systemParts = append(systemParts, content.String())
		case "user":
			path := fmt.Sprintf("messages.%d", msgIndex)
			msgIndex++
			out, _ = sjson.Set(out, path+".role", "user")
			if content.Type == gjson.String {
				out, _ = sjson.Set(out, path+".content", content.String())
			} else if content.IsArray() {
				out, _ = sjson.SetRaw(out, path+".content", convertOpenAIPartsToAnthropic(content))
			}
		case "assistant":
			path := fmt.Sprintf("messages.%d", msgIndex)
			msgIndex++
			out, _ = sjson.Set(out, path+".role", "assistant")
			toolCalls := message.Get("tool_calls")
			if toolCalls.IsArray() {
				blocks := "[]"
				blockIndex := 0
				if content.Type == gjson.String && content.String() != "" {
					blocks, _ = sjson.Set(blocks, "0.type", "text")
					blocks, _ = sjson.Set(blocks, "0.text", content.String())
					blockIndex = 1
				}
				toolCalls.ForEach(func(_, call gjson.Result) bool {
					p := fmt.Sprintf("%d", blockIndex)
					blockIndex++
					blocks, _ = sjson.Set(blocks, p+".type", "tool_use")
					blocks, _ = sjson.Set(blocks, p+".id", call.Get("id").String())
					blocks, _ = sjson.Set(blocks, p+".name", call.Get("function.name").String())
					args := call.Get("function.arguments").String()
					if gjson.Valid(args) {
						blocks, _ = sjson.SetRaw(blocks, p+".input", args)
					} else {
						blocks, _ = sjson.SetRaw(blocks, p+".input", "{}")
					}
					return true
				})
				out, _ = sjson.SetRaw(out, path+".content", blocks)
			} else if content.Type == gjson.String {
				out, _ = sjson.Set(out, path+".content", content.String())
			} else if content.IsArray() {
				out, _ = sjson.SetRaw(out, path+".content", convertOpenAIPartsToAnthropic(content))
			}
		case "tool":
			path := fmt.Sprintf("messages.%d", msgIndex)
			msgIndex++
			out, _ = sjson.Set(out, path+".role", "user")
			block := `{"type":"tool_result"}`
			block, _ = sjson.Set(block, "tool_use_id", message.Get("tool_call_id").String())
			if content.Type == gjson.String {
				block, _ = sjson.Set(block, "content", content.String())
			} else if content.Exists() {
				// Anthropic tool results carry text; stringify object content.
				block, _ = sjson.Set(block, "content", content.Raw)
			}
			out, _ = sjson.SetRaw(out, path+".content", "["+block+"]")
		}
		return true
	})

	if len(systemParts) > 0 {
		out, _ = sjson.Set(out, "system", strings.Join(systemParts, "\n"))
	}

	if tools := root.Get("tools"); tools.IsArray() {
		toolIndex := 0
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			if !fn.Exists() {
				return true
			}
			path := fmt.Sprintf("tools.%d", toolIndex)
			toolIndex++
			out, _ = sjson.Set(out, path+".name", fn.Get("name").String())
			if desc := fn.Get("description"); desc.Exists() {
				out, _ = sjson.Set(out, path+".description", desc.String())
			}
			if params := fn.Get("parameters"); params.Exists() {
				out, _ = sjson.SetRaw(out, path+".input_schema", params.Raw)
			} else {
				out, _ = sjson.SetRaw(out, path+".input_schema", `{"type":"object","properties":{}}`)
			}
			return true
		})
	}

	return []byte(out)
}

// AnthropicRequestToOpenAI converts an Anthropic messages request into an
// OpenAI chat completions request: the inverse of OpenAIRequestToAnthropic.
func AnthropicRequestToOpenAI(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"model":"","messages":[]}`

	out, _ = sjson.Set(out, "model", root.Get("model").String())
	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "max_tokens", maxTokens.Int())
	}
	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "top_p", topP.Float())
	}
	if stream := root.Get("stream"); stream.Exists() {
		out, _ = sjson.Set(out, "stream", stream.Bool())
	}
	if stops := root.Get("stop_sequences"); stops.IsArray() {
		var sequences []string
		stops.ForEach(func(_, v gjson.Result) bool {
			sequences = append(sequences, v.String())
			return true
		})
		out, _ = sjson.Set(out, "stop", sequences)
	}

	msgIndex := 0
	if system := root.Get("system"); system.Exists() && system.String() != "" {
		out, _ = sjson.Set(out, "messages.0.role", "system")
		out, _ = sjson.Set(out, "messages.0.content", system.String())
		msgIndex = 1
	}

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		if role == "user" && content.IsArray() {
			// Split tool_result blocks into tool-role messages; everything
			// else stays user content.
			var textParts []string
			var otherParts []string
			hadToolResult := false
			content.ForEach(func(_, block gjson.Result) bool {
				switch block.Get("type").String() {
				case "tool_result":
					hadToolResult = true
					path := fmt.Sprintf("messages.%d", msgIndex)
					msgIndex++
					out, _ = sjson.Set(out, path+".role", "tool")
					out, _ = sjson.Set(out, path+".tool_call_id", block.Get("tool_use_id").String())
					out, _ = sjson.Set(out, path+".content", anthropicBlockText(block.Get("content")))
				case "text":
					textParts = append(textParts, block.Get("text").String())
				default:
					otherParts = append(otherParts, block.Raw)
				}
				return true
			})
			if len(textParts) > 0 || len(otherParts) > 0 || !hadToolResult {
				path := fmt.Sprintf("messages.%d", msgIndex)
				msgIndex++
				out, _ = sjson.Set(out, path+".role", "user")
				if len(otherParts) == 0 {
					out, _ = sjson.Set(out, path+".content", strings.Join(textParts, "\n"))
				} else {
					out, _ = sjson.SetRaw(out, path+".content", convertAnthropicPartsToOpenAI(content))
				}
			}
			return true
		}

		path := fmt.Sprintf("messages.%d", msgIndex)
		msgIndex++
		out, _ = sjson.Set(out, path+".role", role)

		if content.Type == gjson.String {
			out, _ = sjson.Set(out, path+".content", content.String())
			return true
		}
		if !content.IsArray() {
			return true
		}

		var textParts []string
		toolIndex := 0
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				textParts = append(textParts, block.Get("text").String())
			case "tool_use":
				p := fmt.Sprintf("%s.tool_calls.%d", path, toolIndex)
				toolIndex++
				out, _ = sjson.Set(out, p+".id", block.Get("id").String())
				out, _ = sjson.Set(out, p+".type", "function")
				out, _ = sjson.Set(out, p+".function.name", block.Get("name").String())
				input := block.Get("input")
				if input.Exists() {
					out, _ = sjson.Set(out, p+".function.arguments", input.Raw)
				} else {
					out, _ = sjson.Set(out, p+".function.arguments", "{}")
				}
			}
			return true
		})
		if len(textParts) > 0 {
			out, _ = sjson.Set(out, path+".content", strings.Join(textParts, "\n"))
		} else if toolIndex > 0 {
			out, _ = sjson.SetRaw(out, path+".content", "null")
		}
		return true
	})

	if tools := root.Get("tools"); tools.IsArray() {
		toolIndex := 0
		tools.ForEach(func(_, tool gjson.Result) bool {
			path := fmt.Sprintf("tools.%d", toolIndex)
			toolIndex++
			out, _ = sjson.Set(out, path+".type", "function")
			out, _ = sjson.Set(out, path+".function.name", tool.Get("name").String())
			if desc := tool.Get("description"); desc.Exists() {
				out, _ = sjson.Set(out, path+".function.description", desc.String())
			}
			if schema := tool.Get("input_schema"); schema.Exists() {
				out, _ = sjson.SetRaw(out, path+".function.parameters", schema.Raw)
			}
			return true
		})
	}

	return []byte(out)
}

// OpenAIResponseToAnthropic converts a non-streaming OpenAI chat completion
// into an Anthropic message.
func OpenAIResponseToAnthropic(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"id":"","type":"message","role":"assistant","content":[],"model":"","stop_reason":null,"usage":{"input_tokens":0,"output_tokens":0}}`

	id := root.Get("id").String()
	if id == "" {
		id = fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	out, _ = sjson.Set(out, "id", id)
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	choice := root.Get("choices.0")
	message := choice.Get("message")
	blockIndex := 0
	if content := message.Get("content"); content.Type == gjson.String && content.String() != "" {
		out, _ = sjson.Set(out, "content.0.type", "text")
		out, _ = sjson.Set(out, "content.0.text", content.String())
		blockIndex = 1
	}
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		path := fmt.Sprintf("content.%d", blockIndex)
		blockIndex++
		out, _ = sjson.Set(out, path+".type", "tool_use")
		out, _ = sjson.Set(out, path+".id", call.Get("id").String())
		out, _ = sjson.Set(out, path+".name", call.Get("function.name").String())
		args := call.Get("function.arguments").String()
		if gjson.Valid(args) {
			out, _ = sjson.SetRaw(out, path+".input", args)
		} else {
			out, _ = sjson.SetRaw(out, path+".input", "{}")
		}
		return true
	})

	switch choice.Get("finish_reason").String() {
	case "tool_calls":
		out, _ = sjson.Set(out, "stop_reason", "tool_use")
	case "length":
		out, _ = sjson.Set(out, "stop_reason", "max_tokens")
	default:
		out, _ = sjson.Set(out, "stop_reason", "end_turn")
	}

	if usage := root.Get("usage"); usage.Exists() {
		out, _ = sjson.Set(out, "usage.input_tokens", usage.Get("prompt_tokens").Int())
		out, _ = sjson.Set(out, "usage.output_tokens", usage.Get("completion_tokens").Int())
	}

	return []byte(out)
}

// AnthropicResponseToOpenAI converts an Anthropic message into an OpenAI
// chat completion.
func AnthropicResponseToOpenAI(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":"stop"}]}`

	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	var textParts []string
	toolIndex := 0
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "tool_use":
			path := fmt.Sprintf("choices.0.message.tool_calls.%d", toolIndex)
			toolIndex++
			out, _ = sjson.Set(out, path+".id", block.Get("id").String())
			out, _ = sjson.Set(out, path+".type", "function")
			out, _ = sjson.Set(out, path+".function.name", block.Get("name").String())
			input := block.Get("input")
			if input.Exists() {
				out, _ = sjson.Set(out, path+".function.arguments", input.Raw)
			} else {
				out, _ = sjson.Set(out, path+".function.arguments", "{}")
			}
		}
		return true
	})
	if len(textParts) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(textParts, "\n"))
	} else {
		out, _ = sjson.SetRaw(out, "choices.0.message.content", "null")
	}

	switch root.Get("stop_reason").String() {
	case "tool_use":
		out, _ = sjson.Set(out, "choices.0.finish_reason", "tool_calls")
	case "max_tokens":
		out, _ = sjson.Set(out, "choices.0.finish_reason", "length")
	default:
		out, _ = sjson.Set(out, "choices.0.finish_reason", "stop")
	}

	if usage := root.Get("usage"); usage.Exists() {
		in := usage.Get("input_tokens").Int()
		outTok := usage.Get("output_tokens").Int()
		out, _ = sjson.Set(out, "usage.prompt_tokens", in)
		out, _ = sjson.Set(out, "usage.completion_tokens", outTok)
		out, _ = sjson.Set(out, "usage.total_tokens", in+outTok)
	}

	return []byte(out)
}

// convertOpenAIPartsToAnthropic maps an OpenAI content parts array to
// Anthropic content blocks (text and base64 images).
func convertOpenAIPartsToAnthropic(parts gjson.Result) string {
	blocks := "[]"
	index := 0
	parts.ForEach(func(_, part gjson.Result) bool {
		path := fmt.Sprintf("%d", index)
		switch part.Get("type").String() {
		case "text":
			blocks, _ = sjson.Set(blocks, path+".type", "text")
			blocks, _ = sjson.Set(blocks, path+".text", part.Get("text").String())
			index++
		case "image_url":
			imageURL := part.Get("image_url.url").String()
			if strings.HasPrefix(imageURL, "data:") {
				segments := strings.SplitN(imageURL, ",", 2)
				if len(segments) == 2 {
					mediaType := strings.TrimPrefix(strings.Split(segments[0], ";")[0], "data:")
					blocks, _ = sjson.Set(blocks, path+".type", "image")
					blocks, _ = sjson.Set(blocks, path+".source.type", "base64")
					blocks, _ = sjson.Set(blocks, path+".source.media_type", mediaType)
					blocks, _ = sjson.Set(blocks, path+".source.data", segments[1])
					index++
				}
			}
		}
		return true
	})
	return blocks
}

// convertAnthropicPartsToOpenAI maps Anthropic content blocks back to an
// OpenAI content parts array.
func convertAnthropicPartsToOpenAI(blocks gjson.Result) string {
	parts := "[]"
	index := 0
	blocks.ForEach(func(_, block gjson.Result) bool {
		path := fmt.Sprintf("%d", index)
		switch block.Get("type").String() {
		case "text":
			parts, _ = sjson.Set(parts, path+".type", "text")
			parts, _ = sjson.Set(parts, path+".text", block.Get("text").String())
			index++
		case "image":
			data := block.Get("source.data").String()
			mediaType := block.Get("source.media_type").String()
			parts, _ = sjson.Set(parts, path+".type", "image_url")
			parts, _ = sjson.Set(parts, path+".image_url.url", "data:"+mediaType+";base64,"+data)
			index++
		}
		return true
	})
	return parts
}

// anthropicBlockText flattens a tool_result content value to plain text.
func anthropicBlockText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return content.Raw
}
