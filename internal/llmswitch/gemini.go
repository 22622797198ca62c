package llmswitch

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIRequestToGemini converts an OpenAI chat completions request into a
// Gemini generateContent request: messages become contents with user/model
// roles, tool calls become functionCall parts and tool results become
// functionResponse parts.
func OpenAIRequestToGemini(rawJSON []byte) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"contents":[]}`

	// Track tool_call_id -> function name; Gemini functionResponse parts
	// are keyed by name, not id.
	callNames := make(map[string]string)

	var systemParts []string
	contentIndex := 0
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		switch role {
		case "system":
			systemParts = append(systemParts, content.String())
		case "user":
			path := fmt.Sprintf("contents.%d", contentIndex)
			contentIndex++
			out, _ = sjson.Set(out, path+".role", "user")
			out, _ = sjson.SetRaw(out, path+".parts", openAIContentToGeminiParts(content))
		case "assistant":
			path := fmt.Sprintf("contents.%d", contentIndex)
			contentIndex++
			out, _ = sjson.Set(out, path+".role", "model")
			parts := "[]"
			partIndex := 0
			if content.Type == gjson.String && content.String() != "" {
				parts, _ = sjson.Set(parts, "0.text", content.String())
				partIndex = 1
			}
			message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
				p := fmt.Sprintf("%d", partIndex)
				partIndex++
				name := call.Get("function.name").String()
				callNames[call.Get("id").String()] = name
				parts, _ = sjson.Set(parts, p+".functionCall.name", name)
				args := call.Get("function.arguments").String()
				if gjson.Valid(args) {
					parts, _ = sjson.SetRaw(parts, p+".functionCall.args", args)
				} else {
					parts, _ = sjson.SetRaw(parts, p+".functionCall.args", "{}")
				}
				return true
			})
			out, _ = sjson.SetRaw(out, path+".parts", parts)
		case "tool":
			path := fmt.Sprintf("contents.%d", contentIndex)
			contentIndex++
			out, _ = sjson.Set(out, path+".role", "user")
			name := callNames[message.Get("tool_call_id").String()]
			if name == "" {
				name = message.Get("name").String()
			}
			part := `{"functionResponse":{}}`
			part, _ = sjson.Set(part, "functionResponse.name", name)
			if content.Type == gjson.String {
				if gjson.Valid(content.String()) && gjson.Parse(content.String()).IsObject() {
					part, _ = sjson.SetRaw(part, "functionResponse.response", content.String())
				} else {
					part, _ = sjson.Set(part, "functionResponse.response.result", content.String())
				}
			} else if content.Exists() {
				part, _ = sjson.SetRaw(part, "functionResponse.response", content.Raw)
			}
			out, _ = sjson.SetRaw(out, path+".parts", "["+part+"]")
		}
		return true
	})

	if len(systemParts) > 0 {
		out, _ = sjson.Set(out, "systemInstruction.parts.0.text", strings.Join(systemParts, "\n"))
	}

	if tools := root.Get("tools"); tools.IsArray() {
		declIndex := 0
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			if !fn.Exists() {
				return true
			}
			path := fmt.Sprintf("tools.0.functionDeclarations.%d", declIndex)
			declIndex++
			out, _ = sjson.Set(out, path+".name", fn.Get("name").String())
			if desc := fn.Get("description"); desc.Exists() {
				out, _ = sjson.Set(out, path+".description", desc.String())
			}
			if params := fn.Get("parameters"); params.Exists() {
				out, _ = sjson.SetRaw(out, path+".parameters", params.Raw)
			}
			return true
		})
	}

	if temp := root.Get("temperature"); temp.Exists() {
		out, _ = sjson.Set(out, "generationConfig.temperature", temp.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topP", topP.Float())
	}
	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", maxTokens.Int())
	}

	return []byte(out)
}

// GeminiResponseToOpenAI converts a Gemini generateContent response into an
// OpenAI chat completion.
func GeminiResponseToOpenAI(rawJSON []byte, model string) []byte {
	root := gjson.ParseBytes(rawJSON)
	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":"stop"}]}`

	out, _ = sjson.Set(out, "id", fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()))
	out, _ = sjson.Set(out, "created", time.Now().Unix())
	out, _ = sjson.Set(out, "model", model)

	var textParts []string
	toolIndex := 0
	root.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			textParts = append(textParts, text.String())
			return true
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			path := fmt.Sprintf("choices.0.message.tool_calls.%d", toolIndex)
			out, _ = sjson.Set(out, path+".id", fmt.Sprintf("call_%d_%d", time.Now().UnixNano(), toolIndex))
			out, _ = sjson.Set(out, path+".type", "function")
			out, _ = sjson.Set(out, path+".function.name", fc.Get("name").String())
			args := fc.Get("args")
			if args.Exists() {
				out, _ = sjson.Set(out, path+".function.arguments", args.Raw)
			} else {
				out, _ = sjson.Set(out, path+".function.arguments", "{}")
			}
			toolIndex++
		}
		return true
	})

	if len(textParts) > 0 {
		out, _ = sjson.Set(out, "choices.0.message.content", strings.Join(textParts, ""))
	} else {
		out, _ = sjson.SetRaw(out, "choices.0.message.content", "null")
	}
	if toolIndex > 0 {
		out, _ = sjson.Set(out, "choices.0.finish_reason", "tool_calls")
	} else if root.Get("candidates.0.finishReason").String() == "MAX_TOKENS" {
		out, _ = sjson.Set(out, "choices.0.finish_reason", "length")
	}

	if usage := root.Get("usageMetadata"); usage.Exists() {
		prompt := usage.Get("promptTokenCount").Int()
		completion := usage.Get("candidatesTokenCount").Int()
		out, _ = sjson.Set(out, "usage.prompt_tokens", prompt)
		out, _ = sjson.Set(out, "usage.completion_tokens", completion)
		total := usage.Get("totalTokenCount").Int()
		if total == 0 {
			total = prompt + completion
		}
		out, _ = sjson.Set(out, "usage.total_tokens", total)
	}

	return []byte(out)
}

// openAIContentToGeminiParts maps an OpenAI content value (string or parts
// array) to Gemini parts.
func openAIContentToGeminiParts(content gjson.Result) string {
	if content.Type == gjson.String {
		parts, _ := sjson.Set("[]", "0.text", content.String())
		return parts
	}
	parts := "[]"
	index := 0
	content.ForEach(func(_, part gjson.Result) bool {
		path := fmt.Sprintf("%d", index)
		switch part.Get("type").String() {
		case "text":
			parts, _ = sjson.Set(parts, path+".text", part.Get("text").String())
			index++
		case "image_url":
			imageURL := part.Get("image_url.url").String()
			if strings.HasPrefix(imageURL, "data:") {
				segments := strings.SplitN(imageURL, ",", 2)
				if len(segments) == 2 {
					mediaType := strings.TrimPrefix(strings.Split(segments[0], ";")[0], "data:")
					parts, _ = sjson.Set(parts, path+".inlineData.mimeType", mediaType)
					parts, _ = sjson.Set(parts, path+".inlineData.data", segments[1])
					index++
				}
			}
		}
		return true
	})
	return parts
}
