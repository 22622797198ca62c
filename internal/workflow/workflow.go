// Package workflow coerces streaming and non-streaming shapes between the
// client's wish and the chosen provider's capability. When the client wants
// a stream but the provider cannot stream, a single-block stream is
// synthesized from the aggregated response; when the client wants a single
// message but the provider only streams, the chunks are collected into one
// chat completion.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CollectStream aggregates OpenAI chat completion chunks into one chat
// completion. Heartbeat chunks (metadata.rccHeartbeat) are dropped.
// Collection aborts when ctx is canceled.
func CollectStream(ctx context.Context, chunks <-chan []byte) ([]byte, error) {
	out := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant"},"finish_reason":"stop"}]}`

	var text strings.Builder
	toolCalls := make(map[int]string) // index -> raw tool_call JSON
	finishReason := "stop"
	sawFinish := false

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return assembleCompletion(out, text.String(), toolCalls, finishReason, sawFinish)
			}
			root := gjson.ParseBytes(chunk)
			if root.Get("metadata.rccHeartbeat").Bool() {
				continue
			}
			if id := root.Get("id"); id.Exists() && id.String() != "" {
				out, _ = sjson.Set(out, "id", id.String())
			}
			if model := root.Get("model"); model.Exists() && model.String() != "" {
				out, _ = sjson.Set(out, "model", model.String())
			}
			if created := root.Get("created"); created.Int() > 0 {
				out, _ = sjson.Set(out, "created", created.Int())
			}
			if usage := root.Get("usage"); usage.Exists() {
				out, _ = sjson.SetRaw(out, "usage", usage.Raw)
			}

			choice := root.Get("choices.0")
			delta := choice.Get("delta")
			if content := delta.Get("content"); content.Exists() && content.Type == gjson.String {
				text.WriteString(content.String())
			}
			delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
				mergeToolCallDelta(toolCalls, call)
				return true
			})
			if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" && fr.String() != "null" {
				finishReason = fr.String()
				sawFinish = true
			}
		}
	}
}

func assembleCompletion(out, text string, toolCalls map[int]string, finishReason string, sawFinish bool) ([]byte, error) {
	if out == "" {
		return nil, fmt.Errorf("empty stream")
	}
	if text != "" {
		out, _ = sjson.Set(out, "choices.0.message.content", text)
	} else {
		out, _ = sjson.SetRaw(out, "choices.0.message.content", "null")
	}
	if len(toolCalls) > 0 {
		for i := 0; i < len(toolCalls); i++ {
			raw, ok := toolCalls[i]
			if !ok {
				continue
			}
			out, _ = sjson.SetRaw(out, fmt.Sprintf("choices.0.message.tool_calls.%d", i), raw)
		}
		if !sawFinish {
			finishReason = "tool_calls"
		}
	}
	out, _ = sjson.Set(out, "choices.0.finish_reason", finishReason)
	if gjson.Get(out, "created").Int() == 0 {
		out, _ = sjson.Set(out, "created", time.Now().Unix())
	}
	return []byte(out), nil
}

// mergeToolCallDelta folds one streamed tool_call delta into the
// accumulated call at its index; argument fragments concatenate.
func mergeToolCallDelta(calls map[int]string, delta gjson.Result) {
	index := int(delta.Get("index").Int())
	current, ok := calls[index]
	if !ok {
		current = `{"id":"","type":"function","function":{"name":"","arguments":""}}`
	}
	if id := delta.Get("id"); id.Exists() && id.String() != "" {
		current, _ = sjson.Set(current, "id", id.String())
	}
	if name := delta.Get("function.name"); name.Exists() && name.String() != "" {
		current, _ = sjson.Set(current, "function.name", name.String())
	}
	if args := delta.Get("function.arguments"); args.Exists() && args.String() != "" {
		existing := gjson.Get(current, "function.arguments").String()
		current, _ = sjson.Set(current, "function.arguments", existing+args.String())
	}
	calls[index] = current
}

// SynthesizeStream converts a non-streaming chat completion into a
// single-pass stream of chunks: one role chunk, one content/tool chunk and
// one terminal chunk.
func SynthesizeStream(completion []byte) <-chan []byte {
	out := make(chan []byte, 4)
	go func() {
		defer close(out)
		root := gjson.ParseBytes(completion)
		id := root.Get("id").String()
		model := root.Get("model").String()
		created := root.Get("created").Int()
		if created == 0 {
			created = time.Now().Unix()
		}

		base := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
		base, _ = sjson.Set(base, "id", id)
		base, _ = sjson.Set(base, "model", model)
		base, _ = sjson.Set(base, "created", created)

		role, _ := sjson.Set(base, "choices.0.delta.role", "assistant")
		out <- []byte(role)

		message := root.Get("choices.0.message")
		if content := message.Get("content"); content.Type == gjson.String && content.String() != "" {
			chunk, _ := sjson.Set(base, "choices.0.delta.content", content.String())
			out <- []byte(chunk)
		}
		if toolCalls := message.Get("tool_calls"); toolCalls.IsArray() {
			chunk := base
			index := 0
			toolCalls.ForEach(func(_, call gjson.Result) bool {
				path := fmt.Sprintf("choices.0.delta.tool_calls.%d", index)
				merged, _ := sjson.SetRaw(chunk, path, call.Raw)
				merged, _ = sjson.Set(merged, path+".index", index)
				chunk = merged
				index++
				return true
			})
			if index > 0 {
				out <- []byte(chunk)
			}
		}

		finish := root.Get("choices.0.finish_reason").String()
		if finish == "" {
			finish = "stop"
		}
		terminal, _ := sjson.Set(base, "choices.0.finish_reason", finish)
		if usage := root.Get("usage"); usage.Exists() {
			terminal, _ = sjson.SetRaw(terminal, "usage", usage.Raw)
		}
		out <- []byte(terminal)
	}()
	return out
}
