package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AnthropicStreamWriter transforms OpenAI chat completion chunks into the
// Anthropic message event sequence: message_start, content_block_* events
// per text or tool-use block, message_delta with the stop reason and usage,
// then message_stop. Pings keep the connection alive between chunks.
type AnthropicStreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	started   bool
	done      bool
	lastWrite time.Time
	think     thinkFilter

	messageID    string
	model        string
	blockIndex   int
	blockOpen    bool
	blockIsTool  bool
	toolBlocks   map[int]int // OpenAI tool_call index -> Anthropic block index
	outputTokens int64
	stopReason   string
	pingSeq      int

	stopKeepalive chan struct{}
	keepaliveOnce sync.Once
}

// NewAnthropicStreamWriter prepares the response for Anthropic SSE.
func NewAnthropicStreamWriter(w http.ResponseWriter) (*AnthropicStreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &AnthropicStreamWriter{
		w:             w,
		flusher:       flusher,
		lastWrite:     time.Now(),
		blockIndex:    -1,
		toolBlocks:    make(map[int]int),
		stopReason:    "end_turn",
		stopKeepalive: make(chan struct{}),
	}, nil
}

// StartKeepalive emits ping events while the upstream is quiet.
func (s *AnthropicStreamWriter) StartKeepalive() {
	interval := HeartbeatInterval()
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopKeepalive:
				return
			case <-ticker.C:
				s.mu.Lock()
				if !s.done && time.Since(s.lastWrite) >= interval {
					s.pingSeq++
					s.emit("ping", fmt.Sprintf(`{"type":"ping","sequence":%d}`, s.pingSeq))
				}
				s.mu.Unlock()
			}
		}
	}()
}

func (s *AnthropicStreamWriter) emit(event, data string) {
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.lastWrite = time.Now()
	s.flusher.Flush()
}

// WriteChunk folds one OpenAI chunk into the Anthropic event stream.
func (s *AnthropicStreamWriter) WriteChunk(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	root := gjson.ParseBytes(chunk)
	if root.Get("metadata.rccHeartbeat").Bool() {
		return
	}

	if !s.started {
		s.started = true
		s.messageID = root.Get("id").String()
		if s.messageID == "" {
			s.messageID = "msg_" + uuid.NewString()
		}
		s.model = root.Get("model").String()
		start := `{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
		start, _ = sjson.Set(start, "message.id", s.messageID)
		start, _ = sjson.Set(start, "message.model", s.model)
		s.emit("message_start", start)
	}

	choice := root.Get("choices.0")
	delta := choice.Get("delta")

	if content := delta.Get("content"); content.Type == gjson.String && content.String() != "" {
		if text := s.think.filter(content.String()); text != "" {
			s.ensureTextBlock()
			event := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`
			event, _ = sjson.Set(event, "index", s.blockIndex)
			event, _ = sjson.Set(event, "delta.text", text)
			s.emit("content_block_delta", event)
		}
	}

	delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		s.writeToolDelta(call)
		return true
	})

	if usage := root.Get("usage"); usage.Exists() {
		if out := usage.Get("completion_tokens").Int(); out > 0 {
			s.outputTokens = out
		}
	}

	if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" && fr.String() != "null" {
		switch fr.String() {
		case "tool_calls":
			s.stopReason = "tool_use"
		case "length":
			s.stopReason = "max_tokens"
		default:
			s.stopReason = "end_turn"
		}
		if len(s.toolBlocks) > 0 {
			s.stopReason = "tool_use"
		}
	}
}

// ensureTextBlock opens a text content block if none is open.
func (s *AnthropicStreamWriter) ensureTextBlock() {
	if s.blockOpen && !s.blockIsTool {
		return
	}
	s.closeBlock()
	s.blockIndex++
	s.blockOpen = true
	s.blockIsTool = false
	event := `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
	event, _ = sjson.Set(event, "index", s.blockIndex)
	s.emit("content_block_start", event)
}

func (s *AnthropicStreamWriter) writeToolDelta(call gjson.Result) {
	openAIIndex := int(call.Get("index").Int())
	blockIdx, known := s.toolBlocks[openAIIndex]
	if !known {
		s.closeBlock()
		s.blockIndex++
		blockIdx = s.blockIndex
		s.toolBlocks[openAIIndex] = blockIdx
		s.blockOpen = true
		s.blockIsTool = true

		event := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`
		event, _ = sjson.Set(event, "index", blockIdx)
		id := call.Get("id").String()
		if id == "" {
			id = "toolu_" + uuid.NewString()
		}
		event, _ = sjson.Set(event, "content_block.id", id)
		event, _ = sjson.Set(event, "content_block.name", call.Get("function.name").String())
		s.emit("content_block_start", event)
	}
	if args := call.Get("function.arguments"); args.Exists() && args.String() != "" {
		event := `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`
		event, _ = sjson.Set(event, "index", blockIdx)
		event, _ = sjson.Set(event, "delta.partial_json", args.String())
		s.emit("content_block_delta", event)
	}
}

func (s *AnthropicStreamWriter) closeBlock() {
	if !s.blockOpen {
		return
	}
	event, _ := sjson.Set(`{"type":"content_block_stop","index":0}`, "index", s.blockIndex)
	s.emit("content_block_stop", event)
	s.blockOpen = false
}

// WriteError emits an Anthropic error event on an already-started stream.
func (s *AnthropicStreamWriter) WriteError(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	event, _ := sjson.SetRawBytes([]byte(`{"type":"error"}`), "error", payload)
	s.emit("error", string(event))
}

// Finish closes the open block, emits message_delta and message_stop, then
// the [DONE] sentinel.
func (s *AnthropicStreamWriter) Finish() {
	s.mu.Lock()
	if !s.done {
		s.done = true
		s.closeBlock()
		if s.started {
			deltaEvent := `{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"output_tokens":0}}`
			deltaEvent, _ = sjson.Set(deltaEvent, "delta.stop_reason", s.stopReason)
			deltaEvent, _ = sjson.Set(deltaEvent, "usage.output_tokens", s.outputTokens)
			s.emit("message_delta", deltaEvent)
			s.emit("message_stop", `{"type":"message_stop"}`)
		}
		fmt.Fprint(s.w, "data: [DONE]\n\n")
		s.flusher.Flush()
	}
	s.mu.Unlock()
	s.keepaliveOnce.Do(func() { close(s.stopKeepalive) })
}
