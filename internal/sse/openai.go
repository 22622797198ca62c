// Package sse writes model output to clients as server-sent events. The
// OpenAI writer forwards chat completion chunks with keep-alive heartbeats
// and reasoning-tag stripping; the Anthropic writer transforms the same
// chunks into the Anthropic message event sequence.
package sse

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Heartbeat and pre-stream ping defaults, overridable via environment.
const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultPrePingInterval   = 3000 * time.Millisecond
	defaultPrePingDelay      = 800 * time.Millisecond
)

func envMillis(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// HeartbeatInterval returns the in-stream heartbeat period
// (RCC_SSE_HEARTBEAT_MS).
func HeartbeatInterval() time.Duration {
	return envMillis("RCC_SSE_HEARTBEAT_MS", defaultHeartbeatInterval)
}

// HeartbeatChunkMode reports whether heartbeats are sent as data chunks
// instead of SSE comments (RCC_SSE_HEARTBEAT_MODE=chunk).
func HeartbeatChunkMode() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("RCC_SSE_HEARTBEAT_MODE")), "chunk")
}

// StatusText returns the optional heartbeat status text
// (RCC_SSE_HEARTBEAT_STATUS_TEXT).
func StatusText() string {
	return strings.TrimSpace(os.Getenv("RCC_SSE_HEARTBEAT_STATUS_TEXT"))
}

// StreamWriter emits OpenAI chat completion chunks as SSE. It strips
// <think> reasoning spans from content deltas, keeps the connection alive
// with heartbeats while the upstream is quiet, and corrects the terminal
// finish_reason to "tool_calls" when tool deltas were streamed.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	started   bool
	done      bool
	sawTools  bool
	lastWrite time.Time
	think     thinkFilter

	stopKeepalive chan struct{}
	keepaliveOnce sync.Once
}

// NewStreamWriter prepares the response for SSE and returns the writer. The
// response writer must support flushing.
func NewStreamWriter(w http.ResponseWriter) (*StreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &StreamWriter{
		w:             w,
		flusher:       flusher,
		lastWrite:     time.Now(),
		stopKeepalive: make(chan struct{}),
	}, nil
}

// StartKeepalive runs the pre-stream pings and in-stream heartbeats until
// the stream finishes. Pre-pings start after a short delay and are closed
// with a pre-stop marker once real data flows.
func (s *StreamWriter) StartKeepalive() {
	prePingDelay := envMillis("RCC_PRE_SSE_HEARTBEAT_DELAY_MS", defaultPrePingDelay)
	prePingInterval := envMillis("RCC_PRE_SSE_HEARTBEAT_MS", defaultPrePingInterval)
	heartbeat := HeartbeatInterval()

	go func() {
		// Pre-stream phase: comment pings while waiting for the first chunk.
		timer := time.NewTimer(prePingDelay)
		defer timer.Stop()
		prePings := 0
		for {
			select {
			case <-s.stopKeepalive:
				return
			case <-timer.C:
			}
			s.mu.Lock()
			if s.started || s.done {
				s.mu.Unlock()
				goto streaming
			}
			prePings++
			fmt.Fprintf(s.w, ": pre-ping %d\n\n", prePings)
			s.flusher.Flush()
			s.mu.Unlock()
			timer.Reset(prePingInterval)
		}

	streaming:
		ticker := time.NewTicker(heartbeat / 2)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopKeepalive:
				return
			case <-ticker.C:
				s.writeHeartbeat(heartbeat)
			}
		}
	}()
}

func (s *StreamWriter) writeHeartbeat(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || time.Since(s.lastWrite) < interval {
		return
	}
	if HeartbeatChunkMode() {
		// Heartbeat chunks never carry a finish_reason; downstream
		// normalization filters them on metadata.rccHeartbeat.
		chunk := `{"id":"","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"reasoning_content":"."}}],"metadata":{"rccHeartbeat":true}}`
		if text := StatusText(); text != "" {
			chunk, _ = sjson.Set(chunk, "choices.0.delta.reasoning_content", text)
		}
		fmt.Fprintf(s.w, "data: %s\n\n", chunk)
	} else if text := StatusText(); text != "" {
		fmt.Fprintf(s.w, ": ping %s\n\n", text)
	} else {
		fmt.Fprint(s.w, ": ping\n\n")
	}
	s.lastWrite = time.Now()
	s.flusher.Flush()
}

// markStarted closes the pre-ping phase with the pre-stop marker. Callers
// hold the mutex. Every stream outcome passes through here, so the marker is
// emitted even when the stream errors or finishes before the first chunk.
func (s *StreamWriter) markStarted() {
	if s.started {
		return
	}
	s.started = true
	fmt.Fprintf(s.w, ": pre-stop %d\n\n", time.Now().UnixMilli())
}

// WriteChunk forwards one OpenAI chunk to the client.
func (s *StreamWriter) WriteChunk(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.markStarted()

	out := chunk
	delta := gjson.GetBytes(chunk, "choices.0.delta")
	if delta.Get("tool_calls").IsArray() {
		s.sawTools = true
	}
	if content := delta.Get("content"); content.Type == gjson.String && content.String() != "" {
		filtered := s.think.filter(content.String())
		if filtered == content.String() {
			// unchanged, forward as-is
		} else if filtered == "" && !delta.Get("role").Exists() && !delta.Get("tool_calls").Exists() {
			return
		} else {
			out, _ = sjson.SetBytes(chunk, "choices.0.delta.content", filtered)
		}
	}
	if fr := gjson.GetBytes(out, "choices.0.finish_reason"); fr.Exists() && fr.String() == "stop" && s.sawTools {
		out, _ = sjson.SetBytes(out, "choices.0.finish_reason", "tool_calls")
	}

	fmt.Fprintf(s.w, "data: %s\n\n", out)
	s.lastWrite = time.Now()
	s.flusher.Flush()
}

// WriteError emits a terminal error chunk. Used when the failure happens
// after the SSE stream already started.
func (s *StreamWriter) WriteError(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.markStarted()
	chunk, _ := sjson.SetRawBytes([]byte(`{"id":"","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`), "error", payload)
	fmt.Fprintf(s.w, "data: %s\n\n", chunk)
	s.flusher.Flush()
}

// Finish terminates the stream with the [DONE] sentinel and stops the
// keepalive goroutine.
func (s *StreamWriter) Finish() {
	s.mu.Lock()
	if !s.done {
		s.markStarted()
		s.done = true
		fmt.Fprint(s.w, "data: [DONE]\n\n")
		s.flusher.Flush()
	}
	s.mu.Unlock()
	s.keepaliveOnce.Do(func() { close(s.stopKeepalive) })
}

// thinkFilter removes <think>...</think> spans from streamed content,
// including spans crossing chunk boundaries. A partial tag at a chunk edge
// is buffered until the next chunk resolves it.
type thinkFilter struct {
	inThink bool
	pending string
}

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

func (f *thinkFilter) filter(text string) string {
	input := f.pending + text
	f.pending = ""
	var out strings.Builder

	for input != "" {
		if f.inThink {
			if idx := strings.Index(input, thinkClose); idx >= 0 {
				input = input[idx+len(thinkClose):]
				f.inThink = false
				continue
			}
			// keep a possible partial close tag for the next chunk
			f.pending = tailPartial(input, thinkClose)
			return out.String()
		}
		idx := strings.Index(input, thinkOpen)
		if idx < 0 {
			partial := tailPartial(input, thinkOpen)
			out.WriteString(input[:len(input)-len(partial)])
			f.pending = partial
			return out.String()
		}
		out.WriteString(input[:idx])
		input = input[idx+len(thinkOpen):]
		f.inThink = true
	}
	return out.String()
}

// tailPartial returns the suffix of s that is a proper prefix of tag, "" when
// none is.
func tailPartial(s, tag string) string {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
