package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Jasonzhangf/routecodex-sub002/internal/llmswitch"
	"github.com/Jasonzhangf/routecodex-sub002/internal/meta"
	"github.com/Jasonzhangf/routecodex-sub002/internal/provider"
	"github.com/Jasonzhangf/routecodex-sub002/internal/sse"
)

// protocol selects the response wire flavor for one request.
type protocol int

const (
	protocolOpenAI protocol = iota
	protocolAnthropic
)

// ChatCompletions handles POST /v1/chat/completions.
func (s *Server) ChatCompletions(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	md := s.metadataFor(c)
	md.Streaming = gjson.GetBytes(body, "stream").Bool()
	s.execute(c, body, md, protocolOpenAI)
}

// Completions handles POST /v1/completions, the legacy text completion
// surface. The prompt is lifted into a single-message chat request; there is
// no streaming on this endpoint.
func (s *Server) Completions(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	md := s.metadataFor(c)
	md.Streaming = false

	chat := `{"messages":[{"role":"user","content":""}]}`
	chat, _ = sjson.Set(chat, "messages.0.content", gjson.GetBytes(body, "prompt").String())
	chat, _ = sjson.Set(chat, "model", gjson.GetBytes(body, "model").String())
	if maxTokens := gjson.GetBytes(body, "max_tokens"); maxTokens.Exists() {
		chat, _ = sjson.Set(chat, "max_tokens", maxTokens.Int())
	}
	if temp := gjson.GetBytes(body, "temperature"); temp.Exists() {
		chat, _ = sjson.Set(chat, "temperature", temp.Float())
	}

	completion, err := s.dispatch(c, []byte(chat), md)
	if err != nil {
		s.writeError(c, md, err, nil, nil)
		return
	}

	out := `{"id":"","object":"text_completion","created":0,"model":"","choices":[{"index":0,"text":"","finish_reason":"stop"}]}`
	root := gjson.ParseBytes(completion)
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "created", root.Get("created").Int())
	out, _ = sjson.Set(out, "model", root.Get("model").String())
	out, _ = sjson.Set(out, "choices.0.text", root.Get("choices.0.message.content").String())
	if fr := root.Get("choices.0.finish_reason"); fr.Exists() {
		out, _ = sjson.Set(out, "choices.0.finish_reason", fr.String())
	}
	if usage := root.Get("usage"); usage.Exists() {
		out, _ = sjson.SetRaw(out, "usage", usage.Raw)
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/json", []byte(out))
}

// Messages handles POST /v1/messages, the Anthropic-compatible surface. The
// body is converted to the canonical OpenAI shape at the edge and the
// response converted back, streaming as Anthropic events when requested.
func (s *Server) Messages(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	md := s.metadataFor(c)
	md.Streaming = gjson.GetBytes(body, "stream").Bool()

	converted := llmswitch.AnthropicRequestToOpenAI(body)
	s.execute(c, converted, md, protocolAnthropic)
}

// execute runs the shared classify/schedule/dispatch path and renders the
// response in the requested protocol flavor.
func (s *Server) execute(c *gin.Context, body []byte, md *meta.Metadata, flavor protocol) {
	route := s.classifier.Classify(body)
	md.RouteName = route

	pl, err := s.pool.Select(route, vendorPin(c))
	if err != nil {
		s.writeError(c, md, err, nil, nil)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), provider.Deadline())
	defer cancel()

	resp, err := pl.Execute(ctx, meta.Attach(body, md))
	if err != nil {
		s.writeError(c, md, err, nil, nil)
		return
	}

	if !md.Streaming {
		out := resp.Body
		if flavor == protocolAnthropic {
			out = llmswitch.OpenAIResponseToAnthropic(out)
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "application/json", out)
		return
	}

	switch flavor {
	case protocolAnthropic:
		s.streamAnthropic(c, md, resp.Stream, resp.Errs)
	default:
		s.streamOpenAI(c, md, resp.Stream, resp.Errs)
	}
}

// dispatch runs classify/schedule/execute for a non-streaming request and
// returns the canonical completion body.
func (s *Server) dispatch(c *gin.Context, body []byte, md *meta.Metadata) ([]byte, error) {
	route := s.classifier.Classify(body)
	md.RouteName = route

	pl, err := s.pool.Select(route, vendorPin(c))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), provider.Deadline())
	defer cancel()

	resp, err := pl.Execute(ctx, meta.Attach(body, md))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *Server) streamOpenAI(c *gin.Context, md *meta.Metadata, chunks <-chan []byte, errs <-chan error) {
	writer, err := sse.NewStreamWriter(c.Writer)
	if err != nil {
		s.writeError(c, md, err, nil, nil)
		return
	}
	c.Status(http.StatusOK)
	writer.StartKeepalive()
	defer writer.Finish()

	for chunk := range chunks {
		writer.WriteChunk(chunk)
	}
	if errs != nil {
		if errStream := <-errs; errStream != nil {
			s.writeError(c, md, errStream, writer, nil)
		}
	}
}

func (s *Server) streamAnthropic(c *gin.Context, md *meta.Metadata, chunks <-chan []byte, errs <-chan error) {
	writer, err := sse.NewAnthropicStreamWriter(c.Writer)
	if err != nil {
		s.writeError(c, md, err, nil, nil)
		return
	}
	c.Status(http.StatusOK)
	writer.StartKeepalive()
	defer writer.Finish()

	for chunk := range chunks {
		writer.WriteChunk(chunk)
	}
	if errs != nil {
		if errStream := <-errs; errStream != nil {
			s.writeError(c, md, errStream, nil, writer)
		}
	}
}

// writeError renders a failure. Before SSE has begun the error is plain
// JSON; on a started stream it becomes a terminal error chunk followed by
// the [DONE] sentinel.
func (s *Server) writeError(c *gin.Context, md *meta.Metadata, err error, oai *sse.StreamWriter, anthropic *sse.AnthropicStreamWriter) {
	status, payload := buildErrorPayload(md.RequestID, err)
	switch {
	case oai != nil:
		oai.WriteError(payload)
	case anthropic != nil:
		anthropic.WriteError(payload)
	default:
		c.Header("Cache-Control", "no-store")
		c.Data(status, "application/json", payload)
	}
}

// Models handles GET /v1/models, listing every model the configured
// providers serve. An empty model inventory answers 501.
func (s *Server) Models(c *gin.Context) {
	data := s.modelList()
	if len(data) == 0 {
		s.NotImplemented(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// Model handles GET /v1/models/:model.
func (s *Server) Model(c *gin.Context) {
	wanted := c.Param("model")
	models := s.modelList()
	if len(models) == 0 {
		s.NotImplemented(c)
		return
	}
	for _, m := range models {
		if m["id"] == wanted {
			c.JSON(http.StatusOK, m)
			return
		}
	}
	status, payload := buildErrorPayload(requestID(c), &modelNotFoundError{model: wanted})
	c.Data(status, "application/json", payload)
}

type modelNotFoundError struct{ model string }

func (e *modelNotFoundError) Error() string {
	return "HTTP 404 model not found: " + e.model
}

func (s *Server) modelList() []map[string]any {
	var data []map[string]any
	seen := make(map[string]bool)
	for _, p := range s.cfg.Providers {
		for _, m := range p.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, map[string]any{
				"id":       m,
				"object":   "model",
				"created":  time.Now().Unix(),
				"owned_by": p.ID,
			})
		}
	}
	return data
}

// readBody slurps and validates the JSON request body.
func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 || !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": "request body must be valid JSON",
				"type":    "bad_request",
				"code":    "bad_request",
				"param":   nil,
			},
		})
		return nil, false
	}
	return body, true
}

// metadataFor builds the request's runtime metadata from the edge headers.
func (s *Server) metadataFor(c *gin.Context) *meta.Metadata {
	md := &meta.Metadata{
		RequestID:       requestID(c),
		ClientRequestID: c.GetHeader("x-request-id"),
		SessionID:       c.GetHeader("session_id"),
		ConversationID:  c.GetHeader("conversation_id"),
		ClientHeaders:   make(map[string]string),
	}
	if override := upstreamOverride(c); override != "" {
		md.ClientHeaders["x-rcc-upstream-authorization"] = override
	}
	return md
}

// upstreamOverride returns the client-supplied upstream Authorization when
// the explicit override headers are present, or when the env flag allows
// passing the inbound Authorization straight through.
func upstreamOverride(c *gin.Context) string {
	if v := c.GetHeader("x-rcc-upstream-authorization"); v != "" {
		return v
	}
	if v := c.GetHeader("x-rc-upstream-authorization"); v != "" {
		return v
	}
	if os.Getenv("RCC_ALLOW_UPSTREAM_OVERRIDE") == "1" {
		return c.GetHeader("Authorization")
	}
	return ""
}

// vendorPin reads the single-request vendor restriction header.
func vendorPin(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("x-rc-provider"))
}
