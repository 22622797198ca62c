// Package pipeline binds one (provider, model) pair into an executable
// request path: request shaping, stream coercion, the upstream transport and
// response validation. A Manager owns every pipeline named by the route
// pools and rebuilds them on configuration reload.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Jasonzhangf/routecodex-sub002/internal/auth"
	"github.com/Jasonzhangf/routecodex-sub002/internal/compat"
	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
	"github.com/Jasonzhangf/routecodex-sub002/internal/errclass"
	"github.com/Jasonzhangf/routecodex-sub002/internal/meta"
	"github.com/Jasonzhangf/routecodex-sub002/internal/provider"
	"github.com/Jasonzhangf/routecodex-sub002/internal/ratelimit"
	"github.com/Jasonzhangf/routecodex-sub002/internal/sink"
	"github.com/Jasonzhangf/routecodex-sub002/internal/workflow"
)

// Response is the outcome of one pipeline execution. Exactly one of Body
// and Stream is set, matching what the client asked for.
type Response struct {
	Body   []byte
	Stream <-chan []byte
	Errs   <-chan error
}

// Pipeline executes requests against one provider/model pair.
type Pipeline struct {
	ID          string
	ProviderKey string
	Model       string
	Vendor      string

	decl      *config.Provider
	transport *provider.OpenAIProvider
}

// Execute shapes the canonical OpenAI request for this pipeline's upstream,
// sends it and coerces the response to the client's streaming wish. The
// request metadata rides on the payload envelope attached at the edge; the
// transport strips it before the payload leaves the process.
func (p *Pipeline) Execute(ctx context.Context, body []byte) (*Response, error) {
	md := meta.Extract(body)
	if md == nil {
		md = &meta.Metadata{}
	}
	md.ProviderKey = p.ProviderKey
	md.ProviderType = p.decl.Type
	md.Model = p.Model
	body = meta.Attach(body, md)

	shaped := p.shapeRequest(body)

	wantStream := md.Streaming
	upstreamStream := wantStream
	if p.decl.NoStream {
		upstreamStream = false
	}
	if p.decl.ForceStream {
		upstreamStream = true
	}
	if !provider.SpeaksOpenAIWire(p.decl.Type) {
		// Translated dialects are spoken request/response only; the client
		// stream is synthesized from the completed body.
		upstreamStream = false
	}

	if upstreamStream {
		shaped, _ = sjson.SetBytes(shaped, "stream", true)
		shaped, _ = sjson.SetBytes(shaped, "stream_options.include_usage", true)
	} else {
		shaped, _ = sjson.DeleteBytes(shaped, "stream")
		shaped, _ = sjson.DeleteBytes(shaped, "stream_options")
	}

	schemas := compat.ExtractToolSchemas(shaped)

	switch {
	case upstreamStream && wantStream:
		chunks, errs := p.transport.SendStream(ctx, shaped, md)
		return &Response{Stream: chunks, Errs: errs}, nil

	case upstreamStream && !wantStream:
		chunks, errs := p.transport.SendStream(ctx, shaped, md)
		collected, err := workflow.CollectStream(ctx, chunks)
		if err != nil {
			return nil, err
		}
		if errStream := <-errs; errStream != nil {
			return nil, errStream
		}
		if err = p.validateResponse(collected, schemas); err != nil {
			return nil, err
		}
		return &Response{Body: collected}, nil

	case !upstreamStream && wantStream:
		resp, err := p.transport.Send(ctx, shaped, md)
		if err != nil {
			return nil, err
		}
		if err = p.validateResponse(resp.Body, schemas); err != nil {
			return nil, err
		}
		return &Response{Stream: workflow.SynthesizeStream(resp.Body)}, nil

	default:
		resp, err := p.transport.Send(ctx, shaped, md)
		if err != nil {
			return nil, err
		}
		if err = p.validateResponse(resp.Body, schemas); err != nil {
			return nil, err
		}
		return &Response{Body: resp.Body}, nil
	}
}

// shapeRequest pins the pipeline's model, compacts redundant tool messages
// and applies the opt-in dotted tool-name canonicalization.
func (p *Pipeline) shapeRequest(body []byte) []byte {
	shaped, _ := sjson.SetBytes(body, "model", p.Model)
	shaped = compat.CompactMessages(shaped)
	if compat.CanonicalizeDottedToolNames() {
		shaped = canonicalizeToolNames(shaped)
	}
	return shaped
}

// canonicalizeToolNames splits whitelisted "{server}.{tool}" declarations
// and the matching tool_call names so strict upstreams accept them.
func canonicalizeToolNames(body []byte) []byte {
	out := body
	gjson.GetBytes(body, "tools").ForEach(func(key, tool gjson.Result) bool {
		name := tool.Get("function.name").String()
		if base, server, ok := compat.SplitDottedToolName(name); ok {
			path := fmt.Sprintf("tools.%s.function.name", key.String())
			out, _ = sjson.SetBytes(out, path, base)
			out, _ = sjson.SetBytes(out, fmt.Sprintf("tools.%s.function.x-rcc-server", key.String()), server)
		}
		return true
	})
	gjson.GetBytes(out, "messages").ForEach(func(mk, message gjson.Result) bool {
		message.Get("tool_calls").ForEach(func(ck, call gjson.Result) bool {
			name := call.Get("function.name").String()
			if base, _, ok := compat.SplitDottedToolName(name); ok {
				path := fmt.Sprintf("messages.%s.tool_calls.%s.function.name", mk.String(), ck.String())
				out, _ = sjson.SetBytes(out, path, base)
			}
			return true
		})
		return true
	})
	return out
}

// validateResponse checks tool calls in a completed response against the
// declared schemas. A violation surfaces as a 400 so the client sees which
// contract the model broke instead of acting on a malformed call.
func (p *Pipeline) validateResponse(body []byte, schemas map[string]*compat.ToolSchema) error {
	if len(schemas) == 0 {
		return nil
	}
	if err := compat.ValidateToolCalls(body, schemas); err != nil {
		return &errclass.ProviderError{
			StatusCode: 400,
			Message:    err.Error(),
			Details:    map[string]any{"provider": p.decl.ID, "model": p.Model},
		}
	}
	return nil
}

// Manager owns the pipelines named by the route pools.
type Manager struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline

	creds      *auth.Store
	limits     *ratelimit.State
	events     sink.Sink
	httpClient *http.Client
}

// NewManager builds the pipelines for every pipeline id referenced by the
// configuration's route pools.
func NewManager(cfg *config.Config, creds *auth.Store, limits *ratelimit.State, events sink.Sink, httpClient *http.Client) (*Manager, error) {
	m := &Manager{
		creds:      creds,
		limits:     limits,
		events:     events,
		httpClient: httpClient,
	}
	if err := m.Rebuild(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Rebuild replaces the pipeline set from a fresh configuration. Existing
// in-flight executions keep their old pipelines.
func (m *Manager) Rebuild(cfg *config.Config) error {
	pipelines := make(map[string]*Pipeline)
	for route, pool := range cfg.Routes {
		for _, id := range pool {
			if _, ok := pipelines[id]; ok {
				continue
			}
			providerKey, model := config.SplitPipelineID(id)
			decl := cfg.ProviderByID(providerKey)
			if decl == nil {
				return fmt.Errorf("route %q: unknown provider %q", route, providerKey)
			}
			pipelines[id] = &Pipeline{
				ID:          id,
				ProviderKey: providerKey,
				Model:       model,
				Vendor:      config.Vendor(providerKey),
				decl:        decl,
				transport:   provider.NewOpenAIProvider(decl, m.creds, m.limits, m.events, m.httpClient),
			}
		}
	}
	m.mu.Lock()
	m.pipelines = pipelines
	m.mu.Unlock()
	log.Infof("pipeline manager: %d pipelines ready", len(pipelines))
	return nil
}

// Pipeline returns the pipeline for an id, nil when unknown.
func (m *Manager) Pipeline(id string) *Pipeline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pipelines[id]
}
