// Package provider implements the upstream HTTP transport. It composes the
// shaped request with the credential headers, posts it to the vendor
// endpoint, feeds the rate-limit state after every call and emits usage and
// error events. API keys never leave the process in any event or error
// detail; only a sha256 fingerprint does.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub002/internal/auth"
	"github.com/Jasonzhangf/routecodex-sub002/internal/compat"
	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
	"github.com/Jasonzhangf/routecodex-sub002/internal/errclass"
	"github.com/Jasonzhangf/routecodex-sub002/internal/llmswitch"
	"github.com/Jasonzhangf/routecodex-sub002/internal/meta"
	"github.com/Jasonzhangf/routecodex-sub002/internal/ratelimit"
	"github.com/Jasonzhangf/routecodex-sub002/internal/sink"
)

// DefaultDeadline is the pipeline deadline applied to every upstream call,
// overridable via RCC_PIPELINE_MAX_WAIT_MS.
const DefaultDeadline = 300 * time.Second

// Response is the transport's view of a successful upstream call.
type Response struct {
	Body           []byte
	StatusCode     int
	Headers        http.Header
	RequestID      string
	ProcessingTime time.Duration
	Model          string
}

// OpenAIProvider posts OpenAI-shaped chat completion requests to one
// upstream account. It is stateless besides its injected credential source
// and the shared rate-limit state.
type OpenAIProvider struct {
	decl       *config.Provider
	baseURL    string
	httpClient *http.Client
	creds      *auth.Store
	limits     *ratelimit.State
	events     sink.Sink
}

// NewOpenAIProvider creates a transport for one provider declaration.
func NewOpenAIProvider(decl *config.Provider, creds *auth.Store, limits *ratelimit.State, events sink.Sink, httpClient *http.Client) *OpenAIProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if events == nil {
		events = sink.Nop{}
	}
	return &OpenAIProvider{
		decl:       decl,
		baseURL:    compat.NormalizeBaseURL(decl.BaseURL),
		httpClient: httpClient,
		creds:      creds,
		limits:     limits,
		events:     events,
	}
}

// ProviderKey returns the stable rate-limit identity of this provider.
func (p *OpenAIProvider) ProviderKey() string { return p.decl.ID }

// wire identifies the JSON dialect an upstream speaks.
type wire int

const (
	wireOpenAI wire = iota
	wireAnthropic
	wireGemini
)

func wireFor(providerType string) wire {
	switch strings.ToLower(providerType) {
	case "anthropic":
		return wireAnthropic
	case "gemini":
		return wireGemini
	default:
		return wireOpenAI
	}
}

// SpeaksOpenAIWire reports whether the provider type accepts OpenAI-shaped
// chat completions natively. Anthropic and Gemini upstreams do not; their
// requests and responses are translated at the transport and they are only
// spoken non-streaming.
func SpeaksOpenAIWire(providerType string) bool {
	return wireFor(providerType) == wireOpenAI
}

// endpointURL resolves the upstream endpoint for the provider's wire
// dialect: /chat/completions for OpenAI-compatible upstreams, /messages for
// Anthropic, the per-model generateContent path for Gemini.
func (p *OpenAIProvider) endpointURL(cred *auth.Credential, modelID string) string {
	base := p.baseURL
	// Qwen routes through the resource URL harvested at token time.
	if cred != nil && cred.ResourceURL != "" {
		base = compat.NormalizeBaseURL(cred.ResourceURL)
		if !strings.HasPrefix(base, "http") {
			base = "https://" + base
		}
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
	}
	switch wireFor(p.decl.Type) {
	case wireAnthropic:
		return base + "/messages"
	case wireGemini:
		return base + "/models/" + modelID + ":generateContent"
	default:
		return base + "/chat/completions"
	}
}

// credential resolves the credential for this call: a static API key wins,
// otherwise the OAuth store is consulted (refreshing as needed).
func (p *OpenAIProvider) credential(ctx context.Context) (*auth.Credential, error) {
	if p.decl.APIKey != "" {
		return &auth.Credential{APIKey: p.decl.APIKey}, nil
	}
	if p.decl.OAuth == nil || p.creds == nil {
		return nil, fmt.Errorf("provider %s has neither api-key nor oauth credential", p.decl.ID)
	}
	return p.creds.Get(ctx, p.decl.OAuth.Provider, p.decl.OAuth.Alias)
}

// Send posts a non-streaming request and returns the upstream body.
func (p *OpenAIProvider) Send(ctx context.Context, body []byte, md *meta.Metadata) (*Response, error) {
	resp, err := p.dispatch(ctx, body, md, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.httpResp.Body.Close()
	}()

	respBody, errRead := io.ReadAll(resp.httpResp.Body)
	if errRead != nil {
		return nil, p.fail(md, resp.cred, 0, nil, errRead)
	}
	if resp.httpResp.StatusCode < 200 || resp.httpResp.StatusCode >= 300 {
		return nil, p.fail(md, resp.cred, resp.httpResp.StatusCode, respBody, nil)
	}

	switch wireFor(p.decl.Type) {
	case wireAnthropic:
		respBody = llmswitch.AnthropicResponseToOpenAI(respBody)
	case wireGemini:
		respBody = llmswitch.GeminiResponseToOpenAI(respBody, model(md))
	}

	p.succeed(md, respBody, time.Since(resp.start))
	return &Response{
		Body:           respBody,
		StatusCode:     resp.httpResp.StatusCode,
		Headers:        resp.httpResp.Header,
		RequestID:      requestID(md),
		ProcessingTime: time.Since(resp.start),
		Model:          model(md),
	}, nil
}

// SendStream posts a streaming request and forwards the upstream SSE data
// payloads on the returned channel. The error channel delivers at most one
// error; both channels close when the stream ends. Only OpenAI-wire
// upstreams stream; the pipeline collects or synthesizes for the translated
// dialects.
func (p *OpenAIProvider) SendStream(ctx context.Context, body []byte, md *meta.Metadata) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := p.dispatch(ctx, body, md, true)
		if err != nil {
			errs <- err
			return
		}
		defer func() {
			_ = resp.httpResp.Body.Close()
		}()

		if resp.httpResp.StatusCode < 200 || resp.httpResp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(resp.httpResp.Body)
			errs <- p.fail(md, resp.cred, resp.httpResp.StatusCode, respBody, nil)
			return
		}

		var lastUsage []byte
		scanner := bufio.NewScanner(resp.httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			payload := bytes.TrimSpace(line[len("data:"):])
			if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
				continue
			}
			if usage := gjson.GetBytes(payload, "usage"); usage.Exists() {
				lastUsage = payload
			}
			chunk := make([]byte, len(payload))
			copy(chunk, payload)
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if errScan := scanner.Err(); errScan != nil && ctx.Err() == nil {
			errs <- p.fail(md, resp.cred, 0, nil, errScan)
			return
		}

		p.succeed(md, lastUsage, time.Since(resp.start))
	}()

	return chunks, errs
}

type dispatchResult struct {
	httpResp *http.Response
	cred     *auth.Credential
	start    time.Time
}

func (p *OpenAIProvider) dispatch(ctx context.Context, body []byte, md *meta.Metadata, streaming bool) (*dispatchResult, error) {
	// An escalated bucket is out of rotation; fail fast instead of burning
	// another call against a cooling upstream.
	bucket := ratelimit.BucketKey(p.decl.ID, p.ProviderKey(), model(md))
	if p.limits != nil {
		if until, ok := p.limits.CoolingUntil(bucket); ok {
			return nil, &errclass.ProviderError{
				StatusCode: http.StatusTooManyRequests,
				Message:    fmt.Sprintf("provider %s is cooling down until %s", p.decl.ID, until.Format(time.RFC3339)),
				Details: map[string]any{
					"requestId":    requestID(md),
					"provider":     p.decl.ID,
					"coolingUntil": until.Format(time.RFC3339),
				},
			}
		}
	}

	cred, err := p.credential(ctx)
	if err != nil {
		return nil, p.fail(md, nil, http.StatusUnauthorized, nil, err)
	}

	payload := meta.Strip(body)
	switch wireFor(p.decl.Type) {
	case wireAnthropic:
		payload = llmswitch.OpenAIRequestToAnthropic(payload)
	case wireGemini:
		payload = llmswitch.OpenAIRequestToGemini(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpointURL(cred, model(md)), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.decl.Headers {
		req.Header.Set(k, v)
	}
	auth.ApplyHeaders(req.Header, cred, md, p.decl.Type, streaming)
	// Client-supplied upstream Authorization, already gated by the edge.
	if md != nil {
		if override := md.ClientHeaders["x-rcc-upstream-authorization"]; override != "" {
			req.Header.Set("Authorization", override)
		}
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, p.fail(md, cred, 0, nil, err)
	}
	return &dispatchResult{httpResp: resp, cred: cred, start: start}, nil
}

// succeed resets the rate-limit bucket and emits a usage event when token
// counts are present.
func (p *OpenAIProvider) succeed(md *meta.Metadata, body []byte, elapsed time.Duration) {
	bucket := ratelimit.BucketKey(p.decl.ID, p.ProviderKey(), model(md))
	if p.limits != nil {
		p.limits.Reset(bucket)
	}

	prompt, completion, total := extractUsage(body)
	p.events.RecordUsage(sink.UsageEvent{
		RequestID:        requestID(md),
		ProviderKey:      p.ProviderKey(),
		Model:            model(md),
		RouteName:        routeName(md),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		ProcessingTimeMs: elapsed.Milliseconds(),
	})
}

// fail classifies the failure, updates the rate-limit state and returns the
// ProviderError surfaced to the pipeline.
func (p *OpenAIProvider) fail(md *meta.Metadata, cred *auth.Credential, statusCode int, body []byte, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	} else if len(body) > 0 {
		message = gjson.GetBytes(body, "error.message").String()
		if message == "" {
			message = strings.TrimSpace(string(body))
			if len(message) > 512 {
				message = message[:512]
			}
		}
	}
	if statusCode > 0 && message == "" {
		message = fmt.Sprintf("HTTP %d from upstream", statusCode)
	}

	pe := &errclass.ProviderError{
		StatusCode: statusCode,
		Message:    message,
		Body:       body,
		Cause:      cause,
		Details:    map[string]any{"requestId": requestID(md), "provider": p.decl.ID},
	}
	if cred != nil && cred.APIKey != "" {
		pe.Details["keyFingerprint"] = KeyFingerprint(cred.APIKey)
	}

	cls := errclass.Classify(pe)
	pe.StatusCode = cls.StatusCode
	pe.Retryable = cls.IsRecoverable

	bucket := ratelimit.BucketKey(p.decl.ID, p.ProviderKey(), model(md))
	if p.limits != nil {
		if cls.IsRateLimit {
			escalated := cls.IsDailyQuota
			if cls.IsDailyQuota {
				p.limits.ForceEscalate(bucket)
			} else if p.limits.Record429(bucket) {
				escalated = true
			}
			if escalated {
				pe.Retryable = false
				pe.Details["retryable"] = false
			}
			cooldown := cls.QuotaDelay
			if cooldown <= 0 && escalated {
				// Escalation without an upstream reset hint still takes the
				// bucket out of rotation.
				cooldown = errclass.CapacityCooldown()
			}
			if cooldown > 0 {
				p.limits.SetCooldown(bucket, time.Now().Add(cooldown))
			}
			if directive := ratelimit.BuildDirective(p.decl.ID, p.ProviderKey(), model(md), cls.QuotaDelay, cls.QuotaDelaySource); directive != nil {
				pe.Details["cooldownDirective"] = directive
				p.limits.ApplyDirective(directive)
			}
		} else {
			p.limits.Reset(bucket)
		}
	}

	p.events.RecordError(sink.ErrorEvent{
		RequestID:   requestID(md),
		ProviderKey: p.ProviderKey(),
		Model:       model(md),
		StatusCode:  cls.StatusCode,
		Message:     cls.Message,
		Recoverable: pe.Retryable,
		RateLimit:   cls.IsRateLimit,
		Details:     pe.Details,
	})

	log.Debugf("provider %s failed: status=%d rateLimit=%v recoverable=%v", p.decl.ID, cls.StatusCode, cls.IsRateLimit, pe.Retryable)
	return pe
}

// KeyFingerprint returns the redacted identity of an API key:
// "sha256:" plus the first 16 hex chars of its digest.
func KeyFingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

// extractUsage reads token counts from the usage object, accepting both the
// OpenAI field names and the input/output aliases.
func extractUsage(body []byte) (prompt, completion, total int64) {
	if len(body) == 0 {
		return 0, 0, 0
	}
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return 0, 0, 0
	}
	prompt = usage.Get("prompt_tokens").Int()
	if prompt == 0 {
		prompt = usage.Get("input_tokens").Int()
	}
	completion = usage.Get("completion_tokens").Int()
	if completion == 0 {
		completion = usage.Get("output_tokens").Int()
	}
	total = usage.Get("total_tokens").Int()
	if total == 0 {
		total = prompt + completion
	}
	return prompt, completion, total
}

// Deadline resolves the pipeline deadline from RCC_PIPELINE_MAX_WAIT_MS.
func Deadline() time.Duration {
	raw := strings.TrimSpace(os.Getenv("RCC_PIPELINE_MAX_WAIT_MS"))
	if raw == "" {
		return DefaultDeadline
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return DefaultDeadline
	}
	return time.Duration(ms) * time.Millisecond
}

func requestID(md *meta.Metadata) string {
	if md == nil {
		return ""
	}
	return md.RequestID
}

func model(md *meta.Metadata) string {
	if md == nil {
		return ""
	}
	return md.Model
}

func routeName(md *meta.Metadata) string {
	if md == nil {
		return ""
	}
	return md.RouteName
}
