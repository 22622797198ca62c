// Package errclass normalizes upstream provider failures into a single
// classification used by the rate-limit state, the pipeline pool and the
// edge router. It decides whether an error is recoverable, whether it
// affects provider health, whether it is a rate limit, and extracts
// quota-reset hints from upstream 429 payloads.
package errclass

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Classification is the normalized view of an upstream failure.
type Classification struct {
	// Message is the primary human-readable error message.
	Message string

	// StatusCode is the resolved HTTP status code, 500 when unknown.
	StatusCode int

	// UpstreamCode is the error code reported by the upstream body, if any.
	UpstreamCode string

	// UpstreamMessage is the error message reported by the upstream body, if any.
	UpstreamMessage string

	// IsRateLimit reports whether the failure is a 429-class rate limit.
	IsRateLimit bool

	// IsRecoverable reports whether retrying on another pipeline may help.
	IsRecoverable bool

	// AffectsHealth reports whether the provider key should be marked unhealthy.
	AffectsHealth bool

	// IsNetworkTransport reports whether the failure happened below HTTP.
	IsNetworkTransport bool

	// IsDailyQuota reports whether the 429 is a confirmed daily-quota exhaustion.
	IsDailyQuota bool

	// QuotaDelay is the upstream-suggested cooldown, zero when absent.
	QuotaDelay time.Duration

	// QuotaDelaySource names where QuotaDelay came from.
	QuotaDelaySource string
}

// ProviderError is raised by the provider transport when an upstream call
// fails. It carries the parsed upstream body and redacted details; the raw
// API key never appears here, only its fingerprint.
type ProviderError struct {
	StatusCode int
	Message    string
	Body       []byte
	Retryable  bool
	Details    map[string]any
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return fmt.Sprintf("provider error: HTTP %d", e.StatusCode)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

var httpStatusRe = regexp.MustCompile(`HTTP (\d{3})`)

// networkCodes are transport-level failure codes treated as recoverable.
var networkCodes = []string{
	"ECONNRESET", "ECONNREFUSED", "EHOSTUNREACH", "ENOTFOUND",
	"EAI_AGAIN", "EPIPE", "ETIMEDOUT", "ECONNABORTED",
}

// networkHints are message fragments that identify transport failures when
// no structured code is available.
var networkHints = []string{
	"fetch failed",
	"socket hang up",
	"tls handshake timeout",
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"broken pipe",
	"unexpected eof",
}

// dailyQuotaHints identify a confirmed daily-quota 429 in the lower-cased
// combined message haystack.
var dailyQuotaHints = []string{
	"daily cost limit",
	"daily quota",
	"quota has been exhausted",
	"quota exceeded",
	"resource has been exhausted",
	"resource_exhausted",
	"余额不足",
	"无可用资源包",
}

// capacityHints mark transient capacity exhaustion, which is explicitly not
// a daily-quota event.
var capacityHints = []string{
	"no capacity available",
	"model_capacity_exhausted",
}

// Classify normalizes err into a Classification. It understands
// *ProviderError values raised by the transport, plain transport errors and
// arbitrary wrapped errors carrying an "HTTP nnn" marker in their message.
func Classify(err error) *Classification {
	cls := &Classification{StatusCode: 500}
	if err == nil {
		return cls
	}
	cls.Message = err.Error()

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode > 0 {
			cls.StatusCode = pe.StatusCode
		}
		if len(pe.Body) > 0 {
			body := gjson.ParseBytes(pe.Body)
			cls.UpstreamCode = firstString(body, "error.code", "error.status", "code")
			cls.UpstreamMessage = firstString(body, "error.message", "message")
		}
	} else if m := httpStatusRe.FindStringSubmatch(cls.Message); len(m) == 2 {
		if code, errConv := strconv.Atoi(m[1]); errConv == nil {
			cls.StatusCode = code
		}
	}

	cls.IsNetworkTransport = isNetworkTransport(err)
	if cls.IsNetworkTransport && !errors.As(err, &pe) {
		// A pure transport failure has no HTTP status of its own.
		cls.StatusCode = 500
	}

	cls.IsRateLimit = cls.StatusCode == 429 || strings.Contains(cls.Message, "429")
	cls.IsRecoverable = cls.IsNetworkTransport || cls.StatusCode == 400 || cls.StatusCode == 429
	if !cls.IsNetworkTransport {
		// A transport failure stays recoverable even though it resolved to
		// the default 500; only genuine upstream statuses demote.
		switch cls.StatusCode {
		case 401, 402, 500, 524:
			cls.IsRecoverable = false
		}
	}
	cls.AffectsHealth = !cls.IsRecoverable

	if cls.IsRateLimit {
		haystack := strings.ToLower(cls.Message + " " + cls.UpstreamMessage)
		capacity := containsAny(haystack, capacityHints)
		cls.IsDailyQuota = !capacity && containsAny(haystack, dailyQuotaHints)

		var body []byte
		if pe != nil {
			body = pe.Body
		}
		delay, source := QuotaResetDelay(body, cls.Message+" "+cls.UpstreamMessage)
		if delay <= 0 {
			switch {
			case capacity:
				delay, source = envDuration("ROUTECODEX_RL_CAPACITY_COOLDOWN", 30*time.Second), SourceCapacityFallback
			case cls.IsDailyQuota:
				delay, source = envDuration("ROUTECODEX_RL_DEFAULT_QUOTA_COOLDOWN", 5*time.Minute), SourceQuotaFallback
			}
		}
		cls.QuotaDelay = capDelay(delay)
		cls.QuotaDelaySource = source
	}

	return cls
}

// Sources for a quota-reset delay, in descending trust order.
const (
	SourceResetDelay       = "quota_reset_delay"
	SourceQuotaFallback    = "quota_exhausted_fallback"
	SourceCapacityFallback = "capacity_exhausted_fallback"
)

// MaxCooldown caps any upstream-suggested cooldown.
const MaxCooldown = 3 * time.Hour

// CapacityCooldown is the fallback applied when a rate limit escalates
// without any upstream reset hint (ROUTECODEX_RL_CAPACITY_COOLDOWN,
// default 30 s).
func CapacityCooldown() time.Duration {
	return envDuration("ROUTECODEX_RL_CAPACITY_COOLDOWN", 30*time.Second)
}

var quotaDelayRe = regexp.MustCompile(`quotaResetDelay["']?\s*[:=]\s*"([^"]+)"`)

// QuotaResetDelay extracts the quota-reset delay hint from an upstream 429
// body and/or its textual form. Structured fields win over the regex scan;
// a quotaResetTimeStamp is converted to a duration relative to now.
func QuotaResetDelay(body []byte, text string) (time.Duration, string) {
	if len(body) > 0 {
		root := gjson.ParseBytes(body)
		candidates := []gjson.Result{
			root.Get(`error.details.#.quotaResetDelay|0`),
			root.Get("error.metadata.quotaResetDelay"),
			root.Get("quotaResetDelay"),
		}
		for _, c := range candidates {
			if c.Exists() && c.String() != "" {
				if d, ok := ParseDelay(c.String()); ok {
					return d, SourceResetDelay
				}
			}
		}
		if ts := root.Get("error.metadata.quotaResetTimeStamp"); ts.Exists() {
			if d, ok := delayUntil(ts.String()); ok {
				return d, SourceResetDelay
			}
		}
		if ts := root.Get("quotaResetTimeStamp"); ts.Exists() {
			if d, ok := delayUntil(ts.String()); ok {
				return d, SourceResetDelay
			}
		}
	}
	for _, src := range []string{string(body), text} {
		if m := quotaDelayRe.FindStringSubmatch(src); len(m) == 2 {
			if d, ok := ParseDelay(m[1]); ok {
				return d, SourceResetDelay
			}
		}
	}
	return 0, ""
}

var delayPartRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ms|h|m|s)`)

// ParseDelay parses an upstream delay string. Accepted forms are
// concatenated components ("2m30s", "1h15m", "500ms"), bare seconds ("45"),
// and RFC3339 or epoch timestamps (converted relative to now). The boolean
// result reports whether anything was parsed.
func ParseDelay(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n <= 0 {
			return 0, false
		}
		return time.Duration(n * float64(time.Second)), true
	}
	var total time.Duration
	rest := s
	for rest != "" {
		m := delayPartRe.FindStringSubmatch(rest)
		if m == nil {
			return 0, false
		}
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		switch m[2] {
		case "h":
			total += time.Duration(n * float64(time.Hour))
		case "m":
			total += time.Duration(n * float64(time.Minute))
		case "s":
			total += time.Duration(n * float64(time.Second))
		case "ms":
			total += time.Duration(n * float64(time.Millisecond))
		}
		rest = rest[len(m[0]):]
	}
	if total <= 0 {
		return 0, false
	}
	return total, true
}

func delayUntil(ts string) (time.Duration, bool) {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d, true
		}
		return 0, false
	}
	if epoch, err := strconv.ParseInt(ts, 10, 64); err == nil && epoch > 0 {
		var t time.Time
		if epoch > 1e12 {
			t = time.UnixMilli(epoch)
		} else {
			t = time.Unix(epoch, 0)
		}
		d := time.Until(t)
		if d > 0 {
			return d, true
		}
	}
	return 0, false
}

func capDelay(d time.Duration) time.Duration {
	if d > MaxCooldown {
		return MaxCooldown
	}
	return d
}

func isNetworkTransport(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, code := range networkCodes {
		if strings.Contains(err.Error(), code) {
			return true
		}
	}
	return containsAny(msg, networkHints)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func firstString(root gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := root.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	if d, ok := ParseDelay(raw); ok {
		return d
	}
	return fallback
}
