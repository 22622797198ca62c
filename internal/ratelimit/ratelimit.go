// Package ratelimit tracks consecutive 429 responses per provider bucket and
// derives model-series cooldown directives from upstream quota signals. The
// state is process-global and shared by every pipeline; the pipeline pool
// consults it when picking a candidate and the provider transport feeds it
// after every upstream call.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// EscalationThreshold is the number of consecutive 429 responses on one
// bucket that escalates the failure to fatal.
const EscalationThreshold = 4

// MaxSeriesCooldown caps any series cooldown directive.
const MaxSeriesCooldown = 3 * time.Hour

// Directive tells the scheduler to skip all pipelines of a model series for
// a bounded time. Directives are only produced for the Gemini-CLI provider
// family.
type Directive struct {
	Scope       string        `json:"scope"`
	ProviderID  string        `json:"providerId"`
	ProviderKey string        `json:"providerKey,omitempty"`
	Model       string        `json:"model,omitempty"`
	Series      string        `json:"series"`
	Cooldown    time.Duration `json:"cooldownMs"`
	Source      string        `json:"source"`
	ExpiresAt   time.Time     `json:"expiresAt"`
}

// State is the shared rate-limit accounting. All methods are safe for
// concurrent use; each bucket update is one critical section.
type State struct {
	mu        sync.Mutex
	counters  map[string]int
	cooldowns map[string]time.Time
	series    map[string]time.Time

	// now is swapped in tests.
	now func() time.Time
}

// NewState returns an empty accounting table.
func NewState() *State {
	return &State{
		counters:  make(map[string]int),
		cooldowns: make(map[string]time.Time),
		series:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// BucketKey resolves the accounting key for a provider/model pair. The
// Gemini-CLI family tracks quota per model, every other provider per key.
func BucketKey(providerID, providerKey, model string) string {
	if IsGeminiCLIFamily(providerID) {
		return providerKey + "::" + model
	}
	return providerKey
}

// IsGeminiCLIFamily reports whether the provider belongs to the Gemini-CLI
// family, which shares Google-side quota per model series. Composite keys
// match on their vendor segment, so "antigravity_a" and "gemini-cli_x"
// belong to the family just like the bare vendor names.
func IsGeminiCLIFamily(providerID string) bool {
	id := strings.ToLower(providerID)
	for _, part := range strings.Split(id, ".") {
		if idx := strings.Index(part, "_"); idx >= 0 {
			part = part[:idx]
		}
		if part == "antigravity" || part == "gemini-cli" {
			return true
		}
	}
	return false
}

// Record429 increments the bucket's consecutive-429 counter. It returns true
// when the new value reaches the escalation threshold, in which case the
// counter resets to zero.
func (s *State) Record429(bucket string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[bucket]++
	if s.counters[bucket] >= EscalationThreshold {
		s.counters[bucket] = 0
		return true
	}
	return false
}

// ForceEscalate sets the bucket counter to the threshold. Used when a 429 is
// a confirmed daily-quota exhaustion: the next Record429 escalates, and
// callers treating ForceEscalate as terminal may act immediately.
func (s *State) ForceEscalate(bucket string) {
	s.mu.Lock()
	s.counters[bucket] = EscalationThreshold
	s.mu.Unlock()
}

// Reset clears the bucket counter. Called on any success or non-429 failure.
func (s *State) Reset(bucket string) {
	s.mu.Lock()
	delete(s.counters, bucket)
	s.mu.Unlock()
}

// Count returns the current consecutive-429 count for the bucket.
func (s *State) Count(bucket string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[bucket]
}

// SetCooldown marks the bucket as cooling until the given instant.
func (s *State) SetCooldown(bucket string, until time.Time) {
	s.mu.Lock()
	s.cooldowns[bucket] = until
	s.mu.Unlock()
}

// CoolingUntil returns the live cooldown deadline for the bucket, if any.
// Expired entries are pruned on read.
func (s *State) CoolingUntil(bucket string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[bucket]
	if !ok {
		return time.Time{}, false
	}
	if s.now().After(until) {
		delete(s.cooldowns, bucket)
		return time.Time{}, false
	}
	return until, true
}

// ApplyDirective records a series cooldown so the pool can skip every
// pipeline in that series. The cooldown is capped at MaxSeriesCooldown.
func (s *State) ApplyDirective(d *Directive) {
	if d == nil || d.Series == "" {
		return
	}
	cooldown := d.Cooldown
	if cooldown > MaxSeriesCooldown {
		cooldown = MaxSeriesCooldown
	}
	s.mu.Lock()
	until := s.now().Add(cooldown)
	if existing, ok := s.series[d.Series]; !ok || until.After(existing) {
		s.series[d.Series] = until
	}
	s.mu.Unlock()
}

// SeriesCooling reports whether the model's series is under a live cooldown.
func (s *State) SeriesCooling(model string) bool {
	series := SeriesFor(model)
	if series == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.series[series]
	if !ok {
		return false
	}
	if s.now().After(until) {
		delete(s.series, series)
		return false
	}
	return true
}

// SeriesFor maps a model name to its cooldown series. Only three series are
// tracked; everything else returns "".
func SeriesFor(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude") || strings.Contains(m, "opus"):
		return "claude"
	case strings.Contains(m, "flash"):
		return "gemini-flash"
	case strings.Contains(m, "gemini") || strings.Contains(m, "pro"):
		return "gemini-pro"
	}
	return ""
}

// BuildDirective computes the series cooldown directive for a rate-limited
// call, or nil when the provider is outside the Gemini-CLI family or the
// model maps to no tracked series.
func BuildDirective(providerID, providerKey, model string, cooldown time.Duration, source string) *Directive {
	if !IsGeminiCLIFamily(providerID) {
		return nil
	}
	series := SeriesFor(model)
	if series == "" || cooldown <= 0 {
		return nil
	}
	if cooldown > MaxSeriesCooldown {
		cooldown = MaxSeriesCooldown
	}
	return &Directive{
		Scope:       "model-series",
		ProviderID:  providerID,
		ProviderKey: providerKey,
		Model:       model,
		Series:      series,
		Cooldown:    cooldown,
		Source:      source,
		ExpiresAt:   time.Now().Add(cooldown),
	}
}
