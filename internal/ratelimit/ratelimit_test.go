package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketKey(t *testing.T) {
	assert.Equal(t, "iflow_main", BucketKey("iflow_main", "iflow_main", "glm-4"))
	assert.Equal(t, "antigravity_a::gemini-pro", BucketKey("antigravity_a", "antigravity_a", "gemini-pro"))
	assert.Equal(t, "gemini-cli_x::gemini-flash", BucketKey("gemini-cli_x", "gemini-cli_x", "gemini-flash"))
}

func TestIsGeminiCLIFamily(t *testing.T) {
	assert.True(t, IsGeminiCLIFamily("antigravity"))
	assert.True(t, IsGeminiCLIFamily("foo.gemini-cli.bar"))
	assert.False(t, IsGeminiCLIFamily("iflow_main"))
	assert.False(t, IsGeminiCLIFamily("qwen"))
}

func TestRecord429Escalation(t *testing.T) {
	s := NewState()
	bucket := "key"
	for i := 1; i < EscalationThreshold; i++ {
		assert.False(t, s.Record429(bucket), "attempt %d", i)
	}
	assert.True(t, s.Record429(bucket))
	// counter resets after escalation
	assert.Equal(t, 0, s.Count(bucket))
}

func TestResetClearsCounter(t *testing.T) {
	s := NewState()
	s.Record429("key")
	s.Record429("key")
	s.Reset("key")
	assert.Equal(t, 0, s.Count("key"))
	// three more after a success must not escalate
	assert.False(t, s.Record429("key"))
	assert.False(t, s.Record429("key"))
	assert.False(t, s.Record429("key"))
}

func TestForceEscalate(t *testing.T) {
	s := NewState()
	s.ForceEscalate("key")
	assert.Equal(t, EscalationThreshold, s.Count("key"))
	assert.True(t, s.Record429("key"))
}

func TestCooldownPrunesOnRead(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.SetCooldown("key", now.Add(time.Minute))
	until, ok := s.CoolingUntil("key")
	assert.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), until)

	now = now.Add(2 * time.Minute)
	_, ok = s.CoolingUntil("key")
	assert.False(t, ok)
}

func TestSeriesFor(t *testing.T) {
	assert.Equal(t, "claude", SeriesFor("claude-sonnet-4"))
	assert.Equal(t, "claude", SeriesFor("some-opus-model"))
	assert.Equal(t, "gemini-flash", SeriesFor("gemini-2.5-flash"))
	assert.Equal(t, "gemini-pro", SeriesFor("gemini-2.5-pro"))
	assert.Equal(t, "", SeriesFor("glm-4.5"))
}

func TestApplyDirectiveCapsCooldown(t *testing.T) {
	s := NewState()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.ApplyDirective(&Directive{Series: "claude", Cooldown: 9 * time.Hour})
	assert.True(t, s.SeriesCooling("claude-sonnet-4"))

	now = now.Add(MaxSeriesCooldown + time.Minute)
	assert.False(t, s.SeriesCooling("claude-sonnet-4"))
}

func TestBuildDirective(t *testing.T) {
	d := BuildDirective("antigravity_a", "antigravity_a", "gemini-2.5-pro", 10*time.Minute, "quota_reset_delay")
	assert.NotNil(t, d)
	assert.Equal(t, "gemini-pro", d.Series)
	assert.Equal(t, 10*time.Minute, d.Cooldown)

	assert.Nil(t, BuildDirective("iflow_main", "iflow_main", "gemini-2.5-pro", 10*time.Minute, "x"))
	assert.Nil(t, BuildDirective("antigravity_a", "antigravity_a", "glm-4.5", 10*time.Minute, "x"))
	assert.Nil(t, BuildDirective("antigravity_a", "antigravity_a", "gemini-2.5-pro", 0, "x"))
}

func TestSeparateBucketsAreIndependent(t *testing.T) {
	s := NewState()
	s.Record429("a")
	s.Record429("a")
	s.Record429("b")
	assert.Equal(t, 2, s.Count("a"))
	assert.Equal(t, 1, s.Count("b"))
}
