package router

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/routecodex-sub002/internal/config"
	"github.com/Jasonzhangf/routecodex-sub002/internal/pipeline"
	"github.com/Jasonzhangf/routecodex-sub002/internal/ratelimit"
	"github.com/Jasonzhangf/routecodex-sub002/internal/sink"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: []config.Provider{
			{ID: "iflow_main", Type: "iflow", BaseURL: "https://api.example.com/v1", APIKey: "k1", Models: []string{"glm-4-plus"}},
			{ID: "iflow_backup", Type: "iflow", BaseURL: "https://api.example.com/v1", APIKey: "k2", Models: []string{"glm-4-plus"}},
			{ID: "qwen_a", Type: "qwen", BaseURL: "https://qwen.example.com/v1", APIKey: "k3", Models: []string{"qwen3-coder"}},
		},
		Routes: map[string][]string{
			"default":      {"iflow_main.glm-4-plus", "iflow_backup.glm-4-plus", "qwen_a.qwen3-coder"},
			"long-context": {"qwen_a.qwen3-coder"},
		},
	}
}

func testPool(t *testing.T, limits *ratelimit.State) *Pool {
	t.Helper()
	cfg := testConfig()
	manager, err := pipeline.NewManager(cfg, nil, limits, sink.Nop{}, nil)
	require.NoError(t, err)
	return NewPool(cfg.Routes, manager, limits)
}

func TestClassifierFirstMatchWins(t *testing.T) {
	c := NewClassifier([]config.Rule{
		{Route: "tools", Tools: true},
		{Route: "long-context", MinTokens: 100},
		{Route: "vision", Images: true},
	})

	assert.Equal(t, "tools", c.Classify([]byte(`{"messages":[{"role":"user","content":"x"}],"tools":[{"type":"function","function":{"name":"f"}}]}`)))

	long := `{"messages":[{"role":"user","content":"` + strings.Repeat("word ", 200) + `"}]}`
	assert.Equal(t, "long-context", c.Classify([]byte(long)))

	vision := `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"data:image/png;base64,AA"}}]}]}`
	assert.Equal(t, "vision", c.Classify([]byte(vision)))

	assert.Equal(t, DefaultRoute, c.Classify([]byte(`{"messages":[{"role":"user","content":"short"}]}`)))
}

func TestClassifierModelHint(t *testing.T) {
	c := NewClassifier([]config.Rule{{Route: "thinking", ModelHint: "opus"}})
	assert.Equal(t, "thinking", c.Classify([]byte(`{"model":"claude-OPUS-4","messages":[]}`)))
	assert.Equal(t, DefaultRoute, c.Classify([]byte(`{"model":"glm-4.5","messages":[]}`)))
}

func TestClassifierConditionsAreANDed(t *testing.T) {
	c := NewClassifier([]config.Rule{{Route: "both", Tools: true, MinTokens: 100}})
	withToolsOnly := `{"messages":[{"role":"user","content":"x"}],"tools":[{"type":"function","function":{"name":"f"}}]}`
	assert.Equal(t, DefaultRoute, c.Classify([]byte(withToolsOnly)))
}

// Every non-cooling pipeline in a route must be visited within |pool|
// consecutive picks.
func TestPoolRoundRobinCoverage(t *testing.T) {
	pool := testPool(t, ratelimit.NewState())

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		pl, err := pool.Select("default", "")
		require.NoError(t, err)
		seen[pl.ID] = true
	}
	assert.Len(t, seen, 3)

	// the fourth pick wraps around
	pl, err := pool.Select("default", "")
	require.NoError(t, err)
	assert.True(t, seen[pl.ID])
}

func TestPoolSkipsCoolingPipelines(t *testing.T) {
	limits := ratelimit.NewState()
	pool := testPool(t, limits)

	limits.SetCooldown("iflow_main", time.Now().Add(time.Hour))
	for i := 0; i < 4; i++ {
		pl, err := pool.Select("default", "")
		require.NoError(t, err)
		assert.NotEqual(t, "iflow_main.glm-4-plus", pl.ID)
	}
}

func TestPoolAllCoolingReturnsLeastCooling(t *testing.T) {
	limits := ratelimit.NewState()
	pool := testPool(t, limits)

	limits.SetCooldown("iflow_main", time.Now().Add(3*time.Hour))
	limits.SetCooldown("iflow_backup", time.Now().Add(time.Minute))
	limits.SetCooldown("qwen_a", time.Now().Add(2*time.Hour))

	pl, err := pool.Select("default", "")
	require.NoError(t, err)
	assert.Equal(t, "iflow_backup.glm-4-plus", pl.ID)
}

func TestPoolVendorPinning(t *testing.T) {
	pool := testPool(t, ratelimit.NewState())

	pl, err := pool.Select("default", "qwen")
	require.NoError(t, err)
	assert.Equal(t, "qwen_a.qwen3-coder", pl.ID)

	_, err = pool.Select("default", "nonexistent")
	assert.Error(t, err)
}

func TestPoolUnknownRouteFallsBackToDefault(t *testing.T) {
	pool := testPool(t, ratelimit.NewState())
	pl, err := pool.Select("no-such-route", "")
	require.NoError(t, err)
	assert.NotNil(t, pl)
}

func TestEstimateTokens(t *testing.T) {
	c := NewClassifier(nil)
	body := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", 400) + `"}]}`
	assert.Equal(t, "default", c.Classify([]byte(body)))

	c = NewClassifier([]config.Rule{{Route: "long", MinTokens: 100}})
	assert.Equal(t, "long", c.Classify([]byte(body)))
}
