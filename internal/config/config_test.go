package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
host: 127.0.0.1
debug: true
api-keys:
  - gateway-key
providers:
  - id: iflow_main
    type: iflow
    base-url: https://api.iflow.cn/v1
    api-key: sk-test
    models:
      - glm-4-plus
      - qwen3-coder
  - id: modelscope_glm
    type: openai
    base-url: https://api-inference.modelscope.cn/v1
    no-stream: true
    models:
      - glm-4-plus
routes:
  default:
    - iflow_main.glm-4-plus
    - modelscope_glm.glm-4-plus
  coding:
    - iflow_main.qwen3-coder
classification:
  - route: coding
    tools: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 5520, cfg.Port, "default port")
	assert.True(t, cfg.Debug)
	assert.Len(t, cfg.Providers, 2)
	assert.Len(t, cfg.Routes["default"], 2)
	assert.True(t, cfg.Providers[1].NoStream)

	p := cfg.ProviderByID("iflow_main")
	require.NotNil(t, p)
	assert.Equal(t, "iflow", p.Type)
	assert.Nil(t, cfg.ProviderByID("missing"))
}

func TestLoadConfigUnknownProviderInRoute(t *testing.T) {
	path := writeConfig(t, `
providers:
  - id: iflow_main
    models: [glm-4.5]
routes:
  default:
    - nonexistent.glm-4.5
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestLoadConfigModelNotServed(t *testing.T) {
	path := writeConfig(t, `
providers:
  - id: iflow_main
    models: [glm-4.5]
routes:
  default:
    - iflow_main.gpt-4o
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not serve model")
}

func TestLoadConfigMissingProviderID(t *testing.T) {
	path := writeConfig(t, `
providers:
  - type: openai
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestValidateEmptyModelListServesAnything(t *testing.T) {
	cfg := &Config{
		Providers: []Provider{{ID: "open_router"}},
		Routes:    map[string][]string{"default": {"open_router.some-model"}},
	}
	assert.NoError(t, cfg.Validate())
}

func TestSplitPipelineID(t *testing.T) {
	provider, model := SplitPipelineID("iflow_main.glm-4-plus")
	assert.Equal(t, "iflow_main", provider)
	assert.Equal(t, "glm-4-plus", model)

	// the composite may contain dots; the model is after the LAST one
	provider, model = SplitPipelineID("modelscope_glm.ZhipuAI/GLM-4.5")
	assert.Equal(t, "modelscope_glm.ZhipuAI/GLM-4", provider)
	assert.Equal(t, "5", model)

	provider, model = SplitPipelineID("bare")
	assert.Equal(t, "bare", provider)
	assert.Empty(t, model)
}

func TestVendor(t *testing.T) {
	assert.Equal(t, "iflow", Vendor("iflow_main"))
	assert.Equal(t, "qwen", Vendor("qwen_a_backup"))
	assert.Equal(t, "gemini", Vendor("gemini"))
}
