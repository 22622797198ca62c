// Package config provides configuration management for the RouteCodex
// gateway. It handles loading and parsing the YAML configuration file and
// gives structured access to the server settings, provider declarations,
// route pools and classification rules.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network interface on which the API server will listen.
	Host string `yaml:"host"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// AuthDir is the directory where OAuth credential files are stored.
	// Empty means per-provider defaults under $HOME.
	AuthDir string `yaml:"auth-dir"`

	// Debug enables debug-level logging and gin debug mode.
	Debug bool `yaml:"debug"`

	// LogFile is an optional rotating log file path.
	LogFile string `yaml:"log-file"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	// Entries may be plaintext or bcrypt hashes. Empty means open access.
	APIKeys []string `yaml:"api-keys"`

	// AllowLocalhostUnauthenticated allows unauthenticated requests from localhost.
	AllowLocalhostUnauthenticated bool `yaml:"allow-localhost-unauthenticated"`

	// UsageDB is the path of the bbolt database persisting usage statistics.
	// Empty disables persistence; events still reach the log sink.
	UsageDB string `yaml:"usage-db"`

	// Providers declares the upstream providers keyed into pipelines.
	Providers []Provider `yaml:"providers"`

	// Routes maps a route name to its ordered pool of pipeline ids
	// ("<providerKey>.<model>"; the provider composite may contain dots,
	// the model is everything after the last dot).
	Routes map[string][]string `yaml:"routes"`

	// Classification lists the request classification rules, first match wins.
	Classification []Rule `yaml:"classification"`
}

// Provider declares one upstream provider account.
type Provider struct {
	// ID is the provider composite key, e.g. "iflow_main". The segment
	// before the first underscore names the vendor for request pinning.
	ID string `yaml:"id"`

	// Type selects the wire protocol: openai, anthropic, gemini, iflow,
	// qwen or glm.
	Type string `yaml:"type"`

	// BaseURL is the upstream endpoint base. Optional for vendors with a
	// well-known default.
	BaseURL string `yaml:"base-url"`

	// APIKey is a static upstream key. When empty the provider reads its
	// credential from the OAuth store.
	APIKey string `yaml:"api-key"`

	// OAuth selects the OAuth credential used when APIKey is empty.
	OAuth *OAuthRef `yaml:"oauth"`

	// Models lists the model ids this provider serves.
	Models []string `yaml:"models"`

	// Headers are extra static headers sent upstream.
	Headers map[string]string `yaml:"headers"`

	// ForceStream marks an upstream that only answers in SSE; non-streaming
	// clients get the chunks collected into one completion.
	ForceStream bool `yaml:"force-stream"`

	// NoStream marks an upstream that cannot stream; streaming clients get
	// a stream synthesized from the single completion.
	NoStream bool `yaml:"no-stream"`
}

// OAuthRef points a provider at a stored OAuth credential.
type OAuthRef struct {
	// Provider is the OAuth provider id (iflow, qwen, gemini, ...).
	Provider string `yaml:"provider"`

	// Alias distinguishes multiple accounts of the same provider.
	Alias string `yaml:"alias"`
}

// Rule is one classification rule. Conditions are AND-ed; the first rule
// whose conditions all hold names the route.
type Rule struct {
	// Route is the route name selected when the rule matches.
	Route string `yaml:"route"`

	// MinTokens matches when the estimated prompt token count is at least
	// this value.
	MinTokens int `yaml:"min-tokens"`

	// Tools matches when the request declares at least one tool.
	Tools bool `yaml:"tools"`

	// Images matches when any message carries an image part.
	Images bool `yaml:"images"`

	// WebSearch matches when the request sets the web-search flag.
	WebSearch bool `yaml:"web-search"`

	// ModelHint matches when the requested model name contains this substring.
	ModelHint string `yaml:"model-hint"`
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, validates it and returns it.
//
// Parameters:
//   - configFile: The path to the YAML configuration file
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the configuration could not be loaded
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 5520
	}
	if cfg.Routes == nil {
		cfg.Routes = make(map[string][]string)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-references between routes and providers.
func (c *Config) Validate() error {
	known := make(map[string]map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("provider #%d: missing id", i)
		}
		models := make(map[string]bool, len(p.Models))
		for _, m := range p.Models {
			models[m] = true
		}
		known[p.ID] = models
	}
	for route, pool := range c.Routes {
		for _, id := range pool {
			providerKey, model := SplitPipelineID(id)
			models, ok := known[providerKey]
			if !ok {
				return fmt.Errorf("route %q: unknown provider %q in pipeline %q", route, providerKey, id)
			}
			if len(models) > 0 && !models[model] {
				return fmt.Errorf("route %q: provider %q does not serve model %q", route, providerKey, model)
			}
		}
	}
	return nil
}

// ProviderByID returns the provider declaration for the composite key.
func (c *Config) ProviderByID(id string) *Provider {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i]
		}
	}
	return nil
}

// SplitPipelineID splits "<providerComposite>.<modelId>" on the last dot.
// The provider composite may itself contain dots.
func SplitPipelineID(id string) (providerKey, model string) {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return id, ""
	}
	return id[:idx], id[idx+1:]
}

// Vendor returns the vendor segment of a provider composite: everything
// before the first underscore.
func Vendor(providerComposite string) string {
	if idx := strings.Index(providerComposite, "_"); idx >= 0 {
		return providerComposite[:idx]
	}
	return providerComposite
}
