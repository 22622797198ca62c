package auth

import "time"

// Auth URL styles supported by the authorization-code flow.
const (
	// StyleStandard is the plain OAuth2 auth-code URL with PKCE.
	StyleStandard = "standard"
	// StyleIFlowWeb is the iFlow phone-login web style without PKCE.
	StyleIFlowWeb = "iflow-web"
	// StyleLegacy embeds the state into the redirect URL.
	StyleLegacy = "legacy"
)

// FlowConfig describes one OAuth provider's endpoints and flow behavior.
type FlowConfig struct {
	// Provider is the credential's provider id and storage key.
	Provider string

	ClientID     string
	ClientSecret string
	Scope        string

	// DeviceEndpoint is set for device-code providers (Qwen).
	DeviceEndpoint string
	AuthEndpoint   string
	TokenEndpoint  string

	// UserInfoEndpoint enables the post-token activation exchange.
	UserInfoEndpoint string

	// Style picks the auth URL layout for authorization-code providers.
	Style string

	// RedirectPort is the local callback port; 0 requests an ephemeral port.
	RedirectPort int
	RedirectPath string

	// BasicAuth sends client id/secret as an Authorization: Basic header
	// on the token exchange.
	BasicAuth bool

	// GoogleOffline forces access_type=offline&prompt=consent on the auth URL.
	GoogleOffline bool

	// RefreshMaxAttempts bounds the refresh retry loop.
	RefreshMaxAttempts int
	RefreshBackoff     time.Duration
}

// Device poll tuning shared by all device-code providers.
const (
	devicePollBaseInterval = 5 * time.Second
	devicePollMaxInterval  = 10 * time.Second
	devicePollSlowdown     = 1.5
	devicePollMaxAttempts  = 60
)

// Callback wait deadlines for the authorization-code flow.
const (
	callbackWaitDefault  = 10 * time.Minute
	callbackWaitHeadless = 90 * time.Second
)

// QwenFlow returns the Qwen device-code flow configuration.
func QwenFlow() *FlowConfig {
	return &FlowConfig{
		Provider:           "qwen",
		ClientID:           "f0304373b74a44d2b584a3fb70ca9e56",
		Scope:              "openid profile email model.completion",
		DeviceEndpoint:     "https://chat.qwen.ai/api/v1/oauth2/device/code",
		TokenEndpoint:      "https://chat.qwen.ai/api/v1/oauth2/token",
		RefreshMaxAttempts: 3,
		RefreshBackoff:     time.Second,
	}
}

// IFlowFlow returns the iFlow authorization-code flow configuration.
// iFlow uses the phone-login web style, an ephemeral callback port, and
// exchanges the access token for an apiKey via the user-info endpoint.
// Refresh failures are not retried for iFlow.
func IFlowFlow() *FlowConfig {
	return &FlowConfig{
		Provider:           "iflow",
		ClientID:           "10009311001",
		ClientSecret:       "4Z3YjXycVsQvyGF6etEkfnre2KIQBbWv",
		Scope:              "openid profile api",
		AuthEndpoint:       "https://iflow.cn/oauth",
		TokenEndpoint:      "https://iflow.cn/oauth/token",
		UserInfoEndpoint:   "https://iflow.cn/api/oauth/getUserInfo",
		Style:              StyleIFlowWeb,
		RedirectPort:       0,
		RedirectPath:       "/oauth2callback",
		BasicAuth:          true,
		RefreshMaxAttempts: 1,
		RefreshBackoff:     time.Second,
	}
}

// GeminiFlow returns the Google/Gemini authorization-code flow configuration.
func GeminiFlow() *FlowConfig {
	return &FlowConfig{
		Provider:           "gemini",
		ClientID:           "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
		ClientSecret:       "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",
		Scope:              "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email https://www.googleapis.com/auth/userinfo.profile",
		AuthEndpoint:       "https://accounts.google.com/o/oauth2/v2/auth",
		TokenEndpoint:      "https://oauth2.googleapis.com/token",
		Style:              StyleStandard,
		RedirectPort:       8080,
		RedirectPath:       "/oauth2callback",
		GoogleOffline:      true,
		RefreshMaxAttempts: 3,
		RefreshBackoff:     time.Second,
	}
}

// FlowFor resolves a provider id to its flow configuration, nil when the
// provider has no OAuth flow.
func FlowFor(providerID string) *FlowConfig {
	switch providerID {
	case "qwen":
		return QwenFlow()
	case "iflow":
		return IFlowFlow()
	case "gemini", "gemini-cli", "antigravity":
		cfg := GeminiFlow()
		cfg.Provider = providerID
		return cfg
	}
	return nil
}
