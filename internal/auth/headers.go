package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/Jasonzhangf/routecodex-sub002/internal/meta"
)

// maxIdentityHeaderLen bounds the synthesized session/conversation headers.
// Overflow is replaced by a sha256 prefix of the original value.
const maxIdentityHeaderLen = 64

// defaultUserAgent identifies the gateway on upstream calls when the vendor
// requires a CLI-style user agent.
const defaultUserAgent = "routecodex/1.0"

// ApplyHeaders composes the Authorization and vendor-specific identity
// headers for one upstream request. The apiKey on the credential wins over
// the access token; the raw key only ever appears in the header value, never
// in logs or error details.
func ApplyHeaders(h http.Header, cred *Credential, md *meta.Metadata, vendorType string, streaming bool) {
	if cred != nil {
		if cred.APIKey != "" {
			h.Set("Authorization", "Bearer "+cred.APIKey)
		} else if cred.AccessToken != "" {
			tokenType := cred.TokenType
			if tokenType == "" {
				tokenType = "Bearer"
			}
			h.Set("Authorization", tokenType+" "+cred.AccessToken)
		}
	}

	switch strings.ToLower(vendorType) {
	case "anthropic":
		applyAnthropicHeaders(h, cred)
	case "codex":
		applyCodexHeaders(h, md)
	case "antigravity":
		h.Del("session_id")
		h.Del("conversation_id")
	case "iflow":
		applyIFlowHeaders(h)
	case "gemini", "gemini-cli":
		applyGeminiHeaders(h, streaming)
	}
}

// applyCodexHeaders ensures the CLI identity headers the Codex backend
// expects. Missing values are derived deterministically from the request id
// and route name so retries present a stable session.
func applyCodexHeaders(h http.Header, md *meta.Metadata) {
	requestID := ""
	routeName := ""
	if md != nil {
		requestID = md.RequestID
		routeName = md.RouteName
		if md.SessionID != "" && h.Get("session_id") == "" {
			h.Set("session_id", clampIdentity(md.SessionID))
		}
		if md.ConversationID != "" && h.Get("conversation_id") == "" {
			h.Set("conversation_id", clampIdentity(md.ConversationID))
		}
	}
	if h.Get("session_id") == "" {
		h.Set("session_id", clampIdentity("sess-"+requestID))
	}
	if h.Get("conversation_id") == "" {
		h.Set("conversation_id", clampIdentity("conv-"+routeName+"-"+requestID))
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", defaultUserAgent)
	}
	if h.Get("originator") == "" {
		h.Set("originator", "codex_cli_rs")
	}
}

// applyAnthropicHeaders switches an api-key credential from Authorization to
// the x-api-key header the Anthropic API expects, and pins the API version.
func applyAnthropicHeaders(h http.Header, cred *Credential) {
	if cred != nil && cred.APIKey != "" {
		h.Del("Authorization")
		h.Set("x-api-key", cred.APIKey)
	}
	if h.Get("anthropic-version") == "" {
		h.Set("anthropic-version", "2023-06-01")
	}
}

// applyIFlowHeaders sets the iFlow CLI signer headers.
func applyIFlowHeaders(h http.Header) {
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", "iflow-cli")
	}
	h.Set("X-IFlow-Client", "iflow-cli")
}

func applyGeminiHeaders(h http.Header, streaming bool) {
	h.Set("X-Goog-Api-Client", "gl-go/routecodex")
	if h.Get("Client-Metadata") == "" {
		h.Set("Client-Metadata", "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI")
	}
	if streaming {
		h.Set("Accept", "text/event-stream")
	}
}

// clampIdentity enforces the 64-char upper bound on identity headers by
// replacing overflow values with a sha256 prefix.
func clampIdentity(v string) string {
	if len(v) <= maxIdentityHeaderLen {
		return v
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])[:maxIdentityHeaderLen]
}
