package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skratchdot/open-golang/open"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DeviceFlowState holds the server response of a device authorization
// request together with the PKCE verifier generated for it.
type DeviceFlowState struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
	CodeVerifier            string `json:"-"`
}

// DeviceFlow runs the OAuth device-code flow for providers such as Qwen.
type DeviceFlow struct {
	cfg        *FlowConfig
	httpClient *http.Client

	// openBrowser is best-effort; failures only log.
	openBrowser func(url string) error
}

// NewDeviceFlow creates a device-code flow runner.
func NewDeviceFlow(cfg *FlowConfig, httpClient *http.Client) *DeviceFlow {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &DeviceFlow{cfg: cfg, httpClient: httpClient, openBrowser: open.Run}
}

// Initiate requests a device code from the provider, including the PKCE
// challenge for the later token poll.
func (f *DeviceFlow) Initiate(ctx context.Context) (*DeviceFlowState, error) {
	codeVerifier, codeChallenge, err := GeneratePKCEPair()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("client_id", f.cfg.ClientID)
	form.Set("scope", f.cfg.Scope)
	form.Set("code_challenge", codeChallenge)
	form.Set("code_challenge_method", "S256")

	body, status, err := f.postForm(ctx, f.cfg.DeviceEndpoint, form)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed: HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}

	var state DeviceFlowState
	if err = json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("failed to parse device authorization response: %w", err)
	}
	if state.DeviceCode == "" {
		return nil, fmt.Errorf("device authorization response missing device_code")
	}
	state.CodeVerifier = codeVerifier
	return &state, nil
}

// Authorize runs the full device flow: initiate, prompt the user, poll for
// the token and return the resulting credential. The verification URL is
// opened in the local browser on a best-effort basis.
func (f *DeviceFlow) Authorize(ctx context.Context, alias string) (*Credential, error) {
	state, err := f.Initiate(ctx)
	if err != nil {
		return nil, err
	}

	verification := state.VerificationURIComplete
	if verification == "" {
		verification = state.VerificationURI
	}
	log.Infof("%s: visit %s and enter code %s", f.cfg.Provider, verification, state.UserCode)
	if f.openBrowser != nil && verification != "" {
		if errOpen := f.openBrowser(verification); errOpen != nil {
			log.Debugf("could not launch browser: %v", errOpen)
		}
	}

	return f.Poll(ctx, state, alias)
}

// Poll polls the token endpoint until the user completes authorization.
// The base interval is 5s (or the server-provided interval), increased by
// x1.5 up to 10s on slow_down, for at most 60 attempts.
func (f *DeviceFlow) Poll(ctx context.Context, state *DeviceFlowState, alias string) (*Credential, error) {
	interval := devicePollBaseInterval
	if state.Interval > 0 {
		interval = time.Duration(state.Interval) * time.Second
	}

	for attempt := 1; attempt <= devicePollMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		form := url.Values{}
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
		form.Set("client_id", f.cfg.ClientID)
		form.Set("device_code", state.DeviceCode)
		form.Set("code_verifier", state.CodeVerifier)

		body, status, err := f.postForm(ctx, f.cfg.TokenEndpoint, form)
		if err != nil {
			if attempt == devicePollMaxAttempts {
				return nil, fmt.Errorf("device token poll failed: %w", err)
			}
			log.Debugf("device token poll attempt %d failed: %v", attempt, err)
			continue
		}

		if status == http.StatusOK {
			return f.credentialFromToken(body, alias)
		}

		errCode := gjson.GetBytes(body, "error").String()
		switch errCode {
		case "authorization_pending":
			// keep polling
		case "slow_down":
			interval = time.Duration(float64(interval) * devicePollSlowdown)
			if interval > devicePollMaxInterval {
				interval = devicePollMaxInterval
			}
		case "expired_token", "access_denied":
			return nil, fmt.Errorf("device authorization terminated: %s", errCode)
		default:
			return nil, fmt.Errorf("device token poll failed: HTTP %d: %s", status, strings.TrimSpace(string(body)))
		}
	}
	return nil, fmt.Errorf("device authorization timed out after %d attempts", devicePollMaxAttempts)
}

// credentialFromToken builds a Credential from a token endpoint response.
func (f *DeviceFlow) credentialFromToken(body []byte, alias string) (*Credential, error) {
	root := gjson.ParseBytes(body)
	accessToken := root.Get("access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	cred := &Credential{
		ProviderID:   f.cfg.Provider,
		Alias:        alias,
		AccessToken:  accessToken,
		RefreshToken: root.Get("refresh_token").String(),
		TokenType:    root.Get("token_type").String(),
		ResourceURL:  root.Get("resource_url").String(),
		LastRefresh:  time.Now().Format(time.RFC3339),
	}
	expiresIn, ok := ParseExpiresIn(root.Get("expires_in"))
	if !ok {
		expiresIn = 3600
	}
	cred.ExpiresIn = expiresIn
	cred.SetExpiry(time.Now().Add(time.Duration(expiresIn) * time.Second))
	return cred, nil
}

func (f *DeviceFlow) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
