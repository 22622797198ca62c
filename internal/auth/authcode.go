package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/skratchdot/open-golang/open"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// callbackResult is delivered by the local callback server.
type callbackResult struct {
	code  string
	state string
	err   error
}

// AuthCodeFlow runs the OAuth authorization-code flow with PKCE. It starts
// a local HTTP callback server, builds the vendor-specific auth URL, waits
// for the redirect, exchanges the code and optionally activates the
// credential via the user-info endpoint.
type AuthCodeFlow struct {
	cfg        *FlowConfig
	httpClient *http.Client

	// Headless shortens the callback deadline for automation runs.
	Headless bool

	openBrowser func(url string) error
}

// NewAuthCodeFlow creates an authorization-code flow runner.
func NewAuthCodeFlow(cfg *FlowConfig, httpClient *http.Client) *AuthCodeFlow {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AuthCodeFlow{cfg: cfg, httpClient: httpClient, openBrowser: open.Run}
}

// Authorize runs the complete flow and returns the persisted-ready credential.
func (f *AuthCodeFlow) Authorize(ctx context.Context, alias string) (*Credential, error) {
	listener, err := f.listen()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = listener.Close()
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://localhost:%d%s", port, f.callbackPath())

	state, err := GenerateRandomState()
	if err != nil {
		return nil, err
	}
	verifier, challenge, err := GeneratePKCEPair()
	if err != nil {
		return nil, err
	}

	authURL := f.BuildAuthURL(redirectURI, state, challenge)
	results := make(chan callbackResult, 1)
	server := f.startCallbackServer(listener, results)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Infof("%s: open %s to authorize", f.cfg.Provider, authURL)
	if f.openBrowser != nil {
		if errOpen := f.openBrowser(authURL); errOpen != nil {
			log.Debugf("could not launch browser: %v", errOpen)
		}
	}

	deadline := callbackWaitDefault
	if f.Headless {
		deadline = callbackWaitHeadless
	}

	var result callbackResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(deadline):
		return nil, fmt.Errorf("timed out waiting for OAuth callback")
	case result = <-results:
	}
	if result.err != nil {
		return nil, result.err
	}
	if result.state != state && !lenientState() {
		return nil, fmt.Errorf("OAuth state mismatch")
	}

	cred, err := f.Exchange(ctx, result.code, redirectURI, verifier, alias)
	if err != nil {
		return nil, err
	}
	if f.cfg.UserInfoEndpoint != "" {
		if errActivate := f.Activate(ctx, cred); errActivate != nil {
			return nil, errActivate
		}
	}
	return cred, nil
}

// BuildAuthURL composes the authorization URL for the configured style.
func (f *AuthCodeFlow) BuildAuthURL(redirectURI, state, challenge string) string {
	switch f.cfg.Style {
	case StyleIFlowWeb:
		// iFlow's phone-login page; no PKCE, the redirect is encoded
		// exactly once by Values.Encode.
		q := url.Values{}
		q.Set("loginMethod", "phone")
		q.Set("type", "phone")
		q.Set("redirect", redirectURI)
		q.Set("state", state)
		q.Set("client_id", f.cfg.ClientID)
		return f.cfg.AuthEndpoint + "?" + q.Encode()
	case StyleLegacy:
		// Legacy style embeds the state into the redirect URL itself.
		q := url.Values{}
		q.Set("response_type", "code")
		q.Set("client_id", f.cfg.ClientID)
		q.Set("redirect_uri", redirectURI+"?state="+state)
		q.Set("scope", f.cfg.Scope)
		return f.cfg.AuthEndpoint + "?" + q.Encode()
	default:
		q := url.Values{}
		q.Set("response_type", "code")
		q.Set("client_id", f.cfg.ClientID)
		q.Set("redirect_uri", redirectURI)
		q.Set("scope", f.cfg.Scope)
		q.Set("state", state)
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", "S256")
		if f.cfg.GoogleOffline || strings.Contains(f.cfg.AuthEndpoint, "google") {
			q.Set("access_type", "offline")
			q.Set("prompt", "consent")
			q.Set("include_granted_scopes", "true")
		}
		return f.cfg.AuthEndpoint + "?" + q.Encode()
	}
}

// Exchange trades the authorization code for a token. The PKCE verifier is
// only sent for the standard style; Basic client authentication is applied
// when configured.
func (f *AuthCodeFlow) Exchange(ctx context.Context, code, redirectURI, verifier, alias string) (*Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", f.cfg.ClientID)
	if f.cfg.Style == StyleStandard {
		form.Set("code_verifier", verifier)
	}
	if f.cfg.ClientSecret != "" && !f.cfg.BasicAuth {
		form.Set("client_secret", f.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if f.cfg.BasicAuth {
		basic := base64.StdEncoding.EncodeToString([]byte(f.cfg.ClientID + ":" + f.cfg.ClientSecret))
		req.Header.Set("Authorization", "Basic "+basic)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

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

// Activate calls the user-info endpoint with the access token and harvests
// the vendor apiKey and account identity. Transient failures (408/429/5xx)
// are retried three times with 1s/2s/3s backoff.
func (f *AuthCodeFlow) Activate(ctx context.Context, cred *Credential) error {
	endpoint := f.cfg.UserInfoEndpoint + "?accessToken=" + url.QueryEscape(cred.AccessToken)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * time.Second):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, errRead := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if errRead != nil {
			lastErr = errRead
			continue
		}
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("user-info request failed: HTTP %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("user-info request failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		root := gjson.ParseBytes(body)
		apiKey := root.Get("apiKey").String()
		if apiKey == "" {
			apiKey = root.Get("data.apiKey").String()
		}
		if apiKey == "" {
			return fmt.Errorf("user-info response missing apiKey")
		}
		cred.APIKey = apiKey
		if email := root.Get("email").String(); email != "" {
			cred.Email = email
		} else if phone := root.Get("phone").String(); phone != "" {
			cred.Email = phone
		} else if email = root.Get("data.email").String(); email != "" {
			cred.Email = email
		} else if phone = root.Get("data.phone").String(); phone != "" {
			cred.Email = phone
		}
		return nil
	}
	return fmt.Errorf("user-info activation failed after 3 attempts: %w", lastErr)
}

// listen binds the callback listener. On a busy port it retries once with
// an ephemeral port.
func (f *AuthCodeFlow) listen() (net.Listener, error) {
	port := f.cfg.RedirectPort
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err == nil {
		return listener, nil
	}
	if port != 0 && isAddrInUse(err) {
		log.Warnf("port %d busy, falling back to an ephemeral callback port", port)
		return net.Listen("tcp", "localhost:0")
	}
	return nil, fmt.Errorf("failed to start OAuth callback server: %w", err)
}

func (f *AuthCodeFlow) callbackPath() string {
	if f.cfg.RedirectPath != "" {
		return f.cfg.RedirectPath
	}
	return "/oauth2callback"
}

func (f *AuthCodeFlow) startCallbackServer(listener net.Listener, results chan<- callbackResult) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(f.callbackPath(), func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "Authorization failed. You can close this window.", http.StatusBadRequest)
			select {
			case results <- callbackResult{err: fmt.Errorf("authorization failed: %s", errCode)}:
			default:
			}
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "Missing authorization code.", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, "<html><body>Authorization complete. You can close this window.</body></html>")
		select {
		case results <- callbackResult{code: code, state: q.Get("state")}:
		default:
		}
	})
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case results <- callbackResult{err: err}:
			default:
			}
		}
	}()
	return server
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "EADDRINUSE")
}

// lenientState reports whether state mismatches are tolerated. Intended for
// headful automation only.
func lenientState() bool {
	v := strings.TrimSpace(os.Getenv("ROUTECODEX_OAUTH_LENIENT_STATE"))
	return v == "1" || strings.EqualFold(v, "true")
}
