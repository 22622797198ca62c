package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// permanentRefreshErrors abort the refresh retry loop immediately; they
// indicate the credential is dead and needs interactive re-auth.
var permanentRefreshErrors = []string{
	"invalid_grant",
	"unauthorized_client",
}

// Store manages the in-memory credential table backed by token files on
// disk. Refreshes are coalesced per credential: concurrent requests for the
// same credential wait on one refresh.
type Store struct {
	baseDir    string
	httpClient *http.Client

	mu      sync.Mutex
	entries map[string]*storeEntry
}

type storeEntry struct {
	// mu serializes reads against an in-flight refresh, which also
	// coalesces concurrent refresh attempts into one.
	mu   sync.Mutex
	cred *Credential
}

// NewStore creates a credential store. baseDir overrides the default
// per-provider $HOME locations; an empty baseDir keeps them.
func NewStore(baseDir string, httpClient *http.Client) *Store {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Store{
		baseDir:    baseDir,
		httpClient: httpClient,
		entries:    make(map[string]*storeEntry),
	}
}

func credentialKey(providerID, alias string) string {
	if alias == "" {
		alias = "default"
	}
	return providerID + "/" + alias
}

func (s *Store) entry(providerID, alias string) *storeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credentialKey(providerID, alias)
	e, ok := s.entries[key]
	if !ok {
		e = &storeEntry{}
		s.entries[key] = e
	}
	return e
}

// Put stores a freshly authorized credential in memory and on disk.
func (s *Store) Put(cred *Credential) error {
	path, err := CredentialPath(s.baseDir, cred.ProviderID, cred.Alias)
	if err != nil {
		return err
	}
	if err = SaveCredential(path, cred); err != nil {
		return err
	}
	e := s.entry(cred.ProviderID, cred.Alias)
	e.mu.Lock()
	e.cred = cred
	e.mu.Unlock()
	return nil
}

// Delete removes a credential from memory and disk.
func (s *Store) Delete(providerID, alias string) error {
	path, err := CredentialPath(s.baseDir, providerID, alias)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, credentialKey(providerID, alias))
	s.mu.Unlock()
	if err = removeIfExists(path); err != nil {
		return err
	}
	return nil
}

// Get returns a usable credential for the provider/alias pair, refreshing
// it first when expired. Concurrent callers for the same credential are
// serialized so only one refresh hits the token endpoint.
func (s *Store) Get(ctx context.Context, providerID, alias string) (*Credential, error) {
	e := s.entry(providerID, alias)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cred == nil {
		path, err := CredentialPath(s.baseDir, providerID, alias)
		if err != nil {
			return nil, err
		}
		cred, err := LoadCredential(path, providerID, alias)
		if err != nil {
			return nil, fmt.Errorf("auth: no credential for %s/%s: %w", providerID, alias, err)
		}
		e.cred = cred
	}

	if !e.cred.IsExpired() {
		return e.cred, nil
	}
	if e.cred.RefreshToken == "" {
		return nil, fmt.Errorf("auth: credential %s/%s is expired and has no refresh token; re-authentication required", providerID, alias)
	}

	refreshed, err := s.refresh(ctx, e.cred)
	if err != nil {
		return nil, err
	}
	e.cred = refreshed
	path, errPath := CredentialPath(s.baseDir, providerID, alias)
	if errPath == nil {
		if errSave := SaveCredential(path, refreshed); errSave != nil {
			log.Warnf("auth: failed to persist refreshed credential %s/%s: %v", providerID, alias, errSave)
		}
	}
	return refreshed, nil
}

// refresh exchanges the refresh token for a new access token, retrying with
// linear backoff per the provider's flow configuration. A permanent failure
// (invalid_grant, unauthorized_client) aborts immediately.
func (s *Store) refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	flow := FlowFor(cred.ProviderID)
	maxAttempts := 3
	backoff := time.Second
	if flow != nil {
		if flow.RefreshMaxAttempts > 0 {
			maxAttempts = flow.RefreshMaxAttempts
		}
		if flow.RefreshBackoff > 0 {
			backoff = flow.RefreshBackoff
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * backoff):
			}
		}
		refreshed, err := s.refreshOnce(ctx, flow, cred)
		if err == nil {
			return refreshed, nil
		}
		if isPermanentRefreshError(err) {
			return nil, fmt.Errorf("auth: refresh for %s rejected: %w", cred.ProviderID, err)
		}
		lastErr = err
		log.Debugf("auth: refresh attempt %d/%d for %s failed: %v", attempt, maxAttempts, cred.ProviderID, err)
	}
	return nil, fmt.Errorf("auth: refresh for %s failed after %d attempts: %w", cred.ProviderID, maxAttempts, lastErr)
}

func (s *Store) refreshOnce(ctx context.Context, flow *FlowConfig, cred *Credential) (*Credential, error) {
	if flow != nil && strings.Contains(flow.TokenEndpoint, "googleapis.com") {
		return s.refreshGoogle(ctx, flow, cred)
	}
	return s.refreshRaw(ctx, flow, cred)
}

// refreshGoogle refreshes Gemini-family credentials through the oauth2
// package with Google endpoints.
func (s *Store) refreshGoogle(ctx context.Context, flow *FlowConfig, cred *Credential) (*Credential, error) {
	conf := &oauth2.Config{
		ClientID:     flow.ClientID,
		ClientSecret: flow.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	tok := &oauth2.Token{AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken}
	refreshed, err := conf.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, err
	}

	next := *cred
	next.AccessToken = refreshed.AccessToken
	if refreshed.RefreshToken != "" {
		next.RefreshToken = refreshed.RefreshToken
	}
	if refreshed.TokenType != "" {
		next.TokenType = refreshed.TokenType
	}
	if !refreshed.Expiry.IsZero() {
		next.SetExpiry(refreshed.Expiry)
	} else {
		next.SetExpiry(time.Now().Add(s.fallbackLifetime(cred)))
	}
	next.LastRefresh = time.Now().Format(time.RFC3339)
	return &next, nil
}

// refreshRaw posts grant_type=refresh_token to the vendor token endpoint.
func (s *Store) refreshRaw(ctx context.Context, flow *FlowConfig, cred *Credential) (*Credential, error) {
	if flow == nil || flow.TokenEndpoint == "" {
		return nil, fmt.Errorf("no token endpoint configured for provider %s", cred.ProviderID)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", flow.ClientID)
	if flow.ClientSecret != "" && !flow.BasicAuth {
		form.Set("client_secret", flow.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, flow.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if flow.BasicAuth {
		req.SetBasicAuth(flow.ClientID, flow.ClientSecret)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	root := gjson.ParseBytes(body)
	accessToken := root.Get("access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("token refresh response missing access_token")
	}

	next := *cred
	next.AccessToken = accessToken
	// Preserve the original refresh token when the response omits one.
	if rt := root.Get("refresh_token").String(); rt != "" {
		next.RefreshToken = rt
	}
	if tt := root.Get("token_type").String(); tt != "" {
		next.TokenType = tt
	}
	if ru := root.Get("resource_url").String(); ru != "" {
		next.ResourceURL = ru
	}
	lifetime := s.fallbackLifetime(cred)
	if expiresIn, ok := ParseExpiresIn(root.Get("expires_in")); ok {
		lifetime = time.Duration(expiresIn) * time.Second
		next.ExpiresIn = expiresIn
	}
	next.SetExpiry(time.Now().Add(lifetime))
	next.LastRefresh = time.Now().Format(time.RFC3339)
	return &next, nil
}

// fallbackLifetime is used when a refresh response omits expires_in: the
// remaining lifetime of the stored credential when it exceeds 60s, else 1h.
func (s *Store) fallbackLifetime(cred *Credential) time.Duration {
	if t := cred.ExpiryTime(); !t.IsZero() {
		if remaining := time.Until(t); remaining > 60*time.Second {
			return remaining
		}
	}
	return 3600 * time.Second
}

// StartBackgroundRefresh launches a goroutine refreshing credentials that
// are about to expire. It stops when ctx is canceled.
func (s *Store) StartBackgroundRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshExpiring(ctx)
			}
		}
	}()
}

func (s *Store) refreshExpiring(ctx context.Context) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		providerID, alias, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		e := s.entry(providerID, alias)
		e.mu.Lock()
		cred := e.cred
		e.mu.Unlock()
		if cred == nil || cred.RefreshToken == "" || !cred.IsExpired() {
			continue
		}
		if _, err := s.Get(ctx, providerID, alias); err != nil {
			log.Warnf("auth: background refresh for %s failed: %v", key, err)
		}
	}
}

func isPermanentRefreshError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentRefreshErrors {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
