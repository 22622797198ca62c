// Package auth implements the OAuth credential subsystem of the gateway:
// device-code and authorization-code (PKCE) flows, credential persistence,
// refresh with retry, and the per-vendor request header builder. Credentials
// are stored as JSON token files and written atomically so a crash mid-write
// never leaves a partial file behind.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Credential is one stored OAuth credential for a (providerID, alias) pair.
// The JSON tags match the on-disk token file layout.
type Credential struct {
	ProviderID string `json:"-"`
	Alias      string `json:"-"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`

	// ExpiresIn is the lifetime in seconds reported at issue time.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// ExpiresAt is the absolute expiry instant in epoch milliseconds.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// Expired mirrors ExpiresAt as an ISO-8601 string for older readers.
	Expired string `json:"expired,omitempty"`

	// APIKey is a vendor key harvested from the user-info exchange (iFlow).
	APIKey string `json:"apiKey,omitempty"`

	// ResourceURL is the vendor routing base harvested at token time (Qwen).
	ResourceURL string `json:"resource_url,omitempty"`

	Email       string `json:"email,omitempty"`
	LastRefresh string `json:"last_refresh,omitempty"`
}

// ExpiryTime returns the absolute expiry instant, zero when unknown.
func (c *Credential) ExpiryTime() time.Time {
	if c.ExpiresAt > 0 {
		return time.UnixMilli(c.ExpiresAt)
	}
	if c.Expired != "" {
		if t, err := time.Parse(time.RFC3339, c.Expired); err == nil {
			return t
		}
	}
	return time.Time{}
}

// IsExpired reports whether the access token expired, with a safety margin.
func (c *Credential) IsExpired() bool {
	t := c.ExpiryTime()
	if t.IsZero() {
		return false
	}
	return time.Now().After(t.Add(-60 * time.Second))
}

// IsDead reports whether the credential can no longer be refreshed and
// requires interactive re-auth.
func (c *Credential) IsDead() bool {
	return c.IsExpired() && c.RefreshToken == ""
}

// SetExpiry records the expiry both as an absolute epoch-ms instant and as
// the ISO-8601 mirror field.
func (c *Credential) SetExpiry(at time.Time) {
	c.ExpiresAt = at.UnixMilli()
	c.Expired = at.Format(time.RFC3339)
}

// CredentialPath resolves the token file path for a provider/alias pair.
// With an empty baseDir the file lives at $HOME/.{providerID}/oauth_creds.json;
// non-default aliases get their own file next to it.
func CredentialPath(baseDir, providerID, alias string) (string, error) {
	dir := baseDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("auth: cannot resolve home directory: %w", err)
		}
		dir = filepath.Join(home, "."+providerID)
	} else {
		dir = filepath.Join(dir, "."+providerID)
	}
	name := "oauth_creds.json"
	if alias != "" && alias != "default" {
		name = "oauth_creds-" + alias + ".json"
	}
	return filepath.Join(dir, name), nil
}

// LoadCredential reads a credential file. The legacy "api_key" alias field
// is folded into APIKey.
func LoadCredential(path, providerID, alias string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cred Credential
	if err = json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("auth: failed to parse credential file %s: %w", path, err)
	}
	if cred.APIKey == "" {
		if alt := gjson.GetBytes(data, "api_key"); alt.Exists() {
			cred.APIKey = alt.String()
		}
	}
	cred.ProviderID = providerID
	cred.Alias = alias
	return &cred, nil
}

// SaveCredential writes the credential atomically: the JSON is written to a
// temp file in the target directory and renamed into place.
func SaveCredential(path string, cred *Credential) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("auth: failed to create credential directory: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: failed to serialize credential: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".oauth_creds-*.tmp")
	if err != nil {
		return fmt.Errorf("auth: failed to create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("auth: failed to write credential file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("auth: failed to close credential file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("auth: failed to persist credential file: %w", err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ParseExpiresIn accepts the expires_in field as a number or numeric string.
// The boolean result reports whether a positive value was present.
func ParseExpiresIn(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		if v.Int() > 0 {
			return v.Int(), true
		}
	case gjson.String:
		if n, err := strconv.ParseInt(v.String(), 10, 64); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}
