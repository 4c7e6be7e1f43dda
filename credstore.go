package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Credentials is the stored secret material for one account.
// ExpiresAt is zero when the provider never reported an expiry.
type Credentials struct {
	Kind         AccountKind `json:"kind"`
	APIKey       string      `json:"api_key,omitempty"`
	AccessToken  string      `json:"access_token,omitempty"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	ExpiresAt    int64       `json:"expires_at,omitempty"` // unix ms
	Email        string      `json:"email,omitempty"`
	Scopes       []string    `json:"scopes,omitempty"`
}

// ExpiryTime converts the stored epoch-ms expiry, zero time when absent.
func (c *Credentials) ExpiryTime() time.Time {
	if c == nil || c.ExpiresAt <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.ExpiresAt)
}

// Token returns the usable secret for the credential kind.
func (c *Credentials) Token() string {
	if c == nil {
		return ""
	}
	if c.Kind == AccountKindAPIKey {
		return c.APIKey
	}
	return c.AccessToken
}

// CredentialStore is keyed secret storage. The daemon only consumes it;
// a desktop host would back it with the OS keychain instead.
type CredentialStore interface {
	Get(accountID string) (*Credentials, error)
	Set(accountID string, creds *Credentials) error
	Clear(accountID string) error
}

// fileCredentialStore keeps one JSON file per account under a directory.
type fileCredentialStore struct {
	dir string
}

func newFileCredentialStore(dir string) (*fileCredentialStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credentials dir: %w", err)
	}
	return &fileCredentialStore{dir: dir}, nil
}

func (s *fileCredentialStore) path(accountID string) string {
	return filepath.Join(s.dir, accountID+".json")
}

func (s *fileCredentialStore) Get(accountID string) (*Credentials, error) {
	raw, err := os.ReadFile(s.path(accountID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("no credentials for account %s", accountID)
	}
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path(accountID), err)
	}
	return &creds, nil
}

func (s *fileCredentialStore) Set(accountID string, creds *Credentials) error {
	return atomicWriteJSON(s.path(accountID), creds)
}

func (s *fileCredentialStore) Clear(accountID string) error {
	err := os.Remove(s.path(accountID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func atomicWriteJSON(filePath string, data any) error {
	updated, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename.
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(updated); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filePath)
}
