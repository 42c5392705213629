// Package hostenv is the "host injects token/tenant" capability: the
// engine never reads these from process globals. It is a file-backed
// auth.json under ~/.config/rosync, with env-var-priority getters so a
// host can override either value without touching disk.
package hostenv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AuthCredentials is the auth.json shape: a bearer token and the active
// tenant, the two things the sync core needs from a host's login state.
type AuthCredentials struct {
	Token          string `json:"token"`
	OrganizationID string `json:"organization_id"`
}

// ConfigDir returns ~/.config/rosync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "rosync")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

func authPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "auth.json"), nil
}

// LoadAuth reads credentials from auth.json. Returns (nil, nil) if the
// file doesn't exist yet (not authenticated).
func LoadAuth() (*AuthCredentials, error) {
	path, err := authPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse auth.json: %w", err)
	}
	return &creds, nil
}

// SaveAuth writes credentials to auth.json with owner-only permissions.
func SaveAuth(creds *AuthCredentials) error {
	path, err := authPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ClearAuth removes auth.json (logout / tenant switch).
func ClearAuth() error {
	path, err := authPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GetToken returns the current bearer token. Priority: ROSYNC_AUTH_TOKEN
// env > auth.json.
func GetToken() string {
	if v := os.Getenv("ROSYNC_AUTH_TOKEN"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.Token
	}
	return ""
}

// GetTenantID returns the current organization ID. Priority:
// ROSYNC_ORGANIZATION_ID env > auth.json.
func GetTenantID() string {
	if v := os.Getenv("ROSYNC_ORGANIZATION_ID"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.OrganizationID
	}
	return ""
}

// IsAuthenticated reports whether a token is available.
func IsAuthenticated() bool {
	return GetToken() != ""
}

// IsOnline reports the host's network-reachability hint (the Go
// equivalent of a browser's "online" signal). There is no portable way
// to observe link-layer state from this process, so the host is expected
// to set ROSYNC_OFFLINE=1 when it knows connectivity is down (e.g. its
// own network-state listener fired offline); absent that, the engine
// assumes it's online and lets the liveness probe be the real check.
func IsOnline() bool {
	return os.Getenv("ROSYNC_OFFLINE") == ""
}
