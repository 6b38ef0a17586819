package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureToken returns the API token for the local HTTP server. An
// explicit server.token wins. Otherwise the token is read from
// <data_dir>/api_token, generated on first use.
func EnsureToken(cfg Config) (string, error) {
	if cfg.Server.Token != "" {
		return cfg.Server.Token, nil
	}

	path := filepath.Join(cfg.Storage.DataDir, "api_token")
	if content, err := os.ReadFile(path); err == nil {
		token := strings.TrimSpace(string(content))
		if token != "" {
			return token, nil
		}
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist api token: %w", err)
	}
	return token, nil
}

func generateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
