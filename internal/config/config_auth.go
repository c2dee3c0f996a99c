package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

// ResolveSecret resolves a credential with environment taking precedence
// over configuration: the named env var first, then the inline config
// value, then a file path whose contents are read once and trimmed.
// Returns "" when none are set; a set-but-unreadable file is an error.
func ResolveSecret(envVar, inline, file string) (string, error) {
	if envVar != "" {
		if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
			return v, nil
		}
	}
	if inline != "" {
		return inline, nil
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read secret file %s: %w", file, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}
