package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxnote/pkg/live"
)

// ResolveAPIKey returns the API key for the live session. An explicit
// api_key wins; otherwise the optional env_file is loaded (without
// overriding variables already set) and api_key_env is read. A missing
// env_file is not an error.
func ResolveAPIKey(cfg LiveConfig) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("config: load env file %q: %w", cfg.EnvFile, err)
		}
	}
	name := cfg.APIKeyEnv
	if name == "" {
		name = DefaultAPIKeyEnv
	}
	if key := os.Getenv(name); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("config: %s is not set: %w", name, live.ErrNoCredential)
}

// Credentials adapts [ResolveAPIKey] to a [live.CredentialFunc] so the key
// is resolved on every connect rather than once at startup.
func Credentials(cfg LiveConfig) live.CredentialFunc {
	return func() (string, error) { return ResolveAPIKey(cfg) }
}
