package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. Turn limits
	if c.MaxTurns < 1 || c.MaxTurns > 20 {
		return fmt.Errorf("%w: must be between 1 and 20, got %d", ErrInvalidMaxTurns, c.MaxTurns)
	}
	if c.MaxHistoryMessages < MinHistoryMessages || c.MaxHistoryMessages > MaxAllowedHistoryMessages {
		return fmt.Errorf("%w: must be between %d and %d, got %d",
			ErrInvalidMaxHistoryMessages, MinHistoryMessages, MaxAllowedHistoryMessages, c.MaxHistoryMessages)
	}

	// 2. Ollama host must be an absolute http(s) URL
	if c.OllamaHost == "" {
		return fmt.Errorf("%w: ollama_host cannot be empty", ErrInvalidOllamaHost)
	}
	if u, err := url.Parse(c.OllamaHost); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute http(s) URL", ErrInvalidOllamaHost, c.OllamaHost)
	}

	// 3. PostgreSQL configuration
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "quill_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password for production deployments")
	}
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; allow/prefer are deprecated (MITM vulnerable).
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode is empty (should have default from setDefaults)",
			ErrInvalidPostgresSSLMode)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}

// ValidateServe validates the extra requirements of serve mode.
// The migrate subcommand does not need a signing secret, so these checks
// are separate from Validate.
func (c *Config) ValidateServe() error {
	if c.HMACSecret == "" {
		return fmt.Errorf("%w: set HMAC_SECRET for cookie signing", ErrMissingHMACSecret)
	}
	if len(c.HMACSecret) < MinHMACSecretLength {
		return fmt.Errorf("%w: must be at least %d bytes (got %d)",
			ErrInvalidHMACSecret, MinHMACSecretLength, len(c.HMACSecret))
	}
	return nil
}

// NormalizeMaxHistoryMessages clamps the history window to the allowed range.
func NormalizeMaxHistoryMessages(limit int32) int32 {
	if limit <= 0 {
		return DefaultMaxHistoryMessages
	}
	if limit < MinHistoryMessages {
		return MinHistoryMessages
	}
	if limit > MaxAllowedHistoryMessages {
		return MaxAllowedHistoryMessages
	}
	return limit
}
