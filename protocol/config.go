package protocol

import (
	"fmt"
	"time"

	"fairtx/hashing"
	"fairtx/salt"
)

const (
	DefaultRevealDelay         = 10 * time.Second
	DefaultFinalizationTimeout = 2 * time.Minute
)

// Config is the immutable engine configuration. It is copied into the engine
// at construction.
type Config struct {
	HashAlgorithm string    `json:"hash_algorithm"`
	SaltMode      salt.Mode `json:"salt_mode"`
	SaltLength    int       `json:"salt_length"`
	// RevealDelay backs the default FixedDelay readiness policy. Zero reveals
	// as soon as the commit is finalized.
	RevealDelay         time.Duration `json:"reveal_delay"`
	FinalizationTimeout time.Duration `json:"finalization_timeout"`
	// Identity scopes deterministic salts, usually the signer address.
	Identity string `json:"identity"`
}

// DefaultConfig returns the defaults for everything except Identity.
func DefaultConfig() Config {
	return Config{
		HashAlgorithm:       string(hashing.DefaultAlgorithm),
		SaltMode:            salt.Deterministic,
		SaltLength:          salt.DefaultLength,
		RevealDelay:         DefaultRevealDelay,
		FinalizationTimeout: DefaultFinalizationTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.HashAlgorithm == "" {
		c.HashAlgorithm = string(hashing.DefaultAlgorithm)
	}
	if mode, err := salt.ParseMode(string(c.SaltMode)); err == nil {
		c.SaltMode = mode
	}
	if c.SaltLength == 0 {
		c.SaltLength = salt.DefaultLength
	}
	if c.FinalizationTimeout == 0 {
		c.FinalizationTimeout = DefaultFinalizationTimeout
	}
	return c
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Message)
}

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()

	if _, err := hashing.Lookup(c.HashAlgorithm); err != nil {
		return &ConfigError{Field: "hash_algorithm", Message: err.Error()}
	}
	if _, err := salt.ParseMode(string(c.SaltMode)); err != nil {
		return &ConfigError{Field: "salt_mode", Message: err.Error()}
	}
	if c.SaltLength < salt.MinLength || c.SaltLength > salt.MaxLength {
		return &ConfigError{
			Field:   "salt_length",
			Message: fmt.Sprintf("must be between %d and %d", salt.MinLength, salt.MaxLength),
		}
	}
	if c.RevealDelay < 0 {
		return &ConfigError{Field: "reveal_delay", Message: "must not be negative"}
	}
	if c.FinalizationTimeout < 0 {
		return &ConfigError{Field: "finalization_timeout", Message: "must not be negative"}
	}
	if c.SaltMode == salt.Deterministic && c.Identity == "" {
		return &ConfigError{Field: "identity", Message: "required in deterministic salt mode"}
	}
	return nil
}
