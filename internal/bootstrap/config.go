package bootstrap

import (
	"fmt"
	"os"

	"pricestream/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Pre-flight Checks
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if err := checkKeyFile(cfg.Engine.TLSKeyFile); err != nil {
		return err
	}

	for _, f := range []string{cfg.Engine.TLSCertFile, cfg.Upstream.TLSCertFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("tls certificate %s: %w", f, err)
		}
	}

	return nil
}

// checkKeyFile requires private keys to be owner-only (0600 or 0400)
func checkKeyFile(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("tls_key_file not found: %s", path)
		}
		return err
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("insecure permissions on tls_key_file %s: %04o (should be 0600)", path, mode)
	}
	return nil
}
