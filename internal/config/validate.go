package config

import (
	"fmt"
	"net/url"

	"github.com/nathfavour/koralReef/internal/logging"
	"github.com/nathfavour/koralReef/internal/state"
	"github.com/nathfavour/koralReef/pkg/ledger"
)

// Validate ensures the configuration is usable. Every error wraps
// ErrInvalidConfig.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateSolana,
		c.validateSettings,
		c.validateLogging,
		c.validateConsole,
		c.validateNotifications,
	} {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *Config) validateSolana() error {
	u, err := url.Parse(c.Solana.RPCURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("solana.rpc_url must be an http(s) URL, got %q", c.Solana.RPCURL)
	}
	if c.Solana.TreasuryAddress != "" {
		if _, err := ledger.ParsePublicKey(c.Solana.TreasuryAddress); err != nil {
			return fmt.Errorf("solana.treasury_address: %v", err)
		}
	}
	switch c.Solana.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("solana.commitment must be processed, confirmed, or finalized, got %q", c.Solana.Commitment)
	}
	return nil
}

func (c *Config) validateSettings() error {
	if c.Settings.ScanIntervalHours <= 0 {
		return fmt.Errorf("settings.scan_interval_hours must be positive")
	}
	if c.Settings.PollIntervalSeconds <= 0 {
		return fmt.Errorf("settings.poll_interval_seconds must be positive")
	}
	if c.Settings.CooldownSeconds <= 0 {
		return fmt.Errorf("settings.cooldown_seconds must be positive")
	}
	if _, err := state.ParseMode(c.Settings.Mode); err != nil {
		return fmt.Errorf("settings.mode: %v", err)
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir must be set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateConsole() error {
	switch c.Console.Transport {
	case "none", "stdio":
	case "http":
		if c.Console.Listen == "" {
			return fmt.Errorf("console.listen must be set for http transport")
		}
		if len(c.Console.Tokens) == 0 {
			return fmt.Errorf("console.tokens must list at least one token for http transport")
		}
	default:
		return fmt.Errorf("console.transport must be none, stdio, or http, got %q", c.Console.Transport)
	}

	seen := make(map[string]struct{}, len(c.Console.Tokens))
	for i, t := range c.Console.Tokens {
		if len(t.Token) < MinConsoleTokenLength {
			return fmt.Errorf("console.tokens[%d]: token must be at least %d characters", i, MinConsoleTokenLength)
		}
		if t.UserID == 0 {
			return fmt.Errorf("console.tokens[%d]: user_id must be set", i)
		}
		if _, dup := seen[t.Token]; dup {
			return fmt.Errorf("console.tokens[%d]: duplicate token", i)
		}
		seen[t.Token] = struct{}{}
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("notifications.request_timeout_seconds must be positive")
	}
	return nil
}
