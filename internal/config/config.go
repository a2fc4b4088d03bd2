package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Solana contains ledger connection and identity settings.
type Solana struct {
	RPCURL          string `toml:"rpc_url"`
	KeypairPath     string `toml:"keypair_path"`
	TreasuryAddress string `toml:"treasury_address"`
	Commitment      string `toml:"commitment"`
}

// Telegram contains bot credentials and the users allowed to issue commands.
type Telegram struct {
	BotToken          string  `toml:"bot_token"`
	AuthorizedUserIDs []int64 `toml:"authorized_user_ids"`
}

// Settings controls the sentinel loop.
type Settings struct {
	ScanIntervalHours   int      `toml:"scan_interval_hours"`
	DryRun              bool     `toml:"dry_run"`
	Whitelist           []string `toml:"whitelist"`
	Mode                string   `toml:"mode"`
	DemoOnlyLock        bool     `toml:"demo_only_lock"`
	PollIntervalSeconds int      `toml:"poll_interval_seconds"`
	CooldownSeconds     int      `toml:"cooldown_seconds"`
}

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
}

// Logging contains logger settings.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Console configures the remote command interface.
type Console struct {
	Transport  string         `toml:"transport"`
	Listen     string         `toml:"listen"`
	PolicyPath string         `toml:"policy_path"`
	Tokens     []ConsoleToken `toml:"tokens"`
}

// ConsoleToken maps an HTTP bearer token to the user id it authenticates.
type ConsoleToken struct {
	Token  string `toml:"token"`
	UserID int64  `toml:"user_id"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Config is the complete koralReef configuration.
type Config struct {
	Solana        Solana        `toml:"solana"`
	Telegram      Telegram      `toml:"telegram"`
	Settings      Settings      `toml:"settings"`
	Paths         Paths         `toml:"paths"`
	Logging       Logging       `toml:"logging"`
	Console       Console       `toml:"console"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.koralReef/config.toml")
}

// Load locates, parses, and validates a configuration file. A missing file
// yields the defaults. The returned config has all path fields expanded.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, resolvedPath, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("config.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// ScanInterval returns the minimum time between scans.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Settings.ScanIntervalHours) * time.Hour
}

// PollInterval returns the loop sleep between iterations.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Settings.PollIntervalSeconds) * time.Second
}

// Cooldown returns the wait after a failed keystore resolution.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Settings.CooldownSeconds) * time.Second
}

// ConsoleTokens returns the HTTP bearer tokens keyed by token.
func (c *Config) ConsoleTokens() map[string]int64 {
	tokens := make(map[string]int64, len(c.Console.Tokens))
	for _, t := range c.Console.Tokens {
		tokens[t.Token] = t.UserID
	}
	return tokens
}

// RequestTimeout returns the HTTP timeout for notification requests.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Notifications.RequestTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to path. It refuses to
// overwrite an existing file.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	if _, err := f.WriteString(sampleConfig); err != nil {
		f.Close()
		return fmt.Errorf("write sample config: %w", err)
	}
	return f.Close()
}
