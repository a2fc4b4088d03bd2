package config

const (
	DefaultRPCURL              = "https://api.mainnet-beta.solana.com"
	DefaultCommitment          = "confirmed"
	DefaultScanIntervalHours   = 6
	DefaultPollIntervalSeconds = 60
	DefaultCooldownSeconds     = 300
	DefaultDataDir             = "~/.koralReef"
	DefaultConsoleListen       = "127.0.0.1:8765"
	DefaultRequestTimeout      = 10
	PolicyFileName             = "console-policy.yaml"
	MinConsoleTokenLength      = 16
)

// Default returns a Config populated with safe defaults: demo mode with
// dry-run on.
func Default() Config {
	return Config{
		Solana: Solana{
			RPCURL:     DefaultRPCURL,
			Commitment: DefaultCommitment,
		},
		Settings: Settings{
			ScanIntervalHours:   DefaultScanIntervalHours,
			DryRun:              true,
			Mode:                "demo",
			PollIntervalSeconds: DefaultPollIntervalSeconds,
			CooldownSeconds:     DefaultCooldownSeconds,
		},
		Paths: Paths{
			DataDir: DefaultDataDir,
		},
		Logging: Logging{
			Level:  "info",
			Format: "auto",
		},
		Console: Console{
			Transport: "none",
			Listen:    DefaultConsoleListen,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: DefaultRequestTimeout,
		},
	}
}
