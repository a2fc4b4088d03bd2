package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/nathfavour/koralReef/internal/config"
	"github.com/nathfavour/koralReef/internal/console"
	"github.com/nathfavour/koralReef/internal/logging"
	"github.com/nathfavour/koralReef/internal/notify"
	"github.com/nathfavour/koralReef/internal/rpc"
	"github.com/nathfavour/koralReef/internal/sentinel"
	"github.com/nathfavour/koralReef/internal/state"
	"github.com/nathfavour/koralReef/pkg/ledger"
	"github.com/nathfavour/koralReef/pkg/safety"
	"github.com/nathfavour/koralReef/pkg/store"
)

// LockFileName is the single-instance lock inside the data directory.
const LockFileName = "koralreef.lock"

// ErrAlreadyRunning is returned when another process holds the lock.
var ErrAlreadyRunning = errors.New("another koralreef instance is already running")

// Runner is a component with a blocking run method.
type Runner interface {
	Run(ctx context.Context) error
}

// Daemon runs the sentinel loop and the console until its context ends.
type Daemon struct {
	logger   *slog.Logger
	state    *state.RunState
	loop     Runner
	console  Runner
	lockPath string
	lock     *flock.Flock
}

// New constructs a daemon around already-built components. con may be
// nil when no remote interface is configured.
func New(dataDir string, rs *state.RunState, loop, con Runner, logger *slog.Logger) (*Daemon, error) {
	if rs == nil || loop == nil {
		return nil, errors.New("daemon requires run state and loop")
	}
	lockPath := filepath.Join(dataDir, LockFileName)
	return &Daemon{
		logger:   logging.NewComponentLogger(logger, "daemon"),
		state:    rs,
		loop:     loop,
		console:  con,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Build wires every component from cfg. The store stays owned by the
// caller.
func Build(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("daemon requires config and store")
	}

	mode, err := state.ParseMode(cfg.Settings.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	rs := state.New(mode, cfg.Settings.DemoOnlyLock)

	var treasury ledger.PublicKey
	if cfg.Solana.TreasuryAddress != "" {
		if treasury, err = ledger.ParsePublicKey(cfg.Solana.TreasuryAddress); err != nil {
			return nil, fmt.Errorf("%w: solana.treasury_address: %w", config.ErrInvalidConfig, err)
		}
	}

	client := rpc.New(cfg.Solana.RPCURL,
		rpc.WithCommitment(cfg.Solana.Commitment),
		rpc.WithLogger(logger),
	)
	sink := notify.New(notify.Options{
		TelegramToken: cfg.Telegram.BotToken,
		NtfyTopic:     cfg.Notifications.NtfyTopic,
		Timeout:       cfg.RequestTimeout(),
	})

	loop := sentinel.New(sentinel.Config{
		ScanInterval: cfg.ScanInterval(),
		PollInterval: cfg.PollInterval(),
		Cooldown:     cfg.Cooldown(),
		DryRun:       cfg.Settings.DryRun,
		Whitelist:    safety.NewWhitelist(cfg.Settings.Whitelist),
		KeypairPath:  cfg.Solana.KeypairPath,
		Treasury:     treasury,
	}, rs, st, client,
		sentinel.WithLogger(logger),
		sentinel.WithNotifier(sink),
	)

	var con Runner
	if cfg.Console.Transport != console.TransportNone {
		srv := console.New(st, rs,
			console.WithAuthorizedUsers(cfg.Telegram.AuthorizedUserIDs),
			console.WithTokens(cfg.ConsoleTokens()),
			console.WithPolicy(loadPolicy(cfg.Console.PolicyPath, logger)),
			console.WithDryRun(cfg.Settings.DryRun),
			console.WithLogger(logger),
		)
		con = consoleRunner{server: srv, transport: cfg.Console.Transport, listen: cfg.Console.Listen}
	}

	return New(cfg.Paths.DataDir, rs, loop, con, logger)
}

// loadPolicy returns nil when no policy file exists, and a deny-all policy
// when one exists but fails its checks.
func loadPolicy(path string, logger *slog.Logger) *console.Policy {
	if path == "" {
		return nil
	}
	policy, err := console.LoadPolicy(path)
	switch {
	case err == nil:
		return policy
	case errors.Is(err, console.ErrPolicyNotFound):
		return nil
	default:
		logger.Warn("console policy rejected, denying all tools",
			logging.String("path", path),
			logging.Error(err),
		)
		return console.DenyAll()
	}
}

type consoleRunner struct {
	server    *console.Server
	transport string
	listen    string
}

func (c consoleRunner) Run(ctx context.Context) error {
	return c.server.Run(ctx, c.transport, c.listen)
}

// State returns the shared run state.
func (d *Daemon) State() *state.RunState { return d.state }

// LockPath returns the lock file path.
func (d *Daemon) LockPath() string { return d.lockPath }

// Run acquires the instance lock and runs the loop and the console until
// ctx is done or the console fails. The lock is released on return.
func (d *Daemon) Run(ctx context.Context) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.logger.Info("koralreef daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldMode, d.state.Mode().String()),
	)

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	start := func(name string, r Runner) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				errOnce.Do(func() { runErr = fmt.Errorf("%s: %w", name, err) })
				cancel()
			}
		}()
	}

	start("sentinel", d.loop)
	if d.console != nil {
		start("console", d.console)
	}
	wg.Wait()

	d.logger.Info("koralreef daemon stopped")
	return runErr
}
