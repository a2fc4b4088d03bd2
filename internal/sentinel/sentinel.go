// Package sentinel runs the scheduling loop that ties the scanner, the
// reclaimer, the secret store and the shared run state together.
//
// Each iteration decides whether a cycle is due (a pending force-run
// request, no completed cycle yet, or the scan interval elapsed) and then
// dispatches on the current mode. Demo cycles touch neither the network nor
// the keypair. Real cycles resolve the operator keypair, scan, and reclaim.
// Cycle failures are logged and never stop the loop.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/nathfavour/koralReef/internal/clock"
	"github.com/nathfavour/koralReef/internal/logging"
	"github.com/nathfavour/koralReef/internal/notify"
	"github.com/nathfavour/koralReef/internal/state"
	"github.com/nathfavour/koralReef/pkg/ledger"
	"github.com/nathfavour/koralReef/pkg/reclaimer"
	"github.com/nathfavour/koralReef/pkg/safety"
	"github.com/nathfavour/koralReef/pkg/scanner"
)

// Simulated outcome of a demo cycle.
const (
	DemoAccounts           = 3
	DemoLamportsPerAccount = 2_039_280
)

// ErrKeystore is returned when no operator keypair can be resolved.
var ErrKeystore = errors.New("sentinel: operator keypair unavailable")

// Store is the slice of the secret store the loop needs.
type Store interface {
	GetKeypair() (kp *ledger.Keypair, ok bool, err error)
	GetAdmin() (id int64, ok bool, err error)
	LogEvent(message string) error
}

// Ledger is the remote ledger capability used in real mode.
type Ledger interface {
	scanner.Querier
	reclaimer.Submitter
}

// Config holds the loop parameters.
type Config struct {
	ScanInterval time.Duration
	PollInterval time.Duration
	Cooldown     time.Duration
	DryRun       bool
	Whitelist    safety.Whitelist
	// KeypairPath is the legacy keypair file read when the store holds no
	// keypair. Empty disables the fallback.
	KeypairPath string
	// Treasury receives reclaimed rent. Zero means the operator address.
	Treasury  ledger.PublicKey
	BatchSize int
}

// Loop is the sentinel loop.
type Loop struct {
	cfg      Config
	state    *state.RunState
	store    Store
	ledger   Ledger
	notifier notify.Sink
	clock    clock.Clock
	logger   *slog.Logger
	scanOpts []scanner.Option
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock for scheduling, timestamps and scan backoff.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithNotifier sets the sink that receives cycle summaries.
func WithNotifier(n notify.Sink) Option {
	return func(l *Loop) { l.notifier = n }
}

// WithScannerOptions passes extra options to the scanner built for each
// real cycle.
func WithScannerOptions(opts ...scanner.Option) Option {
	return func(l *Loop) { l.scanOpts = append(l.scanOpts, opts...) }
}

// New returns a loop over rs. ledger may be nil when the process never
// leaves demo mode; a real cycle without one is skipped.
func New(cfg Config, rs *state.RunState, st Store, lg Ledger, opts ...Option) *Loop {
	l := &Loop{
		cfg:      cfg,
		state:    rs,
		store:    st,
		ledger:   lg,
		notifier: notify.Noop(),
		clock:    clock.Real(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.NewComponentLogger(l.logger, "sentinel")
	return l
}

// Run executes iterations until ctx is done. It returns nil on
// cancellation; cycle errors are logged, not returned.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("sentinel started",
		logging.String(logging.FieldMode, l.state.Mode().String()),
		logging.Duration("scan_interval", l.cfg.ScanInterval),
		logging.Duration("poll_interval", l.cfg.PollInterval),
		logging.Bool("dry_run", l.cfg.DryRun),
	)
	for {
		if ctx.Err() != nil {
			l.logger.Info("sentinel stopped")
			return nil
		}

		force := l.state.TakeForceRun()
		if !force && !l.due() {
			l.sleep(ctx, l.cfg.PollInterval)
			continue
		}

		wait := l.cfg.PollInterval
		if err := l.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrKeystore) {
				wait = l.cfg.Cooldown
				if force {
					// Keep the request so the retry after cooldown honours it.
					l.state.RequestForceRun()
				}
			}
		}
		l.sleep(ctx, wait)
	}
}

func (l *Loop) due() bool {
	last := l.state.Snapshot().LastScanTime
	return last.IsZero() || l.clock.Now().Sub(last) >= l.cfg.ScanInterval
}

// sleep waits for d or ctx. It reports whether the full duration elapsed.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.clock.After(d):
		return true
	}
}

// RunCycle runs one cycle in the current mode. The error is already logged;
// it is returned so callers can tell a keystore failure apart.
func (l *Loop) RunCycle(ctx context.Context) error {
	mode := l.state.Mode()
	logger := l.logger.With(
		logging.String(logging.FieldCycleID, uuid.NewString()),
		logging.String(logging.FieldMode, mode.String()),
	)

	var err error
	switch mode {
	case state.ModeReal:
		err = l.realCycle(ctx, logger)
	default:
		err = l.demoCycle(logger)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("cycle failed", logging.Error(err))
	}
	return err
}

func (l *Loop) demoCycle(logger *slog.Logger) error {
	lamports := uint64(DemoAccounts * DemoLamportsPerAccount)
	summary := fmt.Sprintf("[DEMO] Simulated reclaim of %d accounts, %s SOL", DemoAccounts, ledger.FormatSOL(lamports))

	l.appendHistory(logger, summary)
	l.state.RecordCycle(l.clock.Now(), 0, 0, summary)
	logger.Info("demo cycle complete", logging.Int("accounts", DemoAccounts), logging.Uint64("lamports", lamports))
	return nil
}

func (l *Loop) realCycle(ctx context.Context, logger *slog.Logger) error {
	signer, err := l.resolveKeypair(logger)
	if err != nil {
		return err
	}
	if l.ledger == nil {
		return errors.New("sentinel: no ledger client configured")
	}
	operator := signer.PublicKey()

	scanOpts := append([]scanner.Option{
		scanner.WithClock(l.clock),
		scanner.WithLogger(logger),
	}, l.scanOpts...)
	accounts, err := scanner.New(l.ledger, scanOpts...).FindReclaimable(ctx, operator, l.cfg.Whitelist)
	if err != nil {
		return err
	}

	rec, err := reclaimer.New(l.ledger, signer, l.cfg.Treasury,
		reclaimer.WithBatchSize(l.cfg.BatchSize),
		reclaimer.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	res, err := rec.Reclaim(ctx, accounts, l.cfg.DryRun)
	if err != nil {
		// Batches confirmed before cancellation are final on chain.
		if res.Closed > 0 {
			summary := fmt.Sprintf("[INTERRUPTED] Reclaimed %s SOL from %d of %d accounts before shutdown",
				ledger.FormatSOL(res.Recovered), res.Closed, len(accounts))
			l.state.RecordCycle(l.clock.Now(), res.Recovered, uint64(res.Closed), summary)
			l.appendHistory(logger, summary)
			logger.Warn("reclaim cycle interrupted",
				logging.Int("closed", res.Closed),
				logging.Uint64("recovered_lamports", res.Recovered),
				logging.Int("signatures", len(res.Signatures)),
			)
		}
		return err
	}

	summary := summarize(res, len(accounts), l.cfg.DryRun)
	l.state.RecordCycle(l.clock.Now(), res.Recovered, uint64(res.Closed), summary)
	l.appendHistory(logger, summary)
	logger.Info("reclaim cycle complete",
		logging.String("operator", operator.String()),
		logging.Int("reclaimable", len(accounts)),
		logging.Int("closed", res.Closed),
		logging.Uint64("recovered_lamports", res.Recovered),
		logging.Int("failed_batches", res.FailedBatches),
	)
	l.notifyAdmin(ctx, logger, summary)
	return nil
}

func summarize(res reclaimer.Result, found int, dryRun bool) string {
	switch {
	case found == 0:
		return "No reclaimable accounts found"
	case dryRun:
		return fmt.Sprintf("[DRY RUN] Would close %d accounts", res.Closed)
	case res.FailedBatches > 0:
		return fmt.Sprintf("Reclaimed %s SOL from %d of %d accounts (%d batches failed)",
			ledger.FormatSOL(res.Recovered), res.Closed, found, res.FailedBatches)
	default:
		return fmt.Sprintf("Reclaimed %s SOL from %d accounts", ledger.FormatSOL(res.Recovered), res.Closed)
	}
}

// resolveKeypair prefers the keypair held in the store and falls back to
// the configured legacy file.
func (l *Loop) resolveKeypair(logger *slog.Logger) (*ledger.Keypair, error) {
	kp, ok, err := l.store.GetKeypair()
	switch {
	case err != nil:
		logger.Warn("stored keypair unreadable, trying keypair file", logging.Error(err))
	case ok:
		return kp, nil
	}

	if l.cfg.KeypairPath == "" {
		return nil, fmt.Errorf("%w: none stored and no keypair_path configured", ErrKeystore)
	}
	data, err := os.ReadFile(l.cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeystore, err)
	}
	kp, err = ledger.ParseKeypairJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeystore, l.cfg.KeypairPath, err)
	}
	return kp, nil
}

func (l *Loop) appendHistory(logger *slog.Logger, message string) {
	if err := l.store.LogEvent(message); err != nil {
		logger.Warn("failed to append history", logging.Error(err))
	}
}

func (l *Loop) notifyAdmin(ctx context.Context, logger *slog.Logger, text string) {
	admin, ok, err := l.store.GetAdmin()
	if err != nil {
		logger.Warn("failed to read admin", logging.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := l.notifier.Notify(ctx, admin, text); err != nil {
		logger.Warn("notification failed", logging.Error(err))
	}
}
