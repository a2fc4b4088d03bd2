// Package scanner finds empty token accounts owned by the operator.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nathfavour/koralReef/internal/clock"
	"github.com/nathfavour/koralReef/pkg/ledger"
	"github.com/nathfavour/koralReef/pkg/safety"
)

const (
	// DefaultBaseDelay is the wait after the first failed query.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxAttempts bounds the number of queries per scan.
	DefaultMaxAttempts = 5
)

// ErrScan is matched by every scan failure.
var ErrScan = errors.New("scanner: ledger query failed")

// ScanError reports a scan that gave up. Err is the last query error, or the
// context error when the scan was cancelled.
type ScanError struct {
	Attempts int
	Err      error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scanner: ledger query failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ScanError) Unwrap() []error { return []error{ErrScan, e.Err} }

// Querier is the read side of the ledger RPC.
type Querier interface {
	GetProgramAccounts(ctx context.Context, program ledger.PublicKey, filters []ledger.Filter) ([]ledger.Account, error)
}

// Scanner queries the ledger for the operator's token accounts and applies
// the safety policy to the result.
type Scanner struct {
	querier     Querier
	clock       clock.Clock
	logger      *slog.Logger
	baseDelay   time.Duration
	maxAttempts int
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithClock sets the clock used for backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(s *Scanner) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// WithBackoff overrides the base delay and the attempt limit. Non-positive
// values keep the defaults.
func WithBackoff(base time.Duration, attempts int) Option {
	return func(s *Scanner) {
		if base > 0 {
			s.baseDelay = base
		}
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// New creates a Scanner over q.
func New(q Querier, opts ...Option) *Scanner {
	s := &Scanner{
		querier:     q,
		clock:       clock.Real(),
		logger:      slog.New(slog.DiscardHandler),
		baseDelay:   DefaultBaseDelay,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Filters returns the server-side filters that select the SPL token
// accounts owned by owner.
func Filters(owner ledger.PublicKey) []ledger.Filter {
	return []ledger.Filter{
		ledger.DataSizeFilter(ledger.TokenAccountSize),
		ledger.MemcmpFilter(ledger.TokenOwnerOffset, owner[:]),
	}
}

// FindReclaimable returns the accounts owned by owner that the safety policy
// accepts, in the order the ledger returned them.
//
// A failing query is retried with exponential backoff starting at the base
// delay and doubling each time. Cancelling ctx stops the retry loop at once.
func (s *Scanner) FindReclaimable(ctx context.Context, owner ledger.PublicKey, wl safety.Whitelist) ([]ledger.Account, error) {
	filters := Filters(owner)
	delay := s.baseDelay

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &ScanError{Attempts: attempt - 1, Err: err}
		}

		accounts, err := s.querier.GetProgramAccounts(ctx, ledger.TokenProgramID, filters)
		if err == nil {
			safe := safety.Filter(accounts, wl)
			s.logger.Debug("scan complete",
				"owner", owner.String(),
				"candidates", len(accounts),
				"reclaimable", len(safe),
				"attempts", attempt,
			)
			return safe, nil
		}
		lastErr = err

		if attempt == s.maxAttempts {
			break
		}
		s.logger.Warn("ledger query failed, retrying",
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return nil, &ScanError{Attempts: attempt, Err: ctx.Err()}
		case <-s.clock.After(delay):
		}
		delay *= 2
	}

	return nil, &ScanError{Attempts: s.maxAttempts, Err: lastErr}
}
