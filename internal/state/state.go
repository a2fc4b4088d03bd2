// Package state holds the in-memory run state shared by the sentinel loop
// and the remote console.
package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode selects between simulated and live reclamation.
type Mode int

const (
	// ModeDemo runs simulated cycles with no network access and no secrets.
	ModeDemo Mode = iota
	// ModeReal scans the ledger and submits close transactions.
	ModeReal
)

// Errors
var (
	ErrModeLocked  = errors.New("state: mode is locked to demo")
	ErrInvalidMode = errors.New("state: invalid mode")
)

func (m Mode) String() string {
	switch m {
	case ModeDemo:
		return "demo"
	case ModeReal:
		return "real"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "demo" or "real", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "demo":
		return ModeDemo, nil
	case "real":
		return ModeReal, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Snapshot is a consistent copy of the run state.
type Snapshot struct {
	TotalRecovered uint64
	TotalClosed    uint64
	Cycles         uint64
	LastScanTime   time.Time // zero until the first completed cycle
	LastSummary    string
	Mode           Mode
	DemoOnlyLock   bool
	ForceRun       bool
}

// RunState is the process-lifetime state. All methods are safe for
// concurrent use and hold the lock only for the duration of the call.
type RunState struct {
	mu             sync.Mutex
	totalRecovered uint64
	totalClosed    uint64
	cycles         uint64
	lastScanTime   time.Time
	lastSummary    string
	mode           Mode
	demoOnlyLock   bool
	forceRun       bool
}

// New returns a RunState starting in mode. With demoOnlyLock set the mode
// is forced to demo and every mode change is rejected.
func New(mode Mode, demoOnlyLock bool) *RunState {
	if demoOnlyLock {
		mode = ModeDemo
	}
	return &RunState{mode: mode, demoOnlyLock: demoOnlyLock}
}

// Snapshot returns a copy of the current state.
func (s *RunState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TotalRecovered: s.totalRecovered,
		TotalClosed:    s.totalClosed,
		Cycles:         s.cycles,
		LastScanTime:   s.lastScanTime,
		LastSummary:    s.lastSummary,
		Mode:           s.mode,
		DemoOnlyLock:   s.demoOnlyLock,
		ForceRun:       s.forceRun,
	}
}

// Mode returns the current mode.
func (s *RunState) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// RequestForceRun asks the loop to run a cycle on its next iteration
// regardless of the scan interval. Repeated requests collapse into one.
func (s *RunState) RequestForceRun() {
	s.mu.Lock()
	s.forceRun = true
	s.mu.Unlock()
}

// TakeForceRun returns the pending force-run request and clears it.
func (s *RunState) TakeForceRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	force := s.forceRun
	s.forceRun = false
	return force
}

// RequestModeChange switches to mode. It fails with ErrModeLocked while the
// demo-only lock is set and with ErrInvalidMode for an unknown mode. The
// previous mode is returned either way.
func (s *RunState) RequestModeChange(mode Mode) (previous Mode, err error) {
	if mode != ModeDemo && mode != ModeReal {
		return s.Mode(), fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.mode
	if s.demoOnlyLock {
		return previous, ErrModeLocked
	}
	s.mode = mode
	return previous, nil
}

// RecordCycle records a completed cycle. Counters only grow; recovered and
// closed are added to the running totals in the same critical section that
// updates the scan time and summary.
func (s *RunState) RecordCycle(at time.Time, recovered, closed uint64, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRecovered += recovered
	s.totalClosed += closed
	s.cycles++
	s.lastScanTime = at
	s.lastSummary = summary
}
