package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nathfavour/koralReef/internal/logging"
	"github.com/nathfavour/koralReef/internal/state"
	"github.com/nathfavour/koralReef/pkg/ledger"
)

// DefaultLogLimit is the number of history events the log tool returns
// when no limit is given.
const DefaultLogLimit = 10

const maxLogLimit = 100

// NoInput is the input of tools that take no arguments. The caller is
// known from the transport.
type NoInput struct{}

// toolset holds the tool handlers for one authenticated caller.
type toolset struct {
	*Server
	caller Caller
}

// StartOutput represents output for the start tool.
type StartOutput struct {
	IsAdmin bool   `json:"is_admin"`
	Message string `json:"message"`
}

// StatsOutput represents output for the stats tool.
type StatsOutput struct {
	Mode                   string `json:"mode"`
	DemoOnlyLock           bool   `json:"demo_only_lock"`
	DryRun                 bool   `json:"dry_run"`
	TotalRecoveredLamports uint64 `json:"total_recovered_lamports"`
	TotalRecoveredSOL      string `json:"total_recovered_sol"`
	TotalAccountsClosed    uint64 `json:"total_accounts_closed"`
	Cycles                 uint64 `json:"cycles"`
	LastScanTime           string `json:"last_scan_time,omitempty"`
	LastSummary            string `json:"last_summary,omitempty"`
	ForceRunPending        bool   `json:"force_run_pending"`
	UptimeSeconds          int64  `json:"uptime_seconds"`
	Text                   string `json:"text"`
}

// SweepOutput represents output for the sweep tool.
type SweepOutput struct {
	Queued  bool   `json:"queued"`
	Message string `json:"message"`
}

// LogInput represents input for the log tool.
type LogInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of events, default 10"`
}

// LogOutput represents output for the log tool.
type LogOutput struct {
	Events []EventInfo `json:"events"`
	Text   string      `json:"text"`
}

// EventInfo is one history event.
type EventInfo struct {
	Sequence  int64  `json:"sequence"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// ModeInput represents input for the mode tool.
type ModeInput struct {
	Mode string `json:"mode" jsonschema:"demo or real"`
}

// ModeOutput represents output for the mode tool.
type ModeOutput struct {
	Accepted bool   `json:"accepted"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Reason   string `json:"reason,omitempty"`
}

func (s *toolset) handleStart(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, StartOutput, error) {
	isAdmin, err := s.authorize("start", s.caller)
	if err != nil {
		return nil, StartOutput{}, err
	}
	msg := "koralReef sentinel is active. Use stats or sweep."
	switch {
	case s.caller.Local:
		msg = "koralReef sentinel is active. The local console has administrator access."
	case isAdmin:
		msg = "koralReef sentinel is active. You are the administrator."
	}
	return nil, StartOutput{IsAdmin: isAdmin, Message: msg}, nil
}

func (s *toolset) handleStats(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, StatsOutput, error) {
	if _, err := s.authorize("stats", s.caller); err != nil {
		return nil, StatsOutput{}, err
	}

	snap := s.state.Snapshot()
	uptime := s.clock.Now().Sub(s.startedAt).Truncate(time.Second)
	out := StatsOutput{
		Mode:                   snap.Mode.String(),
		DemoOnlyLock:           snap.DemoOnlyLock,
		DryRun:                 s.dryRun,
		TotalRecoveredLamports: snap.TotalRecovered,
		TotalRecoveredSOL:      ledger.FormatSOL(snap.TotalRecovered),
		TotalAccountsClosed:    snap.TotalClosed,
		Cycles:                 snap.Cycles,
		LastSummary:            snap.LastSummary,
		ForceRunPending:        snap.ForceRun,
		UptimeSeconds:          int64(uptime / time.Second),
	}
	if !snap.LastScanTime.IsZero() {
		out.LastScanTime = snap.LastScanTime.UTC().Format(time.RFC3339)
	}
	out.Text = renderStats(out, uptime)
	return nil, out, nil
}

func renderStats(out StatsOutput, uptime time.Duration) string {
	last := out.LastSummary
	if last == "" {
		last = "None"
	}
	scan := out.LastScanTime
	if scan == "" {
		scan = "never"
	}
	var b strings.Builder
	b.WriteString("Stats:\n")
	fmt.Fprintf(&b, "- Total Reclaimed: %s SOL\n", out.TotalRecoveredSOL)
	fmt.Fprintf(&b, "- Accounts Closed: %d\n", out.TotalAccountsClosed)
	fmt.Fprintf(&b, "- Cycles: %d\n", out.Cycles)
	fmt.Fprintf(&b, "- Last Scan: %s\n", scan)
	fmt.Fprintf(&b, "- Last Event: %s\n", last)
	fmt.Fprintf(&b, "- Uptime: %s\n", uptime)
	fmt.Fprintf(&b, "- Mode: %s", out.Mode)
	if out.DemoOnlyLock {
		b.WriteString(" (locked)")
	}
	fmt.Fprintf(&b, "\n- Dry Run: %t", out.DryRun)
	return b.String()
}

func (s *toolset) handleSweep(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, SweepOutput, error) {
	if _, err := s.authorize("sweep", s.caller); err != nil {
		return nil, SweepOutput{}, err
	}
	s.state.RequestForceRun()
	s.logger.Info("manual sweep requested", logging.String(logging.FieldCaller, s.caller.String()))
	return nil, SweepOutput{Queued: true, Message: "Triggering manual sweep..."}, nil
}

func (s *toolset) handleLog(_ context.Context, _ *mcp.CallToolRequest, input LogInput) (*mcp.CallToolResult, LogOutput, error) {
	if _, err := s.authorize("log", s.caller); err != nil {
		return nil, LogOutput{}, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	limit = min(limit, maxLogLimit)

	events, err := s.store.GetRecentHistory(limit)
	if err != nil {
		return nil, LogOutput{}, fmt.Errorf("failed to load history: %w", err)
	}

	out := LogOutput{Events: make([]EventInfo, 0, len(events))}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		ts := ev.Timestamp.UTC().Format(time.RFC3339)
		out.Events = append(out.Events, EventInfo{Sequence: ev.Sequence, Timestamp: ts, Message: ev.Message})
		lines = append(lines, "["+ts+"] "+ev.Message)
	}
	if len(lines) == 0 {
		out.Text = "No events recorded yet."
	} else {
		out.Text = "Recent History:\n" + strings.Join(lines, "\n")
	}
	return nil, out, nil
}

func (s *toolset) handleMode(_ context.Context, _ *mcp.CallToolRequest, input ModeInput) (*mcp.CallToolResult, ModeOutput, error) {
	isAdmin, err := s.authorize("mode", s.caller)
	if err != nil {
		return nil, ModeOutput{}, err
	}
	if !isAdmin {
		return nil, ModeOutput{}, ErrAdminOnly
	}

	mode, err := state.ParseMode(input.Mode)
	if err != nil {
		current := s.state.Mode().String()
		return nil, ModeOutput{Previous: current, Current: current, Reason: err.Error()}, nil
	}

	previous, err := s.state.RequestModeChange(mode)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, state.ErrModeLocked) {
			reason = "mode is locked to demo by configuration"
		}
		return nil, ModeOutput{Previous: previous.String(), Current: previous.String(), Reason: reason}, nil
	}

	if previous != mode {
		s.logger.Info("mode changed",
			logging.String("from", previous.String()),
			logging.String("to", mode.String()),
			logging.String(logging.FieldCaller, s.caller.String()),
		)
		msg := fmt.Sprintf("Mode changed from %s to %s by %s", previous, mode, s.caller)
		if err := s.store.LogEvent(msg); err != nil {
			s.logger.Warn("failed to record mode change", logging.Error(err))
		}
	}
	return nil, ModeOutput{Accepted: true, Previous: previous.String(), Current: mode.String()}, nil
}
