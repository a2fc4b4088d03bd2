package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// HistoryEvent is one entry of the activity history.
type HistoryEvent struct {
	ID        int64
	Sequence  int64
	Timestamp time.Time
	Message   string
}

// VerifyResult reports the outcome of a history chain check.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// LogEvent appends message to the history. The timestamp comes from the
// store clock and never goes backwards relative to the previous entry.
//
// Each row carries an HMAC over its content and the previous row's HMAC,
// keyed by a subkey of the master key, so edits and deletions are visible
// to VerifyHistory.
func (s *Store) LogEvent(message string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.checkDiskSpaceForWrite(len(message)); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	var prev, lastTS string
	err = tx.QueryRow(`SELECT sequence, hmac, timestamp FROM history ORDER BY id DESC LIMIT 1`).Scan(&seq, &prev, &lastTS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prev = historyGenesis
	case err != nil:
		return fmt.Errorf("store: failed to read history tail: %w", err)
	}

	now := s.clock.Now().UTC()
	if lastTS != "" {
		if last, perr := time.Parse(time.RFC3339Nano, lastTS); perr == nil && now.Before(last) {
			now = last
		}
	}
	seq++
	ts := now.Format(time.RFC3339Nano)
	mac := s.chainMAC(seq, ts, message, prev)

	if _, err := tx.Exec(
		`INSERT INTO history (sequence, timestamp, message, prev_hmac, hmac) VALUES (?, ?, ?, ?, ?)`,
		seq, ts, message, prev, mac,
	); err != nil {
		return fmt.Errorf("store: failed to append history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit history: %w", err)
	}
	return nil
}

// GetRecentHistory returns at most limit events, newest first.
func (s *Store) GetRecentHistory(limit int) ([]HistoryEvent, error) {
	if limit <= 0 {
		return []HistoryEvent{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT id, sequence, timestamp, message FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to read history: %w", err)
	}
	defer rows.Close()

	events := make([]HistoryEvent, 0, limit)
	for rows.Next() {
		var ev HistoryEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.Sequence, &ts, &ev.Message); err != nil {
			return nil, fmt.Errorf("store: failed to scan history row: %w", err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("store: invalid history timestamp %q: %w", ts, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to read history: %w", err)
	}
	return events, nil
}

// VerifyHistory walks the history in insertion order and recomputes the
// HMAC chain.
func (s *Store) VerifyHistory() (*VerifyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT id, sequence, timestamp, message, prev_hmac, hmac FROM history ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to read history: %w", err)
	}
	defer rows.Close()

	result := &VerifyResult{Valid: true}
	expectedPrev := historyGenesis
	var expectedSeq int64 = 1

	for rows.Next() {
		var id, seq int64
		var ts, msg, prev, stored string
		if err := rows.Scan(&id, &seq, &ts, &msg, &prev, &stored); err != nil {
			return nil, fmt.Errorf("store: failed to scan history row: %w", err)
		}
		result.RecordsTotal++

		if seq != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at row %d: expected %d, got %d", id, expectedSeq, seq))
		}
		if prev != expectedPrev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at row %d: previous link does not match", id))
		}
		if !hmac.Equal([]byte(stored), []byte(s.chainMAC(seq, ts, msg, prev))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at row %d: possible tampering", id))
		} else {
			result.RecordsVerified++
		}

		expectedPrev = stored
		expectedSeq = seq + 1
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to read history: %w", err)
	}
	return result, nil
}

func (s *Store) chainMAC(seq int64, ts, message, prev string) string {
	mac := hmac.New(sha256.New, s.chainKey)
	mac.Write([]byte(strconv.FormatInt(seq, 10)))
	mac.Write([]byte{0})
	mac.Write([]byte(ts))
	mac.Write([]byte{0})
	mac.Write([]byte(prev))
	mac.Write([]byte{0})
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
