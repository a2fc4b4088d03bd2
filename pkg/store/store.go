// Package store is the local secret store: an installation master key on
// disk and a SQLite database holding settings, the administrator identity,
// and an append-only activity history.
//
// Settings may be stored encrypted with AES-256-GCM under the master key.
// The master key is generated on first open, written once with mode 0600,
// and never rotated. Every read goes to the database; nothing is cached.
package store

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/nathfavour/koralReef/internal/clock"
	"github.com/nathfavour/koralReef/pkg/crypto"
	"github.com/nathfavour/koralReef/pkg/ledger"

	_ "modernc.org/sqlite"
)

// Constants
const (
	KeyFileName = ".key"
	DBFileName  = "koral.db"
	FileMode    = 0600 // Owner read/write only
	DirMode     = 0700 // Owner read/write/execute only

	// KeypairSettingKey holds the operator keypair JSON, always encrypted.
	KeypairSettingKey = "solana_keypair"

	// Input validation limits
	MinKeyLength = 1
	MaxKeyLength = 256

	// MinDiskSpaceBytes is the free space required before any write.
	MinDiskSpaceBytes = 1024 * 1024

	historyChainInfo = "history-chain-v1"
	historyGenesis   = "genesis"
)

// Errors
var (
	ErrEncryption       = errors.New("store: encryption failed")
	ErrDecryption       = errors.New("store: decryption failed")
	ErrMasterKeyCorrupt = errors.New("store: master key file is corrupted")
	ErrKeyTooShort      = errors.New("store: setting key too short")
	ErrKeyTooLong       = errors.New("store: setting key too long")
	ErrKeyReserved      = errors.New("store: setting key is reserved")
	ErrInsufficientDisk = errors.New("store: insufficient disk space")
	ErrStoreClosed      = errors.New("store: store is closed")
)

// Store is an open secret store. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	dir      string
	db       *sql.DB
	key      []byte
	chainKey []byte
	clock    clock.Clock
	logger   *slog.Logger
	minFree  uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to timestamp history events.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger used for warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMinFreeSpace overrides MinDiskSpaceBytes.
func WithMinFreeSpace(n uint64) Option {
	return func(s *Store) { s.minFree = n }
}

// Open opens the store in dir, creating the directory, the master key, and
// the database on first use.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:     dir,
		clock:   clock.Real(),
		logger:  slog.New(slog.DiscardHandler),
		minFree: MinDiskSpaceBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create directory: %w", err)
	}
	s.checkAndWarnPermissions()

	key, err := loadOrCreateKey(filepath.Join(dir, KeyFileName))
	if err != nil {
		return nil, err
	}
	chainKey, err := crypto.DeriveSubkey(key, historyChainInfo)
	if err != nil {
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("store: failed to derive history key: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// One connection keeps writers serialized and history appends ordered.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("store: failed to create tables: %w", err)
	}
	if err := os.Chmod(dbPath, FileMode); err != nil {
		db.Close()
		crypto.SecureWipe(key)
		return nil, fmt.Errorf("store: failed to set database permissions: %w", err)
	}

	s.db = db
	s.key = key
	s.chainKey = chainKey
	return s, nil
}

// Close releases the database and wipes key material from memory.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	crypto.SecureWipe(s.key)
	crypto.SecureWipe(s.chainKey)
	s.key, s.chainKey = nil, nil
	return err
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// loadOrCreateKey reads the master key, generating it if the file does not
// exist. The file is created with O_EXCL so a concurrent first open cannot
// overwrite a key another process already wrote.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != crypto.KeyLength {
			return nil, fmt.Errorf("%w: %d bytes", ErrMasterKeyCorrupt, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("store: failed to read master key: %w", err)
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			crypto.SecureWipe(key)
			return loadOrCreateKey(path)
		}
		return nil, fmt.Errorf("store: failed to create master key: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("store: failed to write master key: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("store: failed to sync master key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("store: failed to close master key: %w", err)
	}
	return key, nil
}

// checkAndWarnPermissions logs a warning for a directory or file readable by
// group or others. It never blocks opening.
func (s *Store) checkAndWarnPermissions() {
	if info, err := os.Stat(s.dir); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			s.logger.Warn("store directory has insecure permissions",
				"path", s.dir, "mode", fmt.Sprintf("%04o", perm), "expected", "0700")
		}
	}
	for _, name := range []string{KeyFileName, DBFileName} {
		path := filepath.Join(s.dir, name)
		if info, err := os.Stat(path); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				s.logger.Warn("store file has insecure permissions",
					"path", path, "mode", fmt.Sprintf("%04o", perm), "expected", "0600")
			}
		}
	}
}

func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			is_encrypted INTEGER NOT NULL DEFAULT 0
		)`,
		// A single-slot table: the CHECK allows only one row.
		`CREATE TABLE IF NOT EXISTS admin (
			slot INTEGER PRIMARY KEY CHECK (slot = 1),
			user_id INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sequence INTEGER NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			message TEXT NOT NULL,
			prev_hmac TEXT NOT NULL,
			hmac TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.db, nil
}

// Encrypt seals plaintext under the master key and returns base64 text of
// nonce || ciphertext || tag. Each call uses a fresh random nonce.
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return "", ErrStoreClosed
	}
	return s.encrypt(plaintext)
}

func (s *Store) encrypt(plaintext []byte) (string, error) {
	blob, err := crypto.Seal(s.key, plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Malformed base64, truncation, tampering, or a
// different master key all yield ErrDecryption and no plaintext.
func (s *Store) Decrypt(blob string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrStoreClosed
	}
	return s.decrypt(blob)
}

func (s *Store) decrypt(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding", ErrDecryption)
	}
	plaintext, err := crypto.Open(s.key, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return plaintext, nil
}

// normalizeKey applies NFC so visually identical keys map to one row.
func normalizeKey(key string) (string, error) {
	key = norm.NFC.String(key)
	if len(key) < MinKeyLength {
		return "", ErrKeyTooShort
	}
	if len(key) > MaxKeyLength {
		return "", ErrKeyTooLong
	}
	return key, nil
}

// SetSetting stores value under key, replacing any previous value. With
// encrypt set the value is sealed under the master key first. The keypair
// key only accepts encrypted writes.
func (s *Store) SetSetting(key, value string, encrypt bool) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if key == KeypairSettingKey && !encrypt {
		return fmt.Errorf("%w: %s must be encrypted", ErrKeyReserved, key)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := s.checkDiskSpaceForWrite(len(value)); err != nil {
		return err
	}

	stored := value
	if encrypt {
		if stored, err = s.encrypt([]byte(value)); err != nil {
			return err
		}
	}

	_, err = db.Exec(`
		INSERT INTO settings (key, value, is_encrypted) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, is_encrypted = excluded.is_encrypted
	`, key, stored, encrypt)
	if err != nil {
		return fmt.Errorf("store: failed to save setting: %w", err)
	}
	return nil
}

// GetSetting returns the value stored under key, decrypting it if it was
// stored encrypted. ok is false when the key is absent.
func (s *Store) GetSetting(key string) (value string, ok bool, err error) {
	key, err = normalizeKey(key)
	if err != nil {
		return "", false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return "", false, err
	}

	var stored string
	var encrypted bool
	err = db.QueryRow(`SELECT value, is_encrypted FROM settings WHERE key = ?`, key).Scan(&stored, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: failed to read setting: %w", err)
	}
	if !encrypted {
		return stored, true, nil
	}
	plaintext, err := s.decrypt(stored)
	if err != nil {
		return "", false, err
	}
	return string(plaintext), true, nil
}

// SettingInfo describes a stored setting without its value.
type SettingInfo struct {
	Key       string
	Encrypted bool
}

// ListSettings returns all setting keys in key order.
func (s *Store) ListSettings() ([]SettingInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT key, is_encrypted FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list settings: %w", err)
	}
	defer rows.Close()

	var out []SettingInfo
	for rows.Next() {
		var info SettingInfo
		if err := rows.Scan(&info.Key, &info.Encrypted); err != nil {
			return nil, fmt.Errorf("store: failed to scan setting: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// GetAdmin returns the registered administrator, if any.
func (s *Store) GetAdmin() (id int64, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return 0, false, err
	}

	err = db.QueryRow(`SELECT user_id FROM admin WHERE slot = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: failed to read admin: %w", err)
	}
	return id, true, nil
}

// SetAdmin registers id as administrator if none is registered yet. Later
// calls leave the first administrator in place; registered reports whether
// this call won.
func (s *Store) SetAdmin(id int64) (registered bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return false, err
	}

	res, err := db.Exec(`INSERT OR IGNORE INTO admin (slot, user_id) VALUES (1, ?)`, id)
	if err != nil {
		return false, fmt.Errorf("store: failed to save admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: failed to save admin: %w", err)
	}
	return n == 1, nil
}

// SaveKeypair stores the operator keypair encrypted.
func (s *Store) SaveKeypair(kp *ledger.Keypair) error {
	data, err := kp.MarshalJSON()
	if err != nil {
		return fmt.Errorf("store: failed to encode keypair: %w", err)
	}
	defer crypto.SecureWipe(data)
	return s.SetSetting(KeypairSettingKey, string(data), true)
}

// GetKeypair loads the operator keypair. ok is false when none is stored.
func (s *Store) GetKeypair() (kp *ledger.Keypair, ok bool, err error) {
	value, ok, err := s.GetSetting(KeypairSettingKey)
	if err != nil || !ok {
		return nil, false, err
	}
	kp, err = ledger.ParseKeypairJSON([]byte(value))
	if err != nil {
		return nil, false, fmt.Errorf("store: stored keypair is invalid: %w", err)
	}
	return kp, true, nil
}
