package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/nathfavour/koralReef/internal/config"
	"github.com/nathfavour/koralReef/internal/console"
	"github.com/nathfavour/koralReef/internal/logging"
	"github.com/nathfavour/koralReef/internal/state"
	"github.com/nathfavour/koralReef/pkg/store"
)

type fakeRunner struct {
	started chan struct{}
	err     error
}

func newFakeRunner(err error) *fakeRunner {
	return &fakeRunner{started: make(chan struct{}), err: err}
}

func (f *fakeRunner) Run(ctx context.Context) error {
	close(f.started)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func TestNewRequiresLoop(t *testing.T) {
	if _, err := New(t.TempDir(), state.New(state.ModeDemo, false), nil, nil, nil); err == nil {
		t.Error("expected error without a loop")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	loop, con := newFakeRunner(nil), newFakeRunner(nil)
	d, err := New(t.TempDir(), state.New(state.ModeDemo, false), loop, con, logging.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	<-loop.started
	<-con.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	// The lock is released on return.
	other := flock.New(d.LockPath())
	ok, err := other.TryLock()
	if err != nil || !ok {
		t.Errorf("lock not released: ok=%v err=%v", ok, err)
	}
	_ = other.Unlock()
}

func TestRunRejectsSecondInstance(t *testing.T) {
	dir := t.TempDir()
	holder := flock.New(filepath.Join(dir, LockFileName))
	if ok, err := holder.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock() = %v, %v", ok, err)
	}
	defer holder.Unlock()

	d, err := New(dir, state.New(state.ModeDemo, false), newFakeRunner(nil), nil, logging.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Run() error = %v, want %v", err, ErrAlreadyRunning)
	}
}

func TestRunConsoleFailureStopsLoop(t *testing.T) {
	loop := newFakeRunner(nil)
	boom := errors.New("address already in use")
	d, err := New(t.TempDir(), state.New(state.ModeDemo, false), loop, newFakeRunner(boom), logging.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("Run() error = %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("console failure did not stop the daemon")
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	logger := logging.NewNop()

	if p := loadPolicy("", logger); p != nil {
		t.Error("empty path should give no policy")
	}
	if p := loadPolicy(filepath.Join(dir, "missing.yaml"), logger); p != nil {
		t.Error("missing file should give no policy")
	}

	insecure := filepath.Join(dir, "insecure.yaml")
	if err := os.WriteFile(insecure, []byte("version: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(insecure, 0644); err != nil {
		t.Fatal(err)
	}
	p := loadPolicy(insecure, logger)
	if p == nil {
		t.Fatal("insecure policy should fall back to deny-all")
	}
	if allowed, _ := p.IsToolAllowed("stats"); allowed {
		t.Error("deny-all policy allowed a tool")
	}

	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("version: 1\ndenied_tools: [mode]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	p = loadPolicy(good, logger)
	if allowed, _ := p.IsToolAllowed("mode"); allowed {
		t.Error("policy file ignored")
	}
	if allowed, _ := p.IsToolAllowed("stats"); !allowed {
		t.Error("unlisted tool should use default allow")
	}
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	cfg := config.Default()
	cfg.Paths.DataDir = dir
	cfg.Settings.Mode = "real"
	cfg.Settings.DemoOnlyLock = true
	cfg.Console.Transport = console.TransportHTTP
	cfg.Console.Listen = "127.0.0.1:0"

	d, err := Build(&cfg, st, logging.NewNop())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if d.State().Mode() != state.ModeDemo {
		t.Error("demo-only lock did not force demo mode")
	}
	if d.console == nil {
		t.Error("http transport should build a console")
	}
	if d.LockPath() != filepath.Join(dir, LockFileName) {
		t.Errorf("LockPath() = %q", d.LockPath())
	}

	cfg.Settings.Mode = "warp"
	if _, err := Build(&cfg, st, logging.NewNop()); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Build() error = %v, want %v", err, config.ErrInvalidConfig)
	}

	cfg.Settings.Mode = "demo"
	cfg.Solana.TreasuryAddress = "not-base58!"
	if _, err := Build(&cfg, st, logging.NewNop()); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Build() bad treasury error = %v, want %v", err, config.ErrInvalidConfig)
	}
}
