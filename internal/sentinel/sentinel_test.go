package sentinel

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nathfavour/koralReef/internal/clock"
	"github.com/nathfavour/koralReef/internal/state"
	"github.com/nathfavour/koralReef/pkg/ledger"
	"github.com/nathfavour/koralReef/pkg/reclaimer"
	"github.com/nathfavour/koralReef/pkg/safety"
	"github.com/nathfavour/koralReef/pkg/scanner"
)

const (
	testPoll     = time.Minute
	testCooldown = 5 * time.Minute
	testInterval = 6 * time.Hour
)

type fakeStore struct {
	mu           sync.Mutex
	kp           *ledger.Keypair
	kpErr        error
	admin        int64
	events       []string
	keypairReads int
}

func (f *fakeStore) GetKeypair() (*ledger.Keypair, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keypairReads++
	if f.kpErr != nil {
		return nil, false, f.kpErr
	}
	return f.kp, f.kp != nil, nil
}

func (f *fakeStore) GetAdmin() (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admin, f.admin != 0, nil
}

func (f *fakeStore) LogEvent(message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, message)
	return nil
}

func (f *fakeStore) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeStore) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keypairReads
}

type fakeLedger struct {
	mu       sync.Mutex
	accounts []ledger.Account
	queryErr error
	queries  int
	sent     int

	// cancel is called during submission number cancelOn, which then fails.
	cancelOn int
	cancel   context.CancelFunc
}

func (f *fakeLedger) GetProgramAccounts(context.Context, ledger.PublicKey, []ledger.Filter) ([]ledger.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.accounts, nil
}

func (f *fakeLedger) LatestBlockhash(context.Context) (ledger.Hash, error) {
	return ledger.Hash{9}, nil
}

func (f *fakeLedger) SendAndConfirm(_ context.Context, tx *ledger.Transaction) (ledger.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	if f.cancel != nil && f.sent == f.cancelOn {
		f.cancel()
		return ledger.Signature{}, context.Canceled
	}
	return tx.Signature(), nil
}

func (f *fakeLedger) counts() (queries, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries, f.sent
}

type fakeSink struct {
	mu       sync.Mutex
	messages map[int64][]string
}

func (f *fakeSink) Notify(_ context.Context, recipientID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[int64][]string)
	}
	f.messages[recipientID] = append(f.messages[recipientID], text)
	return nil
}

func (f *fakeSink) sentTo(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages[id]...)
}

func tokenAccount(owner ledger.PublicKey, seed byte, amount, lamports uint64) ledger.Account {
	data := make([]byte, ledger.TokenAccountSize)
	copy(data[ledger.TokenOwnerOffset:], owner[:])
	binary.LittleEndian.PutUint64(data[ledger.TokenAmountOffset:], amount)
	return ledger.Account{
		Address:  ledger.PublicKey{seed, 0xCC},
		Owner:    ledger.TokenProgramID,
		Data:     data,
		Lamports: lamports,
	}
}

func mustKeypair(t *testing.T) *ledger.Keypair {
	t.Helper()
	kp, err := ledger.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}
	return kp
}

type harness struct {
	loop   *Loop
	clock  *clock.FakeClock
	state  *state.RunState
	store  *fakeStore
	ledger *fakeLedger
	sink   *fakeSink
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, rs *state.RunState, st *fakeStore, lg *fakeLedger, cfg Config) *harness {
	t.Helper()
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = testInterval
	}
	cfg.PollInterval = testPoll
	cfg.Cooldown = testCooldown

	h := &harness{
		clock:  clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		state:  rs,
		store:  st,
		ledger: lg,
		sink:   &fakeSink{},
		done:   make(chan error, 1),
	}
	h.loop = New(cfg, rs, st, lg,
		WithClock(h.clock),
		WithNotifier(h.sink),
		WithScannerOptions(scanner.WithBackoff(time.Millisecond, 1)),
	)
	return h
}

// start runs the loop and waits for the first sleep.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.loop.Run(ctx) }()
	t.Cleanup(h.stop)
	h.clock.WaitForTimers(1)
}

// step advances the clock by d and waits for the loop to sleep again.
func (h *harness) step(d time.Duration) {
	h.clock.Advance(d)
	h.clock.WaitForTimers(1)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	<-h.done
}

func TestDemoCycle(t *testing.T) {
	rs := state.New(state.ModeDemo, false)
	st := &fakeStore{kpErr: errors.New("must not be read")}
	lg := &fakeLedger{}
	h := newHarness(t, rs, st, lg, Config{})
	h.start(t)

	snap := rs.Snapshot()
	if snap.Cycles != 1 {
		t.Fatalf("Cycles = %d, want 1", snap.Cycles)
	}
	if snap.TotalRecovered != 0 || snap.TotalClosed != 0 {
		t.Errorf("demo cycle changed counters: %+v", snap)
	}
	if !snap.LastScanTime.Equal(h.clock.Now()) {
		t.Errorf("LastScanTime = %v, want %v", snap.LastScanTime, h.clock.Now())
	}
	if !strings.HasPrefix(snap.LastSummary, "[DEMO]") || !strings.Contains(snap.LastSummary, "0.00611784 SOL") {
		t.Errorf("LastSummary = %q", snap.LastSummary)
	}
	if got := st.history(); len(got) != 1 || got[0] != snap.LastSummary {
		t.Errorf("history = %v", got)
	}
	if st.reads() != 0 {
		t.Error("demo cycle read the keypair")
	}
	if q, s := lg.counts(); q != 0 || s != 0 {
		t.Errorf("demo cycle touched the ledger: queries=%d sent=%d", q, s)
	}
}

func TestScheduling(t *testing.T) {
	rs := state.New(state.ModeDemo, false)
	st := &fakeStore{}
	h := newHarness(t, rs, st, &fakeLedger{}, Config{})
	h.start(t)

	// Not due yet: polling alone must not start a cycle.
	h.step(testPoll)
	h.step(testPoll)
	if got := rs.Snapshot().Cycles; got != 1 {
		t.Fatalf("Cycles after polls = %d, want 1", got)
	}

	// A force request is served on the next iteration.
	rs.RequestForceRun()
	h.step(testPoll)
	if got := rs.Snapshot().Cycles; got != 2 {
		t.Fatalf("Cycles after force = %d, want 2", got)
	}
	if rs.TakeForceRun() {
		t.Error("force flag not cleared")
	}

	// Elapsed interval makes the next iteration due.
	h.step(testInterval)
	if got := rs.Snapshot().Cycles; got != 3 {
		t.Fatalf("Cycles after interval = %d, want 3", got)
	}

	// A force request pending when the interval elapses coalesces into one cycle.
	rs.RequestForceRun()
	h.step(testInterval)
	if got := rs.Snapshot().Cycles; got != 4 {
		t.Fatalf("Cycles after force plus interval = %d, want 4", got)
	}
	h.step(testPoll)
	if got := rs.Snapshot().Cycles; got != 4 {
		t.Errorf("Cycles on the following poll = %d, want 4", got)
	}
	if rs.TakeForceRun() {
		t.Error("force flag survived the coalesced cycle")
	}
}

func TestRealCycle(t *testing.T) {
	kp := mustKeypair(t)
	owner := kp.PublicKey()
	empty1 := tokenAccount(owner, 1, 0, 2_039_280)
	funded := tokenAccount(owner, 2, 500, 2_039_280)
	empty2 := tokenAccount(owner, 3, 0, 2_100_000)
	protected := tokenAccount(owner, 4, 0, 2_039_280)

	rs := state.New(state.ModeReal, false)
	st := &fakeStore{kp: kp, admin: 77}
	lg := &fakeLedger{accounts: []ledger.Account{empty1, funded, empty2, protected}}
	h := newHarness(t, rs, st, lg, Config{
		Whitelist: safety.NewWhitelist([]string{protected.Address.String()}),
	})
	h.start(t)

	snap := rs.Snapshot()
	if snap.TotalClosed != 2 {
		t.Errorf("TotalClosed = %d, want 2", snap.TotalClosed)
	}
	if snap.TotalRecovered != 2_039_280+2_100_000 {
		t.Errorf("TotalRecovered = %d", snap.TotalRecovered)
	}
	if q, s := lg.counts(); q != 1 || s != 1 {
		t.Errorf("queries=%d sent=%d, want 1 and 1", q, s)
	}
	if !strings.Contains(snap.LastSummary, "from 2 accounts") {
		t.Errorf("LastSummary = %q", snap.LastSummary)
	}
	if got := st.history(); len(got) != 1 {
		t.Errorf("history = %v", got)
	}
	if got := h.sink.sentTo(77); len(got) != 1 || got[0] != snap.LastSummary {
		t.Errorf("notifications to admin = %v", got)
	}
}

func TestRealCycle_InterruptedKeepsConfirmedBatches(t *testing.T) {
	kp := mustKeypair(t)
	accounts := make([]ledger.Account, 45)
	for i := range accounts {
		accounts[i] = tokenAccount(kp.PublicKey(), byte(i+1), 0, 1000)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rs := state.New(state.ModeReal, false)
	st := &fakeStore{kp: kp, admin: 77}
	lg := &fakeLedger{accounts: accounts, cancelOn: 2, cancel: cancel}
	sink := &fakeSink{}
	l := New(Config{}, rs, st, lg,
		WithClock(clock.Fake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))),
		WithNotifier(sink),
		WithScannerOptions(scanner.WithBackoff(time.Millisecond, 1)),
	)

	if err := l.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle() error = %v, want context.Canceled", err)
	}
	if _, sent := lg.counts(); sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	snap := rs.Snapshot()
	if snap.TotalClosed != 20 || snap.TotalRecovered != 20*1000 {
		t.Errorf("counters = closed %d recovered %d, want 20 and 20000", snap.TotalClosed, snap.TotalRecovered)
	}
	got := st.history()
	if len(got) != 1 || !strings.HasPrefix(got[0], "[INTERRUPTED]") || !strings.Contains(got[0], "20 of 45") {
		t.Fatalf("history = %v", got)
	}
	if got[0] != snap.LastSummary {
		t.Errorf("LastSummary = %q, want %q", snap.LastSummary, got[0])
	}
}

func TestRealCycle_CancelledBeforeAnyConfirmation(t *testing.T) {
	kp := mustKeypair(t)
	accounts := make([]ledger.Account, 30)
	for i := range accounts {
		accounts[i] = tokenAccount(kp.PublicKey(), byte(i+1), 0, 1000)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rs := state.New(state.ModeReal, false)
	st := &fakeStore{kp: kp}
	lg := &fakeLedger{accounts: accounts, cancelOn: 1, cancel: cancel}
	l := New(Config{}, rs, st, lg, WithScannerOptions(scanner.WithBackoff(time.Millisecond, 1)))

	if err := l.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle() error = %v, want context.Canceled", err)
	}
	if snap := rs.Snapshot(); snap.Cycles != 0 || snap.TotalClosed != 0 {
		t.Errorf("snapshot = %+v, want nothing recorded", snap)
	}
	if got := st.history(); len(got) != 0 {
		t.Errorf("history = %v, want empty", got)
	}
}

func TestRealCycle_DryRun(t *testing.T) {
	kp := mustKeypair(t)
	rs := state.New(state.ModeReal, false)
	st := &fakeStore{kp: kp}
	lg := &fakeLedger{accounts: []ledger.Account{tokenAccount(kp.PublicKey(), 1, 0, 2_039_280)}}
	h := newHarness(t, rs, st, lg, Config{DryRun: true})
	h.start(t)

	snap := rs.Snapshot()
	if snap.TotalClosed != 1 || snap.TotalRecovered != 0 {
		t.Errorf("dry run counters = closed %d recovered %d", snap.TotalClosed, snap.TotalRecovered)
	}
	if _, sent := lg.counts(); sent != 0 {
		t.Errorf("dry run submitted %d transactions", sent)
	}
	if !strings.HasPrefix(snap.LastSummary, "[DRY RUN]") {
		t.Errorf("LastSummary = %q", snap.LastSummary)
	}
	if got := h.sink.sentTo(0); len(got) != 0 {
		t.Error("notified without a registered admin")
	}
}

func TestRealCycle_KeypairFileFallback(t *testing.T) {
	kp := mustKeypair(t)
	data, err := kp.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "id.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rs := state.New(state.ModeReal, false)
	lg := &fakeLedger{accounts: []ledger.Account{tokenAccount(kp.PublicKey(), 1, 0, 1000)}}
	h := newHarness(t, rs, &fakeStore{}, lg, Config{KeypairPath: path})
	h.start(t)

	if got := rs.Snapshot().TotalClosed; got != 1 {
		t.Errorf("TotalClosed = %d, want 1", got)
	}
}

func TestKeystoreFailureCoolsDown(t *testing.T) {
	rs := state.New(state.ModeReal, false)
	st := &fakeStore{}
	lg := &fakeLedger{}
	h := newHarness(t, rs, st, lg, Config{KeypairPath: filepath.Join(t.TempDir(), "missing.json")})
	h.start(t)

	if st.reads() != 1 {
		t.Fatalf("keypair reads = %d, want 1", st.reads())
	}
	snap := rs.Snapshot()
	if snap.Cycles != 0 || !snap.LastScanTime.IsZero() {
		t.Errorf("failed cycle recorded: %+v", snap)
	}

	// Still cooling down after one poll interval.
	h.clock.Advance(testPoll)
	if st.reads() != 1 || h.clock.PendingCount() != 1 {
		t.Fatalf("loop retried before cooldown elapsed")
	}

	h.step(testCooldown - testPoll)
	if st.reads() != 2 {
		t.Errorf("keypair reads after cooldown = %d, want 2", st.reads())
	}
	if q, _ := lg.counts(); q != 0 {
		t.Errorf("scanned without a keypair")
	}
}

func TestResolveKeypair(t *testing.T) {
	kp := mustKeypair(t)
	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("[1,2,3]"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		store   *fakeStore
		path    string
		wantErr bool
	}{
		{"stored", &fakeStore{kp: kp}, "", false},
		{"nothing configured", &fakeStore{}, "", true},
		{"missing file", &fakeStore{}, filepath.Join(t.TempDir(), "nope.json"), true},
		{"malformed file", &fakeStore{}, bad, true},
		{"store error no file", &fakeStore{kpErr: errors.New("decrypt failed")}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(Config{KeypairPath: tt.path}, state.New(state.ModeReal, false), tt.store, nil)
			got, err := l.resolveKeypair(l.logger)
			if tt.wantErr {
				if !errors.Is(err, ErrKeystore) {
					t.Errorf("error = %v, want %v", err, ErrKeystore)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveKeypair() error = %v", err)
			}
			if got.PublicKey() != kp.PublicKey() {
				t.Error("resolved the wrong keypair")
			}
		})
	}
}

func TestScanFailureSkipsCycle(t *testing.T) {
	rs := state.New(state.ModeReal, false)
	lg := &fakeLedger{queryErr: errors.New("node unavailable")}
	h := newHarness(t, rs, &fakeStore{kp: mustKeypair(t)}, lg, Config{})
	h.start(t)

	if got := rs.Snapshot().Cycles; got != 0 {
		t.Errorf("Cycles = %d, want 0", got)
	}
	// Scan errors wait only the poll interval before retrying.
	h.step(testPoll)
	if q, _ := lg.counts(); q != 2 {
		t.Errorf("queries = %d, want 2", q)
	}
}

func TestModeChangeBetweenIterations(t *testing.T) {
	kp := mustKeypair(t)
	rs := state.New(state.ModeDemo, false)
	lg := &fakeLedger{accounts: []ledger.Account{tokenAccount(kp.PublicKey(), 1, 0, 5000)}}
	h := newHarness(t, rs, &fakeStore{kp: kp}, lg, Config{})
	h.start(t)

	if _, err := rs.RequestModeChange(state.ModeReal); err != nil {
		t.Fatalf("RequestModeChange() error = %v", err)
	}
	rs.RequestForceRun()
	h.step(testPoll)

	snap := rs.Snapshot()
	if snap.Cycles != 2 || snap.TotalClosed != 1 || snap.TotalRecovered != 5000 {
		t.Errorf("after switch to real: %+v", snap)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	rs := state.New(state.ModeDemo, false)
	h := newHarness(t, rs, &fakeStore{}, nil, Config{})
	h.start(t)

	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		closed int
		rec    uint64
		failed int
		found  int
		dryRun bool
		want   string
	}{
		{"nothing", 0, 0, 0, 0, false, "No reclaimable accounts found"},
		{"dry run", 4, 0, 0, 4, true, "[DRY RUN] Would close 4 accounts"},
		{"all good", 2, 4_078_560, 0, 2, false, "Reclaimed 0.00407856 SOL from 2 accounts"},
		{"partial", 25, 1, 1, 45, false, "Reclaimed 0.000000001 SOL from 25 of 45 accounts (1 batches failed)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := reclaimer.Result{Closed: tt.closed, Recovered: tt.rec, FailedBatches: tt.failed}
			if got := summarize(res, tt.found, tt.dryRun); got != tt.want {
				t.Errorf("summarize() = %q, want %q", got, tt.want)
			}
		})
	}
}
