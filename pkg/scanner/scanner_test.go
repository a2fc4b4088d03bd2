package scanner

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nathfavour/koralReef/internal/clock"
	"github.com/nathfavour/koralReef/pkg/ledger"
	"github.com/nathfavour/koralReef/pkg/safety"
)

type fakeQuerier struct {
	mu       sync.Mutex
	failures int
	err      error
	accounts []ledger.Account
	calls    int
	program  ledger.PublicKey
	filters  []ledger.Filter
}

func (q *fakeQuerier) GetProgramAccounts(_ context.Context, program ledger.PublicKey, filters []ledger.Filter) ([]ledger.Account, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.program = program
	q.filters = filters
	if q.calls <= q.failures {
		return nil, q.err
	}
	return q.accounts, nil
}

func (q *fakeQuerier) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func key(b byte) ledger.PublicKey {
	var pk ledger.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

func tokenAccount(addr ledger.PublicKey, amount uint64) ledger.Account {
	data := make([]byte, ledger.TokenAccountSize)
	binary.LittleEndian.PutUint64(data[ledger.TokenAmountOffset:], amount)
	return ledger.Account{Address: addr, Owner: ledger.TokenProgramID, Data: data, Lamports: 2_039_280}
}

func TestFindReclaimableFilters(t *testing.T) {
	owner := key(7)
	q := &fakeQuerier{accounts: []ledger.Account{tokenAccount(key(1), 0)}}
	s := New(q)

	if _, err := s.FindReclaimable(context.Background(), owner, nil); err != nil {
		t.Fatalf("FindReclaimable() error = %v", err)
	}
	if q.program != ledger.TokenProgramID {
		t.Errorf("queried program = %s, want token program", q.program)
	}
	if len(q.filters) != 2 {
		t.Fatalf("filters len = %d, want 2", len(q.filters))
	}
	if q.filters[0].DataSize != ledger.TokenAccountSize {
		t.Errorf("filters[0].DataSize = %d, want %d", q.filters[0].DataSize, ledger.TokenAccountSize)
	}
	mc := q.filters[1].Memcmp
	if mc == nil || mc.Offset != ledger.TokenOwnerOffset || string(mc.Bytes) != string(owner[:]) {
		t.Errorf("filters[1].Memcmp = %+v, want owner at offset %d", mc, ledger.TokenOwnerOffset)
	}
}

func TestFindReclaimableWhitelistScenario(t *testing.T) {
	a, b, c := key(1), key(2), key(3)
	q := &fakeQuerier{accounts: []ledger.Account{
		tokenAccount(a, 0),
		tokenAccount(b, 0),
		tokenAccount(c, 5),
	}}
	s := New(q)

	got, err := s.FindReclaimable(context.Background(), key(9), safety.NewWhitelist([]string{a.String()}))
	if err != nil {
		t.Fatalf("FindReclaimable() error = %v", err)
	}
	if len(got) != 1 || got[0].Address != b {
		t.Fatalf("FindReclaimable() = %v, want only %s", got, b)
	}
}

func TestFindReclaimableEmpty(t *testing.T) {
	s := New(&fakeQuerier{})
	got, err := s.FindReclaimable(context.Background(), key(9), nil)
	if err != nil {
		t.Fatalf("FindReclaimable() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("FindReclaimable() len = %d, want 0", len(got))
	}
}

func TestFindReclaimableBackoff(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	q := &fakeQuerier{failures: 2, err: errors.New("rpc down"), accounts: []ledger.Account{tokenAccount(key(1), 0)}}
	s := New(q, WithClock(clk))

	type result struct {
		accounts []ledger.Account
		err      error
	}
	done := make(chan result, 1)
	go func() {
		accts, err := s.FindReclaimable(context.Background(), key(9), nil)
		done <- result{accts, err}
	}()

	clk.WaitForTimers(1)
	clk.Advance(DefaultBaseDelay - time.Millisecond)
	if clk.PendingCount() != 1 {
		t.Fatal("first retry fired before the base delay elapsed")
	}
	clk.Advance(time.Millisecond)

	clk.WaitForTimers(1)
	clk.Advance(2*DefaultBaseDelay - time.Millisecond)
	if clk.PendingCount() != 1 {
		t.Fatal("second retry fired before the doubled delay elapsed")
	}
	clk.Advance(time.Millisecond)

	r := <-done
	if r.err != nil {
		t.Fatalf("FindReclaimable() error = %v", r.err)
	}
	if len(r.accounts) != 1 {
		t.Errorf("FindReclaimable() len = %d, want 1", len(r.accounts))
	}
	if q.callCount() != 3 {
		t.Errorf("query calls = %d, want 3", q.callCount())
	}
}

func TestFindReclaimableExhausted(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	queryErr := errors.New("rpc down")
	q := &fakeQuerier{failures: 100, err: queryErr}
	s := New(q, WithClock(clk), WithBackoff(10*time.Millisecond, 3))

	done := make(chan error, 1)
	go func() {
		_, err := s.FindReclaimable(context.Background(), key(9), nil)
		done <- err
	}()

	clk.WaitForTimers(1)
	clk.Advance(10 * time.Millisecond)
	clk.WaitForTimers(1)
	clk.Advance(20 * time.Millisecond)

	err := <-done
	if !errors.Is(err, ErrScan) {
		t.Errorf("error = %v, want ErrScan", err)
	}
	if !errors.Is(err, queryErr) {
		t.Errorf("error = %v, should wrap the query error", err)
	}
	var scanErr *ScanError
	if !errors.As(err, &scanErr) || scanErr.Attempts != 3 {
		t.Errorf("error = %#v, want ScanError with 3 attempts", err)
	}
	if q.callCount() != 3 {
		t.Errorf("query calls = %d, want 3", q.callCount())
	}
}

func TestFindReclaimableCancelledDuringBackoff(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	q := &fakeQuerier{failures: 100, err: errors.New("rpc down")}
	s := New(q, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.FindReclaimable(ctx, key(9), nil)
		done <- err
	}()

	clk.WaitForTimers(1)
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if !errors.Is(err, ErrScan) {
		t.Errorf("error = %v, want ErrScan", err)
	}
	if q.callCount() != 1 {
		t.Errorf("query calls = %d, want 1", q.callCount())
	}
}

func TestFindReclaimableCancelledBeforeStart(t *testing.T) {
	q := &fakeQuerier{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(q).FindReclaimable(ctx, key(9), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if q.callCount() != 0 {
		t.Errorf("query calls = %d, want 0", q.callCount())
	}
}
