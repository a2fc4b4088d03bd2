package safety

import (
	"encoding/binary"
	"testing"

	"github.com/nathfavour/koralReef/pkg/ledger"
)

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
	return ledger.Account{
		Address:  addr,
		Owner:    ledger.TokenProgramID,
		Data:     data,
		Lamports: 2_039_280,
	}
}

func TestIsSafe(t *testing.T) {
	addr := key(1)
	wrongOwner := tokenAccount(addr, 0)
	wrongOwner.Owner = key(9)
	shortData := tokenAccount(addr, 0)
	shortData.Data = shortData.Data[:100]
	longData := tokenAccount(addr, 0)
	longData.Data = append(longData.Data, 0)

	tests := []struct {
		name    string
		account ledger.Account
		wl      Whitelist
		want    bool
	}{
		{"empty token account", tokenAccount(addr, 0), nil, true},
		{"non-zero balance", tokenAccount(addr, 1), nil, false},
		{"max balance", tokenAccount(addr, ^uint64(0)), nil, false},
		{"whitelisted", tokenAccount(addr, 0), NewWhitelist([]string{addr.String()}), false},
		{"other whitelist entry", tokenAccount(addr, 0), NewWhitelist([]string{key(2).String()}), true},
		{"wrong owner", wrongOwner, nil, false},
		{"short payload", shortData, nil, false},
		{"long payload", longData, nil, false},
		{"empty payload", ledger.Account{Owner: ledger.TokenProgramID}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSafe(addr, tt.account, tt.wl); got != tt.want {
				t.Errorf("IsSafe() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsSafeDeterministic(t *testing.T) {
	acct := tokenAccount(key(1), 0)
	wl := NewWhitelist(nil)
	first := IsSafe(acct.Address, acct, wl)
	for i := 0; i < 10; i++ {
		if IsSafe(acct.Address, acct, wl) != first {
			t.Fatal("IsSafe() is not deterministic")
		}
	}
}

func TestNewWhitelist(t *testing.T) {
	wl := NewWhitelist([]string{"  abc ", "", "   ", "def", "abc"})
	if wl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", wl.Len())
	}
	for _, a := range []string{"abc", "def"} {
		if !wl.Contains(a) {
			t.Errorf("Contains(%q) = false, want true", a)
		}
	}
	if wl.Contains("") {
		t.Error("Contains(\"\") = true, want false")
	}
}

func TestFilterWhitelistScenario(t *testing.T) {
	a, b, c := key(1), key(2), key(3)
	accounts := []ledger.Account{tokenAccount(a, 0), tokenAccount(b, 0), tokenAccount(c, 5)}
	got := Filter(accounts, NewWhitelist([]string{a.String()}))
	if len(got) != 1 || got[0].Address != b {
		t.Fatalf("Filter() = %v, want only %s", got, b)
	}
}
