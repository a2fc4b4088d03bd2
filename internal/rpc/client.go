// Package rpc is a minimal Solana JSON-RPC 2.0 client covering the calls
// the sentinel needs: program account queries, blockhash lookup,
// transaction submission, and signature status polling.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"github.com/nathfavour/koralReef/internal/clock"
	"github.com/nathfavour/koralReef/pkg/ledger"
)

const (
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultConfirmTimeout = 60 * time.Second
	DefaultHTTPTimeout    = 30 * time.Second

	// maxResponseBytes bounds a single response body. Program account
	// listings for a busy wallet can be large, but not this large.
	maxResponseBytes = 64 << 20
)

// Errors
var (
	ErrConfirmTimeout    = errors.New("rpc: transaction not confirmed before timeout")
	ErrTransactionFailed = errors.New("rpc: transaction failed on chain")
)

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc: error %d: %s", e.Code, e.Message)
}

// Client talks to one RPC endpoint.
type Client struct {
	endpoint       string
	httpClient     *http.Client
	commitment     string
	pollInterval   time.Duration
	confirmTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	nextID         atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithCommitment sets the commitment level for queries and confirmation.
func WithCommitment(commitment string) Option {
	return func(c *Client) {
		if commitment != "" {
			c.commitment = commitment
		}
	}
}

// WithConfirmation overrides the confirmation poll interval and timeout.
func WithConfirmation(poll, timeout time.Duration) Option {
	return func(c *Client) {
		if poll > 0 {
			c.pollInterval = poll
		}
		if timeout > 0 {
			c.confirmTimeout = timeout
		}
	}
}

// WithClock sets the clock used for confirmation polling.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:       endpoint,
		httpClient:     &http.Client{Timeout: DefaultHTTPTimeout},
		commitment:     "confirmed",
		pollInterval:   DefaultPollInterval,
		confirmTimeout: DefaultConfirmTimeout,
		clock:          clock.Real(),
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, result any, params ...any) error {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("rpc: %s: encode request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("rpc: %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		var rpcResp response
		if json.Unmarshal(data, &rpcResp) == nil && rpcResp.Error != nil {
			return rpcResp.Error
		}
		return fmt.Errorf("rpc: %s: http status %d", method, resp.StatusCode)
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("rpc: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("rpc: %s: decode result: %w", method, err)
	}
	return nil
}

type encodedFilter struct {
	DataSize *uint64        `json:"dataSize,omitempty"`
	Memcmp   *encodedMemcmp `json:"memcmp,omitempty"`
}

type encodedMemcmp struct {
	Offset uint64 `json:"offset"`
	Bytes  string `json:"bytes"`
}

type keyedAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data     []string `json:"data"`
		Lamports uint64   `json:"lamports"`
		Owner    string   `json:"owner"`
	} `json:"account"`
}

// GetProgramAccounts returns the accounts owned by program that match every
// filter.
func (c *Client) GetProgramAccounts(ctx context.Context, program ledger.PublicKey, filters []ledger.Filter) ([]ledger.Account, error) {
	encoded := make([]encodedFilter, 0, len(filters))
	for _, f := range filters {
		switch {
		case f.Memcmp != nil:
			encoded = append(encoded, encodedFilter{Memcmp: &encodedMemcmp{
				Offset: f.Memcmp.Offset,
				Bytes:  base58.Encode(f.Memcmp.Bytes),
			}})
		default:
			size := f.DataSize
			encoded = append(encoded, encodedFilter{DataSize: &size})
		}
	}

	var raw []keyedAccount
	err := c.call(ctx, "getProgramAccounts", &raw, program.String(), map[string]any{
		"encoding":   "base64",
		"commitment": c.commitment,
		"filters":    encoded,
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]ledger.Account, 0, len(raw))
	for _, ka := range raw {
		acct, err := decodeAccount(ka)
		if err != nil {
			return nil, fmt.Errorf("rpc: getProgramAccounts: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func decodeAccount(ka keyedAccount) (ledger.Account, error) {
	addr, err := ledger.ParsePublicKey(ka.Pubkey)
	if err != nil {
		return ledger.Account{}, err
	}
	owner, err := ledger.ParsePublicKey(ka.Account.Owner)
	if err != nil {
		return ledger.Account{}, err
	}
	if len(ka.Account.Data) != 2 || ka.Account.Data[1] != "base64" {
		return ledger.Account{}, fmt.Errorf("account %s: unexpected data encoding", ka.Pubkey)
	}
	data, err := base64.StdEncoding.DecodeString(ka.Account.Data[0])
	if err != nil {
		return ledger.Account{}, fmt.Errorf("account %s: decode data: %w", ka.Pubkey, err)
	}
	return ledger.Account{Address: addr, Owner: owner, Data: data, Lamports: ka.Account.Lamports}, nil
}

// GetBalance returns the lamport balance of an account.
func (c *Client) GetBalance(ctx context.Context, account ledger.PublicKey) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", &result, account.String(), map[string]any{"commitment": c.commitment}); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// LatestBlockhash returns a recent blockhash for transaction sequencing.
func (c *Client) LatestBlockhash(ctx context.Context) (ledger.Hash, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", &result, map[string]any{"commitment": c.commitment}); err != nil {
		return ledger.Hash{}, err
	}
	return ledger.ParseHash(result.Value.Blockhash)
}

// SendTransaction submits a signed transaction and returns its signature
// as reported by the node.
func (c *Client) SendTransaction(ctx context.Context, tx *ledger.Transaction) (ledger.Signature, error) {
	wire := base64.StdEncoding.EncodeToString(tx.Serialize())
	var sig string
	err := c.call(ctx, "sendTransaction", &sig, wire, map[string]any{
		"encoding":            "base64",
		"preflightCommitment": c.commitment,
	})
	if err != nil {
		return ledger.Signature{}, err
	}
	return ledger.ParseSignature(sig)
}

// SignatureStatus is the node's view of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction executed with an error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// GetSignatureStatus returns the status of sig, or nil if the node has not
// seen it yet.
func (c *Client) GetSignatureStatus(ctx context.Context, sig ledger.Signature) (*SignatureStatus, error) {
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", &result, []string{sig.String()}); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 {
		return nil, nil
	}
	return result.Value[0], nil
}

var commitmentRank = map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}

func (c *Client) satisfies(status string) bool {
	want, ok := commitmentRank[c.commitment]
	if !ok {
		want = commitmentRank["confirmed"]
	}
	return commitmentRank[status] >= want
}

// SendAndConfirm submits tx and polls its status until it reaches the
// client's commitment level, fails on chain, or the confirmation timeout
// passes.
func (c *Client) SendAndConfirm(ctx context.Context, tx *ledger.Transaction) (ledger.Signature, error) {
	sig, err := c.SendTransaction(ctx, tx)
	if err != nil {
		return ledger.Signature{}, err
	}

	deadline := c.clock.Now().Add(c.confirmTimeout)
	for {
		status, err := c.GetSignatureStatus(ctx, sig)
		if err != nil {
			c.logger.Debug("signature status query failed", "signature", sig.String(), "error", err.Error())
		} else if status != nil {
			if status.Failed() {
				return sig, fmt.Errorf("%w: %s: %s", ErrTransactionFailed, sig, status.Err)
			}
			if c.satisfies(status.ConfirmationStatus) {
				return sig, nil
			}
		}

		if !c.clock.Now().Before(deadline) {
			return sig, fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
		}
		select {
		case <-ctx.Done():
			return sig, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
	}
}
