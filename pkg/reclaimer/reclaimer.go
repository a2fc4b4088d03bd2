// Package reclaimer closes empty token accounts in batched transactions and
// sends their rent to the treasury.
//
// Each batch is one atomic transaction: either every account in it closes
// or none does. A failed batch is logged and skipped; the remaining batches
// still run.
package reclaimer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nathfavour/koralReef/pkg/ledger"
)

// DefaultBatchSize is the number of close instructions per transaction.
const DefaultBatchSize = 20

// Errors
var (
	ErrNoSigner    = errors.New("reclaimer: no signing keypair")
	ErrNoSubmitter = errors.New("reclaimer: no transaction submitter")
)

// Submitter is the write side of the ledger RPC.
type Submitter interface {
	LatestBlockhash(ctx context.Context) (ledger.Hash, error)
	SendAndConfirm(ctx context.Context, tx *ledger.Transaction) (ledger.Signature, error)
}

// Result summarises one Reclaim call.
//
// Recovered is the sum of the scan-time lamport balances of accounts in
// confirmed batches. It is not read back from the ledger after the close,
// so it can drift from the real balance change if an account was topped up
// between scan and close.
type Result struct {
	Recovered     uint64
	Closed        int
	FailedBatches int
	Signatures    []ledger.Signature
}

// Reclaimer builds, signs, and submits close-account batches.
type Reclaimer struct {
	submitter Submitter
	signer    *ledger.Keypair
	treasury  ledger.PublicKey
	batchSize int
	logger    *slog.Logger
}

// Option configures a Reclaimer.
type Option func(*Reclaimer)

// WithBatchSize overrides DefaultBatchSize. Values below 1 are ignored.
func WithBatchSize(n int) Option {
	return func(r *Reclaimer) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reclaimer) { r.logger = l }
}

// New creates a Reclaimer that signs with signer and sends recovered rent to
// treasury. A zero treasury means the signer's own address.
func New(sub Submitter, signer *ledger.Keypair, treasury ledger.PublicKey, opts ...Option) (*Reclaimer, error) {
	if signer == nil {
		return nil, ErrNoSigner
	}
	if sub == nil {
		return nil, ErrNoSubmitter
	}
	if treasury.IsZero() {
		treasury = signer.PublicKey()
	}
	r := &Reclaimer{
		submitter: sub,
		signer:    signer,
		treasury:  treasury,
		batchSize: DefaultBatchSize,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Treasury returns the destination address for recovered rent.
func (r *Reclaimer) Treasury() ledger.PublicKey { return r.treasury }

// Reclaim closes accounts in batches. In dry-run mode nothing is submitted:
// every account is logged and counted as closed with zero recovered.
//
// Batch failures do not fail the call. The returned error is non-nil only
// when ctx is cancelled, in which case Result covers the batches that
// completed before cancellation.
func (r *Reclaimer) Reclaim(ctx context.Context, accounts []ledger.Account, dryRun bool) (Result, error) {
	var res Result
	if len(accounts) == 0 {
		return res, nil
	}

	if dryRun {
		for _, acct := range accounts {
			r.logger.Info("dry run: would close account",
				"account", acct.Address.String(),
				"lamports", acct.Lamports,
			)
		}
		res.Closed = len(accounts)
		return res, nil
	}

	for start, batch := 0, 1; start < len(accounts); start, batch = start+r.batchSize, batch+1 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+r.batchSize, len(accounts))
		chunk := accounts[start:end]

		sig, err := r.submitBatch(ctx, chunk)
		if err != nil {
			res.FailedBatches++
			r.logger.Warn("close batch failed",
				"batch", batch,
				"accounts", len(chunk),
				"error", err.Error(),
			)
			continue
		}

		var lamports uint64
		for _, acct := range chunk {
			lamports += acct.Lamports
		}
		res.Closed += len(chunk)
		res.Recovered += lamports
		res.Signatures = append(res.Signatures, sig)
		r.logger.Info("close batch confirmed",
			"batch", batch,
			"accounts", len(chunk),
			"lamports", lamports,
			"signature", sig.String(),
		)
	}
	return res, nil
}

func (r *Reclaimer) submitBatch(ctx context.Context, chunk []ledger.Account) (ledger.Signature, error) {
	owner := r.signer.PublicKey()
	instrs := make([]ledger.Instruction, 0, len(chunk))
	for _, acct := range chunk {
		instrs = append(instrs, ledger.CloseAccountInstruction(acct.Address, r.treasury, owner))
	}

	blockhash, err := r.submitter.LatestBlockhash(ctx)
	if err != nil {
		return ledger.Signature{}, fmt.Errorf("fetch blockhash: %w", err)
	}
	tx, err := ledger.NewSignedTransaction(instrs, blockhash, r.signer)
	if err != nil {
		return ledger.Signature{}, fmt.Errorf("build transaction: %w", err)
	}
	sig, err := r.submitter.SendAndConfirm(ctx, tx)
	if err != nil {
		return ledger.Signature{}, fmt.Errorf("submit transaction: %w", err)
	}
	return sig, nil
}
