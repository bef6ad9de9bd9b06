package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountInfo struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// Chain is the slice of a cluster the keeper needs: account reads and signed
// sends that return once the transaction is confirmed.
type Chain interface {
	GetAccount(ctx context.Context, key solana.PublicKey) (*AccountInfo, error)
	Send(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error)
}

type rpcChain struct {
	cfg    config.KeeperConfig
	rpc    *rpc.Client
	signer solana.PrivateKey
}

func newRPCChain(cfg config.KeeperConfig, signer solana.PrivateKey) *rpcChain {
	return &rpcChain{cfg: cfg, rpc: rpc.New(cfg.RPCURL), signer: signer}
}

func (c *rpcChain) GetAccount(ctx context.Context, key solana.PublicKey) (*AccountInfo, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
		}
		return nil, fmt.Errorf("fetch account %s: %w", key, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	return &AccountInfo{
		Owner:    resp.Value.Owner,
		Lamports: resp.Value.Lamports,
		Data:     resp.Value.Data.GetBinary(),
	}, nil
}

func (c *rpcChain) Send(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	sig, err := c.sendTransaction(ctx, instructions)
	if err != nil {
		return solana.Signature{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()
	if err := c.waitForConfirmation(waitCtx, sig); err != nil {
		return sig, fmt.Errorf("confirm %s: %w", sig, err)
	}
	return sig, nil
}

func (c *rpcChain) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(c.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if c.signer.PublicKey().Equals(key) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	return c.rpc.SendTransactionWithOpts(ctx, tx, opts)
}

func (c *rpcChain) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
