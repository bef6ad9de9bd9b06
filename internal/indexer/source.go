package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// getMultipleAccounts accepts at most this many keys per request.
const multipleAccountsBatch = 100

type KeyedAccount struct {
	Pubkey   solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// Source reads chain state. GetMultipleAccounts returns nil entries for
// accounts that do not exist.
type Source interface {
	GetSlot(ctx context.Context) (uint64, error)
	GetProgramAccounts(ctx context.Context, programID solana.PublicKey, discriminator [8]byte) ([]KeyedAccount, error)
	GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*KeyedAccount, error)
}

type rpcSource struct {
	cfg    config.IndexerConfig
	rpc    *rpc.Client
	logger *slog.Logger
}

func newRPCSource(cfg config.IndexerConfig, logger *slog.Logger) *rpcSource {
	return &rpcSource{cfg: cfg, rpc: rpc.New(cfg.RPCURL), logger: logger}
}

func (s *rpcSource) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RPCRetryBaseDelay
	b.MaxInterval = s.cfg.RPCRetryMaxDelay
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if s.cfg.RPCMaxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(s.cfg.RPCMaxRetries))
	}
	return backoff.RetryNotify(fn, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		s.logger.Warn("rpc call failed, retrying", "op", op, "err", err, "retry_in", wait.String())
	})
}

func (s *rpcSource) GetSlot(ctx context.Context) (slot uint64, err error) {
	err = s.retry(ctx, "getSlot", func() error {
		slot, err = s.rpc.GetSlot(ctx, s.cfg.Commitment)
		return err
	})
	return slot, err
}

func (s *rpcSource) GetProgramAccounts(ctx context.Context, programID solana.PublicKey, discriminator [8]byte) ([]KeyedAccount, error) {
	var result rpc.GetProgramAccountsResult
	err := s.retry(ctx, "getProgramAccounts", func() (err error) {
		result, err = s.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
			Commitment: s.cfg.Commitment,
			Filters: []rpc.RPCFilter{
				{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(discriminator[:])}},
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]KeyedAccount, 0, len(result))
	for _, item := range result {
		if item == nil || item.Account == nil {
			continue
		}
		out = append(out, KeyedAccount{
			Pubkey:   item.Pubkey,
			Owner:    item.Account.Owner,
			Lamports: item.Account.Lamports,
			Data:     item.Account.Data.GetBinary(),
		})
	}
	return out, nil
}

func (s *rpcSource) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*KeyedAccount, error) {
	out := make([]*KeyedAccount, 0, len(keys))
	for start := 0; start < len(keys); start += multipleAccountsBatch {
		chunk := keys[start:min(start+multipleAccountsBatch, len(keys))]
		var result *rpc.GetMultipleAccountsResult
		err := s.retry(ctx, "getMultipleAccounts", func() (err error) {
			result, err = s.rpc.GetMultipleAccountsWithOpts(ctx, chunk, &rpc.GetMultipleAccountsOpts{Commitment: s.cfg.Commitment})
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(result.Value) != len(chunk) {
			return nil, fmt.Errorf("getMultipleAccounts returned %d accounts for %d keys", len(result.Value), len(chunk))
		}
		for i, acct := range result.Value {
			if acct == nil {
				out = append(out, nil)
				continue
			}
			out = append(out, &KeyedAccount{
				Pubkey:   chunk[i],
				Owner:    acct.Owner,
				Lamports: acct.Lamports,
				Data:     acct.Data.GetBinary(),
			})
		}
	}
	return out, nil
}
