package indexer

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/coldbell/keyvault/backend/internal/access"
	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/coldbell/keyvault/backend/internal/ledger"
	"github.com/coldbell/keyvault/backend/internal/program"
	"github.com/coldbell/keyvault/backend/internal/program/programtest"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sol = programtest.SOL

// ledgerSource serves chain reads from an in-memory ledger.
type ledgerSource struct {
	ledger  *ledger.Ledger
	failOn  *[8]byte
	corrupt solana.PublicKey
}

func (s *ledgerSource) GetSlot(context.Context) (uint64, error) {
	return s.ledger.Clock().Slot, nil
}

func (s *ledgerSource) GetProgramAccounts(_ context.Context, programID solana.PublicKey, discriminator [8]byte) ([]KeyedAccount, error) {
	if s.failOn != nil && *s.failOn == discriminator {
		return nil, errors.New("rpc unavailable")
	}
	out := []KeyedAccount{}
	for key, acct := range s.ledger.ProgramAccounts(programID, discriminator[:]) {
		data := acct.Data
		if key.Equals(s.corrupt) {
			data = data[:9]
		}
		out = append(out, KeyedAccount{Pubkey: key, Owner: acct.Owner, Lamports: acct.Lamports, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Pubkey[:], out[j].Pubkey[:]) < 0 })
	return out, nil
}

func (s *ledgerSource) GetMultipleAccounts(_ context.Context, keys []solana.PublicKey) ([]*KeyedAccount, error) {
	out := make([]*KeyedAccount, len(keys))
	for i, key := range keys {
		if acct, ok := s.ledger.Account(key); ok {
			out[i] = &KeyedAccount{Pubkey: key, Owner: acct.Owner, Lamports: acct.Lamports, Data: acct.Data}
		}
	}
	return out, nil
}

type indexerEnv struct {
	*programtest.Env
	source   *ledgerSource
	service  *Service
	holder   solana.PublicKey
	key      solana.PublicKey
	promo    solana.PublicKey
	claimer  solana.PublicKey
	claimKey solana.PublicKey
	idle     solana.PublicKey
}

func newIndexerEnv(t *testing.T, store *Store) *indexerEnv {
	t.Helper()
	env := programtest.New(t, programtest.Options{BorrowFeeBps: 100, SpreadBps: 150, Deposit: 10 * sol})
	e := &indexerEnv{Env: env, holder: programtest.Wallet(), claimer: programtest.Wallet()}

	_, err := env.Program.Borrow(env.Owner, env.AdminKey, env.Position, 2*sol)
	require.NoError(t, err)
	e.key = env.Delegate(e.holder, program.KeyParams{
		Permissions:     access.Sell | access.LimitedSell,
		SellCapacity:    sol,
		SellRefillSlots: 100,
	})

	e.promo, err = env.Program.CreatePromo(program.CreatePromoParams{
		Signer:    env.Owner,
		AdminKey:  env.AdminKey,
		Position:  env.Position,
		PromoID:   7,
		Key:       program.KeyParams{Permissions: access.Buy},
		MaxClaims: 10,
		Name:      "Launch Week",
	})
	require.NoError(t, err)
	require.NoError(t, env.Ledger.Airdrop(e.claimer, sol))
	claim, err := env.Program.ClaimPromo(program.ClaimPromoParams{
		Claimer:  e.claimer,
		Position: env.Position,
		PromoID:  7,
		NewAsset: programtest.Wallet(),
	})
	require.NoError(t, err)
	e.claimKey = claim.Asset

	e.idle, _ = env.CreatePosition(0)

	e.source = &ledgerSource{ledger: env.Ledger}
	e.service = NewWithSource(config.IndexerConfig{
		ScanConcurrency: 3,
		Programs: config.ProgramIDs{
			KeyVault: env.Program.ID(),
			Protocol: env.Program.ProtocolID(),
		},
	}, e.source, store, nil)
	return e
}

func findPosition(t *testing.T, snap *Snapshot, key solana.PublicKey) PositionSnapshot {
	t.Helper()
	for _, p := range snap.Positions {
		if p.Pubkey.Equals(key) {
			return p
		}
	}
	t.Fatalf("position %s not in snapshot", key)
	return PositionSnapshot{}
}

func TestCollect(t *testing.T) {
	e := newIndexerEnv(t, nil)

	snap, err := e.service.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.Ledger.Clock().Slot, snap.Slot)

	require.Len(t, snap.Positions, 2)
	main := findPosition(t, snap, e.Position)
	assert.Equal(t, 10*sol, main.Account.DepositedValue)
	assert.Equal(t, 2*sol, main.Account.Debt)
	require.NotNil(t, main.External)
	assert.Equal(t, 10*sol, main.External.DepositedShares)
	assert.Equal(t, 2*sol, main.External.Debt)
	assert.Equal(t, sol, main.External.FloorPrice)
	assert.Equal(t, 8*sol, main.External.BorrowCapacity)
	assert.Equal(t, uint16(100), main.External.BorrowFeeBps)
	assert.NotZero(t, main.External.FundingBalance)
	assert.Equal(t, e.Status().FundingBalance, main.External.FundingBalance)

	idle := findPosition(t, snap, e.idle)
	assert.False(t, idle.Account.Bootstrapped())
	assert.Nil(t, idle.External)

	require.Len(t, snap.Keys, 2)
	assets := map[solana.PublicKey]*keyvault.KeyState{}
	for _, k := range snap.Keys {
		assets[k.State.TokenRef] = k.State
	}
	require.Contains(t, assets, e.key)
	require.Contains(t, assets, e.claimKey)
	assert.Equal(t, uint8(access.Sell|access.LimitedSell), assets[e.key].Permissions)
	assert.Equal(t, sol, assets[e.key].SellBucket.Capacity)

	require.Len(t, snap.Promos, 1)
	assert.Equal(t, e.promo, snap.Promos[0].Pubkey)
	assert.Equal(t, uint64(1), snap.Promos[0].Promo.ClaimsCount)

	require.Len(t, snap.Claims, 1)
	assert.Equal(t, e.claimer, snap.Claims[0].Receipt.Claimer)
	assert.Equal(t, e.claimKey, snap.Claims[0].Receipt.Asset)

	types := map[string]int{}
	for _, r := range snap.Resources {
		types[r.AccountType]++
	}
	assert.Equal(t, map[string]int{"ProtocolConfig": 1, "MarketConfig": 1}, types)
}

func TestCollect_SkipsUndecodableAccounts(t *testing.T) {
	e := newIndexerEnv(t, nil)
	e.source.corrupt = e.idle

	snap, err := e.service.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, e.Position, snap.Positions[0].Pubkey)
}

func TestCollect_ScanFailure(t *testing.T) {
	e := newIndexerEnv(t, nil)
	disc := keyvault.Account_KeyState
	e.source.failOn = &disc

	_, err := e.service.Collect(context.Background())
	require.ErrorContains(t, err, "scan KeyState accounts")
	require.ErrorContains(t, err, "rpc unavailable")
}
