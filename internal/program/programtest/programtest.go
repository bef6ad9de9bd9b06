// Package programtest builds an in-memory ledger with a market, a
// bootstrapped position and a funded owner, for tests of the services that
// sit on top of the program.
package programtest

import (
	"testing"

	"github.com/coldbell/keyvault/backend/internal/ledger"
	"github.com/coldbell/keyvault/backend/internal/program"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

const SOL uint64 = protocol.LamportsPerSOL

func Wallet() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

type Options struct {
	// FloorPrice defaults to one SOL per share.
	FloorPrice   uint64
	BorrowFeeBps uint16
	SpreadBps    uint16
	// Deposit is bought into the position after bootstrap.
	Deposit       uint64
	SkipBootstrap bool
	// ProgramID overrides the vault deployment address.
	ProgramID solana.PublicKey
}

type Env struct {
	t        testing.TB
	Ledger   *ledger.Ledger
	Sim      *protocol.Simulator
	Program  *program.Program
	Owner    solana.PublicKey
	Market   protocol.MarketAccounts
	Position solana.PublicKey
	AdminKey solana.PublicKey
}

func New(t testing.TB, opts Options) *Env {
	t.Helper()
	if opts.FloorPrice == 0 {
		opts.FloorPrice = SOL
	}
	l := ledger.New(ledger.Clock{Slot: 10, UnixTimestamp: 1_700_000_000})
	sim := protocol.NewSimulator(protocol.DefaultProgramID)
	p := program.New(l, program.Options{ProgramID: opts.ProgramID, Protocol: sim, ProtocolProgramID: sim.ProgramID})

	e := &Env{
		t:       t,
		Ledger:  l,
		Sim:     sim,
		Program: p,
		Owner:   Wallet(),
		Market: protocol.MarketAccounts{
			MarketMeta:     Wallet(),
			MarketGroup:    Wallet(),
			Market:         Wallet(),
			MarketMetadata: Wallet(),
			MintMain:       Wallet(),
			MintWSOL:       solana.WrappedSol,
			VaultWSOL:      Wallet(),
			VaultFee:       Wallet(),
		},
	}
	require.NoError(t, l.Airdrop(e.Owner, 1_000*SOL))

	_, err := p.InitializeConfig(e.Owner, e.Owner)
	require.NoError(t, err)
	require.NoError(t, l.Atomic(func(tx *ledger.Tx) error {
		return sim.CreateMarket(tx, e.Owner, e.Market, protocol.MarketParams{
			FloorPriceLamports: opts.FloorPrice,
			BorrowFeeBps:       opts.BorrowFeeBps,
			Liquidity:          500 * SOL,
		})
	}))
	_, err = p.CreateMarketConfig(e.Owner, e.Market)
	require.NoError(t, err)

	e.Position, e.AdminKey = e.CreatePosition(opts.SpreadBps)
	if opts.SkipBootstrap {
		return e
	}
	_, err = p.Bootstrap(e.Owner, e.AdminKey, e.Position)
	require.NoError(t, err)
	if opts.Deposit > 0 {
		require.NoError(t, p.FundPosition(e.Owner, e.Position, opts.Deposit))
		_, err = p.Buy(e.Owner, e.AdminKey, e.Position, opts.Deposit, opts.Deposit)
		require.NoError(t, err)
	}
	return e
}

// CreatePosition opens another position on the same market, owned by Owner.
func (e *Env) CreatePosition(spreadBps uint16) (position, adminKey solana.PublicKey) {
	e.t.Helper()
	res, err := e.Program.CreatePosition(program.CreatePositionParams{
		Payer:                e.Owner,
		AuthoritySeed:        Wallet(),
		MarketMeta:           e.Market.MarketMeta,
		AdminAsset:           Wallet(),
		MaxReinvestSpreadBps: spreadBps,
	})
	require.NoError(e.t, err)
	return res.Position, res.AdminKey
}

// Delegate issues a key on the main position to holder.
func (e *Env) Delegate(holder solana.PublicKey, params program.KeyParams) solana.PublicKey {
	e.t.Helper()
	res, err := e.Program.AuthorizeKey(program.AuthorizeKeyParams{
		Signer:    e.Owner,
		AdminKey:  e.AdminKey,
		Position:  e.Position,
		NewAsset:  Wallet(),
		Recipient: holder,
		Key:       params,
	})
	require.NoError(e.t, err)
	return res.Asset
}

func (e *Env) Status() *program.Status {
	e.t.Helper()
	st, err := e.Program.PositionStatus(e.Position)
	require.NoError(e.t, err)
	return st
}
