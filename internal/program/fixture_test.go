package program

import (
	"testing"

	"github.com/coldbell/keyvault/backend/internal/access"
	"github.com/coldbell/keyvault/backend/internal/asset"
	"github.com/coldbell/keyvault/backend/internal/ledger"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

const sol = protocol.LamportsPerSOL

func wallet() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

type fixture struct {
	t        *testing.T
	ledger   *ledger.Ledger
	sim      *protocol.Simulator
	program  *Program
	admin    solana.PublicKey
	market   protocol.MarketAccounts
	owner    solana.PublicKey
	position solana.PublicKey
	adminKey solana.PublicKey
}

type fixtureOptions struct {
	floorPrice   uint64
	borrowFeeBps uint16
	spreadBps    uint16
	skipBoot     bool
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.floorPrice == 0 {
		opts.floorPrice = sol
	}
	l := ledger.New(ledger.Clock{Slot: 100, UnixTimestamp: 1_700_000_000})
	sim := protocol.NewSimulator(protocol.DefaultProgramID)
	p := New(l, Options{Protocol: sim, ProtocolProgramID: sim.ProgramID})

	f := &fixture{
		t:       t,
		ledger:  l,
		sim:     sim,
		program: p,
		admin:   wallet(),
		owner:   wallet(),
		market: protocol.MarketAccounts{
			MarketMeta:     wallet(),
			MarketGroup:    wallet(),
			Market:         wallet(),
			MarketMetadata: wallet(),
			MintMain:       wallet(),
			MintWSOL:       solana.WrappedSol,
			VaultWSOL:      wallet(),
			VaultFee:       wallet(),
		},
	}
	require.NoError(t, l.Airdrop(f.admin, 10_000*sol))
	require.NoError(t, l.Airdrop(f.owner, 1_000*sol))

	_, err := p.InitializeConfig(f.admin, f.admin)
	require.NoError(t, err)
	require.NoError(t, l.Atomic(func(tx *ledger.Tx) error {
		return sim.CreateMarket(tx, f.admin, f.market, protocol.MarketParams{
			FloorPriceLamports: opts.floorPrice,
			BorrowFeeBps:       opts.borrowFeeBps,
			Liquidity:          5_000 * sol,
		})
	}))
	_, err = p.CreateMarketConfig(f.admin, f.market)
	require.NoError(t, err)

	res, err := p.CreatePosition(CreatePositionParams{
		Payer:                f.owner,
		AuthoritySeed:        wallet(),
		MarketMeta:           f.market.MarketMeta,
		AdminAsset:           wallet(),
		MaxReinvestSpreadBps: opts.spreadBps,
		AdminKeyName:         "Treasury Admin",
		AdminKeyURI:          "https://example.invalid/admin.json",
	})
	require.NoError(t, err)
	f.position, f.adminKey = res.Position, res.AdminKey

	if !opts.skipBoot {
		_, err = p.Bootstrap(f.owner, f.adminKey, f.position)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) status() *Status {
	f.t.Helper()
	st, err := f.program.PositionStatus(f.position)
	require.NoError(f.t, err)
	return st
}

func (f *fixture) deposit(lamports uint64) {
	f.t.Helper()
	require.NoError(f.t, f.program.FundPosition(f.owner, f.position, lamports))
	_, err := f.program.Buy(f.owner, f.adminKey, f.position, lamports, lamports)
	require.NoError(f.t, err)
}

// delegate issues a key to a fresh holder and returns holder and key.
func (f *fixture) delegate(params KeyParams) (solana.PublicKey, solana.PublicKey) {
	f.t.Helper()
	holder := wallet()
	require.NoError(f.t, f.ledger.Airdrop(holder, 10*sol))
	res, err := f.program.AuthorizeKey(AuthorizeKeyParams{
		Signer:    f.owner,
		AdminKey:  f.adminKey,
		Position:  f.position,
		NewAsset:  wallet(),
		Recipient: holder,
		Key:       params,
	})
	require.NoError(f.t, err)
	return holder, res.Asset
}

func (f *fixture) asset(key solana.PublicKey) (*asset.Asset, bool) {
	f.t.Helper()
	acct, ok := f.ledger.Account(key)
	if !ok {
		return nil, false
	}
	a, err := asset.Decode(acct.Data)
	require.NoError(f.t, err)
	return a, true
}

func (f *fixture) permissions(key solana.PublicKey) access.Permission {
	f.t.Helper()
	a, ok := f.asset(key)
	require.True(f.t, ok)
	raw, ok := a.Attribute(access.PermissionsAttribute)
	require.True(f.t, ok)
	perm, ok := access.ParseAttribute(raw)
	require.True(f.t, ok)
	return perm
}

func (f *fixture) setFloor(lamports uint64) {
	f.t.Helper()
	require.NoError(f.t, f.ledger.Atomic(func(tx *ledger.Tx) error {
		return f.sim.SetFloorPrice(tx, f.market.Market, protocol.LamportDecimal(lamports))
	}))
}
