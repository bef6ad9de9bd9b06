package protocol

import (
	"testing"

	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/coldbell/keyvault/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type simFixture struct {
	ledger   *ledger.Ledger
	sim      *Simulator
	payer    solana.PublicKey
	accounts Accounts
}

func newSimFixture(t *testing.T, params MarketParams) *simFixture {
	t.Helper()
	l := ledger.New(ledger.Clock{Slot: 1, UnixTimestamp: 1_700_000_000})
	payer := solana.NewWallet().PublicKey()
	require.NoError(t, l.Airdrop(payer, 1_000*LamportsPerSOL))

	sim := NewSimulator(DefaultProgramID)
	market := MarketAccounts{
		MarketMeta:     solana.NewWallet().PublicKey(),
		MarketGroup:    solana.NewWallet().PublicKey(),
		Market:         solana.NewWallet().PublicKey(),
		MarketMetadata: solana.NewWallet().PublicKey(),
		MintMain:       solana.NewWallet().PublicKey(),
		MintWSOL:       solana.WrappedSol,
		VaultWSOL:      solana.NewWallet().PublicKey(),
		VaultFee:       solana.NewWallet().PublicKey(),
	}
	owner, _, err := solana.FindProgramAddress([][]byte{[]byte("owner")}, solana.TokenProgramID)
	require.NoError(t, err)
	accounts, err := ResolveAccounts(sim.ProgramID, owner, market)
	require.NoError(t, err)

	require.NoError(t, l.Atomic(func(tx *ledger.Tx) error {
		if err := sim.CreateMarket(tx, payer, market, params); err != nil {
			return err
		}
		if err := tx.CreateAccount(payer, accounts.UserWSOL, solana.TokenProgramID, nil); err != nil {
			return err
		}
		return sim.Invoke(tx, NewInitPersonalPositionInstruction(accounts, payer), []solana.PublicKey{payer, owner})
	}))
	return &simFixture{ledger: l, sim: sim, payer: payer, accounts: accounts}
}

func (f *simFixture) fund(t *testing.T, lamports uint64) {
	t.Helper()
	require.NoError(t, f.ledger.Atomic(func(tx *ledger.Tx) error {
		return tx.Transfer(f.payer, f.accounts.UserWSOL, lamports)
	}))
}

func (f *simFixture) invoke(ix solana.Instruction) error {
	return f.ledger.Atomic(func(tx *ledger.Tx) error {
		return f.sim.Invoke(tx, ix, []solana.PublicKey{f.accounts.Owner})
	})
}

func (f *simFixture) personal(t *testing.T) *PersonalPosition {
	t.Helper()
	acct, ok := f.ledger.Account(f.accounts.PersonalPosition)
	require.True(t, ok)
	p, err := DecodePersonalPosition(acct.Data)
	require.NoError(t, err)
	return p
}

func (f *simFixture) wrapped(t *testing.T, key solana.PublicKey) uint64 {
	t.Helper()
	var out uint64
	require.NoError(t, f.ledger.Atomic(func(tx *ledger.Tx) error {
		out = WrappedBalance(tx, key)
		return nil
	}))
	return out
}

func TestSimulator_BuyBorrowRepaySell(t *testing.T) {
	f := newSimFixture(t, MarketParams{FloorPriceLamports: 800_000_000, BorrowFeeBps: 100, Liquidity: 100 * LamportsPerSOL})
	f.fund(t, 10*LamportsPerSOL)

	require.NoError(t, f.invoke(NewBuyInstruction(f.accounts, 10*LamportsPerSOL, 10*LamportsPerSOL)))
	assert.Equal(t, uint64(10*LamportsPerSOL), f.personal(t).DepositedShares)
	assert.Zero(t, f.wrapped(t, f.accounts.UserWSOL))

	require.NoError(t, f.invoke(NewBorrowInstruction(f.accounts, 4*LamportsPerSOL)))
	assert.Equal(t, uint64(4*LamportsPerSOL), f.personal(t).Debt)
	assert.Equal(t, uint64(3_960_000_000), f.wrapped(t, f.accounts.UserWSOL))
	assert.Equal(t, uint64(40_000_000), f.ledger.Balance(f.accounts.Market.VaultFee))

	err := f.invoke(NewBorrowInstruction(f.accounts, 4*LamportsPerSOL+1))
	require.ErrorIs(t, err, ErrUndercollateralized)

	f.fund(t, 40_000_000)
	require.NoError(t, f.invoke(NewRepayInstruction(f.accounts, 4*LamportsPerSOL)))
	assert.Zero(t, f.personal(t).Debt)

	acct, ok := f.ledger.Account(f.accounts.Market.Market)
	require.True(t, ok)
	market, err := DecodeMarket(acct.Data)
	require.NoError(t, err)
	assert.Zero(t, market.TotalDebt)

	require.NoError(t, f.invoke(NewSellInstruction(f.accounts, 5*LamportsPerSOL, 4*LamportsPerSOL)))
	assert.Equal(t, uint64(5*LamportsPerSOL), f.personal(t).DepositedShares)
	assert.Equal(t, uint64(4*LamportsPerSOL), f.wrapped(t, f.accounts.UserWSOL))
}

func TestSimulator_RejectsReorderedAccounts(t *testing.T) {
	f := newSimFixture(t, MarketParams{FloorPriceLamports: LamportsPerSOL, Liquidity: LamportsPerSOL})
	f.fund(t, LamportsPerSOL)

	// A buy laid out in sell order carries the same keys but must not run.
	sell := NewSellInstruction(f.accounts, 1, 0)
	buyData, err := NewBuyInstruction(f.accounts, 1, 0).Data()
	require.NoError(t, err)
	swapped := solana.NewInstruction(f.accounts.ProgramID, sell.Accounts(), buyData)

	err = f.invoke(swapped)
	require.ErrorIs(t, err, errs.InvalidAccount)
	assert.Zero(t, f.personal(t).DepositedShares)
}

func TestSimulator_RequiresOwnerSignature(t *testing.T) {
	f := newSimFixture(t, MarketParams{FloorPriceLamports: LamportsPerSOL})
	f.fund(t, LamportsPerSOL)

	err := f.ledger.Atomic(func(tx *ledger.Tx) error {
		return f.sim.Invoke(tx, NewBuyInstruction(f.accounts, 1, 0), nil)
	})
	require.ErrorIs(t, err, ErrMissingSignature)
}

func TestSimulator_BuyNeedsFunds(t *testing.T) {
	f := newSimFixture(t, MarketParams{FloorPriceLamports: LamportsPerSOL})
	f.fund(t, 10)

	err := f.invoke(NewBuyInstruction(f.accounts, 11, 0))
	require.ErrorIs(t, err, ledger.ErrInsufficientLamports)
}

func TestSimulator_SellCannotStrandDebt(t *testing.T) {
	f := newSimFixture(t, MarketParams{FloorPriceLamports: LamportsPerSOL, Liquidity: 10 * LamportsPerSOL})
	f.fund(t, 2*LamportsPerSOL)
	require.NoError(t, f.invoke(NewBuyInstruction(f.accounts, 2*LamportsPerSOL, 0)))
	require.NoError(t, f.invoke(NewBorrowInstruction(f.accounts, LamportsPerSOL)))

	err := f.invoke(NewSellInstruction(f.accounts, LamportsPerSOL+1, 0))
	require.ErrorIs(t, err, ErrUndercollateralized)
}

func TestSimulator_FloorPriceUpdate(t *testing.T) {
	f := newSimFixture(t, MarketParams{FloorPriceLamports: LamportsPerSOL})

	require.NoError(t, f.ledger.Atomic(func(tx *ledger.Tx) error {
		return f.sim.SetFloorPrice(tx, f.accounts.Market.Market, LamportDecimal(2*LamportsPerSOL))
	}))
	acct, ok := f.ledger.Account(f.accounts.Market.Market)
	require.True(t, ok)
	floor, err := ReadFloorPrice(acct.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*LamportsPerSOL), floor)
}
