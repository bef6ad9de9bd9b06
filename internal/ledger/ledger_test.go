package ledger

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func TestAtomic_DiscardsFailedWrites(t *testing.T) {
	l := New(Clock{Slot: 1, UnixTimestamp: 10})
	payer, a, owner := key(), key(), key()
	require.NoError(t, l.Airdrop(payer, 1_000_000_000))

	boom := errors.New("boom")
	err := l.Atomic(func(tx *Tx) error {
		require.NoError(t, tx.CreateAccount(payer, a, owner, []byte{1, 2, 3}))
		assert.True(t, tx.Exists(a))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := l.Account(a)
	assert.False(t, ok)
	assert.Equal(t, uint64(1_000_000_000), l.Balance(payer))
}

func TestCreateAccount(t *testing.T) {
	l := New(Clock{})
	payer, a, owner := key(), key(), key()
	require.NoError(t, l.Airdrop(payer, 1_000_000_000))

	require.NoError(t, l.Atomic(func(tx *Tx) error {
		return tx.CreateAccount(payer, a, owner, []byte{9})
	}))
	acct, ok := l.Account(a)
	require.True(t, ok)
	assert.Equal(t, owner, acct.Owner)
	assert.Equal(t, MinimumBalance(1), acct.Lamports)
	assert.Equal(t, []byte{9}, acct.Data)
	assert.Equal(t, 1_000_000_000-MinimumBalance(1), l.Balance(payer))

	err := l.Atomic(func(tx *Tx) error {
		return tx.CreateAccount(payer, a, owner, nil)
	})
	require.ErrorIs(t, err, ErrAccountInUse)

	poor := key()
	err = l.Atomic(func(tx *Tx) error {
		return tx.CreateAccount(poor, key(), owner, nil)
	})
	require.ErrorIs(t, err, ErrInsufficientLamports)
}

func TestCreateAccount_PreFundedWallet(t *testing.T) {
	l := New(Clock{})
	payer, a, owner := key(), key(), key()
	require.NoError(t, l.Airdrop(payer, 1_000_000_000))
	require.NoError(t, l.Airdrop(a, 1))

	require.NoError(t, l.Atomic(func(tx *Tx) error {
		assert.False(t, tx.Exists(a))
		return tx.CreateAccount(payer, a, owner, []byte{7})
	}))
	acct, ok := l.Account(a)
	require.True(t, ok)
	assert.Equal(t, owner, acct.Owner)
	assert.Equal(t, MinimumBalance(1), acct.Lamports)
	assert.Equal(t, 1_000_000_000-MinimumBalance(1)+1, l.Balance(payer))

	err := l.Atomic(func(tx *Tx) error {
		return tx.CreateAccount(payer, a, owner, nil)
	})
	require.ErrorIs(t, err, ErrAccountInUse)
}

func TestCreateAccount_OverFundedWallet(t *testing.T) {
	l := New(Clock{})
	payer, a, owner := key(), key(), key()
	require.NoError(t, l.Airdrop(a, 5_000_000_000))

	// The payer is never charged when the wallet already covers rent.
	require.NoError(t, l.Atomic(func(tx *Tx) error {
		return tx.CreateAccount(payer, a, owner, nil)
	}))
	acct, ok := l.Account(a)
	require.True(t, ok)
	assert.Equal(t, owner, acct.Owner)
	assert.Equal(t, uint64(5_000_000_000), acct.Lamports)
	assert.Zero(t, l.Balance(payer))
}

func TestCloseAccount(t *testing.T) {
	l := New(Clock{})
	payer, a, refund := key(), key(), key()
	require.NoError(t, l.Airdrop(payer, 1_000_000_000))
	require.NoError(t, l.Atomic(func(tx *Tx) error {
		return tx.CreateAccount(payer, a, key(), make([]byte, 40))
	}))

	var refunded uint64
	require.NoError(t, l.Atomic(func(tx *Tx) error {
		var err error
		refunded, err = tx.CloseAccount(a, refund)
		if err != nil {
			return err
		}
		assert.False(t, tx.Exists(a))
		// The address is free again within the same call.
		return tx.CreateAccount(payer, a, key(), nil)
	}))
	assert.Equal(t, MinimumBalance(40), refunded)
	assert.Equal(t, refunded, l.Balance(refund))

	err := l.Atomic(func(tx *Tx) error {
		_, err := tx.CloseAccount(key(), refund)
		return err
	})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTransfer(t *testing.T) {
	l := New(Clock{})
	from, to := key(), key()
	require.NoError(t, l.Airdrop(from, 100))

	require.NoError(t, l.Atomic(func(tx *Tx) error {
		return tx.Transfer(from, to, 0)
	}))
	_, ok := l.Account(to)
	assert.False(t, ok)

	require.NoError(t, l.Atomic(func(tx *Tx) error {
		return tx.Transfer(from, to, 60)
	}))
	assert.Equal(t, uint64(40), l.Balance(from))
	assert.Equal(t, uint64(60), l.Balance(to))

	err := l.Atomic(func(tx *Tx) error {
		return tx.Transfer(from, to, 41)
	})
	require.ErrorIs(t, err, ErrInsufficientLamports)
}

func TestSetData(t *testing.T) {
	l := New(Clock{})
	payer, a, owner := key(), key(), key()
	require.NoError(t, l.Airdrop(payer, 1_000_000_000))
	require.NoError(t, l.Atomic(func(tx *Tx) error {
		if err := tx.CreateAccount(payer, a, owner, []byte{1}); err != nil {
			return err
		}
		return tx.SetData(a, owner, []byte{2})
	}))
	acct, _ := l.Account(a)
	assert.Equal(t, []byte{2}, acct.Data)

	err := l.Atomic(func(tx *Tx) error {
		return tx.SetData(a, key(), []byte{3})
	})
	require.Error(t, err)
	err = l.Atomic(func(tx *Tx) error {
		return tx.SetData(key(), owner, nil)
	})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAccount_ReturnsCopy(t *testing.T) {
	l := New(Clock{})
	payer, a := key(), key()
	require.NoError(t, l.Airdrop(payer, 1_000_000_000))
	require.NoError(t, l.Atomic(func(tx *Tx) error {
		return tx.CreateAccount(payer, a, key(), []byte{7})
	}))

	acct, _ := l.Account(a)
	acct.Data[0] = 8
	acct.Lamports = 0

	again, _ := l.Account(a)
	assert.Equal(t, []byte{7}, again.Data)
	assert.Equal(t, MinimumBalance(1), again.Lamports)
}

func TestClock(t *testing.T) {
	l := New(Clock{Slot: 5, UnixTimestamp: 100})

	l.Advance(3, 7)
	assert.Equal(t, Clock{Slot: 8, UnixTimestamp: 107}, l.Clock())

	require.ErrorIs(t, l.SetClock(Clock{Slot: 7, UnixTimestamp: 200}), ErrClockRegression)
	require.ErrorIs(t, l.SetClock(Clock{Slot: 9, UnixTimestamp: 99}), ErrClockRegression)
	require.NoError(t, l.SetClock(Clock{Slot: 9, UnixTimestamp: 107}))

	require.NoError(t, l.Atomic(func(tx *Tx) error {
		assert.Equal(t, uint64(9), tx.Clock().Slot)
		return nil
	}))
}

func TestProgramAccounts(t *testing.T) {
	l := New(Clock{})
	payer, owner, other := key(), key(), key()
	require.NoError(t, l.Airdrop(payer, 1_000_000_000))

	a, b, c := key(), key(), key()
	require.NoError(t, l.Atomic(func(tx *Tx) error {
		if err := tx.CreateAccount(payer, a, owner, []byte{7, 1}); err != nil {
			return err
		}
		if err := tx.CreateAccount(payer, b, owner, []byte{8, 1}); err != nil {
			return err
		}
		return tx.CreateAccount(payer, c, other, []byte{7, 2})
	}))

	got := l.ProgramAccounts(owner, []byte{7})
	require.Len(t, got, 1)
	require.Contains(t, got, a)

	got[a].Data[0] = 0
	again := l.ProgramAccounts(owner, []byte{7})
	assert.Equal(t, []byte{7, 1}, again[a].Data)

	assert.Len(t, l.ProgramAccounts(owner, nil), 2)
}
