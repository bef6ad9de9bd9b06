// Package ledger is the host account store the program executes against. It
// serialises calls, stages every write of a call in an overlay and commits the
// overlay only when the call succeeds, so a failed call leaves no trace.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountInUse         = errors.New("account already in use")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientLamports = errors.New("insufficient lamports")
	ErrLamportsOverflow     = errors.New("lamports overflow")
	ErrClockRegression      = errors.New("clock cannot move backwards")
)

const (
	accountStorageOverhead = 128
	lamportsPerByteYear    = 3480
	exemptionYears         = 2
)

// MinimumBalance is the rent-exempt lamport minimum for an account holding size
// bytes of data.
func MinimumBalance(size int) uint64 {
	return uint64(accountStorageOverhead+size) * lamportsPerByteYear * exemptionYears
}

type Account struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

func (a *Account) clone() *Account {
	if a == nil {
		return nil
	}
	out := &Account{Owner: a.Owner, Lamports: a.Lamports}
	if a.Data != nil {
		out.Data = bytes.Clone(a.Data)
	}
	return out
}

// allocated reports whether a program has claimed the account. A system wallet
// holding only lamports is not allocated.
func (a *Account) allocated() bool {
	return a != nil && (len(a.Data) > 0 || !a.Owner.Equals(solana.SystemProgramID))
}

// Clock is the host time. Slot drives rate limits, UnixTimestamp drives
// recovery lockouts. Both only move forward.
type Clock struct {
	Slot          uint64
	UnixTimestamp int64
}

type Ledger struct {
	mu       sync.Mutex
	accounts map[solana.PublicKey]*Account
	clock    Clock
}

func New(clock Clock) *Ledger {
	return &Ledger{
		accounts: make(map[solana.PublicKey]*Account),
		clock:    clock,
	}
}

func (l *Ledger) Clock() Clock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock
}

func (l *Ledger) SetClock(next Clock) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if next.Slot < l.clock.Slot || next.UnixTimestamp < l.clock.UnixTimestamp {
		return fmt.Errorf("%w: slot %d->%d ts %d->%d", ErrClockRegression, l.clock.Slot, next.Slot, l.clock.UnixTimestamp, next.UnixTimestamp)
	}
	l.clock = next
	return nil
}

// Advance moves the clock forward by the given number of slots and seconds.
func (l *Ledger) Advance(slots uint64, seconds int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock.Slot += slots
	if seconds > 0 {
		l.clock.UnixTimestamp += seconds
	}
}

// Airdrop credits lamports to a system-owned wallet, creating it if needed.
func (l *Ledger) Airdrop(key solana.PublicKey, lamports uint64) error {
	return l.Atomic(func(tx *Tx) error {
		return tx.credit(key, lamports)
	})
}

// Account returns a copy of the committed account state.
func (l *Ledger) Account(key solana.PublicKey) (*Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[key]
	if !ok {
		return nil, false
	}
	return acct.clone(), true
}

// ProgramAccounts returns copies of every account owned by owner whose data
// starts with prefix.
func (l *Ledger) ProgramAccounts(owner solana.PublicKey, prefix []byte) map[solana.PublicKey]*Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[solana.PublicKey]*Account)
	for key, acct := range l.accounts {
		if acct.Owner.Equals(owner) && bytes.HasPrefix(acct.Data, prefix) {
			out[key] = acct.clone()
		}
	}
	return out
}

func (l *Ledger) Balance(key solana.PublicKey) uint64 {
	acct, ok := l.Account(key)
	if !ok {
		return 0
	}
	return acct.Lamports
}

// Atomic runs fn against a staged view of the ledger. Writes become visible only
// if fn returns nil.
func (l *Ledger) Atomic(fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &Tx{
		base:   l.accounts,
		writes: make(map[solana.PublicKey]*Account),
		clock:  l.clock,
	}
	if err := fn(tx); err != nil {
		return err
	}
	for key, acct := range tx.writes {
		if acct == nil {
			delete(l.accounts, key)
			continue
		}
		l.accounts[key] = acct
	}
	return nil
}

type Tx struct {
	base   map[solana.PublicKey]*Account
	writes map[solana.PublicKey]*Account
	clock  Clock
}

func (tx *Tx) Clock() Clock {
	return tx.clock
}

func (tx *Tx) lookup(key solana.PublicKey) (*Account, bool) {
	if acct, staged := tx.writes[key]; staged {
		return acct, acct != nil
	}
	acct, ok := tx.base[key]
	return acct, ok
}

// Get returns a copy of the account. Mutations must go through Put.
func (tx *Tx) Get(key solana.PublicKey) (*Account, bool) {
	acct, ok := tx.lookup(key)
	if !ok {
		return nil, false
	}
	return acct.clone(), true
}

func (tx *Tx) Exists(key solana.PublicKey) bool {
	acct, ok := tx.lookup(key)
	return ok && acct.allocated()
}

func (tx *Tx) Balance(key solana.PublicKey) uint64 {
	acct, ok := tx.lookup(key)
	if !ok {
		return 0
	}
	return acct.Lamports
}

func (tx *Tx) Put(key solana.PublicKey, acct *Account) {
	tx.writes[key] = acct.clone()
}

// SetData replaces the data of an existing account owned by owner.
func (tx *Tx) SetData(key, owner solana.PublicKey, data []byte) error {
	acct, ok := tx.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	if !acct.Owner.Equals(owner) {
		return fmt.Errorf("account %s owned by %s, not %s", key, acct.Owner, owner)
	}
	acct.Data = data
	tx.Put(key, acct)
	return nil
}

// CreateAccount allocates key for owner, topping it up to the rent-exempt
// minimum from payer. Lamports already sitting at a plain system wallet are
// kept. It fails with ErrAccountInUse when key is already allocated, which
// callers rely on as a one-shot marker.
func (tx *Tx) CreateAccount(payer, key, owner solana.PublicKey, data []byte) error {
	existing, ok := tx.lookup(key)
	if ok && existing.allocated() {
		return fmt.Errorf("%w: %s", ErrAccountInUse, key)
	}
	var held uint64
	if ok {
		held = existing.Lamports
	}
	rent := MinimumBalance(len(data))
	if held < rent {
		if err := tx.debit(payer, rent-held); err != nil {
			return fmt.Errorf("fund account %s: %w", key, err)
		}
	}
	tx.writes[key] = &Account{Owner: owner, Lamports: max(held, rent), Data: bytes.Clone(data)}
	return nil
}

// CloseAccount deletes key and moves its lamports to refundTo.
func (tx *Tx) CloseAccount(key, refundTo solana.PublicKey) (uint64, error) {
	acct, ok := tx.lookup(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	lamports := acct.Lamports
	if err := tx.credit(refundTo, lamports); err != nil {
		return 0, err
	}
	tx.writes[key] = nil
	return lamports, nil
}

// Transfer moves lamports between accounts, creating the destination as a
// system wallet when it does not exist.
func (tx *Tx) Transfer(from, to solana.PublicKey, lamports uint64) error {
	if lamports == 0 {
		return nil
	}
	if err := tx.debit(from, lamports); err != nil {
		return err
	}
	return tx.credit(to, lamports)
}

func (tx *Tx) debit(key solana.PublicKey, lamports uint64) error {
	acct, ok := tx.Get(key)
	if !ok || acct.Lamports < lamports {
		have := uint64(0)
		if ok {
			have = acct.Lamports
		}
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientLamports, key, have, lamports)
	}
	acct.Lamports -= lamports
	tx.writes[key] = acct
	return nil
}

func (tx *Tx) credit(key solana.PublicKey, lamports uint64) error {
	acct, ok := tx.Get(key)
	if !ok {
		acct = &Account{Owner: solana.SystemProgramID}
	}
	if acct.Lamports > math.MaxUint64-lamports {
		return fmt.Errorf("%w: %s", ErrLamportsOverflow, key)
	}
	acct.Lamports += lamports
	tx.writes[key] = acct
	return nil
}
