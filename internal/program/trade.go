package program

import (
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/access"
	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	"github.com/coldbell/keyvault/backend/internal/ratelimit"
	"github.com/gagliardetto/solana-go"
)

// TradeResult reports what a trade actually moved.
type TradeResult struct {
	// Requested is the amount asked of the protocol.
	Requested uint64
	// Received is the lamports that landed in the funding account, or the
	// shares credited for a buy.
	Received uint64
}

// trading is an authorized call against a bootstrapped position.
type trading struct {
	*authorized
	accounts protocol.Accounts
}

func (b *Batch) beginTrade(signer, keyAsset, positionKey solana.PublicKey, required access.Permission, amount uint64) (*trading, error) {
	auth, err := b.authorize(signer, keyAsset, positionKey, required)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, errs.ZeroAmount
	}
	if !auth.position.Bootstrapped() {
		return nil, fmt.Errorf("%w: position %s is not bootstrapped", errs.AccountNotFound, positionKey)
	}
	accounts, err := b.protocolAccounts(positionKey, auth.position)
	if err != nil {
		return nil, err
	}
	if !accounts.PersonalPosition.Equals(auth.position.ExternalPositionRef) {
		return nil, fmt.Errorf("%w: external position %s does not match derived %s", errs.InvalidAccount, auth.position.ExternalPositionRef, accounts.PersonalPosition)
	}
	return &trading{authorized: auth, accounts: accounts}, nil
}

// invoke calls the protocol with the position signing for itself.
func (b *Batch) invoke(t *trading, ix solana.Instruction) error {
	return b.p.protocol.Invoke(b.tx, ix, []solana.PublicKey{t.positionKey})
}

type limitKind int

const (
	limitSell limitKind = iota
	limitBorrow
)

// consumeLimits charges a key that holds only the limited variant of a
// permission. Keys with the unlimited bit are never limited.
func (b *Batch) consumeLimits(t *trading, kind limitKind, amount uint64) error {
	unlimited, limited := access.Sell, access.LimitedSell
	if kind == limitBorrow {
		unlimited, limited = access.Borrow, access.LimitedBorrow
	}
	if t.mask.Has(unlimited) || !t.mask.Has(limited) {
		return nil
	}

	ksKey, ks, err := b.loadKeyState(t.asset)
	if err != nil {
		return err
	}
	if !ks.Position.Equals(t.positionKey) || !ks.TokenRef.Equals(t.asset) {
		return fmt.Errorf("%w: key state %s does not govern %s", errs.InvalidAccount, ksKey, t.asset)
	}
	slot := b.now().Slot

	bucket, used, limit := &ks.SellBucket, &ks.SellTotalUsed, ks.SellTotalLimit
	if kind == limitBorrow {
		bucket, used, limit = &ks.BorrowBucket, &ks.BorrowTotalUsed, ks.BorrowTotalLimit
	}
	rb := bucket.Bucket()
	if err := ratelimit.ConsumeRateLimit(&rb, amount, slot); err != nil {
		return err
	}
	next, err := ratelimit.ConsumeTotalLimit(*used, limit, amount)
	if err != nil {
		return err
	}
	*bucket = keyvault.RateBucketFrom(rb)
	*used = next
	return b.store(ksKey, ks)
}

// Buy deposits amount lamports from the funding account.
func (b *Batch) Buy(signer, keyAsset, positionKey solana.PublicKey, amount, minSharesOut uint64) (*TradeResult, error) {
	t, err := b.beginTrade(signer, keyAsset, positionKey, access.Buy, amount)
	if err != nil {
		return nil, err
	}
	if have := protocol.WrappedBalance(b.tx, t.accounts.UserWSOL); have < amount {
		return nil, fmt.Errorf("%w: funding holds %d, buying %d", errs.InsufficientFunds, have, amount)
	}
	if err := b.invoke(t, protocol.NewBuyInstruction(t.accounts, amount, minSharesOut)); err != nil {
		return nil, fmt.Errorf("protocol buy: %w", err)
	}
	if t.position.DepositedValue, err = checkedAdd(t.position.DepositedValue, amount); err != nil {
		return nil, err
	}
	if err := b.commit(t.authorized); err != nil {
		return nil, err
	}
	return &TradeResult{Requested: amount, Received: amount}, nil
}

// Sell withdraws shares into the funding account.
func (b *Batch) Sell(signer, keyAsset, positionKey solana.PublicKey, shares, minLamportsOut uint64) (*TradeResult, error) {
	t, err := b.beginTrade(signer, keyAsset, positionKey, access.Sell|access.LimitedSell, shares)
	if err != nil {
		return nil, err
	}
	if t.position.DepositedValue < shares {
		return nil, fmt.Errorf("%w: deposited %d, selling %d", errs.InsufficientFunds, t.position.DepositedValue, shares)
	}
	if err := b.consumeLimits(t, limitSell, shares); err != nil {
		return nil, err
	}
	before := protocol.WrappedBalance(b.tx, t.accounts.UserWSOL)
	if err := b.invoke(t, protocol.NewSellInstruction(t.accounts, shares, minLamportsOut)); err != nil {
		return nil, fmt.Errorf("protocol sell: %w", err)
	}
	received := protocol.WrappedBalance(b.tx, t.accounts.UserWSOL) - before
	t.position.DepositedValue -= shares
	if err := b.commit(t.authorized); err != nil {
		return nil, err
	}
	return &TradeResult{Requested: shares, Received: received}, nil
}

// Borrow draws amount against the position's collateral. The protocol fee is
// deducted from what arrives; debt grows by the full amount.
func (b *Batch) Borrow(signer, keyAsset, positionKey solana.PublicKey, amount uint64) (*TradeResult, error) {
	t, err := b.beginTrade(signer, keyAsset, positionKey, access.Borrow|access.LimitedBorrow, amount)
	if err != nil {
		return nil, err
	}
	floor, err := b.floorPrice(t.accounts)
	if err != nil {
		return nil, err
	}
	capacity, err := protocol.BorrowCapacity(t.position.DepositedValue, floor, t.position.Debt)
	if err != nil {
		return nil, err
	}
	if amount > capacity {
		return nil, fmt.Errorf("%w: borrowing %d, capacity %d", errs.BorrowCapacityExceeded, amount, capacity)
	}
	if err := b.consumeLimits(t, limitBorrow, amount); err != nil {
		return nil, err
	}
	received, err := b.borrow(t, amount)
	if err != nil {
		return nil, err
	}
	t.position.Debt += amount
	if err := b.commit(t.authorized); err != nil {
		return nil, err
	}
	return &TradeResult{Requested: amount, Received: received}, nil
}

func (b *Batch) borrow(t *trading, amount uint64) (uint64, error) {
	before := protocol.WrappedBalance(b.tx, t.accounts.UserWSOL)
	if err := b.invoke(t, protocol.NewBorrowInstruction(t.accounts, amount)); err != nil {
		return 0, fmt.Errorf("protocol borrow: %w", err)
	}
	return protocol.WrappedBalance(b.tx, t.accounts.UserWSOL) - before, nil
}

// Repay returns amount from the funding account.
func (b *Batch) Repay(signer, keyAsset, positionKey solana.PublicKey, amount uint64) (*TradeResult, error) {
	t, err := b.beginTrade(signer, keyAsset, positionKey, access.Repay, amount)
	if err != nil {
		return nil, err
	}
	if amount > t.position.Debt {
		return nil, fmt.Errorf("%w: repaying %d, debt %d", errs.RepayExceedsDebt, amount, t.position.Debt)
	}
	if have := protocol.WrappedBalance(b.tx, t.accounts.UserWSOL); have < amount {
		return nil, fmt.Errorf("%w: funding holds %d, repaying %d", errs.InsufficientFunds, have, amount)
	}
	if err := b.invoke(t, protocol.NewRepayInstruction(t.accounts, amount)); err != nil {
		return nil, fmt.Errorf("protocol repay: %w", err)
	}
	t.position.Debt -= amount
	if err := b.commit(t.authorized); err != nil {
		return nil, err
	}
	return &TradeResult{Requested: amount, Received: amount}, nil
}

type ReinvestResult struct {
	Borrowed   uint64
	Reinvested uint64
	SpreadBps  uint64
}

// Reinvest borrows the full capacity the protocol reports and deposits what
// actually arrived. Debt grows by the borrowed amount, deposits by the
// received amount.
func (b *Batch) Reinvest(signer, keyAsset, positionKey solana.PublicKey) (*ReinvestResult, error) {
	auth, err := b.authorize(signer, keyAsset, positionKey, access.Reinvest)
	if err != nil {
		return nil, err
	}
	if !auth.position.Bootstrapped() {
		return nil, fmt.Errorf("%w: position %s is not bootstrapped", errs.AccountNotFound, positionKey)
	}
	accounts, err := b.protocolAccounts(positionKey, auth.position)
	if err != nil {
		return nil, err
	}
	t := &trading{authorized: auth, accounts: accounts}

	deposited, debt, err := b.externalCounters(accounts)
	if err != nil {
		return nil, err
	}
	floor, err := b.floorPrice(accounts)
	if err != nil {
		return nil, err
	}
	capacity, err := protocol.BorrowCapacity(deposited, floor, debt)
	if err != nil {
		return nil, err
	}
	if capacity == 0 {
		return nil, fmt.Errorf("%w: no borrow capacity", errs.ZeroAmount)
	}

	received, err := b.borrow(t, capacity)
	if err != nil {
		return nil, err
	}
	spread, err := protocol.MulDivFloor(capacity-received, 10_000, capacity)
	if err != nil {
		return nil, err
	}
	if spread > uint64(auth.position.MaxReinvestSpreadBps) {
		return nil, fmt.Errorf("%w: %d bps over cap %d", errs.SpreadExceeded, spread, auth.position.MaxReinvestSpreadBps)
	}
	if received == 0 {
		return nil, fmt.Errorf("%w: borrow delivered nothing", errs.ZeroAmount)
	}
	if err := b.invoke(t, protocol.NewBuyInstruction(accounts, received, received)); err != nil {
		return nil, fmt.Errorf("protocol buy: %w", err)
	}

	if auth.position.Debt, err = checkedAdd(auth.position.Debt, capacity); err != nil {
		return nil, err
	}
	if auth.position.DepositedValue, err = checkedAdd(auth.position.DepositedValue, received); err != nil {
		return nil, err
	}
	if err := b.commit(auth); err != nil {
		return nil, err
	}
	return &ReinvestResult{Borrowed: capacity, Reinvested: received, SpreadBps: spread}, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	if a+b < a {
		return 0, fmt.Errorf("%w: %d + %d", errs.MathOverflow, a, b)
	}
	return a + b, nil
}

func (p *Program) Buy(signer, keyAsset, position solana.PublicKey, amount, minSharesOut uint64) (res *TradeResult, err error) {
	err = p.run("buy", func(b *Batch) error {
		res, err = b.Buy(signer, keyAsset, position, amount, minSharesOut)
		return err
	}, "position", position, "amount", amount)
	return res, err
}

func (p *Program) Sell(signer, keyAsset, position solana.PublicKey, shares, minLamportsOut uint64) (res *TradeResult, err error) {
	err = p.run("sell", func(b *Batch) error {
		res, err = b.Sell(signer, keyAsset, position, shares, minLamportsOut)
		return err
	}, "position", position, "shares", shares)
	return res, err
}

func (p *Program) Borrow(signer, keyAsset, position solana.PublicKey, amount uint64) (res *TradeResult, err error) {
	err = p.run("borrow", func(b *Batch) error {
		res, err = b.Borrow(signer, keyAsset, position, amount)
		return err
	}, "position", position, "amount", amount)
	return res, err
}

func (p *Program) Repay(signer, keyAsset, position solana.PublicKey, amount uint64) (res *TradeResult, err error) {
	err = p.run("repay", func(b *Batch) error {
		res, err = b.Repay(signer, keyAsset, position, amount)
		return err
	}, "position", position, "amount", amount)
	return res, err
}

func (p *Program) Reinvest(signer, keyAsset, position solana.PublicKey) (res *ReinvestResult, err error) {
	err = p.run("reinvest", func(b *Batch) error {
		res, err = b.Reinvest(signer, keyAsset, position)
		return err
	}, "position", position)
	return res, err
}
