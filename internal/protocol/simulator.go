package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/coldbell/keyvault/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrUnknownInstruction  = errors.New("protocol: unknown instruction")
	ErrMissingSignature    = errors.New("protocol: missing required signature")
	ErrSlippageExceeded    = errors.New("protocol: slippage exceeded")
	ErrInsufficientShares  = errors.New("protocol: insufficient shares")
	ErrUndercollateralized = errors.New("protocol: debt exceeds borrow capacity")
	ErrDebtUnderflow       = errors.New("protocol: repay exceeds debt")
)

// TokenAccountRent is the reserve a simulated token account keeps. Only
// lamports above it count as wrapped SOL.
var TokenAccountRent = ledger.MinimumBalance(0)

// WrappedBalance is the spendable wSOL balance of a token account.
func WrappedBalance(tx *ledger.Tx, key solana.PublicKey) uint64 {
	return WrappedLamports(tx.Balance(key))
}

// WrappedLamports converts a token account's lamports to its wSOL balance.
func WrappedLamports(lamports uint64) uint64 {
	if lamports <= TokenAccountRent {
		return 0
	}
	return lamports - TokenAccountRent
}

func spend(tx *ledger.Tx, from, to solana.PublicKey, amount uint64) error {
	if have := WrappedBalance(tx, from); have < amount {
		return fmt.Errorf("%w: %s holds %d wSOL, needs %d", ledger.ErrInsufficientLamports, from, have, amount)
	}
	return tx.Transfer(from, to, amount)
}

// MarketMetaV1 is the market address registry stored at market_meta.
var MarketMetaV1 = Layout{
	Name:          "MarketMeta",
	Version:       1,
	Discriminator: AccountDiscriminator("MarketMeta"),
	Size:          8 + 7*32,
}

func encodeMarketMeta(m MarketAccounts) []byte {
	out := make([]byte, 0, MarketMetaV1.Size)
	out = append(out, MarketMetaV1.Discriminator[:]...)
	for _, key := range []solana.PublicKey{m.MarketGroup, m.Market, m.MarketMetadata, m.MintMain, m.MintWSOL, m.VaultWSOL, m.VaultFee} {
		out = append(out, key[:]...)
	}
	return out
}

func decodeMarketMeta(address solana.PublicKey, data []byte) (MarketAccounts, error) {
	if err := MarketMetaV1.Check(data); err != nil {
		return MarketAccounts{}, err
	}
	key := func(i int) solana.PublicKey {
		return solana.PublicKeyFromBytes(data[8+32*i : 8+32*(i+1)])
	}
	return MarketAccounts{
		MarketMeta:     address,
		MarketGroup:    key(0),
		Market:         key(1),
		MarketMetadata: key(2),
		MintMain:       key(3),
		MintWSOL:       key(4),
		VaultWSOL:      key(5),
		VaultFee:       key(6),
	}, nil
}

// Simulator executes the protocol's five position instructions against the
// host ledger. It resolves every account by position and rejects any slot
// whose address or flags differ from what the protocol expects.
type Simulator struct {
	ProgramID solana.PublicKey
}

func NewSimulator(programID solana.PublicKey) *Simulator {
	return &Simulator{ProgramID: programID}
}

// MarketParams seeds a simulated market.
type MarketParams struct {
	FloorPriceLamports uint64
	BorrowFeeBps       uint16
	// Liquidity pre-funds the wSOL vault so sells and borrows can pay out.
	Liquidity uint64
}

func (s *Simulator) CreateMarket(tx *ledger.Tx, payer solana.PublicKey, m MarketAccounts, params MarketParams) error {
	if err := tx.CreateAccount(payer, m.MarketMeta, s.ProgramID, encodeMarketMeta(m)); err != nil {
		return fmt.Errorf("create market meta: %w", err)
	}
	market := &Market{
		MarketGroup:  m.MarketGroup,
		MintMain:     m.MintMain,
		FloorPrice:   LamportDecimal(params.FloorPriceLamports),
		BorrowFeeBps: params.BorrowFeeBps,
	}
	if err := tx.CreateAccount(payer, m.Market, s.ProgramID, market.Encode()); err != nil {
		return fmt.Errorf("create market: %w", err)
	}
	if !tx.Exists(m.VaultWSOL) {
		if err := tx.CreateAccount(payer, m.VaultWSOL, solana.TokenProgramID, nil); err != nil {
			return fmt.Errorf("create vault: %w", err)
		}
	}
	if err := tx.Transfer(payer, m.VaultWSOL, params.Liquidity); err != nil {
		return fmt.Errorf("fund vault: %w", err)
	}
	logPDA, _, err := DeriveLogPDA(s.ProgramID)
	if err != nil {
		return err
	}
	if !tx.Exists(logPDA) {
		if err := tx.CreateAccount(payer, logPDA, s.ProgramID, nil); err != nil {
			return fmt.Errorf("create log: %w", err)
		}
	}
	return nil
}

// SetFloorPrice rewrites the packed floor price of a market record.
func (s *Simulator) SetFloorPrice(tx *ledger.Tx, market solana.PublicKey, floor [DecimalSize]byte) error {
	acct, ok := tx.Get(market)
	if !ok {
		return fmt.Errorf("%w: market %s", ledger.ErrAccountNotFound, market)
	}
	m, err := DecodeMarket(acct.Data)
	if err != nil {
		return err
	}
	m.FloorPrice = floor
	return tx.SetData(market, s.ProgramID, m.Encode())
}

type slot struct {
	name     string
	key      solana.PublicKey
	writable bool
	signer   bool
}

// Invoke runs ix. signers are the addresses that signed the enclosing call,
// including derived addresses the caller signs for.
func (s *Simulator) Invoke(tx *ledger.Tx, ix solana.Instruction, signers []solana.PublicKey) error {
	if !ix.ProgramID().Equals(s.ProgramID) {
		return fmt.Errorf("%w: program %s", errs.InvalidAccount, ix.ProgramID())
	}
	data, err := ix.Data()
	if err != nil {
		return err
	}
	if len(data) < 8 {
		return fmt.Errorf("%w: %d byte payload", ErrUnknownInstruction, len(data))
	}
	metas := ix.Accounts()
	for _, meta := range metas {
		if meta.IsSigner && !containsKey(signers, meta.PublicKey) {
			return fmt.Errorf("%w: %s", ErrMissingSignature, meta.PublicKey)
		}
	}

	selector := data[:8]
	switch {
	case bytes.Equal(selector, initPersonalPositionSelector[:]):
		return s.initPersonalPosition(tx, metas, data[8:])
	case bytes.Equal(selector, buySelector[:]):
		return s.buy(tx, metas, data[8:])
	case bytes.Equal(selector, sellSelector[:]):
		return s.sell(tx, metas, data[8:])
	case bytes.Equal(selector, borrowSelector[:]):
		return s.borrow(tx, metas, data[8:])
	case bytes.Equal(selector, repaySelector[:]):
		return s.repay(tx, metas, data[8:])
	default:
		return fmt.Errorf("%w: selector %x", ErrUnknownInstruction, selector)
	}
}

func containsKey(keys []solana.PublicKey, key solana.PublicKey) bool {
	for _, k := range keys {
		if k.Equals(key) {
			return true
		}
	}
	return false
}

func decodeArgs(op string, payload []byte, count int) ([]uint64, error) {
	if len(payload) != 8*count {
		return nil, fmt.Errorf("%w: %s expects %d args, payload is %d bytes", ErrUnknownInstruction, op, count, len(payload))
	}
	out := make([]uint64, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(payload[8*i:])
	}
	return out, nil
}

func matchSlots(op string, metas []*solana.AccountMeta, expected []slot) error {
	if len(metas) != len(expected) {
		return fmt.Errorf("%w: %s expects %d accounts, got %d", errs.InvalidAccount, op, len(expected), len(metas))
	}
	for i, want := range expected {
		got := metas[i]
		if !got.PublicKey.Equals(want.key) {
			return fmt.Errorf("%w: %s account %d (%s) is %s, expected %s", errs.InvalidAccount, op, i, want.name, got.PublicKey, want.key)
		}
		if got.IsWritable != want.writable || got.IsSigner != want.signer {
			return fmt.Errorf("%w: %s account %d (%s) flags writable=%t signer=%t", errs.InvalidAccount, op, i, want.name, got.IsWritable, got.IsSigner)
		}
	}
	return nil
}

// resolve derives the full account set for the owner and market_meta found at
// the given instruction slots.
func (s *Simulator) resolve(tx *ledger.Tx, op string, metas []*solana.AccountMeta, ownerIdx, metaIdx int) (Accounts, error) {
	if len(metas) <= ownerIdx || len(metas) <= metaIdx {
		return Accounts{}, fmt.Errorf("%w: %s has %d accounts", errs.InvalidAccount, op, len(metas))
	}
	marketMeta := metas[metaIdx].PublicKey
	acct, ok := tx.Get(marketMeta)
	if !ok || !acct.Owner.Equals(s.ProgramID) {
		return Accounts{}, fmt.Errorf("%w: %s market meta %s", errs.InvalidAccount, op, marketMeta)
	}
	market, err := decodeMarketMeta(marketMeta, acct.Data)
	if err != nil {
		return Accounts{}, err
	}
	return ResolveAccounts(s.ProgramID, metas[ownerIdx].PublicKey, market)
}

func (s *Simulator) loadPersonal(tx *ledger.Tx, key solana.PublicKey) (*PersonalPosition, error) {
	acct, ok := tx.Get(key)
	if !ok || !acct.Owner.Equals(s.ProgramID) {
		return nil, fmt.Errorf("%w: personal position %s", errs.InvalidAccount, key)
	}
	return DecodePersonalPosition(acct.Data)
}

func (s *Simulator) loadMarket(tx *ledger.Tx, key solana.PublicKey) (*Market, uint64, error) {
	acct, ok := tx.Get(key)
	if !ok || !acct.Owner.Equals(s.ProgramID) {
		return nil, 0, fmt.Errorf("%w: market %s", errs.InvalidAccount, key)
	}
	m, err := DecodeMarket(acct.Data)
	if err != nil {
		return nil, 0, err
	}
	floor, err := m.FloorPriceLamports()
	if err != nil {
		return nil, 0, err
	}
	return m, floor, nil
}

func (s *Simulator) initPersonalPosition(tx *ledger.Tx, metas []*solana.AccountMeta, payload []byte) error {
	if _, err := decodeArgs(InitPersonalPositionName, payload, 0); err != nil {
		return err
	}
	a, err := s.resolve(tx, InitPersonalPositionName, metas, 1, 2)
	if err != nil {
		return err
	}
	payer := metas[0].PublicKey
	if err := matchSlots(InitPersonalPositionName, metas, []slot{
		{"payer", payer, true, true},
		{"owner", a.Owner, false, true},
		{"market_meta", a.Market.MarketMeta, false, false},
		{"mint_main", a.Market.MintMain, false, false},
		{"personal_position", a.PersonalPosition, true, false},
		{"escrow", a.Escrow, true, false},
		{"system_program", solana.SystemProgramID, false, false},
		{"token_program", solana.TokenProgramID, false, false},
		{"log", a.Log, true, false},
	}); err != nil {
		return err
	}

	_, bump, err := DerivePersonalPositionPDA(s.ProgramID, a.Market.MarketMeta, a.Owner)
	if err != nil {
		return err
	}
	record := &PersonalPosition{
		MarketMeta: a.Market.MarketMeta,
		Owner:      a.Owner,
		Escrow:     a.Escrow,
		Bump:       bump,
	}
	if err := tx.CreateAccount(payer, a.PersonalPosition, s.ProgramID, record.Encode()); err != nil {
		return fmt.Errorf("create personal position: %w", err)
	}
	if err := tx.CreateAccount(payer, a.Escrow, solana.TokenProgramID, nil); err != nil {
		return fmt.Errorf("create escrow: %w", err)
	}
	return nil
}

func (s *Simulator) buy(tx *ledger.Tx, metas []*solana.AccountMeta, payload []byte) error {
	args, err := decodeArgs(BuyName, payload, 2)
	if err != nil {
		return err
	}
	amount, minSharesOut := args[0], args[1]
	a, err := s.resolve(tx, BuyName, metas, 0, 1)
	if err != nil {
		return err
	}
	if err := matchSlots(BuyName, metas, []slot{
		{"owner", a.Owner, false, true},
		{"market_meta", a.Market.MarketMeta, false, false},
		{"market_group", a.Market.MarketGroup, false, false},
		{"market", a.Market.Market, true, false},
		{"personal_position", a.PersonalPosition, true, false},
		{"escrow", a.Escrow, true, false},
		{"user_wsol", a.UserWSOL, true, false},
		{"mint_main", a.Market.MintMain, true, false},
		{"mint_wsol", a.Market.MintWSOL, false, false},
		{"vault_wsol", a.Market.VaultWSOL, true, false},
		{"token_program", solana.TokenProgramID, false, false},
		{"log", a.Log, true, false},
	}); err != nil {
		return err
	}

	personal, err := s.loadPersonal(tx, a.PersonalPosition)
	if err != nil {
		return err
	}
	shares := amount
	if shares < minSharesOut {
		return fmt.Errorf("%w: %d shares < min %d", ErrSlippageExceeded, shares, minSharesOut)
	}
	if err := spend(tx, a.UserWSOL, a.Market.VaultWSOL, amount); err != nil {
		return fmt.Errorf("buy transfer: %w", err)
	}
	if personal.DepositedShares+shares < personal.DepositedShares {
		return fmt.Errorf("%w: deposited shares", errs.MathOverflow)
	}
	personal.DepositedShares += shares
	return tx.SetData(a.PersonalPosition, s.ProgramID, personal.Encode())
}

func (s *Simulator) sell(tx *ledger.Tx, metas []*solana.AccountMeta, payload []byte) error {
	args, err := decodeArgs(SellName, payload, 2)
	if err != nil {
		return err
	}
	shares, minLamportsOut := args[0], args[1]
	a, err := s.resolve(tx, SellName, metas, 0, 1)
	if err != nil {
		return err
	}
	if err := matchSlots(SellName, metas, []slot{
		{"owner", a.Owner, false, true},
		{"market_meta", a.Market.MarketMeta, false, false},
		{"market", a.Market.Market, true, false},
		{"market_group", a.Market.MarketGroup, false, false},
		{"vault_wsol", a.Market.VaultWSOL, true, false},
		{"mint_main", a.Market.MintMain, true, false},
		{"mint_wsol", a.Market.MintWSOL, false, false},
		{"personal_position", a.PersonalPosition, true, false},
		{"escrow", a.Escrow, true, false},
		{"user_wsol", a.UserWSOL, true, false},
		{"token_program", solana.TokenProgramID, false, false},
		{"log", a.Log, true, false},
	}); err != nil {
		return err
	}

	personal, err := s.loadPersonal(tx, a.PersonalPosition)
	if err != nil {
		return err
	}
	_, floor, err := s.loadMarket(tx, a.Market.Market)
	if err != nil {
		return err
	}
	if personal.DepositedShares < shares {
		return fmt.Errorf("%w: have %d, selling %d", ErrInsufficientShares, personal.DepositedShares, shares)
	}
	remaining := personal.DepositedShares - shares
	remainingFloor, err := FloorValue(remaining, floor)
	if err != nil {
		return err
	}
	if personal.Debt > remainingFloor {
		return fmt.Errorf("%w: debt %d over floor %d", ErrUndercollateralized, personal.Debt, remainingFloor)
	}
	payout, err := FloorValue(shares, floor)
	if err != nil {
		return err
	}
	if payout < minLamportsOut {
		return fmt.Errorf("%w: %d lamports < min %d", ErrSlippageExceeded, payout, minLamportsOut)
	}
	if err := spend(tx, a.Market.VaultWSOL, a.UserWSOL, payout); err != nil {
		return fmt.Errorf("sell payout: %w", err)
	}
	personal.DepositedShares = remaining
	return tx.SetData(a.PersonalPosition, s.ProgramID, personal.Encode())
}

func (s *Simulator) borrow(tx *ledger.Tx, metas []*solana.AccountMeta, payload []byte) error {
	args, err := decodeArgs(BorrowName, payload, 1)
	if err != nil {
		return err
	}
	amount := args[0]
	a, err := s.resolve(tx, BorrowName, metas, 0, 1)
	if err != nil {
		return err
	}
	if err := matchSlots(BorrowName, metas, []slot{
		{"owner", a.Owner, false, true},
		{"market_meta", a.Market.MarketMeta, false, false},
		{"market_group", a.Market.MarketGroup, false, false},
		{"market", a.Market.Market, true, false},
		{"personal_position", a.PersonalPosition, true, false},
		{"vault_wsol", a.Market.VaultWSOL, true, false},
		{"vault_fee", a.Market.VaultFee, true, false},
		{"mint_wsol", a.Market.MintWSOL, false, false},
		{"user_wsol", a.UserWSOL, true, false},
		{"token_program", solana.TokenProgramID, false, false},
		{"log", a.Log, true, false},
	}); err != nil {
		return err
	}

	personal, err := s.loadPersonal(tx, a.PersonalPosition)
	if err != nil {
		return err
	}
	market, floor, err := s.loadMarket(tx, a.Market.Market)
	if err != nil {
		return err
	}
	capacity, err := BorrowCapacity(personal.DepositedShares, floor, personal.Debt)
	if err != nil {
		return err
	}
	if amount > capacity {
		return fmt.Errorf("%w: borrowing %d, capacity %d", ErrUndercollateralized, amount, capacity)
	}
	fee, err := MulDivFloor(amount, uint64(market.BorrowFeeBps), 10_000)
	if err != nil {
		return err
	}
	if err := spend(tx, a.Market.VaultWSOL, a.UserWSOL, amount-fee); err != nil {
		return fmt.Errorf("borrow payout: %w", err)
	}
	if err := spend(tx, a.Market.VaultWSOL, a.Market.VaultFee, fee); err != nil {
		return fmt.Errorf("borrow fee: %w", err)
	}
	personal.Debt += amount
	market.TotalDebt += amount
	if err := tx.SetData(a.Market.Market, s.ProgramID, market.Encode()); err != nil {
		return err
	}
	return tx.SetData(a.PersonalPosition, s.ProgramID, personal.Encode())
}

func (s *Simulator) repay(tx *ledger.Tx, metas []*solana.AccountMeta, payload []byte) error {
	args, err := decodeArgs(RepayName, payload, 1)
	if err != nil {
		return err
	}
	amount := args[0]
	a, err := s.resolve(tx, RepayName, metas, 0, 1)
	if err != nil {
		return err
	}
	if err := matchSlots(RepayName, metas, []slot{
		{"owner", a.Owner, false, true},
		{"market_meta", a.Market.MarketMeta, false, false},
		{"market", a.Market.Market, true, false},
		{"personal_position", a.PersonalPosition, true, false},
		{"user_wsol", a.UserWSOL, true, false},
		{"vault_wsol", a.Market.VaultWSOL, true, false},
		{"mint_wsol", a.Market.MintWSOL, false, false},
		{"market_group", a.Market.MarketGroup, false, false},
		{"token_program", solana.TokenProgramID, false, false},
		{"log", a.Log, true, false},
	}); err != nil {
		return err
	}

	personal, err := s.loadPersonal(tx, a.PersonalPosition)
	if err != nil {
		return err
	}
	market, _, err := s.loadMarket(tx, a.Market.Market)
	if err != nil {
		return err
	}
	if amount > personal.Debt {
		return fmt.Errorf("%w: repaying %d, debt %d", ErrDebtUnderflow, amount, personal.Debt)
	}
	if err := spend(tx, a.UserWSOL, a.Market.VaultWSOL, amount); err != nil {
		return fmt.Errorf("repay transfer: %w", err)
	}
	personal.Debt -= amount
	if market.TotalDebt >= amount {
		market.TotalDebt -= amount
	} else {
		market.TotalDebt = 0
	}
	if err := tx.SetData(a.Market.Market, s.ProgramID, market.Encode()); err != nil {
		return err
	}
	return tx.SetData(a.PersonalPosition, s.ProgramID, personal.Encode())
}
