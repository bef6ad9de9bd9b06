package program

import (
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/access"
	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	"github.com/gagliardetto/solana-go"
)

const MaxSpreadBps = 10_000

type CreatePositionParams struct {
	Payer         solana.PublicKey
	AuthoritySeed solana.PublicKey
	MarketMeta    solana.PublicKey
	AdminAsset    solana.PublicKey
	// MaxReinvestSpreadBps caps the fee share reinvest may lose.
	MaxReinvestSpreadBps uint16
	AdminKeyName         string
	AdminKeyURI          string
}

type CreatePositionResult struct {
	Position solana.PublicKey
	AdminKey solana.PublicKey
}

// CreatePosition mints the admin key to the payer and records an empty
// position. Nothing touches the protocol until Bootstrap.
func (b *Batch) CreatePosition(params CreatePositionParams) (*CreatePositionResult, error) {
	if params.MaxReinvestSpreadBps > MaxSpreadBps {
		return nil, fmt.Errorf("%w: %d bps", errs.InvalidSpread, params.MaxReinvestSpreadBps)
	}
	marketKey, _, err := keyvault.DeriveMarketConfigPDA(b.p.id, params.MarketMeta)
	if err != nil {
		return nil, err
	}
	if _, err := b.loadMarketConfig(marketKey); err != nil {
		return nil, err
	}
	positionKey, bump, err := keyvault.DerivePositionPDA(b.p.id, params.AuthoritySeed)
	if err != nil {
		return nil, err
	}

	name := params.AdminKeyName
	if name == "" {
		name = DefaultAdminKeyName
	}
	if err := b.mintKey(params.Payer, params.AdminAsset, params.Payer, positionKey, access.Admin, name, params.AdminKeyURI); err != nil {
		return nil, err
	}
	pos := keyvault.Position{
		AuthoritySeed:        params.AuthoritySeed,
		MarketRef:            marketKey,
		MaxReinvestSpreadBps: params.MaxReinvestSpreadBps,
		LastAdminActivity:    b.now().UnixTimestamp,
		CurrentAdminToken:    params.AdminAsset,
		Bump:                 bump,
	}
	if err := b.create(params.Payer, positionKey, pos); err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}
	return &CreatePositionResult{Position: positionKey, AdminKey: params.AdminAsset}, nil
}

// Bootstrap steps, in execution order.
const (
	StepCreateFundingAccount   = "create_funding_account"
	StepInitPersonalPosition   = "init_personal_position"
	StepRecordExternalPosition = "record_external_position"
)

// Bootstrap runs whichever setup steps are still missing. A fully set up
// position returns no steps.
func (b *Batch) Bootstrap(signer, adminKey, positionKey solana.PublicKey) ([]string, error) {
	auth, err := b.authorize(signer, adminKey, positionKey, access.ManageKeys)
	if err != nil {
		return nil, err
	}
	accounts, err := b.protocolAccounts(positionKey, auth.position)
	if err != nil {
		return nil, err
	}

	var steps []string
	if !b.tx.Exists(accounts.UserWSOL) {
		if err := b.tx.CreateAccount(signer, accounts.UserWSOL, solana.TokenProgramID, nil); err != nil {
			return nil, fmt.Errorf("create funding account: %w", err)
		}
		steps = append(steps, StepCreateFundingAccount)
	}
	if !b.tx.Exists(accounts.PersonalPosition) {
		ix := protocol.NewInitPersonalPositionInstruction(accounts, signer)
		if err := b.p.protocol.Invoke(b.tx, ix, []solana.PublicKey{signer, positionKey}); err != nil {
			return nil, fmt.Errorf("init personal position: %w", err)
		}
		steps = append(steps, StepInitPersonalPosition)
	}
	if !auth.position.ExternalPositionRef.Equals(accounts.PersonalPosition) {
		auth.position.ExternalPositionRef = accounts.PersonalPosition
		steps = append(steps, StepRecordExternalPosition)
	}
	if err := b.commit(auth); err != nil {
		return nil, err
	}
	return steps, nil
}

// FundPosition moves lamports from funder into the position's funding
// account. It needs no key.
func (b *Batch) FundPosition(funder, positionKey solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return errs.ZeroAmount
	}
	pos, err := b.loadPosition(positionKey)
	if err != nil {
		return err
	}
	funding, err := b.fundingAccount(positionKey, pos)
	if err != nil {
		return err
	}
	if b.tx.Balance(funder) < amount {
		return fmt.Errorf("%w: %s holds %d, funding %d", errs.InsufficientFunds, funder, b.tx.Balance(funder), amount)
	}
	return b.tx.Transfer(funder, funding, amount)
}

// fundingAccount returns the bootstrapped funding account of a position.
func (b *Batch) fundingAccount(positionKey solana.PublicKey, pos *keyvault.Position) (solana.PublicKey, error) {
	mc, err := b.loadMarketConfig(pos.MarketRef)
	if err != nil {
		return solana.PublicKey{}, err
	}
	funding, err := protocol.DeriveFundingAccount(positionKey, mc.MintWsol)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if !b.tx.Exists(funding) {
		return solana.PublicKey{}, fmt.Errorf("%w: funding account %s, position not bootstrapped", errs.AccountNotFound, funding)
	}
	return funding, nil
}

// Status is the read-only view of a position. Clients and the API server
// expose the same fields.
type Status struct {
	Position           solana.PublicKey
	AuthoritySeed      solana.PublicKey
	MarketConfig       solana.PublicKey
	Bootstrapped       bool
	DepositedValue     uint64
	Debt               uint64
	BorrowCapacity     uint64
	FundingBalance     uint64
	FloorPrice         uint64
	ExternalDeposited  uint64
	ExternalDebt       uint64
	MaxReinvestSpread  uint16
	CurrentAdminToken  solana.PublicKey
	RecoveryConfigured bool
	RecoveryLocked     bool
	RecoveryLockout    int64
	LastAdminActivity  int64
	ArtworkID          uint64
}

// PositionStatus reads the local counters and the protocol records they
// mirror.
func (b *Batch) PositionStatus(positionKey solana.PublicKey) (*Status, error) {
	pos, err := b.loadPosition(positionKey)
	if err != nil {
		return nil, err
	}
	accounts, err := b.protocolAccounts(positionKey, pos)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Position:           positionKey,
		AuthoritySeed:      pos.AuthoritySeed,
		MarketConfig:       pos.MarketRef,
		Bootstrapped:       pos.Bootstrapped(),
		DepositedValue:     pos.DepositedValue,
		Debt:               pos.Debt,
		MaxReinvestSpread:  pos.MaxReinvestSpreadBps,
		CurrentAdminToken:  pos.CurrentAdminToken,
		RecoveryConfigured: pos.RecoveryConfigured(),
		RecoveryLocked:     pos.RecoveryConfigLocked,
		RecoveryLockout:    pos.RecoveryLockoutSeconds,
		LastAdminActivity:  pos.LastAdminActivity,
		ArtworkID:          pos.ArtworkId,
	}
	if st.FloorPrice, err = b.floorPrice(accounts); err != nil {
		return nil, err
	}
	if st.BorrowCapacity, err = protocol.BorrowCapacity(pos.DepositedValue, st.FloorPrice, pos.Debt); err != nil {
		return nil, err
	}
	if b.tx.Exists(accounts.UserWSOL) {
		st.FundingBalance = protocol.WrappedBalance(b.tx, accounts.UserWSOL)
	}
	if pos.Bootstrapped() {
		if st.ExternalDeposited, st.ExternalDebt, err = b.externalCounters(accounts); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (b *Batch) floorPrice(accounts protocol.Accounts) (uint64, error) {
	acct, ok := b.tx.Get(accounts.Market.Market)
	if !ok {
		return 0, fmt.Errorf("%w: market %s", errs.AccountNotFound, accounts.Market.Market)
	}
	if !acct.Owner.Equals(b.p.protocolID) {
		return 0, fmt.Errorf("%w: market %s owned by %s", errs.InvalidAccount, accounts.Market.Market, acct.Owner)
	}
	return protocol.ReadFloorPrice(acct.Data)
}

func (b *Batch) externalCounters(accounts protocol.Accounts) (deposited, debt uint64, err error) {
	acct, ok := b.tx.Get(accounts.PersonalPosition)
	if !ok {
		return 0, 0, fmt.Errorf("%w: personal position %s", errs.AccountNotFound, accounts.PersonalPosition)
	}
	if !acct.Owner.Equals(b.p.protocolID) {
		return 0, 0, fmt.Errorf("%w: personal position %s owned by %s", errs.InvalidAccount, accounts.PersonalPosition, acct.Owner)
	}
	if deposited, err = protocol.ReadDepositedShares(acct.Data); err != nil {
		return 0, 0, err
	}
	if debt, err = protocol.ReadDebt(acct.Data); err != nil {
		return 0, 0, err
	}
	return deposited, debt, nil
}

func (p *Program) CreatePosition(params CreatePositionParams) (res *CreatePositionResult, err error) {
	err = p.run("create_position", func(b *Batch) error {
		res, err = b.CreatePosition(params)
		return err
	}, "authority_seed", params.AuthoritySeed, "market_meta", params.MarketMeta)
	return res, err
}

func (p *Program) Bootstrap(signer, adminKey, position solana.PublicKey) (steps []string, err error) {
	err = p.run("bootstrap", func(b *Batch) error {
		steps, err = b.Bootstrap(signer, adminKey, position)
		return err
	}, "position", position)
	return steps, err
}

func (p *Program) FundPosition(funder, position solana.PublicKey, amount uint64) error {
	return p.run("fund_position", func(b *Batch) error {
		return b.FundPosition(funder, position, amount)
	}, "position", position, "amount", amount)
}

// PositionStatus never writes.
func (p *Program) PositionStatus(position solana.PublicKey) (st *Status, err error) {
	err = p.Batch(func(b *Batch) error {
		st, err = b.PositionStatus(position)
		return err
	})
	return st, err
}
