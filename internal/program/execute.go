package program

import (
	"bytes"
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	"github.com/gagliardetto/solana-go"
)

// Execute runs a wire-encoded key vault instruction, as a client would submit
// it. Every account slot is checked against the addresses the program derives
// itself.
func (p *Program) Execute(ix solana.Instruction, signers []solana.PublicKey) (res *TradeResult, err error) {
	if !ix.ProgramID().Equals(p.id) {
		return nil, fmt.Errorf("%w: program %s", errs.InvalidAccount, ix.ProgramID())
	}
	data, err := ix.Data()
	if err != nil {
		return nil, err
	}
	decoded, err := keyvault.DecodeInstructionData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.InvalidAccount, err)
	}
	disc := decoded.Discriminator[:]
	args := decoded.Args
	metas := ix.Accounts()

	if bytes.Equal(disc, keyvault.Instruction_FundPosition[:]) {
		if len(metas) != 3 || len(args) != 1 {
			return nil, fmt.Errorf("%w: fund_position layout", errs.InvalidAccount)
		}
		funder := metas[0].PublicKey
		if err := requireSigner(funder, signers); err != nil {
			return nil, err
		}
		err = p.run("fund_position", func(b *Batch) error {
			pos, err := b.loadPosition(metas[1].PublicKey)
			if err != nil {
				return err
			}
			funding, err := b.fundingAccount(metas[1].PublicKey, pos)
			if err != nil {
				return err
			}
			if !funding.Equals(metas[2].PublicKey) {
				return fmt.Errorf("%w: funding account %s, expected %s", errs.InvalidAccount, metas[2].PublicKey, funding)
			}
			return b.FundPosition(funder, metas[1].PublicKey, args[0])
		}, "position", metas[1].PublicKey, "amount", args[0])
		if err != nil {
			return nil, err
		}
		return &TradeResult{Requested: args[0], Received: args[0]}, nil
	}

	accounts, err := keyvault.ParseTradeAccounts(metas)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.InvalidAccount, err)
	}
	if err := requireSigner(accounts.Signer, signers); err != nil {
		return nil, err
	}

	var op string
	var call func(b *Batch) (*TradeResult, error)
	switch {
	case bytes.Equal(disc, keyvault.Instruction_Buy[:]) && len(args) == 2:
		op = "buy"
		call = func(b *Batch) (*TradeResult, error) {
			return b.Buy(accounts.Signer, accounts.KeyAsset, accounts.Position, args[0], args[1])
		}
	case bytes.Equal(disc, keyvault.Instruction_Sell[:]) && len(args) == 2:
		op = "sell"
		call = func(b *Batch) (*TradeResult, error) {
			return b.Sell(accounts.Signer, accounts.KeyAsset, accounts.Position, args[0], args[1])
		}
	case bytes.Equal(disc, keyvault.Instruction_Borrow[:]) && len(args) == 1:
		op = "borrow"
		call = func(b *Batch) (*TradeResult, error) {
			return b.Borrow(accounts.Signer, accounts.KeyAsset, accounts.Position, args[0])
		}
	case bytes.Equal(disc, keyvault.Instruction_Repay[:]) && len(args) == 1:
		op = "repay"
		call = func(b *Batch) (*TradeResult, error) {
			return b.Repay(accounts.Signer, accounts.KeyAsset, accounts.Position, args[0])
		}
	case bytes.Equal(disc, keyvault.Instruction_Reinvest[:]) && len(args) == 0:
		op = "reinvest"
		call = func(b *Batch) (*TradeResult, error) {
			r, err := b.Reinvest(accounts.Signer, accounts.KeyAsset, accounts.Position)
			if err != nil {
				return nil, err
			}
			return &TradeResult{Requested: r.Borrowed, Received: r.Reinvested}, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown instruction %x with %d args", errs.InvalidAccount, disc, len(args))
	}

	err = p.run(op, func(b *Batch) error {
		if err := b.checkTradeAccounts(accounts); err != nil {
			return err
		}
		res, err = call(b)
		return err
	}, "position", accounts.Position, "via", "instruction")
	return res, err
}

func requireSigner(key solana.PublicKey, signers []solana.PublicKey) error {
	for _, s := range signers {
		if s.Equals(key) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s did not sign", errs.Unauthorized, key)
}

// TradeAccounts derives the full account list of a trade instruction for a
// key holder.
func (b *Batch) TradeAccounts(signer, keyAsset, positionKey solana.PublicKey) (keyvault.TradeAccounts, error) {
	pos, err := b.loadPosition(positionKey)
	if err != nil {
		return keyvault.TradeAccounts{}, err
	}
	accounts, err := b.protocolAccounts(positionKey, pos)
	if err != nil {
		return keyvault.TradeAccounts{}, err
	}
	return BuildTradeAccounts(b.p.id, signer, keyAsset, positionKey, pos.MarketRef, accounts)
}

// BuildTradeAccounts lays out a trade instruction's accounts from resolved
// protocol addresses.
func BuildTradeAccounts(programID, signer, keyAsset, positionKey, marketConfig solana.PublicKey, accounts protocol.Accounts) (keyvault.TradeAccounts, error) {
	keyState, _, err := keyvault.DeriveKeyStatePDA(programID, keyAsset)
	if err != nil {
		return keyvault.TradeAccounts{}, err
	}
	return keyvault.TradeAccounts{
		Signer:           signer,
		KeyAsset:         keyAsset,
		KeyState:         keyState,
		Position:         positionKey,
		MarketConfig:     marketConfig,
		Funding:          accounts.UserWSOL,
		ProtocolProgram:  accounts.ProgramID,
		MarketMeta:       accounts.Market.MarketMeta,
		MarketGroup:      accounts.Market.MarketGroup,
		Market:           accounts.Market.Market,
		PersonalPosition: accounts.PersonalPosition,
		Escrow:           accounts.Escrow,
		MintMain:         accounts.Market.MintMain,
		MintWsol:         accounts.Market.MintWSOL,
		VaultWsol:        accounts.Market.VaultWSOL,
		VaultFee:         accounts.Market.VaultFee,
		Log:              accounts.Log,
	}, nil
}

func (b *Batch) checkTradeAccounts(got keyvault.TradeAccounts) error {
	want, err := b.TradeAccounts(got.Signer, got.KeyAsset, got.Position)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: trade accounts do not match the position's derived set", errs.InvalidAccount)
	}
	return nil
}

// TradeAccounts is the read-only form of Batch.TradeAccounts.
func (p *Program) TradeAccounts(signer, keyAsset, position solana.PublicKey) (out keyvault.TradeAccounts, err error) {
	err = p.Batch(func(b *Batch) error {
		out, err = b.TradeAccounts(signer, keyAsset, position)
		return err
	})
	return out, err
}
