package protocol

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

const (
	InitPersonalPositionName = "init_personal_position"
	BuyName                  = "buy"
	SellName                 = "sell"
	BorrowName               = "borrow"
	RepayName                = "repay"
)

var (
	initPersonalPositionSelector = Selector(InitPersonalPositionName)
	buySelector                  = Selector(BuyName)
	sellSelector                 = Selector(SellName)
	borrowSelector               = Selector(BorrowName)
	repaySelector                = Selector(RepayName)
)

// Selector is the Anchor instruction discriminator for name.
func Selector(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func instructionData(selector [8]byte, args ...uint64) []byte {
	data := make([]byte, 8+8*len(args))
	copy(data, selector[:])
	for i, arg := range args {
		binary.LittleEndian.PutUint64(data[8+8*i:], arg)
	}
	return data
}

// The five builders below each follow the order the protocol declares for
// that instruction. The orders differ from one another; keep them separate.

func NewInitPersonalPositionInstruction(a Accounts, payer solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(a.Owner, false, true),
		solana.NewAccountMeta(a.Market.MarketMeta, false, false),
		solana.NewAccountMeta(a.Market.MintMain, false, false),
		solana.NewAccountMeta(a.PersonalPosition, true, false),
		solana.NewAccountMeta(a.Escrow, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(a.Log, true, false),
	}
	return solana.NewInstruction(a.ProgramID, accounts, instructionData(initPersonalPositionSelector))
}

func NewBuyInstruction(a Accounts, amount, minSharesOut uint64) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Owner, false, true),
		solana.NewAccountMeta(a.Market.MarketMeta, false, false),
		solana.NewAccountMeta(a.Market.MarketGroup, false, false),
		solana.NewAccountMeta(a.Market.Market, true, false),
		solana.NewAccountMeta(a.PersonalPosition, true, false),
		solana.NewAccountMeta(a.Escrow, true, false),
		solana.NewAccountMeta(a.UserWSOL, true, false),
		solana.NewAccountMeta(a.Market.MintMain, true, false),
		solana.NewAccountMeta(a.Market.MintWSOL, false, false),
		solana.NewAccountMeta(a.Market.VaultWSOL, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(a.Log, true, false),
	}
	return solana.NewInstruction(a.ProgramID, accounts, instructionData(buySelector, amount, minSharesOut))
}

func NewSellInstruction(a Accounts, shares, minLamportsOut uint64) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Owner, false, true),
		solana.NewAccountMeta(a.Market.MarketMeta, false, false),
		solana.NewAccountMeta(a.Market.Market, true, false),
		solana.NewAccountMeta(a.Market.MarketGroup, false, false),
		solana.NewAccountMeta(a.Market.VaultWSOL, true, false),
		solana.NewAccountMeta(a.Market.MintMain, true, false),
		solana.NewAccountMeta(a.Market.MintWSOL, false, false),
		solana.NewAccountMeta(a.PersonalPosition, true, false),
		solana.NewAccountMeta(a.Escrow, true, false),
		solana.NewAccountMeta(a.UserWSOL, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(a.Log, true, false),
	}
	return solana.NewInstruction(a.ProgramID, accounts, instructionData(sellSelector, shares, minLamportsOut))
}

func NewBorrowInstruction(a Accounts, amount uint64) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Owner, false, true),
		solana.NewAccountMeta(a.Market.MarketMeta, false, false),
		solana.NewAccountMeta(a.Market.MarketGroup, false, false),
		solana.NewAccountMeta(a.Market.Market, true, false),
		solana.NewAccountMeta(a.PersonalPosition, true, false),
		solana.NewAccountMeta(a.Market.VaultWSOL, true, false),
		solana.NewAccountMeta(a.Market.VaultFee, true, false),
		solana.NewAccountMeta(a.Market.MintWSOL, false, false),
		solana.NewAccountMeta(a.UserWSOL, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(a.Log, true, false),
	}
	return solana.NewInstruction(a.ProgramID, accounts, instructionData(borrowSelector, amount))
}

func NewRepayInstruction(a Accounts, amount uint64) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(a.Owner, false, true),
		solana.NewAccountMeta(a.Market.MarketMeta, false, false),
		solana.NewAccountMeta(a.Market.Market, true, false),
		solana.NewAccountMeta(a.PersonalPosition, true, false),
		solana.NewAccountMeta(a.UserWSOL, true, false),
		solana.NewAccountMeta(a.Market.VaultWSOL, true, false),
		solana.NewAccountMeta(a.Market.MintWSOL, false, false),
		solana.NewAccountMeta(a.Market.MarketGroup, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(a.Log, true, false),
	}
	return solana.NewInstruction(a.ProgramID, accounts, instructionData(repaySelector, amount))
}
