package keyvault

import (
	"bytes"
	"encoding/binary"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	ag_solanago "github.com/gagliardetto/solana-go"
)

// TradeAccounts is the account set of the key-gated position instructions.
// Protocol accounts follow the program's own accounts in a fixed order.
type TradeAccounts struct {
	Signer           ag_solanago.PublicKey
	KeyAsset         ag_solanago.PublicKey
	KeyState         ag_solanago.PublicKey
	Position         ag_solanago.PublicKey
	MarketConfig     ag_solanago.PublicKey
	Funding          ag_solanago.PublicKey
	ProtocolProgram  ag_solanago.PublicKey
	MarketMeta       ag_solanago.PublicKey
	MarketGroup      ag_solanago.PublicKey
	Market           ag_solanago.PublicKey
	PersonalPosition ag_solanago.PublicKey
	Escrow           ag_solanago.PublicKey
	MintMain         ag_solanago.PublicKey
	MintWsol         ag_solanago.PublicKey
	VaultWsol        ag_solanago.PublicKey
	VaultFee         ag_solanago.PublicKey
	Log              ag_solanago.PublicKey
}

// TradeAccountCount is the number of accounts every trade instruction carries.
const TradeAccountCount = 18

func (a TradeAccounts) metas() ag_solanago.AccountMetaSlice {
	return ag_solanago.AccountMetaSlice{
		ag_solanago.NewAccountMeta(a.Signer, false, true),
		ag_solanago.NewAccountMeta(a.KeyAsset, false, false),
		ag_solanago.NewAccountMeta(a.KeyState, true, false),
		ag_solanago.NewAccountMeta(a.Position, true, false),
		ag_solanago.NewAccountMeta(a.MarketConfig, false, false),
		ag_solanago.NewAccountMeta(a.Funding, true, false),
		ag_solanago.NewAccountMeta(a.ProtocolProgram, false, false),
		ag_solanago.NewAccountMeta(a.MarketMeta, false, false),
		ag_solanago.NewAccountMeta(a.MarketGroup, false, false),
		ag_solanago.NewAccountMeta(a.Market, true, false),
		ag_solanago.NewAccountMeta(a.PersonalPosition, true, false),
		ag_solanago.NewAccountMeta(a.Escrow, true, false),
		ag_solanago.NewAccountMeta(a.MintMain, true, false),
		ag_solanago.NewAccountMeta(a.MintWsol, false, false),
		ag_solanago.NewAccountMeta(a.VaultWsol, true, false),
		ag_solanago.NewAccountMeta(a.VaultFee, true, false),
		ag_solanago.NewAccountMeta(a.Log, true, false),
		ag_solanago.NewAccountMeta(ag_solanago.TokenProgramID, false, false),
	}
}

// ParseTradeAccounts reverses TradeAccounts.metas.
func ParseTradeAccounts(metas []*ag_solanago.AccountMeta) (TradeAccounts, error) {
	if len(metas) != TradeAccountCount {
		return TradeAccounts{}, fmt.Errorf("trade instruction expects %d accounts, got %d", TradeAccountCount, len(metas))
	}
	if !metas[TradeAccountCount-1].PublicKey.Equals(ag_solanago.TokenProgramID) {
		return TradeAccounts{}, fmt.Errorf("last account must be the token program, got %s", metas[TradeAccountCount-1].PublicKey)
	}
	key := func(i int) ag_solanago.PublicKey { return metas[i].PublicKey }
	return TradeAccounts{
		Signer:           key(0),
		KeyAsset:         key(1),
		KeyState:         key(2),
		Position:         key(3),
		MarketConfig:     key(4),
		Funding:          key(5),
		ProtocolProgram:  key(6),
		MarketMeta:       key(7),
		MarketGroup:      key(8),
		Market:           key(9),
		PersonalPosition: key(10),
		Escrow:           key(11),
		MintMain:         key(12),
		MintWsol:         key(13),
		VaultWsol:        key(14),
		VaultFee:         key(15),
		Log:              key(16),
	}, nil
}

type BuyArgs struct {
	Amount       uint64
	MinSharesOut uint64
}

type SellArgs struct {
	Shares         uint64
	MinLamportsOut uint64
}

type AmountArgs struct {
	Amount uint64
}

func encodeArgs(discriminator [8]byte, args ...uint64) []byte {
	buf := new(bytes.Buffer)
	encoder := ag_binary.NewBorshEncoder(buf)
	// Writes into a bytes.Buffer cannot fail.
	_ = encoder.WriteBytes(discriminator[:], false)
	for _, arg := range args {
		_ = encoder.WriteUint64(arg, binary.LittleEndian)
	}
	return buf.Bytes()
}

func NewBuyInstruction(programID ag_solanago.PublicKey, accounts TradeAccounts, args BuyArgs) ag_solanago.Instruction {
	return ag_solanago.NewInstruction(programID, accounts.metas(), encodeArgs(Instruction_Buy, args.Amount, args.MinSharesOut))
}

func NewSellInstruction(programID ag_solanago.PublicKey, accounts TradeAccounts, args SellArgs) ag_solanago.Instruction {
	return ag_solanago.NewInstruction(programID, accounts.metas(), encodeArgs(Instruction_Sell, args.Shares, args.MinLamportsOut))
}

func NewBorrowInstruction(programID ag_solanago.PublicKey, accounts TradeAccounts, args AmountArgs) ag_solanago.Instruction {
	return ag_solanago.NewInstruction(programID, accounts.metas(), encodeArgs(Instruction_Borrow, args.Amount))
}

func NewRepayInstruction(programID ag_solanago.PublicKey, accounts TradeAccounts, args AmountArgs) ag_solanago.Instruction {
	return ag_solanago.NewInstruction(programID, accounts.metas(), encodeArgs(Instruction_Repay, args.Amount))
}

func NewReinvestInstruction(programID ag_solanago.PublicKey, accounts TradeAccounts) ag_solanago.Instruction {
	return ag_solanago.NewInstruction(programID, accounts.metas(), encodeArgs(Instruction_Reinvest))
}

// NewFundPositionInstruction moves lamports from funder into the position's
// funding account. Anyone may fund a position.
func NewFundPositionInstruction(programID, funder, position, funding ag_solanago.PublicKey, amount uint64) ag_solanago.Instruction {
	accounts := ag_solanago.AccountMetaSlice{
		ag_solanago.NewAccountMeta(funder, true, true),
		ag_solanago.NewAccountMeta(position, false, false),
		ag_solanago.NewAccountMeta(funding, true, false),
	}
	return ag_solanago.NewInstruction(programID, accounts, encodeArgs(Instruction_FundPosition, amount))
}

// DecodedInstruction is a trade or funding instruction read back from the wire.
type DecodedInstruction struct {
	Discriminator [8]byte
	Args          []uint64
}

// DecodeInstructionData splits the discriminator from the u64 arguments.
func DecodeInstructionData(data []byte) (*DecodedInstruction, error) {
	decoder := ag_binary.NewBorshDecoder(data)
	disc, err := decoder.ReadNBytes(8)
	if err != nil {
		return nil, fmt.Errorf("instruction discriminator: %w", err)
	}
	out := &DecodedInstruction{}
	copy(out.Discriminator[:], disc)
	if decoder.Remaining()%8 != 0 {
		return nil, fmt.Errorf("instruction payload has %d trailing bytes", decoder.Remaining()%8)
	}
	for decoder.Remaining() > 0 {
		arg, err := decoder.ReadUint64(binary.LittleEndian)
		if err != nil {
			return nil, err
		}
		out.Args = append(out.Args, arg)
	}
	return out, nil
}
