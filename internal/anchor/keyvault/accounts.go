package keyvault

import (
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	ag_solanago "github.com/gagliardetto/solana-go"
)

// Sizes of the fixed-length accounts, discriminator included.
const (
	ProtocolConfigSize = 8 + 32*3 + 1
	MarketConfigSize   = 8 + 32*8 + 1
	PositionSize       = 8 + 32*3 + 8 + 8 + 2 + 8 + 32 + 32 + 8 + 1 + 8 + 1
	KeyStateSize       = 8 + 32*2 + 1 + 32*2 + 8*4 + 1
	ClaimReceiptSize   = 8 + 32*3 + 8 + 1
)

type ProtocolConfig struct {
	Admin        ag_solanago.PublicKey
	Collection   ag_solanago.PublicKey
	PendingAdmin ag_solanago.PublicKey
	Bump         uint8
}

func (obj ProtocolConfig) MarshalWithEncoder(encoder *ag_binary.Encoder) error {
	return encodeFields(encoder, Account_ProtocolConfig, obj.Admin, obj.Collection, obj.PendingAdmin, obj.Bump)
}

func (obj *ProtocolConfig) UnmarshalWithDecoder(decoder *ag_binary.Decoder) error {
	return decodeFields(decoder, Account_ProtocolConfig, "ProtocolConfig", &obj.Admin, &obj.Collection, &obj.PendingAdmin, &obj.Bump)
}

func ParseAccount_ProtocolConfig(accountData []byte) (*ProtocolConfig, error) {
	acc := new(ProtocolConfig)
	if err := acc.UnmarshalWithDecoder(ag_binary.NewBorshDecoder(accountData)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ProtocolConfig: %w", err)
	}
	return acc, nil
}

// MarketConfig is the protocol address set a position trades against.
type MarketConfig struct {
	MarketMeta     ag_solanago.PublicKey
	MarketGroup    ag_solanago.PublicKey
	Market         ag_solanago.PublicKey
	MarketMetadata ag_solanago.PublicKey
	MintMain       ag_solanago.PublicKey
	MintWsol       ag_solanago.PublicKey
	VaultWsol      ag_solanago.PublicKey
	VaultFee       ag_solanago.PublicKey
	Bump           uint8
}

func (obj MarketConfig) MarshalWithEncoder(encoder *ag_binary.Encoder) error {
	return encodeFields(encoder, Account_MarketConfig,
		obj.MarketMeta, obj.MarketGroup, obj.Market, obj.MarketMetadata,
		obj.MintMain, obj.MintWsol, obj.VaultWsol, obj.VaultFee, obj.Bump)
}

func (obj *MarketConfig) UnmarshalWithDecoder(decoder *ag_binary.Decoder) error {
	return decodeFields(decoder, Account_MarketConfig, "MarketConfig",
		&obj.MarketMeta, &obj.MarketGroup, &obj.Market, &obj.MarketMetadata,
		&obj.MintMain, &obj.MintWsol, &obj.VaultWsol, &obj.VaultFee, &obj.Bump)
}

func ParseAccount_MarketConfig(accountData []byte) (*MarketConfig, error) {
	acc := new(MarketConfig)
	if err := acc.UnmarshalWithDecoder(ag_binary.NewBorshDecoder(accountData)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MarketConfig: %w", err)
	}
	return acc, nil
}

type Position struct {
	AuthoritySeed          ag_solanago.PublicKey
	ExternalPositionRef    ag_solanago.PublicKey
	MarketRef              ag_solanago.PublicKey
	DepositedValue         uint64
	Debt                   uint64
	MaxReinvestSpreadBps   uint16
	LastAdminActivity      int64
	CurrentAdminToken      ag_solanago.PublicKey
	RecoveryToken          ag_solanago.PublicKey
	RecoveryLockoutSeconds int64
	RecoveryConfigLocked   bool
	ArtworkId              uint64
	Bump                   uint8
}

func (obj Position) MarshalWithEncoder(encoder *ag_binary.Encoder) error {
	return encodeFields(encoder, Account_Position,
		obj.AuthoritySeed, obj.ExternalPositionRef, obj.MarketRef,
		obj.DepositedValue, obj.Debt, obj.MaxReinvestSpreadBps, obj.LastAdminActivity,
		obj.CurrentAdminToken, obj.RecoveryToken, obj.RecoveryLockoutSeconds, obj.RecoveryConfigLocked,
		obj.ArtworkId, obj.Bump)
}

func (obj *Position) UnmarshalWithDecoder(decoder *ag_binary.Decoder) error {
	return decodeFields(decoder, Account_Position, "Position",
		&obj.AuthoritySeed, &obj.ExternalPositionRef, &obj.MarketRef,
		&obj.DepositedValue, &obj.Debt, &obj.MaxReinvestSpreadBps, &obj.LastAdminActivity,
		&obj.CurrentAdminToken, &obj.RecoveryToken, &obj.RecoveryLockoutSeconds, &obj.RecoveryConfigLocked,
		&obj.ArtworkId, &obj.Bump)
}

func (obj *Position) Bootstrapped() bool {
	return !obj.ExternalPositionRef.IsZero()
}

func (obj *Position) RecoveryConfigured() bool {
	return !obj.RecoveryToken.IsZero()
}

func ParseAccount_Position(accountData []byte) (*Position, error) {
	acc := new(Position)
	if err := acc.UnmarshalWithDecoder(ag_binary.NewBorshDecoder(accountData)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Position: %w", err)
	}
	return acc, nil
}

type KeyState struct {
	Position         ag_solanago.PublicKey
	TokenRef         ag_solanago.PublicKey
	Permissions      uint8
	SellBucket       RateBucket
	BorrowBucket     RateBucket
	SellTotalLimit   uint64
	SellTotalUsed    uint64
	BorrowTotalLimit uint64
	BorrowTotalUsed  uint64
	Bump             uint8
}

func (obj KeyState) MarshalWithEncoder(encoder *ag_binary.Encoder) error {
	return encodeFields(encoder, Account_KeyState,
		obj.Position, obj.TokenRef, obj.Permissions, obj.SellBucket, obj.BorrowBucket,
		obj.SellTotalLimit, obj.SellTotalUsed, obj.BorrowTotalLimit, obj.BorrowTotalUsed, obj.Bump)
}

func (obj *KeyState) UnmarshalWithDecoder(decoder *ag_binary.Decoder) error {
	return decodeFields(decoder, Account_KeyState, "KeyState",
		&obj.Position, &obj.TokenRef, &obj.Permissions, &obj.SellBucket, &obj.BorrowBucket,
		&obj.SellTotalLimit, &obj.SellTotalUsed, &obj.BorrowTotalLimit, &obj.BorrowTotalUsed, &obj.Bump)
}

func ParseAccount_KeyState(accountData []byte) (*KeyState, error) {
	acc := new(KeyState)
	if err := acc.UnmarshalWithDecoder(ag_binary.NewBorshDecoder(accountData)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal KeyState: %w", err)
	}
	return acc, nil
}

type PromoConfig struct {
	Position           ag_solanago.PublicKey
	AuthoritySeed      ag_solanago.PublicKey
	PromoId            uint64
	Permissions        uint8
	SellCapacity       uint64
	SellRefillSlots    uint64
	BorrowCapacity     uint64
	BorrowRefillSlots  uint64
	MinDepositLamports uint64
	MaxClaims          uint64
	ClaimsCount        uint64
	Active             bool
	Name               string
	ImageUri           string
	Bump               uint8
}

func (obj PromoConfig) MarshalWithEncoder(encoder *ag_binary.Encoder) error {
	return encodeFields(encoder, Account_PromoConfig,
		obj.Position, obj.AuthoritySeed, obj.PromoId, obj.Permissions,
		obj.SellCapacity, obj.SellRefillSlots, obj.BorrowCapacity, obj.BorrowRefillSlots,
		obj.MinDepositLamports, obj.MaxClaims, obj.ClaimsCount, obj.Active,
		obj.Name, obj.ImageUri, obj.Bump)
}

func (obj *PromoConfig) UnmarshalWithDecoder(decoder *ag_binary.Decoder) error {
	return decodeFields(decoder, Account_PromoConfig, "PromoConfig",
		&obj.Position, &obj.AuthoritySeed, &obj.PromoId, &obj.Permissions,
		&obj.SellCapacity, &obj.SellRefillSlots, &obj.BorrowCapacity, &obj.BorrowRefillSlots,
		&obj.MinDepositLamports, &obj.MaxClaims, &obj.ClaimsCount, &obj.Active,
		&obj.Name, &obj.ImageUri, &obj.Bump)
}

func ParseAccount_PromoConfig(accountData []byte) (*PromoConfig, error) {
	acc := new(PromoConfig)
	if err := acc.UnmarshalWithDecoder(ag_binary.NewBorshDecoder(accountData)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal PromoConfig: %w", err)
	}
	return acc, nil
}

type ClaimReceipt struct {
	Claimer       ag_solanago.PublicKey
	Promo         ag_solanago.PublicKey
	Asset         ag_solanago.PublicKey
	ClaimedAtSlot uint64
	Bump          uint8
}

func (obj ClaimReceipt) MarshalWithEncoder(encoder *ag_binary.Encoder) error {
	return encodeFields(encoder, Account_ClaimReceipt, obj.Claimer, obj.Promo, obj.Asset, obj.ClaimedAtSlot, obj.Bump)
}

func (obj *ClaimReceipt) UnmarshalWithDecoder(decoder *ag_binary.Decoder) error {
	return decodeFields(decoder, Account_ClaimReceipt, "ClaimReceipt", &obj.Claimer, &obj.Promo, &obj.Asset, &obj.ClaimedAtSlot, &obj.Bump)
}

func ParseAccount_ClaimReceipt(accountData []byte) (*ClaimReceipt, error) {
	acc := new(ClaimReceipt)
	if err := acc.UnmarshalWithDecoder(ag_binary.NewBorshDecoder(accountData)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ClaimReceipt: %w", err)
	}
	return acc, nil
}

// Artwork is display metadata applied to keys a position issues.
type Artwork struct {
	ArtworkId uint64
	Name      string
	ImageUri  string
	Bump      uint8
}

func (obj Artwork) MarshalWithEncoder(encoder *ag_binary.Encoder) error {
	return encodeFields(encoder, Account_Artwork, obj.ArtworkId, obj.Name, obj.ImageUri, obj.Bump)
}

func (obj *Artwork) UnmarshalWithDecoder(decoder *ag_binary.Decoder) error {
	return decodeFields(decoder, Account_Artwork, "Artwork", &obj.ArtworkId, &obj.Name, &obj.ImageUri, &obj.Bump)
}

func ParseAccount_Artwork(accountData []byte) (*Artwork, error) {
	acc := new(Artwork)
	if err := acc.UnmarshalWithDecoder(ag_binary.NewBorshDecoder(accountData)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Artwork: %w", err)
	}
	return acc, nil
}
