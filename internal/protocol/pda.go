// Package protocol adapts the external liquidity protocol: derived
// addresses, record layouts, instruction builders and a ledger-backed
// simulator used by tests and local runs.
package protocol

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the liquidity protocol deployment the services target
// when no override is configured.
var DefaultProgramID = solana.MustPublicKeyFromBase58("DXpro7oCQ4mnFu2wJbYkT9sRaE5vHgK3cZxLq8NdP6Wh")

var (
	personalPositionSeed = []byte("personal_position")
	escrowSeed           = []byte("personal_position_escrow")
	logSeed              = []byte("log")
)

func PersonalPositionSeeds(marketMeta, owner solana.PublicKey) [][]byte {
	return [][]byte{personalPositionSeed, marketMeta.Bytes(), owner.Bytes()}
}

func EscrowSeeds(personalPosition solana.PublicKey) [][]byte {
	return [][]byte{escrowSeed, personalPosition.Bytes()}
}

func LogSeeds() [][]byte {
	return [][]byte{logSeed}
}

func DerivePersonalPositionPDA(programID, marketMeta, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(PersonalPositionSeeds(marketMeta, owner), programID)
}

func DeriveEscrowPDA(programID, personalPosition solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(EscrowSeeds(personalPosition), programID)
}

func DeriveLogPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(LogSeeds(), programID)
}

// DeriveFundingAccount returns the wrapped-SOL associated token account of
// owner. Positions spend from and receive into it.
func DeriveFundingAccount(owner, mintWSOL solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mintWSOL)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive funding account: %w", err)
	}
	return ata, nil
}

// VerifyDerivedAddress re-derives an address from seeds and fails closed when
// it diverges from expected or lies on the ed25519 curve.
func VerifyDerivedAddress(expected solana.PublicKey, seeds [][]byte, programID solana.PublicKey) (uint8, error) {
	derived, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return 0, fmt.Errorf("%w: derive: %v", errs.InvalidAccount, err)
	}
	if !derived.Equals(expected) {
		return 0, fmt.Errorf("%w: expected derived address %s, got %s", errs.InvalidAccount, derived, expected)
	}
	if OnCurve(expected) {
		return 0, fmt.Errorf("%w: %s is on curve", errs.InvalidAccount, expected)
	}
	return bump, nil
}

// OnCurve reports whether key is a valid ed25519 point, i.e. could have a
// private key.
func OnCurve(key solana.PublicKey) bool {
	_, err := new(edwards25519.Point).SetBytes(key[:])
	return err == nil
}

// Accounts is the full protocol account set one position touches.
type Accounts struct {
	ProgramID        solana.PublicKey
	Owner            solana.PublicKey
	PersonalPosition solana.PublicKey
	Escrow           solana.PublicKey
	UserWSOL         solana.PublicKey
	Log              solana.PublicKey
	Market           MarketAccounts
}

// MarketAccounts is the protocol address set of one market.
type MarketAccounts struct {
	MarketMeta     solana.PublicKey
	MarketGroup    solana.PublicKey
	Market         solana.PublicKey
	MarketMetadata solana.PublicKey
	MintMain       solana.PublicKey
	MintWSOL       solana.PublicKey
	VaultWSOL      solana.PublicKey
	VaultFee       solana.PublicKey
}

// ResolveAccounts derives every per-owner protocol address for a market.
func ResolveAccounts(programID, owner solana.PublicKey, market MarketAccounts) (Accounts, error) {
	personal, _, err := DerivePersonalPositionPDA(programID, market.MarketMeta, owner)
	if err != nil {
		return Accounts{}, fmt.Errorf("derive personal position: %w", err)
	}
	escrow, _, err := DeriveEscrowPDA(programID, personal)
	if err != nil {
		return Accounts{}, fmt.Errorf("derive escrow: %w", err)
	}
	logPDA, _, err := DeriveLogPDA(programID)
	if err != nil {
		return Accounts{}, fmt.Errorf("derive log: %w", err)
	}
	funding, err := DeriveFundingAccount(owner, market.MintWSOL)
	if err != nil {
		return Accounts{}, err
	}
	return Accounts{
		ProgramID:        programID,
		Owner:            owner,
		PersonalPosition: personal,
		Escrow:           escrow,
		UserWSOL:         funding,
		Log:              logPDA,
		Market:           market,
	}, nil
}
