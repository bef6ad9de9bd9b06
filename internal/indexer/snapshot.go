package indexer

import (
	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/gagliardetto/solana-go"
)

// Snapshot is every key vault account observed at one slot, decoded.
type Snapshot struct {
	Slot      uint64
	Positions []PositionSnapshot
	Keys      []KeySnapshot
	Promos    []PromoSnapshot
	Claims    []ClaimSnapshot
	Resources []ResourceSnapshot
}

type PositionSnapshot struct {
	Pubkey   solana.PublicKey
	Lamports uint64
	Account  *keyvault.Position
	// External is nil until the position is bootstrapped.
	External *ExternalState
}

// ExternalState is the protocol's view of a position.
type ExternalState struct {
	PersonalPosition solana.PublicKey
	DepositedShares  uint64
	Debt             uint64
	FloorPrice       uint64
	BorrowCapacity   uint64
	BorrowFeeBps     uint16
	FundingBalance   uint64
}

type KeySnapshot struct {
	Pubkey solana.PublicKey
	State  *keyvault.KeyState
}

type PromoSnapshot struct {
	Pubkey solana.PublicKey
	Promo  *keyvault.PromoConfig
}

type ClaimSnapshot struct {
	Pubkey  solana.PublicKey
	Receipt *keyvault.ClaimReceipt
}

// ResourceSnapshot holds singleton and reference accounts: the protocol
// config, market configs and artwork records.
type ResourceSnapshot struct {
	Pubkey      solana.PublicKey
	ProgramID   solana.PublicKey
	Owner       solana.PublicKey
	Lamports    uint64
	AccountType string
	Payload     any
}

func (s *Snapshot) counts() map[string]int {
	return map[string]int{
		"positions":      len(s.Positions),
		"keys":           len(s.Keys),
		"promos":         len(s.Promos),
		"claim_receipts": len(s.Claims),
		"resources":      len(s.Resources),
	}
}
