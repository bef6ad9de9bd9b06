package asset

import (
	"errors"
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the mainnet address of the single-asset program that
// stores key records.
var DefaultProgramID = solana.MustPublicKeyFromBase58("CoREENxT6tW1HoK8ypY1SxRMZTcVPm7R94rH4PZNhX7d")

var (
	ErrNotAssetAccount = errors.New("account is not owned by the asset program")
	ErrNotAuthority    = errors.New("signer is neither the asset owner nor its binding authority")
)

// Program executes asset mint, burn and transfer against the host ledger.
type Program struct {
	ID solana.PublicKey
}

func NewProgram(id solana.PublicKey) *Program {
	return &Program{ID: id}
}

// Mint creates the asset record at address, funded by payer.
func (p *Program) Mint(tx *ledger.Tx, payer, address solana.PublicKey, a *Asset) error {
	data, err := Encode(a)
	if err != nil {
		return fmt.Errorf("encode asset %s: %w", address, err)
	}
	if err := tx.CreateAccount(payer, address, p.ID, data); err != nil {
		return fmt.Errorf("create asset %s: %w", address, err)
	}
	return nil
}

// Load returns the decoded asset and its raw record.
func (p *Program) Load(tx *ledger.Tx, address solana.PublicKey) (*Asset, []byte, error) {
	acct, ok := tx.Get(address)
	if !ok || len(acct.Data) == 0 {
		return nil, nil, fmt.Errorf("%w: asset %s", ledger.ErrAccountNotFound, address)
	}
	if !acct.Owner.Equals(p.ID) {
		return nil, nil, fmt.Errorf("%w: %s owned by %s", ErrNotAssetAccount, address, acct.Owner)
	}
	decoded, err := Decode(acct.Data)
	if err != nil {
		return nil, nil, err
	}
	return decoded, acct.Data, nil
}

// Burn closes the asset. Either the owner or the binding authority may burn;
// rent goes to refundTo.
func (p *Program) Burn(tx *ledger.Tx, address, authority, refundTo solana.PublicKey) error {
	a, _, err := p.Load(tx, address)
	if err != nil {
		return err
	}
	if !a.Owner.Equals(authority) && !(a.Binding.Present() && a.Binding.Address.Equals(authority)) {
		return fmt.Errorf("%w: burn %s by %s", ErrNotAuthority, address, authority)
	}
	if _, err := tx.CloseAccount(address, refundTo); err != nil {
		return fmt.Errorf("close asset %s: %w", address, err)
	}
	return nil
}

// Transfer hands the asset to a new owner. Keys are bearer instruments, so this
// is all it takes to delegate one.
func (p *Program) Transfer(tx *ledger.Tx, address, owner, newOwner solana.PublicKey) error {
	a, _, err := p.Load(tx, address)
	if err != nil {
		return err
	}
	if !a.Owner.Equals(owner) {
		return fmt.Errorf("%w: transfer %s by %s", ErrNotAuthority, address, owner)
	}
	a.Owner = newOwner
	data, err := Encode(a)
	if err != nil {
		return err
	}
	return tx.SetData(address, p.ID, data)
}
