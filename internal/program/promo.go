package program

import (
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/access"
	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/gagliardetto/solana-go"
)

type CreatePromoParams struct {
	Signer             solana.PublicKey
	AdminKey           solana.PublicKey
	Position           solana.PublicKey
	PromoID            uint64
	Key                KeyParams
	MinDepositLamports uint64
	MaxClaims          uint64
	Name               string
	ImageURI           string
}

// CreatePromo opens self-service key issuance with a fixed preset.
func (b *Batch) CreatePromo(params CreatePromoParams) (solana.PublicKey, error) {
	auth, err := b.authorize(params.Signer, params.AdminKey, params.Position, access.ManageKeys)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if err := params.Key.Validate(); err != nil {
		return solana.PublicKey{}, err
	}
	if params.Key.SellTotalLimit != 0 || params.Key.BorrowTotalLimit != 0 {
		return solana.PublicKey{}, fmt.Errorf("%w: promos carry no lifetime caps", errs.InvalidRateLimit)
	}
	key, bump, err := keyvault.DerivePromoPDA(b.p.id, params.Position, params.PromoID)
	if err != nil {
		return key, err
	}
	promo := keyvault.PromoConfig{
		Position:           params.Position,
		AuthoritySeed:      auth.position.AuthoritySeed,
		PromoId:            params.PromoID,
		Permissions:        uint8(params.Key.Permissions),
		SellCapacity:       params.Key.SellCapacity,
		SellRefillSlots:    params.Key.SellRefillSlots,
		BorrowCapacity:     params.Key.BorrowCapacity,
		BorrowRefillSlots:  params.Key.BorrowRefillSlots,
		MinDepositLamports: params.MinDepositLamports,
		MaxClaims:          params.MaxClaims,
		Active:             true,
		Name:               params.Name,
		ImageUri:           params.ImageURI,
		Bump:               bump,
	}
	if err := b.create(params.Signer, key, promo); err != nil {
		return key, fmt.Errorf("create promo: %w", err)
	}
	return key, b.commit(auth)
}

type UpdatePromoParams struct {
	Signer    solana.PublicKey
	AdminKey  solana.PublicKey
	Position  solana.PublicKey
	PromoID   uint64
	Active    *bool
	MaxClaims *uint64
}

// UpdatePromo pauses, resumes or re-caps a promo.
func (b *Batch) UpdatePromo(params UpdatePromoParams) error {
	auth, err := b.authorize(params.Signer, params.AdminKey, params.Position, access.ManageKeys)
	if err != nil {
		return err
	}
	key, _, err := keyvault.DerivePromoPDA(b.p.id, params.Position, params.PromoID)
	if err != nil {
		return err
	}
	promo, err := b.loadPromo(key)
	if err != nil {
		return err
	}
	if !promo.Position.Equals(params.Position) {
		return fmt.Errorf("%w: promo %s belongs to %s", errs.WrongPosition, key, promo.Position)
	}
	if params.Active != nil {
		promo.Active = *params.Active
	}
	if params.MaxClaims != nil {
		if *params.MaxClaims != 0 && *params.MaxClaims < promo.ClaimsCount {
			return fmt.Errorf("%w: %d < %d claimed", errs.MaxClaimsBelowCurrent, *params.MaxClaims, promo.ClaimsCount)
		}
		promo.MaxClaims = *params.MaxClaims
	}
	if err := b.store(key, promo); err != nil {
		return err
	}
	return b.commit(auth)
}

type ClaimPromoParams struct {
	Claimer  solana.PublicKey
	Position solana.PublicKey
	PromoID  uint64
	NewAsset solana.PublicKey
}

type ClaimResult struct {
	KeyResult
	Receipt solana.PublicKey
	Bond    uint64
}

// ClaimPromo issues one key per claimer. The receipt account at
// (promo, claimer) is the replay guard: creating it twice fails with
// ledger.ErrAccountInUse.
func (b *Batch) ClaimPromo(params ClaimPromoParams) (*ClaimResult, error) {
	promoKey, _, err := keyvault.DerivePromoPDA(b.p.id, params.Position, params.PromoID)
	if err != nil {
		return nil, err
	}
	promo, err := b.loadPromo(promoKey)
	if err != nil {
		return nil, err
	}
	if !promo.Active {
		return nil, errs.PromoInactive
	}
	if promo.MaxClaims != 0 && promo.ClaimsCount >= promo.MaxClaims {
		return nil, fmt.Errorf("%w: %d of %d", errs.PromoMaxClaimsReached, promo.ClaimsCount, promo.MaxClaims)
	}
	pos, err := b.loadPosition(params.Position)
	if err != nil {
		return nil, err
	}
	if !promo.Position.Equals(params.Position) || !promo.AuthoritySeed.Equals(pos.AuthoritySeed) {
		return nil, fmt.Errorf("%w: promo bound to %s", errs.WrongPosition, promo.Position)
	}

	if promo.MinDepositLamports > 0 {
		funding, err := b.fundingAccount(params.Position, pos)
		if err != nil {
			return nil, err
		}
		if b.tx.Balance(params.Claimer) < promo.MinDepositLamports {
			return nil, fmt.Errorf("%w: bond of %d lamports", errs.InsufficientFunds, promo.MinDepositLamports)
		}
		if err := b.tx.Transfer(params.Claimer, funding, promo.MinDepositLamports); err != nil {
			return nil, err
		}
	}

	receiptKey, bump, err := keyvault.DeriveClaimReceiptPDA(b.p.id, promoKey, params.Claimer)
	if err != nil {
		return nil, err
	}
	receipt := keyvault.ClaimReceipt{
		Claimer:       params.Claimer,
		Promo:         promoKey,
		Asset:         params.NewAsset,
		ClaimedAtSlot: b.now().Slot,
		Bump:          bump,
	}
	if err := b.create(params.Claimer, receiptKey, receipt); err != nil {
		return nil, fmt.Errorf("create claim receipt: %w", err)
	}

	preset := KeyParams{
		Permissions:       access.Permission(promo.Permissions),
		SellCapacity:      promo.SellCapacity,
		SellRefillSlots:   promo.SellRefillSlots,
		BorrowCapacity:    promo.BorrowCapacity,
		BorrowRefillSlots: promo.BorrowRefillSlots,
	}
	issued, err := b.issueKey(params.Claimer, params.NewAsset, params.Claimer, params.Position, pos, preset, promo.Name)
	if err != nil {
		return nil, err
	}
	if promo.ClaimsCount, err = checkedAdd(promo.ClaimsCount, 1); err != nil {
		return nil, err
	}
	if err := b.store(promoKey, promo); err != nil {
		return nil, err
	}
	return &ClaimResult{KeyResult: *issued, Receipt: receiptKey, Bond: promo.MinDepositLamports}, nil
}

func (p *Program) CreatePromo(params CreatePromoParams) (key solana.PublicKey, err error) {
	err = p.run("create_promo", func(b *Batch) error {
		key, err = b.CreatePromo(params)
		return err
	}, "position", params.Position, "promo_id", params.PromoID)
	return key, err
}

func (p *Program) UpdatePromo(params UpdatePromoParams) error {
	return p.run("update_promo", func(b *Batch) error {
		return b.UpdatePromo(params)
	}, "position", params.Position, "promo_id", params.PromoID)
}

func (p *Program) ClaimPromo(params ClaimPromoParams) (res *ClaimResult, err error) {
	err = p.run("claim_promo", func(b *Batch) error {
		res, err = b.ClaimPromo(params)
		return err
	}, "position", params.Position, "promo_id", params.PromoID, "claimer", params.Claimer)
	return res, err
}
