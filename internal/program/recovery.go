package program

import (
	"errors"
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/access"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/coldbell/keyvault/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
)

const MaxRecoveryLockoutSeconds int64 = 365 * 24 * 60 * 60

type ConfigureRecoveryParams struct {
	Signer         solana.PublicKey
	AdminKey       solana.PublicKey
	Position       solana.PublicKey
	RecoveryAsset  solana.PublicKey
	Holder         solana.PublicKey
	LockoutSeconds int64
}

// ConfigureRecovery mints a permissionless recovery key to the holder and
// replaces any previous one.
func (b *Batch) ConfigureRecovery(params ConfigureRecoveryParams) error {
	auth, err := b.authorize(params.Signer, params.AdminKey, params.Position, access.ManageKeys)
	if err != nil {
		return err
	}
	pos := auth.position
	if pos.RecoveryConfigLocked {
		return errs.RecoveryConfigLocked
	}
	if params.Holder.IsZero() {
		return fmt.Errorf("%w: recovery holder is the zero address", errs.InvalidAccount)
	}
	if params.LockoutSeconds < 1 || params.LockoutSeconds > MaxRecoveryLockoutSeconds {
		return fmt.Errorf("%w: %ds not in [1, %d]", errs.InvalidLockout, params.LockoutSeconds, MaxRecoveryLockoutSeconds)
	}
	if pos.RecoveryConfigured() {
		if err := b.p.assets.Burn(b.tx, pos.RecoveryToken, params.Position, params.Signer); err != nil {
			return fmt.Errorf("burn previous recovery key: %w", err)
		}
	}
	if err := b.mintKey(params.Signer, params.RecoveryAsset, params.Holder, params.Position, access.None, RecoveryKeyName, ""); err != nil {
		return err
	}
	pos.RecoveryToken = params.RecoveryAsset
	pos.RecoveryLockoutSeconds = params.LockoutSeconds
	return b.commit(auth)
}

// LockRecoveryConfig freezes the recovery setup. There is no unlock.
func (b *Batch) LockRecoveryConfig(signer, adminKey, positionKey solana.PublicKey) error {
	auth, err := b.authorize(signer, adminKey, positionKey, access.ManageKeys)
	if err != nil {
		return err
	}
	if !auth.position.RecoveryConfigured() {
		return errs.RecoveryNotConfigured
	}
	auth.position.RecoveryConfigLocked = true
	return b.commit(auth)
}

// ExecuteRecovery hands the position to the recovery key holder once the
// admin has been inactive for the lockout. The new admin key inherits the old
// one's name and uri.
func (b *Batch) ExecuteRecovery(signer, recoveryAsset, positionKey, newAdminAsset solana.PublicKey) error {
	pos, err := b.loadPosition(positionKey)
	if err != nil {
		return err
	}
	if !pos.RecoveryConfigured() {
		return errs.RecoveryNotConfigured
	}
	if !recoveryAsset.Equals(pos.RecoveryToken) {
		return fmt.Errorf("%w: %s", errs.RecoveryTokenMismatch, recoveryAsset)
	}
	acct, ok := b.tx.Get(recoveryAsset)
	if !ok {
		return fmt.Errorf("%w: recovery key %s", errs.AccountNotFound, recoveryAsset)
	}
	if !acct.Owner.Equals(b.p.assets.ID) {
		return fmt.Errorf("%w: recovery key %s is not an asset", errs.InvalidAccount, recoveryAsset)
	}
	if _, err := access.ValidateHolder(signer, acct.Data, positionKey); err != nil {
		return err
	}
	now := b.now().UnixTimestamp
	if now-pos.LastAdminActivity < pos.RecoveryLockoutSeconds {
		return fmt.Errorf("%w: %ds of %ds elapsed", errs.RecoveryLockoutNotExpired, now-pos.LastAdminActivity, pos.RecoveryLockoutSeconds)
	}

	// The old admin key may already be gone; anything else about it is an error.
	name, uri := DefaultAdminKeyName, ""
	old, _, err := b.p.assets.Load(b.tx, pos.CurrentAdminToken)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
	case err != nil:
		return fmt.Errorf("load old admin key: %w", err)
	default:
		name, uri = old.Name, old.URI
		if err := b.p.assets.Burn(b.tx, pos.CurrentAdminToken, positionKey, signer); err != nil {
			return fmt.Errorf("burn old admin key: %w", err)
		}
	}
	if err := b.mintKey(signer, newAdminAsset, signer, positionKey, access.Admin, name, uri); err != nil {
		return err
	}
	if err := b.p.assets.Burn(b.tx, recoveryAsset, positionKey, signer); err != nil {
		return fmt.Errorf("burn recovery key: %w", err)
	}

	pos.CurrentAdminToken = newAdminAsset
	pos.LastAdminActivity = now
	pos.RecoveryToken = solana.PublicKey{}
	pos.RecoveryLockoutSeconds = 0
	pos.RecoveryConfigLocked = false
	return b.store(positionKey, pos)
}

func (p *Program) ConfigureRecovery(params ConfigureRecoveryParams) error {
	return p.run("configure_recovery", func(b *Batch) error {
		return b.ConfigureRecovery(params)
	}, "position", params.Position, "holder", params.Holder, "lockout_seconds", params.LockoutSeconds)
}

func (p *Program) LockRecoveryConfig(signer, adminKey, position solana.PublicKey) error {
	return p.run("lock_recovery_config", func(b *Batch) error {
		return b.LockRecoveryConfig(signer, adminKey, position)
	}, "position", position)
}

func (p *Program) ExecuteRecovery(signer, recoveryAsset, position, newAdminAsset solana.PublicKey) error {
	return p.run("execute_recovery", func(b *Batch) error {
		return b.ExecuteRecovery(signer, recoveryAsset, position, newAdminAsset)
	}, "position", position, "new_admin_key", newAdminAsset)
}
