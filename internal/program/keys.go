package program

import (
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/access"
	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/asset"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/coldbell/keyvault/backend/internal/ratelimit"
	"github.com/gagliardetto/solana-go"
)

const (
	DefaultKeyName      = "Vault Key"
	DefaultAdminKeyName = "Vault Admin Key"
	RecoveryKeyName     = "Vault Recovery Key"

	collectionAttribute = "collection"
)

// authorized is the outcome of a successful key check.
type authorized struct {
	signer      solana.PublicKey
	asset       solana.PublicKey
	positionKey solana.PublicKey
	position    *keyvault.Position
	mask        access.Permission
	admin       bool
}

// authorize checks that signer holds keyAsset, that the key is bound to the
// position and that it carries a bit of required. Key management is reserved
// to the current admin token.
func (b *Batch) authorize(signer, keyAsset, positionKey solana.PublicKey, required access.Permission) (*authorized, error) {
	pos, err := b.loadPosition(positionKey)
	if err != nil {
		return nil, err
	}
	acct, ok := b.tx.Get(keyAsset)
	if !ok {
		return nil, fmt.Errorf("%w: key %s", errs.AccountNotFound, keyAsset)
	}
	if !acct.Owner.Equals(b.p.assets.ID) {
		return nil, fmt.Errorf("%w: key %s is not an asset", errs.InvalidAccount, keyAsset)
	}
	mask, err := access.Validate(signer, acct.Data, positionKey, required)
	if err != nil {
		return nil, err
	}
	admin := keyAsset.Equals(pos.CurrentAdminToken)
	if required.Has(access.ManageKeys) && !admin {
		return nil, fmt.Errorf("%w: %s is not the current admin key", errs.InsufficientPermission, keyAsset)
	}
	return &authorized{
		signer:      signer,
		asset:       keyAsset,
		positionKey: positionKey,
		position:    pos,
		mask:        mask,
		admin:       admin,
	}, nil
}

// commit writes the position back, refreshing admin activity when the admin
// key authorised the call.
func (b *Batch) commit(auth *authorized) error {
	if auth.admin {
		auth.position.LastAdminActivity = b.now().UnixTimestamp
	}
	return b.store(auth.positionKey, auth.position)
}

// KeyParams is the permission preset of a delegated key.
type KeyParams struct {
	Permissions       access.Permission
	SellCapacity      uint64
	SellRefillSlots   uint64
	BorrowCapacity    uint64
	BorrowRefillSlots uint64
	// Lifetime caps; zero disables them.
	SellTotalLimit   uint64
	BorrowTotalLimit uint64
}

func checkLimitPair(bit bool, capacity, refill, total uint64, name string) error {
	if bit {
		if capacity == 0 || refill == 0 {
			return fmt.Errorf("%w: limited %s needs capacity and refill", errs.InvalidRateLimit, name)
		}
		return nil
	}
	if capacity != 0 || refill != 0 || total != 0 {
		return fmt.Errorf("%w: %s limits set without the limited %s bit", errs.InvalidRateLimit, name, name)
	}
	return nil
}

// Validate rejects admin-equivalent keys and rate limits that do not match
// their limited bits.
func (k KeyParams) Validate() error {
	if k.Permissions.Intersects(access.ManageKeys) {
		return errs.CannotCreateSecondAdmin
	}
	if k.Permissions == access.None {
		return fmt.Errorf("%w: empty permission set", errs.InvalidKey)
	}
	if err := checkLimitPair(k.Permissions.Has(access.LimitedSell), k.SellCapacity, k.SellRefillSlots, k.SellTotalLimit, "sell"); err != nil {
		return err
	}
	return checkLimitPair(k.Permissions.Has(access.LimitedBorrow), k.BorrowCapacity, k.BorrowRefillSlots, k.BorrowTotalLimit, "borrow")
}

func (k KeyParams) keyState(position, token solana.PublicKey, slot uint64, bump uint8) keyvault.KeyState {
	ks := keyvault.KeyState{
		Position:         position,
		TokenRef:         token,
		Permissions:      uint8(k.Permissions),
		SellTotalLimit:   k.SellTotalLimit,
		BorrowTotalLimit: k.BorrowTotalLimit,
		Bump:             bump,
	}
	if k.Permissions.Has(access.LimitedSell) {
		ks.SellBucket = keyvault.RateBucketFrom(ratelimit.NewBucket(k.SellCapacity, k.SellRefillSlots, slot))
	}
	if k.Permissions.Has(access.LimitedBorrow) {
		ks.BorrowBucket = keyvault.RateBucketFrom(ratelimit.NewBucket(k.BorrowCapacity, k.BorrowRefillSlots, slot))
	}
	return ks
}

// keyMetadata resolves display metadata for a new key. A missing artwork
// record falls back to the defaults.
func (b *Batch) keyMetadata(pos *keyvault.Position, fallbackName string) (string, string) {
	if pos.ArtworkId == 0 {
		return fallbackName, ""
	}
	key, _, err := keyvault.DeriveArtworkPDA(b.p.id, pos.ArtworkId)
	if err != nil {
		return fallbackName, ""
	}
	data, err := b.load(key, "artwork")
	if err != nil {
		return fallbackName, ""
	}
	art, err := keyvault.ParseAccount_Artwork(data)
	if err != nil {
		return fallbackName, ""
	}
	return art.Name, art.ImageUri
}

// mintKey issues a capability token bound to positionKey.
func (b *Batch) mintKey(payer, assetKey, owner, positionKey solana.PublicKey, perms access.Permission, name, uri string) error {
	attrs := []asset.Attribute{{Key: access.PermissionsAttribute, Value: perms.Attribute()}}
	if _, cfg, err := b.loadConfig(); err == nil && !cfg.Collection.IsZero() {
		attrs = append(attrs, asset.Attribute{Key: collectionAttribute, Value: cfg.Collection.String()})
	}
	return b.p.assets.Mint(b.tx, payer, assetKey, &asset.Asset{
		Owner:      owner,
		Binding:    asset.Binding{Kind: asset.BindingAddress, Address: positionKey},
		Name:       name,
		URI:        uri,
		Attributes: attrs,
	})
}

type AuthorizeKeyParams struct {
	Signer    solana.PublicKey
	AdminKey  solana.PublicKey
	Position  solana.PublicKey
	NewAsset  solana.PublicKey
	Recipient solana.PublicKey
	Key       KeyParams
	// Name overrides the artwork or default name.
	Name string
}

type KeyResult struct {
	Asset    solana.PublicKey
	KeyState solana.PublicKey
}

// AuthorizeKey issues a delegated key and its KeyState. The signer pays rent.
func (b *Batch) AuthorizeKey(params AuthorizeKeyParams) (*KeyResult, error) {
	auth, err := b.authorize(params.Signer, params.AdminKey, params.Position, access.ManageKeys)
	if err != nil {
		return nil, err
	}
	if err := params.Key.Validate(); err != nil {
		return nil, err
	}
	recipient := params.Recipient
	if recipient.IsZero() {
		recipient = params.Signer
	}
	if err := b.commit(auth); err != nil {
		return nil, err
	}
	return b.issueKey(params.Signer, params.NewAsset, recipient, auth.positionKey, auth.position, params.Key, params.Name)
}

func (b *Batch) issueKey(payer, assetKey, owner, positionKey solana.PublicKey, pos *keyvault.Position, key KeyParams, name string) (*KeyResult, error) {
	ksKey, bump, err := keyvault.DeriveKeyStatePDA(b.p.id, assetKey)
	if err != nil {
		return nil, err
	}
	defaultName, uri := b.keyMetadata(pos, DefaultKeyName)
	if name == "" {
		name = defaultName
	}
	if err := b.mintKey(payer, assetKey, owner, positionKey, key.Permissions, name, uri); err != nil {
		return nil, err
	}
	ks := key.keyState(positionKey, assetKey, b.now().Slot, bump)
	if err := b.create(payer, ksKey, ks); err != nil {
		return nil, fmt.Errorf("create key state: %w", err)
	}
	return &KeyResult{Asset: assetKey, KeyState: ksKey}, nil
}

// RevokeKey burns a delegated key and closes its KeyState. Both rents go to
// the signer.
func (b *Batch) RevokeKey(signer, adminKey, positionKey, target solana.PublicKey) (uint64, error) {
	auth, err := b.authorize(signer, adminKey, positionKey, access.ManageKeys)
	if err != nil {
		return 0, err
	}
	if target.Equals(auth.position.CurrentAdminToken) {
		return 0, errs.CannotRevokeAdminKey
	}
	ksKey, ks, err := b.loadKeyState(target)
	if err != nil {
		return 0, err
	}
	if !ks.Position.Equals(positionKey) || !ks.TokenRef.Equals(target) {
		return 0, fmt.Errorf("%w: key %s belongs to %s", errs.WrongPosition, target, ks.Position)
	}
	before := b.tx.Balance(signer)
	if err := b.p.assets.Burn(b.tx, target, positionKey, signer); err != nil {
		return 0, err
	}
	if _, err := b.tx.CloseAccount(ksKey, signer); err != nil {
		return 0, err
	}
	if err := b.commit(auth); err != nil {
		return 0, err
	}
	return b.tx.Balance(signer) - before, nil
}

// SetArtwork binds the position's future keys to an artwork record. Zero
// clears the binding.
func (b *Batch) SetArtwork(signer, adminKey, positionKey solana.PublicKey, artworkID uint64) error {
	auth, err := b.authorize(signer, adminKey, positionKey, access.ManageKeys)
	if err != nil {
		return err
	}
	if artworkID != 0 {
		key, _, err := keyvault.DeriveArtworkPDA(b.p.id, artworkID)
		if err != nil {
			return err
		}
		if _, err := b.load(key, "artwork"); err != nil {
			return err
		}
	}
	auth.position.ArtworkId = artworkID
	return b.commit(auth)
}

func (p *Program) AuthorizeKey(params AuthorizeKeyParams) (res *KeyResult, err error) {
	err = p.run("authorize_key", func(b *Batch) error {
		res, err = b.AuthorizeKey(params)
		return err
	}, "position", params.Position, "asset", params.NewAsset, "permissions", params.Key.Permissions.String())
	return res, err
}

func (p *Program) RevokeKey(signer, adminKey, position, target solana.PublicKey) (refunded uint64, err error) {
	err = p.run("revoke_key", func(b *Batch) error {
		refunded, err = b.RevokeKey(signer, adminKey, position, target)
		return err
	}, "position", position, "asset", target)
	return refunded, err
}

func (p *Program) SetArtwork(signer, adminKey, position solana.PublicKey, artworkID uint64) error {
	return p.run("set_artwork", func(b *Batch) error {
		return b.SetArtwork(signer, adminKey, position, artworkID)
	}, "position", position, "artwork_id", artworkID)
}
