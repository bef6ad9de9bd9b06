package program

import (
	"fmt"

	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	"github.com/gagliardetto/solana-go"
)

// InitializeConfig creates the singleton protocol config. It can run once.
func (b *Batch) InitializeConfig(payer, admin solana.PublicKey) (solana.PublicKey, error) {
	key, bump, err := keyvault.DeriveConfigPDA(b.p.id)
	if err != nil {
		return key, err
	}
	if b.tx.Exists(key) {
		return key, fmt.Errorf("%w: %s", errs.ConfigAlreadyInitialized, key)
	}
	return key, b.create(payer, key, keyvault.ProtocolConfig{Admin: admin, Bump: bump})
}

func (b *Batch) requireProtocolAdmin(signer solana.PublicKey) (solana.PublicKey, *keyvault.ProtocolConfig, error) {
	key, cfg, err := b.loadConfig()
	if err != nil {
		return key, nil, err
	}
	if !cfg.Admin.Equals(signer) {
		return key, nil, fmt.Errorf("%w: %s is not the protocol admin", errs.Unauthorized, signer)
	}
	return key, cfg, nil
}

// TransferAdmin nominates a new protocol admin, who must accept.
func (b *Batch) TransferAdmin(signer, newAdmin solana.PublicKey) error {
	key, cfg, err := b.requireProtocolAdmin(signer)
	if err != nil {
		return err
	}
	cfg.PendingAdmin = newAdmin
	return b.store(key, cfg)
}

func (b *Batch) AcceptAdmin(signer solana.PublicKey) error {
	key, cfg, err := b.loadConfig()
	if err != nil {
		return err
	}
	if cfg.PendingAdmin.IsZero() {
		return errs.NoPendingAdmin
	}
	if !cfg.PendingAdmin.Equals(signer) {
		return fmt.Errorf("%w: %s is not the pending admin", errs.Unauthorized, signer)
	}
	cfg.Admin = signer
	cfg.PendingAdmin = solana.PublicKey{}
	return b.store(key, cfg)
}

// SetCollection records the grouping address stamped on issued keys.
func (b *Batch) SetCollection(signer, collection solana.PublicKey) error {
	key, cfg, err := b.requireProtocolAdmin(signer)
	if err != nil {
		return err
	}
	cfg.Collection = collection
	return b.store(key, cfg)
}

// CreateMarketConfig stores a protocol market's address set. It is immutable
// once created.
func (b *Batch) CreateMarketConfig(signer solana.PublicKey, market protocol.MarketAccounts) (solana.PublicKey, error) {
	if _, _, err := b.requireProtocolAdmin(signer); err != nil {
		return solana.PublicKey{}, err
	}
	key, bump, err := keyvault.DeriveMarketConfigPDA(b.p.id, market.MarketMeta)
	if err != nil {
		return key, err
	}
	return key, b.create(signer, key, keyvault.MarketConfig{
		MarketMeta:     market.MarketMeta,
		MarketGroup:    market.MarketGroup,
		Market:         market.Market,
		MarketMetadata: market.MarketMetadata,
		MintMain:       market.MintMain,
		MintWsol:       market.MintWSOL,
		VaultWsol:      market.VaultWSOL,
		VaultFee:       market.VaultFee,
		Bump:           bump,
	})
}

// CreateArtwork publishes display metadata positions can bind their keys to.
func (b *Batch) CreateArtwork(signer solana.PublicKey, artworkID uint64, name, imageURI string) (solana.PublicKey, error) {
	if artworkID == 0 {
		return solana.PublicKey{}, fmt.Errorf("%w: artwork id 0 is reserved", errs.InvalidAccount)
	}
	if _, _, err := b.requireProtocolAdmin(signer); err != nil {
		return solana.PublicKey{}, err
	}
	key, bump, err := keyvault.DeriveArtworkPDA(b.p.id, artworkID)
	if err != nil {
		return key, err
	}
	return key, b.create(signer, key, keyvault.Artwork{ArtworkId: artworkID, Name: name, ImageUri: imageURI, Bump: bump})
}

// CloseArtwork removes an artwork record. Positions still bound to it fall
// back to default key metadata.
func (b *Batch) CloseArtwork(signer solana.PublicKey, artworkID uint64) error {
	if _, _, err := b.requireProtocolAdmin(signer); err != nil {
		return err
	}
	key, _, err := keyvault.DeriveArtworkPDA(b.p.id, artworkID)
	if err != nil {
		return err
	}
	if _, err := b.load(key, "artwork"); err != nil {
		return err
	}
	_, err = b.tx.CloseAccount(key, signer)
	return err
}

func (p *Program) InitializeConfig(payer, admin solana.PublicKey) (key solana.PublicKey, err error) {
	err = p.run("initialize_config", func(b *Batch) error {
		key, err = b.InitializeConfig(payer, admin)
		return err
	}, "admin", admin)
	return key, err
}

func (p *Program) TransferAdmin(signer, newAdmin solana.PublicKey) error {
	return p.run("transfer_admin", func(b *Batch) error {
		return b.TransferAdmin(signer, newAdmin)
	}, "new_admin", newAdmin)
}

func (p *Program) AcceptAdmin(signer solana.PublicKey) error {
	return p.run("accept_admin", func(b *Batch) error {
		return b.AcceptAdmin(signer)
	}, "admin", signer)
}

func (p *Program) SetCollection(signer, collection solana.PublicKey) error {
	return p.run("set_collection", func(b *Batch) error {
		return b.SetCollection(signer, collection)
	}, "collection", collection)
}

func (p *Program) CreateMarketConfig(signer solana.PublicKey, market protocol.MarketAccounts) (key solana.PublicKey, err error) {
	err = p.run("create_market_config", func(b *Batch) error {
		key, err = b.CreateMarketConfig(signer, market)
		return err
	}, "market_meta", market.MarketMeta)
	return key, err
}

func (p *Program) CreateArtwork(signer solana.PublicKey, artworkID uint64, name, imageURI string) (key solana.PublicKey, err error) {
	err = p.run("create_artwork", func(b *Batch) error {
		key, err = b.CreateArtwork(signer, artworkID, name, imageURI)
		return err
	}, "artwork_id", artworkID)
	return key, err
}

func (p *Program) CloseArtwork(signer solana.PublicKey, artworkID uint64) error {
	return p.run("close_artwork", func(b *Batch) error {
		return b.CloseArtwork(signer, artworkID)
	}, "artwork_id", artworkID)
}
