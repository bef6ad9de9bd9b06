// Package program executes the key vault's instructions against the host
// ledger. Every public call runs in one ledger.Atomic: authorization first,
// then rate limits, then protocol calls, then local accounting, so any error
// leaves no trace.
package program

import (
	"fmt"
	"log/slog"

	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/asset"
	"github.com/coldbell/keyvault/backend/internal/errs"
	"github.com/coldbell/keyvault/backend/internal/ledger"
	"github.com/coldbell/keyvault/backend/internal/metrics"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Invoker performs a cross-program call. signers lists every address that
// signs the call, including derived addresses the program signs for.
type Invoker interface {
	Invoke(tx *ledger.Tx, ix solana.Instruction, signers []solana.PublicKey) error
}

type Options struct {
	ProgramID         solana.PublicKey
	AssetProgramID    solana.PublicKey
	ProtocolProgramID solana.PublicKey
	// Protocol defaults to a simulator for ProtocolProgramID.
	Protocol Invoker
	Logger   *slog.Logger
}

type Program struct {
	ledger     *ledger.Ledger
	id         solana.PublicKey
	assets     *asset.Program
	protocol   Invoker
	protocolID solana.PublicKey
	logger     *slog.Logger
}

func New(l *ledger.Ledger, opts Options) *Program {
	if opts.ProgramID.IsZero() {
		opts.ProgramID = keyvault.ProgramID
	}
	if opts.AssetProgramID.IsZero() {
		opts.AssetProgramID = asset.DefaultProgramID
	}
	if opts.ProtocolProgramID.IsZero() {
		opts.ProtocolProgramID = protocol.DefaultProgramID
	}
	if opts.Protocol == nil {
		opts.Protocol = protocol.NewSimulator(opts.ProtocolProgramID)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Program{
		ledger:     l,
		id:         opts.ProgramID,
		assets:     asset.NewProgram(opts.AssetProgramID),
		protocol:   opts.Protocol,
		protocolID: opts.ProtocolProgramID,
		logger:     logger.With("program", opts.ProgramID.String()),
	}
}

func (p *Program) ID() solana.PublicKey {
	return p.id
}

func (p *Program) ProtocolID() solana.PublicKey {
	return p.protocolID
}

func (p *Program) AssetProgramID() solana.PublicKey {
	return p.assets.ID
}

func (p *Program) Ledger() *ledger.Ledger {
	return p.ledger
}

// Batch runs several operations as one atomic call.
type Batch struct {
	p  *Program
	tx *ledger.Tx
}

func (p *Program) Batch(fn func(b *Batch) error) error {
	return p.ledger.Atomic(func(tx *ledger.Tx) error {
		return fn(&Batch{p: p, tx: tx})
	})
}

// run executes a single operation and logs it once committed.
func (p *Program) run(op string, fn func(b *Batch) error, attrs ...any) error {
	if err := p.Batch(fn); err != nil {
		metrics.ProgramOperationsTotal.WithLabelValues(op, "error").Inc()
		p.logger.Debug("operation failed", append([]any{"op", op, "error", err}, attrs...)...)
		return err
	}
	metrics.ProgramOperationsTotal.WithLabelValues(op, "ok").Inc()
	p.logger.Debug("operation committed", append([]any{"op", op}, attrs...)...)
	return nil
}

func (b *Batch) now() ledger.Clock {
	return b.tx.Clock()
}

// load returns the data of an account this program owns.
func (b *Batch) load(key solana.PublicKey, what string) ([]byte, error) {
	acct, ok := b.tx.Get(key)
	if !ok || len(acct.Data) == 0 {
		return nil, fmt.Errorf("%w: %s %s", errs.AccountNotFound, what, key)
	}
	if !acct.Owner.Equals(b.p.id) {
		return nil, fmt.Errorf("%w: %s %s owned by %s", errs.InvalidAccount, what, key, acct.Owner)
	}
	return acct.Data, nil
}

func (b *Batch) create(payer, key solana.PublicKey, v bin.BinaryMarshaler) error {
	data, err := keyvault.Marshal(v)
	if err != nil {
		return err
	}
	return b.tx.CreateAccount(payer, key, b.p.id, data)
}

func (b *Batch) store(key solana.PublicKey, v bin.BinaryMarshaler) error {
	data, err := keyvault.Marshal(v)
	if err != nil {
		return err
	}
	return b.tx.SetData(key, b.p.id, data)
}

func invalid(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", errs.InvalidAccount, what, err)
}

func (b *Batch) loadConfig() (solana.PublicKey, *keyvault.ProtocolConfig, error) {
	key, _, err := keyvault.DeriveConfigPDA(b.p.id)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	data, err := b.load(key, "protocol config")
	if err != nil {
		return key, nil, err
	}
	cfg, err := keyvault.ParseAccount_ProtocolConfig(data)
	if err != nil {
		return key, nil, invalid("protocol config", err)
	}
	return key, cfg, nil
}

// loadPosition reads the position at key and checks it sits at its derived
// address.
func (b *Batch) loadPosition(key solana.PublicKey) (*keyvault.Position, error) {
	data, err := b.load(key, "position")
	if err != nil {
		return nil, err
	}
	pos, err := keyvault.ParseAccount_Position(data)
	if err != nil {
		return nil, invalid("position", err)
	}
	if _, err := protocol.VerifyDerivedAddress(key, keyvault.PositionSeeds(pos.AuthoritySeed), b.p.id); err != nil {
		return nil, err
	}
	return pos, nil
}

func (b *Batch) loadMarketConfig(key solana.PublicKey) (*keyvault.MarketConfig, error) {
	data, err := b.load(key, "market config")
	if err != nil {
		return nil, err
	}
	mc, err := keyvault.ParseAccount_MarketConfig(data)
	if err != nil {
		return nil, invalid("market config", err)
	}
	return mc, nil
}

func (b *Batch) loadKeyState(assetKey solana.PublicKey) (solana.PublicKey, *keyvault.KeyState, error) {
	key, _, err := keyvault.DeriveKeyStatePDA(b.p.id, assetKey)
	if err != nil {
		return key, nil, err
	}
	data, err := b.load(key, "key state")
	if err != nil {
		return key, nil, err
	}
	ks, err := keyvault.ParseAccount_KeyState(data)
	if err != nil {
		return key, nil, invalid("key state", err)
	}
	return key, ks, nil
}

func (b *Batch) loadPromo(key solana.PublicKey) (*keyvault.PromoConfig, error) {
	data, err := b.load(key, "promo")
	if err != nil {
		return nil, err
	}
	promo, err := keyvault.ParseAccount_PromoConfig(data)
	if err != nil {
		return nil, invalid("promo", err)
	}
	return promo, nil
}

func marketAccounts(mc *keyvault.MarketConfig) protocol.MarketAccounts {
	return protocol.MarketAccounts{
		MarketMeta:     mc.MarketMeta,
		MarketGroup:    mc.MarketGroup,
		Market:         mc.Market,
		MarketMetadata: mc.MarketMetadata,
		MintMain:       mc.MintMain,
		MintWSOL:       mc.MintWsol,
		VaultWSOL:      mc.VaultWsol,
		VaultFee:       mc.VaultFee,
	}
}

// protocolAccounts resolves the protocol account set a position trades with.
func (b *Batch) protocolAccounts(positionKey solana.PublicKey, pos *keyvault.Position) (protocol.Accounts, error) {
	mc, err := b.loadMarketConfig(pos.MarketRef)
	if err != nil {
		return protocol.Accounts{}, err
	}
	return protocol.ResolveAccounts(b.p.protocolID, positionKey, marketAccounts(mc))
}
