// Package indexer mirrors key vault program accounts into Postgres. Each sync
// pass scans the program's account types concurrently, reads the protocol
// counters behind every bootstrapped position, and replaces the indexed
// state in one transaction.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/coldbell/keyvault/backend/internal/metrics"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	cfg    config.IndexerConfig
	source Source
	store  *Store
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return NewWithSource(cfg, newRPCSource(cfg, logger), store, logger), nil
}

// NewWithSource builds a service over any chain source. store may be nil when
// only Collect is used.
func NewWithSource(cfg config.IndexerConfig, source Source, store *Store, logger *slog.Logger) *Service {
	if cfg.Programs.KeyVault.IsZero() {
		cfg.Programs.KeyVault = keyvault.ProgramID
	}
	if cfg.Programs.Protocol.IsZero() {
		cfg.Programs.Protocol = protocol.DefaultProgramID
	}
	if cfg.ScanConcurrency <= 0 {
		cfg.ScanConcurrency = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		cfg:    cfg,
		source: source,
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"db_driver", "postgres",
		"commitment", s.cfg.Commitment,
		"keyvault_program", s.cfg.Programs.KeyVault,
		"scan_concurrency", s.cfg.ScanConcurrency,
	)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.Chan():
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

func (s *Service) syncOnce(ctx context.Context) error {
	start := s.clock.Now()
	snap, err := s.Collect(ctx)
	if err == nil {
		err = s.store.SaveSnapshot(ctx, snap)
	}
	metrics.IndexerSyncDuration.Observe(s.clock.Since(start).Seconds())
	if err != nil {
		metrics.IndexerSyncTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.IndexerSyncTotal.WithLabelValues("ok").Inc()

	counts := snap.counts()
	for kind, n := range counts {
		metrics.IndexerAccounts.WithLabelValues(kind).Set(float64(n))
	}
	s.logger.Info(
		"sync complete",
		"slot", snap.Slot,
		"positions", counts["positions"],
		"keys", counts["keys"],
		"promos", counts["promos"],
		"claim_receipts", counts["claim_receipts"],
		"resources", counts["resources"],
		"elapsed", s.clock.Since(start).Round(time.Millisecond).String(),
	)
	return nil
}

type accountScan struct {
	accountType   string
	discriminator [8]byte
	accounts      []KeyedAccount
}

// Collect reads one consistent-enough view of the program. Account types are
// fetched in parallel; decoding happens afterwards on one goroutine.
func (s *Service) Collect(ctx context.Context) (*Snapshot, error) {
	slot, err := s.source.GetSlot(ctx)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}

	scans := []*accountScan{
		{accountType: "ProtocolConfig", discriminator: keyvault.Account_ProtocolConfig},
		{accountType: "MarketConfig", discriminator: keyvault.Account_MarketConfig},
		{accountType: "Artwork", discriminator: keyvault.Account_Artwork},
		{accountType: "Position", discriminator: keyvault.Account_Position},
		{accountType: "KeyState", discriminator: keyvault.Account_KeyState},
		{accountType: "PromoConfig", discriminator: keyvault.Account_PromoConfig},
		{accountType: "ClaimReceipt", discriminator: keyvault.Account_ClaimReceipt},
	}
	programID := s.cfg.Programs.KeyVault

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ScanConcurrency)
	for _, scan := range scans {
		g.Go(func() error {
			accounts, err := s.source.GetProgramAccounts(gctx, programID, scan.discriminator)
			if err != nil {
				return fmt.Errorf("scan %s accounts for program %s: %w", scan.accountType, programID, err)
			}
			scan.accounts = accounts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &Snapshot{Slot: slot}
	markets := map[solana.PublicKey]*keyvault.MarketConfig{}
	for _, scan := range scans {
		for _, item := range scan.accounts {
			if err := s.decode(snap, markets, scan.accountType, item); err != nil {
				s.logger.Warn("failed to index account",
					"program", programID,
					"account_type", scan.accountType,
					"pubkey", item.Pubkey,
					"slot", slot,
					"err", err,
				)
			}
		}
	}

	if err := s.loadExternalState(ctx, snap, markets); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Service) decode(snap *Snapshot, markets map[solana.PublicKey]*keyvault.MarketConfig, accountType string, item KeyedAccount) error {
	resource := func(payload any) {
		snap.Resources = append(snap.Resources, ResourceSnapshot{
			Pubkey:      item.Pubkey,
			ProgramID:   s.cfg.Programs.KeyVault,
			Owner:       item.Owner,
			Lamports:    item.Lamports,
			AccountType: accountType,
			Payload:     payload,
		})
	}

	switch accountType {
	case "ProtocolConfig":
		payload, err := keyvault.ParseAccount_ProtocolConfig(item.Data)
		if err != nil {
			return err
		}
		resource(payload)
	case "MarketConfig":
		payload, err := keyvault.ParseAccount_MarketConfig(item.Data)
		if err != nil {
			return err
		}
		markets[item.Pubkey] = payload
		resource(payload)
	case "Artwork":
		payload, err := keyvault.ParseAccount_Artwork(item.Data)
		if err != nil {
			return err
		}
		resource(payload)
	case "Position":
		payload, err := keyvault.ParseAccount_Position(item.Data)
		if err != nil {
			return err
		}
		snap.Positions = append(snap.Positions, PositionSnapshot{Pubkey: item.Pubkey, Lamports: item.Lamports, Account: payload})
	case "KeyState":
		payload, err := keyvault.ParseAccount_KeyState(item.Data)
		if err != nil {
			return err
		}
		snap.Keys = append(snap.Keys, KeySnapshot{Pubkey: item.Pubkey, State: payload})
	case "PromoConfig":
		payload, err := keyvault.ParseAccount_PromoConfig(item.Data)
		if err != nil {
			return err
		}
		snap.Promos = append(snap.Promos, PromoSnapshot{Pubkey: item.Pubkey, Promo: payload})
	case "ClaimReceipt":
		payload, err := keyvault.ParseAccount_ClaimReceipt(item.Data)
		if err != nil {
			return err
		}
		snap.Claims = append(snap.Claims, ClaimSnapshot{Pubkey: item.Pubkey, Receipt: payload})
	default:
		return fmt.Errorf("unknown account type %q", accountType)
	}
	return nil
}

// loadExternalState fills in protocol counters for bootstrapped positions
// with three reads per position batched into one request set.
func (s *Service) loadExternalState(ctx context.Context, snap *Snapshot, markets map[solana.PublicKey]*keyvault.MarketConfig) error {
	type pending struct {
		index    int
		accounts protocol.Accounts
	}
	var todo []pending
	var keys []solana.PublicKey
	for i := range snap.Positions {
		p := &snap.Positions[i]
		if !p.Account.Bootstrapped() {
			continue
		}
		mc, ok := markets[p.Account.MarketRef]
		if !ok {
			s.logger.Warn("position references unknown market config", "position", p.Pubkey, "market_config", p.Account.MarketRef)
			continue
		}
		accounts, err := protocol.ResolveAccounts(s.cfg.Programs.Protocol, p.Pubkey, protocol.MarketAccounts{
			MarketMeta:     mc.MarketMeta,
			MarketGroup:    mc.MarketGroup,
			Market:         mc.Market,
			MarketMetadata: mc.MarketMetadata,
			MintMain:       mc.MintMain,
			MintWSOL:       mc.MintWsol,
			VaultWSOL:      mc.VaultWsol,
			VaultFee:       mc.VaultFee,
		})
		if err != nil {
			return fmt.Errorf("resolve protocol accounts for %s: %w", p.Pubkey, err)
		}
		todo = append(todo, pending{index: i, accounts: accounts})
		keys = append(keys, accounts.PersonalPosition, accounts.Market.Market, accounts.UserWSOL)
	}
	if len(todo) == 0 {
		return nil
	}

	fetched, err := s.source.GetMultipleAccounts(ctx, keys)
	if err != nil {
		return fmt.Errorf("fetch protocol accounts: %w", err)
	}
	for n, item := range todo {
		p := &snap.Positions[item.index]
		ext, err := externalState(item.accounts, fetched[3*n], fetched[3*n+1], fetched[3*n+2])
		if err != nil {
			s.logger.Warn("failed to read protocol state", "position", p.Pubkey, "err", err)
			continue
		}
		p.External = ext
	}
	return nil
}

func externalState(accounts protocol.Accounts, personalAcct, marketAcct, fundingAcct *KeyedAccount) (*ExternalState, error) {
	if personalAcct == nil {
		return nil, fmt.Errorf("personal position %s missing", accounts.PersonalPosition)
	}
	if marketAcct == nil {
		return nil, fmt.Errorf("market %s missing", accounts.Market.Market)
	}
	personal, err := protocol.DecodePersonalPosition(personalAcct.Data)
	if err != nil {
		return nil, err
	}
	market, err := protocol.DecodeMarket(marketAcct.Data)
	if err != nil {
		return nil, err
	}
	floor, err := market.FloorPriceLamports()
	if err != nil {
		return nil, err
	}
	capacity, err := protocol.BorrowCapacity(personal.DepositedShares, floor, personal.Debt)
	if err != nil {
		return nil, err
	}
	ext := &ExternalState{
		PersonalPosition: accounts.PersonalPosition,
		DepositedShares:  personal.DepositedShares,
		Debt:             personal.Debt,
		FloorPrice:       floor,
		BorrowCapacity:   capacity,
		BorrowFeeBps:     market.BorrowFeeBps,
	}
	if fundingAcct != nil {
		ext.FundingBalance = protocol.WrappedLamports(fundingAcct.Lamports)
	}
	return ext, nil
}
