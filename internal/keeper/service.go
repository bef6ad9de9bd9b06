// Package keeper runs the reinvest bot: on every tick it reads each managed
// position's protocol counters and, when borrow capacity has grown past the
// configured threshold, submits a reinvest signed with a delegated key.
package keeper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/coldbell/keyvault/backend/internal/metrics"
	"github.com/coldbell/keyvault/backend/internal/program"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const bpsDenom = uint64(10_000)

type Outcome string

const (
	OutcomeSent            Outcome = "sent"
	OutcomeNotBootstrapped Outcome = "not_bootstrapped"
	OutcomeBelowMinimum    Outcome = "below_minimum"
	OutcomeSpreadTooWide   Outcome = "spread_too_wide"
	OutcomeFailed          Outcome = "failed"
)

type Result struct {
	Position  solana.PublicKey
	Outcome   Outcome
	Capacity  uint64
	SpreadBps uint64
	Signature solana.Signature
	Err       error
}

type Options struct {
	Chain  Chain
	Signer solana.PublicKey
	// Clock defaults to the real clock.
	Clock  clockwork.Clock
	Logger *slog.Logger
}

type Service struct {
	cfg       config.KeeperConfig
	chain     Chain
	signer    solana.PublicKey
	programID solana.PublicKey
	clock     clockwork.Clock
	limiter   *rate.Limiter
	logger    *slog.Logger
}

type managedPosition struct {
	position solana.PublicKey
	keyAsset solana.PublicKey
}

func New(cfg config.KeeperConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	return NewWithOptions(cfg, Options{
		Chain:  newRPCChain(cfg, signer),
		Signer: signer.PublicKey(),
		Logger: logger,
	}), nil
}

func NewWithOptions(cfg config.KeeperConfig, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	programID := cfg.Programs.KeyVault
	if programID.IsZero() {
		programID = keyvault.ProgramID
	}
	if cfg.Programs.Protocol.IsZero() {
		cfg.Programs.Protocol = protocol.DefaultProgramID
	}
	limit := rate.Inf
	if cfg.MaxTxPerSecond > 0 {
		limit = rate.Limit(cfg.MaxTxPerSecond)
	}
	return &Service{
		cfg:       cfg,
		chain:     opts.Chain,
		signer:    opts.Signer,
		programID: programID,
		clock:     opts.Clock,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    opts.Logger,
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"signer", s.signer,
		"positions", len(s.cfg.Positions),
		"keyvault_program", s.programID,
	)

	s.tick(ctx)

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	results := s.ReinvestOnce(ctx)
	status := "ok"
	for _, r := range results {
		if r.Err != nil {
			status = "error"
			s.logger.Error("reinvest failed", "position", r.Position, "err", r.Err)
		}
	}
	metrics.KeeperTicksTotal.WithLabelValues(status).Inc()
}

// ReinvestOnce walks every managed position in address order and reports
// what happened to each.
func (s *Service) ReinvestOnce(ctx context.Context) []Result {
	managed := make([]managedPosition, 0, len(s.cfg.Positions))
	for position, keyAsset := range s.cfg.Positions {
		managed = append(managed, managedPosition{position: position, keyAsset: keyAsset})
	}
	sort.Slice(managed, func(i, j int) bool {
		return bytes.Compare(managed[i].position[:], managed[j].position[:]) < 0
	})

	results := make([]Result, 0, len(managed))
	for _, m := range managed {
		if ctx.Err() != nil {
			break
		}
		r := s.processPosition(ctx, m)
		if r.Err != nil {
			r.Outcome = OutcomeFailed
		}
		metrics.KeeperReinvestsTotal.WithLabelValues(string(r.Outcome)).Inc()
		if r.Outcome == OutcomeSent {
			metrics.KeeperReinvestedLamports.Add(float64(r.Capacity))
		}
		results = append(results, r)
	}
	return results
}

func (s *Service) processPosition(ctx context.Context, m managedPosition) Result {
	r := Result{Position: m.position}

	pos, err := s.loadPosition(ctx, m.position)
	if err != nil {
		r.Err = err
		return r
	}
	if !pos.Bootstrapped() {
		r.Outcome = OutcomeNotBootstrapped
		return r
	}

	accounts, err := s.loadProtocolAccounts(ctx, m.position, pos.MarketRef)
	if err != nil {
		r.Err = err
		return r
	}
	capacity, feeBps, err := s.borrowCapacity(ctx, accounts)
	if err != nil {
		r.Err = err
		return r
	}
	r.Capacity = capacity
	if capacity == 0 || capacity < s.cfg.MinReinvestLamports {
		r.Outcome = OutcomeBelowMinimum
		return r
	}

	fee, err := protocol.MulDivFloor(capacity, uint64(feeBps), bpsDenom)
	if err != nil {
		r.Err = err
		return r
	}
	if r.SpreadBps, err = protocol.MulDivFloor(fee, bpsDenom, capacity); err != nil {
		r.Err = err
		return r
	}
	if r.SpreadBps > uint64(pos.MaxReinvestSpreadBps) {
		s.logger.Debug("skip reinvest: spread over cap",
			"position", m.position,
			"spread_bps", r.SpreadBps,
			"max_spread_bps", pos.MaxReinvestSpreadBps,
		)
		r.Outcome = OutcomeSpreadTooWide
		return r
	}

	tradeAccounts, err := program.BuildTradeAccounts(s.programID, s.signer, m.keyAsset, m.position, pos.MarketRef, accounts)
	if err != nil {
		r.Err = fmt.Errorf("build trade accounts: %w", err)
		return r
	}
	instructions, err := s.withComputeBudget(keyvault.NewReinvestInstruction(s.programID, tradeAccounts))
	if err != nil {
		r.Err = err
		return r
	}

	if err := s.limiter.Wait(ctx); err != nil {
		r.Err = err
		return r
	}
	sig, err := s.chain.Send(ctx, instructions)
	if err != nil {
		r.Err = fmt.Errorf("send reinvest: %w", err)
		return r
	}
	r.Outcome = OutcomeSent
	r.Signature = sig
	s.logger.Info("reinvest sent",
		"position", m.position,
		"capacity", capacity,
		"spread_bps", r.SpreadBps,
		"signature", sig,
	)
	return r
}

func (s *Service) withComputeBudget(ix solana.Instruction) ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, 3)
	if s.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	return append(instructions, ix), nil
}

func (s *Service) loadPosition(ctx context.Context, key solana.PublicKey) (*keyvault.Position, error) {
	acct, err := s.chain.GetAccount(ctx, key)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, fmt.Errorf("fetch position %s: %w (hint: check KEYVAULT_PROGRAM_ID=%s and KEEPER_POSITIONS_JSON)", key, err, s.programID)
		}
		return nil, fmt.Errorf("fetch position %s: %w", key, err)
	}
	if !acct.Owner.Equals(s.programID) {
		return nil, fmt.Errorf("position %s owned by %s, expected %s", key, acct.Owner, s.programID)
	}
	return keyvault.ParseAccount_Position(acct.Data)
}

func (s *Service) loadProtocolAccounts(ctx context.Context, position, marketRef solana.PublicKey) (protocol.Accounts, error) {
	acct, err := s.chain.GetAccount(ctx, marketRef)
	if err != nil {
		return protocol.Accounts{}, fmt.Errorf("fetch market config %s: %w", marketRef, err)
	}
	mc, err := keyvault.ParseAccount_MarketConfig(acct.Data)
	if err != nil {
		return protocol.Accounts{}, err
	}
	return protocol.ResolveAccounts(s.cfg.Programs.Protocol, position, protocol.MarketAccounts{
		MarketMeta:     mc.MarketMeta,
		MarketGroup:    mc.MarketGroup,
		Market:         mc.Market,
		MarketMetadata: mc.MarketMetadata,
		MintMain:       mc.MintMain,
		MintWSOL:       mc.MintWsol,
		VaultWSOL:      mc.VaultWsol,
		VaultFee:       mc.VaultFee,
	})
}

// borrowCapacity reads the protocol's own counters, which are the source of
// truth for what a reinvest can draw.
func (s *Service) borrowCapacity(ctx context.Context, accounts protocol.Accounts) (uint64, uint16, error) {
	personalAcct, err := s.chain.GetAccount(ctx, accounts.PersonalPosition)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch personal position %s: %w", accounts.PersonalPosition, err)
	}
	personal, err := protocol.DecodePersonalPosition(personalAcct.Data)
	if err != nil {
		return 0, 0, err
	}
	marketAcct, err := s.chain.GetAccount(ctx, accounts.Market.Market)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch market %s: %w", accounts.Market.Market, err)
	}
	market, err := protocol.DecodeMarket(marketAcct.Data)
	if err != nil {
		return 0, 0, err
	}
	floor, err := market.FloorPriceLamports()
	if err != nil {
		return 0, 0, err
	}
	capacity, err := protocol.BorrowCapacity(personal.DepositedShares, floor, personal.Debt)
	if err != nil {
		return 0, 0, err
	}
	return capacity, market.BorrowFeeBps, nil
}
