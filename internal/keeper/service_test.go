package keeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/keyvault/backend/internal/access"
	"github.com/coldbell/keyvault/backend/internal/anchor/keyvault"
	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/coldbell/keyvault/backend/internal/program"
	"github.com/coldbell/keyvault/backend/internal/program/programtest"
	"github.com/coldbell/keyvault/backend/internal/protocol"
	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sol uint64 = protocol.LamportsPerSOL

// localChain executes sends directly against an in-memory program.
type localChain struct {
	mu      sync.Mutex
	program *program.Program
	signer  solana.PublicKey
	sent    [][]solana.Instruction
	sendErr error
}

func (c *localChain) GetAccount(_ context.Context, key solana.PublicKey) (*AccountInfo, error) {
	acct, ok := c.program.Ledger().Account(key)
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &AccountInfo{Owner: acct.Owner, Lamports: acct.Lamports, Data: acct.Data}, nil
}

func (c *localChain) Send(_ context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, instructions)
	if c.sendErr != nil {
		return solana.Signature{}, c.sendErr
	}
	for _, ix := range instructions {
		if ix.ProgramID().Equals(solana.ComputeBudget) {
			continue
		}
		if _, err := c.program.Execute(ix, []solana.PublicKey{c.signer}); err != nil {
			return solana.Signature{}, err
		}
	}
	var sig solana.Signature
	sig[0] = byte(len(c.sent))
	return sig, nil
}

func (c *localChain) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type harness struct {
	*programtest.Env
	t      *testing.T
	chain  *localChain
	bot    solana.PublicKey
	botKey solana.PublicKey
}

func newHarness(t *testing.T, borrowFeeBps, spreadBps uint16) *harness {
	t.Helper()
	return newHarnessWithOptions(t, programtest.Options{
		BorrowFeeBps: borrowFeeBps,
		SpreadBps:    spreadBps,
		Deposit:      10 * sol,
	})
}

func newHarnessWithOptions(t *testing.T, opts programtest.Options) *harness {
	t.Helper()
	env := programtest.New(t, opts)
	h := &harness{Env: env, t: t, bot: programtest.Wallet()}
	h.chain = &localChain{program: env.Program, signer: h.bot}
	h.botKey = env.Delegate(h.bot, program.KeyParams{Permissions: access.Reinvest})
	return h
}

func (h *harness) config(positions map[solana.PublicKey]solana.PublicKey) config.KeeperConfig {
	return config.KeeperConfig{
		PollInterval:                  time.Minute,
		ComputeUnitLimit:              200_000,
		ComputeUnitPriceMicroLamports: 1_000,
		MinReinvestLamports:           sol / 100,
		Positions:                     positions,
		Programs: config.ProgramIDs{
			KeyVault: h.Program.ID(),
			Protocol: h.Program.ProtocolID(),
			Asset:    h.Program.AssetProgramID(),
		},
	}
}

func (h *harness) service(cfg config.KeeperConfig, clock clockwork.Clock) *Service {
	return NewWithOptions(cfg, Options{Chain: h.chain, Signer: h.bot, Clock: clock})
}

func TestReinvestOnce_SendsReinvest(t *testing.T) {
	h := newHarness(t, 100, 150)
	svc := h.service(h.config(map[solana.PublicKey]solana.PublicKey{h.Position: h.botKey}), nil)

	results := svc.ReinvestOnce(context.Background())
	require.Len(t, results, 1)
	r := results[0]
	require.NoError(t, r.Err)
	require.Equal(t, OutcomeSent, r.Outcome)
	require.Equal(t, 10*sol, r.Capacity)
	require.Equal(t, uint64(100), r.SpreadBps)

	require.Equal(t, 1, h.chain.sentCount())
	sent := h.chain.sent[0]
	require.Len(t, sent, 3)
	require.True(t, sent[0].ProgramID().Equals(solana.ComputeBudget))
	require.True(t, sent[1].ProgramID().Equals(solana.ComputeBudget))
	require.True(t, sent[2].ProgramID().Equals(h.Program.ID()))

	st := h.Status()
	require.Equal(t, 10*sol, st.Debt)
	require.Equal(t, 10*sol+9_900_000_000, st.DepositedValue)
}

func TestReinvestOnce_TargetsConfiguredDeployment(t *testing.T) {
	deployment := programtest.Wallet()
	h := newHarnessWithOptions(t, programtest.Options{
		BorrowFeeBps: 100,
		SpreadBps:    150,
		Deposit:      10 * sol,
		ProgramID:    deployment,
	})
	require.Equal(t, deployment, h.Program.ID())

	results := h.service(h.config(map[solana.PublicKey]solana.PublicKey{h.Position: h.botKey}), nil).ReinvestOnce(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, OutcomeSent, results[0].Outcome)

	sent := h.chain.sent[0]
	reinvest := sent[len(sent)-1]
	assert.Equal(t, deployment, reinvest.ProgramID())
	assert.NotEqual(t, keyvault.ProgramID, reinvest.ProgramID())
	assert.Equal(t, 10*sol, h.Status().Debt)
}

func TestReinvestOnce_OmitsUnsetComputeBudget(t *testing.T) {
	h := newHarness(t, 0, 0)
	cfg := h.config(map[solana.PublicKey]solana.PublicKey{h.Position: h.botKey})
	cfg.ComputeUnitLimit = 0
	cfg.ComputeUnitPriceMicroLamports = 0

	results := h.service(cfg, nil).ReinvestOnce(context.Background())
	require.Equal(t, OutcomeSent, results[0].Outcome)
	require.Len(t, h.chain.sent[0], 1)
	require.Equal(t, 10*sol, h.Status().Debt)
}

func TestReinvestOnce_Skips(t *testing.T) {
	t.Run("spread over the position cap", func(t *testing.T) {
		h := newHarness(t, 100, 50)
		results := h.service(h.config(map[solana.PublicKey]solana.PublicKey{h.Position: h.botKey}), nil).
			ReinvestOnce(context.Background())
		require.Equal(t, OutcomeSpreadTooWide, results[0].Outcome)
		require.NoError(t, results[0].Err)
		require.Zero(t, h.chain.sentCount())
		require.Zero(t, h.Status().Debt)
	})

	t.Run("capacity below the minimum", func(t *testing.T) {
		h := newHarness(t, 0, 0)
		cfg := h.config(map[solana.PublicKey]solana.PublicKey{h.Position: h.botKey})
		cfg.MinReinvestLamports = 11 * sol
		results := h.service(cfg, nil).ReinvestOnce(context.Background())
		require.Equal(t, OutcomeBelowMinimum, results[0].Outcome)
		require.Equal(t, 10*sol, results[0].Capacity)
		require.Zero(t, h.chain.sentCount())
	})

	t.Run("position not bootstrapped", func(t *testing.T) {
		h := newHarness(t, 0, 0)
		fresh, _ := h.CreatePosition(0)
		results := h.service(h.config(map[solana.PublicKey]solana.PublicKey{fresh: h.botKey}), nil).
			ReinvestOnce(context.Background())
		require.Equal(t, OutcomeNotBootstrapped, results[0].Outcome)
		require.Zero(t, h.chain.sentCount())
	})
}

func TestReinvestOnce_Failures(t *testing.T) {
	h := newHarness(t, 0, 0)
	missing := solana.NewWallet().PublicKey()
	cfg := h.config(map[solana.PublicKey]solana.PublicKey{
		missing:    h.botKey,
		h.Position: h.botKey,
	})

	results := h.service(cfg, nil).ReinvestOnce(context.Background())
	require.Len(t, results, 2)
	byPosition := map[solana.PublicKey]Result{}
	for _, r := range results {
		byPosition[r.Position] = r
	}
	require.Equal(t, OutcomeFailed, byPosition[missing].Outcome)
	require.ErrorIs(t, byPosition[missing].Err, ErrAccountNotFound)
	require.Equal(t, OutcomeSent, byPosition[h.Position].Outcome)

	h.chain.sendErr = errors.New("blockhash not found")
	results = h.service(h.config(map[solana.PublicKey]solana.PublicKey{h.Position: h.botKey}), nil).
		ReinvestOnce(context.Background())
	require.Equal(t, OutcomeFailed, results[0].Outcome)
	require.ErrorContains(t, results[0].Err, "blockhash not found")
}

func TestReinvestOnce_WrongKeyIsRejectedOnChain(t *testing.T) {
	h := newHarness(t, 0, 0)
	results := h.service(h.config(map[solana.PublicKey]solana.PublicKey{h.Position: h.AdminKey}), nil).
		ReinvestOnce(context.Background())
	require.Equal(t, OutcomeFailed, results[0].Outcome)
	require.Error(t, results[0].Err)
	require.Zero(t, h.Status().Debt)
}

func TestRun_TicksOnClock(t *testing.T) {
	h := newHarness(t, 0, 0)
	clock := clockwork.NewFakeClock()
	svc := h.service(h.config(map[solana.PublicKey]solana.PublicKey{h.Position: h.botKey}), clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return h.chain.sentCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	h.Ledger.Advance(1, 60)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return h.chain.sentCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
