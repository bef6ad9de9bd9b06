package indexer

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"WHERE a = ? AND b = ?", "WHERE a = $1 AND b = $2"},
		{"WHERE a = '?' AND b = ?", "WHERE a = '?' AND b = $1"},
		{"WHERE a = 'it''s ?' AND b = ?", "WHERE a = 'it''s ?' AND b = $1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rebindPostgresPlaceholders(tt.in))
	}
}

func TestNormalizePagination(t *testing.T) {
	limit, offset := normalizePagination(0, -5)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Equal(t, 0, offset)

	limit, offset = normalizePagination(10_000, 20)
	assert.Equal(t, maxPageLimit, limit)
	assert.Equal(t, 20, offset)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("keyvault"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	store, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_SaveSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	e := newIndexerEnv(t, store)

	status, err := store.GetSystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, SystemStatus{}, status)

	require.NoError(t, e.service.syncOnce(ctx))

	positions, limit, offset, err := store.ListPositions(ctx, PositionFilter{})
	require.NoError(t, err)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Equal(t, 0, offset)
	require.Len(t, positions, 2)

	got, err := store.GetPosition(ctx, e.Position.String())
	require.NoError(t, err)
	assert.True(t, got.Bootstrapped)
	assert.Equal(t, "10000000000", got.DepositedValue)
	assert.Equal(t, "2000000000", got.Debt)
	assert.Equal(t, "8000000000", got.BorrowCapacity)
	assert.Equal(t, strconv.FormatUint(e.Status().FundingBalance, 10), got.FundingBalance)
	assert.Equal(t, uint16(150), got.MaxReinvestSpreadBps)
	assert.Equal(t, e.AdminKey.String(), got.CurrentAdminToken)

	bootstrapped := false
	idle, _, _, err := store.ListPositions(ctx, PositionFilter{Bootstrapped: &bootstrapped})
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, e.idle.String(), idle[0].Pubkey)

	_, err = store.GetPosition(ctx, e.holder.String())
	require.ErrorIs(t, err, ErrNotFound)

	keys, _, _, err := store.ListKeys(ctx, KeyFilter{Asset: e.key.String()})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "sell|limited_sell", keys[0].PermissionNames)
	assert.Equal(t, "1000000000", keys[0].SellCapacity)

	active := true
	promos, _, _, err := store.ListPromos(ctx, PromoFilter{Position: e.Position.String(), Active: &active})
	require.NoError(t, err)
	require.Len(t, promos, 1)
	assert.Equal(t, uint64(7), promos[0].PromoID)
	assert.Equal(t, "1", promos[0].ClaimsCount)

	claims, _, _, err := store.ListClaims(ctx, ClaimFilter{Promo: e.promo.String()})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, e.claimer.String(), claims[0].Claimer)

	status, err = store.GetSystemStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Synced)
	assert.Equal(t, e.Ledger.Clock().Slot, status.LastIndexedSlot)
	assert.Equal(t, int64(2), status.Positions)
	assert.Equal(t, int64(2), status.Keys)
	assert.Equal(t, int64(1), status.ActivePromos)
}

func TestStore_HistoryAndPruning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	e := newIndexerEnv(t, store)
	require.NoError(t, e.service.syncOnce(ctx))

	_, err := e.Program.Repay(e.Owner, e.AdminKey, e.Position, sol)
	require.NoError(t, err)
	_, err = e.Program.RevokeKey(e.Owner, e.AdminKey, e.Position, e.key)
	require.NoError(t, err)
	e.Ledger.Advance(5, 2)
	require.NoError(t, e.service.syncOnce(ctx))

	// A pass with nothing changed adds no history.
	e.Ledger.Advance(5, 2)
	require.NoError(t, e.service.syncOnce(ctx))

	history, _, _, err := store.ListPositionHistory(ctx, PositionHistoryFilter{Position: e.Position.String()})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "update", history[0].EventType)
	assert.Equal(t, "2000000000", history[0].PrevDebt)
	assert.Equal(t, "1000000000", history[0].NextDebt)
	assert.Equal(t, "snapshot", history[1].EventType)
	assert.Equal(t, "0", history[1].PrevDebt)

	keys, _, _, err := store.ListKeys(ctx, KeyFilter{Position: e.Position.String()})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, e.claimKey.String(), keys[0].Asset)
}

func TestStore_SaveSnapshotFromLaggingNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	e := newIndexerEnv(t, store)
	e.Ledger.Advance(5, 2)
	require.NoError(t, e.service.syncOnce(ctx))
	synced := e.Ledger.Clock().Slot

	_, err := e.Program.RevokeKey(e.Owner, e.AdminKey, e.Position, e.key)
	require.NoError(t, err)
	snap, err := e.service.Collect(ctx)
	require.NoError(t, err)
	snap.Slot = synced - 3
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	status, err := store.GetSystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, synced, status.LastIndexedSlot)

	keys, _, _, err := store.ListKeys(ctx, KeyFilter{Position: e.Position.String()})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, e.claimKey.String(), keys[0].Asset)
}
