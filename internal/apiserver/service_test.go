package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/coldbell/keyvault/backend/internal/indexer"
	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu sync.Mutex

	positions []indexer.PositionRecord
	keys      []indexer.KeyRecord
	promos    []indexer.PromoRecord
	claims    []indexer.ClaimRecord
	history   []indexer.PositionHistoryRecord
	status    indexer.SystemStatus
	err       error

	lastPositionFilter indexer.PositionFilter
	lastKeyFilter      indexer.KeyFilter
	lastPromoFilter    indexer.PromoFilter
	lastClaimFilter    indexer.ClaimFilter
}

func (f *fakeStore) ListPositions(_ context.Context, filter indexer.PositionFilter) ([]indexer.PositionRecord, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPositionFilter = filter
	return f.positions, 50, filter.Offset, f.err
}

func (f *fakeStore) GetPosition(_ context.Context, pubkey string) (*indexer.PositionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, p := range f.positions {
		if p.Pubkey == pubkey {
			out := p
			return &out, nil
		}
	}
	return nil, indexer.ErrNotFound
}

func (f *fakeStore) ListPositionHistory(_ context.Context, filter indexer.PositionHistoryFilter) ([]indexer.PositionHistoryRecord, int, int, error) {
	return f.history, 50, filter.Offset, f.err
}

func (f *fakeStore) ListKeys(_ context.Context, filter indexer.KeyFilter) ([]indexer.KeyRecord, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKeyFilter = filter
	return f.keys, 50, filter.Offset, f.err
}

func (f *fakeStore) ListPromos(_ context.Context, filter indexer.PromoFilter) ([]indexer.PromoRecord, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPromoFilter = filter
	return f.promos, 50, filter.Offset, f.err
}

func (f *fakeStore) ListClaims(_ context.Context, filter indexer.ClaimFilter) ([]indexer.ClaimRecord, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastClaimFilter = filter
	return f.claims, 50, filter.Offset, f.err
}

func (f *fakeStore) GetSystemStatus(context.Context) (indexer.SystemStatus, error) {
	return f.status, f.err
}

func (f *fakeStore) Close() error { return nil }

var (
	testPosition = solana.NewWallet().PublicKey().String()
	testAsset    = solana.NewWallet().PublicKey().String()
)

func newTestServer(t *testing.T, store *fakeStore, origins ...string) *httptest.Server {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	svc := NewWithStore(config.APIServerConfig{
		StreamInterval: 20 * time.Millisecond,
		AllowedOrigins: origins,
	}, store, nil)
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, &fakeStore{})

	var body healthResponse
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/healthz", &body))
	assert.True(t, body.OK)

	resp, err := http.Post(server.URL+"/healthz", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPositions_ListAndFilters(t *testing.T) {
	store := &fakeStore{positions: []indexer.PositionRecord{{
		Pubkey:         testPosition,
		Bootstrapped:   true,
		DepositedValue: "10500000000",
		Debt:           "2000000000",
		BorrowCapacity: "8000000000",
		FloorPrice:     "1000000000",
	}}}
	server := newTestServer(t, store)

	var body struct {
		Items  []positionView `json:"items"`
		Limit  int            `json:"limit"`
		Offset int            `json:"offset"`
	}
	status := getJSON(t, server.URL+"/api/v1/positions?bootstrapped=true&admin_token="+testAsset+"&offset=5", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "10.5", body.Items[0].DepositedSOL)
	assert.Equal(t, "2", body.Items[0].DebtSOL)
	assert.Equal(t, "8", body.Items[0].BorrowCapacitySOL)
	assert.Equal(t, "10500000000", body.Items[0].DepositedValue)
	assert.Equal(t, 5, body.Offset)

	require.NotNil(t, store.lastPositionFilter.Bootstrapped)
	assert.True(t, *store.lastPositionFilter.Bootstrapped)
	assert.Equal(t, testAsset, store.lastPositionFilter.AdminToken)
}

func TestPositions_BadParams(t *testing.T) {
	server := newTestServer(t, &fakeStore{})

	for _, query := range []string{
		"?bootstrapped=maybe",
		"?admin_token=not-a-key",
		"?limit=ten",
	} {
		var body errorResponse
		assert.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/api/v1/positions"+query, &body), query)
		assert.NotEmpty(t, body.Error, query)
	}
}

func TestPositionDetail(t *testing.T) {
	store := &fakeStore{positions: []indexer.PositionRecord{{Pubkey: testPosition, Debt: "1"}}}
	server := newTestServer(t, store)

	var view positionView
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/v1/positions/"+testPosition, &view))
	assert.Equal(t, testPosition, view.Pubkey)
	assert.Equal(t, "0.000000001", view.DebtSOL)
	assert.Equal(t, "", view.DepositedSOL)

	assert.Equal(t, http.StatusNotFound, getJSON(t, server.URL+"/api/v1/positions/"+testAsset, nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/api/v1/positions/xyz", nil))
}

func TestListEndpoints_PassFilters(t *testing.T) {
	store := &fakeStore{
		keys:   []indexer.KeyRecord{{Pubkey: testAsset, Position: testPosition, PermissionNames: "sell"}},
		promos: []indexer.PromoRecord{{Position: testPosition, PromoID: 7, Active: true}},
		claims: []indexer.ClaimRecord{{Promo: testPosition, Claimer: testAsset}},
	}
	server := newTestServer(t, store)

	var keys listResponse[indexer.KeyRecord]
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/v1/keys?position="+testPosition, &keys))
	require.Len(t, keys.Items, 1)
	assert.Equal(t, "sell", keys.Items[0].PermissionNames)
	assert.Equal(t, testPosition, store.lastKeyFilter.Position)

	var promos listResponse[indexer.PromoRecord]
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/v1/promos?active=false", &promos))
	require.Len(t, promos.Items, 1)
	require.NotNil(t, store.lastPromoFilter.Active)
	assert.False(t, *store.lastPromoFilter.Active)

	var claims listResponse[indexer.ClaimRecord]
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/v1/claims?claimer="+testAsset, &claims))
	require.Len(t, claims.Items, 1)
	assert.Equal(t, testAsset, store.lastClaimFilter.Claimer)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/api/v1/position-history?position=bad", nil))
}

func TestStoreFailureIsInternalError(t *testing.T) {
	server := newTestServer(t, &fakeStore{err: errors.New("db down")})

	var body errorResponse
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, server.URL+"/api/v1/keys", &body))
	assert.Equal(t, "failed to list keys", body.Error)
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, server.URL+"/api/v1/system/status", nil))
}

func TestSystemStatus(t *testing.T) {
	server := newTestServer(t, &fakeStore{status: indexer.SystemStatus{Synced: true, LastIndexedSlot: 42, Positions: 3}})

	var status indexer.SystemStatus
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/api/v1/system/status", &status))
	assert.True(t, status.Synced)
	assert.Equal(t, uint64(42), status.LastIndexedSlot)
	assert.Equal(t, int64(3), status.Positions)
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeStore{})
	getJSON(t, server.URL+"/healthz", nil)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "keyvault_api_requests_total")
}

func TestCORS(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, "https://app.example")

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/v1/positions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialWebsocket(t *testing.T, server *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) websocketEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var envelope websocketEnvelope
	require.NoError(t, conn.ReadJSON(&envelope))
	return envelope
}

func TestWebsocket_SubscribeAndStream(t *testing.T) {
	store := &fakeStore{
		positions: []indexer.PositionRecord{{Pubkey: testPosition, Debt: "3000000000"}},
		status:    indexer.SystemStatus{Synced: true},
	}
	server := newTestServer(t, store)

	conn, _, err := dialWebsocket(t, server, nil)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readEnvelope(t, conn)
	assert.Equal(t, "welcome", welcome.Type)

	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: "position." + testPosition}))
	subscribed := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", subscribed.Type)

	update := readEnvelope(t, conn)
	require.Equal(t, "update", update.Type)
	assert.Equal(t, "position."+testPosition, update.Channel)
	data, ok := update.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "3", data["debt_sol"])
}

func TestWebsocket_RejectsUnknownChannel(t *testing.T) {
	server := newTestServer(t, &fakeStore{})

	conn, _, err := dialWebsocket(t, server, nil)
	require.NoError(t, err)
	defer conn.Close()
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: "orderbook.SOL"}))
	envelope := readEnvelope(t, conn)
	assert.Equal(t, "error", envelope.Type)
	assert.Contains(t, envelope.Error, "unknown channel")

	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: "keys.bad"}))
	envelope = readEnvelope(t, conn)
	assert.Equal(t, "error", envelope.Type)
}

func TestWebsocket_OriginCheck(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, "https://app.example")

	_, resp, err := dialWebsocket(t, server, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
