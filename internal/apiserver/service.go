// Package apiserver serves the indexed key vault state over HTTP and a
// polling websocket feed.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coldbell/keyvault/backend/internal/config"
	"github.com/coldbell/keyvault/backend/internal/indexer"
	"github.com/coldbell/keyvault/backend/internal/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Store is the read side of the indexer database.
type Store interface {
	ListPositions(ctx context.Context, filter indexer.PositionFilter) ([]indexer.PositionRecord, int, int, error)
	GetPosition(ctx context.Context, pubkey string) (*indexer.PositionRecord, error)
	ListPositionHistory(ctx context.Context, filter indexer.PositionHistoryFilter) ([]indexer.PositionHistoryRecord, int, int, error)
	ListKeys(ctx context.Context, filter indexer.KeyFilter) ([]indexer.KeyRecord, int, int, error)
	ListPromos(ctx context.Context, filter indexer.PromoFilter) ([]indexer.PromoRecord, int, int, error)
	ListClaims(ctx context.Context, filter indexer.ClaimFilter) ([]indexer.ClaimRecord, int, int, error)
	GetSystemStatus(ctx context.Context) (indexer.SystemStatus, error)
	Close() error
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            Store
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return NewWithStore(cfg, store, logger), nil
}

func NewWithStore(cfg config.APIServerConfig, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", s.instrument("healthz", s.handleHealth))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/v1/positions", s.instrument("positions", s.handlePositions))
	mux.Handle("/api/v1/positions/", s.instrument("position", s.handlePosition))
	mux.Handle("/api/v1/position-history", s.instrument("position_history", s.handlePositionHistory))
	mux.Handle("/api/v1/keys", s.instrument("keys", s.handleKeys))
	mux.Handle("/api/v1/promos", s.instrument("promos", s.handlePromos))
	mux.Handle("/api/v1/claims", s.instrument("claims", s.handleClaims))
	mux.Handle("/api/v1/system/status", s.instrument("system_status", s.handleSystemStatus))
	mux.HandleFunc("/ws", s.handleWebsocket)
	return s.withCORS(mux)
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	adminToken, err := parseOptionalPubkey(r, "admin_token")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	bootstrapped, err := parseOptionalBool(r, "bootstrapped")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, ok := s.parsePage(w, r)
	if !ok {
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListPositions(r.Context(), indexer.PositionFilter{
		AdminToken:   adminToken,
		Bootstrapped: bootstrapped,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		s.logger.Error("list positions failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	views := make([]positionView, 0, len(items))
	for _, item := range items {
		views = append(views, newPositionView(item))
	}
	s.respondJSON(w, http.StatusOK, listResponse[positionView]{
		Items:  views,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handlePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/positions/"), "/")
	pubkey, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid position %q", raw))
		return
	}

	item, err := s.store.GetPosition(r.Context(), pubkey.String())
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "position not found")
			return
		}
		s.logger.Error("get position failed", "position", pubkey, "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get position")
		return
	}
	s.respondJSON(w, http.StatusOK, newPositionView(*item))
}

func (s *Service) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	position, err := parseOptionalPubkey(r, "position")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, ok := s.parsePage(w, r)
	if !ok {
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListPositionHistory(r.Context(), indexer.PositionHistoryFilter{
		Position: position,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list position history failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse[indexer.PositionHistoryRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	position, err := parseOptionalPubkey(r, "position")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseOptionalPubkey(r, "asset")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, ok := s.parsePage(w, r)
	if !ok {
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListKeys(r.Context(), indexer.KeyFilter{
		Position: position,
		Asset:    asset,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list keys failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse[indexer.KeyRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handlePromos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	position, err := parseOptionalPubkey(r, "position")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	active, err := parseOptionalBool(r, "active")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, ok := s.parsePage(w, r)
	if !ok {
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListPromos(r.Context(), indexer.PromoFilter{
		Position: position,
		Active:   active,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list promos failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list promos")
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse[indexer.PromoRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleClaims(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	promo, err := parseOptionalPubkey(r, "promo")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	claimer, err := parseOptionalPubkey(r, "claimer")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, ok := s.parsePage(w, r)
	if !ok {
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListClaims(r.Context(), indexer.ClaimFilter{
		Promo:   promo,
		Claimer: claimer,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.logger.Error("list claims failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list claims")
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse[indexer.ClaimRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	status, err := s.store.GetSystemStatus(r.Context())
	if err != nil {
		s.logger.Error("get system status failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get system status")
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Service) instrument(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

func (s *Service) parsePage(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	return limit, offset, true
}

func parseOptionalPubkey(r *http.Request, key string) (string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return "", nil
	}
	pubkey, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", key, err)
	}
	return pubkey.String(), nil
}

func parseOptionalBool(r *http.Request, key string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &value, nil
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
