package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type PositionFilter struct {
	AdminToken   string
	Bootstrapped *bool
	Limit        int
	Offset       int
}

type PositionRecord struct {
	Pubkey               string `json:"pubkey"`
	AuthoritySeed        string `json:"authority_seed"`
	MarketConfig         string `json:"market_config"`
	ExternalPosition     string `json:"external_position"`
	Bootstrapped         bool   `json:"bootstrapped"`
	DepositedValue       string `json:"deposited_value"`
	Debt                 string `json:"debt"`
	ExternalDeposited    string `json:"external_deposited"`
	ExternalDebt         string `json:"external_debt"`
	FloorPrice           string `json:"floor_price"`
	BorrowCapacity       string `json:"borrow_capacity"`
	FundingBalance       string `json:"funding_balance"`
	MaxReinvestSpreadBps uint16 `json:"max_reinvest_spread_bps"`
	CurrentAdminToken    string `json:"current_admin_token"`
	RecoveryConfigured   bool   `json:"recovery_configured"`
	RecoveryLocked       bool   `json:"recovery_locked"`
	LastAdminActivity    int64  `json:"last_admin_activity"`
	ArtworkID            uint64 `json:"artwork_id"`
	Lamports             uint64 `json:"lamports"`
	Slot                 uint64 `json:"slot"`
	UpdatedAt            int64  `json:"updated_at"`
}

type KeyFilter struct {
	Position string
	Asset    string
	Limit    int
	Offset   int
}

type KeyRecord struct {
	Pubkey            string `json:"pubkey"`
	Position          string `json:"position"`
	Asset             string `json:"asset"`
	Permissions       uint8  `json:"permissions"`
	PermissionNames   string `json:"permission_names"`
	SellCapacity      string `json:"sell_capacity"`
	SellRefillSlots   string `json:"sell_refill_slots"`
	SellLevel         string `json:"sell_level"`
	BorrowCapacity    string `json:"borrow_capacity"`
	BorrowRefillSlots string `json:"borrow_refill_slots"`
	BorrowLevel       string `json:"borrow_level"`
	SellTotalLimit    string `json:"sell_total_limit"`
	SellTotalUsed     string `json:"sell_total_used"`
	BorrowTotalLimit  string `json:"borrow_total_limit"`
	BorrowTotalUsed   string `json:"borrow_total_used"`
	Slot              uint64 `json:"slot"`
	UpdatedAt         int64  `json:"updated_at"`
}

type PromoFilter struct {
	Position string
	Active   *bool
	Limit    int
	Offset   int
}

type PromoRecord struct {
	Pubkey             string `json:"pubkey"`
	Position           string `json:"position"`
	PromoID            uint64 `json:"promo_id"`
	Name               string `json:"name"`
	ImageURI           string `json:"image_uri"`
	Permissions        uint8  `json:"permissions"`
	PermissionNames    string `json:"permission_names"`
	MinDepositLamports string `json:"min_deposit_lamports"`
	MaxClaims          string `json:"max_claims"`
	ClaimsCount        string `json:"claims_count"`
	Active             bool   `json:"active"`
	Slot               uint64 `json:"slot"`
	UpdatedAt          int64  `json:"updated_at"`
}

type ClaimFilter struct {
	Promo   string
	Claimer string
	Limit   int
	Offset  int
}

type ClaimRecord struct {
	Pubkey        string `json:"pubkey"`
	Promo         string `json:"promo"`
	Claimer       string `json:"claimer"`
	Asset         string `json:"asset"`
	ClaimedAtSlot uint64 `json:"claimed_at_slot"`
	Slot          uint64 `json:"slot"`
	UpdatedAt     int64  `json:"updated_at"`
}

type PositionHistoryFilter struct {
	Position string
	Limit    int
	Offset   int
}

type PositionHistoryRecord struct {
	ID                 int64  `json:"id"`
	PositionPubkey     string `json:"position_pubkey"`
	EventType          string `json:"event_type"`
	PrevDepositedValue string `json:"prev_deposited_value"`
	PrevDebt           string `json:"prev_debt"`
	NextDepositedValue string `json:"next_deposited_value"`
	NextDebt           string `json:"next_debt"`
	Slot               uint64 `json:"slot"`
	RecordedAt         int64  `json:"recorded_at"`
}

// staleSyncSeconds is how old the last sync may be before the indexer is
// reported as behind.
const staleSyncSeconds = 60

type SystemStatus struct {
	Synced          bool   `json:"synced"`
	LastIndexedSlot uint64 `json:"last_indexed_slot"`
	IndexerLagMS    int64  `json:"indexer_lag_ms"`
	Positions       int64  `json:"positions"`
	Keys            int64  `json:"keys"`
	ActivePromos    int64  `json:"active_promos"`
}

const positionColumns = `
	pubkey,
	authority_seed,
	market_config,
	external_position,
	bootstrapped,
	deposited_value,
	debt,
	external_deposited,
	external_debt,
	floor_price,
	borrow_capacity,
	funding_balance,
	max_reinvest_spread_bps,
	current_admin_token,
	recovery_configured,
	recovery_locked,
	last_admin_activity,
	artwork_id,
	lamports,
	slot,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (PositionRecord, error) {
	var item PositionRecord
	var bootstrapped, recoveryConfigured, recoveryLocked, spread int
	var artworkID, lamports, slot int64
	err := row.Scan(
		&item.Pubkey,
		&item.AuthoritySeed,
		&item.MarketConfig,
		&item.ExternalPosition,
		&bootstrapped,
		&item.DepositedValue,
		&item.Debt,
		&item.ExternalDeposited,
		&item.ExternalDebt,
		&item.FloorPrice,
		&item.BorrowCapacity,
		&item.FundingBalance,
		&spread,
		&item.CurrentAdminToken,
		&recoveryConfigured,
		&recoveryLocked,
		&item.LastAdminActivity,
		&artworkID,
		&lamports,
		&slot,
		&item.UpdatedAt,
	)
	if err != nil {
		return item, err
	}
	item.Bootstrapped = bootstrapped != 0
	item.RecoveryConfigured = recoveryConfigured != 0
	item.RecoveryLocked = recoveryLocked != 0
	item.MaxReinvestSpreadBps = uint16(spread)
	item.ArtworkID = uint64(artworkID)
	item.Lamports = uint64(lamports)
	item.Slot = uint64(slot)
	return item, nil
}

func (s *Store) ListPositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.AdminToken != "" {
		clauses = append(clauses, "current_admin_token = ?")
		args = append(args, filter.AdminToken)
	}
	if filter.Bootstrapped != nil {
		clauses = append(clauses, "bootstrapped = ?")
		args = append(args, boolToInt(*filter.Bootstrapped))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM positions
		WHERE %s
		ORDER BY pubkey ASC
		LIMIT ? OFFSET ?
	`, positionColumns, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]PositionRecord, 0, limit)
	for rows.Next() {
		item, err := scanPosition(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) GetPosition(ctx context.Context, pubkey string) (*PositionRecord, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM positions
		WHERE pubkey = ?
	`, positionColumns), pubkey)
	item, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", pubkey, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListKeys(ctx context.Context, filter KeyFilter) ([]KeyRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Position != "" {
		clauses = append(clauses, "position = ?")
		args = append(args, filter.Position)
	}
	if filter.Asset != "" {
		clauses = append(clauses, "asset = ?")
		args = append(args, filter.Asset)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			position,
			asset,
			permissions,
			permission_names,
			sell_capacity,
			sell_refill_slots,
			sell_level,
			borrow_capacity,
			borrow_refill_slots,
			borrow_level,
			sell_total_limit,
			sell_total_used,
			borrow_total_limit,
			borrow_total_used,
			slot,
			updated_at
		FROM keys
		WHERE %s
		ORDER BY position ASC, asset ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]KeyRecord, 0, limit)
	for rows.Next() {
		var item KeyRecord
		var permissions int
		var slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Position,
			&item.Asset,
			&permissions,
			&item.PermissionNames,
			&item.SellCapacity,
			&item.SellRefillSlots,
			&item.SellLevel,
			&item.BorrowCapacity,
			&item.BorrowRefillSlots,
			&item.BorrowLevel,
			&item.SellTotalLimit,
			&item.SellTotalUsed,
			&item.BorrowTotalLimit,
			&item.BorrowTotalUsed,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Permissions = uint8(permissions)
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListPromos(ctx context.Context, filter PromoFilter) ([]PromoRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Position != "" {
		clauses = append(clauses, "position = ?")
		args = append(args, filter.Position)
	}
	if filter.Active != nil {
		clauses = append(clauses, "active = ?")
		args = append(args, boolToInt(*filter.Active))
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey,
			position,
			promo_id,
			name,
			image_uri,
			permissions,
			permission_names,
			min_deposit_lamports,
			max_claims,
			claims_count,
			active,
			slot,
			updated_at
		FROM promos
		WHERE %s
		ORDER BY position ASC, promo_id ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]PromoRecord, 0, limit)
	for rows.Next() {
		var item PromoRecord
		var promoID, slot int64
		var permissions, active int
		if err := rows.Scan(
			&item.Pubkey,
			&item.Position,
			&promoID,
			&item.Name,
			&item.ImageURI,
			&permissions,
			&item.PermissionNames,
			&item.MinDepositLamports,
			&item.MaxClaims,
			&item.ClaimsCount,
			&active,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.PromoID = uint64(promoID)
		item.Permissions = uint8(permissions)
		item.Active = active != 0
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListClaims(ctx context.Context, filter ClaimFilter) ([]ClaimRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Promo != "" {
		clauses = append(clauses, "promo = ?")
		args = append(args, filter.Promo)
	}
	if filter.Claimer != "" {
		clauses = append(clauses, "claimer = ?")
		args = append(args, filter.Claimer)
	}

	query := fmt.Sprintf(`
		SELECT pubkey, promo, claimer, asset, claimed_at_slot, slot, updated_at
		FROM claim_receipts
		WHERE %s
		ORDER BY claimed_at_slot DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]ClaimRecord, 0, limit)
	for rows.Next() {
		var item ClaimRecord
		var claimedAt, slot int64
		if err := rows.Scan(
			&item.Pubkey,
			&item.Promo,
			&item.Claimer,
			&item.Asset,
			&claimedAt,
			&slot,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.ClaimedAtSlot = uint64(claimedAt)
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

func (s *Store) ListPositionHistory(ctx context.Context, filter PositionHistoryFilter) ([]PositionHistoryRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)

	if filter.Position != "" {
		clauses = append(clauses, "position_pubkey = ?")
		args = append(args, filter.Position)
	}

	query := fmt.Sprintf(`
		SELECT
			id,
			position_pubkey,
			event_type,
			prev_deposited_value,
			prev_debt,
			next_deposited_value,
			next_debt,
			slot,
			recorded_at
		FROM position_history
		WHERE %s
		ORDER BY slot DESC, id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]PositionHistoryRecord, 0, limit)
	for rows.Next() {
		var item PositionHistoryRecord
		var slot int64
		if err := rows.Scan(
			&item.ID,
			&item.PositionPubkey,
			&item.EventType,
			&item.PrevDepositedValue,
			&item.PrevDebt,
			&item.NextDepositedValue,
			&item.NextDebt,
			&slot,
			&item.RecordedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

// GetSystemStatus reports indexer freshness. An empty database yields a
// zero status rather than an error.
func (s *Store) GetSystemStatus(ctx context.Context) (SystemStatus, error) {
	var lastSlot, updatedAt int64
	row := s.db.QueryRowContext(ctx, `SELECT last_slot, updated_at FROM sync_state WHERE id = 1`)
	if err := row.Scan(&lastSlot, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SystemStatus{}, nil
		}
		return SystemStatus{}, err
	}

	now := time.Now().Unix()
	lagMS := (now - updatedAt) * 1000
	if lagMS < 0 {
		lagMS = 0
	}

	status := SystemStatus{
		Synced:          now-updatedAt <= staleSyncSeconds,
		LastIndexedSlot: uint64(lastSlot),
		IndexerLagMS:    lagMS,
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM positions),
			(SELECT COUNT(*) FROM keys),
			(SELECT COUNT(*) FROM promos WHERE active = 1)
	`).Scan(&status.Positions, &status.Keys, &status.ActivePromos)
	if err != nil {
		return SystemStatus{}, err
	}
	return status, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
