package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/keyvault/backend/internal/access"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			pubkey TEXT PRIMARY KEY,
			authority_seed TEXT NOT NULL,
			market_config TEXT NOT NULL,
			external_position TEXT NOT NULL,
			bootstrapped INTEGER NOT NULL,
			deposited_value TEXT NOT NULL,
			debt TEXT NOT NULL,
			external_deposited TEXT NOT NULL,
			external_debt TEXT NOT NULL,
			floor_price TEXT NOT NULL,
			borrow_capacity TEXT NOT NULL,
			funding_balance TEXT NOT NULL,
			max_reinvest_spread_bps INTEGER NOT NULL,
			current_admin_token TEXT NOT NULL,
			recovery_configured INTEGER NOT NULL,
			recovery_locked INTEGER NOT NULL,
			last_admin_activity BIGINT NOT NULL,
			artwork_id BIGINT NOT NULL,
			lamports BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_admin_token ON positions(current_admin_token);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id BIGSERIAL PRIMARY KEY,
			position_pubkey TEXT NOT NULL,
			event_type TEXT NOT NULL,
			prev_deposited_value TEXT NOT NULL,
			prev_debt TEXT NOT NULL,
			next_deposited_value TEXT NOT NULL,
			next_debt TEXT NOT NULL,
			slot BIGINT NOT NULL,
			recorded_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_position_history_position_slot ON position_history(position_pubkey, slot DESC);`,
		`CREATE TABLE IF NOT EXISTS keys (
			pubkey TEXT PRIMARY KEY,
			position TEXT NOT NULL,
			asset TEXT NOT NULL,
			permissions INTEGER NOT NULL,
			permission_names TEXT NOT NULL,
			sell_capacity TEXT NOT NULL,
			sell_refill_slots TEXT NOT NULL,
			sell_level TEXT NOT NULL,
			borrow_capacity TEXT NOT NULL,
			borrow_refill_slots TEXT NOT NULL,
			borrow_level TEXT NOT NULL,
			sell_total_limit TEXT NOT NULL,
			sell_total_used TEXT NOT NULL,
			borrow_total_limit TEXT NOT NULL,
			borrow_total_used TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_keys_position ON keys(position);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_keys_asset ON keys(asset);`,
		`CREATE TABLE IF NOT EXISTS promos (
			pubkey TEXT PRIMARY KEY,
			position TEXT NOT NULL,
			promo_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			image_uri TEXT NOT NULL,
			permissions INTEGER NOT NULL,
			permission_names TEXT NOT NULL,
			min_deposit_lamports TEXT NOT NULL,
			max_claims TEXT NOT NULL,
			claims_count TEXT NOT NULL,
			active INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_promos_position ON promos(position, promo_id);`,
		`CREATE TABLE IF NOT EXISTS claim_receipts (
			pubkey TEXT PRIMARY KEY,
			promo TEXT NOT NULL,
			claimer TEXT NOT NULL,
			asset TEXT NOT NULL,
			claimed_at_slot BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claim_receipts_promo ON claim_receipts(promo);`,
		`CREATE TABLE IF NOT EXISTS resources (
			pubkey TEXT PRIMARY KEY,
			program_id TEXT NOT NULL,
			account_type TEXT NOT NULL,
			owner TEXT NOT NULL,
			lamports BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_resources_program_type ON resources(program_id, account_type);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveSnapshot replaces the indexed state with snap in one transaction.
// Rows that the snapshot no longer contains are closed accounts and are
// removed.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		// RPC nodes behind a load balancer can answer from an older slot; rows
		// are stamped no lower than the last synced slot so pruning still works.
		slot, err := lastSyncedSlotTx(ctx, tx)
		if err != nil {
			return fmt.Errorf("read sync state: %w", err)
		}
		slot = max(slot, snap.Slot)
		for i := range snap.Positions {
			if err := s.upsertPositionTx(ctx, tx, slot, &snap.Positions[i]); err != nil {
				return fmt.Errorf("upsert position %s: %w", snap.Positions[i].Pubkey, err)
			}
		}
		for i := range snap.Keys {
			if err := s.upsertKeyTx(ctx, tx, slot, &snap.Keys[i]); err != nil {
				return fmt.Errorf("upsert key %s: %w", snap.Keys[i].Pubkey, err)
			}
		}
		for i := range snap.Promos {
			if err := s.upsertPromoTx(ctx, tx, slot, &snap.Promos[i]); err != nil {
				return fmt.Errorf("upsert promo %s: %w", snap.Promos[i].Pubkey, err)
			}
		}
		for i := range snap.Claims {
			if err := s.upsertClaimTx(ctx, tx, slot, &snap.Claims[i]); err != nil {
				return fmt.Errorf("upsert claim receipt %s: %w", snap.Claims[i].Pubkey, err)
			}
		}
		for i := range snap.Resources {
			if err := s.upsertResourceTx(ctx, tx, slot, &snap.Resources[i]); err != nil {
				return fmt.Errorf("upsert %s %s: %w", snap.Resources[i].AccountType, snap.Resources[i].Pubkey, err)
			}
		}
		for _, table := range []string{"positions", "keys", "promos", "claim_receipts", "resources"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE slot < ?`, int64(slot)); err != nil {
				return fmt.Errorf("prune %s: %w", table, err)
			}
		}
		return s.upsertSyncStateTx(ctx, tx, slot)
	})
}

func lastSyncedSlotTx(ctx context.Context, tx *Tx) (uint64, error) {
	var slot int64
	err := tx.QueryRowContext(ctx, `SELECT last_slot FROM sync_state WHERE id = 1`).Scan(&slot)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(slot), nil
}

func (s *Store) upsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), now)
	return err
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func (s *Store) upsertPositionTx(ctx context.Context, tx *Tx, slot uint64, p *PositionSnapshot) error {
	raw, err := json.Marshal(p.Account)
	if err != nil {
		return err
	}
	pubkeyText := p.Pubkey.String()
	next := positionHistorySnapshot{
		DepositedValue: u64(p.Account.DepositedValue),
		Debt:           u64(p.Account.Debt),
	}
	prev, err := s.getPositionHistorySnapshotTx(ctx, tx, pubkeyText)
	if err != nil {
		return err
	}

	var ext ExternalState
	if p.External != nil {
		ext = *p.External
	}
	now := time.Now().Unix()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (
			pubkey, authority_seed, market_config, external_position, bootstrapped,
			deposited_value, debt, external_deposited, external_debt, floor_price,
			borrow_capacity, funding_balance, max_reinvest_spread_bps, current_admin_token,
			recovery_configured, recovery_locked, last_admin_activity, artwork_id,
			lamports, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			authority_seed = excluded.authority_seed,
			market_config = excluded.market_config,
			external_position = excluded.external_position,
			bootstrapped = excluded.bootstrapped,
			deposited_value = excluded.deposited_value,
			debt = excluded.debt,
			external_deposited = excluded.external_deposited,
			external_debt = excluded.external_debt,
			floor_price = excluded.floor_price,
			borrow_capacity = excluded.borrow_capacity,
			funding_balance = excluded.funding_balance,
			max_reinvest_spread_bps = excluded.max_reinvest_spread_bps,
			current_admin_token = excluded.current_admin_token,
			recovery_configured = excluded.recovery_configured,
			recovery_locked = excluded.recovery_locked,
			last_admin_activity = excluded.last_admin_activity,
			artwork_id = excluded.artwork_id,
			lamports = excluded.lamports,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkeyText,
		p.Account.AuthoritySeed.String(),
		p.Account.MarketRef.String(),
		p.Account.ExternalPositionRef.String(),
		boolToInt(p.Account.Bootstrapped()),
		next.DepositedValue,
		next.Debt,
		u64(ext.DepositedShares),
		u64(ext.Debt),
		u64(ext.FloorPrice),
		u64(ext.BorrowCapacity),
		u64(ext.FundingBalance),
		int(p.Account.MaxReinvestSpreadBps),
		p.Account.CurrentAdminToken.String(),
		boolToInt(p.Account.RecoveryConfigured()),
		boolToInt(p.Account.RecoveryConfigLocked),
		p.Account.LastAdminActivity,
		int64(p.Account.ArtworkId),
		int64(p.Lamports),
		string(raw),
		int64(slot),
		now,
	)
	if err != nil {
		return err
	}

	if prev == nil {
		return s.insertPositionHistoryTx(ctx, tx, pubkeyText, "snapshot", zeroPositionHistorySnapshot(), next, slot, now)
	}
	if *prev == next {
		return nil
	}
	return s.insertPositionHistoryTx(ctx, tx, pubkeyText, "update", *prev, next, slot, now)
}

func (s *Store) upsertKeyTx(ctx context.Context, tx *Tx, slot uint64, k *KeySnapshot) error {
	raw, err := json.Marshal(k.State)
	if err != nil {
		return err
	}
	st := k.State
	_, err = tx.ExecContext(ctx, `
		INSERT INTO keys (
			pubkey, position, asset, permissions, permission_names,
			sell_capacity, sell_refill_slots, sell_level,
			borrow_capacity, borrow_refill_slots, borrow_level,
			sell_total_limit, sell_total_used, borrow_total_limit, borrow_total_used,
			raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			position = excluded.position,
			asset = excluded.asset,
			permissions = excluded.permissions,
			permission_names = excluded.permission_names,
			sell_capacity = excluded.sell_capacity,
			sell_refill_slots = excluded.sell_refill_slots,
			sell_level = excluded.sell_level,
			borrow_capacity = excluded.borrow_capacity,
			borrow_refill_slots = excluded.borrow_refill_slots,
			borrow_level = excluded.borrow_level,
			sell_total_limit = excluded.sell_total_limit,
			sell_total_used = excluded.sell_total_used,
			borrow_total_limit = excluded.borrow_total_limit,
			borrow_total_used = excluded.borrow_total_used,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		k.Pubkey.String(),
		st.Position.String(),
		st.TokenRef.String(),
		int(st.Permissions),
		access.Permission(st.Permissions).String(),
		u64(st.SellBucket.Capacity),
		u64(st.SellBucket.RefillPeriod),
		u64(st.SellBucket.Level),
		u64(st.BorrowBucket.Capacity),
		u64(st.BorrowBucket.RefillPeriod),
		u64(st.BorrowBucket.Level),
		u64(st.SellTotalLimit),
		u64(st.SellTotalUsed),
		u64(st.BorrowTotalLimit),
		u64(st.BorrowTotalUsed),
		string(raw),
		int64(slot),
		time.Now().Unix(),
	)
	return err
}

func (s *Store) upsertPromoTx(ctx context.Context, tx *Tx, slot uint64, p *PromoSnapshot) error {
	raw, err := json.Marshal(p.Promo)
	if err != nil {
		return err
	}
	promo := p.Promo
	_, err = tx.ExecContext(ctx, `
		INSERT INTO promos (
			pubkey, position, promo_id, name, image_uri, permissions, permission_names,
			min_deposit_lamports, max_claims, claims_count, active,
			raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			position = excluded.position,
			promo_id = excluded.promo_id,
			name = excluded.name,
			image_uri = excluded.image_uri,
			permissions = excluded.permissions,
			permission_names = excluded.permission_names,
			min_deposit_lamports = excluded.min_deposit_lamports,
			max_claims = excluded.max_claims,
			claims_count = excluded.claims_count,
			active = excluded.active,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		p.Pubkey.String(),
		promo.Position.String(),
		int64(promo.PromoId),
		promo.Name,
		promo.ImageUri,
		int(promo.Permissions),
		access.Permission(promo.Permissions).String(),
		u64(promo.MinDepositLamports),
		u64(promo.MaxClaims),
		u64(promo.ClaimsCount),
		boolToInt(promo.Active),
		string(raw),
		int64(slot),
		time.Now().Unix(),
	)
	return err
}

func (s *Store) upsertClaimTx(ctx context.Context, tx *Tx, slot uint64, c *ClaimSnapshot) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO claim_receipts (pubkey, promo, claimer, asset, claimed_at_slot, slot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			promo = excluded.promo,
			claimer = excluded.claimer,
			asset = excluded.asset,
			claimed_at_slot = excluded.claimed_at_slot,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		c.Pubkey.String(),
		c.Receipt.Promo.String(),
		c.Receipt.Claimer.String(),
		c.Receipt.Asset.String(),
		int64(c.Receipt.ClaimedAtSlot),
		int64(slot),
		time.Now().Unix(),
	)
	return err
}

func (s *Store) upsertResourceTx(ctx context.Context, tx *Tx, slot uint64, r *ResourceSnapshot) error {
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources (
			pubkey, program_id, account_type, owner, lamports, raw_json, slot, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			program_id = excluded.program_id,
			account_type = excluded.account_type,
			owner = excluded.owner,
			lamports = excluded.lamports,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		r.Pubkey.String(),
		r.ProgramID.String(),
		r.AccountType,
		r.Owner.String(),
		int64(r.Lamports),
		string(raw),
		int64(slot),
		time.Now().Unix(),
	)
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

type positionHistorySnapshot struct {
	DepositedValue string
	Debt           string
}

func zeroPositionHistorySnapshot() positionHistorySnapshot {
	return positionHistorySnapshot{DepositedValue: "0", Debt: "0"}
}

func (s *Store) getPositionHistorySnapshotTx(ctx context.Context, tx *Tx, pubkey string) (*positionHistorySnapshot, error) {
	var snapshot positionHistorySnapshot
	err := tx.QueryRowContext(ctx, `
		SELECT deposited_value, debt
		FROM positions
		WHERE pubkey = ?
	`, pubkey).Scan(&snapshot.DepositedValue, &snapshot.Debt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *Store) insertPositionHistoryTx(
	ctx context.Context,
	tx *Tx,
	positionPubkey string,
	eventType string,
	prev positionHistorySnapshot,
	next positionHistorySnapshot,
	slot uint64,
	recordedAt int64,
) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO position_history (
			position_pubkey, event_type,
			prev_deposited_value, prev_debt,
			next_deposited_value, next_debt,
			slot, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		positionPubkey,
		eventType,
		prev.DepositedValue,
		prev.Debt,
		next.DepositedValue,
		next.Debt,
		int64(slot),
		recordedAt,
	)
	return err
}
