package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/custody"
	"github.com/Checker-Finance/escrow-market/internal/keys"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Schema is applied by Migrate. Amounts are NUMERIC(20,0) so the full uint64
// range fits; they cross the wire as text.
const Schema = `
CREATE SCHEMA IF NOT EXISTS market;
CREATE SCHEMA IF NOT EXISTS custody;

CREATE TABLE IF NOT EXISTS market.listing (
	listing_key    TEXT PRIMARY KEY,
	seller         TEXT NOT NULL,
	asset_id       TEXT NOT NULL UNIQUE,
	price          NUMERIC(20,0) NOT NULL CHECK (price >= 0),
	name           TEXT NOT NULL,
	symbol         TEXT NOT NULL DEFAULT '',
	uri            TEXT NOT NULL,
	is_active      BOOLEAN NOT NULL,
	escrow_account TEXT NOT NULL,
	settlement     TEXT NOT NULL DEFAULT '',
	buyer          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	settled_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS listing_active_idx ON market.listing (is_active, created_at);

CREATE TABLE IF NOT EXISTS market.listing_event (
	seq          BIGSERIAL PRIMARY KEY,
	event_id     UUID NOT NULL UNIQUE,
	listing_key  TEXT NOT NULL REFERENCES market.listing (listing_key),
	event_type   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS listing_event_unpublished_idx ON market.listing_event (seq) WHERE published_at IS NULL;

CREATE TABLE IF NOT EXISTS custody.escrow_account (
	account_id TEXT PRIMARY KEY,
	controller TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS custody.asset_holding (
	asset_id   TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS custody.balance (
	identity TEXT PRIMARY KEY,
	amount   NUMERIC(20,0) NOT NULL CHECK (amount >= 0 AND amount <= 18446744073709551615)
);
`

const listingColumns = `listing_key, seller, asset_id, price::text, name, symbol, uri,
	is_active, escrow_account, settlement, buyer, created_at, settled_at`

const pgCheckViolation = "23514"

// PostgresStore is the durable backend: listings, event log and custody ledger
// live in one database so a unit of work is one pgx transaction.
type PostgresStore struct {
	PG     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects a pgx pool with the given tuning.
func NewPostgres(ctx context.Context, pgURL string, poolCfg PGPoolConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if poolCfg.MaxConns > 0 {
		cfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		cfg.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = poolCfg.MaxConnLifetime
	}
	if poolCfg.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}
	if poolCfg.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = poolCfg.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStore{PG: pool, logger: logger}, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	if _, err := s.PG.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Atomically(ctx context.Context, key model.ListingKey, fn func(tx Tx) error) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	tx, err := s.PG.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// serializes units on one key even before the listing row exists
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(key)); err != nil {
		return fmt.Errorf("lock listing %s: %w", key, err)
	}

	if err := fn(&pgTx{tx: tx, key: key}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("store.pg.commit_failed", zap.String("listing", string(key)), zap.Error(err))
		return fmt.Errorf("commit listing %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) GetListing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	row := s.PG.QueryRow(ctx, `SELECT `+listingColumns+` FROM market.listing WHERE listing_key = $1`, string(key))
	return scanListing(row)
}

func (s *PostgresStore) ListListings(ctx context.Context, filter model.ListingFilter) ([]model.Listing, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.PG.Query(ctx, `
		SELECT `+listingColumns+`
		FROM market.listing
		WHERE ($1 = FALSE OR is_active)
		  AND ($2 = '' OR seller = $2)
		ORDER BY created_at, listing_key
		LIMIT $3`,
		filter.ActiveOnly, string(filter.Seller), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListingEvents(ctx context.Context, key model.ListingKey) ([]model.Event, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	rows, err := s.PG.Query(ctx, `
		SELECT seq, payload FROM market.listing_event
		WHERE listing_key = $1
		ORDER BY seq`, string(key))
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *PostgresStore) RecentEvents(ctx context.Context, before int64, limit int) ([]model.Event, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.PG.Query(ctx, `
		SELECT seq, payload FROM market.listing_event
		WHERE ($1::bigint <= 0 OR seq < $1::bigint)
		ORDER BY seq DESC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	if s.PG == nil {
		return 0, fmt.Errorf("postgres unavailable")
	}
	var n int
	err := s.PG.QueryRow(ctx, `SELECT count(*) FROM market.listing WHERE is_active`).Scan(&n)
	return n, err
}

func (s *PostgresStore) Unpublished(ctx context.Context, limit int) ([]model.Event, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.PG.Query(ctx, `
		SELECT seq, payload FROM market.listing_event
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *PostgresStore) MarkPublished(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := s.PG.Exec(ctx, `
		UPDATE market.listing_event SET published_at = NOW()
		WHERE event_id = ANY($1::uuid[]) AND published_at IS NULL`, strs)
	if err != nil {
		s.logger.Error("store.pg.mark_published_failed", zap.Int("count", len(ids)), zap.Error(err))
	}
	return err
}

func (s *PostgresStore) MintAsset(ctx context.Context, asset model.AssetID, owner model.Identity) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	tag, err := s.PG.Exec(ctx, `
		INSERT INTO custody.asset_holding (asset_id, account_id)
		VALUES ($1, $2)
		ON CONFLICT (asset_id) DO NOTHING`, string(asset), string(keys.WalletAccount(owner)))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &custody.TransferError{Op: "mint_asset", To: string(owner), Err: custody.ErrAssetExists}
	}
	return nil
}

func (s *PostgresStore) Deposit(ctx context.Context, owner model.Identity, amount uint64) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	return credit(ctx, s.PG, "deposit", "", owner, amount)
}

func (s *PostgresStore) Balance(ctx context.Context, owner model.Identity) (uint64, error) {
	if s.PG == nil {
		return 0, fmt.Errorf("postgres unavailable")
	}
	var amount string
	err := s.PG.QueryRow(ctx, `SELECT amount::text FROM custody.balance WHERE identity = $1`, string(owner)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(amount, 10, 64)
}

func (s *PostgresStore) HolderOf(ctx context.Context, asset model.AssetID) (model.AccountID, error) {
	if s.PG == nil {
		return "", fmt.Errorf("postgres unavailable")
	}
	var acct string
	err := s.PG.QueryRow(ctx, `SELECT account_id FROM custody.asset_holding WHERE asset_id = $1`, string(asset)).Scan(&acct)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", custody.ErrUnknownAsset
	}
	return model.AccountID(acct), err
}

func (s *PostgresStore) AccountAssets(ctx context.Context, account model.AccountID) ([]model.AssetID, error) {
	if s.PG == nil {
		return nil, fmt.Errorf("postgres unavailable")
	}
	rows, err := s.PG.Query(ctx, `
		SELECT asset_id FROM custody.asset_holding
		WHERE account_id = $1 ORDER BY asset_id`, string(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AssetID
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, model.AssetID(a))
	}
	return out, rows.Err()
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	if err := s.PG.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	return nil
}

// pgExecutor is the subset of pgx shared by pools and transactions.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx  pgx.Tx
	key model.ListingKey
}

func (t *pgTx) Listing(ctx context.Context, key model.ListingKey) (*model.Listing, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM market.listing WHERE listing_key = $1 FOR UPDATE`, string(key))
	return scanListing(row)
}

func (t *pgTx) InsertListing(ctx context.Context, l model.Listing) error {
	if err := checkKey(t.key, l.Key); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO market.listing (
			listing_key, seller, asset_id, price, name, symbol, uri,
			is_active, escrow_account, created_at
		)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		string(l.Key), string(l.Seller), string(l.AssetID), strconv.FormatUint(l.Price, 10),
		l.Name, l.Symbol, l.URI, l.IsActive, string(l.EscrowAccount), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDuplicateListing
	}
	return nil
}

func (t *pgTx) SettleListing(ctx context.Context, l model.Listing) error {
	if err := checkKey(t.key, l.Key); err != nil {
		return err
	}
	if l.IsActive {
		return model.ErrListingNotActive
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE market.listing
		SET is_active = FALSE, settlement = $2, buyer = $3, settled_at = $4
		WHERE listing_key = $1 AND is_active`,
		string(l.Key), string(l.Settlement), string(l.Buyer), l.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("settle listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrListingNotActive
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, evt model.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO market.listing_event (event_id, listing_key, event_type, payload, occurred_at)
		VALUES ($1::uuid, $2, $3, $4, $5)`,
		evt.ID.String(), string(evt.Listing), string(evt.Type), payload, evt.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (t *pgTx) OpenEscrow(ctx context.Context, account model.AccountID, controller model.Identity) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO custody.escrow_account (account_id, controller)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING`, string(account), string(controller))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &custody.TransferError{Op: "open_escrow", From: string(controller), To: string(account), Err: custody.ErrEscrowInUse}
	}
	return nil
}

func (t *pgTx) controllerOf(ctx context.Context, account model.AccountID) (model.Identity, bool, error) {
	if owner, ok := keys.WalletOwner(account); ok {
		return owner, true, nil
	}
	var ctrl string
	err := t.tx.QueryRow(ctx, `SELECT controller FROM custody.escrow_account WHERE account_id = $1`, string(account)).Scan(&ctrl)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return model.Identity(ctrl), true, nil
}

func (t *pgTx) MoveAsset(ctx context.Context, asset model.AssetID, from, to model.AccountID, by custody.Authority) error {
	fail := func(reason error) error {
		return &custody.TransferError{Op: "move_asset", From: string(from), To: string(to), Err: reason}
	}

	var holder string
	err := t.tx.QueryRow(ctx, `SELECT account_id FROM custody.asset_holding WHERE asset_id = $1 FOR UPDATE`, string(asset)).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return fail(custody.ErrUnknownAsset)
	}
	if err != nil {
		return err
	}
	if model.AccountID(holder) != from {
		return fail(custody.ErrAssetNotHeld)
	}

	ctrl, ok, err := t.controllerOf(ctx, from)
	if err != nil {
		return err
	}
	if !ok || by == nil || ctrl != by.Controller() {
		return fail(custody.ErrAuthorityMismatch)
	}
	if _, ok, err := t.controllerOf(ctx, to); err != nil {
		return err
	} else if !ok {
		return fail(custody.ErrUnknownAccount)
	}

	_, err = t.tx.Exec(ctx, `
		UPDATE custody.asset_holding SET account_id = $2, updated_at = NOW()
		WHERE asset_id = $1`, string(asset), string(to))
	return err
}

func (t *pgTx) MoveValue(ctx context.Context, from, to model.Identity, amount uint64, by custody.Authority) error {
	if by == nil || by.Controller() != from {
		return &custody.TransferError{Op: "move_value", From: string(from), To: string(to), Err: custody.ErrAuthorityMismatch}
	}
	if amount == 0 {
		return nil
	}
	// lock both balance rows in identity order so crossed transfers queue
	// instead of deadlocking
	if _, err := t.tx.Exec(ctx, `
		SELECT identity FROM custody.balance
		WHERE identity = ANY($1)
		ORDER BY identity
		FOR UPDATE`, []string{string(from), string(to)}); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE custody.balance SET amount = amount - $2::numeric
		WHERE identity = $1 AND amount >= $2::numeric`, string(from), strconv.FormatUint(amount, 10))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &custody.TransferError{Op: "move_value", From: string(from), To: string(to), Err: custody.ErrInsufficientFunds}
	}
	return credit(ctx, t.tx, "move_value", from, to, amount)
}

func credit(ctx context.Context, db pgExecutor, op string, from, to model.Identity, amount uint64) error {
	_, err := db.Exec(ctx, `
		INSERT INTO custody.balance (identity, amount)
		VALUES ($1, $2::numeric)
		ON CONFLICT (identity) DO UPDATE SET amount = custody.balance.amount + EXCLUDED.amount`,
		string(to), strconv.FormatUint(amount, 10))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
		return &custody.TransferError{Op: op, From: string(from), To: string(to), Err: custody.ErrBalanceOverflow}
	}
	return err
}

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var key, seller, asset, price, escrow, settle, buyer string
	err := row.Scan(&key, &seller, &asset, &price, &l.Name, &l.Symbol, &l.URI,
		&l.IsActive, &escrow, &settle, &buyer, &l.CreatedAt, &l.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}
	p, err := strconv.ParseUint(price, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("scan listing price: %w", err)
	}
	l.Key = model.ListingKey(key)
	l.Seller = model.Identity(seller)
	l.AssetID = model.AssetID(asset)
	l.Price = p
	l.EscrowAccount = model.AccountID(escrow)
	l.Settlement = model.Settlement(settle)
	l.Buyer = model.Identity(buyer)
	return &l, nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var evt model.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		evt.Seq = seq
		out = append(out, evt)
	}
	return out, rows.Err()
}
