package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"price-oracle-aggregator/internal/access"
	"price-oracle-aggregator/internal/oracle"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertLastGoodPriceSQL = `INSERT INTO last_good_prices (asset, price, updated_at)
    VALUES ($1, $2::numeric, $3)
    ON CONFLICT (asset) DO UPDATE
    SET price       = EXCLUDED.price,
        updated_at  = EXCLUDED.updated_at,
        recorded_at = now();`

	upsertFreezeStateSQL = `INSERT INTO freeze_states (asset, frozen, has_override, override, frozen_at)
    VALUES ($1, $2, $3, $4::numeric, $5)
    ON CONFLICT (asset) DO UPDATE
    SET frozen       = EXCLUDED.frozen,
        has_override = EXCLUDED.has_override,
        override     = EXCLUDED.override,
        frozen_at    = EXCLUDED.frozen_at,
        recorded_at  = now();`

	listLastGoodPricesSQL = `SELECT asset, price::text, updated_at FROM last_good_prices;`

	listFreezeStatesSQL = `SELECT asset, frozen, has_override, override::text, frozen_at FROM freeze_states;`

	insertRoleMemberSQL = `INSERT INTO role_members (role, principal) VALUES ($1, $2)
    ON CONFLICT (role, principal) DO NOTHING;`

	deleteRoleMemberSQL = `DELETE FROM role_members WHERE role = $1 AND principal = $2;`

	listRoleMembersSQL = `SELECT role, principal FROM role_members ORDER BY role, principal;`

	upsertEvaluationSQL = `INSERT INTO price_evaluations (
        bucket_ts,
        asset,
        price,
        price_updated_at,
        is_alive,
        outcome,
        source,
        rejections
    ) VALUES (
        $1,$2,$3::numeric,$4,$5,$6,$7,$8
    )
    ON CONFLICT (bucket_ts, asset) DO UPDATE
    SET
        price            = EXCLUDED.price,
        price_updated_at = EXCLUDED.price_updated_at,
        is_alive         = EXCLUDED.is_alive,
        outcome          = EXCLUDED.outcome,
        source           = EXCLUDED.source,
        rejections       = EXCLUDED.rejections;`

	evaluationColumns = `bucket_ts,
        asset,
        price::text,
        price_updated_at,
        is_alive,
        outcome,
        source,
        rejections,
        created_at`

	listEvaluationsBetweenSQL = `SELECT ` + evaluationColumns + `
    FROM price_evaluations
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
      AND ($3 = '' OR asset = $3)
    ORDER BY bucket_ts, asset;`

	listRecentEvaluationsSQL = `SELECT ` + evaluationColumns + `
    FROM price_evaluations
    WHERE ($2 = '' OR asset = $2)
    ORDER BY bucket_ts DESC, asset
    LIMIT $1;`

	countEvaluationsSQL = `SELECT COUNT(*) FROM price_evaluations;`

	insertAlertSQL = `INSERT INTO alerts (
        bucket_ts,
        asset,
        outcome,
        channels
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (bucket_ts, asset) DO UPDATE
    SET outcome  = EXCLUDED.outcome,
        channels = EXCLUDED.channels
    RETURNING id, bucket_ts, asset, outcome, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        bucket_ts,
        asset,
        outcome,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EvaluationStore defines operations for evaluation history.
type EvaluationStore interface {
	UpsertEvaluation(ctx context.Context, ev Evaluation) error
	ListEvaluationsBetween(ctx context.Context, asset *common.Address, from, to time.Time) ([]Evaluation, error)
	ListRecentEvaluations(ctx context.Context, asset *common.Address, limit int) ([]Evaluation, error)
	CountEvaluations(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to oracle state, roles, evaluations and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Releasing the connection drops the session lock if the unlock fails.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveLastGoodPrice implements oracle.StateStore.
func (s *Store) SaveLastGoodPrice(ctx context.Context, asset common.Address, lgp oracle.LastGoodPrice) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertLastGoodPriceSQL, asset.Hex(), lgp.Price.Dec(), lgp.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert last good price: %w", err)
	}
	return nil
}

// SaveFreezeState implements oracle.StateStore.
func (s *Store) SaveFreezeState(ctx context.Context, asset common.Address, state oracle.FreezeState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var override, frozenAt interface{}
	if state.HasOverride {
		override = state.Override.Dec()
	}
	if !state.FrozenAt.IsZero() {
		frozenAt = state.FrozenAt.UTC()
	}

	if _, err := pool.Exec(ctx, upsertFreezeStateSQL, asset.Hex(), state.Frozen, state.HasOverride, override, frozenAt); err != nil {
		return fmt.Errorf("upsert freeze state: %w", err)
	}
	return nil
}

// LoadAssetStates implements oracle.StateStore.
func (s *Store) LoadAssetStates(ctx context.Context) (map[common.Address]oracle.AssetState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	states := make(map[common.Address]oracle.AssetState)

	rows, err := pool.Query(ctx, listLastGoodPricesSQL)
	if err != nil {
		return nil, fmt.Errorf("list last good prices: %w", err)
	}
	for rows.Next() {
		var (
			assetHex  string
			priceStr  string
			updatedAt time.Time
		)
		if err := rows.Scan(&assetHex, &priceStr, &updatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		price, err := parseAtoms(priceStr)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("last good price of %s: %w", assetHex, err)
		}
		asset := common.HexToAddress(assetHex)
		st := states[asset]
		st.LastGood = &oracle.LastGoodPrice{Price: price, UpdatedAt: updatedAt.UTC()}
		states[asset] = st
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	rows, err = pool.Query(ctx, listFreezeStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("list freeze states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			assetHex    string
			frozen      bool
			hasOverride bool
			override    sql.NullString
			frozenAt    sql.NullTime
		)
		if err := rows.Scan(&assetHex, &frozen, &hasOverride, &override, &frozenAt); err != nil {
			return nil, err
		}
		fs := oracle.FreezeState{Frozen: frozen, HasOverride: hasOverride}
		if hasOverride && override.Valid {
			fs.Override, err = parseAtoms(override.String)
			if err != nil {
				return nil, fmt.Errorf("freeze override of %s: %w", assetHex, err)
			}
		}
		if frozenAt.Valid {
			fs.FrozenAt = frozenAt.Time.UTC()
		}
		asset := common.HexToAddress(assetHex)
		st := states[asset]
		st.Freeze = fs
		states[asset] = st
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// SaveRoleMember implements access.Store.
func (s *Store) SaveRoleMember(ctx context.Context, role access.Role, account common.Address) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertRoleMemberSQL, string(role), account.Hex()); err != nil {
		return fmt.Errorf("insert role member: %w", err)
	}
	return nil
}

// DeleteRoleMember implements access.Store.
func (s *Store) DeleteRoleMember(ctx context.Context, role access.Role, account common.Address) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteRoleMemberSQL, string(role), account.Hex()); err != nil {
		return fmt.Errorf("delete role member: %w", err)
	}
	return nil
}

// ListRoleMembers implements access.Store.
func (s *Store) ListRoleMembers(ctx context.Context) (map[access.Role][]common.Address, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRoleMembersSQL)
	if err != nil {
		return nil, fmt.Errorf("list role members: %w", err)
	}
	defer rows.Close()

	members := make(map[access.Role][]common.Address)
	for rows.Next() {
		var role, principal string
		if err := rows.Scan(&role, &principal); err != nil {
			return nil, err
		}
		members[access.Role(role)] = append(members[access.Role(role)], common.HexToAddress(principal))
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return members, nil
}

// UpsertEvaluation persists or updates an evaluation.
func (s *Store) UpsertEvaluation(ctx context.Context, ev Evaluation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rejections := ev.Rejections
	if rejections == nil {
		rejections = []RejectionRecord{}
	}
	payload, err := json.Marshal(rejections)
	if err != nil {
		return fmt.Errorf("marshal rejections: %w", err)
	}

	var priceUpdatedAt interface{}
	if ev.PriceUpdatedAt != nil {
		priceUpdatedAt = *ev.PriceUpdatedAt
	}

	_, execErr := pool.Exec(ctx, upsertEvaluationSQL,
		ev.Bucket,
		ev.Asset.Hex(),
		ev.Price.Dec(),
		priceUpdatedAt,
		ev.IsAlive,
		ev.Outcome,
		ev.Source,
		payload,
	)
	if execErr != nil {
		return fmt.Errorf("upsert evaluation: %w", execErr)
	}
	return nil
}

// ListEvaluationsBetween lists evaluations within a time window, optionally for one asset.
func (s *Store) ListEvaluationsBetween(ctx context.Context, asset *common.Address, from, to time.Time) ([]Evaluation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEvaluationsBetweenSQL, from, to, assetFilter(asset))
	if queryErr != nil {
		return nil, fmt.Errorf("list evaluations between: %w", queryErr)
	}
	defer rows.Close()

	return collectEvaluations(rows, 0)
}

// ListRecentEvaluations lists the most recent evaluations ordered by descending bucket.
func (s *Store) ListRecentEvaluations(ctx context.Context, asset *common.Address, limit int) ([]Evaluation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEvaluationsSQL, limit, assetFilter(asset))
	if queryErr != nil {
		return nil, fmt.Errorf("list recent evaluations: %w", queryErr)
	}
	defer rows.Close()

	return collectEvaluations(rows, limit)
}

// CountEvaluations counts stored evaluations.
func (s *Store) CountEvaluations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEvaluationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count evaluations: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Bucket,
		alert.Asset.Hex(),
		alert.Outcome,
		alert.Channels,
	)

	rec, err := scanAlert(row)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", err)
	}
	return rec, nil
}

// ListRecentAlerts lists recently emitted alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func assetFilter(asset *common.Address) string {
	if asset == nil {
		return ""
	}
	return asset.Hex()
}

func collectEvaluations(rows pgx.Rows, capacity int) ([]Evaluation, error) {
	evaluations := make([]Evaluation, 0, capacity)
	for rows.Next() {
		ev, scanErr := scanEvaluation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		evaluations = append(evaluations, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return evaluations, nil
}

func scanEvaluation(rows pgx.Rows) (Evaluation, error) {
	var (
		bucket         time.Time
		assetHex       string
		priceStr       string
		priceUpdatedAt sql.NullTime
		isAlive        bool
		outcome        string
		source         string
		rejections     []byte
		createdAt      time.Time
	)

	if err := rows.Scan(
		&bucket,
		&assetHex,
		&priceStr,
		&priceUpdatedAt,
		&isAlive,
		&outcome,
		&source,
		&rejections,
		&createdAt,
	); err != nil {
		return Evaluation{}, err
	}

	price, err := parseAtoms(priceStr)
	if err != nil {
		return Evaluation{}, fmt.Errorf("parse price: %w", err)
	}

	ev := Evaluation{
		Bucket:    bucket,
		Asset:     common.HexToAddress(assetHex),
		Price:     price,
		IsAlive:   isAlive,
		Outcome:   outcome,
		Source:    source,
		CreatedAt: createdAt,
	}
	if priceUpdatedAt.Valid {
		ts := priceUpdatedAt.Time.UTC()
		ev.PriceUpdatedAt = &ts
	}
	if len(rejections) > 0 {
		if err := json.Unmarshal(rejections, &ev.Rejections); err != nil {
			return Evaluation{}, fmt.Errorf("parse rejections: %w", err)
		}
	}
	return ev, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec      AlertRecord
		assetHex string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Bucket,
		&assetHex,
		&rec.Outcome,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}
	rec.Asset = common.HexToAddress(assetHex)
	return rec, nil
}

func parseAtoms(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return *v, nil
}

var (
	_ oracle.StateStore = (*Store)(nil)
	_ access.Store      = (*Store)(nil)
	_ EvaluationStore   = (*Store)(nil)
	_ AlertStore        = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
