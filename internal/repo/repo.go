package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradepost/internal/config"
	"tradepost/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a versioned update lost a race with a concurrent
	// writer; callers retry against fresh state or surface a conflict.
	ErrConflict = errors.New("version conflict")
)

func (r Repo) InsertMarket(ctx context.Context, tx *sql.Tx, id, kind, status, description, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO markets(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		id, kind, status, nullable(description), createdAt)
	return err
}

func (r Repo) GetMarket(ctx context.Context, id string) (string, error) {
	var got string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM markets WHERE id=?`, id).Scan(&got)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return got, err
}

func (r Repo) SingleMarket(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM markets`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	if len(ids) > 1 {
		return "", fmt.Errorf("multiple markets exist; specify --market")
	}
	return ids[0], nil
}

func (r Repo) UpsertMarketConfig(ctx context.Context, marketID string, cfg *config.Config) error {
	return upsertMarketConfig(ctx, r.DB, nil, marketID, cfg)
}

func (r Repo) UpsertMarketConfigTx(ctx context.Context, tx *sql.Tx, marketID string, cfg *config.Config) error {
	return upsertMarketConfig(ctx, nil, tx, marketID, cfg)
}

func upsertMarketConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, marketID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Market.ID = marketID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO market_configs(market_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(market_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, marketID, string(payload), now, now)
	return err
}

func (r Repo) GetMarketConfig(ctx context.Context, marketID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM market_configs WHERE market_id=?`, marketID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Market.ID == "" {
		cfg.Market.ID = marketID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, marketID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, marketID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, marketID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if marketID != "" {
		clauses = append(clauses, "market_id=?")
		args = append(args, marketID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,market_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, marketID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if marketID != "" {
		clauses = append(clauses, "market_id=?")
		args = append(args, marketID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,market_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var marketID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &marketID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if marketID.Valid {
			e.MarketID = marketID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a market.
func (r Repo) LatestEventID(ctx context.Context, marketID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE market_id=?`, marketID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// nullable collapses the empty string to SQL NULL. Optional fields must
// never be written as an empty sentinel the store would preserve as a
// value; absent means absent.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalStringSlice(in sql.NullString) ([]string, error) {
	if !in.Valid || in.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(in.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
