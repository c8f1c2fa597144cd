package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradepost/internal/config"
	"tradepost/internal/events"
	"tradepost/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) marketID() string {
	if e.Config != nil {
		return e.Config.Market.ID
	}
	return ""
}

func (e Engine) initialFreezes() int {
	if e.Config != nil {
		return e.Config.Streaks.InitialFreezes
	}
	return 0
}

func (e Engine) skillKnown(name string) bool {
	if e.Config == nil || len(e.Config.Skills.Catalog) == 0 {
		// No catalog configured means free-form skills.
		return true
	}
	_, ok := e.Config.Skills.Catalog[name]
	return ok
}

// InitMarket creates a market with its default config. Migrations must
// already have run.
func (e Engine) InitMarket(ctx context.Context, marketID, description, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertMarket(ctx, tx, marketID, "skill-marketplace", "active", description, now); err != nil {
		return fmt.Errorf("insert market: %w", err)
	}
	if err := e.Repo.UpsertMarketConfigTx(ctx, tx, marketID, config.Default(marketID)); err != nil {
		return fmt.Errorf("insert market config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "market.init", marketID, "market", marketID, actorID, events.EventPayload{"status": "active"}); err != nil {
		return err
	}
	return tx.Commit()
}
