package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradepost/internal/config"
	"tradepost/internal/repo"
)

// ResolveMarketAndConfig picks the active market and ensures a market +
// config exist in DB, seeding defaults if missing. It prefers overrides,
// then single-market DB. If the market does not exist, it is created on
// the fly.
func ResolveMarketAndConfig(ctx context.Context, marketOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	marketID := marketOverride
	if marketID == "" {
		id, err := r.SingleMarket(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("market not specified; use --market")
		}
		marketID = id
	}
	seedCfg := config.Default(marketID)

	if _, err := r.GetMarket(ctx, marketID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createMarket(ctx, r, marketID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetMarketConfig(ctx, marketID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertMarketConfig(ctx, marketID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed market config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Market.ID = marketID
	return marketID, cfg, nil
}

func createMarket(ctx context.Context, r repo.Repo, marketID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(marketID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertMarket(ctx, tx, marketID, "skill-marketplace", "active", "", now); err != nil {
		return fmt.Errorf("insert market: %w", err)
	}
	if err := r.UpsertMarketConfigTx(ctx, tx, marketID, seedCfg); err != nil {
		return fmt.Errorf("insert market config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	return tx.Commit()
}
