package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/domain"
	"tradepost/internal/engine/achieve"
	"tradepost/internal/engine/reward"
	"tradepost/internal/engine/streak"
	"tradepost/internal/engine/tier"
	"tradepost/internal/events"
	"tradepost/internal/repo"
)

// Progression writes against the same actor race with each other; a
// conflicted attempt is retried from fresh state.
const progressionAttempts = 4

// CompletionEvent is the orchestrator's input: one finished item.
type CompletionEvent struct {
	Kind            string // solo, trade, collaboration
	EntityKind      string
	EntityID        string
	Difficulty      string
	QualityScore    *int
	EarlyCompletion bool
	FirstAttempt    bool
}

// ProgressionResult aggregates everything one completion produced.
type ProgressionResult struct {
	ActorID         string                     `json:"actor_id"`
	Reward          reward.Breakdown           `json:"reward"`
	Progress        domain.UserProgress        `json:"progress"`
	Streak          domain.StreakState         `json:"streak"`
	StreakMilestone int                        `json:"streak_milestone,omitempty"`
	TierUnlocked    string                     `json:"tier_unlocked,omitempty"`
	Achievements    []domain.AchievementUnlock `json:"achievements,omitempty"`
}

// OnCompletion turns a completion event into XP, streak, tier and
// achievement updates, committed as one atomic unit. On a write conflict
// the whole sequence restarts from fresh state, up to the attempt budget.
func (e Engine) OnCompletion(ctx context.Context, actorID string, evt CompletionEvent) (ProgressionResult, error) {
	completionTier, err := tier.Parse(evt.Kind)
	if err != nil {
		return ProgressionResult{}, err
	}
	difficulty, err := reward.ParseDifficulty(evt.Difficulty)
	if err != nil {
		return ProgressionResult{}, err
	}

	for attempt := 0; attempt < progressionAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ProgressionResult{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}
		res, err := e.applyCompletion(ctx, actorID, completionTier, difficulty, evt)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return ProgressionResult{}, err
		}
	}
	return ProgressionResult{}, ProgressionConflictError{ActorID: actorID, Attempts: progressionAttempts}
}

// applyCompletion is one attempt: read fresh state, compute, write, all
// inside a single transaction whose versioned updates detect racers.
func (e Engine) applyCompletion(ctx context.Context, actorID string, completionTier tier.Tier, difficulty reward.Difficulty, evt CompletionEvent) (ProgressionResult, error) {
	nowT := e.now().UTC()
	now := nowT.Format(time.RFC3339)
	day := streak.Day(nowT)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProgressionResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return ProgressionResult{}, err
	}
	progress, progressExists, err := e.loadProgressTx(ctx, tx, actorID, now)
	if err != nil {
		return ProgressionResult{}, err
	}
	state, streakExists, err := e.loadStreakTx(ctx, tx, actorID, streak.CategoryChallenge)
	if err != nil {
		return ProgressionResult{}, err
	}
	before := achieve.Stats{
		Progress: progress,
		Streaks:  map[string]domain.StreakState{state.Category: state},
	}

	// The streak commit happens first so the reward is priced with the
	// authoritative post-commit bonus, never a pre-transaction preview.
	streakRes := streak.Apply(state, day)
	authoritative := streak.Bonus(streakRes.State.CurrentStreak)

	breakdown, err := reward.Calculate(reward.Input{
		Difficulty:      difficulty,
		QualityScore:    evt.QualityScore,
		EarlyCompletion: evt.EarlyCompletion,
		FirstAttempt:    evt.FirstAttempt,
		StreakBonus:     authoritative,
	})
	if err != nil {
		return ProgressionResult{}, err
	}

	if streakRes.Changed {
		if err := e.writeStreakTx(ctx, tx, streakRes.State, streakExists); err != nil {
			return ProgressionResult{}, err
		}
	}

	progress.TotalXP += breakdown.TotalXP
	progress.Level = tier.LevelForXP(progress.TotalXP)
	progress.SkillLevel = tier.SkillLevelForLevel(progress.Level)
	switch completionTier {
	case tier.Solo:
		progress.SoloCompleted++
	case tier.Trade:
		progress.TradeCompleted++
	case tier.Collaboration:
		progress.CollabCompleted++
	}
	progress.UpdatedAt = now
	if err := e.writeProgressTx(ctx, tx, progress, progressExists); err != nil {
		return ProgressionResult{}, err
	}

	res := ProgressionResult{
		ActorID:         actorID,
		Reward:          breakdown,
		Progress:        progress,
		Streak:          streakRes.State,
		StreakMilestone: streakRes.MilestoneReached,
	}

	marketID := e.marketID()
	if err := e.Events.Append(ctx, tx, events.XPAwarded, marketID, evt.EntityKind, evt.EntityID, actorID, events.EventPayload{
		"kind":      evt.Kind,
		"breakdown": breakdown,
		"total_xp":  progress.TotalXP,
		"level":     progress.Level,
	}); err != nil {
		return ProgressionResult{}, err
	}
	if streakRes.MilestoneReached > 0 {
		if err := e.Events.Append(ctx, tx, events.StreakMilestoneReached, marketID, "streak", streakRes.State.Category, actorID, events.EventPayload{
			"milestone":      streakRes.MilestoneReached,
			"current_streak": streakRes.State.CurrentStreak,
		}); err != nil {
			return ProgressionResult{}, err
		}
	}
	if unlocked, ok := tier.NewlyUnlocked(before.Progress, progress); ok {
		res.TierUnlocked = string(unlocked)
		if err := e.Events.Append(ctx, tx, events.TierUnlocked, marketID, "tier", string(unlocked), actorID, events.EventPayload{
			"tier": string(unlocked),
		}); err != nil {
			return ProgressionResult{}, err
		}
	}

	after := achieve.Stats{
		Progress: progress,
		Streaks:  map[string]domain.StreakState{streakRes.State.Category: streakRes.State},
	}
	for _, rule := range achieve.NewlySatisfied(before, after) {
		// The unlock record check lives inside the same transaction as
		// the insert so concurrent completions cannot double-unlock.
		exists, err := e.Repo.HasUnlockTx(ctx, tx, actorID, rule.ID)
		if err != nil {
			return ProgressionResult{}, err
		}
		if exists {
			continue
		}
		unlock := domain.AchievementUnlock{
			ID:            uuid.NewString(),
			ActorID:       actorID,
			AchievementID: rule.ID,
			RuleVersion:   rule.Version,
			UnlockedAt:    now,
		}
		if err := e.Repo.InsertUnlockTx(ctx, tx, unlock); err != nil {
			return ProgressionResult{}, err
		}
		if err := e.Events.Append(ctx, tx, events.AchievementUnlocked, marketID, "achievement", rule.ID, actorID, events.EventPayload{
			"achievement_id": rule.ID,
			"rule_version":   rule.Version,
		}); err != nil {
			return ProgressionResult{}, err
		}
		res.Achievements = append(res.Achievements, unlock)
	}

	if err := tx.Commit(); err != nil {
		return ProgressionResult{}, err
	}
	return res, nil
}

// RecordActivity applies one streak activity outside a completion, e.g.
// a login or practice session.
func (e Engine) RecordActivity(ctx context.Context, actor domain.ActingActor, category string, at time.Time) (streak.Result, error) {
	if !streak.ValidCategory(category) {
		return streak.Result{}, reward.InvalidInputError{Field: "category", Reason: "unknown streak category"}
	}
	if at.IsZero() {
		at = e.now()
	}
	day := streak.Day(at)
	now := e.now().UTC().Format(time.RFC3339)

	for attempt := 0; attempt < progressionAttempts; attempt++ {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return streak.Result{}, err
		}
		res, err := func() (streak.Result, error) {
			defer tx.Rollback()
			if err := e.Repo.EnsureActor(ctx, tx, actor.ID, now); err != nil {
				return streak.Result{}, err
			}
			state, exists, err := e.loadStreakTx(ctx, tx, actor.ID, category)
			if err != nil {
				return streak.Result{}, err
			}
			res := streak.Apply(state, day)
			if res.Changed {
				if err := e.writeStreakTx(ctx, tx, res.State, exists); err != nil {
					return streak.Result{}, err
				}
			}
			if res.MilestoneReached > 0 {
				if err := e.Events.Append(ctx, tx, events.StreakMilestoneReached, e.marketID(), "streak", category, actor.ID, events.EventPayload{
					"milestone":      res.MilestoneReached,
					"current_streak": res.State.CurrentStreak,
				}); err != nil {
					return streak.Result{}, err
				}
			}
			return res, tx.Commit()
		}()
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, repo.ErrConflict) {
			return streak.Result{}, err
		}
	}
	return streak.Result{}, ProgressionConflictError{ActorID: actor.ID, Attempts: progressionAttempts}
}

// GrantFreezes adds streak freezes to an actor's balance. Admin only.
func (e Engine) GrantFreezes(ctx context.Context, actor domain.ActingActor, targetActorID, category string, count int) (domain.StreakState, error) {
	if !actor.HasRole("admin") {
		return domain.StreakState{}, UnauthorizedTransitionError{EntityKind: "streak", EntityID: targetActorID, Action: "grant freezes to", ActorID: actor.ID}
	}
	if !streak.ValidCategory(category) {
		return domain.StreakState{}, reward.InvalidInputError{Field: "category", Reason: "unknown streak category"}
	}
	if count <= 0 {
		return domain.StreakState{}, reward.InvalidInputError{Field: "count", Reason: "must be positive"}
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StreakState{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, targetActorID, now); err != nil {
		return domain.StreakState{}, err
	}
	state, exists, err := e.loadStreakTx(ctx, tx, targetActorID, category)
	if err != nil {
		return domain.StreakState{}, err
	}
	state.FreezesAvailable += count
	if err := e.writeStreakTx(ctx, tx, state, exists); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.StreakState{}, ConflictError{EntityKind: "streak", EntityID: targetActorID}
		}
		return domain.StreakState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StreakState{}, err
	}
	if exists {
		state.Version++
	}
	return state, nil
}

// CanAccessTier answers the tier gate query for an actor.
func (e Engine) CanAccessTier(ctx context.Context, actorID, requested string) (tier.Decision, error) {
	t, err := tier.Parse(requested)
	if err != nil {
		return tier.Decision{}, err
	}
	progress, err := e.Repo.GetProgress(ctx, actorID, e.marketID())
	if errors.Is(err, repo.ErrNotFound) {
		progress = e.freshProgress(actorID, "")
	} else if err != nil {
		return tier.Decision{}, err
	}
	return tier.CanAccess(progress, t), nil
}

// GetProgress returns the actor's progression document, zero-valued when
// the actor has never completed anything.
func (e Engine) GetProgress(ctx context.Context, actorID string) (domain.UserProgress, error) {
	progress, err := e.Repo.GetProgress(ctx, actorID, e.marketID())
	if errors.Is(err, repo.ErrNotFound) {
		return e.freshProgress(actorID, ""), nil
	}
	return progress, err
}

func (e Engine) ListStreaks(ctx context.Context, actorID string) ([]domain.StreakState, error) {
	return e.Repo.ListStreaks(ctx, actorID)
}

func (e Engine) ListAchievements(ctx context.Context, actorID string) ([]domain.AchievementUnlock, error) {
	return e.Repo.ListUnlocks(ctx, actorID)
}

func (e Engine) freshProgress(actorID, updatedAt string) domain.UserProgress {
	return domain.UserProgress{
		ActorID:    actorID,
		MarketID:   e.marketID(),
		Level:      1,
		SkillLevel: 1,
		UpdatedAt:  updatedAt,
	}
}

func (e Engine) loadProgressTx(ctx context.Context, tx *sql.Tx, actorID, now string) (domain.UserProgress, bool, error) {
	progress, err := e.Repo.GetProgressTx(ctx, tx, actorID, e.marketID())
	if errors.Is(err, repo.ErrNotFound) {
		return e.freshProgress(actorID, now), false, nil
	}
	return progress, true, err
}

func (e Engine) writeProgressTx(ctx context.Context, tx *sql.Tx, p domain.UserProgress, exists bool) error {
	if exists {
		return e.Repo.UpdateProgressTx(ctx, tx, p)
	}
	return e.Repo.InsertProgressTx(ctx, tx, p)
}

// loadStreakTx returns the stored streak state or a fresh one seeded with
// the configured initial freeze balance.
func (e Engine) loadStreakTx(ctx context.Context, tx *sql.Tx, actorID, category string) (domain.StreakState, bool, error) {
	state, err := e.Repo.GetStreakTx(ctx, tx, actorID, category)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StreakState{
			ActorID:          actorID,
			Category:         category,
			FreezesAvailable: e.initialFreezes(),
		}, false, nil
	}
	return state, true, err
}

func (e Engine) writeStreakTx(ctx context.Context, tx *sql.Tx, s domain.StreakState, exists bool) error {
	if exists {
		return e.Repo.UpdateStreakTx(ctx, tx, s)
	}
	return e.Repo.InsertStreakTx(ctx, tx, s)
}
