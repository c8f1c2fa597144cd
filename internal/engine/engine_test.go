package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradepost/internal/config"
	"tradepost/internal/db"
	"tradepost/internal/domain"
	"tradepost/internal/engine"
	"tradepost/internal/migrate"
)

var (
	owner  = domain.ActingActor{ID: "owner"}
	worker = domain.ActingActor{ID: "worker"}
	rival  = domain.ActingActor{ID: "rival"}
	admin  = domain.ActingActor{ID: "ops", Roles: []string{"admin"}}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mkt-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.InitMarket(ctx, "mkt-1", "test market", "ops"); err != nil {
		t.Fatalf("init market: %v", err)
	}
	if err := eng.Repo.UpsertMarketConfig(ctx, "mkt-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func newRole(t *testing.T, env testEnv) domain.Role {
	t.Helper()
	collab, err := env.Engine.CreateCollaboration(env.Ctx, owner, engine.CollaborationCreateOptions{Title: "Site redesign"})
	if err != nil {
		t.Fatalf("create collaboration: %v", err)
	}
	role, err := env.Engine.CreateRole(env.Ctx, owner, engine.RoleCreateOptions{
		CollaborationID: collab.ID,
		Title:           "Backend work",
		RequiredSkills:  []string{"dev.backend"},
		Difficulty:      "intermediate",
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	return role
}

func startedTrade(t *testing.T, env testEnv) domain.Trade {
	t.Helper()
	trade, err := env.Engine.CreateTrade(env.Ctx, owner, engine.TradeCreateOptions{
		OfferedSkill:   "dev.backend",
		RequestedSkill: "design.graphic",
		Difficulty:     "beginner",
	})
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	p, err := env.Engine.SubmitProposal(env.Ctx, worker, trade.ID, "I can help")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	trade, err = env.Engine.AcceptProposal(env.Ctx, owner, trade.ID, p.ID)
	if err != nil {
		t.Fatalf("accept proposal: %v", err)
	}
	return trade
}

func intPtr(v int) *int { return &v }

func TestApplicationAcceptanceIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	role := newRole(t, env)

	first, err := env.Engine.SubmitApplication(env.Ctx, worker, role.ID, "pick me")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := env.Engine.SubmitApplication(env.Ctx, rival, role.ID, "no, me"); err != nil {
		t.Fatalf("second applicant: %v", err)
	}

	role, err = env.Engine.AcceptApplication(env.Ctx, owner, role.ID, first.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if role.Status != "filled" || role.AcceptedAppID == nil || *role.AcceptedAppID != first.ID {
		t.Fatalf("unexpected role after accept: %+v", role)
	}

	apps, err := env.Engine.Repo.ListApplications(env.Ctx, role.ID)
	if err != nil {
		t.Fatalf("list applications: %v", err)
	}
	for _, a := range apps {
		switch a.ID {
		case first.ID:
			if a.Status != "accepted" {
				t.Fatalf("expected accepted, got %s", a.Status)
			}
		default:
			if a.Status != "rejected" {
				t.Fatalf("sibling should be rejected, got %s", a.Status)
			}
		}
	}
}

func TestDuplicateApplicationRejected(t *testing.T) {
	env := newTestEnv(t)
	role := newRole(t, env)
	if _, err := env.Engine.SubmitApplication(env.Ctx, worker, role.ID, ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
	var dup engine.DuplicateApplicationError
	if _, err := env.Engine.SubmitApplication(env.Ctx, worker, role.ID, "again"); !errors.As(err, &dup) {
		t.Fatalf("expected duplicate application error, got %v", err)
	}
	// the role owner may not apply at all
	var unauthorized engine.UnauthorizedTransitionError
	if _, err := env.Engine.SubmitApplication(env.Ctx, owner, role.ID, ""); !errors.As(err, &unauthorized) {
		t.Fatalf("expected owner rejection, got %v", err)
	}
}

func TestApplicationToClosedRoleRejected(t *testing.T) {
	env := newTestEnv(t)
	role := newRole(t, env)
	app, _ := env.Engine.SubmitApplication(env.Ctx, worker, role.ID, "")
	if _, err := env.Engine.AcceptApplication(env.Ctx, owner, role.ID, app.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	var notOpen engine.RoleNotOpenError
	if _, err := env.Engine.SubmitApplication(env.Ctx, rival, role.ID, ""); !errors.As(err, &notOpen) {
		t.Fatalf("expected role-not-open, got %v", err)
	}
}

func TestCompleteRoleGrantsProgression(t *testing.T) {
	env := newTestEnv(t)
	role := newRole(t, env)
	app, _ := env.Engine.SubmitApplication(env.Ctx, worker, role.ID, "")
	if _, err := env.Engine.AcceptApplication(env.Ctx, owner, role.ID, app.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	role, progression, err := env.Engine.CompleteRole(env.Ctx, owner, role.ID, engine.RoleCompleteOptions{
		QualityScore: intPtr(90),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if role.Status != "completed" {
		t.Fatalf("expected completed role, got %s", role.Status)
	}
	if progression == nil || progression.ActorID != worker.ID {
		t.Fatalf("expected progression for the applicant, got %+v", progression)
	}
	// intermediate 200 * (1 + quality 0.45 + streak 0.01)
	if progression.Reward.TotalXP != 292 {
		t.Fatalf("expected 292 XP, got %d", progression.Reward.TotalXP)
	}
	if progression.Progress.CollabCompleted != 1 {
		t.Fatalf("collab counter should move: %+v", progression.Progress)
	}
	// completing again is invalid
	if _, _, err := env.Engine.CompleteRole(env.Ctx, owner, role.ID, engine.RoleCompleteOptions{}); err == nil {
		t.Fatalf("expected invalid transition")
	}
}

func TestCancelCollaborationClosesRoles(t *testing.T) {
	env := newTestEnv(t)
	role := newRole(t, env)
	if _, err := env.Engine.SubmitApplication(env.Ctx, worker, role.ID, ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := env.Engine.CancelCollaboration(env.Ctx, owner, role.CollaborationID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	role, err := env.Engine.Repo.GetRole(env.Ctx, role.ID)
	if err != nil {
		t.Fatal(err)
	}
	if role.Status != "closed" {
		t.Fatalf("expected closed role, got %s", role.Status)
	}
	apps, _ := env.Engine.Repo.ListApplications(env.Ctx, role.ID)
	for _, a := range apps {
		if a.Status != "rejected" {
			t.Fatalf("pending application should be rejected, got %s", a.Status)
		}
	}
	// only the creator (or an admin) may cancel
	collab, _ := env.Engine.CreateCollaboration(env.Ctx, owner, engine.CollaborationCreateOptions{Title: "Another"})
	var unauthorized engine.UnauthorizedTransitionError
	if err := env.Engine.CancelCollaboration(env.Ctx, worker, collab.ID); !errors.As(err, &unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := env.Engine.CancelCollaboration(env.Ctx, admin, collab.ID); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestProposalAcceptanceStartsTrade(t *testing.T) {
	env := newTestEnv(t)
	trade := startedTrade(t, env)
	if trade.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", trade.Status)
	}
	if trade.CounterpartyID == nil || *trade.CounterpartyID != worker.ID {
		t.Fatalf("counterparty not locked in: %+v", trade)
	}
	// trade no longer open for proposals
	var notOpen engine.TradeNotOpenError
	if _, err := env.Engine.SubmitProposal(env.Ctx, rival, trade.ID, ""); !errors.As(err, &notOpen) {
		t.Fatalf("expected trade-not-open, got %v", err)
	}
}

func TestDuplicateProposalRejected(t *testing.T) {
	env := newTestEnv(t)
	trade, err := env.Engine.CreateTrade(env.Ctx, owner, engine.TradeCreateOptions{
		OfferedSkill:   "dev.backend",
		RequestedSkill: "writing.copy",
		Difficulty:     "beginner",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitProposal(env.Ctx, worker, trade.ID, ""); err != nil {
		t.Fatalf("propose: %v", err)
	}
	var dup engine.DuplicateProposalError
	if _, err := env.Engine.SubmitProposal(env.Ctx, worker, trade.ID, "again"); !errors.As(err, &dup) {
		t.Fatalf("expected duplicate proposal error, got %v", err)
	}
	var unauthorized engine.UnauthorizedTransitionError
	if _, err := env.Engine.SubmitProposal(env.Ctx, owner, trade.ID, ""); !errors.As(err, &unauthorized) {
		t.Fatalf("expected creator rejection, got %v", err)
	}
}

func TestTradeDoubleConfirmation(t *testing.T) {
	env := newTestEnv(t)
	trade := startedTrade(t, env)

	res, err := env.Engine.RequestCompletion(env.Ctx, owner, trade.ID, intPtr(80))
	if err != nil {
		t.Fatalf("first confirmation: %v", err)
	}
	if res.Completed || res.Trade.Status != "pending_confirmation_counterparty" {
		t.Fatalf("one confirmation should not complete: %+v", res.Trade)
	}

	// the same party confirming again is a no-op
	res, err = env.Engine.RequestCompletion(env.Ctx, owner, trade.ID, intPtr(80))
	if err != nil {
		t.Fatalf("repeat confirmation: %v", err)
	}
	if res.Completed || res.Trade.Status != "pending_confirmation_counterparty" {
		t.Fatalf("repeat confirmation moved state: %+v", res.Trade)
	}

	res, err = env.Engine.RequestCompletion(env.Ctx, worker, trade.ID, intPtr(100))
	if err != nil {
		t.Fatalf("second confirmation: %v", err)
	}
	if !res.Completed || res.Trade.Status != "completed" {
		t.Fatalf("expected completed trade: %+v", res.Trade)
	}
	if len(res.Progression) != 2 {
		t.Fatalf("expected progression for both parties, got %d", len(res.Progression))
	}
	// each party is priced with the rating the other gave:
	// creator rated 100 -> 100*(1+0.50+0.01), counterparty rated 80 -> 100*(1+0.40+0.01)
	byActor := map[string]int64{}
	for _, pr := range res.Progression {
		byActor[pr.ActorID] = pr.Reward.TotalXP
	}
	if byActor[owner.ID] != 151 {
		t.Fatalf("creator XP: expected 151, got %d", byActor[owner.ID])
	}
	if byActor[worker.ID] != 141 {
		t.Fatalf("counterparty XP: expected 141, got %d", byActor[worker.ID])
	}
	for _, pr := range res.Progression {
		if pr.Progress.TradeCompleted != 1 {
			t.Fatalf("trade counter should move for %s: %+v", pr.ActorID, pr.Progress)
		}
	}
}

func TestTradeDispute(t *testing.T) {
	env := newTestEnv(t)
	trade := startedTrade(t, env)
	disputed, err := env.Engine.Dispute(env.Ctx, worker, trade.ID)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != "disputed" {
		t.Fatalf("expected disputed, got %s", disputed.Status)
	}
	// disputed is terminal for confirmations
	if _, err := env.Engine.RequestCompletion(env.Ctx, owner, trade.ID, nil); err == nil {
		t.Fatalf("expected invalid transition")
	}
}

func TestCancelRefusedAfterOwnConfirmation(t *testing.T) {
	env := newTestEnv(t)
	trade := startedTrade(t, env)
	if _, err := env.Engine.RequestCompletion(env.Ctx, owner, trade.ID, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	var invalid engine.InvalidTransitionError
	if _, err := env.Engine.CancelTrade(env.Ctx, owner, trade.ID); !errors.As(err, &invalid) {
		t.Fatalf("confirming party should not cancel, got %v", err)
	}
	// the party who has not confirmed still may
	cancelled, err := env.Engine.CancelTrade(env.Ctx, worker, trade.ID)
	if err != nil {
		t.Fatalf("counterparty cancel: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestOnCompletionSolo(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.OnCompletion(env.Ctx, worker.ID, engine.CompletionEvent{
		Kind:         "solo",
		EntityKind:   "challenge",
		EntityID:     "ch-1",
		Difficulty:   "beginner",
		QualityScore: intPtr(100),
		FirstAttempt: true,
	})
	if err != nil {
		t.Fatalf("on completion: %v", err)
	}
	// 100 * (1 + 0.50 + 0.15 + streak 0.01)
	if res.Reward.TotalXP != 166 {
		t.Fatalf("expected 166 XP, got %d", res.Reward.TotalXP)
	}
	if res.Progress.SoloCompleted != 1 || res.Progress.TotalXP != 166 {
		t.Fatalf("unexpected progress: %+v", res.Progress)
	}
	if res.Streak.CurrentStreak != 1 {
		t.Fatalf("completion should start a challenge streak: %+v", res.Streak)
	}
	found := false
	for _, a := range res.Achievements {
		if a.AchievementID == "first_steps" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected first_steps unlock, got %+v", res.Achievements)
	}
	// unknown kinds and difficulties are rejected before any write
	if _, err := env.Engine.OnCompletion(env.Ctx, worker.ID, engine.CompletionEvent{Kind: "raid", Difficulty: "beginner"}); err == nil {
		t.Fatalf("expected kind rejection")
	}
	if _, err := env.Engine.OnCompletion(env.Ctx, worker.ID, engine.CompletionEvent{Kind: "solo", Difficulty: "legendary"}); err == nil {
		t.Fatalf("expected difficulty rejection")
	}
}

func TestAchievementsUnlockOnce(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.OnCompletion(env.Ctx, worker.ID, engine.CompletionEvent{
			Kind: "solo", Difficulty: "beginner",
		}); err != nil {
			t.Fatalf("completion %d: %v", i, err)
		}
	}
	unlocks, err := env.Engine.ListAchievements(env.Ctx, worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]int{}
	for _, u := range unlocks {
		seen[u.AchievementID]++
	}
	if seen["first_steps"] != 1 || seen["solo_artist"] != 1 {
		t.Fatalf("expected single unlocks, got %+v", seen)
	}
}

func TestRecordActivitySeedsFreezesFromConfig(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.RecordActivity(env.Ctx, worker, "login", time.Time{})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.State.CurrentStreak != 1 || res.State.FreezesAvailable != 2 {
		t.Fatalf("fresh streak should carry configured freezes: %+v", res.State)
	}
	// same day again: unchanged
	res, err = env.Engine.RecordActivity(env.Ctx, worker, "login", time.Time{})
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if res.Changed {
		t.Fatalf("same-day activity should be a no-op")
	}
	if _, err := env.Engine.RecordActivity(env.Ctx, worker, "sleeping", time.Time{}); err == nil {
		t.Fatalf("expected category rejection")
	}
}

func TestGrantFreezesRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	var unauthorized engine.UnauthorizedTransitionError
	if _, err := env.Engine.GrantFreezes(env.Ctx, worker, rival.ID, "login", 2); !errors.As(err, &unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	state, err := env.Engine.GrantFreezes(env.Ctx, admin, rival.ID, "login", 3)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if state.FreezesAvailable != 5 { // 2 seeded + 3 granted
		t.Fatalf("expected 5 freezes, got %d", state.FreezesAvailable)
	}
}

func TestTierAccessQueries(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CanAccessTier(env.Ctx, worker.ID, "solo")
	if err != nil || !d.Allowed {
		t.Fatalf("solo should be open: %+v %v", d, err)
	}
	d, err = env.Engine.CanAccessTier(env.Ctx, worker.ID, "trade")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Reason == "" {
		t.Fatalf("fresh actor should be denied trade with a reason: %+v", d)
	}
	if _, err := env.Engine.CanAccessTier(env.Ctx, worker.ID, "raid"); err == nil {
		t.Fatalf("expected tier rejection")
	}
}

func TestUnknownSkillRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTrade(env.Ctx, owner, engine.TradeCreateOptions{
		OfferedSkill:   "necromancy",
		RequestedSkill: "design.graphic",
		Difficulty:     "beginner",
	})
	if err == nil {
		t.Fatalf("expected unknown-skill rejection")
	}
}

func TestEventAppendOnLifecycle(t *testing.T) {
	env := newTestEnv(t)
	trade := startedTrade(t, env)
	_, _ = env.Engine.RequestCompletion(env.Ctx, owner, trade.ID, nil)
	_, _ = env.Engine.RequestCompletion(env.Ctx, worker, trade.ID, nil)
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE entity_id=?`, trade.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count < 3 {
		t.Fatalf("expected trade lifecycle events, got %d", count)
	}
}
