package streak_test

import (
	"testing"
	"time"

	"tradepost/internal/domain"
	"tradepost/internal/engine/streak"
)

func strPtr(s string) *string { return &s }

func TestApplyFirstActivity(t *testing.T) {
	res := streak.Apply(domain.StreakState{Category: streak.CategoryLogin}, "2026-03-01")
	if !res.Changed || res.State.CurrentStreak != 1 || res.State.LongestStreak != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.State.LastActivityDate == nil || *res.State.LastActivityDate != "2026-03-01" {
		t.Fatalf("last activity not recorded")
	}
}

func TestApplySameDayIsNoOp(t *testing.T) {
	state := domain.StreakState{CurrentStreak: 4, LongestStreak: 4, LastActivityDate: strPtr("2026-03-01")}
	res := streak.Apply(state, "2026-03-01")
	if res.Changed || res.State.CurrentStreak != 4 {
		t.Fatalf("same-day activity should not move the streak: %+v", res)
	}
}

func TestApplyConsecutiveDay(t *testing.T) {
	state := domain.StreakState{CurrentStreak: 4, LongestStreak: 6, LastActivityDate: strPtr("2026-03-01")}
	res := streak.Apply(state, "2026-03-02")
	if !res.Changed || res.State.CurrentStreak != 5 {
		t.Fatalf("expected streak 5: %+v", res)
	}
	if res.State.LongestStreak != 6 {
		t.Fatalf("longest should not move below previous record")
	}
}

func TestApplyFreezeBridgesOneMissedDay(t *testing.T) {
	state := domain.StreakState{
		CurrentStreak:    5,
		LongestStreak:    5,
		LastActivityDate: strPtr("2026-03-01"),
		FreezesAvailable: 1,
	}
	res := streak.Apply(state, "2026-03-03")
	if !res.FreezeConsumed {
		t.Fatalf("expected freeze consumption: %+v", res)
	}
	if res.State.CurrentStreak != 6 || res.State.FreezesAvailable != 0 || res.State.FreezesUsed != 1 {
		t.Fatalf("unexpected state after freeze: %+v", res.State)
	}
}

func TestApplyResetWithoutFreeze(t *testing.T) {
	state := domain.StreakState{CurrentStreak: 5, LongestStreak: 5, LastActivityDate: strPtr("2026-03-01")}
	res := streak.Apply(state, "2026-03-03")
	if res.FreezeConsumed || res.State.CurrentStreak != 1 {
		t.Fatalf("gap without freeze should reset: %+v", res)
	}
}

func TestApplyLargeGapResetsEvenWithFreezes(t *testing.T) {
	state := domain.StreakState{
		CurrentStreak:    10,
		LongestStreak:    10,
		LastActivityDate: strPtr("2026-03-01"),
		FreezesAvailable: 3,
	}
	res := streak.Apply(state, "2026-03-05")
	if res.FreezeConsumed || res.State.CurrentStreak != 1 || res.State.FreezesAvailable != 3 {
		t.Fatalf("a freeze bridges exactly one missed day: %+v", res)
	}
}

func TestApplyMilestones(t *testing.T) {
	state := domain.StreakState{CurrentStreak: 6, LongestStreak: 6, LastActivityDate: strPtr("2026-03-01")}
	res := streak.Apply(state, "2026-03-02")
	if res.MilestoneReached != 7 {
		t.Fatalf("expected milestone 7, got %d", res.MilestoneReached)
	}
	// day 8 crosses nothing
	res = streak.Apply(res.State, "2026-03-03")
	if res.MilestoneReached != 0 {
		t.Fatalf("expected no milestone, got %d", res.MilestoneReached)
	}
}

func TestBonusCaps(t *testing.T) {
	if b := streak.Bonus(0); b != 0 {
		t.Fatalf("zero streak should yield no bonus, got %f", b)
	}
	if b := streak.Bonus(12); b != 0.12 {
		t.Fatalf("expected 0.12, got %f", b)
	}
	if b := streak.Bonus(45); b != 0.30 {
		t.Fatalf("expected cap at 0.30, got %f", b)
	}
}

func TestDayUsesUTC(t *testing.T) {
	// 23:30 in UTC-5 is already the next UTC day
	loc := time.FixedZone("UTC-5", -5*3600)
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, loc)
	if d := streak.Day(ts); d != "2026-03-02" {
		t.Fatalf("expected UTC day 2026-03-02, got %s", d)
	}
}
