package achieve_test

import (
	"testing"

	"tradepost/internal/domain"
	"tradepost/internal/engine/achieve"
	"tradepost/internal/engine/streak"
)

func TestNewlySatisfiedFirstCompletion(t *testing.T) {
	before := achieve.Stats{}
	after := achieve.Stats{Progress: domain.UserProgress{SoloCompleted: 1}}
	rules := achieve.NewlySatisfied(before, after)
	if len(rules) != 1 || rules[0].ID != "first_steps" {
		t.Fatalf("expected first_steps only, got %+v", rules)
	}
}

func TestNewlySatisfiedThresholdCrossing(t *testing.T) {
	before := achieve.Stats{Progress: domain.UserProgress{SoloCompleted: 2}}
	after := achieve.Stats{Progress: domain.UserProgress{SoloCompleted: 3}}
	rules := achieve.NewlySatisfied(before, after)
	if len(rules) != 1 || rules[0].ID != "solo_artist" {
		t.Fatalf("expected solo_artist only, got %+v", rules)
	}
	// already past the threshold: nothing flips
	if rules := achieve.NewlySatisfied(after, after); len(rules) != 0 {
		t.Fatalf("expected no flips, got %+v", rules)
	}
}

func TestStreakRulesUseLongestStreak(t *testing.T) {
	before := achieve.Stats{
		Streaks: map[string]domain.StreakState{
			streak.CategoryChallenge: {LongestStreak: 6},
		},
	}
	after := achieve.Stats{
		Streaks: map[string]domain.StreakState{
			streak.CategoryChallenge: {LongestStreak: 7},
		},
	}
	rules := achieve.NewlySatisfied(before, after)
	if len(rules) != 1 || rules[0].ID != "streak_7" {
		t.Fatalf("expected streak_7, got %+v", rules)
	}
	// login streaks do not count toward the challenge streak rules
	loginOnly := achieve.Stats{
		Streaks: map[string]domain.StreakState{
			streak.CategoryLogin: {LongestStreak: 7},
		},
	}
	if rules := achieve.NewlySatisfied(before, loginOnly); len(rules) != 0 {
		t.Fatalf("login streak should not unlock streak_7: %+v", rules)
	}
}

func TestByID(t *testing.T) {
	r, ok := achieve.ByID("xp_1000")
	if !ok || r.Version != 1 {
		t.Fatalf("expected xp_1000 v1, got %+v %v", r, ok)
	}
	if _, ok := achieve.ByID("missing"); ok {
		t.Fatalf("unexpected rule")
	}
}
