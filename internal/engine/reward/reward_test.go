package reward_test

import (
	"errors"
	"testing"

	"tradepost/internal/engine/reward"
)

func intPtr(v int) *int { return &v }

func TestCalculateAdditiveStacking(t *testing.T) {
	// base 100, quality 80/100 -> +40, early -> +25, first attempt -> +15
	b, err := reward.Calculate(reward.Input{
		Difficulty:      reward.Beginner,
		QualityScore:    intPtr(80),
		EarlyCompletion: true,
		FirstAttempt:    true,
	})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if b.TotalXP != 180 {
		t.Fatalf("expected 180 XP, got %d", b.TotalXP)
	}
	if b.QualityBonusXP != 40 || b.EarlyBonusXP != 25 || b.FirstAttemptBonusXP != 15 {
		t.Fatalf("unexpected breakdown: %+v", b)
	}
}

func TestCalculateBaseOnly(t *testing.T) {
	for d, want := range map[reward.Difficulty]int64{
		reward.Beginner:     100,
		reward.Intermediate: 200,
		reward.Advanced:     350,
		reward.Expert:       500,
	} {
		b, err := reward.Calculate(reward.Input{Difficulty: d})
		if err != nil {
			t.Fatalf("%s: %v", d, err)
		}
		if b.TotalXP != want {
			t.Fatalf("%s: expected %d, got %d", d, want, b.TotalXP)
		}
	}
}

func TestCalculateStreakBonusFloors(t *testing.T) {
	// advanced 350 * (1 + 0.07) = 374.5 -> floored
	b, err := reward.Calculate(reward.Input{Difficulty: reward.Advanced, StreakBonus: 0.07})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if b.TotalXP != 374 {
		t.Fatalf("expected floor to 374, got %d", b.TotalXP)
	}
}

func TestCalculateRejectsBadInput(t *testing.T) {
	var invalid reward.InvalidInputError
	if _, err := reward.Calculate(reward.Input{Difficulty: "legendary"}); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid difficulty, got %v", err)
	}
	if _, err := reward.Calculate(reward.Input{Difficulty: reward.Beginner, QualityScore: intPtr(101)}); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid quality, got %v", err)
	}
	if _, err := reward.Calculate(reward.Input{Difficulty: reward.Beginner, QualityScore: intPtr(-1)}); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid quality, got %v", err)
	}
	if _, err := reward.Calculate(reward.Input{Difficulty: reward.Beginner, StreakBonus: -0.1}); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid streak bonus, got %v", err)
	}
}

func TestParseDifficulty(t *testing.T) {
	if _, err := reward.ParseDifficulty("expert"); err != nil {
		t.Fatalf("expert should parse: %v", err)
	}
	if _, err := reward.ParseDifficulty("impossible"); err == nil {
		t.Fatalf("expected parse failure")
	}
}
