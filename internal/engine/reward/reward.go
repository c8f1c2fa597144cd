package reward

import (
	"fmt"
	"math"
)

// Difficulty is a closed set; anything else is rejected by Calculate.
type Difficulty string

const (
	Beginner     Difficulty = "beginner"
	Intermediate Difficulty = "intermediate"
	Advanced     Difficulty = "advanced"
	Expert       Difficulty = "expert"
)

var baseXP = map[Difficulty]int64{
	Beginner:     100,
	Intermediate: 200,
	Advanced:     350,
	Expert:       500,
}

const (
	maxQualityBonus   = 0.50
	earlyBonus        = 0.25
	firstAttemptBonus = 0.15
)

// InvalidInputError reports a completion event the calculator refuses.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Input carries the completion signals the calculator prices.
// StreakBonus is an additive fraction supplied by the streak tracker;
// the calculator does not know how it was derived.
type Input struct {
	Difficulty      Difficulty
	QualityScore    *int // 0..100
	EarlyCompletion bool
	FirstAttempt    bool
	StreakBonus     float64
}

// Breakdown itemizes the award for downstream display. TotalXP is
// floor(base * (1 + sum of bonus fractions)) - bonuses stack additively,
// never multiplicatively, so totals stay predictable.
type Breakdown struct {
	BaseXP              int64   `json:"base_xp"`
	QualityBonus        float64 `json:"quality_bonus"`
	QualityBonusXP      int64   `json:"quality_bonus_xp"`
	EarlyBonusXP        int64   `json:"early_bonus_xp"`
	FirstAttemptBonusXP int64   `json:"first_attempt_bonus_xp"`
	StreakBonus         float64 `json:"streak_bonus"`
	StreakBonusXP       int64   `json:"streak_bonus_xp"`
	TotalXP             int64   `json:"total_xp"`
}

// ParseDifficulty validates a wire-level difficulty string.
func ParseDifficulty(s string) (Difficulty, error) {
	d := Difficulty(s)
	if _, ok := baseXP[d]; !ok {
		return "", InvalidInputError{Field: "difficulty", Reason: fmt.Sprintf("unknown tier %q", s)}
	}
	return d, nil
}

// Calculate is pure: completion event in, XP breakdown out.
func Calculate(in Input) (Breakdown, error) {
	base, ok := baseXP[in.Difficulty]
	if !ok {
		return Breakdown{}, InvalidInputError{Field: "difficulty", Reason: fmt.Sprintf("unknown tier %q", in.Difficulty)}
	}
	var quality float64
	if in.QualityScore != nil {
		score := *in.QualityScore
		if score < 0 || score > 100 {
			return Breakdown{}, InvalidInputError{Field: "quality_score", Reason: fmt.Sprintf("%d outside 0..100", score)}
		}
		quality = float64(score) / 100 * maxQualityBonus
	}
	if in.StreakBonus < 0 {
		return Breakdown{}, InvalidInputError{Field: "streak_bonus", Reason: "must not be negative"}
	}

	b := Breakdown{
		BaseXP:       base,
		QualityBonus: quality,
		StreakBonus:  in.StreakBonus,
	}
	sum := quality
	b.QualityBonusXP = int64(math.Floor(float64(base) * quality))
	if in.EarlyCompletion {
		sum += earlyBonus
		b.EarlyBonusXP = int64(math.Floor(float64(base) * earlyBonus))
	}
	if in.FirstAttempt {
		sum += firstAttemptBonus
		b.FirstAttemptBonusXP = int64(math.Floor(float64(base) * firstAttemptBonus))
	}
	sum += in.StreakBonus
	b.StreakBonusXP = int64(math.Floor(float64(base) * in.StreakBonus))
	b.TotalXP = int64(math.Floor(float64(base) * (1 + sum)))
	return b, nil
}
