package tier

import (
	"fmt"

	"tradepost/internal/domain"
)

// Tier is the challenge/role tier ladder.
type Tier string

const (
	Solo          Tier = "solo"
	Trade         Tier = "trade"
	Collaboration Tier = "collaboration"
)

// Decision is the outcome of an access check, with a human-readable
// reason when access is denied.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Parse validates a wire-level tier string.
func Parse(s string) (Tier, error) {
	switch Tier(s) {
	case Solo, Trade, Collaboration:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// CanAccess applies the fixed gate rules:
// solo is always open; trade needs 3 solo completions and skill level 2;
// collaboration needs 5 trade completions and skill level 3.
func CanAccess(p domain.UserProgress, requested Tier) Decision {
	switch requested {
	case Solo:
		return Decision{Allowed: true}
	case Trade:
		if p.SoloCompleted < 3 {
			return Decision{Reason: fmt.Sprintf("trade tier requires 3 solo completions, have %d", p.SoloCompleted)}
		}
		if p.SkillLevel < 2 {
			return Decision{Reason: fmt.Sprintf("trade tier requires skill level 2, have %d", p.SkillLevel)}
		}
		return Decision{Allowed: true}
	case Collaboration:
		if p.TradeCompleted < 5 {
			return Decision{Reason: fmt.Sprintf("collaboration tier requires 5 trade completions, have %d", p.TradeCompleted)}
		}
		if p.SkillLevel < 3 {
			return Decision{Reason: fmt.Sprintf("collaboration tier requires skill level 3, have %d", p.SkillLevel)}
		}
		return Decision{Allowed: true}
	}
	return Decision{Reason: fmt.Sprintf("unknown tier %q", requested)}
}

// Next returns the tier above the given one, if any.
func Next(t Tier) (Tier, bool) {
	switch t {
	case Solo:
		return Trade, true
	case Trade:
		return Collaboration, true
	}
	return "", false
}

// NewlyUnlocked reports the tier that a completion just opened, comparing
// access before and after the counters moved.
func NewlyUnlocked(before, after domain.UserProgress) (Tier, bool) {
	for _, t := range []Tier{Trade, Collaboration} {
		if !CanAccess(before, t).Allowed && CanAccess(after, t).Allowed {
			return t, true
		}
	}
	return "", false
}

// levelThresholds[i] is the minimum total XP for level i+1. Monotonic by
// construction; LevelForXP returns the largest level whose threshold is
// at or below the total.
var levelThresholds = []int64{
	0, 100, 250, 500, 1000,
	1750, 2750, 4000, 5500, 7500,
	10000, 13000, 16500, 20500, 25000,
	30000, 36000, 43000, 51000, 60000,
}

// LevelForXP derives the level from total XP.
func LevelForXP(totalXP int64) int {
	level := 1
	for i, threshold := range levelThresholds {
		if totalXP >= threshold {
			level = i + 1
		}
	}
	return level
}

// SkillLevelForLevel maps levels to the four skill bands. Monotonic, so a
// stored skill level never regresses when recomputed on an award.
func SkillLevelForLevel(level int) int {
	switch {
	case level >= 15:
		return 4
	case level >= 10:
		return 3
	case level >= 5:
		return 2
	default:
		return 1
	}
}
