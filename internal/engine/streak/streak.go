package streak

import (
	"time"

	"tradepost/internal/domain"
)

// Streak categories. The qualifying period for all of them is the UTC
// calendar day.
const (
	CategoryLogin     = "login"
	CategoryPractice  = "practice"
	CategoryChallenge = "challenge"
)

// Milestones trigger streak.milestone_reached events and feed the
// achievement evaluator. Fixed business rule.
var Milestones = []int{7, 30, 100}

const (
	bonusPerDay = 0.01
	maxBonus    = 0.30
)

const dayLayout = "2006-01-02"

// Result is the outcome of applying one activity record.
type Result struct {
	State            domain.StreakState
	Changed          bool
	FreezeConsumed   bool
	MilestoneReached int // 0 when no milestone was crossed
}

// ValidCategory reports whether the category is one of the closed set.
func ValidCategory(c string) bool {
	return c == CategoryLogin || c == CategoryPractice || c == CategoryChallenge
}

// Day truncates a timestamp to its UTC qualifying period.
func Day(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// Bonus maps a current streak length to the additive reward fraction the
// calculator applies: 1% per consecutive day, capped at 30%.
func Bonus(currentStreak int) float64 {
	if currentStreak <= 0 {
		return 0
	}
	b := float64(currentStreak) * bonusPerDay
	if b > maxBonus {
		return maxBonus
	}
	return b
}

// Apply computes the next streak state for an activity on the given day.
// Pure: callers persist the returned state under the per-actor transaction.
//
// Same-day activity is a no-op so repeated completions never inflate the
// streak. A gap of exactly one missed day is bridged by consuming a freeze
// when one is available; larger gaps, or no freeze, reset the streak to 1.
func Apply(state domain.StreakState, day string) Result {
	res := Result{State: state}
	if state.LastActivityDate == nil {
		res.State.CurrentStreak = 1
		res.Changed = true
	} else {
		gap := daysBetween(*state.LastActivityDate, day)
		switch {
		case gap <= 0:
			// Same period, or clock skew putting the activity in the
			// past: leave the streak untouched.
			return res
		case gap == 1:
			res.State.CurrentStreak = state.CurrentStreak + 1
			res.Changed = true
		case gap == 2 && state.FreezesAvailable > 0:
			res.State.CurrentStreak = state.CurrentStreak + 1
			res.State.FreezesAvailable = state.FreezesAvailable - 1
			res.State.FreezesUsed = state.FreezesUsed + 1
			res.FreezeConsumed = true
			res.Changed = true
		default:
			res.State.CurrentStreak = 1
			res.Changed = true
		}
	}
	d := day
	res.State.LastActivityDate = &d
	if res.State.CurrentStreak > res.State.LongestStreak {
		res.State.LongestStreak = res.State.CurrentStreak
	}
	if res.Changed {
		for _, m := range Milestones {
			if res.State.CurrentStreak == m && state.CurrentStreak < m {
				res.MilestoneReached = m
			}
		}
	}
	return res
}

func daysBetween(from, to string) int {
	a, err := time.Parse(dayLayout, from)
	if err != nil {
		return 0
	}
	b, err := time.Parse(dayLayout, to)
	if err != nil {
		return 0
	}
	return int(b.Sub(a).Hours() / 24)
}
