package achieve

import (
	"tradepost/internal/domain"
	"tradepost/internal/engine/streak"
)

// Stats is the snapshot a rule predicate sees: the actor's progression
// document plus streak states keyed by category.
type Stats struct {
	Progress domain.UserProgress
	Streaks  map[string]domain.StreakState
}

func (s Stats) totalCompletions() int {
	return s.Progress.SoloCompleted + s.Progress.TradeCompleted + s.Progress.CollabCompleted
}

func (s Stats) longestStreak(category string) int {
	if st, ok := s.Streaks[category]; ok {
		return st.LongestStreak
	}
	return 0
}

// Rule is one achievement definition. The table is fixed and versioned;
// bumping Version when a predicate changes keeps old unlock records
// attributable to the rule text that granted them.
type Rule struct {
	ID          string
	Version     int
	Description string
	Predicate   func(Stats) bool
}

// Rules is the full achievement table, evaluated after every completion.
var Rules = []Rule{
	{ID: "first_steps", Version: 1, Description: "Complete your first item",
		Predicate: func(s Stats) bool { return s.totalCompletions() >= 1 }},
	{ID: "solo_artist", Version: 1, Description: "Complete 3 solo challenges",
		Predicate: func(s Stats) bool { return s.Progress.SoloCompleted >= 3 }},
	{ID: "solo_master", Version: 1, Description: "Complete 10 solo challenges",
		Predicate: func(s Stats) bool { return s.Progress.SoloCompleted >= 10 }},
	{ID: "first_trade", Version: 1, Description: "Complete a skill trade",
		Predicate: func(s Stats) bool { return s.Progress.TradeCompleted >= 1 }},
	{ID: "trading_post", Version: 1, Description: "Complete 5 skill trades",
		Predicate: func(s Stats) bool { return s.Progress.TradeCompleted >= 5 }},
	{ID: "team_player", Version: 1, Description: "Complete a collaboration role",
		Predicate: func(s Stats) bool { return s.Progress.CollabCompleted >= 1 }},
	{ID: "level_5", Version: 1, Description: "Reach level 5",
		Predicate: func(s Stats) bool { return s.Progress.Level >= 5 }},
	{ID: "level_10", Version: 1, Description: "Reach level 10",
		Predicate: func(s Stats) bool { return s.Progress.Level >= 10 }},
	{ID: "xp_1000", Version: 1, Description: "Earn 1000 total XP",
		Predicate: func(s Stats) bool { return s.Progress.TotalXP >= 1000 }},
	{ID: "xp_10000", Version: 1, Description: "Earn 10000 total XP",
		Predicate: func(s Stats) bool { return s.Progress.TotalXP >= 10000 }},
	{ID: "streak_7", Version: 1, Description: "Hold a 7 day challenge streak",
		Predicate: func(s Stats) bool { return s.longestStreak(streak.CategoryChallenge) >= 7 }},
	{ID: "streak_30", Version: 1, Description: "Hold a 30 day challenge streak",
		Predicate: func(s Stats) bool { return s.longestStreak(streak.CategoryChallenge) >= 30 }},
	{ID: "streak_100", Version: 1, Description: "Hold a 100 day challenge streak",
		Predicate: func(s Stats) bool { return s.longestStreak(streak.CategoryChallenge) >= 100 }},
}

// ByID looks a rule up by its identifier.
func ByID(id string) (Rule, bool) {
	for _, r := range Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// NewlySatisfied returns rules whose predicate flipped from false to true
// across this event. The caller still checks for an existing unlock record
// inside the same transaction before creating one - the flip check alone
// is not enough under concurrent events for the same actor.
func NewlySatisfied(before, after Stats) []Rule {
	var out []Rule
	for _, r := range Rules {
		if !r.Predicate(before) && r.Predicate(after) {
			out = append(out, r)
		}
	}
	return out
}
