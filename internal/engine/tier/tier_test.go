package tier_test

import (
	"testing"

	"tradepost/internal/domain"
	"tradepost/internal/engine/tier"
)

func TestSoloAlwaysOpen(t *testing.T) {
	d := tier.CanAccess(domain.UserProgress{}, tier.Solo)
	if !d.Allowed {
		t.Fatalf("solo should always be open: %+v", d)
	}
}

func TestTradeGate(t *testing.T) {
	p := domain.UserProgress{SoloCompleted: 2, SkillLevel: 2}
	if d := tier.CanAccess(p, tier.Trade); d.Allowed {
		t.Fatalf("2 solo completions should not open trade")
	}
	p.SoloCompleted = 3
	if d := tier.CanAccess(p, tier.Trade); !d.Allowed {
		t.Fatalf("3 solo + skill 2 should open trade: %s", d.Reason)
	}
	p.SkillLevel = 1
	if d := tier.CanAccess(p, tier.Trade); d.Allowed {
		t.Fatalf("skill 1 should not open trade")
	}
}

func TestCollaborationGate(t *testing.T) {
	p := domain.UserProgress{TradeCompleted: 5, SkillLevel: 3}
	if d := tier.CanAccess(p, tier.Collaboration); !d.Allowed {
		t.Fatalf("5 trades + skill 3 should open collaboration: %s", d.Reason)
	}
	p.TradeCompleted = 4
	if d := tier.CanAccess(p, tier.Collaboration); d.Allowed {
		t.Fatalf("4 trades should not open collaboration")
	}
}

func TestNewlyUnlocked(t *testing.T) {
	before := domain.UserProgress{SoloCompleted: 2, SkillLevel: 2}
	after := before
	after.SoloCompleted = 3
	unlocked, ok := tier.NewlyUnlocked(before, after)
	if !ok || unlocked != tier.Trade {
		t.Fatalf("expected trade unlock, got %q %v", unlocked, ok)
	}
	if _, ok := tier.NewlyUnlocked(after, after); ok {
		t.Fatalf("no counter movement should unlock nothing")
	}
}

func TestLevelForXP(t *testing.T) {
	cases := []struct {
		xp    int64
		level int
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{250, 3},
		{999, 4},
		{1000, 5},
		{60000, 20},
		{999999, 20},
	}
	for _, c := range cases {
		if got := tier.LevelForXP(c.xp); got != c.level {
			t.Fatalf("xp %d: expected level %d, got %d", c.xp, c.level, got)
		}
	}
}

func TestSkillLevelBands(t *testing.T) {
	cases := map[int]int{1: 1, 4: 1, 5: 2, 9: 2, 10: 3, 14: 3, 15: 4, 20: 4}
	for level, want := range cases {
		if got := tier.SkillLevelForLevel(level); got != want {
			t.Fatalf("level %d: expected skill %d, got %d", level, want, got)
		}
	}
}

func TestParse(t *testing.T) {
	if _, err := tier.Parse("trade"); err != nil {
		t.Fatalf("trade should parse: %v", err)
	}
	if _, err := tier.Parse("raid"); err == nil {
		t.Fatalf("expected parse failure")
	}
}
