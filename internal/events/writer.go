package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Outbound event types. Delivery is the notification collaborator's job
// (webhook dispatcher); the engine only records them, inside the same
// transaction as the state change they describe.
const (
	RoleFilled             = "role.filled"
	RoleCompleted          = "role.completed"
	TradeStateChanged      = "trade.state_changed"
	XPAwarded              = "xp.awarded"
	TierUnlocked           = "tier.unlocked"
	AchievementUnlocked    = "achievement.unlocked"
	StreakMilestoneReached = "streak.milestone_reached"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, marketID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,market_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(marketID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
