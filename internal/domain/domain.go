package domain

type Collaboration struct {
	ID          string `json:"id"`
	MarketID    string `json:"market_id"`
	CreatorID   string `json:"creator_id"`
	Title       string `json:"title"`
	Status      string `json:"status" enum:"active,cancelled"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Role struct {
	ID              string   `json:"id"`
	MarketID        string   `json:"market_id"`
	CollaborationID string   `json:"collaboration_id"`
	OwnerID         string   `json:"owner_id"`
	Title           string   `json:"title"`
	RequiredSkills  []string `json:"required_skills,omitempty"`
	Difficulty      string   `json:"difficulty" enum:"beginner,intermediate,advanced,expert"`
	Status          string   `json:"status" enum:"open,filled,completed,closed"`
	AcceptedAppID   *string  `json:"accepted_application_id,omitempty"`
	EstimatedHours  *int     `json:"estimated_hours,omitempty"`
	Version         int64    `json:"version"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	FilledAt        *string  `json:"filled_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

type Application struct {
	ID          string  `json:"id"`
	RoleID      string  `json:"role_id"`
	ApplicantID string  `json:"applicant_id"`
	Status      string  `json:"status" enum:"pending,accepted,rejected"`
	Message     string  `json:"message,omitempty"`
	SubmittedAt string  `json:"submitted_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

type Trade struct {
	ID             string  `json:"id"`
	MarketID       string  `json:"market_id"`
	CreatorID      string  `json:"creator_id"`
	CounterpartyID *string `json:"counterparty_id,omitempty"`
	OfferedSkill   string  `json:"offered_skill"`
	RequestedSkill string  `json:"requested_skill"`
	Difficulty     string  `json:"difficulty" enum:"beginner,intermediate,advanced,expert"`
	Status         string  `json:"status" enum:"open,in_progress,pending_confirmation_creator,pending_confirmation_counterparty,completed,disputed,cancelled"`
	EstimatedHours *int    `json:"estimated_hours,omitempty"`
	Version        int64   `json:"version"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
}

type Proposal struct {
	ID          string  `json:"id"`
	TradeID     string  `json:"trade_id"`
	ProposerID  string  `json:"proposer_id"`
	Status      string  `json:"status" enum:"pending,accepted,rejected"`
	Message     string  `json:"message,omitempty"`
	SubmittedAt string  `json:"submitted_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

// UserProgress is the per-actor progression document. TotalXP only ever
// grows; Level and SkillLevel are recomputed from TotalXP on every award.
type UserProgress struct {
	ActorID         string `json:"actor_id"`
	MarketID        string `json:"market_id"`
	TotalXP         int64  `json:"total_xp"`
	Level           int    `json:"level"`
	SkillLevel      int    `json:"skill_level"`
	SoloCompleted   int    `json:"solo_completed"`
	TradeCompleted  int    `json:"trade_completed"`
	CollabCompleted int    `json:"collab_completed"`
	Version         int64  `json:"version"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type StreakState struct {
	ActorID          string  `json:"actor_id"`
	Category         string  `json:"category" enum:"login,practice,challenge"`
	CurrentStreak    int     `json:"current_streak"`
	LongestStreak    int     `json:"longest_streak"`
	LastActivityDate *string `json:"last_activity_date,omitempty" format:"date"`
	FreezesAvailable int     `json:"freezes_available"`
	FreezesUsed      int     `json:"freezes_used"`
	Version          int64   `json:"version"`
}

type AchievementUnlock struct {
	ID            string `json:"id"`
	ActorID       string `json:"actor_id"`
	AchievementID string `json:"achievement_id"`
	RuleVersion   int    `json:"rule_version"`
	UnlockedAt    string `json:"unlocked_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MarketID   string `json:"market_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActingActor is the already-authenticated identity every engine operation
// receives. The engine never looks identity up itself; ownership and role
// checks are pure functions of this value and the entity's stored fields.
type ActingActor struct {
	ID    string
	Roles []string
}

func (a ActingActor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}
