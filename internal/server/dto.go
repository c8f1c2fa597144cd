package server

import (
	"tradepost/internal/domain"
	"tradepost/internal/engine"
)

// Request payloads

type CreateCollaborationRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type CreateRoleRequest struct {
	ID             *string  `json:"id,omitempty"`
	Title          string   `json:"title"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	Difficulty     string   `json:"difficulty" enum:"beginner,intermediate,advanced,expert"`
	EstimatedHours *int     `json:"estimated_hours,omitempty"`
}

type SubmitApplicationRequest struct {
	Message *string `json:"message,omitempty"`
}

type CompleteRoleRequest struct {
	QualityScore *int `json:"quality_score,omitempty" minimum:"0" maximum:"100"`
	FirstAttempt bool `json:"first_attempt,omitempty"`
}

type CreateTradeRequest struct {
	ID             *string `json:"id,omitempty"`
	OfferedSkill   string  `json:"offered_skill"`
	RequestedSkill string  `json:"requested_skill"`
	Difficulty     string  `json:"difficulty" enum:"beginner,intermediate,advanced,expert"`
	EstimatedHours *int    `json:"estimated_hours,omitempty"`
}

type SubmitProposalRequest struct {
	Message *string `json:"message,omitempty"`
}

type RequestCompletionRequest struct {
	QualityScore *int `json:"quality_score,omitempty" minimum:"0" maximum:"100"`
}

type CompletionRequest struct {
	Kind            string `json:"kind" enum:"solo,trade,collaboration"`
	EntityID        string `json:"entity_id,omitempty"`
	Difficulty      string `json:"difficulty" enum:"beginner,intermediate,advanced,expert"`
	QualityScore    *int   `json:"quality_score,omitempty" minimum:"0" maximum:"100"`
	EarlyCompletion bool   `json:"early_completion,omitempty"`
	FirstAttempt    bool   `json:"first_attempt,omitempty"`
}

type RecordActivityRequest struct {
	Category string  `json:"category" enum:"login,practice,challenge"`
	At       *string `json:"at,omitempty" format:"date-time"`
}

type GrantFreezesRequest struct {
	ActorID  string `json:"actor_id"`
	Category string `json:"category" enum:"login,practice,challenge"`
	Count    int    `json:"count" minimum:"1"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type TradeCompletionResponse struct {
	Trade       domain.Trade               `json:"trade"`
	Completed   bool                       `json:"completed"`
	Progression []engine.ProgressionResult `json:"progression,omitempty"`
}

type RoleCompletionResponse struct {
	Role        domain.Role               `json:"role"`
	Progression *engine.ProgressionResult `json:"progression,omitempty"`
}

type StreakResultResponse struct {
	State            domain.StreakState `json:"state"`
	Changed          bool               `json:"changed"`
	FreezeConsumed   bool               `json:"freeze_consumed"`
	MilestoneReached int                `json:"milestone_reached,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
