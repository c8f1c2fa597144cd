package tradepostsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tradepost HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Collaboration represents the API collaboration model (partial).
type Collaboration struct {
	ID        string `json:"id"`
	MarketID  string `json:"market_id"`
	CreatorID string `json:"creator_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
}

// Role represents a role within a collaboration.
type Role struct {
	ID              string   `json:"id"`
	CollaborationID string   `json:"collaboration_id"`
	Title           string   `json:"title"`
	RequiredSkills  []string `json:"required_skills"`
	Difficulty      string   `json:"difficulty"`
	Status          string   `json:"status"`
}

// Application represents a role application.
type Application struct {
	ID          string `json:"id"`
	RoleID      string `json:"role_id"`
	ApplicantID string `json:"applicant_id"`
	Status      string `json:"status"`
}

// Trade represents a two-party skill exchange.
type Trade struct {
	ID             string  `json:"id"`
	CreatorID      string  `json:"creator_id"`
	CounterpartyID *string `json:"counterparty_id,omitempty"`
	OfferedSkill   string  `json:"offered_skill"`
	RequestedSkill string  `json:"requested_skill"`
	Difficulty     string  `json:"difficulty"`
	Status         string  `json:"status"`
}

// Proposal represents a proposal on a trade.
type Proposal struct {
	ID         string `json:"id"`
	TradeID    string `json:"trade_id"`
	ProposerID string `json:"proposer_id"`
	Status     string `json:"status"`
}

// Progress represents an actor's progression snapshot.
type Progress struct {
	ActorID         string `json:"actor_id"`
	TotalXP         int64  `json:"total_xp"`
	Level           int    `json:"level"`
	SkillLevel      int    `json:"skill_level"`
	SoloCompleted   int    `json:"solo_completed"`
	TradeCompleted  int    `json:"trade_completed"`
	CollabCompleted int    `json:"collab_completed"`
}

// StreakState represents one streak category.
type StreakState struct {
	ActorID          string  `json:"actor_id"`
	Category         string  `json:"category"`
	CurrentStreak    int     `json:"current_streak"`
	LongestStreak    int     `json:"longest_streak"`
	LastActivityDate *string `json:"last_activity_date,omitempty"`
	FreezesAvailable int     `json:"freezes_available"`
}

// AchievementUnlock records a permanently unlocked achievement.
type AchievementUnlock struct {
	ID            string `json:"id"`
	ActorID       string `json:"actor_id"`
	AchievementID string `json:"achievement_id"`
	RuleVersion   int    `json:"rule_version"`
	UnlockedAt    string `json:"unlocked_at"`
}

// RewardBreakdown itemizes an XP award.
type RewardBreakdown struct {
	BaseXP              int64   `json:"base_xp"`
	QualityBonus        float64 `json:"quality_bonus"`
	QualityBonusXP      int64   `json:"quality_bonus_xp"`
	EarlyBonusXP        int64   `json:"early_bonus_xp"`
	FirstAttemptBonusXP int64   `json:"first_attempt_bonus_xp"`
	StreakBonus         float64 `json:"streak_bonus"`
	StreakBonusXP       int64   `json:"streak_bonus_xp"`
	TotalXP             int64   `json:"total_xp"`
}

// ProgressionResult is the outcome of one completion.
type ProgressionResult struct {
	ActorID         string              `json:"actor_id"`
	Reward          RewardBreakdown     `json:"reward"`
	Progress        Progress            `json:"progress"`
	Streak          StreakState         `json:"streak"`
	StreakMilestone int                 `json:"streak_milestone,omitempty"`
	TierUnlocked    string              `json:"tier_unlocked,omitempty"`
	Achievements    []AchievementUnlock `json:"achievements,omitempty"`
}

// TradeCompletion wraps the result of a completion confirmation.
type TradeCompletion struct {
	Trade       Trade               `json:"trade"`
	Completed   bool                `json:"completed"`
	Progression []ProgressionResult `json:"progression,omitempty"`
}

// AccessDecision reports whether an actor may enter a tier.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Event represents a log entry. Payload is the raw JSON document
// appended by the engine.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	MarketID   string `json:"market_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCollaboration opens a collaboration.
func (c *Client) CreateCollaboration(ctx context.Context, title, description string) (Collaboration, error) {
	body := map[string]any{"title": title, "description": description}
	var resp Collaboration
	err := c.do(ctx, http.MethodPost, "v0/collaborations", body, &resp)
	return resp, err
}

// CreateRole defines a role in a collaboration.
func (c *Client) CreateRole(ctx context.Context, collaborationID, title, difficulty string, skills []string) (Role, error) {
	body := map[string]any{
		"title":           title,
		"difficulty":      difficulty,
		"required_skills": skills,
	}
	var resp Role
	endpoint := fmt.Sprintf("v0/collaborations/%s/roles", url.PathEscape(collaborationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Apply submits an application to an open role.
func (c *Client) Apply(ctx context.Context, roleID, message string) (Application, error) {
	body := map[string]any{"message": message}
	var resp Application
	endpoint := fmt.Sprintf("v0/roles/%s/applications", url.PathEscape(roleID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AcceptApplication fills the role with the given applicant.
func (c *Client) AcceptApplication(ctx context.Context, roleID, applicationID string) (Role, error) {
	var resp Role
	endpoint := fmt.Sprintf("v0/roles/%s/applications/%s/accept", url.PathEscape(roleID), url.PathEscape(applicationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CompleteRole completes a filled role; quality may be nil.
func (c *Client) CompleteRole(ctx context.Context, roleID string, quality *int, firstAttempt bool) (Role, *ProgressionResult, error) {
	body := map[string]any{"first_attempt": firstAttempt}
	if quality != nil {
		body["quality_score"] = *quality
	}
	var resp struct {
		Role        Role               `json:"role"`
		Progression *ProgressionResult `json:"progression,omitempty"`
	}
	endpoint := fmt.Sprintf("v0/roles/%s/complete", url.PathEscape(roleID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Role, resp.Progression, err
}

// CreateTrade opens a trade.
func (c *Client) CreateTrade(ctx context.Context, offered, requested, difficulty string) (Trade, error) {
	body := map[string]any{
		"offered_skill":   offered,
		"requested_skill": requested,
		"difficulty":      difficulty,
	}
	var resp Trade
	err := c.do(ctx, http.MethodPost, "v0/trades", body, &resp)
	return resp, err
}

// Propose submits a proposal on an open trade.
func (c *Client) Propose(ctx context.Context, tradeID, message string) (Proposal, error) {
	body := map[string]any{"message": message}
	var resp Proposal
	endpoint := fmt.Sprintf("v0/trades/%s/proposals", url.PathEscape(tradeID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AcceptProposal locks in a counterparty and starts the trade.
func (c *Client) AcceptProposal(ctx context.Context, tradeID, proposalID string) (Trade, error) {
	var resp Trade
	endpoint := fmt.Sprintf("v0/trades/%s/proposals/%s/accept", url.PathEscape(tradeID), url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ConfirmTrade confirms completion from the caller's side. The optional
// rating scores the counterparty's work 0-100.
func (c *Client) ConfirmTrade(ctx context.Context, tradeID string, rating *int) (TradeCompletion, error) {
	body := map[string]any{}
	if rating != nil {
		body["quality_score"] = *rating
	}
	var resp TradeCompletion
	endpoint := fmt.Sprintf("v0/trades/%s/complete", url.PathEscape(tradeID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordCompletion reports a completion directly, e.g. a solo challenge.
func (c *Client) RecordCompletion(ctx context.Context, kind, entityID, difficulty string, quality *int, early, firstAttempt bool) (ProgressionResult, error) {
	body := map[string]any{
		"kind":             kind,
		"entity_id":        entityID,
		"difficulty":       difficulty,
		"early_completion": early,
		"first_attempt":    firstAttempt,
	}
	if quality != nil {
		body["quality_score"] = *quality
	}
	var resp ProgressionResult
	err := c.do(ctx, http.MethodPost, "v0/progression/completions", body, &resp)
	return resp, err
}

// RecordActivity records a streak activity such as a login.
func (c *Client) RecordActivity(ctx context.Context, category string) (StreakState, error) {
	body := map[string]any{"category": category}
	var resp struct {
		State            StreakState `json:"state"`
		Changed          bool        `json:"changed"`
		FreezeConsumed   bool        `json:"freeze_consumed"`
		MilestoneReached int         `json:"milestone_reached"`
	}
	err := c.do(ctx, http.MethodPost, "v0/progression/activity", body, &resp)
	return resp.State, err
}

// Progress returns an actor's progression snapshot.
func (c *Client) Progress(ctx context.Context, actorID string) (Progress, error) {
	var resp Progress
	endpoint := fmt.Sprintf("v0/actors/%s/progress", url.PathEscape(actorID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Streaks returns all streak categories for an actor.
func (c *Client) Streaks(ctx context.Context, actorID string) ([]StreakState, error) {
	var resp []StreakState
	endpoint := fmt.Sprintf("v0/actors/%s/streaks", url.PathEscape(actorID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Achievements returns an actor's unlocked achievements.
func (c *Client) Achievements(ctx context.Context, actorID string) ([]AchievementUnlock, error) {
	var resp []AchievementUnlock
	endpoint := fmt.Sprintf("v0/actors/%s/achievements", url.PathEscape(actorID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CanAccess checks tier access for an actor.
func (c *Client) CanAccess(ctx context.Context, actorID, tier string) (AccessDecision, error) {
	var resp AccessDecision
	endpoint := fmt.Sprintf("v0/actors/%s/access/%s", url.PathEscape(actorID), url.PathEscape(tier))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, optionally after a cursor id.
func (c *Client) Events(ctx context.Context, limit int, from int64) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if from > 0 {
		params.Set("from", fmt.Sprintf("%d", from))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
