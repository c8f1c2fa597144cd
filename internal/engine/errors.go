package engine

import "fmt"

// RoleNotOpenError rejects applications against roles that already left
// the open state.
type RoleNotOpenError struct {
	RoleID string
	Status string
}

func (e RoleNotOpenError) Error() string {
	return fmt.Sprintf("role %s is %s, not open", e.RoleID, e.Status)
}

// DuplicateApplicationError rejects a second non-rejected application by
// the same applicant for the same role.
type DuplicateApplicationError struct {
	RoleID      string
	ApplicantID string
}

func (e DuplicateApplicationError) Error() string {
	return fmt.Sprintf("applicant %s already has an active application for role %s", e.ApplicantID, e.RoleID)
}

// TradeNotOpenError rejects proposals against trades that already left
// the open state.
type TradeNotOpenError struct {
	TradeID string
	Status  string
}

func (e TradeNotOpenError) Error() string {
	return fmt.Sprintf("trade %s is %s, not open", e.TradeID, e.Status)
}

// DuplicateProposalError rejects a second non-rejected proposal by the
// same proposer for the same trade.
type DuplicateProposalError struct {
	TradeID    string
	ProposerID string
}

func (e DuplicateProposalError) Error() string {
	return fmt.Sprintf("proposer %s already has an active proposal for trade %s", e.ProposerID, e.TradeID)
}

// UnauthorizedTransitionError rejects a lifecycle action by an actor who
// does not hold the required relationship to the entity.
type UnauthorizedTransitionError struct {
	EntityKind string
	EntityID   string
	Action     string
	ActorID    string
}

func (e UnauthorizedTransitionError) Error() string {
	return fmt.Sprintf("actor %s may not %s %s %s", e.ActorID, e.Action, e.EntityKind, e.EntityID)
}

// InvalidTransitionError rejects a lifecycle action the entity's current
// status does not permit, regardless of who asks.
type InvalidTransitionError struct {
	EntityKind string
	EntityID   string
	From       string
	Action     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot %s from status %s", e.EntityKind, e.EntityID, e.Action, e.From)
}

// ConflictError surfaces a lost optimistic-concurrency race to the caller
// after retries are exhausted or where retrying is not meaningful.
type ConflictError struct {
	EntityKind string
	EntityID   string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently, retry", e.EntityKind, e.EntityID)
}

// ProgressionConflictError reports that a progression update kept losing
// its optimistic write race past the retry budget. The completion that
// triggered it is already committed; callers may replay the progression
// side later.
type ProgressionConflictError struct {
	ActorID  string
	Attempts int
}

func (e ProgressionConflictError) Error() string {
	return fmt.Sprintf("progression update for actor %s lost write race %d times", e.ActorID, e.Attempts)
}
