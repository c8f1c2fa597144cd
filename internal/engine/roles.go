package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/domain"
	"tradepost/internal/engine/reward"
	"tradepost/internal/events"
	"tradepost/internal/repo"
)

// CollaborationCreateOptions are parameters for creating a collaboration.
type CollaborationCreateOptions struct {
	ID          string
	Title       string
	Description string
}

func (e Engine) CreateCollaboration(ctx context.Context, actor domain.ActingActor, opts CollaborationCreateOptions) (domain.Collaboration, error) {
	if opts.Title == "" {
		return domain.Collaboration{}, reward.InvalidInputError{Field: "title", Reason: "required"}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	c := domain.Collaboration{
		ID:          opts.ID,
		MarketID:    e.marketID(),
		CreatorID:   actor.ID,
		Title:       opts.Title,
		Status:      "active",
		Description: opts.Description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Collaboration{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, c.CreatedAt); err != nil {
		return domain.Collaboration{}, err
	}
	if err := e.Repo.InsertCollaborationTx(ctx, tx, c); err != nil {
		return domain.Collaboration{}, fmt.Errorf("insert collaboration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Collaboration{}, err
	}
	return c, nil
}

// CancelCollaboration cancels a collaboration and, in the same
// transaction, closes its open and filled roles and rejects their pending
// applications.
func (e Engine) CancelCollaboration(ctx context.Context, actor domain.ActingActor, collaborationID string) error {
	c, err := e.Repo.GetCollaboration(ctx, collaborationID)
	if err != nil {
		return err
	}
	if c.CreatorID != actor.ID && !actor.HasRole("admin") {
		return UnauthorizedTransitionError{EntityKind: "collaboration", EntityID: collaborationID, Action: "cancel", ActorID: actor.ID}
	}
	if c.Status != "active" {
		return InvalidTransitionError{EntityKind: "collaboration", EntityID: collaborationID, From: c.Status, Action: "cancel"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateCollaborationStatusTx(ctx, tx, collaborationID, "cancelled"); err != nil {
		return err
	}
	roles, err := e.Repo.OpenRolesByCollaborationTx(ctx, tx, collaborationID)
	if err != nil {
		return err
	}
	for _, role := range roles {
		role.Status = "closed"
		if err := e.Repo.UpdateRoleTx(ctx, tx, role); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return ConflictError{EntityKind: "role", EntityID: role.ID}
			}
			return err
		}
		if err := e.Repo.RejectPendingApplicationsTx(ctx, tx, role.ID, "", now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RoleCreateOptions are parameters for defining a role in a collaboration.
type RoleCreateOptions struct {
	ID              string
	CollaborationID string
	Title           string
	RequiredSkills  []string
	Difficulty      string
	EstimatedHours  *int
}

func (e Engine) CreateRole(ctx context.Context, actor domain.ActingActor, opts RoleCreateOptions) (domain.Role, error) {
	if opts.Title == "" {
		return domain.Role{}, reward.InvalidInputError{Field: "title", Reason: "required"}
	}
	if _, err := reward.ParseDifficulty(opts.Difficulty); err != nil {
		return domain.Role{}, err
	}
	for _, s := range opts.RequiredSkills {
		if !e.skillKnown(s) {
			return domain.Role{}, reward.InvalidInputError{Field: "required_skills", Reason: fmt.Sprintf("unknown skill %q", s)}
		}
	}
	c, err := e.Repo.GetCollaboration(ctx, opts.CollaborationID)
	if err != nil {
		return domain.Role{}, err
	}
	if c.CreatorID != actor.ID {
		return domain.Role{}, UnauthorizedTransitionError{EntityKind: "collaboration", EntityID: c.ID, Action: "define role in", ActorID: actor.ID}
	}
	if c.Status != "active" {
		return domain.Role{}, InvalidTransitionError{EntityKind: "collaboration", EntityID: c.ID, From: c.Status, Action: "define role in"}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	role := domain.Role{
		ID:              opts.ID,
		MarketID:        e.marketID(),
		CollaborationID: c.ID,
		OwnerID:         c.CreatorID,
		Title:           opts.Title,
		RequiredSkills:  opts.RequiredSkills,
		Difficulty:      opts.Difficulty,
		Status:          "open",
		EstimatedHours:  opts.EstimatedHours,
		CreatedAt:       e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Role{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRoleTx(ctx, tx, role); err != nil {
		return domain.Role{}, fmt.Errorf("insert role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Role{}, err
	}
	return role, nil
}

// SubmitApplication files a pending application for an open role.
func (e Engine) SubmitApplication(ctx context.Context, actor domain.ActingActor, roleID, message string) (domain.Application, error) {
	role, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return domain.Application{}, err
	}
	if role.Status != "open" {
		return domain.Application{}, RoleNotOpenError{RoleID: roleID, Status: role.Status}
	}
	if role.OwnerID == actor.ID {
		return domain.Application{}, UnauthorizedTransitionError{EntityKind: "role", EntityID: roleID, Action: "apply to own", ActorID: actor.ID}
	}

	now := e.now().UTC().Format(time.RFC3339)
	app := domain.Application{
		ID:          uuid.NewString(),
		RoleID:      roleID,
		ApplicantID: actor.ID,
		Status:      "pending",
		Message:     message,
		SubmittedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Application{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, now); err != nil {
		return domain.Application{}, err
	}
	if _, err := e.Repo.ActiveApplicationTx(ctx, tx, roleID, actor.ID); err == nil {
		return domain.Application{}, DuplicateApplicationError{RoleID: roleID, ApplicantID: actor.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Application{}, err
	}
	if err := e.Repo.InsertApplicationTx(ctx, tx, app); err != nil {
		// The partial unique index backs the duplicate check under
		// concurrent submissions.
		return domain.Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Application{}, err
	}
	return app, nil
}

// AcceptApplication accepts one application, rejects the role's other
// pending applications and fills the role, all in one transaction.
func (e Engine) AcceptApplication(ctx context.Context, actor domain.ActingActor, roleID, applicationID string) (domain.Role, error) {
	role, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return domain.Role{}, err
	}
	if role.OwnerID != actor.ID {
		return domain.Role{}, UnauthorizedTransitionError{EntityKind: "role", EntityID: roleID, Action: "accept application for", ActorID: actor.ID}
	}
	if role.Status != "open" {
		return domain.Role{}, RoleNotOpenError{RoleID: roleID, Status: role.Status}
	}
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.Role{}, err
	}
	if app.RoleID != roleID {
		return domain.Role{}, reward.InvalidInputError{Field: "application_id", Reason: "application does not belong to role"}
	}
	if app.Status != "pending" {
		return domain.Role{}, InvalidTransitionError{EntityKind: "application", EntityID: applicationID, From: app.Status, Action: "accept"}
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Role{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateApplicationStatusTx(ctx, tx, applicationID, "accepted", now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Role{}, ConflictError{EntityKind: "application", EntityID: applicationID}
		}
		return domain.Role{}, err
	}
	if err := e.Repo.RejectPendingApplicationsTx(ctx, tx, roleID, applicationID, now); err != nil {
		return domain.Role{}, err
	}
	role.Status = "filled"
	role.AcceptedAppID = &applicationID
	role.FilledAt = &now
	if err := e.Repo.UpdateRoleTx(ctx, tx, role); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// Lost the race to a concurrent accept: nothing applied.
			return domain.Role{}, ConflictError{EntityKind: "role", EntityID: roleID}
		}
		return domain.Role{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RoleFilled, role.MarketID, "role", roleID, actor.ID, events.EventPayload{
		"application_id": applicationID,
		"applicant_id":   app.ApplicantID,
	}); err != nil {
		return domain.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Role{}, err
	}
	role.Version++
	return role, nil
}

// RejectApplication rejects a single pending application. The role's
// state does not change.
func (e Engine) RejectApplication(ctx context.Context, actor domain.ActingActor, roleID, applicationID string) error {
	role, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.OwnerID != actor.ID {
		return UnauthorizedTransitionError{EntityKind: "role", EntityID: roleID, Action: "reject application for", ActorID: actor.ID}
	}
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.RoleID != roleID {
		return reward.InvalidInputError{Field: "application_id", Reason: "application does not belong to role"}
	}
	if app.Status != "pending" {
		return InvalidTransitionError{EntityKind: "application", EntityID: applicationID, From: app.Status, Action: "reject"}
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateApplicationStatusTx(ctx, tx, applicationID, "rejected", now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ConflictError{EntityKind: "application", EntityID: applicationID}
		}
		return err
	}
	return tx.Commit()
}

// RoleCompleteOptions carry the owner's assessment of the delivered work.
type RoleCompleteOptions struct {
	QualityScore *int
	FirstAttempt bool
}

// CompleteRole moves a filled role to completed and runs progression for
// the accepted applicant. The lifecycle transition commits first; the
// progression update is its own atomic unit with its own retry budget.
func (e Engine) CompleteRole(ctx context.Context, actor domain.ActingActor, roleID string, opts RoleCompleteOptions) (domain.Role, *ProgressionResult, error) {
	role, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return domain.Role{}, nil, err
	}
	if role.OwnerID != actor.ID {
		return domain.Role{}, nil, UnauthorizedTransitionError{EntityKind: "role", EntityID: roleID, Action: "complete", ActorID: actor.ID}
	}
	if role.Status != "filled" {
		return domain.Role{}, nil, InvalidTransitionError{EntityKind: "role", EntityID: roleID, From: role.Status, Action: "complete"}
	}
	if role.AcceptedAppID == nil {
		return domain.Role{}, nil, InvalidTransitionError{EntityKind: "role", EntityID: roleID, From: role.Status, Action: "complete"}
	}
	app, err := e.Repo.GetApplication(ctx, *role.AcceptedAppID)
	if err != nil {
		return domain.Role{}, nil, err
	}

	nowT := e.now().UTC()
	now := nowT.Format(time.RFC3339)
	early := earlyCompletion(role.FilledAt, role.EstimatedHours, nowT)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Role{}, nil, err
	}
	defer tx.Rollback()
	role.Status = "completed"
	role.CompletedAt = &now
	if err := e.Repo.UpdateRoleTx(ctx, tx, role); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Role{}, nil, ConflictError{EntityKind: "role", EntityID: roleID}
		}
		return domain.Role{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, events.RoleCompleted, role.MarketID, "role", roleID, actor.ID, events.EventPayload{
		"applicant_id":     app.ApplicantID,
		"early_completion": early,
	}); err != nil {
		return domain.Role{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Role{}, nil, err
	}
	role.Version++

	res, err := e.OnCompletion(ctx, app.ApplicantID, CompletionEvent{
		Kind:            "collaboration",
		EntityKind:      "role",
		EntityID:        roleID,
		Difficulty:      role.Difficulty,
		QualityScore:    opts.QualityScore,
		EarlyCompletion: early,
		FirstAttempt:    opts.FirstAttempt,
	})
	if err != nil {
		return role, nil, err
	}
	return role, &res, nil
}

// earlyCompletion reports whether the elapsed working time beat 75% of
// the estimate. Unknown estimates or fill times never count as early.
func earlyCompletion(filledAt *string, estimatedHours *int, now time.Time) bool {
	if filledAt == nil || estimatedHours == nil || *estimatedHours <= 0 {
		return false
	}
	start, err := time.Parse(time.RFC3339, *filledAt)
	if err != nil {
		return false
	}
	elapsed := now.Sub(start)
	estimate := time.Duration(*estimatedHours) * time.Hour
	return elapsed < estimate*3/4
}
