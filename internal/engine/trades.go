package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradepost/internal/domain"
	"tradepost/internal/engine/reward"
	"tradepost/internal/events"
	"tradepost/internal/repo"
)

// TradeCreateOptions are parameters for opening a trade.
type TradeCreateOptions struct {
	ID             string
	OfferedSkill   string
	RequestedSkill string
	Difficulty     string
	EstimatedHours *int
}

func (e Engine) CreateTrade(ctx context.Context, actor domain.ActingActor, opts TradeCreateOptions) (domain.Trade, error) {
	if opts.OfferedSkill == "" {
		return domain.Trade{}, reward.InvalidInputError{Field: "offered_skill", Reason: "required"}
	}
	if opts.RequestedSkill == "" {
		return domain.Trade{}, reward.InvalidInputError{Field: "requested_skill", Reason: "required"}
	}
	if _, err := reward.ParseDifficulty(opts.Difficulty); err != nil {
		return domain.Trade{}, err
	}
	for _, s := range []string{opts.OfferedSkill, opts.RequestedSkill} {
		if !e.skillKnown(s) {
			return domain.Trade{}, reward.InvalidInputError{Field: "skill", Reason: fmt.Sprintf("unknown skill %q", s)}
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Trade{
		ID:             opts.ID,
		MarketID:       e.marketID(),
		CreatorID:      actor.ID,
		OfferedSkill:   opts.OfferedSkill,
		RequestedSkill: opts.RequestedSkill,
		Difficulty:     opts.Difficulty,
		Status:         "open",
		EstimatedHours: opts.EstimatedHours,
		CreatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trade{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, now); err != nil {
		return domain.Trade{}, err
	}
	if err := e.Repo.InsertTradeTx(ctx, tx, t); err != nil {
		return domain.Trade{}, fmt.Errorf("insert trade: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Trade{}, err
	}
	return t, nil
}

// SubmitProposal files a pending proposal against an open trade.
func (e Engine) SubmitProposal(ctx context.Context, actor domain.ActingActor, tradeID, message string) (domain.Proposal, error) {
	t, err := e.Repo.GetTrade(ctx, tradeID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if t.Status != "open" {
		return domain.Proposal{}, TradeNotOpenError{TradeID: tradeID, Status: t.Status}
	}
	if t.CreatorID == actor.ID {
		return domain.Proposal{}, UnauthorizedTransitionError{EntityKind: "trade", EntityID: tradeID, Action: "propose on own", ActorID: actor.ID}
	}

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Proposal{
		ID:          uuid.NewString(),
		TradeID:     tradeID,
		ProposerID:  actor.ID,
		Status:      "pending",
		Message:     message,
		SubmittedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, now); err != nil {
		return domain.Proposal{}, err
	}
	if _, err := e.Repo.ActiveProposalTx(ctx, tx, tradeID, actor.ID); err == nil {
		return domain.Proposal{}, DuplicateProposalError{TradeID: tradeID, ProposerID: actor.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Proposal{}, err
	}
	if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// AcceptProposal accepts a proposal, rejects the trade's other pending
// proposals and moves the trade to in_progress, all in one transaction.
// Only the trade's creator may accept.
func (e Engine) AcceptProposal(ctx context.Context, actor domain.ActingActor, tradeID, proposalID string) (domain.Trade, error) {
	t, err := e.Repo.GetTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if t.CreatorID != actor.ID {
		return domain.Trade{}, UnauthorizedTransitionError{EntityKind: "trade", EntityID: tradeID, Action: "accept proposal for", ActorID: actor.ID}
	}
	if t.Status != "open" {
		return domain.Trade{}, TradeNotOpenError{TradeID: tradeID, Status: t.Status}
	}
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Trade{}, err
	}
	if p.TradeID != tradeID {
		return domain.Trade{}, reward.InvalidInputError{Field: "proposal_id", Reason: "proposal does not belong to trade"}
	}
	if p.Status != "pending" {
		return domain.Trade{}, InvalidTransitionError{EntityKind: "proposal", EntityID: proposalID, From: p.Status, Action: "accept"}
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trade{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProposalStatusTx(ctx, tx, proposalID, "accepted", now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Trade{}, ConflictError{EntityKind: "proposal", EntityID: proposalID}
		}
		return domain.Trade{}, err
	}
	if err := e.Repo.RejectPendingProposalsTx(ctx, tx, tradeID, proposalID, now); err != nil {
		return domain.Trade{}, err
	}
	t.Status = "in_progress"
	t.CounterpartyID = &p.ProposerID
	t.StartedAt = &now
	if err := e.Repo.UpdateTradeTx(ctx, tx, t); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Trade{}, ConflictError{EntityKind: "trade", EntityID: tradeID}
		}
		return domain.Trade{}, err
	}
	if err := e.appendTradeState(ctx, tx, t, actor.ID, events.EventPayload{
		"proposal_id":     proposalID,
		"counterparty_id": p.ProposerID,
	}); err != nil {
		return domain.Trade{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trade{}, err
	}
	t.Version++
	return t, nil
}

// RejectProposal rejects a single pending proposal. The trade stays open.
func (e Engine) RejectProposal(ctx context.Context, actor domain.ActingActor, tradeID, proposalID string) error {
	t, err := e.Repo.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.CreatorID != actor.ID {
		return UnauthorizedTransitionError{EntityKind: "trade", EntityID: tradeID, Action: "reject proposal for", ActorID: actor.ID}
	}
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.TradeID != tradeID {
		return reward.InvalidInputError{Field: "proposal_id", Reason: "proposal does not belong to trade"}
	}
	if p.Status != "pending" {
		return InvalidTransitionError{EntityKind: "proposal", EntityID: proposalID, From: p.Status, Action: "reject"}
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProposalStatusTx(ctx, tx, proposalID, "rejected", now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ConflictError{EntityKind: "proposal", EntityID: proposalID}
		}
		return err
	}
	return tx.Commit()
}

// TradeCompletionResult reports the outcome of a completion request.
type TradeCompletionResult struct {
	Trade       domain.Trade
	Completed   bool
	Progression []ProgressionResult // one per party, only when Completed
}

// RequestCompletion records the caller's confirmation that the trade is
// done, with an optional rating of the counterparty's work. The second
// party's confirmation completes the trade and runs progression once per
// party; repeating one's own confirmation is a no-op.
func (e Engine) RequestCompletion(ctx context.Context, actor domain.ActingActor, tradeID string, counterpartyRating *int) (TradeCompletionResult, error) {
	t, err := e.Repo.GetTrade(ctx, tradeID)
	if err != nil {
		return TradeCompletionResult{}, err
	}
	if !isTradeParty(t, actor.ID) {
		return TradeCompletionResult{}, UnauthorizedTransitionError{EntityKind: "trade", EntityID: tradeID, Action: "confirm completion of", ActorID: actor.ID}
	}
	switch t.Status {
	case "in_progress", "pending_confirmation_creator", "pending_confirmation_counterparty":
	default:
		return TradeCompletionResult{}, InvalidTransitionError{EntityKind: "trade", EntityID: tradeID, From: t.Status, Action: "confirm completion of"}
	}
	if counterpartyRating != nil && (*counterpartyRating < 0 || *counterpartyRating > 100) {
		return TradeCompletionResult{}, reward.InvalidInputError{Field: "quality_score", Reason: fmt.Sprintf("%d outside 0..100", *counterpartyRating)}
	}

	nowT := e.now().UTC()
	now := nowT.Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TradeCompletionResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertConfirmationTx(ctx, tx, repo.TradeConfirmation{
		TradeID:      tradeID,
		ActorID:      actor.ID,
		QualityScore: counterpartyRating,
		ConfirmedAt:  now,
	}); err != nil {
		return TradeCompletionResult{}, err
	}
	confirmations, err := e.Repo.ListConfirmationsTx(ctx, tx, tradeID)
	if err != nil {
		return TradeCompletionResult{}, err
	}
	confirmed := map[string]repo.TradeConfirmation{}
	for _, c := range confirmations {
		confirmed[c.ActorID] = c
	}

	counterparty := ""
	if t.CounterpartyID != nil {
		counterparty = *t.CounterpartyID
	}
	_, creatorOK := confirmed[t.CreatorID]
	_, counterOK := confirmed[counterparty]

	var target string
	completed := creatorOK && counterOK
	switch {
	case completed:
		target = "completed"
		t.CompletedAt = &now
	case creatorOK:
		target = "pending_confirmation_counterparty"
	default:
		target = "pending_confirmation_creator"
	}
	if target == t.Status {
		// Same party confirming again: nothing changed.
		if err := tx.Commit(); err != nil {
			return TradeCompletionResult{}, err
		}
		return TradeCompletionResult{Trade: t}, nil
	}
	t.Status = target
	if err := e.Repo.UpdateTradeTx(ctx, tx, t); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return TradeCompletionResult{}, ConflictError{EntityKind: "trade", EntityID: tradeID}
		}
		return TradeCompletionResult{}, err
	}
	if err := e.appendTradeState(ctx, tx, t, actor.ID, nil); err != nil {
		return TradeCompletionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TradeCompletionResult{}, err
	}
	t.Version++

	res := TradeCompletionResult{Trade: t, Completed: completed}
	if !completed {
		return res, nil
	}

	early := earlyCompletion(t.StartedAt, t.EstimatedHours, nowT)
	// Each party's reward is priced with the rating the other party gave.
	for _, party := range []string{t.CreatorID, counterparty} {
		other := t.CreatorID
		if party == t.CreatorID {
			other = counterparty
		}
		var rating *int
		if c, ok := confirmed[other]; ok {
			rating = c.QualityScore
		}
		pr, err := e.OnCompletion(ctx, party, CompletionEvent{
			Kind:            "trade",
			EntityKind:      "trade",
			EntityID:        tradeID,
			Difficulty:      t.Difficulty,
			QualityScore:    rating,
			EarlyCompletion: early,
		})
		if err != nil {
			return res, err
		}
		res.Progression = append(res.Progression, pr)
	}
	return res, nil
}

// Dispute moves a trade to disputed. Resolution happens outside the
// engine; disputed is terminal here.
func (e Engine) Dispute(ctx context.Context, actor domain.ActingActor, tradeID string) (domain.Trade, error) {
	t, err := e.Repo.GetTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !isTradeParty(t, actor.ID) {
		return domain.Trade{}, UnauthorizedTransitionError{EntityKind: "trade", EntityID: tradeID, Action: "dispute", ActorID: actor.ID}
	}
	switch t.Status {
	case "in_progress", "pending_confirmation_creator", "pending_confirmation_counterparty":
	default:
		return domain.Trade{}, InvalidTransitionError{EntityKind: "trade", EntityID: tradeID, From: t.Status, Action: "dispute"}
	}
	return e.transitionTrade(ctx, t, "disputed", actor.ID)
}

// CancelTrade cancels a trade. The creator may cancel an open trade; once
// a counterparty exists either party may cancel, except that a party who
// has already confirmed completion may not cancel out from under the
// pending confirmation.
func (e Engine) CancelTrade(ctx context.Context, actor domain.ActingActor, tradeID string) (domain.Trade, error) {
	t, err := e.Repo.GetTrade(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !isTradeParty(t, actor.ID) {
		return domain.Trade{}, UnauthorizedTransitionError{EntityKind: "trade", EntityID: tradeID, Action: "cancel", ActorID: actor.ID}
	}
	switch t.Status {
	case "open":
		if t.CreatorID != actor.ID {
			return domain.Trade{}, UnauthorizedTransitionError{EntityKind: "trade", EntityID: tradeID, Action: "cancel", ActorID: actor.ID}
		}
	case "in_progress":
	case "pending_confirmation_creator", "pending_confirmation_counterparty":
		confirmed, err := e.hasConfirmed(ctx, tradeID, actor.ID)
		if err != nil {
			return domain.Trade{}, err
		}
		if confirmed {
			return domain.Trade{}, InvalidTransitionError{EntityKind: "trade", EntityID: tradeID, From: t.Status, Action: "cancel after confirming"}
		}
	default:
		return domain.Trade{}, InvalidTransitionError{EntityKind: "trade", EntityID: tradeID, From: t.Status, Action: "cancel"}
	}
	return e.transitionTrade(ctx, t, "cancelled", actor.ID)
}

func (e Engine) transitionTrade(ctx context.Context, t domain.Trade, target, actorID string) (domain.Trade, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trade{}, err
	}
	defer tx.Rollback()
	from := t.Status
	t.Status = target
	if err := e.Repo.UpdateTradeTx(ctx, tx, t); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Trade{}, ConflictError{EntityKind: "trade", EntityID: t.ID}
		}
		return domain.Trade{}, err
	}
	if err := e.appendTradeState(ctx, tx, t, actorID, events.EventPayload{"from": from}); err != nil {
		return domain.Trade{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trade{}, err
	}
	t.Version++
	return t, nil
}

func (e Engine) appendTradeState(ctx context.Context, tx *sql.Tx, t domain.Trade, actorID string, extra events.EventPayload) error {
	payload := events.EventPayload{"status": t.Status}
	for k, v := range extra {
		payload[k] = v
	}
	return e.Events.Append(ctx, tx, events.TradeStateChanged, t.MarketID, "trade", t.ID, actorID, payload)
}

func (e Engine) hasConfirmed(ctx context.Context, tradeID, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	confirmations, err := e.Repo.ListConfirmationsTx(ctx, tx, tradeID)
	if err != nil {
		return false, err
	}
	for _, c := range confirmations {
		if c.ActorID == actorID {
			return true, nil
		}
	}
	return false, nil
}

func isTradeParty(t domain.Trade, actorID string) bool {
	if t.CreatorID == actorID {
		return true
	}
	return t.CounterpartyID != nil && *t.CounterpartyID == actorID
}
