package repo

import (
	"context"
	"database/sql"
	"strings"

	"tradepost/internal/domain"
)

const tradeCols = `id,market_id,creator_id,counterparty_id,offered_skill,requested_skill,difficulty,status,estimated_hours,version,created_at,started_at,completed_at`

func (r Repo) InsertTradeTx(ctx context.Context, tx *sql.Tx, t domain.Trade) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trades(`+tradeCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MarketID, t.CreatorID, nullableStringPtr(t.CounterpartyID), t.OfferedSkill, t.RequestedSkill,
		t.Difficulty, t.Status, nullableIntPtr(t.EstimatedHours), t.Version, t.CreatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

func scanTrade(scan func(...any) error) (domain.Trade, error) {
	var t domain.Trade
	var counterparty, startedAt, completedAt sql.NullString
	var estHours sql.NullInt64
	err := scan(&t.ID, &t.MarketID, &t.CreatorID, &counterparty, &t.OfferedSkill, &t.RequestedSkill,
		&t.Difficulty, &t.Status, &estHours, &t.Version, &t.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if counterparty.Valid {
		t.CounterpartyID = &counterparty.String
	}
	if estHours.Valid {
		h := int(estHours.Int64)
		t.EstimatedHours = &h
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, err
}

func (r Repo) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id=?`, id)
	return scanTrade(row.Scan)
}

func (r Repo) GetTradeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Trade, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id=?`, id)
	return scanTrade(row.Scan)
}

type TradeFilters struct {
	MarketID string
	Status   string
	ActorID  string // creator or counterparty
	Limit    int
}

func (r Repo) ListTrades(ctx context.Context, f TradeFilters) ([]domain.Trade, error) {
	var clauses []string
	var args []any
	if f.MarketID != "" {
		clauses = append(clauses, "market_id=?")
		args = append(args, f.MarketID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "(creator_id=? OR counterparty_id=?)")
		args = append(args, f.ActorID, f.ActorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + tradeCols + ` FROM trades ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTradeTx writes a trade guarded by its version.
func (r Repo) UpdateTradeTx(ctx context.Context, tx *sql.Tx, t domain.Trade) error {
	res, err := tx.ExecContext(ctx, `UPDATE trades SET counterparty_id=?, status=?, estimated_hours=?, started_at=?, completed_at=?, version=version+1
WHERE id=? AND version=?`,
		nullableStringPtr(t.CounterpartyID), t.Status, nullableIntPtr(t.EstimatedHours),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), t.ID, t.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

const proposalCols = `id,trade_id,proposer_id,status,message,submitted_at,decided_at`

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(`+proposalCols+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.TradeID, p.ProposerID, p.Status, nullable(p.Message), p.SubmittedAt, nullableStringPtr(p.DecidedAt))
	return err
}

func scanProposal(scan func(...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var message, decidedAt sql.NullString
	err := scan(&p.ID, &p.TradeID, &p.ProposerID, &p.Status, &message, &p.SubmittedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if message.Valid {
		p.Message = message.String
	}
	if decidedAt.Valid {
		p.DecidedAt = &decidedAt.String
	}
	return p, err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

// ActiveProposalTx finds a pending or accepted proposal by the proposer
// for the trade, if any.
func (r Repo) ActiveProposalTx(ctx context.Context, tx *sql.Tx, tradeID, proposerID string) (domain.Proposal, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE trade_id=? AND proposer_id=? AND status != 'rejected' LIMIT 1`, tradeID, proposerID)
	return scanProposal(row.Scan)
}

func (r Repo) ListProposals(ctx context.Context, tradeID string) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+proposalCols+` FROM proposals WHERE trade_id=? ORDER BY submitted_at ASC, id ASC`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProposalStatusTx(ctx context.Context, tx *sql.Tx, id, status, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, decided_at=? WHERE id=? AND status='pending'`, status, decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// RejectPendingProposalsTx rejects every pending proposal for the trade
// except the accepted one, in the same transaction as the acceptance.
func (r Repo) RejectPendingProposalsTx(ctx context.Context, tx *sql.Tx, tradeID, exceptID, decidedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE proposals SET status='rejected', decided_at=? WHERE trade_id=? AND status='pending' AND id != ?`,
		decidedAt, tradeID, exceptID)
	return err
}

type TradeConfirmation struct {
	TradeID      string
	ActorID      string
	QualityScore *int
	ConfirmedAt  string
}

func (r Repo) UpsertConfirmationTx(ctx context.Context, tx *sql.Tx, c TradeConfirmation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trade_confirmations(trade_id,actor_id,quality_score,confirmed_at) VALUES (?,?,?,?)
ON CONFLICT(trade_id, actor_id) DO NOTHING`,
		c.TradeID, c.ActorID, nullableIntPtr(c.QualityScore), c.ConfirmedAt)
	return err
}

func (r Repo) ListConfirmationsTx(ctx context.Context, tx *sql.Tx, tradeID string) ([]TradeConfirmation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT trade_id,actor_id,quality_score,confirmed_at FROM trade_confirmations WHERE trade_id=?`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TradeConfirmation
	for rows.Next() {
		var c TradeConfirmation
		var score sql.NullInt64
		if err := rows.Scan(&c.TradeID, &c.ActorID, &score, &c.ConfirmedAt); err != nil {
			return nil, err
		}
		if score.Valid {
			s := int(score.Int64)
			c.QualityScore = &s
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
