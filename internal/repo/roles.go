package repo

import (
	"context"
	"database/sql"
	"strings"

	"tradepost/internal/domain"
)

func (r Repo) InsertCollaborationTx(ctx context.Context, tx *sql.Tx, c domain.Collaboration) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO collaborations(id,market_id,creator_id,title,status,description,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.MarketID, c.CreatorID, c.Title, c.Status, nullable(c.Description), c.CreatedAt)
	return err
}

func scanCollaboration(scan func(...any) error) (domain.Collaboration, error) {
	var c domain.Collaboration
	var desc sql.NullString
	err := scan(&c.ID, &c.MarketID, &c.CreatorID, &c.Title, &c.Status, &desc, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if desc.Valid {
		c.Description = desc.String
	}
	return c, err
}

const collaborationCols = `id,market_id,creator_id,title,status,description,created_at`

func (r Repo) GetCollaboration(ctx context.Context, id string) (domain.Collaboration, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+collaborationCols+` FROM collaborations WHERE id=?`, id)
	return scanCollaboration(row.Scan)
}

func (r Repo) GetCollaborationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Collaboration, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+collaborationCols+` FROM collaborations WHERE id=?`, id)
	return scanCollaboration(row.Scan)
}

func (r Repo) ListCollaborations(ctx context.Context, marketID string) ([]domain.Collaboration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+collaborationCols+` FROM collaborations WHERE market_id=? ORDER BY created_at DESC, id DESC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Collaboration
	for rows.Next() {
		c, err := scanCollaboration(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCollaborationStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE collaborations SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const roleCols = `id,market_id,collaboration_id,owner_id,title,required_skills_json,difficulty,status,accepted_application_id,estimated_hours,version,created_at,filled_at,completed_at`

func (r Repo) InsertRoleTx(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	skills, err := marshalStringSlice(role.RequiredSkills)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO roles(`+roleCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		role.ID, role.MarketID, role.CollaborationID, role.OwnerID, role.Title, skills, role.Difficulty, role.Status,
		nullableStringPtr(role.AcceptedAppID), nullableIntPtr(role.EstimatedHours), role.Version, role.CreatedAt,
		nullableStringPtr(role.FilledAt), nullableStringPtr(role.CompletedAt))
	return err
}

func scanRole(scan func(...any) error) (domain.Role, error) {
	var role domain.Role
	var skills, acceptedApp, filledAt, completedAt sql.NullString
	var estHours sql.NullInt64
	err := scan(&role.ID, &role.MarketID, &role.CollaborationID, &role.OwnerID, &role.Title, &skills, &role.Difficulty,
		&role.Status, &acceptedApp, &estHours, &role.Version, &role.CreatedAt, &filledAt, &completedAt)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	if err != nil {
		return role, err
	}
	role.RequiredSkills, err = unmarshalStringSlice(skills)
	if err != nil {
		return role, err
	}
	if acceptedApp.Valid {
		role.AcceptedAppID = &acceptedApp.String
	}
	if estHours.Valid {
		h := int(estHours.Int64)
		role.EstimatedHours = &h
	}
	if filledAt.Valid {
		role.FilledAt = &filledAt.String
	}
	if completedAt.Valid {
		role.CompletedAt = &completedAt.String
	}
	return role, nil
}

func (r Repo) GetRole(ctx context.Context, id string) (domain.Role, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+roleCols+` FROM roles WHERE id=?`, id)
	return scanRole(row.Scan)
}

func (r Repo) GetRoleTx(ctx context.Context, tx *sql.Tx, id string) (domain.Role, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+roleCols+` FROM roles WHERE id=?`, id)
	return scanRole(row.Scan)
}

type RoleFilters struct {
	MarketID        string
	CollaborationID string
	Status          string
	Limit           int
}

func (r Repo) ListRoles(ctx context.Context, f RoleFilters) ([]domain.Role, error) {
	var clauses []string
	var args []any
	if f.MarketID != "" {
		clauses = append(clauses, "market_id=?")
		args = append(args, f.MarketID)
	}
	if f.CollaborationID != "" {
		clauses = append(clauses, "collaboration_id=?")
		args = append(args, f.CollaborationID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + roleCols + ` FROM roles ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		role, err := scanRole(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}

// UpdateRoleTx writes a role guarded by its version; the write succeeds
// only when no concurrent writer got there first.
func (r Repo) UpdateRoleTx(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	skills, err := marshalStringSlice(role.RequiredSkills)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE roles SET title=?, required_skills_json=?, difficulty=?, status=?, accepted_application_id=?, estimated_hours=?, filled_at=?, completed_at=?, version=version+1
WHERE id=? AND version=?`,
		role.Title, skills, role.Difficulty, role.Status, nullableStringPtr(role.AcceptedAppID), nullableIntPtr(role.EstimatedHours),
		nullableStringPtr(role.FilledAt), nullableStringPtr(role.CompletedAt), role.ID, role.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

const applicationCols = `id,role_id,applicant_id,status,message,submitted_at,decided_at`

func (r Repo) InsertApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(`+applicationCols+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.RoleID, a.ApplicantID, a.Status, nullable(a.Message), a.SubmittedAt, nullableStringPtr(a.DecidedAt))
	return err
}

func scanApplication(scan func(...any) error) (domain.Application, error) {
	var a domain.Application
	var message, decidedAt sql.NullString
	err := scan(&a.ID, &a.RoleID, &a.ApplicantID, &a.Status, &message, &a.SubmittedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if message.Valid {
		a.Message = message.String
	}
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.String
	}
	return a, err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE id=?`, id)
	return scanApplication(row.Scan)
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Application, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE id=?`, id)
	return scanApplication(row.Scan)
}

// ActiveApplicationTx finds a pending or accepted application by the
// applicant for the role, if any.
func (r Repo) ActiveApplicationTx(ctx context.Context, tx *sql.Tx, roleID, applicantID string) (domain.Application, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE role_id=? AND applicant_id=? AND status != 'rejected' LIMIT 1`, roleID, applicantID)
	return scanApplication(row.Scan)
}

func (r Repo) ListApplications(ctx context.Context, roleID string) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+applicationCols+` FROM applications WHERE role_id=? ORDER BY submitted_at ASC, id ASC`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateApplicationStatusTx(ctx context.Context, tx *sql.Tx, id, status, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET status=?, decided_at=? WHERE id=? AND status='pending'`, status, decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// RejectPendingApplicationsTx rejects every pending application for the
// role except the given one, in the same transaction as the acceptance.
func (r Repo) RejectPendingApplicationsTx(ctx context.Context, tx *sql.Tx, roleID, exceptID, decidedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE applications SET status='rejected', decided_at=? WHERE role_id=? AND status='pending' AND id != ?`,
		decidedAt, roleID, exceptID)
	return err
}

// OpenRolesByCollaborationTx lists roles still open or filled under a
// collaboration, for auto-close on cancellation.
func (r Repo) OpenRolesByCollaborationTx(ctx context.Context, tx *sql.Tx, collaborationID string) ([]domain.Role, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+roleCols+` FROM roles WHERE collaboration_id=? AND status IN ('open','filled')`, collaborationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		role, err := scanRole(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, role)
	}
	return res, rows.Err()
}
