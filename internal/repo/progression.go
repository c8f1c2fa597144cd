package repo

import (
	"context"
	"database/sql"

	"tradepost/internal/domain"
)

const progressCols = `actor_id,market_id,total_xp,level,skill_level,solo_completed,trade_completed,collab_completed,version,updated_at`

func scanProgress(scan func(...any) error) (domain.UserProgress, error) {
	var p domain.UserProgress
	err := scan(&p.ActorID, &p.MarketID, &p.TotalXP, &p.Level, &p.SkillLevel,
		&p.SoloCompleted, &p.TradeCompleted, &p.CollabCompleted, &p.Version, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) GetProgress(ctx context.Context, actorID, marketID string) (domain.UserProgress, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+progressCols+` FROM user_progress WHERE actor_id=? AND market_id=?`, actorID, marketID)
	return scanProgress(row.Scan)
}

func (r Repo) GetProgressTx(ctx context.Context, tx *sql.Tx, actorID, marketID string) (domain.UserProgress, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+progressCols+` FROM user_progress WHERE actor_id=? AND market_id=?`, actorID, marketID)
	return scanProgress(row.Scan)
}

func (r Repo) InsertProgressTx(ctx context.Context, tx *sql.Tx, p domain.UserProgress) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO user_progress(`+progressCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ActorID, p.MarketID, p.TotalXP, p.Level, p.SkillLevel,
		p.SoloCompleted, p.TradeCompleted, p.CollabCompleted, p.Version, p.UpdatedAt)
	return err
}

// UpdateProgressTx writes a progress document guarded by its version.
func (r Repo) UpdateProgressTx(ctx context.Context, tx *sql.Tx, p domain.UserProgress) error {
	res, err := tx.ExecContext(ctx, `UPDATE user_progress SET total_xp=?, level=?, skill_level=?, solo_completed=?, trade_completed=?, collab_completed=?, updated_at=?, version=version+1
WHERE actor_id=? AND market_id=? AND version=?`,
		p.TotalXP, p.Level, p.SkillLevel, p.SoloCompleted, p.TradeCompleted, p.CollabCompleted,
		p.UpdatedAt, p.ActorID, p.MarketID, p.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

const streakCols = `actor_id,category,current_streak,longest_streak,last_activity_date,freezes_available,freezes_used,version`

func scanStreak(scan func(...any) error) (domain.StreakState, error) {
	var s domain.StreakState
	var last sql.NullString
	err := scan(&s.ActorID, &s.Category, &s.CurrentStreak, &s.LongestStreak, &last,
		&s.FreezesAvailable, &s.FreezesUsed, &s.Version)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if last.Valid {
		s.LastActivityDate = &last.String
	}
	return s, err
}

func (r Repo) GetStreak(ctx context.Context, actorID, category string) (domain.StreakState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+streakCols+` FROM streak_states WHERE actor_id=? AND category=?`, actorID, category)
	return scanStreak(row.Scan)
}

func (r Repo) GetStreakTx(ctx context.Context, tx *sql.Tx, actorID, category string) (domain.StreakState, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+streakCols+` FROM streak_states WHERE actor_id=? AND category=?`, actorID, category)
	return scanStreak(row.Scan)
}

func (r Repo) ListStreaks(ctx context.Context, actorID string) ([]domain.StreakState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+streakCols+` FROM streak_states WHERE actor_id=? ORDER BY category ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StreakState
	for rows.Next() {
		s, err := scanStreak(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertStreakTx(ctx context.Context, tx *sql.Tx, s domain.StreakState) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO streak_states(`+streakCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.ActorID, s.Category, s.CurrentStreak, s.LongestStreak, nullableStringPtr(s.LastActivityDate),
		s.FreezesAvailable, s.FreezesUsed, s.Version)
	return err
}

// UpdateStreakTx writes a streak state guarded by its version.
func (r Repo) UpdateStreakTx(ctx context.Context, tx *sql.Tx, s domain.StreakState) error {
	res, err := tx.ExecContext(ctx, `UPDATE streak_states SET current_streak=?, longest_streak=?, last_activity_date=?, freezes_available=?, freezes_used=?, version=version+1
WHERE actor_id=? AND category=? AND version=?`,
		s.CurrentStreak, s.LongestStreak, nullableStringPtr(s.LastActivityDate),
		s.FreezesAvailable, s.FreezesUsed, s.ActorID, s.Category, s.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) HasUnlockTx(ctx context.Context, tx *sql.Tx, actorID, achievementID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM achievement_unlocks WHERE actor_id=? AND achievement_id=?`, actorID, achievementID).Scan(&n)
	return n > 0, err
}

func (r Repo) InsertUnlockTx(ctx context.Context, tx *sql.Tx, u domain.AchievementUnlock) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO achievement_unlocks(id,actor_id,achievement_id,rule_version,unlocked_at) VALUES (?,?,?,?,?)`,
		u.ID, u.ActorID, u.AchievementID, u.RuleVersion, u.UnlockedAt)
	return err
}

func (r Repo) ListUnlocks(ctx context.Context, actorID string) ([]domain.AchievementUnlock, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,actor_id,achievement_id,rule_version,unlocked_at FROM achievement_unlocks WHERE actor_id=? ORDER BY unlocked_at ASC, achievement_id ASC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AchievementUnlock
	for rows.Next() {
		var u domain.AchievementUnlock
		if err := rows.Scan(&u.ID, &u.ActorID, &u.AchievementID, &u.RuleVersion, &u.UnlockedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
