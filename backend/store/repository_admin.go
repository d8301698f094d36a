package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) GetAdminUserByUsername(ctx context.Context, username string) (*AdminUser, error) {
	const q = `SELECT id, username, password_hash, created_at, updated_at FROM admin_users WHERE username = ? LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, username)
	item := AdminUser{}
	var createdAt, updatedAt string
	if err := row.Scan(&item.ID, &item.Username, &item.PasswordHash, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("user not found")
		}
		return nil, err
	}
	item.CreatedAt = parseSQLiteTime(createdAt)
	item.UpdatedAt = parseSQLiteTime(updatedAt)
	return &item, nil
}

func (s *Store) GetAdminUserByID(ctx context.Context, id int64) (*AdminUser, error) {
	const q = `SELECT id, username, password_hash, created_at, updated_at FROM admin_users WHERE id = ? LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, id)
	item := AdminUser{}
	var createdAt, updatedAt string
	if err := row.Scan(&item.ID, &item.Username, &item.PasswordHash, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("user not found")
		}
		return nil, err
	}
	item.CreatedAt = parseSQLiteTime(createdAt)
	item.UpdatedAt = parseSQLiteTime(updatedAt)
	return &item, nil
}

func (s *Store) CountAdminUsers(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM admin_users`)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CreateAdminUser(ctx context.Context, username string, passwordHash string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_users (username, password_hash) VALUES (?, ?)`,
		username, passwordHash,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) UpdateAdminUserPassword(ctx context.Context, userID int64, newHash string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `UPDATE admin_users SET password_hash=?, updated_at=? WHERE id=?`, newHash, now, userID)
	return err
}

func (s *Store) CreateAdminSession(ctx context.Context, userID int64, token string, expiresAt time.Time) (*AdminSession, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	exp := expiresAt.UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_sessions (user_id, token, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		userID, token, exp, now,
	)
	if err != nil {
		return nil, err
	}
	id, _ := result.LastInsertId()
	return &AdminSession{
		ID:        id,
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *Store) GetAdminSessionByToken(ctx context.Context, token string) (*AdminSession, error) {
	const q = `SELECT id, user_id, token, expires_at, created_at FROM admin_sessions WHERE token = ? LIMIT 1`
	row := s.db.QueryRowContext(ctx, q, token)
	item := AdminSession{}
	var expiresAt, createdAt string
	if err := row.Scan(&item.ID, &item.UserID, &item.Token, &expiresAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	item.ExpiresAt = parseSQLiteTime(expiresAt)
	item.CreatedAt = parseSQLiteTime(createdAt)
	return &item, nil
}

func (s *Store) DeleteAdminSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE token = ?`, token)
	return err
}

func (s *Store) DeleteAdminSessionsByUserID(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE user_id = ?`, userID)
	return err
}

func (s *Store) DeleteExpiredAdminSessions(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE datetime(expires_at) < datetime(?)`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
