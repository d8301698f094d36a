package store

import (
	"context"
	"strings"
	"time"
)

func (s *Store) CreateBilibiliAPIErrorLog(ctx context.Context, item BilibiliAPIErrorLog) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	retryable := 0
	if item.Retryable {
		retryable = 1
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO bilibili_api_error_logs
			(endpoint, method, stage, http_status, attempt, retryable, request_form, response_headers, response_body, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Endpoint, item.Method, item.Stage, item.HTTPStatus, item.Attempt, retryable,
		item.RequestForm, item.ResponseHeaders, item.ResponseBody, item.ErrorMessage,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) ListBilibiliAPIErrorLogs(ctx context.Context, limit int, endpointKeyword string) ([]BilibiliAPIErrorLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, endpoint, method, stage, http_status, attempt, retryable,
			request_form, response_headers, response_body, error_message, created_at
		FROM bilibili_api_error_logs`
	args := []any{}
	if keyword := strings.TrimSpace(endpointKeyword); keyword != "" {
		query += ` WHERE endpoint LIKE ?`
		args = append(args, "%"+keyword+"%")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]BilibiliAPIErrorLog, 0, limit)
	for rows.Next() {
		var item BilibiliAPIErrorLog
		var retryable int
		var createdAt string
		if err := rows.Scan(&item.ID, &item.Endpoint, &item.Method, &item.Stage, &item.HTTPStatus,
			&item.Attempt, &retryable, &item.RequestForm, &item.ResponseHeaders,
			&item.ResponseBody, &item.ErrorMessage, &createdAt); err != nil {
			return nil, err
		}
		item.Retryable = retryable != 0
		item.CreatedAt = parseSQLiteTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) CreateBotEvent(ctx context.Context, eventType string, payload string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_events (event_type, payload) VALUES (?, ?)`,
		strings.TrimSpace(eventType), payload,
	)
	return err
}

func (s *Store) ListBotEvents(ctx context.Context, limit int, eventType string) ([]BotEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, event_type, payload, created_at FROM bot_events`
	args := []any{}
	if kind := strings.TrimSpace(eventType); kind != "" {
		query += ` WHERE event_type = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]BotEvent, 0, limit)
	for rows.Next() {
		var item BotEvent
		var createdAt string
		if err := rows.Scan(&item.ID, &item.EventType, &item.Payload, &createdAt); err != nil {
			return nil, err
		}
		item.CreatedAt = parseSQLiteTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	marker := cutoff.UTC().Format(time.RFC3339Nano)
	total := int64(0)
	for _, table := range []string{"bot_events", "bilibili_api_error_logs"} {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE datetime(created_at) < datetime(?)`, marker)
		if err != nil {
			return total, err
		}
		affected, _ := result.RowsAffected()
		total += affected
	}
	return total, nil
}
