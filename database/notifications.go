package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"proxyrouter/logger"
	"proxyrouter/models"
)

func SaveNotification(ctx context.Context, n models.Notification) error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	var proxyID sql.NullString
	if n.ProxyID != "" {
		proxyID = sql.NullString{String: n.ProxyID, Valid: true}
	}
	_, err := DB.ExecContext(ctx,
		"INSERT INTO notifications (id, title, message, proxy_id, created_at) VALUES (?, ?, ?, ?, ?)",
		n.ID, n.Title, n.Message, proxyID, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save notification %s: %w", n.ID, err)
	}
	return nil
}

// ListNotifications returns the newest notifications first. A limit <= 0
// returns all of them.
func ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}
	query := "SELECT id, title, message, proxy_id, created_at FROM notifications ORDER BY created_at DESC, rowid DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	out := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		var proxyID sql.NullString
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &proxyID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification row: %w", err)
		}
		n.ProxyID = proxyID.String
		out = append(out, n)
	}
	return out, rows.Err()
}

// Notifier persists keep-alive alerts and logs them.
type Notifier struct{}

func (Notifier) Notify(n models.Notification) {
	logger.Warn("%s: %s", n.Title, n.Message)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := SaveNotification(ctx, n); err != nil {
		logger.Error("Failed to persist notification: %v", err)
	}
}
