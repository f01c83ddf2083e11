package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"proxyrouter/models"
)

var ErrDBNotInitialized = errors.New("database not initialized")

// GetSetting retrieves one raw value from a namespace. A missing key is
// reported through ok, not as an error.
func GetSetting(ctx context.Context, area models.StorageMode, key string) (value string, ok bool, err error) {
	if DB == nil {
		return "", false, ErrDBNotInitialized
	}
	err = DB.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE area = ? AND key = ?", string(area), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get setting '%s' from %s: %w", key, area, err)
	}
	return value, true, nil
}

// GetSettings reads several keys at once. Missing keys are absent from
// the result.
func GetSettings(ctx context.Context, area models.StorageMode, keys []string) (map[string]string, error) {
	if DB == nil {
		return nil, ErrDBNotInitialized
	}
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]interface{}, 0, len(keys)+1)
	args = append(args, string(area))
	for _, k := range keys {
		args = append(args, k)
	}
	query := "SELECT key, value FROM kv_store WHERE area = ? AND key IN (?" + strings.Repeat(", ?", len(keys)-1) + ")"
	rows, err := DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s settings: %w", area, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning %s setting row: %w", area, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetSetting saves or updates one value.
func SetSetting(ctx context.Context, area models.StorageMode, key, value string) error {
	return SetSettings(ctx, area, map[string]string{key: value})
}

// SetSettings writes all values in one transaction and then notifies
// subscribers of the changed keys.
func SetSettings(ctx context.Context, area models.StorageMode, values map[string]string) error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	if len(values) == 0 {
		return nil
	}
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting settings transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO kv_store (area, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (area, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set setting statement: %w", err)
	}
	defer stmt.Close()

	keys := make([]string, 0, len(values))
	for k, v := range values {
		if _, err := stmt.ExecContext(ctx, string(area), k, v); err != nil {
			return fmt.Errorf("failed to execute set setting for key '%s': %w", k, err)
		}
		keys = append(keys, k)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing settings: %w", err)
	}
	sort.Strings(keys)
	publish(Change{Area: area, Keys: keys})
	return nil
}

func DeleteSetting(ctx context.Context, area models.StorageMode, key string) error {
	if DB == nil {
		return ErrDBNotInitialized
	}
	res, err := DB.ExecContext(ctx, "DELETE FROM kv_store WHERE area = ? AND key = ?", string(area), key)
	if err != nil {
		return fmt.Errorf("failed to delete setting '%s' from %s: %w", key, area, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		publish(Change{Area: area, Keys: []string{key}})
	}
	return nil
}
