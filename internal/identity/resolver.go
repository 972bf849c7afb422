// Package identity maps user ids to display names. Resolution is
// best-effort: the call engine treats a failed lookup as "Unknown" rather
// than an error.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const directorySchema = `
CREATE TABLE IF NOT EXISTS directory (
	user_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL
);
`

// Options configures the optional Redis read-through cache. With an empty
// Addr the directory works uncached.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Directory resolves display names from the shared SQLite database, with a
// Redis cache in front when configured.
type Directory struct {
	db     *sql.DB
	cache  *redis.Client
	prefix string
	ttl    time.Duration
}

// New creates the directory table if needed and connects the cache.
func New(ctx context.Context, db *sql.DB, opts Options) (*Directory, error) {
	if _, err := db.ExecContext(ctx, directorySchema); err != nil {
		return nil, fmt.Errorf("creating directory table: %w", err)
	}

	d := &Directory{db: db, prefix: strings.TrimSpace(opts.Prefix), ttl: opts.TTL}
	if d.prefix == "" {
		d.prefix = "ringline:identity:v1"
	}

	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return d, nil
	}

	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	d.cache = c
	return d, nil
}

// Close releases the cache connection, if any.
func (d *Directory) Close() {
	if d == nil || d.cache == nil {
		return
	}
	_ = d.cache.Close()
}

func (d *Directory) key(userID string) string {
	return fmt.Sprintf("%s:%s", d.prefix, strings.TrimSpace(userID))
}

// Resolve returns the display name for userID. Cache errors are ignored and
// fall through to the database.
func (d *Directory) Resolve(ctx context.Context, userID string) (string, error) {
	if d.cache != nil {
		name, err := d.cache.Get(ctx, d.key(userID)).Result()
		if err == nil && name != "" {
			return name, nil
		}
	}

	var name string
	err := d.db.QueryRowContext(ctx,
		`SELECT display_name FROM directory WHERE user_id = ?`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no directory entry for %s", userID)
	}
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", userID, err)
	}

	if d.cache != nil {
		_ = d.cache.Set(ctx, d.key(userID), name, d.ttl).Err()
	}
	return name, nil
}

// Register upserts the local user's display name so peers can resolve it.
func (d *Directory) Register(ctx context.Context, userID, displayName string) error {
	if strings.TrimSpace(displayName) == "" {
		return fmt.Errorf("empty display name for %s", userID)
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO directory (user_id, display_name) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name`,
		userID, displayName)
	if err != nil {
		return fmt.Errorf("registering %s: %w", userID, err)
	}
	if d.cache != nil {
		_ = d.cache.Set(ctx, d.key(userID), displayName, d.ttl).Err()
	}
	return nil
}
