// Package store implements the primary worklog database: users and
// their timestamped entries, backed by SQLite.
//
// The store is the system of record. The event bus only carries
// notifications about mutations made here; nothing in this package
// depends on the bus.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// MaxEntryLength is the maximum markdown content length of one entry,
// counted in characters, not bytes, so multibyte text gets the full
// limit.
const MaxEntryLength = 10000

// ThemeColors is the closed set of valid user theme colors.
var ThemeColors = map[string]bool{
	"Red": true, "Blue": true, "Green": true, "Yellow": true,
	"Purple": true, "Orange": true, "Pink": true, "Cyan": true,
}

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-_]+$`)

// MutableUserFields are the user attributes a field-level update may
// touch. Identity and bookkeeping columns are excluded.
var MutableUserFields = map[string]bool{
	"name": true, "theme_color": true, "role": true,
	"personality": true, "appearance": true,
}

// User is a registered worklog author.
type User struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	ThemeColor  string `json:"theme_color"`
	Role        string `json:"role"`
	Personality string `json:"personality"`
	Appearance  string `json:"appearance"`
	AvatarPath  string `json:"avatar_path,omitempty"`
	CreatedAt   string `json:"created_at"`
	LastActive  string `json:"last_active"`
}

// Entry is one worklog post. RelatedEntryID links a reply to its
// parent.
type Entry struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	MarkdownContent string `json:"markdown_content"`
	RelatedEntryID  string `json:"related_entry_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// TimelineParams filters the timeline query. Zero values mean "no
// filter".
type TimelineParams struct {
	UserID string
	Hours  int
	Count  int
}

// UserStats aggregates one user's posting activity.
type UserStats struct {
	TotalPosts int    `json:"total_posts"`
	TodayPosts int    `json:"today_posts"`
	FirstPost  string `json:"first_post,omitempty"`
	LatestPost string `json:"latest_post,omitempty"`
}

// TruncateResult reports the counts of a bulk delete.
type TruncateResult struct {
	EntriesDeleted int `json:"entries_deleted"`
	UsersDeleted   int `json:"users_deleted"`
	AvatarsDeleted int `json:"avatars_deleted"`
}

// Store is the worklog database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the worklog database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id      TEXT PRIMARY KEY CHECK(user_id GLOB '[a-zA-Z0-9-_]*'),
			name         TEXT NOT NULL,
			theme_color  TEXT NOT NULL DEFAULT 'Blue'
				CHECK(theme_color IN ('Red','Blue','Green','Yellow','Purple','Orange','Pink','Cyan')),
			role         TEXT NOT NULL DEFAULT 'member',
			personality  TEXT NOT NULL DEFAULT '',
			appearance   TEXT NOT NULL DEFAULT '',
			avatar_path  TEXT,
			created_at   TEXT NOT NULL DEFAULT (datetime('now')),
			last_active  TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS entries (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			markdown_content TEXT NOT NULL,
			related_entry_id TEXT,
			created_at       TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at       TEXT NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (user_id) REFERENCES users(user_id),
			FOREIGN KEY (related_entry_id) REFERENCES entries(id)
		);

		CREATE INDEX IF NOT EXISTS idx_entries_user_id    ON entries(user_id);
		CREATE INDEX IF NOT EXISTS idx_entries_created_at ON entries(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_entries_related    ON entries(related_entry_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewEntryID generates a unique entry id.
func NewEntryID() string {
	return uuid.NewString()
}

// timeLayout is RFC 3339 with a fixed-width microsecond fraction so
// lexicographic order of stored timestamps matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// ValidateUserID reports whether id is a legal user id.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user_id is required")
	}
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("user_id may only contain letters, digits, hyphens and underscores")
	}
	return nil
}

// CreateUser registers a new user. Registering an existing user_id is
// an error.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	if err := ValidateUserID(u.UserID); err != nil {
		return err
	}
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if u.ThemeColor == "" {
		u.ThemeColor = "Blue"
	}
	if !ThemeColors[u.ThemeColor] {
		return fmt.Errorf("theme_color %q is not one of the valid colors", u.ThemeColor)
	}

	ts := now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, name, theme_color, role, personality, appearance, avatar_path, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		u.UserID, u.Name, u.ThemeColor, u.Role, u.Personality, u.Appearance, u.AvatarPath, ts, ts,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("user %q is already registered", u.UserID)
		}
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

const userColumns = "user_id, name, theme_color, role, personality, appearance, COALESCE(avatar_path, ''), created_at, last_active"

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.UserID, &u.Name, &u.ThemeColor, &u.Role,
		&u.Personality, &u.Appearance, &u.AvatarPath, &u.CreatedAt, &u.LastActive)
	return u, err
}

// GetUser returns the user with the given id, or (nil, nil) if absent.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE user_id = ?", userID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %q: %w", userID, err)
	}
	return &u, nil
}

// ListUsers returns all users, most recently active first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY last_active DESC")
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserFields applies a field-level patch to a user. Only
// MutableUserFields are accepted; unknown fields are an error so
// callers cannot silently drop a typo. Returns the applied fields.
func (s *Store) UpdateUserFields(ctx context.Context, userID string, fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	applied := make(map[string]any, len(fields))
	var sets []string
	var args []any
	for k, v := range fields {
		if !MutableUserFields[k] {
			return nil, fmt.Errorf("field %q is not updatable", k)
		}
		if k == "theme_color" {
			c, _ := v.(string)
			if !ThemeColors[c] {
				return nil, fmt.Errorf("theme_color %q is not one of the valid colors", c)
			}
		}
		sets = append(sets, k+" = ?")
		args = append(args, v)
		applied[k] = v
	}
	args = append(args, userID)

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET "+strings.Join(sets, ", ")+" WHERE user_id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("updating user %q: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("user %q not found", userID)
	}
	return applied, nil
}

// UpdateAvatarPath records a newly generated avatar image for a user.
func (s *Store) UpdateAvatarPath(ctx context.Context, userID, avatarPath string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET avatar_path = ? WHERE user_id = ?", avatarPath, userID)
	if err != nil {
		return fmt.Errorf("updating avatar for %q: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %q not found", userID)
	}
	return nil
}

// TouchLastActive bumps a user's last-activity timestamp.
func (s *Store) TouchLastActive(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_active = ? WHERE user_id = ?", now(), userID)
	if err != nil {
		return fmt.Errorf("touching last_active for %q: %w", userID, err)
	}
	return nil
}

// CreateEntry inserts a new entry and bumps the author's activity
// timestamp. The entry's ID, CreatedAt and UpdatedAt are assigned here.
func (s *Store) CreateEntry(ctx context.Context, e *Entry) error {
	content := strings.TrimSpace(e.MarkdownContent)
	if content == "" {
		return fmt.Errorf("entry content is required")
	}
	if utf8.RuneCountInString(content) > MaxEntryLength {
		return fmt.Errorf("entry content exceeds %d characters", MaxEntryLength)
	}
	e.MarkdownContent = content

	if e.ID == "" {
		e.ID = NewEntryID()
	}
	ts := now()
	e.CreatedAt = ts
	e.UpdatedAt = ts

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (id, user_id, markdown_content, related_entry_id, created_at, updated_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		e.ID, e.UserID, e.MarkdownContent, e.RelatedEntryID, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating entry: %w", err)
	}
	return s.TouchLastActive(ctx, e.UserID)
}

const entryColumns = "id, user_id, markdown_content, COALESCE(related_entry_id, ''), created_at, updated_at"

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.UserID, &e.MarkdownContent, &e.RelatedEntryID, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// GetEntry returns the entry with the given id, or (nil, nil) if
// absent.
func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting entry %q: %w", id, err)
	}
	return &e, nil
}

// DeleteEntry removes an entry. Returns false if no such entry existed.
func (s *Store) DeleteEntry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("deleting entry %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Timeline returns entries newest-first, optionally filtered by author,
// recency window, and count.
func (s *Store) Timeline(ctx context.Context, p TimelineParams) ([]Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries"
	var conds []string
	var args []any

	if p.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, p.UserID)
	}
	if p.Hours > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(p.Hours) * time.Hour).Format(timeLayout)
		conds = append(conds, "created_at >= ?")
		args = append(args, cutoff)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if p.Count > 0 {
		query += " LIMIT ?"
		args = append(args, p.Count)
	}

	return s.queryEntries(ctx, query, args...)
}

// Search returns entries whose content contains keyword, newest-first,
// optionally restricted to one author.
func (s *Store) Search(ctx context.Context, keyword, userID string) ([]Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries WHERE markdown_content LIKE ?"
	args := []any{"%" + keyword + "%"}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC, id DESC"

	return s.queryEntries(ctx, query, args...)
}

// Thread returns an entry followed by its replies in posting order.
// Returns nil if the root entry does not exist.
func (s *Store) Thread(ctx context.Context, entryID string) ([]Entry, error) {
	root, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, nil
	}

	replies, err := s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE related_entry_id = ? ORDER BY created_at ASC, id ASC",
		entryID,
	)
	if err != nil {
		return nil, err
	}
	return append([]Entry{*root}, replies...), nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns posting statistics for one user.
func (s *Store) Stats(ctx context.Context, userID string) (*UserStats, error) {
	var st UserStats

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE user_id = ?", userID).Scan(&st.TotalPosts)
	if err != nil {
		return nil, fmt.Errorf("counting posts: %w", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE user_id = ? AND DATE(created_at) = ?",
		userID, today).Scan(&st.TodayPosts)
	if err != nil {
		return nil, fmt.Errorf("counting today's posts: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MIN(created_at), ''), COALESCE(MAX(created_at), '') FROM entries WHERE user_id = ?",
		userID).Scan(&st.FirstPost, &st.LatestPost)
	if err != nil {
		return nil, fmt.Errorf("reading post range: %w", err)
	}
	return &st, nil
}

// Truncate bulk-deletes all entries, optionally wiping users and their
// avatar images as well. It returns the counts needed for the
// entries_truncated notification.
func (s *Store) Truncate(ctx context.Context, includeUsers bool, avatarDir string) (TruncateResult, error) {
	var result TruncateResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("beginning truncate: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM entries")
	if err != nil {
		return result, fmt.Errorf("deleting entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return result, err
	}
	result.EntriesDeleted = int(n)

	if includeUsers {
		res, err = tx.ExecContext(ctx, "DELETE FROM users")
		if err != nil {
			return result, fmt.Errorf("deleting users: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return result, err
		}
		result.UsersDeleted = int(n)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("committing truncate: %w", err)
	}

	if includeUsers && avatarDir != "" {
		result.AvatarsDeleted = removeAvatars(avatarDir)
	}
	return result, nil
}

// removeAvatars deletes generated avatar images. Failures are
// tolerated; the count reflects successful removals only.
func removeAvatars(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return 0
	}
	removed := 0
	for _, m := range matches {
		if os.Remove(m) == nil {
			removed++
		}
	}
	return removed
}
