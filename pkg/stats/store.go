package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const DefaultPageSize = 10

type Action string

const (
	ActionJoined  Action = "joined"
	ActionLeft    Action = "left"
	ActionAdded   Action = "added"
	ActionRemoved Action = "removed"
)

// Entry is one group or friend whose last recorded action is the active one.
type Entry struct {
	ID        string `db:"id"`
	UpdatedAt int64  `db:"updated_at"`
}

func (e Entry) Time() time.Time {
	return time.UnixMilli(e.UpdatedAt)
}

// Page is one page of active entries, most recently updated first.
type Page struct {
	Total   int
	Page    int
	Pages   int
	Entries []Entry
}

// Summary counts subjects by their last recorded action.
type Summary struct {
	Active   int `db:"active"`
	Inactive int `db:"inactive"`
}

// Current is the number of groups the bot is in, or friends it has.
func (s Summary) Current() int {
	return s.Active
}

// Store records the last membership action per group and per friend. A
// repeated event for the same id overwrites the previous one.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
	now func() time.Time
}

func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	log = log.With("component", "stats.store")
	log.Info("Stats database ready", "path", path)
	return &Store{db: db, log: log, now: time.Now}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close stats database: %w", err)
	}
	return nil
}

func (s *Store) RecordGroup(ctx context.Context, groupID string, operatorID string, action Action) error {
	if action != ActionJoined && action != ActionLeft {
		return fmt.Errorf("record group %s: invalid action %q", groupID, action)
	}

	const query = `
		INSERT INTO groups (group_id, last_action, operator_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			last_action = excluded.last_action,
			operator_id = excluded.operator_id,
			updated_at  = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, groupID, action, operatorID, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("record group %s: %w", groupID, err)
	}

	s.log.Debug("Recorded group event", "group_id", groupID, "action", action)
	return nil
}

func (s *Store) RecordFriend(ctx context.Context, userID string, action Action) error {
	if action != ActionAdded && action != ActionRemoved {
		return fmt.Errorf("record friend %s: invalid action %q", userID, action)
	}

	const query = `
		INSERT INTO friends (user_id, last_action, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_action = excluded.last_action,
			updated_at  = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, userID, action, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("record friend %s: %w", userID, err)
	}

	s.log.Debug("Recorded friend event", "user_id", userID, "action", action)
	return nil
}

// Groups pages through the groups the bot is currently in. page is clamped to
// the available range.
func (s *Store) Groups(ctx context.Context, page int, perPage int) (Page, error) {
	return s.page(ctx, "groups", "group_id", ActionJoined, page, perPage)
}

// Friends pages through the users currently added as friends.
func (s *Store) Friends(ctx context.Context, page int, perPage int) (Page, error) {
	return s.page(ctx, "friends", "user_id", ActionAdded, page, perPage)
}

func (s *Store) GroupSummary(ctx context.Context) (Summary, error) {
	return s.summary(ctx, "groups", ActionJoined)
}

func (s *Store) FriendSummary(ctx context.Context) (Summary, error) {
	return s.summary(ctx, "friends", ActionAdded)
}

// table and column are package constants, never user input.
func (s *Store) page(ctx context.Context, table string, column string, active Action, page int, perPage int) (Page, error) {
	if perPage <= 0 {
		perPage = DefaultPageSize
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM " + table + " WHERE last_action = ?"
	if err := s.db.GetContext(ctx, &total, countQuery, active); err != nil {
		return Page{}, fmt.Errorf("count %s: %w", table, err)
	}

	result := Page{Total: total, Pages: (total + perPage - 1) / perPage}
	result.Page = min(max(page, 1), max(result.Pages, 1))
	if total == 0 {
		return result, nil
	}

	listQuery := "SELECT " + column + " AS id, updated_at FROM " + table +
		" WHERE last_action = ? ORDER BY updated_at DESC, " + column + " ASC LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &result.Entries, listQuery, active, perPage, (result.Page-1)*perPage); err != nil {
		return Page{}, fmt.Errorf("list %s: %w", table, err)
	}

	return result, nil
}

func (s *Store) summary(ctx context.Context, table string, active Action) (Summary, error) {
	query := "SELECT COALESCE(SUM(last_action = ?), 0) AS active, COALESCE(SUM(last_action != ?), 0) AS inactive FROM " + table

	var summary Summary
	if err := s.db.GetContext(ctx, &summary, query, active, active); err != nil {
		return Summary{}, fmt.Errorf("summarize %s: %w", table, err)
	}
	return summary, nil
}
