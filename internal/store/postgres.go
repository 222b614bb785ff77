package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"planboard/internal/rbac"
)

const dateLayout = "2006-01-02"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const itemColumns = `id, title, COALESCE(description, ''), platform, stage, category_id, scheduled_date, timeline_days, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (ContentItem, error) {
	var item ContentItem
	var categoryID sql.NullString
	var scheduled sql.NullTime
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.Platform,
		&item.Stage,
		&categoryID,
		&scheduled,
		&item.TimelineDays,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return ContentItem{}, err
	}
	if categoryID.Valid {
		item.CategoryID = &categoryID.String
	}
	if scheduled.Valid {
		ymd := scheduled.Time.Format(dateLayout)
		item.ScheduledDate = &ymd
	}
	return item, nil
}

func (s *PostgresStore) collectItems(rows *sql.Rows, op string) ([]ContentItem, error) {
	defer rows.Close()

	items := make([]ContentItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return items, nil
}

// ListBacklog returns unscheduled items, most recently created first.
func (s *PostgresStore) ListBacklog(ctx context.Context) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		WHERE scheduled_date IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	return s.collectItems(rows, "backlog item")
}

// ListRange returns items that are unscheduled or scheduled within
// [start, end] inclusive. Dates are yyyy-mm-dd.
func (s *PostgresStore) ListRange(ctx context.Context, start, end string) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		WHERE scheduled_date IS NULL
		   OR (scheduled_date >= $1::date AND scheduled_date <= $2::date)
		ORDER BY scheduled_date ASC NULLS LAST, created_at DESC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("list range: %w", err)
	}
	return s.collectItems(rows, "range item")
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		WHERE id=$1
	`, id)
	return scanItem(row)
}

// InsertItem persists a new item. The caller assigns the id; the database
// assigns timestamps, which are returned on the stored copy.
func (s *PostgresStore) InsertItem(ctx context.Context, item ContentItem) (ContentItem, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO content_items (id, title, description, platform, stage, category_id, scheduled_date, timeline_days)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7::date, $8)
		RETURNING `+itemColumns+`
	`, item.ID, item.Title, item.Description, item.Platform, item.Stage, item.CategoryID, item.ScheduledDate, item.TimelineDays)
	stored, err := scanItem(row)
	if err != nil {
		return ContentItem{}, fmt.Errorf("insert item: %w", err)
	}
	return stored, nil
}

// UpdateItem applies a partial update and returns the stored row.
// Returns sql.ErrNoRows when the id does not exist.
func (s *PostgresStore) UpdateItem(ctx context.Context, id string, patch ItemPatch) (ContentItem, error) {
	sets := []string{"updated_at=NOW()"}
	args := []any{id}

	add := func(expr string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if patch.Title != nil {
		add("title=$%d", *patch.Title)
	}
	if patch.Description != nil {
		add("description=NULLIF($%d, '')", *patch.Description)
	}
	if patch.Platform != nil {
		add("platform=$%d", *patch.Platform)
	}
	if patch.Stage != nil {
		add("stage=$%d", *patch.Stage)
	}
	if patch.CategoryID != nil {
		add("category_id=NULLIF($%d, '')::uuid", *patch.CategoryID)
	}
	if patch.ClearSchedule {
		sets = append(sets, "scheduled_date=NULL")
	} else if patch.ScheduledDate != nil {
		add("scheduled_date=$%d::date", *patch.ScheduledDate)
	}
	if patch.TimelineDays != nil {
		add("timeline_days=$%d", *patch.TimelineDays)
	}

	query := `
		UPDATE content_items
		SET ` + strings.Join(sets, ", ") + `
		WHERE id=$1
		RETURNING ` + itemColumns
	item, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ContentItem{}, err
		}
		return ContentItem{}, fmt.Errorf("update item: %w", err)
	}
	return item, nil
}

// SetScheduledDate schedules the item, or returns it to the backlog when
// date is nil.
func (s *PostgresStore) SetScheduledDate(ctx context.Context, id string, date *string) (ContentItem, error) {
	if date == nil {
		return s.UpdateItem(ctx, id, ItemPatch{ClearSchedule: true})
	}
	return s.UpdateItem(ctx, id, ItemPatch{ScheduledDate: date})
}

func (s *PostgresStore) SetStage(ctx context.Context, id string, stage Stage) (ContentItem, error) {
	return s.UpdateItem(ctx, id, ItemPatch{Stage: &stage})
}

func (s *PostgresStore) DeleteItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM content_items WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete item rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CleanupOldContent invokes the maintenance routine in the database and
// passes its result through untouched.
func (s *PostgresStore) CleanupOldContent(ctx context.Context, keepDays int) (json.RawMessage, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT cleanup_old_content($1)`, keepDays).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("cleanup old content: %w", err)
	}
	return json.RawMessage(raw), nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, color, created_at
		FROM categories
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.Name, &item.Color, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertCategory(ctx context.Context, category Category) (Category, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (id, name, color)
		VALUES ($1, $2, $3)
		RETURNING id, name, color, created_at
	`, category.ID, category.Name, category.Color).Scan(&category.ID, &category.Name, &category.Color, &category.CreatedAt)
	if err != nil {
		return Category{}, fmt.Errorf("insert category: %w", err)
	}
	return category, nil
}

func (s *PostgresStore) UpdateCategory(ctx context.Context, id, name, color string) (Category, error) {
	var category Category
	err := s.db.QueryRowContext(ctx, `
		UPDATE categories
		SET name=$2, color=$3
		WHERE id=$1
		RETURNING id, name, color, created_at
	`, id, name, color).Scan(&category.ID, &category.Name, &category.Color, &category.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Category{}, err
		}
		return Category{}, fmt.Errorf("update category: %w", err)
	}
	return category, nil
}

func (s *PostgresStore) DeleteCategory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	return nil
}

// GetProfileByUserID returns sql.ErrNoRows when no profile row exists; the
// identity layer treats that as "role unknown", not as a failure.
func (s *PostgresStore) GetProfileByUserID(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, COALESCE(display_name, ''), role
		FROM profiles
		WHERE user_id=$1
	`, userID).Scan(&profile.UserID, &profile.DisplayName, &role)
	if err != nil {
		return Profile{}, err
	}
	profile.Role = rbac.Normalize(role)
	return profile, nil
}

// FindProfileByUserID is the identity-resolver view of the profile table.
// A missing profile is not an error; the caller treats it as "no role yet".
func (s *PostgresStore) FindProfileByUserID(ctx context.Context, userID string) (*Profile, error) {
	profile, err := s.GetProfileByUserID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return &profile, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at
		FROM users
		WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at
		FROM users
		WHERE id=$1
	`, id).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateUser inserts the account row and its profile in one transaction.
func (s *PostgresStore) CreateUser(ctx context.Context, user User, profile Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, $2, $3)
	`, user.ID, user.Email, user.PasswordHash); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, role)
		VALUES ($1, NULLIF($2, ''), $3)
	`, profile.UserID, profile.DisplayName, string(profile.Role)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
