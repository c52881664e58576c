package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Profile is the public-facing side of an account. One row per account,
// created during registration.
type Profile struct {
	AccountID   string     `json:"userId"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Bio         string     `json:"bio"`
	AvatarURL   string     `json:"avatarUrl"`
	DateOfBirth *time.Time `json:"dateOfBirth,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Update carries the mutable fields. Nil means leave unchanged.
type Update struct {
	DisplayName *string
	Bio         *string
	AvatarURL   *string
}

var ErrNotFound = errors.New("profile not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ByAccountID(ctx context.Context, accountID string) (Profile, error) {
	var p Profile
	var dob sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT p.user_id, u.username, p.display_name, p.bio, p.avatar_url, p.date_of_birth, p.updated_at
		FROM user_profiles p
		JOIN users u ON u.id = p.user_id
		WHERE p.user_id = $1 AND NOT u.deleted
	`, accountID).Scan(&p.AccountID, &p.Username, &p.DisplayName, &p.Bio, &p.AvatarURL, &dob, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("query profile: %w", err)
	}
	if dob.Valid {
		value := dob.Time.UTC()
		p.DateOfBirth = &value
	}
	return p, nil
}

func (r *Repository) Apply(ctx context.Context, accountID string, update Update) (Profile, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE user_profiles
		SET display_name = COALESCE($2, display_name),
		    bio = COALESCE($3, bio),
		    avatar_url = COALESCE($4, avatar_url),
		    updated_at = $5
		WHERE user_id = $1
	`, accountID, update.DisplayName, update.Bio, update.AvatarURL, time.Now().UTC())
	if err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return Profile{}, ErrNotFound
	}
	return r.ByAccountID(ctx, accountID)
}
