package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/internal/model"
	"taskflow/internal/repository"
)

type UserStore struct {
	db *pgxpool.Pool
}

var _ repository.UserStore = (*UserStore)(nil)

func NewUserStore(db *pgxpool.Pool) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, email, name, password_hash, role, refresh_token_hash, created_at, updated_at`

// CreateUser inserts a new user.
func (r *UserStore) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := repository.Now()
	u.CreatedAt, u.UpdatedAt = now, now

	query := `
        INSERT INTO users (` + userColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `
	_, err := r.db.Exec(ctx, query,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.RefreshTokenHash, u.CreatedAt, u.UpdatedAt,
	)
	return mapError(err)
}

// FindByEmail returns user by email.
func (r *UserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *UserStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *UserStore) SetRefreshTokenHash(ctx context.Context, id string, hash *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET refresh_token_hash = $1, updated_at = $2 WHERE id = $3`,
		hash, repository.Now(), id,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserStore) findOne(ctx context.Context, query string, arg any) (*model.User, error) {
	var u model.User
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.RefreshTokenHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}
