package sqlite

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"taskflow/internal/model"
	"taskflow/internal/repository"
)

type UserStore struct {
	db *sql.DB
}

var _ repository.UserStore = (*UserStore)(nil)

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, email, name, password_hash, role, refresh_token_hash, created_at, updated_at`

func (r *UserStore) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := repository.Now()
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.RefreshTokenHash, now.UnixMicro(), now.UnixMicro(),
	)
	return mapError(err)
}

func (r *UserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

func (r *UserStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (r *UserStore) SetRefreshTokenHash(ctx context.Context, id string, hash *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET refresh_token_hash = ?, updated_at = ? WHERE id = ?`,
		hash, repository.Now().UnixMicro(), id,
	)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *UserStore) findOne(ctx context.Context, query string, arg any) (*model.User, error) {
	var (
		u                    model.User
		refresh              sql.NullString
		createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &refresh, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if refresh.Valid {
		u.RefreshTokenHash = &refresh.String
	}
	u.CreatedAt = fromMicros(createdAt)
	u.UpdatedAt = fromMicros(updatedAt)
	return &u, nil
}
