package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/model"
	"taskflow/internal/repository"
	"taskflow/pkg/logger"
	"taskflow/pkg/rbac"
	"taskflow/pkg/util"
)

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type AuthConfig struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type AuthService struct {
	users  repository.UserStore
	cfg    AuthConfig
	logger *zap.Logger
}

func NewAuthService(users repository.UserStore, cfg AuthConfig, logger *zap.Logger) *AuthService {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &AuthService{users: users, cfg: cfg, logger: logger}
}

// Register creates a new user with the USER role.
func (s *AuthService) Register(ctx context.Context, email, name, password string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	hash, err := util.HashPassword(password)
	if err != nil {
		return nil, err
	}

	u := &model.User{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         rbac.RoleUser,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	logger.WithTrace(ctx, s.logger).Info("User registered", zap.String("user_id", u.ID))
	return u, nil
}

// Login checks user credentials and returns a fresh token pair.
func (s *AuthService) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	u, err := s.users.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	if !util.CheckPassword(password, u.PasswordHash) {
		return nil, ErrUnauthorized
	}
	return s.issue(ctx, u)
}

// Refresh exchanges a valid refresh token for a new pair. The old refresh
// token stops working.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := util.ParseJWT(refreshToken, s.cfg.Secret, util.TokenTypeRefresh)
	if err != nil {
		return nil, ErrUnauthorized
	}

	u, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if u.RefreshTokenHash == nil || !util.CheckToken(refreshToken, *u.RefreshTokenHash) {
		logger.WithTrace(ctx, s.logger).Warn("Refresh token reuse or logout detected", zap.String("user_id", u.ID))
		return nil, ErrUnauthorized
	}
	return s.issue(ctx, u)
}

// Logout revokes the stored refresh token.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	if err := s.users.SetRefreshTokenHash(ctx, userID, nil); err != nil {
		return storeError(err)
	}
	return nil
}

func (s *AuthService) issue(ctx context.Context, u *model.User) (*TokenPair, error) {
	access, err := util.GenerateJWT(u.ID, u.Role, util.TokenTypeAccess, s.cfg.Secret, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := util.GenerateJWT(u.ID, u.Role, util.TokenTypeRefresh, s.cfg.Secret, s.cfg.RefreshTTL)
	if err != nil {
		return nil, err
	}

	hash, err := util.HashToken(refresh)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetRefreshTokenHash(ctx, u.ID, &hash); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(s.cfg.AccessTTL),
	}, nil
}
