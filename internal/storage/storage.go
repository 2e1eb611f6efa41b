// Package storage opens the configured task store backend.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"taskflow/internal/config"
	"taskflow/internal/repository"
	"taskflow/internal/repository/postgres"
	"taskflow/internal/repository/sqlite"
	"taskflow/pkg/db"
	"taskflow/pkg/outbox"
)

type Storage struct {
	Tasks repository.TaskStore
	Users repository.UserStore
	// Outbox is nil on sqlite; failed notifications are then only logged.
	Outbox *outbox.Repository

	close func()
}

// Open connects to postgres or sqlite according to cfg.Storage.Driver.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Storage, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			return nil, err
		}
		return &Storage{
			Tasks:  postgres.NewTaskStore(pool, log),
			Users:  postgres.NewUserStore(pool),
			Outbox: outbox.NewRepository(pool),
			close:  pool.Close,
		}, nil

	case "sqlite":
		log.Info("Opening SQLite database", zap.String("path", cfg.Storage.SQLitePath))
		sqlDB, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Storage{
			Tasks: sqlite.NewTaskStore(sqlDB, log),
			Users: sqlite.NewUserStore(sqlDB),
			close: func() { _ = sqlDB.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func (s *Storage) Close() {
	if s.close != nil {
		s.close()
	}
}
