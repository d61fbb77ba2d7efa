package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// storeConfig selects and locates the ledger backend.
type storeConfig struct {
	Backend       string
	Dir           string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
}

// openStore returns the configured store and a function releasing any
// connection the store does not own.
func openStore(ctx context.Context, cfg storeConfig, logger *zap.Logger) (ledger.Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "", "memory":
		logger.Warn("ledger store: memory (records are lost on restart)")
		return ledger.NewMemoryStore(), noop, nil

	case "jsonl", "file":
		s, err := ledger.NewFileStore(cfg.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("ledger store: jsonl", zap.String("dir", cfg.Dir))
		return s, noop, nil

	case "sqlite":
		s, err := ledger.NewSQLiteStore(cfg.Dir, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("ledger store: sqlite", zap.String("dir", cfg.Dir))
		return s, noop, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("ledger store: postgres")
		return ledger.NewPostgresStore(pool, logger), pool.Close, nil

	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		disconnect := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect", zap.Error(err))
			}
		}
		if err := client.Ping(ctx, nil); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		s, err := ledger.NewMongoStore(ctx, client.Database(cfg.MongoDatabase), logger)
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		logger.Info("ledger store: mongo", zap.String("database", cfg.MongoDatabase))
		return s, disconnect, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
