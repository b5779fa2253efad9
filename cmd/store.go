package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/edu-etl/internal/config"
	"github.com/sells-group/edu-etl/internal/resilience"
	"github.com/sells-group/edu-etl/internal/store"
)

const defaultSQLitePath = "edu-etl.db"

// storeRetry bounds how long startup waits for the database.
var storeRetry = resilience.RetryConfig{
	MaxAttempts:    5,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
	Multiplier:     2.0,
	JitterFraction: 0.1,
	OnRetry:        resilience.RetryLogger("store", "connect"),
}

// initStore opens the configured backend and applies migrations. An
// unreachable Postgres is retried before giving up.
func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	var st store.Store
	switch sc.Driver {
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		s, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		st = s
	case "postgres":
		if sc.DatabaseURL == "" {
			return nil, eris.New("store: database_url is required (EDU_ETL_STORE_DATABASE_URL)")
		}
		err := resilience.Do(ctx, storeRetry, func(ctx context.Context) error {
			s, err := store.NewPostgres(ctx, sc.DatabaseURL, sc.Schema, &store.PoolConfig{MaxConns: sc.MaxConns})
			if err != nil {
				return err
			}
			st = s
			return nil
		})
		if err != nil {
			return nil, eris.Wrap(err, "store: connect")
		}
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "store: migrate")
	}
	zap.L().Debug("store ready", zap.String("driver", sc.Driver))
	return st, nil
}
