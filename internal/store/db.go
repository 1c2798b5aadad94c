package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// Pool sizes the connection pool and bounds how long Open waits for the
// database to come up.
type Pool struct {
	MaxOpen         int
	MaxIdle         int
	MaxIdleTime     time.Duration
	MaxLifetime     time.Duration
	ConnectAttempts int
	RetryDelay      time.Duration
}

func DefaultPool() Pool {
	return Pool{
		MaxOpen:         20,
		MaxIdle:         10,
		MaxIdleTime:     5 * time.Minute,
		MaxLifetime:     30 * time.Minute,
		ConnectAttempts: 1,
		RetryDelay:      time.Second,
	}
}

// Open connects with the pgx driver and pings until the database answers
// or the attempts run out.
func Open(ctx context.Context, databaseURL string, pool Pool, log *zap.Logger) (*sql.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(pool.MaxIdleTime)
	db.SetConnMaxLifetime(pool.MaxLifetime)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetMaxOpenConns(pool.MaxOpen)

	attempts := max(pool.ConnectAttempts, 1)
	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		if attempt >= attempts {
			break
		}
		log.Warn("database not ready",
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(err))
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("ping db: %w", ctx.Err())
		case <-time.After(pool.RetryDelay):
		}
	}
	db.Close()
	return nil, fmt.Errorf("ping db: %w", err)
}
