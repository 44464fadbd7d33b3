package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/corvusec/scanhive/pkg/common/logger"
)

// Config contains settings for connecting to the Redis instance backing the
// stream transport.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password authenticates the connection; empty means no auth.
	Password string
	// DB selects the logical Redis database.
	DB int
}

// ConnectWithRetry attempts to establish a connection to Redis with exponential backoff.
// It will retry failed connection attempts for up to 5 minutes, starting with 5 second intervals.
// This helps handle temporary network issues or Redis unavailability during startup.
func ConnectWithRetry(ctx context.Context, cfg *Config, log *logger.Logger) (*redis.Client, error) {
	var client *redis.Client

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			log.Warn(ctx, "Redis not reachable yet, retrying", "addr", cfg.Addr, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", err)
	}

	return client, nil
}
