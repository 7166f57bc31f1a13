package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kevin07696/recurring-billing/internal/domain/ports"
)

// DefaultKey is the lock key shared by every billing worker
const DefaultKey = "billing:scheduler:tick"

// releaseScript deletes the key only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TickLocker is a single-holder redis lock guarding scheduler sweeps across processes
type TickLocker struct {
	client *redis.Client
	logger *zap.Logger
	key    string

	mu    sync.Mutex
	token string
}

// NewClient parses a redis URL and verifies the connection
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewTickLocker creates a locker on key; an empty key uses DefaultKey
func NewTickLocker(client *redis.Client, key string, logger *zap.Logger) *TickLocker {
	if key == "" {
		key = DefaultKey
	}
	return &TickLocker{client: client, key: key, logger: logger}
}

// Acquire sets the key with a fresh token if nobody holds it. The TTL bounds
// how long a crashed holder blocks other workers.
func (l *TickLocker) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire tick lock: %w", err)
	}
	if !ok {
		l.logger.Debug("Tick lock held elsewhere", zap.String("key", l.key))
		return false, nil
	}

	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return true, nil
}

// Release deletes the key if this locker still owns it
func (l *TickLocker) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return nil
	}

	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("release tick lock: %w", err)
	}
	if deleted == 0 {
		l.logger.Warn("Tick lock expired before release", zap.String("key", l.key))
	}
	return nil
}

var _ ports.TickLocker = (*TickLocker)(nil)
