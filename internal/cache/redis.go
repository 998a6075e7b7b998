package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript удаляет ключ, только если значение совпадает с токеном.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig — параметры подключения к Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis — Store поверх Redis.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis подключается к Redis и проверяет соединение.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	logger.Info("redis cache connected", "addr", cfg.Addr)
	return &Redis{client: client, logger: logger}, nil
}

// Close закрывает клиент.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get реализует Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// SetIfAbsent реализует Store (SET NX).
func (r *Redis) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// AcquireLock реализует Store.
func (r *Redis) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := newToken()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// ReleaseLock реализует Store через compare-and-delete скрипт.
func (r *Redis) ReleaseLock(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}
