// Package cache — key-value хранилище для маркеров идемпотентности,
// закэшированных результатов стадий и короткоживущих блокировок.
//
// Кэш — только оптимизация: источник истины — БД (пакет repo).
//
// Реализации:
//   - redis.go  — Redis (production, общий для всех воркеров)
//   - badger.go — встроенная Badger (standalone режим, тесты)
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Ошибки кэша.
var (
	// ErrLockHeld — блокировка уже захвачена другим владельцем.
	ErrLockHeld = errors.New("lock held")

	// ErrLockNotOwned — токен не совпадает или блокировка истекла.
	ErrLockNotOwned = errors.New("lock not owned")
)

// Store — контракт хранилища.
type Store interface {
	// Get возвращает значение; ok=false, если ключа нет или он истёк.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// SetIfAbsent записывает значение, только если ключа нет.
	// Возвращает true, если запись произошла.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// AcquireLock захватывает блокировку на ttl и возвращает токен владельца.
	// Если блокировка занята — ErrLockHeld.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ReleaseLock снимает блокировку, только если token совпадает.
	ReleaseLock(ctx context.Context, key, token string) error
}

// Result — закэшированный результат стадии. Неизменяем после записи.
type Result struct {
	ResultRef string    `json:"result_ref"`
	Empty     bool      `json:"empty,omitempty"`
	CachedAt  time.Time `json:"cached_at"`
}

// GetResult читает закэшированный результат стадии.
func GetResult(ctx context.Context, s Store, key string) (*Result, bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached result %s: %w", key, err)
	}
	return &res, true, nil
}

// PutResult записывает результат стадии, если его ещё нет.
// Существующая запись не перезаписывается.
func PutResult(ctx context.Context, s Store, key string, res Result, ttl time.Duration) (bool, error) {
	if res.CachedAt.IsZero() {
		res.CachedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("encode cached result: %w", err)
	}
	return s.SetIfAbsent(ctx, key, raw, ttl)
}
