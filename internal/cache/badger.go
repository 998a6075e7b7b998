package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Badger — Store поверх встроенной BadgerDB.
// Подходит для одного процесса (standalone режим) и тестов.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger адаптирует slog к badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, args ...any) {
	l.logger.Error(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Warningf(msg string, args ...any) {
	l.logger.Warn(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Infof(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

func (l *badgerLogger) Debugf(msg string, args ...any) {
	l.logger.Debug(fmt.Sprintf(msg, args...))
}

// OpenBadger открывает хранилище по пути dir.
// Пустой dir — хранилище в памяти.
func OpenBadger(dir string, logger *slog.Logger) (*Badger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, logger: logger}, nil
}

// Close закрывает БД.
func (b *Badger) Close() error {
	return b.db.Close()
}

// Get реализует Store. Истёкшие ключи Badger не возвращает.
func (b *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return val, true, nil
}

// SetIfAbsent реализует Store.
// Конфликт транзакций означает, что ключ записал кто-то другой.
func (b *Badger) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	written := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		written = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger set %s: %w", key, err)
	}
	return written, nil
}

// AcquireLock реализует Store.
func (b *Badger) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := newToken()
	ok, err := b.SetIfAbsent(ctx, key, []byte(token), ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// ReleaseLock реализует Store.
func (b *Badger) ReleaseLock(_ context.Context, key, token string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrLockNotOwned
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(val) != token {
			return ErrLockNotOwned
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, ErrLockNotOwned) {
		return ErrLockNotOwned
	}
	if err != nil {
		return fmt.Errorf("badger unlock %s: %w", key, err)
	}
	return nil
}
