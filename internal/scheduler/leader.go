package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LockKey — ключ advisory lock лидера maintenance.
const LockKey int64 = 424242

// Elector решает, выполняет ли этот экземпляр maintenance задания.
type Elector interface {
	IsLeader(ctx context.Context) bool
	Resign(ctx context.Context)
}

// SingleNode — Elector для standalone режима: всегда лидер.
type SingleNode struct{}

func (SingleNode) IsLeader(context.Context) bool { return true }
func (SingleNode) Resign(context.Context)        {}

// LockConn — соединение, на котором держится advisory lock.
// Реализуется *pgxpool.Conn.
type LockConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Release()
}

// Leader — выбор лидера через pg_try_advisory_lock.
//
// Session-level lock живёт, пока живо соединение, поэтому соединение
// забирается из пула и держится всё время лидерства. Потеря соединения
// снимает lock в Postgres, и лидерство проверяется заново.
type Leader struct {
	acquire func(ctx context.Context) (LockConn, error)
	key     int64
	logger  *slog.Logger

	mu   sync.Mutex
	conn LockConn
}

// NewLeader создаёт Leader поверх пула.
func NewLeader(pool *pgxpool.Pool, key int64, logger *slog.Logger) *Leader {
	return newLeader(func(ctx context.Context) (LockConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, key, logger)
}

func newLeader(acquire func(ctx context.Context) (LockConn, error), key int64, logger *slog.Logger) *Leader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Leader{acquire: acquire, key: key, logger: logger}
}

// IsLeader пытается стать лидером или подтверждает лидерство.
func (l *Leader) IsLeader(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		err := l.conn.Ping(ctx)
		if err == nil {
			return true
		}
		l.logger.Warn("leader connection lost", "error", err)
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.acquire(ctx)
	if err != nil {
		l.logger.Error("acquire leader connection", "error", err)
		return false
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		l.logger.Error("try advisory lock", "error", err)
		return false
	}
	if !ok {
		conn.Release()
		return false
	}

	l.conn = conn
	l.logger.Info("acquired scheduler leadership", "lock_key", l.key)
	return true
}

// Resign снимает lock и возвращает соединение в пул.
func (l *Leader) Resign(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	if _, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key); err != nil {
		l.logger.Warn("advisory unlock", "error", err)
	}
	l.conn.Release()
	l.conn = nil
	l.logger.Info("resigned scheduler leadership")
}
