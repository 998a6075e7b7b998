// Package repo — слой хранения: Postgres как система записи
// и Memory с той же семантикой для standalone режима и тестов.
//
// Каждый переход стадии пишется одной транзакцией: артефакты стадии,
// StageRecord, строка истории, статус документа и счётчики batch.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/resolve"
)

// Config — настройки хранилища.
type Config struct {
	// MatchThreshold — порог слияния упоминаний (default: resolve.DefaultThreshold).
	MatchThreshold float64
}

// Store — Postgres реализация.
type Store struct {
	db        DB
	threshold float64
}

// New создаёт Store.
func New(db DB, cfg Config) *Store {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = resolve.DefaultThreshold
	}
	return &Store{db: db, threshold: cfg.MatchThreshold}
}

// inTx выполняет fn в транзакции. Ошибка fn откатывает транзакцию.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, fn)
}

// --- Helpers ---

// scanner — общее для pgx.Row и pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// terminalStatuses — SQL список финальных статусов документа.
const terminalStatuses = `('COMPLETED', 'EMPTY_CONTENT', 'FAILED', 'CANCELLED')`

// isUniqueViolation проверяет ошибку уникальности Postgres.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// invalidText переводит ошибки кодировки Postgres (22021 — невалидная
// последовательность байт, 22P05 — NUL в тексте) в domain.ErrInvalidText.
func invalidText(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "22021" || pgErr.Code == "22P05") {
		return fmt.Errorf("%w: %s", domain.ErrInvalidText, pgErr.Message)
	}
	return err
}

// notFound переводит pgx.ErrNoRows в ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("scan %s: %w", what, err)
}

// textArray возвращает пустой массив вместо nil: колонки NOT NULL.
func textArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func uuidArray(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}
