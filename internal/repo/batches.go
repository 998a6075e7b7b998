package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Docflow/internal/domain"
)

const batchColumns = `id, priority, document_ids, submitted_count, completed_count,
	failed_count, status, created_at, updated_at`

// CreateBatch сохраняет batch и привязывает к нему документы.
// Документы должны быть в PENDING и не принадлежать другому batch,
// иначе ErrInvalidState и ничего не записывается.
func (s *Store) CreateBatch(ctx context.Context, b *domain.Batch) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO batches (`+batchColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			b.ID,
			b.Priority,
			uuidArray(b.DocumentIDs),
			b.SubmittedCount,
			b.CompletedCount,
			b.FailedCount,
			b.Status,
			b.CreatedAt,
			b.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE documents
			SET batch_id = $1, priority = $2, status = 'IN_PROGRESS', updated_at = $3
			WHERE id = ANY($4) AND status = 'PENDING' AND batch_id IS NULL
		`, b.ID, b.Priority, b.CreatedAt, uuidArray(b.DocumentIDs))
		if err != nil {
			return fmt.Errorf("attach documents: %w", err)
		}
		if int(tag.RowsAffected()) != len(b.DocumentIDs) {
			return ErrInvalidState
		}
		return nil
	})
}

// GetBatch возвращает batch по ID.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)

	var b domain.Batch
	err := row.Scan(
		&b.ID,
		&b.Priority,
		&b.DocumentIDs,
		&b.SubmittedCount,
		&b.CompletedCount,
		&b.FailedCount,
		&b.Status,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "batch")
	}
	return &b, nil
}

// ListBatchDocuments возвращает документы batch.
func (s *Store) ListBatchDocuments(ctx context.Context, batchID uuid.UUID) ([]domain.Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE batch_id = $1 ORDER BY created_at, id`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("list batch documents: %w", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// recordBatchOutcome учитывает финальный переход документа одним UPDATE.
func recordBatchOutcome(ctx context.Context, q querier, batchID uuid.UUID, success bool, now time.Time) error {
	completed, failed := 0, 0
	if success {
		completed = 1
	} else {
		failed = 1
	}

	query := `
		UPDATE batches
		SET completed_count = completed_count + $2,
		    failed_count = failed_count + $3,
		    status = CASE WHEN completed_count + $2 + failed_count + $3 >= submitted_count
		                  THEN 'DONE' ELSE 'RUNNING' END,
		    updated_at = $4
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, batchID, completed, failed, now); err != nil {
		return fmt.Errorf("record batch outcome: %w", err)
	}
	return nil
}

// reopenBatch снимает учёт документа, возвращённого в обработку.
func reopenBatch(ctx context.Context, q querier, batchID *uuid.UUID, success bool, now time.Time) error {
	if batchID == nil {
		return nil
	}

	completed, failed := 0, 0
	if success {
		completed = 1
	} else {
		failed = 1
	}

	query := `
		UPDATE batches
		SET completed_count = GREATEST(completed_count - $2, 0),
		    failed_count = GREATEST(failed_count - $3, 0),
		    status = 'RUNNING',
		    updated_at = $4
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, *batchID, completed, failed, now); err != nil {
		return fmt.Errorf("reopen batch: %w", err)
	}
	return nil
}
