package repo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Docflow/internal/domain"
)

const stageRecordColumns = `document_id, stage, attempt_count, status, external_job_ids,
	input_fingerprint, result_ref, last_error, error_class, next_retry_at, await_deadline,
	heartbeat_at, dispatched_at, started_at, finished_at, created_at, updated_at`

// GetStageRecord возвращает запись стадии документа.
func (s *Store) GetStageRecord(ctx context.Context, documentID uuid.UUID, stage domain.Stage) (*domain.StageRecord, error) {
	query := `SELECT ` + stageRecordColumns + ` FROM stage_records WHERE document_id = $1 AND stage = $2`
	return scanStageRecord(s.db.QueryRow(ctx, query, documentID, stage))
}

func getStageRecordForUpdate(ctx context.Context, q querier, documentID uuid.UUID, stage domain.Stage) (*domain.StageRecord, error) {
	query := `SELECT ` + stageRecordColumns + ` FROM stage_records WHERE document_id = $1 AND stage = $2 FOR UPDATE`
	return scanStageRecord(q.QueryRow(ctx, query, documentID, stage))
}

// ListStageRecords возвращает записи всех начатых стадий в порядке pipeline.
func (s *Store) ListStageRecords(ctx context.Context, documentID uuid.UUID) ([]domain.StageRecord, error) {
	query := `SELECT ` + stageRecordColumns + ` FROM stage_records WHERE document_id = $1`
	rows, err := s.db.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list stage records: %w", err)
	}
	defer rows.Close()

	var records []domain.StageRecord
	for rows.Next() {
		rec, err := scanStageRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Stage.Before(records[j].Stage) })
	return records, nil
}

// SaveStageRecord сохраняет промежуточное состояние стадии
// (IN_PROGRESS, RETRY_SCHEDULED) и отражает его в документе.
// Для финального документа возвращает ErrInvalidState.
func (s *Store) SaveStageRecord(ctx context.Context, doc *domain.Document, rec *domain.StageRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := upsertStageRecord(ctx, tx, rec); err != nil {
			return err
		}
		if err := insertTransition(ctx, tx, rec.DocumentID, rec.Stage, rec.Status, rec.AttemptCount, rec.ErrorClass, rec.LastError, rec.UpdatedAt); err != nil {
			return err
		}

		query := `
			UPDATE documents
			SET status = 'IN_PROGRESS', current_stage = $2, stage_status = $3, updated_at = $4
			WHERE id = $1 AND status NOT IN ` + terminalStatuses
		tag, err := tx.Exec(ctx, query, doc.ID, rec.Stage, rec.Status, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("mirror stage status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInvalidState
		}

		doc.Status = domain.DocumentStatusInProgress
		doc.CurrentStage = rec.Stage
		doc.StageStatus = rec.Status
		doc.UpdatedAt = rec.UpdatedAt
		return nil
	})
}

// Heartbeat продлевает признак жизни стадии в IN_PROGRESS.
func (s *Store) Heartbeat(ctx context.Context, documentID uuid.UUID, stage domain.Stage, now time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE stage_records SET heartbeat_at = $3 WHERE document_id = $1 AND stage = $2 AND status = 'IN_PROGRESS'`,
		documentID, stage, now)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// CommitStage записывает COMPLETED стадии вместе с её артефактами.
// doc уже переведён на следующую стадию или в финальный статус.
func (s *Store) CommitStage(ctx context.Context, doc *domain.Document, rec *domain.StageRecord, artifacts *domain.StageArtifacts) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		return transition(ctx, tx, doc, rec, artifacts, s.threshold)
	})
	return invalidText(err)
}

// FailStage записывает FAILED_TERMINAL стадии и FAILED документа.
func (s *Store) FailStage(ctx context.Context, doc *domain.Document, rec *domain.StageRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return transition(ctx, tx, doc, rec, nil, s.threshold)
	})
}

// CancelDocument фиксирует CANCELLED документа. rec может быть nil,
// если текущая стадия ещё не начиналась.
func (s *Store) CancelDocument(ctx context.Context, doc *domain.Document, rec *domain.StageRecord) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return transition(ctx, tx, doc, rec, nil, s.threshold)
	})
}

// transition — общий переход документа внутри транзакции:
// артефакты, запись стадии, история, документ, счётчики batch.
func transition(ctx context.Context, tx pgx.Tx, doc *domain.Document, rec *domain.StageRecord, artifacts *domain.StageArtifacts, threshold float64) error {
	if rec != nil && rec.Status == domain.StageStatusCompleted {
		if err := writeArtifacts(ctx, tx, doc, rec.Stage, artifacts, threshold); err != nil {
			return err
		}
	}

	if rec != nil {
		if err := upsertStageRecord(ctx, tx, rec); err != nil {
			return err
		}
		if err := insertTransition(ctx, tx, rec.DocumentID, rec.Stage, rec.Status, rec.AttemptCount, rec.ErrorClass, rec.LastError, rec.UpdatedAt); err != nil {
			return err
		}
	}

	query := `
		UPDATE documents
		SET status = $2, current_stage = $3, stage_status = $4, error_info = $5,
		    cancel_requested = cancel_requested OR $6, updated_at = $7
		WHERE id = $1 AND status NOT IN ` + terminalStatuses
	tag, err := tx.Exec(ctx, query,
		doc.ID,
		doc.Status,
		doc.CurrentStage,
		doc.StageStatus,
		doc.ErrorInfo,
		doc.CancelRequested,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Документ уже финальный: откатываем всю транзакцию.
		return ErrInvalidState
	}

	if doc.IsFinished() && doc.BatchID != nil {
		return recordBatchOutcome(ctx, tx, *doc.BatchID, doc.Status.IsSuccess(), doc.UpdatedAt)
	}
	return nil
}

// upsertStageRecord вставляет или перезаписывает запись стадии.
// dispatched_at принадлежит maintenance и здесь не меняется.
func upsertStageRecord(ctx context.Context, q querier, rec *domain.StageRecord) error {
	query := `
		INSERT INTO stage_records (document_id, stage, attempt_count, status, external_job_ids,
			input_fingerprint, result_ref, last_error, error_class, next_retry_at, await_deadline,
			heartbeat_at, started_at, finished_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (document_id, stage) DO UPDATE SET
			attempt_count = EXCLUDED.attempt_count,
			status = EXCLUDED.status,
			external_job_ids = EXCLUDED.external_job_ids,
			input_fingerprint = EXCLUDED.input_fingerprint,
			result_ref = EXCLUDED.result_ref,
			last_error = EXCLUDED.last_error,
			error_class = EXCLUDED.error_class,
			next_retry_at = EXCLUDED.next_retry_at,
			await_deadline = EXCLUDED.await_deadline,
			heartbeat_at = EXCLUDED.heartbeat_at,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := q.Exec(ctx, query,
		rec.DocumentID,
		rec.Stage,
		rec.AttemptCount,
		rec.Status,
		textArray(rec.ExternalJobIDs),
		rec.InputFingerprint,
		rec.ResultRef,
		rec.LastError,
		rec.ErrorClass,
		rec.NextRetryAt,
		rec.AwaitDeadline,
		rec.HeartbeatAt,
		rec.StartedAt,
		rec.FinishedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert stage record: %w", err)
	}
	return nil
}

// insertTransition добавляет строку в историю переходов.
func insertTransition(ctx context.Context, q querier, documentID uuid.UUID, stage domain.Stage, status domain.StageStatus, attempt int, class, msg string, at time.Time) error {
	query := `
		INSERT INTO stage_transitions (document_id, stage, status, attempt_count, error_class, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := q.Exec(ctx, query, documentID, stage, status, attempt, class, msg, at); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// resetStageRecords возвращает записи стадий в NOT_STARTED с нулём попыток.
func resetStageRecords(ctx context.Context, q querier, documentID uuid.UUID, stages []domain.Stage, now time.Time) error {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}

	query := `
		UPDATE stage_records
		SET attempt_count = 0, status = 'NOT_STARTED', external_job_ids = '{}',
		    input_fingerprint = '', result_ref = '', last_error = '', error_class = '',
		    next_retry_at = NULL, await_deadline = NULL, heartbeat_at = NULL,
		    dispatched_at = NULL, started_at = NULL, finished_at = NULL, updated_at = $3
		WHERE document_id = $1 AND stage = ANY($2)
	`
	if _, err := q.Exec(ctx, query, documentID, names, now); err != nil {
		return fmt.Errorf("reset stage records: %w", err)
	}
	return nil
}

// scanStageRecord сканирует одну строку в StageRecord.
func scanStageRecord(row scanner) (*domain.StageRecord, error) {
	var rec domain.StageRecord
	err := row.Scan(
		&rec.DocumentID,
		&rec.Stage,
		&rec.AttemptCount,
		&rec.Status,
		&rec.ExternalJobIDs,
		&rec.InputFingerprint,
		&rec.ResultRef,
		&rec.LastError,
		&rec.ErrorClass,
		&rec.NextRetryAt,
		&rec.AwaitDeadline,
		&rec.HeartbeatAt,
		&rec.DispatchedAt,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "stage record")
	}
	if len(rec.ExternalJobIDs) == 0 {
		rec.ExternalJobIDs = nil
	}
	return &rec, nil
}

// ListTransitions возвращает историю переходов документа по времени.
func (s *Store) ListTransitions(ctx context.Context, documentID uuid.UUID) ([]domain.StageTransition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT document_id, stage, status, attempt_count, error_class, message, created_at
		FROM stage_transitions
		WHERE document_id = $1
		ORDER BY id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.StageTransition
	for rows.Next() {
		var t domain.StageTransition
		if err := rows.Scan(&t.DocumentID, &t.Stage, &t.Status, &t.AttemptCount, &t.ErrorClass, &t.Message, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
