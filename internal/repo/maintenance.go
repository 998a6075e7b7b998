package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Docflow/internal/domain"
)

// ClaimDueRetries отбирает RETRY_SCHEDULED записи, у которых наступил
// next_retry_at, и помечает их dispatched_at.
//
// Запись выдаётся повторно, только если после выдачи был назначен
// новый next_retry_at или прошёл lease (задача потерялась).
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.StageTask, error) {
	query := `
		WITH due AS (
			SELECT r.document_id, r.stage
			FROM stage_records r
			JOIN documents d ON d.id = r.document_id
			WHERE r.status = 'RETRY_SCHEDULED'
			  AND r.next_retry_at <= $1
			  AND d.status = 'IN_PROGRESS'
			  AND d.current_stage = r.stage
			  AND (r.dispatched_at IS NULL OR r.dispatched_at < r.next_retry_at OR r.dispatched_at < $2)
			ORDER BY r.next_retry_at
			LIMIT $3
			FOR UPDATE OF r SKIP LOCKED
		)
		UPDATE stage_records r
		SET dispatched_at = $1
		FROM due, documents d
		WHERE r.document_id = due.document_id AND r.stage = due.stage AND d.id = r.document_id
		RETURNING r.document_id, r.stage, d.priority, d.batch_id,
		          CASE WHEN cardinality(r.external_job_ids) > 0 THEN 'poll' ELSE 'retry' END
	`
	return s.claim(ctx, now, query, now, now.Add(-lease), limit)
}

// ClaimStalledStages отбирает IN_PROGRESS записи без heartbeat с staleBefore:
// воркер, державший стадию, считается потерянным.
func (s *Store) ClaimStalledStages(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.StageTask, error) {
	query := `
		WITH stalled AS (
			SELECT r.document_id, r.stage
			FROM stage_records r
			JOIN documents d ON d.id = r.document_id
			WHERE r.status = 'IN_PROGRESS'
			  AND r.heartbeat_at < $2
			  AND d.status = 'IN_PROGRESS'
			  AND (r.dispatched_at IS NULL OR r.dispatched_at < $2)
			ORDER BY r.heartbeat_at
			LIMIT $3
			FOR UPDATE OF r SKIP LOCKED
		)
		UPDATE stage_records r
		SET dispatched_at = $1
		FROM stalled, documents d
		WHERE r.document_id = stalled.document_id AND r.stage = stalled.stage AND d.id = r.document_id
		RETURNING r.document_id, r.stage, d.priority, d.batch_id, 'sweep'
	`
	return s.claim(ctx, now, query, now, staleBefore, limit)
}

// ClaimStalledDocuments отбирает документы, чья текущая стадия так и
// не началась: задача потерялась между commit и публикацией.
func (s *Store) ClaimStalledDocuments(ctx context.Context, now, staleBefore time.Time, limit int) ([]domain.StageTask, error) {
	query := `
		WITH stalled AS (
			SELECT id
			FROM documents
			WHERE status = 'IN_PROGRESS'
			  AND stage_status = 'NOT_STARTED'
			  AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE documents d
		SET updated_at = $1
		FROM stalled
		WHERE d.id = stalled.id
		RETURNING d.id, d.current_stage, d.priority, d.batch_id, 'sweep'
	`
	return s.claim(ctx, now, query, now, staleBefore, limit)
}

// claim выполняет запрос отбора; строки — (document_id, stage, priority, batch_id, reason).
func (s *Store) claim(ctx context.Context, now time.Time, query string, args ...any) ([]domain.StageTask, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.StageTask
	for rows.Next() {
		t := domain.StageTask{EnqueuedAt: now}
		if err := rows.Scan(&t.DocumentID, &t.Stage, &t.Priority, &t.BatchID, &t.Reason); err != nil {
			return nil, fmt.Errorf("scan claimed task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
