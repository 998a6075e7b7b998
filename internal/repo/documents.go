package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Docflow/internal/domain"
)

const documentColumns = `id, source_uri, source_parts, kind, batch_id, priority, version, status,
	current_stage, stage_status, cancel_requested, error_info, created_at, updated_at`

// CreateDocument сохраняет новый документ.
func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document) error {
	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.Exec(ctx, query,
		doc.ID,
		doc.SourceURI,
		textArray(doc.SourceParts),
		doc.Kind,
		nullUUID(doc.BatchID),
		doc.Priority,
		doc.Version,
		doc.Status,
		doc.CurrentStage,
		doc.StageStatus,
		doc.CancelRequested,
		doc.ErrorInfo,
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument возвращает документ по ID.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return scanDocument(s.db.QueryRow(ctx, query, id))
}

// getDocumentForUpdate читает документ с блокировкой строки.
func getDocumentForUpdate(ctx context.Context, q querier, id uuid.UUID) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 FOR UPDATE`
	return scanDocument(q.QueryRow(ctx, query, id))
}

// RequestCancel запрашивает отмену документа.
//
// Если стадия сейчас не выполняется, документ сразу переходит в CANCELLED
// (finalized = true). Иначе выставляется флаг, и воркер завершит отмену
// на ближайшей проверке.
func (s *Store) RequestCancel(ctx context.Context, id uuid.UUID) (*domain.Document, bool, error) {
	var (
		doc       *domain.Document
		finalized bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		doc, err = getDocumentForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		switch {
		case doc.Status == domain.DocumentStatusCancelled:
			finalized = true
			return nil
		case doc.IsFinished():
			return ErrInvalidState
		}

		now := time.Now().UTC()
		if doc.StageStatus == domain.StageStatusInProgress {
			doc.CancelRequested = true
			doc.UpdatedAt = now
			_, err := tx.Exec(ctx,
				`UPDATE documents SET cancel_requested = true, updated_at = $2 WHERE id = $1`,
				doc.ID, now)
			if err != nil {
				return fmt.Errorf("request cancel: %w", err)
			}
			return nil
		}

		rec, err := getStageRecordForUpdate(ctx, tx, doc.ID, doc.CurrentStage)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if rec != nil {
			rec.MarkFailed(domain.ErrorClassCancelled, "cancelled by operator", now)
			doc.StageStatus = rec.Status
		}
		doc.MarkCancelled(now)
		finalized = true
		return transition(ctx, tx, doc, rec, nil, s.threshold)
	})
	if err != nil {
		return nil, false, err
	}
	return doc, finalized, nil
}

// ResetDocument возвращает FAILED документ в обработку с текущей стадии.
// Счётчик попыток стадии обнуляется, batch снова ждёт документ.
func (s *Store) ResetDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	var doc *domain.Document
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		doc, err = getDocumentForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if doc.Status != domain.DocumentStatusFailed {
			return ErrInvalidState
		}

		now := time.Now().UTC()
		if err := resetStageRecords(ctx, tx, doc.ID, []domain.Stage{doc.CurrentStage}, now); err != nil {
			return err
		}

		doc.Status = domain.DocumentStatusInProgress
		doc.StageStatus = domain.StageStatusNotStarted
		doc.ErrorInfo = ""
		doc.CancelRequested = false
		doc.UpdatedAt = now
		if err := reopenDocument(ctx, tx, doc); err != nil {
			return err
		}
		if err := insertTransition(ctx, tx, doc.ID, doc.CurrentStage, domain.StageStatusNotStarted, 0, "", "reset by operator", now); err != nil {
			return err
		}
		return reopenBatch(ctx, tx, doc.BatchID, false, now)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ReprocessDocument запускает финальный документ заново под новой версией.
// Производные артефакты пересоздаются. Связи прошлых версий остаются
// историей и помечаются superseded в той же транзакции: их chunks и
// сущности удалены.
func (s *Store) ReprocessDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	var doc *domain.Document
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		doc, err = getDocumentForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !doc.IsFinished() {
			return ErrInvalidState
		}
		wasSuccess := doc.Status.IsSuccess()

		now := time.Now().UTC()
		for _, q := range []string{
			`DELETE FROM entity_mentions WHERE document_id = $1`,
			`DELETE FROM canonical_entities WHERE document_id = $1`,
			`DELETE FROM chunks WHERE document_id = $1`,
		} {
			if _, err := tx.Exec(ctx, q, doc.ID); err != nil {
				return fmt.Errorf("drop artifacts: %w", err)
			}
		}
		_, err = tx.Exec(ctx,
			`UPDATE relationships SET superseded_at = $2 WHERE document_id = $1 AND superseded_at IS NULL`,
			doc.ID, now)
		if err != nil {
			return fmt.Errorf("supersede relationships: %w", err)
		}
		if err := resetStageRecords(ctx, tx, doc.ID, domain.Pipeline, now); err != nil {
			return err
		}

		doc.Version++
		doc.Status = domain.DocumentStatusInProgress
		doc.CurrentStage = domain.FirstStage
		doc.StageStatus = domain.StageStatusNotStarted
		doc.ErrorInfo = ""
		doc.CancelRequested = false
		doc.UpdatedAt = now
		if err := reopenDocument(ctx, tx, doc); err != nil {
			return err
		}
		if err := insertTransition(ctx, tx, doc.ID, doc.CurrentStage, domain.StageStatusNotStarted, 0, "",
			fmt.Sprintf("reprocess as version %d", doc.Version), now); err != nil {
			return err
		}
		return reopenBatch(ctx, tx, doc.BatchID, wasSuccess, now)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// reopenDocument перезаписывает документ, снимая финальный статус.
func reopenDocument(ctx context.Context, q querier, doc *domain.Document) error {
	query := `
		UPDATE documents
		SET version = $2, status = $3, current_stage = $4, stage_status = $5,
		    error_info = $6, cancel_requested = $7, updated_at = $8
		WHERE id = $1
	`
	_, err := q.Exec(ctx, query,
		doc.ID,
		doc.Version,
		doc.Status,
		doc.CurrentStage,
		doc.StageStatus,
		doc.ErrorInfo,
		doc.CancelRequested,
		doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("reopen document: %w", err)
	}
	return nil
}

// scanDocument сканирует одну строку в Document.
func scanDocument(row scanner) (*domain.Document, error) {
	var doc domain.Document
	err := row.Scan(
		&doc.ID,
		&doc.SourceURI,
		&doc.SourceParts,
		&doc.Kind,
		&doc.BatchID,
		&doc.Priority,
		&doc.Version,
		&doc.Status,
		&doc.CurrentStage,
		&doc.StageStatus,
		&doc.CancelRequested,
		&doc.ErrorInfo,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "document")
	}
	if len(doc.SourceParts) == 0 {
		doc.SourceParts = nil
	}
	return &doc, nil
}
