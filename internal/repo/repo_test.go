package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Docflow/internal/domain"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, Config{}), mock
}

func TestGetDocumentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT .* FROM documents WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDocument(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveStageRecordRejectsFinishedDocument(t *testing.T) {
	s, mock := newMockStore(t)
	doc := domain.NewDocument("file:///a.txt", domain.SourceKindText)
	rec := domain.NewStageRecord(doc.ID, domain.StageChunking, time.Now())
	rec.MarkInProgress("fp", time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stage_records").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO stage_transitions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE documents").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.SaveStageRecord(context.Background(), doc, rec)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitStageWritesArtifactsAndBatchCounters(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	batchID := uuid.New()
	doc := domain.NewDocument("file:///a.txt", domain.SourceKindText)
	doc.BatchID = &batchID
	doc.CurrentStage = domain.StageChunking

	rec := domain.NewStageRecord(doc.ID, domain.StageChunking, now)
	rec.MarkInProgress("fp", now)
	rec.MarkCompleted("pg://chunks/x", "fp", now)
	doc.MarkEmpty(now)

	chunks := []domain.Chunk{
		{ID: domain.ChunkID(doc.ID, 0), DocumentID: doc.ID, SequenceIndex: 0, CharStart: 0, CharEnd: 5, Text: "Hello"},
		{ID: domain.ChunkID(doc.ID, 1), DocumentID: doc.ID, SequenceIndex: 1, CharStart: 6, CharEnd: 11, Text: "world"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chunks").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO chunks").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("INSERT INTO stage_records").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO stage_transitions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE documents").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE batches").
		WithArgs(batchID, 1, 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.CommitStage(context.Background(), doc, rec, &domain.StageArtifacts{Chunks: chunks})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitStageInvalidTextEncoding(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	doc := domain.NewDocument("file:///a.txt", domain.SourceKindText)
	doc.CurrentStage = domain.StageChunking
	rec := domain.NewStageRecord(doc.ID, domain.StageChunking, now)
	rec.MarkInProgress("fp", now)
	rec.MarkCompleted("pg://chunks/x", "fp", now)
	doc.AdvanceTo(domain.StageEntityExtraction, now)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chunks").
		WillReturnError(&pgconn.PgError{Code: "22021", Message: `invalid byte sequence for encoding "UTF8": 0xff`})
	mock.ExpectRollback()

	chunks := []domain.Chunk{{ID: domain.ChunkID(doc.ID, 0), DocumentID: doc.ID, Text: "x"}}
	err := s.CommitStage(context.Background(), doc, rec, &domain.StageArtifacts{Chunks: chunks})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidText)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailStageCountsFailure(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	batchID := uuid.New()
	doc := domain.NewDocument("file:///a.pdf", domain.SourceKindPDF)
	doc.BatchID = &batchID

	rec := domain.NewStageRecord(doc.ID, domain.FirstStage, now)
	rec.MarkFailed("FATAL_DATA", "corrupt", now)
	doc.MarkFailed("corrupt", now)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO stage_records").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO stage_transitions").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE documents").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE batches").
		WithArgs(batchID, 0, 1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.FailStage(context.Background(), doc, rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatchRequiresPendingDocuments(t *testing.T) {
	s, mock := newMockStore(t)
	b := domain.NewBatch([]uuid.UUID{uuid.New(), uuid.New()}, domain.PriorityHigh)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batches").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE documents").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectRollback()

	err := s.CreateBatch(context.Background(), b)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsApplied(t *testing.T) {
	_, mock := newMockStore(t)

	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("0001_init.sql"))
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, Migrate(context.Background(), mock, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesPending(t *testing.T) {
	_, mock := newMockStore(t)

	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS batches").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("0001_init.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, Migrate(context.Background(), mock, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
