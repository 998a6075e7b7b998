package api

import (
	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/batch"
	"github.com/shaiso/Docflow/internal/domain"
)

// Document DTOs

// RegisterDocumentRequest — запрос на регистрацию документа.
type RegisterDocumentRequest struct {
	SourceURI string `json:"source_uri"`
	Kind      string `json:"kind"`
	Priority  string `json:"priority,omitempty"`
}

// ToInput конвертирует запрос во вход координатора.
func (r RegisterDocumentRequest) ToInput() batch.DocumentInput {
	return batch.DocumentInput{
		SourceURI: r.SourceURI,
		Kind:      domain.SourceKind(r.Kind),
		Priority:  domain.Priority(r.Priority),
	}
}

// CancelDocumentResponse — ответ на отмену документа.
// Finalized = false: стадия в работе, CANCELLED выставит воркер.
type CancelDocumentResponse struct {
	Document  *domain.Document `json:"document"`
	Finalized bool             `json:"finalized"`
}

// Batch DTOs

// SubmitBatchRequest — запрос на запуск batch.
type SubmitBatchRequest struct {
	DocumentIDs []uuid.UUID `json:"document_ids"`
	Priority    string      `json:"priority,omitempty"`
}

// SubmitBatchResponse — ответ с id созданного batch.
type SubmitBatchResponse struct {
	BatchID   uuid.UUID       `json:"batch_id"`
	Priority  domain.Priority `json:"priority"`
	Submitted int             `json:"submitted"`
}
