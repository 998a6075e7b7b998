package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		RequestLogger(h.logger),
		Recovery(h.logger),
		Logging(),
	)

	// Documents
	mux.Handle("POST /api/v1/documents", chain(http.HandlerFunc(h.RegisterDocument)))
	mux.Handle("GET /api/v1/documents/{id}", chain(http.HandlerFunc(h.GetDocument)))
	mux.Handle("GET /api/v1/documents/{id}/entities", chain(http.HandlerFunc(h.ListEntities)))
	mux.Handle("POST /api/v1/documents/{id}/cancel", chain(http.HandlerFunc(h.CancelDocument)))
	mux.Handle("POST /api/v1/documents/{id}/reset", chain(http.HandlerFunc(h.ResetDocument)))
	mux.Handle("POST /api/v1/documents/{id}/reprocess", chain(http.HandlerFunc(h.ReprocessDocument)))

	// Batches
	mux.Handle("POST /api/v1/batches", chain(http.HandlerFunc(h.SubmitBatch)))
	mux.Handle("GET /api/v1/batches/{id}", chain(http.HandlerFunc(h.GetBatchStatus)))
	mux.Handle("POST /api/v1/batches/{id}/cancel", chain(http.HandlerFunc(h.CancelBatch)))
}
