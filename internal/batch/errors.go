package batch

import "errors"

// Ошибки координатора.
var (
	// ErrInvalidInput — некорректные параметры документа или batch.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyBatch — batch без документов.
	ErrEmptyBatch = errors.New("batch has no documents")

	// ErrSourceNotFound — исходника нет в object storage.
	ErrSourceNotFound = errors.New("source not found")
)
