package pipeline

import (
	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/gateway"
	"github.com/shaiso/Docflow/internal/storage"
)

// HandlersConfig — зависимости стандартного набора обработчиков.
type HandlersConfig struct {
	Objects    storage.ObjectStore
	Artifacts  ArtifactReader
	Extraction gateway.Extraction

	// OCR — сервис асинхронного распознавания. nil — документы
	// не-текстовых типов падают с FATAL_CONFIGURATION.
	OCR gateway.OCR

	ChunkMaxChars int
	Concurrency   int
}

// NewHandlers собирает обработчики всех стадий pipeline.
func NewHandlers(cfg HandlersConfig) []StageHandler {
	extractors := map[domain.SourceKind]TextExtractor{
		domain.SourceKindText: &PlainTextExtractor{Objects: cfg.Objects},
	}
	if cfg.OCR != nil {
		ocr := &OCRExtractor{OCR: cfg.OCR}
		for _, kind := range domain.SourceKinds {
			if kind.IsAsync() {
				extractors[kind] = ocr
			}
		}
	}

	return []StageHandler{
		NewTextExtraction(cfg.Objects, extractors),
		NewChunking(cfg.Objects, cfg.ChunkMaxChars),
		NewEntityExtraction(cfg.Artifacts, cfg.Extraction, cfg.Concurrency),
		NewEntityResolution(cfg.Artifacts),
		NewRelationshipBuilding(cfg.Artifacts, cfg.Extraction, cfg.Concurrency),
	}
}
