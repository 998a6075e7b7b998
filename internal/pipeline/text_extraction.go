package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/gateway"
	"github.com/shaiso/Docflow/internal/retry"
	"github.com/shaiso/Docflow/internal/storage"
)

// TextExtractor извлекает текст частей источника.
//
// Синхронная реализация сразу возвращает тексты. Асинхронная при пустом
// jobIDs отправляет части во внешний сервис и возвращает id задач, а при
// повторном вызове с этими id опрашивает их.
type TextExtractor interface {
	Extract(ctx context.Context, parts, jobIDs []string) (texts, await []string, err error)
}

// PlainTextExtractor читает текст частей из object storage.
type PlainTextExtractor struct {
	Objects storage.ObjectStore
}

// Extract реализует TextExtractor.
func (x *PlainTextExtractor) Extract(ctx context.Context, parts, _ []string) ([]string, []string, error) {
	texts := make([]string, 0, len(parts))
	for _, uri := range parts {
		data, err := x.Objects.Get(ctx, uri)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, retry.Data(err)
		}
		if err != nil {
			return nil, nil, err
		}
		texts = append(texts, string(data))
	}
	return texts, nil, nil
}

// OCRExtractor извлекает текст асинхронным OCR сервисом,
// по одной внешней задаче на часть.
type OCRExtractor struct {
	OCR gateway.OCR
}

// Extract реализует TextExtractor.
func (x *OCRExtractor) Extract(ctx context.Context, parts, jobIDs []string) ([]string, []string, error) {
	if len(jobIDs) == 0 {
		ids := make([]string, 0, len(parts))
		for _, uri := range parts {
			id, err := x.OCR.Submit(ctx, uri)
			if err != nil {
				return nil, nil, fmt.Errorf("submit %s: %w", uri, err)
			}
			ids = append(ids, id)
		}
		return nil, ids, nil
	}

	texts := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		res, err := x.OCR.Poll(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("poll %s: %w", id, err)
		}

		switch res.Status {
		case gateway.OCRStatusPending:
			return nil, jobIDs, nil
		case gateway.OCRStatusFailed:
			jobErr := fmt.Errorf("ocr job %s failed: %s", id, res.Error)
			if res.Code != "" {
				return nil, nil, retry.WithCode(res.Code, jobErr)
			}
			return nil, nil, jobErr
		}
		texts = append(texts, res.Text)
	}
	return texts, nil, nil
}

// TextExtraction — стадия text_extraction.
//
// Реализация выбирается по SourceKind при создании; текст частей
// склеивается в исходном порядке и сохраняется в object storage.
type TextExtraction struct {
	extractors map[domain.SourceKind]TextExtractor
	objects    storage.ObjectStore
}

// NewTextExtraction создаёт стадию text_extraction.
func NewTextExtraction(objects storage.ObjectStore, extractors map[domain.SourceKind]TextExtractor) *TextExtraction {
	return &TextExtraction{extractors: extractors, objects: objects}
}

// Stage реализует StageHandler.
func (h *TextExtraction) Stage() domain.Stage { return domain.StageTextExtraction }

// Execute реализует StageHandler.
func (h *TextExtraction) Execute(ctx context.Context, in StageInput) (*StageResult, error) {
	doc := in.Document
	x, ok := h.extractors[doc.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExtractor, doc.Kind)
	}

	texts, await, err := x.Extract(ctx, doc.Parts(), in.Record.ExternalJobIDs)
	if err != nil {
		return nil, err
	}
	if len(await) > 0 {
		return &StageResult{Await: &AwaitExternal{JobIDs: await}}, nil
	}

	text := strings.Join(texts, "")
	if err := domain.CheckText(text); err != nil {
		return nil, retry.Data(err)
	}
	if strings.TrimSpace(text) == "" {
		return &StageResult{Empty: true}, nil
	}

	uri, err := h.objects.Put(ctx, storage.TextURI(doc.ID, in.Fingerprint), []byte(text))
	if err != nil {
		return nil, fmt.Errorf("store extracted text: %w", err)
	}
	return &StageResult{ResultRef: uri}, nil
}
