package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/retry"
	"github.com/shaiso/Docflow/internal/storage"
)

const defaultMaxChunkChars = 2000

// Chunking — стадия chunking: текст режется по предложениям,
// предложения упаковываются в chunks не длиннее maxChars.
type Chunking struct {
	objects  storage.ObjectStore
	maxChars int
}

// NewChunking создаёт стадию chunking.
func NewChunking(objects storage.ObjectStore, maxChars int) *Chunking {
	if maxChars <= 0 {
		maxChars = defaultMaxChunkChars
	}
	return &Chunking{objects: objects, maxChars: maxChars}
}

// Stage реализует StageHandler.
func (h *Chunking) Stage() domain.Stage { return domain.StageChunking }

// Execute реализует StageHandler.
func (h *Chunking) Execute(ctx context.Context, in StageInput) (*StageResult, error) {
	data, err := h.objects.Get(ctx, in.InputRef)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, retry.Data(err)
	}
	if err != nil {
		return nil, fmt.Errorf("load text: %w", err)
	}

	spans, err := SplitChunks(string(data), h.maxChars)
	if err != nil {
		return nil, retry.Data(err)
	}
	if len(spans) == 0 {
		return &StageResult{Empty: true}, nil
	}

	docID := in.Document.ID
	text := string(data)
	chunks := make([]domain.Chunk, 0, len(spans))
	for i, sp := range spans {
		chunks = append(chunks, domain.Chunk{
			ID:            domain.ChunkID(docID, i),
			DocumentID:    docID,
			SequenceIndex: i,
			CharStart:     sp.Start,
			CharEnd:       sp.End,
			Text:          text[sp.Start:sp.End],
		})
	}

	return &StageResult{
		ResultRef: domain.ArtifactRef("chunks", docID, in.Fingerprint),
		Artifacts: &domain.StageArtifacts{Chunks: chunks},
	}, nil
}

// Span — полуоткрытый интервал [Start, End) байтовых смещений в тексте.
type Span struct {
	Start int
	End   int
}

// SplitChunks делит text на chunks по границам предложений.
// Смещения точные: text[Start:End] совпадает с текстом chunk.
// Пробельные участки между chunks в них не входят.
func SplitChunks(text string, maxChars int) ([]Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	sentences, err := sentenceSpans(text)
	if err != nil {
		return nil, err
	}

	var (
		chunks []Span
		cur    = Span{Start: -1}
	)
	flush := func() {
		if cur.Start >= 0 {
			chunks = append(chunks, cur)
		}
		cur = Span{Start: -1}
	}

	for _, s := range sentences {
		for _, piece := range hardSplit(text, s, maxChars) {
			if cur.Start >= 0 && piece.End-cur.Start > maxChars {
				flush()
			}
			if cur.Start < 0 {
				cur.Start = piece.Start
			}
			cur.End = piece.End
		}
	}
	flush()
	return chunks, nil
}

// sentenceSpans находит предложения prose в исходном тексте.
func sentenceSpans(text string) ([]Span, error) {
	doc, err := prose.NewDocument(text,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, fmt.Errorf("segment sentences: %w", err)
	}

	var (
		spans  []Span
		cursor int
	)
	for _, s := range doc.Sentences() {
		sentence := strings.TrimSpace(s.Text)
		if sentence == "" {
			continue
		}
		i := strings.Index(text[cursor:], sentence)
		if i < 0 {
			// Сегментатор изменил текст предложения: остаток одним куском.
			break
		}
		start := cursor + i
		spans = append(spans, Span{Start: start, End: start + len(sentence)})
		cursor = start + len(sentence)
	}

	if rest := strings.TrimSpace(text[cursor:]); rest != "" {
		start := cursor + strings.Index(text[cursor:], rest)
		spans = append(spans, Span{Start: start, End: start + len(rest)})
	}
	return spans, nil
}

// hardSplit режет предложение длиннее maxChars по границам рун,
// предпочитая пробел.
func hardSplit(text string, s Span, maxChars int) []Span {
	if s.End-s.Start <= maxChars {
		return []Span{s}
	}

	var out []Span
	start := s.Start
	for s.End-start > maxChars {
		cut := start + maxChars
		for cut > start && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if sp := strings.LastIndexByte(text[start:cut], ' '); sp > 0 {
			cut = start + sp
		}
		if cut == start {
			cut = start + maxChars
		}
		out = append(out, Span{Start: start, End: cut})

		start = cut
		for start < s.End && text[start] == ' ' {
			start++
		}
	}
	if start < s.End {
		out = append(out, Span{Start: start, End: s.End})
	}
	return out
}
