package storage

import (
	"bytes"
	"context"
	"fmt"
)

// SplitOversized режет объект больше maxBytes на части по границам строк
// и сохраняет их рядом с исходником. Возвращает nil, если резать не нужно.
//
// Части склеиваются обратно в исходный порядок на стадии text_extraction.
func SplitOversized(ctx context.Context, store ObjectStore, uri string, maxBytes int64) ([]string, error) {
	if maxBytes <= 0 {
		return nil, nil
	}

	size, err := store.Size(ctx, uri)
	if err != nil {
		return nil, err
	}
	if size <= maxBytes {
		return nil, nil
	}

	data, err := store.Get(ctx, uri)
	if err != nil {
		return nil, err
	}

	var parts []string
	for n := 0; len(data) > 0; n++ {
		cut := splitPoint(data, int(maxBytes))
		partURI, err := store.Put(ctx, PartURI(uri, n), data[:cut])
		if err != nil {
			return nil, fmt.Errorf("put part %d: %w", n, err)
		}
		parts = append(parts, partURI)
		data = data[cut:]
	}
	return parts, nil
}

// splitPoint выбирает позицию разреза: последний перевод строки
// в пределах limit, иначе ровно limit.
func splitPoint(data []byte, limit int) int {
	if len(data) <= limit {
		return len(data)
	}
	if i := bytes.LastIndexByte(data[:limit], '\n'); i > 0 {
		return i + 1
	}
	return limit
}
