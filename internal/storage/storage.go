// Package storage — object storage для исходников и больших артефактов.
//
// В задачи очереди артефакты не кладутся, передаются только URI.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound — объекта по URI нет.
var ErrNotFound = errors.New("object not found")

// ObjectStore — контракт object storage.
type ObjectStore interface {
	// Put сохраняет объект и возвращает его канонический URI.
	Put(ctx context.Context, uri string, data []byte) (string, error)

	// Get читает объект.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Size возвращает размер объекта в байтах.
	Size(ctx context.Context, uri string) (int64, error)
}

// FS — ObjectStore поверх локальной файловой системы (file:// URI).
//
// Относительные пути в URI разрешаются от Root.
type FS struct {
	Root string
}

// NewFS создаёт FS и каталог root.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &FS{Root: abs}, nil
}

// path превращает URI в путь на диске.
func (s *FS) path(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}

	var p string
	switch u.Scheme {
	case "file":
		p = u.Host + u.Path
	case "":
		p = uri
	default:
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, uri)
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(s.Root, p)
	}
	return filepath.Clean(p), nil
}

// Put реализует ObjectStore. Запись атомарна через rename.
func (s *FS) Put(_ context.Context, uri string, data []byte) (string, error) {
	p, err := s.path(uri)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}

	tmp := p + ".tmp-" + uuid.NewString()[:8]
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit object: %w", err)
	}
	return "file://" + p, nil
}

// Get реализует ObjectStore.
func (s *FS) Get(_ context.Context, uri string) ([]byte, error) {
	p, err := s.path(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Size реализует ObjectStore.
func (s *FS) Size(_ context.Context, uri string) (int64, error) {
	p, err := s.path(uri)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", uri, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("stat object: %w", err)
	}
	return info.Size(), nil
}

// TextURI — куда стадия text_extraction кладёт извлечённый текст.
func TextURI(documentID uuid.UUID, fingerprint string) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return fmt.Sprintf("documents/%s/text-%s.txt", documentID, fingerprint)
}

// PartURI — URI n-й части разрезанного источника.
func PartURI(sourceURI string, n int) string {
	base := strings.TrimSuffix(sourceURI, filepath.Ext(sourceURI))
	return fmt.Sprintf("%s.part-%04d%s", base, n, filepath.Ext(sourceURI))
}
