package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/domain"
)

const keyPrefix = "docflow"

// ResultKey — ключ результата стадии для данного входа.
func ResultKey(documentID uuid.UUID, stage domain.Stage, fingerprint string) string {
	return fmt.Sprintf("%s:result:%s:%s:%s", keyPrefix, documentID, stage, fingerprint)
}

// LockKey — ключ блокировки (document, stage).
func LockKey(documentID uuid.UUID, stage domain.Stage) string {
	return fmt.Sprintf("%s:lock:%s:%s", keyPrefix, documentID, stage)
}

// Fingerprint возвращает sha256 от частей входа.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// newToken создаёт токен владельца блокировки.
func newToken() string {
	return uuid.NewString()
}
