package repo

import "errors"

// Общие ошибки слоя хранения.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrConflict — запись уже существует или изменена параллельно.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")
)
