// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики pipeline
//
// Все бинарники используют единый формат логирования
// и отдают метрики на /metrics.
package telemetry
