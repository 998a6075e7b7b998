package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaiso/Docflow/internal/retry"
)

// Значения по умолчанию для HTTPOCR.
const (
	defaultOCRTimeout = 30 * time.Second
	maxOCRBodyBytes   = 64 << 20
)

// HTTPOCRConfig — конфигурация клиента OCR сервиса.
type HTTPOCRConfig struct {
	// Endpoint — базовый URL сервиса, например https://ocr.internal.
	Endpoint string

	// Token — bearer токен.
	Token string

	// Model — модель распознавания (опционально).
	Model string

	// Timeout — таймаут одного HTTP вызова (default: 30s).
	Timeout time.Duration

	// RatePerSecond — ограничение запросов в секунду (0 — без ограничения).
	RatePerSecond float64

	Logger *slog.Logger
}

// HTTPOCR — клиент асинхронного OCR сервиса.
//
//	POST {endpoint}/v1/jobs       {"document_ref": "...", "model": "..."} → {"job_id": "..."}
//	GET  {endpoint}/v1/jobs/{id}  → {"status": "...", "text": "...", "confidence": 0.93}
type HTTPOCR struct {
	endpoint string
	token    string
	model    string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewHTTPOCR создаёт клиент.
func NewHTTPOCR(cfg HTTPOCRConfig) (*HTTPOCR, error) {
	if cfg.Endpoint == "" {
		return nil, retry.Configuration(fmt.Errorf("ocr endpoint is required"))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOCRTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(cfg.RatePerSecond)))
	}

	return &HTTPOCR{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		token:    cfg.Token,
		model:    cfg.Model,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		logger:   logger.With("component", "ocr-gateway"),
	}, nil
}

type submitRequest struct {
	DocumentRef string `json:"document_ref"`
	Model       string `json:"model,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Submit реализует OCR.
func (c *HTTPOCR) Submit(ctx context.Context, documentRef string) (string, error) {
	body, err := json.Marshal(submitRequest{DocumentRef: documentRef, Model: c.model})
	if err != nil {
		return "", fmt.Errorf("marshal submit: %w", err)
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint+"/v1/jobs", body, &resp); err != nil {
		return "", fmt.Errorf("ocr submit %s: %w", documentRef, err)
	}
	if resp.JobID == "" {
		return "", retry.Transient(fmt.Errorf("ocr submit: %w: missing job_id", ErrBadResponse))
	}

	c.logger.Debug("ocr job submitted", "job_id", resp.JobID, "document_ref", documentRef)
	return resp.JobID, nil
}

// Poll реализует OCR.
func (c *HTTPOCR) Poll(ctx context.Context, jobID string) (OCRResult, error) {
	var res OCRResult
	if err := c.do(ctx, http.MethodGet, c.endpoint+"/v1/jobs/"+url.PathEscape(jobID), nil, &res); err != nil {
		return OCRResult{}, fmt.Errorf("ocr poll %s: %w", jobID, err)
	}

	switch res.Status {
	case OCRStatusPending, OCRStatusSucceeded, OCRStatusFailed:
	case "RUNNING", "QUEUED":
		res.Status = OCRStatusPending
	default:
		return OCRResult{}, retry.Transient(fmt.Errorf("ocr poll %s: %w: status %q", jobID, ErrBadResponse, res.Status))
	}
	return res, nil
}

// do выполняет HTTP запрос и декодирует JSON ответ.
func (c *HTTPOCR) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return retry.Transient(err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return retry.Configuration(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Таймауты и сетевые ошибки классифицирует retry.Classify.
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxOCRBodyBytes))
	if err != nil {
		return retry.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.FromHTTPStatus(resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.Transient(fmt.Errorf("%w: %v", ErrBadResponse, err))
	}
	return nil
}
