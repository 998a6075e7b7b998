package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/shaiso/Docflow/internal/retry"
)

const defaultLLMTimeout = 60 * time.Second

// LLMConfig — конфигурация LLM провайдера (OpenAI-совместимый API).
type LLMConfig struct {
	BaseURL string
	Token   string
	Model   string

	// Timeout — таймаут одного вызова модели (default: 60s).
	Timeout time.Duration

	// RatePerSecond — ограничение вызовов в секунду (0 — без ограничения).
	RatePerSecond float64

	Logger *slog.Logger
}

// LLMExtractor — Extraction поверх llms.Model.
type LLMExtractor struct {
	model   llms.Model
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewLLMExtractor создаёт клиент OpenAI-совместимого провайдера.
func NewLLMExtractor(cfg LLMConfig) (*LLMExtractor, error) {
	if cfg.Model == "" {
		return nil, retry.Configuration(fmt.Errorf("extraction model is required"))
	}

	token := cfg.Token
	if token == "" {
		// Локальные совместимые сервисы токен не проверяют.
		token = "none"
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, retry.Configuration(fmt.Errorf("create llm client: %w", err))
	}

	return NewLLMExtractorWithModel(client, cfg), nil
}

// NewLLMExtractorWithModel создаёт экстрактор поверх готовой модели.
func NewLLMExtractorWithModel(model llms.Model, cfg LLMConfig) *LLMExtractor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(cfg.RatePerSecond)))
	}

	return &LLMExtractor{
		model:   model,
		timeout: timeout,
		limiter: limiter,
		logger:  logger.With("component", "extraction-gateway"),
	}
}

const entitiesPrompt = `You extract named entities from text.
Return JSON: {"entities": [{"text_span": "...", "type": "PERSON|ORGANIZATION|LOCATION|DATE|PRODUCT|OTHER", "confidence": 0.0-1.0}]}.
text_span must be copied verbatim from the text. Return {"entities": []} if there are none.`

const relationshipsPrompt = `You extract relationships between the given entities from text.
Return JSON: {"relationships": [{"source": "...", "target": "...", "type": "..."}]}.
source and target must be names from the entity list. type is a short snake_case verb phrase.
Return {"relationships": []} if there are none.`

type entitiesResponse struct {
	Entities []EntitySpan `json:"entities"`
}

type relationshipsResponse struct {
	Relationships []RelationshipTriple `json:"relationships"`
}

// ExtractEntities реализует Extraction.
func (e *LLMExtractor) ExtractEntities(ctx context.Context, chunkText string) ([]EntitySpan, error) {
	if strings.TrimSpace(chunkText) == "" {
		return nil, nil
	}

	var resp entitiesResponse
	if err := e.generate(ctx, entitiesPrompt, chunkText, &resp); err != nil {
		return nil, fmt.Errorf("extract entities: %w", err)
	}

	out := make([]EntitySpan, 0, len(resp.Entities))
	for _, ent := range resp.Entities {
		ent.TextSpan = strings.TrimSpace(ent.TextSpan)
		if ent.TextSpan == "" {
			continue
		}
		ent.Type = normalizeType(ent.Type)
		ent.Confidence = clamp01(ent.Confidence)
		out = append(out, ent)
	}
	return out, nil
}

// ExtractRelationships реализует Extraction.
func (e *LLMExtractor) ExtractRelationships(ctx context.Context, entities []EntityRef, text string) ([]RelationshipTriple, error) {
	if len(entities) < 2 {
		return nil, nil
	}

	list, err := json.Marshal(entities)
	if err != nil {
		return nil, fmt.Errorf("marshal entities: %w", err)
	}
	input := "Entities: " + string(list) + "\n\nText:\n" + text

	var resp relationshipsResponse
	if err := e.generate(ctx, relationshipsPrompt, input, &resp); err != nil {
		return nil, fmt.Errorf("extract relationships: %w", err)
	}

	out := make([]RelationshipTriple, 0, len(resp.Relationships))
	for _, r := range resp.Relationships {
		r.Source = strings.TrimSpace(r.Source)
		r.Target = strings.TrimSpace(r.Target)
		r.Type = normalizeType(r.Type)
		if r.Source == "" || r.Target == "" || r.Type == "" {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// generate вызывает модель в JSON режиме и декодирует ответ в out.
func (e *LLMExtractor) generate(ctx context.Context, system, user string, out any) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return retry.Transient(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	content := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(user)}},
	}

	resp, err := e.model.GenerateContent(ctx, content, llms.WithTemperature(0), llms.WithJSONMode())
	if err != nil {
		return classifyLLMError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return retry.Transient(ErrEmptyResponse)
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), out); err != nil {
		e.logger.Warn("unparseable model response", "error", err)
		// Модель недетерминирована, следующая попытка может ответить корректно.
		return retry.Transient(fmt.Errorf("%w: %v", ErrBadResponse, err))
	}
	return nil
}

// statusPattern выделяет HTTP статус из ошибки OpenAI клиента:
// "API returned unexpected status code: 429: ...".
var statusPattern = regexp.MustCompile(`status code:? (\d{3})\b`)

// llmErrorCodes — коды retry для типизированных ошибок langchaingo.
var llmErrorCodes = map[llms.ErrorCode]string{
	llms.ErrCodeAuthentication:      retry.CodeUnauthorized,
	llms.ErrCodeRateLimit:           retry.CodeRateLimited,
	llms.ErrCodeQuotaExceeded:       retry.CodeQuota,
	llms.ErrCodeProviderUnavailable: retry.CodeUnavailable,
	llms.ErrCodeTimeout:             retry.CodeTimeout,
	llms.ErrCodeResourceNotFound:    retry.CodeInvalidConfig,
	llms.ErrCodeInvalidRequest:      retry.CodeInvalidInput,
	llms.ErrCodeTokenLimit:          retry.CodeInvalidInput,
	llms.ErrCodeContentFilter:       retry.CodeInvalidInput,
}

// classifyLLMError переводит ошибки провайдера в коды retry.
// Порядок: типизированная ошибка langchaingo, известные коды OpenAI
// в тексте, затем HTTP статус из текста.
func classifyLLMError(err error) error {
	var llmErr *llms.Error
	if errors.As(err, &llmErr) {
		if code, ok := llmErrorCodes[llmErr.Code]; ok {
			return retry.WithCode(code, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient_quota") || strings.Contains(msg, "exceeded your current quota"):
		return retry.WithCode(retry.CodeQuota, err)
	case strings.Contains(msg, "invalid_api_key"):
		return retry.WithCode(retry.CodeUnauthorized, err)
	case strings.Contains(msg, "overloaded"):
		return retry.WithCode(retry.CodeCapacity, err)
	case strings.Contains(msg, "rate limit"):
		return retry.WithCode(retry.CodeRateLimited, err)
	}

	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		status, _ := strconv.Atoi(m[1])
		return &retry.Error{StatusCode: status, Err: err}
	}
	return err
}

func normalizeType(t string) string {
	t = strings.TrimSpace(strings.ToUpper(t))
	return strings.ReplaceAll(t, " ", "_")
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
