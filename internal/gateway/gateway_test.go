package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/shaiso/Docflow/internal/retry"
)

func TestHTTPOCRSubmitAndPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/jobs":
			var req submitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "file:///docs/a.pdf", req.DocumentRef)
			json.NewEncoder(w).Encode(submitResponse{JobID: "job-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/jobs/job-1":
			json.NewEncoder(w).Encode(OCRResult{Status: OCRStatusSucceeded, Text: "hello", Confidence: 0.97})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewHTTPOCR(HTTPOCRConfig{Endpoint: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)

	jobID, err := c.Submit(context.Background(), "file:///docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)

	res, err := c.Poll(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, OCRStatusSucceeded, res.Status)
	assert.Equal(t, "hello", res.Text)
}

func TestHTTPOCRStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   retry.Class
	}{
		{http.StatusTooManyRequests, retry.ClassTransient},
		{http.StatusBadGateway, retry.ClassTransient},
		{http.StatusServiceUnavailable, retry.ClassResource},
		{http.StatusUnauthorized, retry.ClassConfiguration},
		{http.StatusUnsupportedMediaType, retry.ClassData},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tt.status)
		}))

		c, err := NewHTTPOCR(HTTPOCRConfig{Endpoint: srv.URL})
		require.NoError(t, err)

		_, err = c.Submit(context.Background(), "file:///x.pdf")
		require.Error(t, err)
		assert.Equal(t, tt.want, retry.Classify(err), "status %d", tt.status)

		srv.Close()
	}
}

func TestNewHTTPOCRRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPOCR(HTTPOCRConfig{})
	require.Error(t, err)
	assert.Equal(t, retry.ClassConfiguration, retry.Classify(err))
}

// fakeModel — llms.Model с заранее заданным ответом.
type fakeModel struct {
	content string
	err     error
	calls   int
}

func (m *fakeModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.content}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func TestLLMExtractEntities(t *testing.T) {
	model := &fakeModel{content: "```json\n" + `{"entities": [
		{"text_span": " Acme Corp ", "type": "organization", "confidence": 1.4},
		{"text_span": "", "type": "PERSON", "confidence": 0.9},
		{"text_span": "Jane Doe", "type": "person", "confidence": 0.92}
	]}` + "\n```"}
	e := NewLLMExtractorWithModel(model, LLMConfig{})

	spans, err := e.ExtractEntities(context.Background(), "Jane Doe works at Acme Corp.")
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, EntitySpan{TextSpan: "Acme Corp", Type: "ORGANIZATION", Confidence: 1}, spans[0])
	assert.Equal(t, "PERSON", spans[1].Type)

	spans, err = e.ExtractEntities(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, spans)
	assert.Equal(t, 1, model.calls, "blank text must not reach the model")
}

func TestLLMExtractRelationships(t *testing.T) {
	model := &fakeModel{content: `{"relationships": [
		{"source": "Jane Doe", "target": "Acme Corp", "type": "works for"},
		{"source": "Jane Doe", "target": "", "type": "knows"}
	]}`}
	e := NewLLMExtractorWithModel(model, LLMConfig{})

	rels, err := e.ExtractRelationships(context.Background(),
		[]EntityRef{{Name: "Jane Doe", Type: "PERSON"}, {Name: "Acme Corp", Type: "ORGANIZATION"}},
		"Jane Doe works at Acme Corp.")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "WORKS_FOR", rels[0].Type)

	rels, err = e.ExtractRelationships(context.Background(), []EntityRef{{Name: "solo"}}, "text")
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestLLMErrorClassification(t *testing.T) {
	tests := []struct {
		err  error
		want retry.Class
	}{
		{errors.New("API returned unexpected status code: 429: Rate limit reached"), retry.ClassTransient},
		{errors.New("You exceeded your current quota"), retry.ClassResource},
		{errors.New("API returned unexpected status code: 401: invalid_api_key"), retry.ClassConfiguration},
		{errors.New("API returned unexpected status code: 502"), retry.ClassTransient},
		{errors.New("API returned unexpected status code: 503: service unavailable"), retry.ClassResource},
		{errors.New("API returned unexpected status code: 400: maximum context length"), retry.ClassData},
		{llms.NewError(llms.ErrCodeRateLimit, "openai", "Rate limit exceeded"), retry.ClassTransient},
		{llms.NewError(llms.ErrCodeAuthentication, "openai", "Invalid or missing API key"), retry.ClassConfiguration},
	}
	for _, tt := range tests {
		e := NewLLMExtractorWithModel(&fakeModel{err: tt.err}, LLMConfig{})
		_, err := e.ExtractEntities(context.Background(), "text")
		require.Error(t, err)
		assert.Equal(t, tt.want, retry.Classify(err), tt.err.Error())
	}

	// Число в тексте ошибки без статуса не делает её временной.
	e := NewLLMExtractorWithModel(&fakeModel{err: errors.New("prompt of 500 tokens rejected: 503 characters of markup")}, LLMConfig{})
	_, err := e.ExtractEntities(context.Background(), "text")
	require.Error(t, err)
	assert.NotEqual(t, retry.ClassTransient, retry.Classify(err))
	assert.NotEqual(t, retry.ClassResource, retry.Classify(err))

	e = NewLLMExtractorWithModel(&fakeModel{content: "not json"}, LLMConfig{})
	_, err = e.ExtractEntities(context.Background(), "text")
	require.ErrorIs(t, err, ErrBadResponse)
	assert.Equal(t, retry.ClassTransient, retry.Classify(err))
}
