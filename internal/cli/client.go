package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// --- Response types (дублируются из domain и batch, CLI не импортирует internal/) ---

// DocumentResponse — документ из API.
type DocumentResponse struct {
	ID              string   `json:"id"`
	SourceURI       string   `json:"source_uri"`
	SourceParts     []string `json:"source_parts,omitempty"`
	Kind            string   `json:"kind"`
	BatchID         string   `json:"batch_id,omitempty"`
	Priority        string   `json:"priority"`
	Version         int      `json:"version"`
	Status          string   `json:"status"`
	CurrentStage    string   `json:"current_stage"`
	StageStatus     string   `json:"stage_status"`
	CancelRequested bool     `json:"cancel_requested"`
	ErrorInfo       string   `json:"error_info,omitempty"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// StageResponse — запись стадии документа.
type StageResponse struct {
	Stage        string `json:"stage"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`
	ErrorClass   string `json:"error_class,omitempty"`
	NextRetryAt  string `json:"next_retry_at,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

// TransitionResponse — переход стадии.
type TransitionResponse struct {
	Stage        string `json:"stage"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	ErrorClass   string `json:"error_class,omitempty"`
	Message      string `json:"message,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// DocumentViewResponse — документ вместе со стадиями.
type DocumentViewResponse struct {
	Document    DocumentResponse     `json:"document"`
	Stages      []StageResponse      `json:"stages"`
	Transitions []TransitionResponse `json:"transitions"`
}

// CancelDocumentResponse — результат отмены документа.
type CancelDocumentResponse struct {
	Document  DocumentResponse `json:"document"`
	Finalized bool             `json:"finalized"`
}

// EntityResponse — каноническая сущность.
type EntityResponse struct {
	ID               string   `json:"id"`
	CanonicalName    string   `json:"canonical_name"`
	Type             string   `json:"type"`
	Confidence       float64  `json:"confidence"`
	MemberMentionIDs []string `json:"member_mention_ids"`
}

// RelationshipResponse — связь между сущностями.
type RelationshipResponse struct {
	ID               string `json:"id"`
	Version          int    `json:"version"`
	SourceEntityID   string `json:"source_entity_id"`
	TargetEntityID   string `json:"target_entity_id"`
	RelationshipType string `json:"relationship_type"`
	EvidenceChunkID  string `json:"evidence_chunk_id"`
}

// EntityGraphResponse — сущности и связи документа.
type EntityGraphResponse struct {
	DocumentID    string                 `json:"document_id"`
	Entities      []EntityResponse       `json:"entities"`
	Relationships []RelationshipResponse `json:"relationships"`
}

// SubmitBatchResponse — созданный batch.
type SubmitBatchResponse struct {
	BatchID   string `json:"batch_id"`
	Priority  string `json:"priority"`
	Submitted int    `json:"submitted"`
}

// BatchProgressResponse — прогресс batch.
type BatchProgressResponse struct {
	BatchID    string `json:"batch_id"`
	Priority   string `json:"priority"`
	Submitted  int    `json:"submitted"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	InProgress int    `json:"in_progress"`
	Done       bool   `json:"done"`
}

// CancelBatchResponse — итог отмены batch.
type CancelBatchResponse struct {
	BatchID   string `json:"batch_id"`
	Cancelled int    `json:"cancelled"`
	Requested int    `json:"requested"`
	Skipped   int    `json:"skipped"`
}

// --- Request types ---

// RegisterDocumentRequest — регистрация документа.
type RegisterDocumentRequest struct {
	SourceURI string `json:"source_uri"`
	Kind      string `json:"kind"`
	Priority  string `json:"priority,omitempty"`
}

// SubmitBatchRequest — запуск batch.
type SubmitBatchRequest struct {
	DocumentIDs []string `json:"document_ids"`
	Priority    string   `json:"priority,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Docflow API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Documents ---

// RegisterDocument регистрирует документ.
func (c *Client) RegisterDocument(req RegisterDocumentRequest) (*DocumentResponse, error) {
	var doc DocumentResponse
	err := c.post("/api/v1/documents", req, &doc)
	return &doc, err
}

// GetDocument возвращает документ со стадиями.
func (c *Client) GetDocument(id string) (*DocumentViewResponse, error) {
	var view DocumentViewResponse
	err := c.get("/api/v1/documents/"+id, &view)
	return &view, err
}

// ListEntities возвращает сущности и связи документа.
func (c *Client) ListEntities(id string) (*EntityGraphResponse, error) {
	var graph EntityGraphResponse
	err := c.get("/api/v1/documents/"+id+"/entities", &graph)
	return &graph, err
}

// CancelDocument отменяет документ.
func (c *Client) CancelDocument(id string) (*CancelDocumentResponse, error) {
	var res CancelDocumentResponse
	err := c.post("/api/v1/documents/"+id+"/cancel", nil, &res)
	return &res, err
}

// ResetDocument повторяет упавшую стадию.
func (c *Client) ResetDocument(id string) (*DocumentResponse, error) {
	var doc DocumentResponse
	err := c.post("/api/v1/documents/"+id+"/reset", nil, &doc)
	return &doc, err
}

// ReprocessDocument запускает документ заново с новой версией.
func (c *Client) ReprocessDocument(id string) (*DocumentResponse, error) {
	var doc DocumentResponse
	err := c.post("/api/v1/documents/"+id+"/reprocess", nil, &doc)
	return &doc, err
}

// --- Batches ---

// SubmitBatch запускает batch.
func (c *Client) SubmitBatch(req SubmitBatchRequest) (*SubmitBatchResponse, error) {
	var res SubmitBatchResponse
	err := c.post("/api/v1/batches", req, &res)
	return &res, err
}

// GetBatchStatus возвращает прогресс batch.
func (c *Client) GetBatchStatus(id string) (*BatchProgressResponse, error) {
	var progress BatchProgressResponse
	err := c.get("/api/v1/batches/"+id, &progress)
	return &progress, err
}

// CancelBatch отменяет все документы batch.
func (c *Client) CancelBatch(id string) (*CancelBatchResponse, error) {
	var res CancelBatchResponse
	err := c.post("/api/v1/batches/"+id+"/cancel", nil, &res)
	return &res, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
