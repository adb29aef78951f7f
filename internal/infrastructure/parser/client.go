// Package parser is the HTTP client for the AI document-parsing service.
// The core only depends on the success flag, extracted data and confidence;
// raw model output is validated against the canonical schema here so no
// downstream stage has to tolerate shape drift.
package parser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/merchantforge/poflow/internal/core/domain"
)

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client

	baseTimeout  time.Duration
	perKBTimeout time.Duration
	maxTimeout   time.Duration
}

type Config struct {
	BaseURL string
	Model   string
	// BaseTimeout plus PerKB * input-size, capped at MaxTimeout, is the
	// adaptive budget for one parse call.
	BaseTimeout time.Duration
	PerKB       time.Duration
	MaxTimeout  time.Duration
}

func New(cfg Config) *Client {
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 30 * time.Second
	}
	if cfg.PerKB <= 0 {
		cfg.PerKB = 50 * time.Millisecond
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 4 * time.Minute
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		httpClient:   &http.Client{},
		baseTimeout:  cfg.BaseTimeout,
		perKBTimeout: cfg.PerKB,
		maxTimeout:   cfg.MaxTimeout,
	}
}

type parseRequestBody struct {
	WorkflowID    string                 `json:"workflow_id"`
	Model         string                 `json:"model,omitempty"`
	Filename      string                 `json:"filename,omitempty"`
	MimeType      string                 `json:"mime_type,omitempty"`
	Content       string                 `json:"content"`
	LineItemHints []domain.ExtractedItem `json:"line_item_hints,omitempty"`
}

type parseResponseBody struct {
	Success       bool            `json:"success"`
	ExtractedData json.RawMessage `json:"extracted_data"`
	Confidence    float64         `json:"confidence"`
	Model         string          `json:"model,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ParseDocument sends the document to the parsing service and validates the
// result. A response missing extracted data or a confidence score is a
// fatal-for-this-run error, never silently accepted.
func (c *Client) ParseDocument(ctx context.Context, req domain.ParseRequest) (*domain.ParseResult, error) {
	if len(req.Data) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse document", fmt.Errorf("empty document content"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.budgetFor(req))
	defer cancel()

	body := parseRequestBody{
		WorkflowID:    req.WorkflowID,
		Model:         c.model,
		Filename:      req.Filename,
		MimeType:      req.MimeType,
		Content:       base64.StdEncoding.EncodeToString(req.Data),
		LineItemHints: req.LineItems,
	}

	var response parseResponseBody
	if err := c.postJSON(callCtx, "/v1/parse", body, &response, "parse"); err != nil {
		return nil, err
	}

	if !response.Success {
		msg := response.Error
		if msg == "" {
			msg = "parsing service reported failure"
		}
		return nil, domain.WrapError(domain.ErrFatal, "parse document", fmt.Errorf("%s", msg))
	}
	if len(response.ExtractedData) == 0 {
		return nil, domain.WrapError(domain.ErrFatal, "parse document", fmt.Errorf("response missing extracted data"))
	}
	if response.Confidence <= 0 {
		return nil, domain.WrapError(domain.ErrFatal, "parse document", fmt.Errorf("response missing confidence score"))
	}

	extracted, err := DecodeExtractedOrder(response.ExtractedData)
	if err != nil {
		return nil, err
	}

	return &domain.ParseResult{
		Success:       true,
		ExtractedData: extracted,
		Confidence:    response.Confidence,
		Model:         response.Model,
	}, nil
}

// budgetFor combines the size-scaled timeout with the caller's preflight
// hint. The hint can only widen the budget: a dense two-page PDF costs more
// than its byte count suggests. Both are capped at the configured maximum.
func (c *Client) budgetFor(req domain.ParseRequest) time.Duration {
	timeout := c.timeoutFor(len(req.Data))
	if req.TimeoutHint > timeout {
		timeout = req.TimeoutHint
	}
	if timeout > c.maxTimeout {
		timeout = c.maxTimeout
	}
	return timeout
}

func (c *Client) timeoutFor(sizeBytes int) time.Duration {
	timeout := c.baseTimeout + time.Duration(sizeBytes/1024)*c.perKBTimeout
	if timeout > c.maxTimeout {
		return c.maxTimeout
	}
	return timeout
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("parser %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return newHTTPStatusError(operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func newHTTPStatusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}
