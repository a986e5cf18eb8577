// Package openai provides a client for an OpenAI-compatible oracle API:
// chat completions, file upload/download, and the asynchronous batch
// endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/jcalloway/shopsim/internal/common"
	"github.com/jcalloway/shopsim/internal/interfaces"
	"github.com/jcalloway/shopsim/internal/models"
)

const (
	DefaultBaseURL        = "https://api.openai.com/v1"
	DefaultModel          = "gpt-4o-mini"
	DefaultTimeout        = 120 * time.Second
	DefaultRateLimit      = 5 // requests per second
	ChatCompletionsPath   = "/v1/chat/completions"
	BatchCompletionWindow = "24h"
)

// Client implements the OracleClient interface over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *common.Logger
	limiter    *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL (e.g. an OpenAI-compatible proxy).
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithModel sets the model identifier used for requests.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the request rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new oracle client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		model:   DefaultModel,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Endpoint returns the chat-completions URL path used in batch lines.
func (c *Client) Endpoint() string {
	return ChatCompletionsPath
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// apiErrorBody is the error envelope OpenAI-compatible APIs return.
type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// classifyStatus maps an HTTP status to the simulation error taxonomy.
// Rate limiting and server errors are transient; other 4xx are permanent.
func classifyStatus(status int) models.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return models.ErrorKindOracleTransient
	case status >= 500:
		return models.ErrorKindOracleTransient
	default:
		return models.ErrorKindOraclePermanent
	}
}

// do runs one HTTP request through the rate limiter and classifies failures.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, models.WrapErr(models.ErrorKindCancelled, err, "rate limiter wait aborted")
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, models.WrapErr(models.ErrorKindCancelled, err, "oracle request cancelled")
		}
		// Timeouts and transport failures are retryable.
		return nil, models.WrapErr(models.ErrorKindOracleTransient, err, "oracle request failed")
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		msg := string(body)
		var envelope apiErrorBody
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			msg = envelope.Error.Message
		}
		return nil, models.Errf(classifyStatus(resp.StatusCode),
			"oracle returned %d for %s: %s", resp.StatusCode, req.URL.Path, msg)
	}

	return resp, nil
}

// Complete runs one chat-completions request synchronously.
func (c *Client) Complete(ctx context.Context, oreq *models.OracleRequest) (*models.ChatCompletion, error) {
	payload, err := json.Marshal(oreq)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to marshal oracle request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to build oracle request")
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug().Str("model", oreq.Model).Int("messages", len(oreq.Messages)).Msg("Oracle completion request")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var completion models.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, models.WrapErr(models.ErrorKindOracleContent, err, "failed to decode completion")
	}
	if len(completion.Choices) == 0 {
		return nil, models.Errf(models.ErrorKindOracleContent, "completion has no choices")
	}
	return &completion, nil
}

// UploadFile uploads a newline-delimited JSON batch input file.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader) (*models.OracleFile, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("purpose", "batch"); err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to write multipart field")
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to create multipart file")
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to copy upload body")
	}
	if err := mw.Close(); err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to finalize multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to build upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var file models.OracleFile
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, models.WrapErr(models.ErrorKindOracleContent, err, "failed to decode file object")
	}
	c.logger.Debug().Str("file_id", file.ID).Int64("bytes", file.Bytes).Msg("Batch input uploaded")
	return &file, nil
}

// CreateBatch submits a batch referencing an uploaded input file.
func (c *Client) CreateBatch(ctx context.Context, inputFileID, endpoint string) (*models.OracleBatch, error) {
	body := map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": BatchCompletionWindow,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to marshal batch request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(payload))
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to build batch request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var batch models.OracleBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, models.WrapErr(models.ErrorKindOracleContent, err, "failed to decode batch object")
	}
	c.logger.Info().Str("oracle_batch_id", batch.ID).Str("input_file_id", inputFileID).Msg("Oracle batch created")
	return &batch, nil
}

// GetBatch retrieves the oracle's current view of a batch.
func (c *Client) GetBatch(ctx context.Context, oracleBatchID string) (*models.OracleBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batches/"+oracleBatchID, nil)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to build batch get request")
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var batch models.OracleBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, models.WrapErr(models.ErrorKindOracleContent, err, "failed to decode batch object")
	}
	return &batch, nil
}

// DownloadFile streams the content of an oracle file. The caller owns the
// returned reader and must close it.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/files/%s/content", c.baseURL, fileID), nil)
	if err != nil {
		return nil, models.WrapErr(models.ErrorKindInternal, err, "failed to build download request")
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Ensure Client implements OracleClient.
var _ interfaces.OracleClient = (*Client)(nil)
