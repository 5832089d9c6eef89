// Package remote dispatches tasks to an external batch-operations service
// and reconciles its asynchronous operation states into the task registry.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahodges/stagehand/internal/model"
	"github.com/ahodges/stagehand/internal/provider"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrUnauthorized      = errors.New("operations request unauthorized")
)

// APIError carries a non-2xx response from the operations service verbatim.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("operations api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("operations api error (status=%d): %s", e.StatusCode, body)
}

// SubmitRequest describes one task attempt for the operations service. The
// service performs its own localization and delocalization from the declared
// parameters; the dispatcher only observes the resulting operation.
type SubmitRequest struct {
	Name       string            `json:"name"`
	Image      string            `json:"image"`
	Script     model.Script      `json:"script"`
	Inputs     []model.Param     `json:"inputs,omitempty"`
	Outputs    []model.Param     `json:"outputs,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Resources  model.Resources   `json:"resources"`
	LoggingDir string            `json:"logging_dir,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// OperationStatus is the dispatcher's view of a running or finished
// operation. ErrorCode follows the service's convention: zero means clean
// completion and code 1 is reserved for operator-initiated cancellation.
type OperationStatus struct {
	Done      bool   `json:"done"`
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message,omitempty"`
	Preempted bool   `json:"preempted,omitempty"`
}

// OperationsClient is the wire-level contract with the batch service.
type OperationsClient interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, operationID string) (OperationStatus, error)
	Cancel(ctx context.Context, operationID string) error
	Logs(ctx context.Context, operationID string) (provider.TaskLogs, error)
}

// HTTPClient talks to the operations service over its JSON API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	OperationID string `json:"operation_id"`
}

func (c *HTTPClient) Submit(ctx context.Context, sr SubmitRequest) (string, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/operations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	// Idempotency key: a retried submit after a lost response must not
	// start a second operation.
	req.Header.Set("X-Request-Id", uuid.NewString())

	var out submitResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.OperationID == "" {
		return "", errors.New("operations service returned empty operation id")
	}
	return out.OperationID, nil
}

func (c *HTTPClient) Status(ctx context.Context, operationID string) (OperationStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/operations/"+operationID, nil)
	if err != nil {
		return OperationStatus{}, err
	}
	var out OperationStatus
	if err := c.do(req, &out); err != nil {
		return OperationStatus{}, err
	}
	return out, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, operationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/operations/"+operationID+":cancel", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *HTTPClient) Logs(ctx context.Context, operationID string) (provider.TaskLogs, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/operations/"+operationID+"/logs", nil)
	if err != nil {
		return provider.TaskLogs{}, err
	}
	var out provider.TaskLogs
	if err := c.do(req, &out); err != nil {
		return provider.TaskLogs{}, err
	}
	return out, nil
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode operations response: %w", err)
		}
		return nil
	case http.StatusNotFound:
		return ErrOperationNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
