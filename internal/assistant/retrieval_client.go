package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agencyops.com/corporate-brain/internal/domain"
)

// ErrInvalidCredential marks a call the retrieval service refused because of
// the bearer token itself. It is the only failure that earns a refresh and a
// retry.
var ErrInvalidCredential = errors.New("invalid credential")

// TransportError is any other failed call: the request could not be sent
// (Status 0) or came back with a non-success status.
type TransportError struct {
	Status int
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("retrieval request failed: %s", e.Detail)
	}
	return fmt.Sprintf("retrieval API error [%d]: %s", e.Status, e.Detail)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RetrievalClient calls the retrieval service's query and ingestion endpoints.
type RetrievalClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRetrievalClient creates a client for baseURL (e.g.
// "http://localhost:8080/api/brain"). Deadlines come from the caller's
// context, so the http.Client needs no timeout of its own.
func NewRetrievalClient(baseURL string, httpClient *http.Client) *RetrievalClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RetrievalClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *RetrievalClient) Query(ctx context.Context, token string, req domain.QueryRequest) (*domain.QueryResponse, error) {
	var resp domain.QueryResponse
	if err := c.post(ctx, "/query", token, req, &resp); err != nil {
		return nil, err
	}
	if resp.Documents == nil {
		resp.Documents = []domain.Document{}
	}
	return &resp, nil
}

func (c *RetrievalClient) Ingest(ctx context.Context, token string, req domain.IngestRequest) error {
	var resp domain.IngestResponse
	if err := c.post(ctx, "/ingest", token, req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &TransportError{Status: http.StatusOK, Detail: "ingestion reported success=false"}
	}
	return nil
}

func (c *RetrievalClient) post(ctx context.Context, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Detail: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Status: resp.StatusCode, Detail: "failed to read response: " + err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp domain.ErrorResponse
		_ = json.Unmarshal(respBody, &errResp)
		if isInvalidCredential(resp.StatusCode, errResp) {
			return fmt.Errorf("%w: %s", ErrInvalidCredential, firstNonEmpty(errResp.Message, errResp.Error))
		}
		detail := strings.TrimSpace(string(respBody))
		if errResp.Error != "" {
			detail = strings.TrimSpace(errResp.Error + ": " + errResp.Message)
		}
		return &TransportError{Status: resp.StatusCode, Detail: detail}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &TransportError{Status: resp.StatusCode, Detail: "failed to unmarshal response: " + err.Error(), Err: err}
	}
	return nil
}

func isInvalidCredential(status int, resp domain.ErrorResponse) bool {
	if status != http.StatusUnauthorized {
		return false
	}
	return resp.Error == domain.ErrCodeInvalidCredential ||
		strings.Contains(strings.ToLower(resp.Message), "invalid jwt")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
