package transport

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/push_response.json
var pushResponseSchema []byte

const maxResponseBytes = 4 << 20

// HTTPError is a non-2xx response from the cloud.
type HTTPError struct {
	Status          int
	Message         string
	RetryAfterValue string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("cloud request failed: status=%d message=%s", e.Status, e.Message)
}

// StatusCode returns the HTTP status.
func (e *HTTPError) StatusCode() int { return e.Status }

// RetryAfter returns the raw Retry-After header.
func (e *HTTPError) RetryAfter() string { return e.RetryAfterValue }

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	BaseURL    string
	StoreID    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
}

// HTTPTransport posts batches to the cloud sync API.
type HTTPTransport struct {
	baseURL    string
	storeID    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	schema     *jsonschema.Schema
}

// NewHTTPTransport validates opts and compiles the response schema.
func NewHTTPTransport(opts HTTPOptions) (*HTTPTransport, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("cloud base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid cloud base url: %w", err)
	}
	if strings.TrimSpace(opts.StoreID) == "" {
		return nil, fmt.Errorf("store id is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "lotterydesk-sync"
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	return &HTTPTransport{
		baseURL:    baseURL,
		storeID:    opts.StoreID,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		userAgent:  userAgent,
		schema:     schema,
	}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(pushResponseSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse push response schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("push_response.json", doc); err != nil {
		return nil, fmt.Errorf("failed to load push response schema: %w", err)
	}
	schema, err := c.Compile("push_response.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile push response schema: %w", err)
	}
	return schema, nil
}

type pushRequest struct {
	EntityType string     `json:"entity_type"`
	Items      []PushItem `json:"items"`
}

type pushResponse struct {
	Results []PushResult `json:"results"`
}

// PushBatch posts items to {base}/v1/stores/{store}/sync/{entity_type}.
func (t *HTTPTransport) PushBatch(ctx context.Context, entityType string, items []PushItem) ([]PushResult, error) {
	body, err := json.Marshal(pushRequest{EntityType: entityType, Items: items})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/stores/%s/sync/%s", t.baseURL, url.PathEscape(t.storeID), url.PathEscape(entityType))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	t.decorate(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			Status:          resp.StatusCode,
			Message:         errorMessage(respBody, resp.Status),
			RetryAfterValue: resp.Header.Get("Retry-After"),
		}
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(respBody))
	if err != nil {
		return nil, &HTTPError{Status: http.StatusBadGateway, Message: "unreadable push response"}
	}
	if err := t.schema.Validate(inst); err != nil {
		return nil, &HTTPError{Status: http.StatusBadGateway, Message: "push response does not match contract"}
	}

	var parsed pushResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &HTTPError{Status: http.StatusBadGateway, Message: "unreadable push response"}
	}
	return parsed.Results, nil
}

// HealthCheck reports whether GET {base}/v1/health answers 2xx.
func (t *HTTPTransport) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	t.decorate(req)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (t *HTTPTransport) decorate(req *http.Request) {
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	req.Header.Set("User-Agent", t.userAgent)
}

func errorMessage(body []byte, fallback string) string {
	msg := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		for _, key := range []string{"message", "error"} {
			if s, ok := parsed[key].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	if msg == "" {
		return fallback
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
