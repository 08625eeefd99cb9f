package endpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sepabroker/internal/logging"
	"sepabroker/internal/rdf"
	"sepabroker/internal/sparql"
)

// HTTPEndpoint is an outbound SPARQL 1.1 Protocol client: it POSTs
// application/sparql-query and application/sparql-update bodies to a remote
// RDF endpoint over net/http with an explicit request timeout and a
// bounded retry budget for updates.
type HTTPEndpoint struct {
	baseURL     string
	client      *http.Client
	retryBudget int
	log         *logging.Logger
}

// HTTPEndpointOption configures an HTTPEndpoint.
type HTTPEndpointOption func(*HTTPEndpoint)

// WithRetryBudget bounds how many additional attempts Update makes after an
// initial failure.
func WithRetryBudget(n int) HTTPEndpointOption {
	return func(e *HTTPEndpoint) {
		if n >= 0 {
			e.retryBudget = n
		}
	}
}

// WithHTTPClient overrides the default client, primarily for tests.
func WithHTTPClient(c *http.Client) HTTPEndpointOption {
	return func(e *HTTPEndpoint) {
		if c != nil {
			e.client = c
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) HTTPEndpointOption {
	return func(e *HTTPEndpoint) {
		if l != nil {
			e.log = l
		}
	}
}

// NewHTTPEndpoint constructs a client targeting baseURL, a SPARQL 1.1
// Protocol endpoint accepting both query and update operations.
func NewHTTPEndpoint(baseURL string, opts ...HTTPEndpointOption) (*HTTPEndpoint, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("endpoint: base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("endpoint: invalid base URL: %w", err)
	}
	e := &HTTPEndpoint{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logging.L(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Query POSTs q.Text as application/sparql-query and parses the SPARQL JSON
// results format into a BindingSet.
func (e *HTTPEndpoint) Query(ctx context.Context, q sparql.Query) (rdf.BindingSet, error) {
	if e == nil {
		return rdf.BindingSet{}, fmt.Errorf("endpoint: nil HTTPEndpoint")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, strings.NewReader(q.Text))
	if err != nil {
		return rdf.BindingSet{}, fmt.Errorf("endpoint: building query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sparql-query")
	req.Header.Set("Accept", "application/sparql-results+json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn("endpoint query request failed", logging.Error(err), logging.String("endpoint", e.baseURL))
		return rdf.BindingSet{}, fmt.Errorf("endpoint: query request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return rdf.BindingSet{}, fmt.Errorf("endpoint: reading query response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rdf.BindingSet{}, fmt.Errorf("endpoint: query returned status %d: %s", resp.StatusCode, string(body))
	}

	rows, err := decodeSPARQLResultsJSON(body, q.Variables)
	if err != nil {
		return rdf.BindingSet{}, fmt.Errorf("endpoint: decoding query results: %w", err)
	}
	return rdf.NewBindingSet(rows), nil
}

// Update POSTs u.Text as application/sparql-update, retrying up to
// retryBudget additional times on any failed attempt (a transport error or
// a non-2xx status, 401 included).
func (e *HTTPEndpoint) Update(ctx context.Context, u sparql.Update) UpdateResult {
	if e == nil {
		return UpdateResult{Succeeded: false, Err: fmt.Errorf("endpoint: nil HTTPEndpoint")}
	}

	attempts := e.retryBudget + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result := e.attemptUpdate(ctx, u)
		if result.Succeeded {
			return result
		}
		lastErr = result.Err
		if attempt < attempts-1 {
			e.log.Warn("endpoint update retrying", logging.Error(lastErr), logging.Int("attempt", attempt+1))
		}
	}
	return UpdateResult{Succeeded: false, Err: lastErr}
}

func (e *HTTPEndpoint) attemptUpdate(ctx context.Context, u sparql.Update) UpdateResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader([]byte(u.Text)))
	if err != nil {
		return UpdateResult{Succeeded: false, Err: fmt.Errorf("endpoint: building update request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/sparql-update")

	resp, err := e.client.Do(req)
	if err != nil {
		return UpdateResult{Succeeded: false, Err: fmt.Errorf("endpoint: update request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return UpdateResult{Succeeded: false, Err: fmt.Errorf("endpoint: reading update response: %w", err)}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return UpdateResult{Succeeded: false, Body: string(body), Err: fmt.Errorf("%w: update returned status 401", ErrAuth)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return UpdateResult{Succeeded: false, Body: string(body), Err: fmt.Errorf("endpoint: update returned status %d", resp.StatusCode)}
	}
	return UpdateResult{Succeeded: true, Body: string(body)}
}
