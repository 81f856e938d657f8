package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// UserAccountHeader names the account recorded on revisions imported
// through the server.
const UserAccountHeader = "X-User-Account"

// RemoteClient defines the contract for fetching published collections and
// submitting them to a stixwb server.
type RemoteClient interface {
	FetchBundle(ctx context.Context, bundleURL string) (*models.Bundle, error)
	FetchIndex(ctx context.Context, indexURL string) (*CollectionIndex, error)
	ImportBundle(ctx context.Context, bundle *models.Bundle, params ImportParams) (*models.Object, error)
}

// HTTPClient implements RemoteClient over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based remote client. baseURL is the stixwb
// server used by ImportBundle; fetches take absolute URLs.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

// getJSON fetches url and decodes the (possibly gzip-encoded) body into v.
func (c *HTTPClient) getJSON(ctx context.Context, url string, v interface{}) error {
	headers := map[string]string{"Accept": "application/json", "Accept-Encoding": "gzip"}

	resp, err := c.do(ctx, "GET", url, nil, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("decompress response: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	if err := json.NewDecoder(reader).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FetchBundle downloads a STIX bundle.
func (c *HTTPClient) FetchBundle(ctx context.Context, bundleURL string) (*models.Bundle, error) {
	var bundle models.Bundle
	if err := c.getJSON(ctx, bundleURL, &bundle); err != nil {
		return nil, fmt.Errorf("fetch bundle %s: %w", bundleURL, err)
	}
	return &bundle, nil
}

// FetchIndex downloads a collection index.
func (c *HTTPClient) FetchIndex(ctx context.Context, indexURL string) (*CollectionIndex, error) {
	var idx CollectionIndex
	if err := c.getJSON(ctx, indexURL, &idx); err != nil {
		return nil, fmt.Errorf("fetch collection index %s: %w", indexURL, err)
	}
	return &idx, nil
}

// ImportBundle submits bundle to the server and returns the imported (or,
// in a dry run, the would-be) collection revision.
func (c *HTTPClient) ImportBundle(ctx context.Context, bundle *models.Bundle, params ImportParams) (*models.Object, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(bundle); err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("compress bundle: %w", err)
	}

	q := url.Values{}
	if params.CheckOnly {
		q.Set("checkOnly", strconv.FormatBool(true))
	}
	if params.PreviewOnly {
		q.Set("previewOnly", strconv.FormatBool(true))
	}
	if len(params.Force) > 0 {
		q.Set("forceImport", strings.Join(params.Force, ","))
	}
	target := c.baseURL + "/api/collection-bundles"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	headers := map[string]string{
		"Content-Type":     "application/json",
		"Content-Encoding": "gzip",
	}
	if params.UserAccount != "" {
		headers[UserAccountHeader] = params.UserAccount
	}

	resp, err := c.do(ctx, "POST", target, &buf, headers)
	if err != nil {
		return nil, fmt.Errorf("import bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}

	var coll models.Object
	if err := json.NewDecoder(resp.Body).Decode(&coll); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &coll, nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code         string
	Message      string
	Status       int
	BundleErrors *models.BundleErrors
	ObjectErrors *models.ObjectErrors
	// RetryAfter is the wait the server asked for on 429 and 503 responses.
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s: %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	re := &RemoteError{
		Code:       "unknown",
		Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		re.Code = errResp.Error
		re.Message = errResp.Message
		re.BundleErrors = errResp.BundleErrors
		re.ObjectErrors = errResp.ObjectErrors
	}
	return re
}

// parseRetryAfter reads a Retry-After value given in seconds or as an HTTP
// date. Anything else yields zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
