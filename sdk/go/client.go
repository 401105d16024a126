package internlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Internline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// KeyResult is the outcome of recording one string.
type KeyResult struct {
	OrgID  int64  `json:"org_id"`
	String string `json:"string"`
	ID     uint64 `json:"id,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type BulkCounts struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
	Rejected int `json:"rejected"`
}

type BulkResult struct {
	Results []KeyResult `json:"results"`
	Counts  BulkCounts  `json:"counts"`
}

type Quota struct {
	OrgID         int64  `json:"org_id"`
	UseCase       string `json:"use_case"`
	Computed      int64  `json:"computed"`
	Limit         int64  `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
	Enforced      bool   `json:"enforced"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when the
// body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Record interns s for org and returns its id.
func (c *Client) Record(ctx context.Context, useCase string, orgID int64, s string) (KeyResult, error) {
	var resp KeyResult
	err := c.do(ctx, http.MethodPost, c.useCasePath(useCase, "record"), map[string]any{"org_id": orgID, "string": s}, &resp)
	return resp, err
}

// Resolve looks s up without recording it. ok is false when s was never recorded.
func (c *Client) Resolve(ctx context.Context, useCase string, orgID int64, s string) (id uint64, ok bool, err error) {
	var resp struct {
		ID uint64 `json:"id"`
	}
	err = c.do(ctx, http.MethodPost, c.useCasePath(useCase, "resolve"), map[string]any{"org_id": orgID, "string": s}, &resp)
	if IsNotFound(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return resp.ID, true, nil
}

// ReverseResolve returns the string behind id.
func (c *Client) ReverseResolve(ctx context.Context, useCase string, id uint64) (string, bool, error) {
	var resp struct {
		String string `json:"string"`
	}
	err := c.do(ctx, http.MethodGet, c.useCasePath(useCase, "ids/"+strconv.FormatUint(id, 10)), nil, &resp)
	if IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return resp.String, true, nil
}

// BulkRecord records strings grouped by org id.
func (c *Client) BulkRecord(ctx context.Context, useCase string, items map[int64][]string) (BulkResult, error) {
	body := make(map[string][]string, len(items))
	for org, strs := range items {
		body[strconv.FormatInt(org, 10)] = strs
	}
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, c.useCasePath(useCase, "bulk-record"), map[string]any{"items": body}, &resp)
	return resp, err
}

// Quota returns the current record limit for org.
func (c *Client) Quota(ctx context.Context, useCase string, orgID int64) (Quota, error) {
	var resp Quota
	endpoint := fmt.Sprintf("v0/orgs/%d/quota?use_case=%s", orgID, url.QueryEscape(useCase))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) useCasePath(useCase, p string) string {
	return fmt.Sprintf("v0/use-cases/%s/%s", url.PathEscape(useCase), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
