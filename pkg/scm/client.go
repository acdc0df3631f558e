package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// Client is a thin authenticated facade over a provider's REST API. It does
// not retry; callers own any retry policy.
type Client struct {
	httpClient *http.Client
	headers    map[string]string
}

// Response is a provider API response with its raw body already read.
type Response struct {
	Status int
	Body   []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// NewClient creates a Client. The given headers are applied to every
// request (typically an Authorization header).
func NewClient(headers map[string]string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
	}
}

// NewClientWithHTTP creates a Client with a caller-supplied http.Client.
func NewClientWithHTTP(httpClient *http.Client, headers map[string]string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{httpClient: httpClient, headers: headers}
}

// Request performs one provider API call. If the response status is not in
// expectStatus the call fails with a *RequestError carrying status, body and
// URL. With an empty expectStatus, 200 is expected.
func (c *Client) Request(ctx context.Context, method, url string, headers map[string]string, body interface{}, expectStatus ...int) (*Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if len(expectStatus) == 0 {
		expectStatus = []int{http.StatusOK}
	}
	for _, status := range expectStatus {
		if resp.StatusCode == status {
			return &Response{Status: resp.StatusCode, Body: raw}, nil
		}
	}
	return nil, &RequestError{Status: resp.StatusCode, Body: string(raw), URL: url}
}
