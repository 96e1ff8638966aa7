package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is the HTTP transport shared by the REST vendor adapters.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the vendor at baseURL. The per-request
// deadline comes from the caller's context; timeout is an outer bound.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

type call struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    io.Reader
	// Basic auth, when User is set.
	User, Pass string
}

// do sends the request and decodes a 2xx JSON body into out. Non-2xx
// responses and transport failures come back as classified errors.
func (c *Client) do(ctx context.Context, r call, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, r.Method, c.base+r.Path, r.Body)
	if err != nil {
		return permanent(fmt.Errorf("build request: %w", err))
	}
	for k, v := range r.Headers {
		httpReq.Header.Set(k, v)
	}
	if r.User != "" {
		httpReq.SetBasicAuth(r.User, r.Pass)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return transient(fmt.Errorf("%s %s: %w", r.Method, r.Path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transient(fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		// The vendor accepted but answered with something unreadable;
		// retrying would risk a second contact.
		return permanent(fmt.Errorf("decode vendor response: %w", err))
	}
	return nil
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, permanent(err)
	}
	return bytes.NewReader(b), nil
}
