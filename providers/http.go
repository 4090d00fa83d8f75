package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 2 * time.Minute

func newHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultTimeout}
}

// send runs req and returns the body of a 2xx answer. Anything else comes back
// as *HTTPError.
func send(client *http.Client, provider string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %s %s: %w", provider, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Provider: provider, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// Fetcher downloads public or presigned URLs.
type Fetcher struct {
	Client *http.Client
}

func NewFetcher(client *http.Client) *Fetcher {
	return &Fetcher{Client: newHTTPClient(client)}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return send(f.Client, "fetch", req)
}
