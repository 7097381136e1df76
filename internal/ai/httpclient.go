package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// httpClient posts JSON to a vendor endpoint, retrying transport failures
// with exponential backoff. Non-transport failures return immediately.
type httpClient struct {
	provider string
	client   *http.Client
	retries  int
	backoff  time.Duration
}

func newHTTPClient(provider string, client *http.Client, timeout time.Duration, retries int, backoff time.Duration) *httpClient {
	if client == nil {
		if timeout == 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if retries < 0 {
		retries = 0
	}
	if backoff == 0 {
		backoff = 300 * time.Millisecond
	}
	return &httpClient{provider: provider, client: client, retries: retries, backoff: backoff}
}

// post sends body and returns the open response on 2xx. The caller closes it.
func (c *httpClient) post(ctx context.Context, url string, headers map[string]string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindProvider, Provider: c.provider, Err: err}
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, &Error{Kind: KindProvider, Provider: c.provider, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = classifyTransport(c.provider, err)
			if ctx.Err() != nil {
				return nil, lastErr
			}
		} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		} else {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			aerr := classifyStatus(c.provider, resp, b)
			if aerr.Kind != KindTransport {
				return nil, aerr
			}
			lastErr = aerr
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// postJSON decodes a 2xx body into out.
func (c *httpClient) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	resp, err := c.post(ctx, url, headers, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransport, Provider: c.provider, Message: "decode response", Err: err}
	}
	return nil
}
