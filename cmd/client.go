package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// apiClient talks to a running relay's control API.
type apiClient struct {
	baseURL string
	http    *http.Client
	wait    time.Duration // how long to keep retrying an unreachable relay
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// apiError is an error body returned by the relay.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// unreachableError means no HTTP response arrived at all. Only these are
// retried: an error response from the relay is final.
type unreachableError struct {
	addr string
	err  error
}

func (e *unreachableError) Error() string {
	return fmt.Sprintf("relay unreachable at %s: %v", e.addr, e.err)
}

func (e *unreachableError) Unwrap() error { return e.err }

// retryUnreachable runs op until it succeeds, fails with anything other
// than an *unreachableError, or wait has elapsed. With wait <= 0 op runs
// once.
func retryUnreachable(wait time.Duration, op func() error) error {
	if wait <= 0 {
		return op()
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = wait

	var final error
	err := backoff.Retry(func() error {
		final = op()
		var unreachable *unreachableError
		if errors.As(final, &unreachable) {
			return final
		}
		return nil
	}, policy)
	if err != nil {
		return err
	}
	return final
}

// call sends a request and decodes a successful JSON response into out,
// retrying for up to c.wait while the relay cannot be reached. Error
// responses become *apiError using the body's "error" field when present.
func (c *apiClient) call(method, path string, body, out any) error {
	return retryUnreachable(c.wait, func() error {
		return c.do(method, path, body, out)
	})
}

func (c *apiClient) do(method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &unreachableError{addr: c.baseURL, err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &apiError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
		}
		return &apiError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// writeJSONOutput pretty-prints v for --json output.
func writeJSONOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
