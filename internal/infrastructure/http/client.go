package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const (
	packageName = "http"

	maxResponseBytes = 1 << 20
)

// ErrMalformedResponse marks a 2xx response whose body could not be decoded.
var ErrMalformedResponse = errors.New("malformed response body")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code not 2xx: %d", e.Status)
}

// JSONClient talks JSON to a single base URL. Every call is bounded by timeout.
type JSONClient struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

func NewJSONClient(httpClient *http.Client, baseURL string, timeout time.Duration) *JSONClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &JSONClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		timeout:    timeout,
	}
}

func (c *JSONClient) BaseURL() string {
	return c.baseURL
}

func (c *JSONClient) GetJSON(ctx context.Context, path string, out any) error {
	funcName := util.FuncName()

	if err := c.do(ctx, http.MethodGet, path, nil, out); err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	return nil
}

func (c *JSONClient) PostJSON(ctx context.Context, path string, in, out any) error {
	funcName := util.FuncName()

	body, err := json.Marshal(in)
	if err != nil {
		return util.WrapErrorForLog(packageName, funcName, fmt.Errorf("error encoding request body: %w", err))
	}
	if err := c.do(ctx, http.MethodPost, path, body, out); err != nil {
		return util.WrapErrorForLog(packageName, funcName, err)
	}
	return nil
}

func (c *JSONClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, "invalid_endpoint", "Signer endpoint URL is invalid.", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return errs.Network("http_timeout", fmt.Sprintf("%s %s timed out.", method, path), err)
		}
		return errs.Network("http_unreachable", fmt.Sprintf("%s %s failed.", method, path), err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return errs.Network("http_timeout", fmt.Sprintf("%s %s timed out.", method, path), err)
		}
		return errs.Network("http_unreachable", fmt.Sprintf("%s %s failed reading body.", method, path), err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{Status: res.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("error decoding response body: %w: %w", ErrMalformedResponse, err)
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
