package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/version"
)

type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient returns a client for the server at host, given as host:port or
// a full URL.
func NewClient(host string, hc *http.Client) *Client {
	base, err := url.Parse(host)
	if err != nil || base.Host == "" {
		base = &url.URL{Scheme: "http", Host: host}
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: base, http: hc}
}

// ClientFromEnvironment connects to DIFFUSION_HOST.
func ClientFromEnvironment() *Client {
	return NewClient(envconfig.Host, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqData, respData any) error {
	var body io.Reader
	if reqData != nil {
		b, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", "diffusion/"+version.Version)

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	b, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode >= http.StatusBadRequest {
		serr := StatusError{StatusCode: response.StatusCode, Status: response.Status}
		if err := json.Unmarshal(b, &serr); err != nil {
			serr.ErrorMessage = string(b)
		}
		return serr
	}

	if respData != nil && len(b) > 0 {
		if err := json.Unmarshal(b, respData); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) Sample(ctx context.Context, req *SampleRequest) (*SampleResponse, error) {
	var resp SampleResponse
	if err := c.do(ctx, http.MethodPost, "/api/sample", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Schedule fetches the schedule table at the given stride.
func (c *Client) Schedule(ctx context.Context, step int) (*ScheduleResponse, error) {
	var resp ScheduleResponse
	query := url.Values{"step": {strconv.Itoa(step)}}
	if err := c.do(ctx, http.MethodGet, "/api/schedule", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Show(ctx context.Context) (*ModelResponse, error) {
	var resp ModelResponse
	if err := c.do(ctx, http.MethodGet, "/api/show", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var resp VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil, nil)
}
