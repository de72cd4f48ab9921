package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/venditt/billboardd/internal/adapters/sign"
)

// Options configures the API client.
type Options struct {
	BaseURL        string
	Signer         *sign.Signer
	AuthHeader     string
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Client is an authenticated HTTP client for the billboard API. Requests
// carry either the device-HMAC headers or, when configured, the legacy
// static auth header.
type Client struct {
	base       string
	http       *http.Client
	signer     *sign.Signer
	authHeader string
	log        *zap.Logger
}

// NewClient creates an API client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("base url required")
	}
	if opts.Signer == nil && strings.TrimSpace(opts.AuthHeader) == "" {
		return nil, errors.New("signer or auth header required")
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
	}

	return &Client{
		base:       base,
		http:       &http.Client{Transport: transport},
		signer:     opts.Signer,
		authHeader: strings.TrimSpace(opts.AuthHeader),
		log:        opts.Logger,
	}, nil
}

// Get performs a signed GET and returns the response body. The overall
// deadline comes from ctx. HTTP failure statuses are errors.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint = endpoint + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req, nil)
	return c.do(req)
}

// PostJSON performs a signed POST with a JSON body and returns the
// response status and body. The signature covers the exact bytes sent.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req, body)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("api error: %s", msg)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) applyAuth(req *http.Request, body []byte) {
	if c.authHeader != "" {
		if name, value, ok := strings.Cut(c.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		} else {
			req.Header.Set("Authorization", c.authHeader)
		}
		return
	}
	deviceID, timestamp, signature := c.signer.Headers(body)
	req.Header.Set(sign.HeaderDeviceID, deviceID)
	req.Header.Set(sign.HeaderTimestamp, timestamp)
	req.Header.Set(sign.HeaderSignature, signature)
}
