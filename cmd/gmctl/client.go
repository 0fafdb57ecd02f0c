package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/atmx/perp-engine/internal/api"
)

// client calls the perp-server HTTP API.
type client struct {
	base   string
	signer string
	http   *http.Client
}

func newClient(base, signer string, timeout time.Duration) *client {
	return &client{base: base, signer: signer, http: &http.Client{Timeout: timeout}}
}

type apiError struct {
	Status int
	Msg    string `json:"error"`
	Class  string `json:"class"`
}

func (e *apiError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Class, e.Msg)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Msg)
}

func (c *client) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/api/v1"+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != "" {
		req.Header.Set(api.SignerHeader, c.signer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = string(bytes.TrimSpace(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
