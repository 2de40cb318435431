package gira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxBodySize bounds how much of a reply is read.
const maxBodySize = 4 << 20

// maxErrorBody bounds how much of an error body is kept on StatusError.
const maxErrorBody = 256

type registerRequest struct {
	Client string `json:"client"`
}

type registerResponse struct {
	Token string `json:"token"`
}

type valueEntry struct {
	UID   string `json:"uid"`
	Value any    `json:"value"`
}

// valuesResponse covers both reply shapes: {"values":[{uid,value}]} and
// a bare {"value": v}.
type valuesResponse struct {
	Values []valueEntry     `json:"values"`
	Value  *json.RawMessage `json:"value"`
}

type writeRequest struct {
	Value any `json:"value"`
}

// do sends one request. A 2xx reply returns its body, which may be empty;
// anything else returns *StatusError.
func (c *Client) do(ctx context.Context, method, path, token string, body any) ([]byte, error) {
	if c.base == nil || c.base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, c.cfg.BaseURL)
	}
	u := c.base.JoinPath(path)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("gira %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if path == pathClients && c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gira %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("gira %s %s: reading body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{Status: resp.StatusCode, Method: method, Path: path, Body: snippet}
	}
	return data, nil
}

// registerClient obtains a fresh token and stores it.
func (c *Client) registerClient(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodPost, pathClients, "", registerRequest{Client: c.cfg.ClientID})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	var resp registerResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			return "", fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
		}
	}
	if resp.Token == "" {
		return "", fmt.Errorf("%w: no token in reply", ErrRegistrationFailed)
	}

	c.tokenMu.Lock()
	c.token = resp.Token
	c.tokenMu.Unlock()

	c.stats.registrations.Add(1)
	c.logger.Info("client registered", "base_url", c.cfg.BaseURL, "client_id", c.cfg.ClientID)
	return resp.Token, nil
}

func (c *Client) readValue(ctx context.Context, token, id string) (any, error) {
	data, err := c.do(ctx, http.MethodGet, valuePath(id), token, nil)
	if err != nil {
		return nil, err
	}
	return decodeValue(data, id)
}

func (c *Client) writeValue(ctx context.Context, token, id string, value any) error {
	_, err := c.do(ctx, http.MethodPut, valuePath(id), token, writeRequest{Value: value})
	return err
}

func valuePath(id string) string {
	return "values/" + url.PathEscape(id)
}

// decodeValue picks the entry whose uid matches id, falling back to the
// first entry or the bare value.
func decodeValue(data []byte, id string) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty value reply for %s", ErrMalformedResponse, id)
	}
	var resp valuesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	for _, e := range resp.Values {
		if e.UID == id {
			return e.Value, nil
		}
	}
	if len(resp.Values) > 0 {
		return resp.Values[0].Value, nil
	}
	if resp.Value != nil {
		var v any
		if err := json.Unmarshal(*resp.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: no value for %s", ErrMalformedResponse, id)
}
