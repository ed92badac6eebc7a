package cli

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

// Client is a thin JSON client for the tradepost API, used by tpctl.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Hello(ctx context.Context, token, name, trainerID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/session/hello", "", map[string]any{
		"token":      token,
		"name":       name,
		"trainer_id": trainerID,
	}, &out)
	return out, err
}

func (c *Client) Bye(ctx context.Context, sid string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/v1/session/bye", sid, nil, nil)
}

func (c *Client) Balance(ctx context.Context, sid string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/balance", sid, nil, &out)
	return out, err
}

func (c *Client) Messages(ctx context.Context, sid string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/messages", sid, nil, &out)
	return out, err
}

func (c *Client) MarketSnapshot(ctx context.Context, sid string, since int64) (map[string]any, error) {
	path := "/v1/market"
	if since > 0 {
		path = fmt.Sprintf("/v1/market?since=%d", since)
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, sid, nil, &out)
	return out, err
}

func (c *Client) MarketList(ctx context.Context, sid string, payload map[string]any, price int64, ttl string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/market/listings", sid, map[string]any{
		"payload": payload,
		"price":   price,
		"ttl":     ttl,
	}, &out)
	return out, err
}

func (c *Client) MarketBuy(ctx context.Context, sid string, id int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/market/listings/%d/buy", id), sid, map[string]any{}, &out)
	return out, err
}

func (c *Client) MarketCancel(ctx context.Context, sid string, id int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodDelete, fmt.Sprintf("/v1/market/listings/%d", id), sid, nil, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, sid string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sid != "" {
		req.Header.Set("Authorization", "Bearer "+sid)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
