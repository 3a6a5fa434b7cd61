// Package apiclient is the tracking agent's view of the order API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"order-tracking/internal/common/httpx"
	"order-tracking/internal/domain"
)

// APIError is a non-2xx answer from the order API.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("order api: status %d", e.Status)
	}
	return fmt.Sprintf("order api: %d %s: %s", e.Status, e.Code, e.Detail)
}

// IsConflict reports whether the server refused the change as invalid for the order's state.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

type Tokens interface {
	Token() string
}

type Client struct {
	baseURL string
	tokens  Tokens
	http    *http.Client
}

func New(baseURL string, tokens Tokens, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) FetchOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodGet, c.orderPath(orderID, ""), nil, &o)
	return o, err
}

func (c *Client) PostTransition(ctx context.Context, orderID string, to domain.Status, note string) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "/transitions"), domain.TransitionRequest{Status: to, Note: note}, &o)
	return o, err
}

func (c *Client) PostCancel(ctx context.Context, orderID, reason string) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "/cancel"), domain.CancelRequest{Reason: reason}, &o)
	return o, err
}

func (c *Client) PostVerifyPickup(ctx context.Context, orderID, code string) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "/verify-pickup"), domain.VerifyPickupRequest{Code: code}, &o)
	return o, err
}

func (c *Client) PostPositionUpdate(ctx context.Context, orderID string, s domain.PositionSample) (domain.PositionUpdateResult, error) {
	var res domain.PositionUpdateResult
	err := c.do(ctx, http.MethodPost, c.orderPath(orderID, "/positions"), s, &res)
	return res, err
}

func (c *Client) Timeline(ctx context.Context, orderID string, limit, offset int) (domain.TimelineResponse, error) {
	var tl domain.TimelineResponse
	path := fmt.Sprintf("/api/v1/tracking/orders/%s/timeline?limit=%d&offset=%d", url.PathEscape(orderID), limit, offset)
	err := c.do(ctx, http.MethodGet, path, nil, &tl)
	return tl, err
}

func (c *Client) orderPath(orderID, suffix string) string {
	return "/api/v1/orders/" + url.PathEscape(orderID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ae := &APIError{Status: resp.StatusCode}
		var p httpx.Problem
		if json.NewDecoder(resp.Body).Decode(&p) == nil {
			ae.Code, ae.Detail = p.Type, p.Detail
		}
		return ae
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
