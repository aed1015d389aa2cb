// Package syncclient is the HTTP client for the cashew-hub sync server.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("server unavailable")
)

// Client is an HTTP client for the cashew-hub server.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// New creates a new sync client.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Wire types (mirrors internal/api, independently defined) ---

// PushRequest is the body for POST /v1/wallet/push.
type PushRequest struct {
	DeviceID string     `json:"device_id"`
	Items    []PushItem `json:"items"`
}

// PushItem is a single mutation in a push request.
type PushItem struct {
	ItemID          int64           `json:"item_id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Operation       string          `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp string          `json:"client_timestamp"`
}

// PushResponse is the response from a push request.
type PushResponse struct {
	Acks     []Ack       `json:"acks"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Ack confirms a mutation was accepted (or was already known, for a retried
// push deduplicated by idempotency token).
type Ack struct {
	ItemID       int64  `json:"item_id"`
	EntityID     string `json:"entity_id"`
	RemoteID     string `json:"remote_id"`
	ServerSeq    int64  `json:"server_seq"`
	BalanceAfter int64  `json:"balance_after,omitempty"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

// Rejection explains why a mutation was refused.
type Rejection struct {
	ItemID int64  `json:"item_id"`
	Reason string `json:"reason"`
}

// Rejection reasons the hub emits.
const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonConflict          = "conflict"
	ReasonInvalidPayload    = "invalid_payload"
	ReasonUnknownEntity     = "unknown_entity"
)

// PullResponse is the response from a pull request.
type PullResponse struct {
	Records []PullRecord `json:"records"`
	LastSeq int64        `json:"last_seq"`
	HasMore bool         `json:"has_more"`
}

// PullRecord is one authoritative record in a pull response.
type PullRecord struct {
	ServerSeq       int64           `json:"server_seq"`
	EntityType      string          `json:"entity_type"`
	RemoteID        string          `json:"remote_id"`
	LocalRef        string          `json:"local_ref,omitempty"`
	DeviceID        string          `json:"device_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	ServerTimestamp string          `json:"server_timestamp"`
}

// AccountSnapshot is the authoritative state of one account, with the
// transactions of the requesting device the server has absorbed.
type AccountSnapshot struct {
	RemoteID      string         `json:"remote_id"`
	Label         string         `json:"label"`
	Currency      string         `json:"currency"`
	Balance       int64          `json:"balance"`
	AllowNegative bool           `json:"allow_negative"`
	AsOf          string         `json:"as_of"`
	LastSeq       int64          `json:"last_seq"`
	ConfirmedRefs []ConfirmedRef `json:"confirmed_refs,omitempty"`
}

// ConfirmedRef is one absorbed transaction in a snapshot.
type ConfirmedRef struct {
	LocalRef     string `json:"local_ref"`
	RemoteID     string `json:"remote_id"`
	BalanceAfter int64  `json:"balance_after"`
}

// Push transmits a batch of pending mutations.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	req.DeviceID = c.DeviceID
	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/wallet/push", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull retrieves authoritative records for one entity type after the given
// sync token.
func (c *Client) Pull(ctx context.Context, entityType string, since int64, limit int) (*PullResponse, error) {
	q := url.Values{}
	q.Set("entity_type", entityType)
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("device_id", c.DeviceID)

	var resp PullResponse
	if err := c.do(ctx, http.MethodGet, "/v1/wallet/pull", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot fetches the authoritative state of one account.
func (c *Client) Snapshot(ctx context.Context, remoteID string) (*AccountSnapshot, error) {
	q := url.Values{}
	q.Set("device_id", c.DeviceID)

	var resp AccountSnapshot
	path := "/v1/wallet/accounts/" + url.PathEscape(remoteID) + "/snapshot"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the server. A nil error means the hub is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request failed: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
