package sync

import (
	"context"
	"encoding/json"

	"github.com/marcus/cashew/internal/syncclient"
)

// Client is the network surface the orchestrator needs. The HTTP
// implementation lives in syncclient; the harness substitutes its own.
type Client interface {
	Push(ctx context.Context, req syncclient.PushRequest) (*syncclient.PushResponse, error)
	Pull(ctx context.Context, entityType string, since int64, limit int) (*syncclient.PullResponse, error)
}

// State is the orchestrator's position in the sync cycle.
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StateMerging State = "merging"
	StatePushing State = "pushing"
	StateError   State = "error"
)

// TxPayload is the wire form of a ledger transaction. Account identity on the
// wire is always the server-side ID; the local account ID never leaves the
// device.
type TxPayload struct {
	LocalRef     string `json:"local_ref"`
	RemoteID     string `json:"remote_id,omitempty"`
	AccountID    string `json:"account_id"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after,omitempty"`
	VendorRef    string `json:"vendor_ref,omitempty"`
	Note         string `json:"note,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// AccountPayload is the wire form of an account. Balance fields never travel
// client->server: the server is authoritative for balances, the client only
// pushes transactions.
type AccountPayload struct {
	LocalID       string `json:"local_id,omitempty"`
	RemoteID      string `json:"remote_id,omitempty"`
	Label         string `json:"label"`
	Currency      string `json:"currency"`
	AllowNegative bool   `json:"allow_negative"`
}

// AccountSnapshotPayload is the server->client form of an account, including
// which of the pulling device's transactions the snapshot has absorbed.
type AccountSnapshotPayload struct {
	Label         string                    `json:"label"`
	Currency      string                    `json:"currency"`
	Balance       int64                     `json:"balance"`
	AllowNegative bool                      `json:"allow_negative"`
	ConfirmedRefs []syncclient.ConfirmedRef `json:"confirmed_refs,omitempty"`
}

// RecordPayload is the wire form of a generic record.
type RecordPayload struct {
	LocalID string          `json:"local_id,omitempty"`
	Fields  json.RawMessage `json:"fields"`
}
