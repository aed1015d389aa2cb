package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/marcus/cashew/internal/serverdb"
)

// Wire types. The client keeps its own mirror of these; the two sides only
// agree through JSON.

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

// PushResponse is the response to a push request.
type PushResponse struct {
	Acks     []Ack       `json:"acks"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Ack confirms a mutation was absorbed.
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

// PullResponse is the response to a pull request.
type PullResponse struct {
	Records []PullRecord `json:"records"`
	LastSeq int64        `json:"last_seq"`
	HasMore bool         `json:"has_more"`
}

// PullRecord is one journal event in a pull response.
type PullRecord struct {
	ServerSeq       int64           `json:"server_seq"`
	EntityType      string          `json:"entity_type"`
	RemoteID        string          `json:"remote_id"`
	LocalRef        string          `json:"local_ref,omitempty"`
	DeviceID        string          `json:"device_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	ServerTimestamp string          `json:"server_timestamp"`
}

// SnapshotResponse is the authoritative state of one account plus the
// requesting device's absorbed transactions.
type SnapshotResponse struct {
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

var validEntityTypes = map[string]bool{
	"accounts":     true,
	"transactions": true,
	"profiles":     true,
	"tickets":      true,
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "device_id is required")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "items array is empty")
		return
	}
	if len(req.Items) > s.config.MaxPushBatch {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(req.Items), s.config.MaxPushBatch))
		return
	}
	for _, item := range req.Items {
		if !validEntityTypes[item.EntityType] {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid entity_type: %s", item.EntityType))
			return
		}
	}

	resp := PushResponse{Acks: []Ack{}}
	for _, item := range req.Items {
		ts, err := time.Parse(time.RFC3339, item.ClientTimestamp)
		if err != nil {
			ts = time.Now().UTC()
		}

		res, err := s.store.ApplyEvent(serverdb.PushEvent{
			DeviceID:        req.DeviceID,
			EntityType:      item.EntityType,
			EntityID:        item.EntityID,
			Operation:       item.Operation,
			Payload:         item.Payload,
			ClientTimestamp: ts,
		})
		if err != nil {
			reason := rejectionReason(err)
			if reason == "" {
				logFor(r.Context()).Error("apply push item", "item", item.ItemID, "err", err)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to apply mutation")
				return
			}
			logFor(r.Context()).Warn("push item rejected", "item", item.ItemID, "reason", reason)
			resp.Rejected = append(resp.Rejected, Rejection{ItemID: item.ItemID, Reason: reason})
			continue
		}

		resp.Acks = append(resp.Acks, Ack{
			ItemID:       item.ItemID,
			EntityID:     item.EntityID,
			RemoteID:     res.RemoteID,
			ServerSeq:    res.ServerSeq,
			BalanceAfter: res.BalanceAfter,
			Duplicate:    res.Duplicate,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// rejectionReason maps a store error to a wire rejection reason, or "" for
// errors that should surface as HTTP 500.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, serverdb.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, serverdb.ErrUnknownAccount), errors.Is(err, serverdb.ErrUnknownEntity):
		return "unknown_entity"
	case errors.Is(err, serverdb.ErrInvalidPayload):
		return "invalid_payload"
	}
	return ""
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entity_type")
	if !validEntityTypes[entityType] {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid entity_type: %s", entityType))
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		if n > s.config.MaxPullLimit {
			n = s.config.MaxPullLimit
		}
		limit = n
	}

	events, lastSeq, hasMore, err := s.store.EventsSince(entityType, since, limit)
	if err != nil {
		logFor(r.Context()).Error("pull events", "entity_type", entityType, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read events")
		return
	}

	resp := PullResponse{Records: make([]PullRecord, len(events)), LastSeq: lastSeq, HasMore: hasMore}
	for i, ev := range events {
		resp.Records[i] = PullRecord{
			ServerSeq:       ev.ServerSeq,
			EntityType:      ev.EntityType,
			RemoteID:        ev.RemoteID,
			LocalRef:        ev.LocalRef,
			DeviceID:        ev.DeviceID,
			Payload:         ev.Payload,
			ServerTimestamp: ev.ServerTimestamp,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("id")
	deviceID := r.URL.Query().Get("device_id")

	acct, err := s.store.GetAccount(accountID)
	if err != nil {
		if errors.Is(err, serverdb.ErrUnknownAccount) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "account not found")
			return
		}
		logFor(r.Context()).Error("load account", "account", accountID, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to load account")
		return
	}

	resp := SnapshotResponse{
		RemoteID:      acct.ID,
		Label:         acct.OwnerName,
		Currency:      acct.Currency,
		Balance:       acct.Balance,
		AllowNegative: acct.AllowNegative,
		AsOf:          time.Now().UTC().Format(time.RFC3339),
		LastSeq:       acct.UpdatedSeq,
	}

	if deviceID != "" {
		txns, err := s.store.ConfirmedTxns(accountID, deviceID)
		if err != nil {
			logFor(r.Context()).Error("load confirmed txns", "account", accountID, "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to load transactions")
			return
		}
		for _, t := range txns {
			resp.ConfirmedRefs = append(resp.ConfirmedRefs, ConfirmedRef{
				LocalRef:     t.LocalRef,
				RemoteID:     t.ID,
				BalanceAfter: t.BalanceAfter,
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
