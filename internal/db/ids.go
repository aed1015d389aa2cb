package db

import (
	"strings"

	"github.com/google/uuid"
)

const (
	accountIDPrefix = "acct-"
	txRefPrefix     = "txn-"
)

// NormalizeAccountID ensures an account ID has the acct- prefix.
// Accepts bare IDs like "ab12cd" and returns "acct-ab12cd".
func NormalizeAccountID(id string) string {
	if id == "" {
		return id
	}
	if !strings.HasPrefix(id, accountIDPrefix) {
		return accountIDPrefix + id
	}
	return id
}

// NewAccountID generates a local account identity, stable for the app lifetime.
func NewAccountID() string {
	return accountIDPrefix + uuid.NewString()[:8]
}

// NewLocalRef generates a globally unique idempotency token for a transaction.
// The full UUID matters here: the token deduplicates retried pushes on the
// server, so collisions across devices must be impossible in practice.
func NewLocalRef() string {
	return txRefPrefix + uuid.NewString()
}

// NewRecordID generates a local ID for a generic record.
func NewRecordID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
