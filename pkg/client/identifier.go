package client

import (
	cryptorand "crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var ulidEntropy = ulid.Monotonic(cryptorand.Reader, 0)

// NewClientID returns a process-stable client identifier. ULIDs sort by
// creation time, which keeps relay logs legible when several clients
// overlap.
func NewClientID() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
	return "cli-" + strings.ToLower(id)
}

// NewRequestID returns the idempotency key for one logical call:
// "<client-id>:<uuid>". The same id is reused unchanged across every
// retry of that call.
func NewRequestID(clientID string) string {
	return clientID + ":" + uuid.NewString()
}
