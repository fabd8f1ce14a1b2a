// Package idempotency deduplicates notification creation requests by their
// client-supplied request identifier, so retried requests return the original
// response instead of creating duplicate notifications.
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is the retention window for processed request identifiers.
const DefaultTTL = time.Hour

// Store persists processed request identifiers and their responses.
//
// The two-step flow is: Reserve(requestID) before doing any work — only the
// reservation winner proceeds, closing the race where two concurrent
// duplicates both pass a plain pre-check. The winner later calls
// CheckAndStore with the final response; losers and later retries read the
// stored response back. A winner that fails before producing a response
// must call Release so the identifier is not poisoned for the retention
// window and a client retry can run the pipeline again.
type Store interface {
	// Reserve atomically claims requestID. It returns true for exactly one
	// caller per live entry; all others get false.
	Reserve(ctx context.Context, requestID string) (bool, error)

	// Release drops a reservation that never stored a result. It must not
	// remove a completed entry: a late Release after CheckAndStore stored
	// the response is a no-op.
	Release(ctx context.Context, requestID string) error

	// CheckAndStore returns the stored result for requestID when one exists
	// (processed=true). Otherwise, when result is non-nil it is stored —
	// first writer wins — and processed=false is returned. A nil result makes
	// the call a side-effect-free pre-check.
	CheckAndStore(ctx context.Context, requestID string, result []byte) (processed bool, stored []byte, err error)
}
