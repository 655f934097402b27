package negotiation

import (
	"context"
	"time"
)

// Store is the durable interface for negotiation sessions.
//
// Mutate must run fn under an exclusive lock on the session row (the same
// discipline the credit ledger applies to accounts) so concurrent
// counter-proposals on one session cannot race the read-modify-write of the
// rounds sequence. Any fn error rolls the mutation back entirely.
type Store interface {
	// Create persists a new session atomically; failure leaves no trace.
	Create(ctx context.Context, s *Session) error

	// Get returns the session, or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Mutate loads the session under lock, applies fn, and persists the
	// result. Returns the persisted session.
	Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error)

	// ListByAgent returns all sessions in which the agent participates,
	// newest first. Empty when nothing matches.
	ListByAgent(ctx context.Context, agentDID string) ([]*Session, error)

	// ExpireStale transitions every non-terminal session whose expires_at
	// has passed to expired and returns the count affected.
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}
