package domain

import "context"

// StateStore is durable, versioned snapshot storage keyed by thread id.
// It is the only component with cross-session shared mutable state;
// all writes go through the optimistic-concurrency Append contract.
type StateStore interface {
	// Load returns the latest checkpoint for a thread, or
	// ErrThreadNotFound if the thread has no checkpoints.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)

	// LoadVersion returns one specific historical checkpoint.
	LoadVersion(ctx context.Context, threadID string, version uint64) (*Checkpoint, error)

	// Append stores a new checkpoint at expectedVersion+1. It fails
	// with ErrVersionConflict when expectedVersion does not match the
	// thread's current version, leaving stored state untouched. A
	// successful Append is immediately visible to Load.
	Append(ctx context.Context, threadID string, state *ConversationState, expectedVersion uint64) (*Checkpoint, error)

	// History returns all checkpoint versions for a thread in
	// ascending version order.
	History(ctx context.Context, threadID string) ([]Checkpoint, error)

	// Prune removes all but the newest keepLatest versions of every
	// thread and reports how many rows were removed. The latest
	// version is never pruned.
	Prune(ctx context.Context, keepLatest int) (int64, error)
}

// Snippet is one ranked retrieval result.
type Snippet struct {
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Retriever is the consumed knowledge-base capability: ranked text
// snippets for a query.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]Snippet, error)
}

// ThreadAuthorizer decides whether a caller may act on a thread.
// Implementations return ErrAccessDenied (wrapped) on rejection.
type ThreadAuthorizer interface {
	Authorize(ctx context.Context, userID, threadID string) error
}

// ThreadLease serializes turns on one thread across server instances.
// Acquire fails with ErrTurnInFlight (wrapped) when another holder owns
// the thread; release frees it early, otherwise the TTL does.
type ThreadLease interface {
	Acquire(ctx context.Context, threadID string) (release func(), err error)
}
