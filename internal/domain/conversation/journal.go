package conversation

import "context"

// Journal is durable, append-only storage for the mutations a replica has
// applied, local and remote alike. Replaying the journal through the merge
// protocol restores a replica's state after restart; because merging is
// idempotent, the journal may safely contain what the transport later
// re-delivers.
type Journal interface {
	// Append persists a mutation. Appending a mutation with a dedupe key
	// that is already present is a no-op, not an error.
	Append(ctx context.Context, mu Mutation) error
	// Replay returns all persisted mutations for a conversation in
	// insertion order.
	Replay(ctx context.Context, conversationID string) ([]Mutation, error)
}
