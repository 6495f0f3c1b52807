package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type journalPG struct{ pool *pgxpool.Pool }

// NewJournalPG returns a Journal backed by the conversation_mutations
// table. Use EnsureJournalSchema (or `carelink-server journal init`) to
// create the table.
func NewJournalPG(pool *pgxpool.Pool) Journal {
	return &journalPG{pool: pool}
}

// EnsureJournalSchema creates the journal table and its dedupe index.
func EnsureJournalSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_mutations (
			id              UUID PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			dedupe_key      TEXT NOT NULL,
			kind            TEXT NOT NULL,
			payload         JSONB NOT NULL,
			recorded_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create conversation_mutations: %w", err)
	}
	_, err = pool.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_mutation_dedupe
		ON conversation_mutations (conversation_id, dedupe_key)`)
	if err != nil {
		return fmt.Errorf("create dedupe index: %w", err)
	}
	return nil
}

// JournalStatus describes the persisted mutation counts for one
// conversation.
type JournalStatus struct {
	ConversationID string `json:"conversation_id"`
	Mutations      int    `json:"mutations"`
}

// JournalStatusPG reports per-conversation mutation counts.
func JournalStatusPG(ctx context.Context, pool *pgxpool.Pool) ([]JournalStatus, error) {
	rows, err := pool.Query(ctx, `
		SELECT conversation_id, COUNT(*)
		FROM conversation_mutations
		GROUP BY conversation_id
		ORDER BY conversation_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalStatus
	for rows.Next() {
		var s JournalStatus
		if err := rows.Scan(&s.ConversationID, &s.Mutations); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (j *journalPG) Append(ctx context.Context, mu Mutation) error {
	key := mu.DedupeKey()
	if key == "" {
		return fmt.Errorf("%w: no dedupe key", ErrMalformedMutation)
	}
	payload, err := json.Marshal(mu)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}
	_, err = j.pool.Exec(ctx, `
		INSERT INTO conversation_mutations (id, conversation_id, dedupe_key, kind, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, dedupe_key) DO NOTHING`,
		uuid.New(), mu.ConversationID, key, string(mu.Kind), payload)
	return err
}

func (j *journalPG) Replay(ctx context.Context, conversationID string) ([]Mutation, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT payload FROM conversation_mutations
		WHERE conversation_id = $1
		ORDER BY recorded_at, id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var mu Mutation
		if err := json.Unmarshal(payload, &mu); err != nil {
			// A corrupt row must not block the rest of the replay.
			continue
		}
		out = append(out, mu)
	}
	return out, rows.Err()
}
