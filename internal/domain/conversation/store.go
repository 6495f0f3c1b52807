package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport propagates locally accepted mutations to the other replicas of
// a conversation. It gives no ordering or deduplication guarantee; both are
// the store's job.
type Transport interface {
	Publish(ctx context.Context, mu Mutation) error
}

// Store is one replica's copy of a conversation: a grow-only, id-keyed set
// of messages plus a last-writer-wins profile slot. No replica is
// authoritative; any two stores that have seen the same mutation set derive
// identical snapshots.
//
// Every mutation or merge runs as one discrete step under the mutex. The
// transport and journal are invoked after local state is updated, so the
// author of a message always sees it before propagation is attempted.
type Store struct {
	mu sync.Mutex

	conversationID string
	replicaID      string

	byID    map[string]*Message
	profile *ProfileRecord

	transport Transport
	journal   Journal
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// StoreOption customizes a Store at construction.
type StoreOption func(*Store)

// WithTransport attaches the replication channel. Without one the store is
// a standalone replica.
func WithTransport(t Transport) StoreOption {
	return func(s *Store) { s.transport = t }
}

// WithJournal attaches durable mutation storage. Without one the replica is
// memory-only.
func WithJournal(j Journal) StoreOption {
	return func(s *Store) { s.journal = j }
}

// WithClock overrides the timestamp source. Tests use this for
// deterministic ordering.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDSource overrides message id generation.
func WithIDSource(newID func() string) StoreOption {
	return func(s *Store) { s.newID = newID }
}

// NewStore creates a replica store for one conversation.
func NewStore(conversationID, replicaID string, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		conversationID: conversationID,
		replicaID:      replicaID,
		byID:           make(map[string]*Message),
		logger: logger.With().
			Str("conversation_id", conversationID).
			Str("replica_id", replicaID).
			Logger(),
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConversationID returns the shared identifier this store replicates.
func (s *Store) ConversationID() string { return s.conversationID }

// ReplicaID returns this replica's identifier.
func (s *Store) ReplicaID() string { return s.replicaID }

// AppendMessage validates a draft, finalizes it with a fresh id and the
// current instant, inserts it locally, and schedules propagation. The
// finalized message is visible in Snapshot before Publish is attempted.
// Empty drafts are rejected with ErrEmptyDraft and never enter the log.
func (s *Store) AppendMessage(ctx context.Context, d Draft) (*Message, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	msg := &Message{
		ID:           s.newID(),
		From:         d.From,
		To:           d.To,
		Text:         d.Text,
		ImageDataURL: d.ImageDataURL,
		Timestamp:    s.now().UTC(),
	}
	s.byID[msg.ID] = msg
	s.mu.Unlock()

	mu := Mutation{
		Kind:           MutationAppendMessage,
		ConversationID: s.conversationID,
		ReplicaID:      s.replicaID,
		Message:        msg,
	}
	s.record(ctx, mu)
	s.propagate(ctx, mu)
	return msg, nil
}

// SetProfile validates and replaces the profile slot, then schedules
// propagation. The record is stamped with this replica's identity so
// concurrent writers resolve deterministically everywhere.
func (s *Store) SetProfile(ctx context.Context, p PatientProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	rec := &ProfileRecord{
		PatientProfile: p,
		UpdatedAt:      s.now().UTC(),
		ReplicaID:      s.replicaID,
	}

	s.mu.Lock()
	if rec.supersedes(s.profile) {
		s.profile = rec
	}
	s.mu.Unlock()

	mu := Mutation{
		Kind:           MutationSetProfile,
		ConversationID: s.conversationID,
		ReplicaID:      s.replicaID,
		Profile:        rec,
	}
	s.record(ctx, mu)
	s.propagate(ctx, mu)
	return nil
}

// ApplyRemote merges a mutation originated by another replica. Re-delivery
// is idempotent: a message id already present is discarded, and a profile
// record that does not supersede the local one is ignored. Malformed
// mutations are dropped with a diagnostic and never affect other merges.
func (s *Store) ApplyRemote(ctx context.Context, mu Mutation) error {
	if mu.ConversationID != "" && mu.ConversationID != s.conversationID {
		s.logger.Warn().
			Str("got_conversation", mu.ConversationID).
			Msg("dropping mutation for foreign conversation")
		return ErrMalformedMutation
	}
	if err := mu.validate(); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(mu.Kind)).Msg("dropping malformed mutation")
		return err
	}

	s.mu.Lock()
	applied := false
	switch mu.Kind {
	case MutationAppendMessage:
		if _, dup := s.byID[mu.Message.ID]; !dup {
			m := *mu.Message
			s.byID[m.ID] = &m
			applied = true
		}
	case MutationSetProfile:
		if mu.Profile.supersedes(s.profile) {
			rec := *mu.Profile
			s.profile = &rec
			applied = true
		}
	}
	s.mu.Unlock()

	if applied {
		s.record(ctx, mu)
	}
	return nil
}

// Snapshot returns the current local view: all merged messages in the
// derived total order, plus the profile if one has been set. The order is
// (timestamp, id), so it depends only on the message set, never on the
// order mutations arrived in.
func (s *Store) Snapshot() ([]Message, *PatientProfile) {
	s.mu.Lock()
	msgs := make([]Message, 0, len(s.byID))
	for _, m := range s.byID {
		msgs = append(msgs, *m)
	}
	var profile *PatientProfile
	if s.profile != nil {
		p := s.profile.PatientProfile
		profile = &p
	}
	s.mu.Unlock()

	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, profile
}

// Message returns one message from the log by id.
func (s *Store) Message(id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, ErrUnknownMessage
	}
	cp := *m
	return &cp, nil
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// propagate hands a locally applied mutation to the transport. Publish
// failures are logged and dropped; local state is already committed and the
// transport owes eventual delivery on reconnect.
func (s *Store) propagate(ctx context.Context, mu Mutation) {
	if s.transport == nil {
		return
	}
	if err := s.transport.Publish(ctx, mu); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(mu.Kind)).Msg("publish failed")
	}
}

// record persists a mutation to the journal, if one is attached.
func (s *Store) record(ctx context.Context, mu Mutation) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Append(ctx, mu); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(mu.Kind)).Msg("journal append failed")
	}
}
