package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotSuggested is returned when an insight is requested for a message
// that does not offer that affordance.
var ErrNotSuggested = errors.New("insight kind not suggested for this message")

// Analyzer is the external analysis collaborator consumed per insight kind.
type Analyzer interface {
	AnalyzeVitals(ctx context.Context, text string) ([]string, error)
	ClassifyImage(ctx context.Context, imageDataURL string) (string, error)
	SegmentImage(ctx context.Context, imageDataURL string) (string, error)
}

// SummaryFunc renders an imaging classification label for display.
type SummaryFunc func(label string) string

// Annotation is the outcome of one analysis run for one message. It lives
// beside the replicated state, never inside it: a failed or in-flight
// analysis cannot corrupt the log, and re-running the insight replaces the
// annotation.
type Annotation struct {
	MessageID string      `json:"message_id"`
	Kind      InsightKind `json:"kind"`
	Status    string      `json:"status"` // "ok" or "failed"
	Insights  []string    `json:"insights,omitempty"`
	Summary   string      `json:"summary,omitempty"`
	ImageURL  string      `json:"image_url,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

const (
	AnnotationOK     = "ok"
	AnnotationFailed = "failed"
)

// StoreFactory builds the replica store for a conversation id, with
// whatever transport and journal the deployment wires in.
type StoreFactory func(ctx context.Context, conversationID string) (*Store, error)

// Manager owns the live conversations of a replica process. Stores are
// created on first use per conversation id, giving explicit lifecycle and
// test isolation instead of a process-wide singleton.
type Manager struct {
	mu       sync.Mutex
	factory  StoreFactory
	analyzer Analyzer
	summary  SummaryFunc
	logger   zerolog.Logger
	convs    map[string]*Conversation
}

// NewManager creates a Manager. summary may be nil, in which case imaging
// annotations carry the raw label only.
func NewManager(factory StoreFactory, analyzer Analyzer, summary SummaryFunc, logger zerolog.Logger) *Manager {
	return &Manager{
		factory:  factory,
		analyzer: analyzer,
		summary:  summary,
		logger:   logger,
		convs:    make(map[string]*Conversation),
	}
}

// Open returns the conversation for id, creating it on first use: the
// store is built by the factory and the journal, if any, replayed into it.
func (m *Manager) Open(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.convs[id]; ok {
		return c, nil
	}

	store, err := m.factory(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := store.Recover(ctx); err != nil {
		m.logger.Warn().Err(err).Str("conversation_id", id).Msg("journal replay failed, continuing with live state")
	}

	c := &Conversation{
		store:       store,
		analyzer:    m.analyzer,
		summary:     m.summary,
		logger:      m.logger.With().Str("conversation_id", id).Logger(),
		annotations: make(map[string]map[InsightKind]Annotation),
	}
	m.convs[id] = c
	return c, nil
}

// Close tears down a conversation, dropping its store and annotations.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, id)
}

// Recover replays the attached journal into the store. Each replayed
// mutation goes through the normal merge, so duplicates and already-known
// messages are suppressed.
func (s *Store) Recover(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	mus, err := s.journal.Replay(ctx, s.conversationID)
	if err != nil {
		return err
	}
	for _, mu := range mus {
		// Malformed journal rows are dropped like any other bad mutation.
		_ = s.ApplyRemote(ctx, mu)
	}
	return nil
}

// Conversation couples one replica store with the insight annotation cache
// and the analysis collaborator.
type Conversation struct {
	store    *Store
	analyzer Analyzer
	summary  SummaryFunc
	logger   zerolog.Logger

	mu          sync.Mutex
	annotations map[string]map[InsightKind]Annotation
}

// Store exposes the underlying replica store.
func (c *Conversation) Store() *Store { return c.store }

// RunInsight executes one analysis action for a message and records the
// outcome. Collaborator failures degrade to a "failed" annotation on that
// message only; the affordance stays available for retry and the log is
// untouched either way.
func (c *Conversation) RunInsight(ctx context.Context, messageID string, kind InsightKind) (Annotation, error) {
	msg, err := c.store.Message(messageID)
	if err != nil {
		return Annotation{}, err
	}
	if !kind.Valid() || !Suggested(msg, kind) {
		return Annotation{}, ErrNotSuggested
	}
	if c.analyzer == nil {
		return Annotation{}, errors.New("no analyzer configured")
	}

	ann := Annotation{
		MessageID: messageID,
		Kind:      kind,
		Status:    AnnotationOK,
		UpdatedAt: time.Now().UTC(),
	}

	switch kind {
	case InsightVitals:
		insights, aerr := c.analyzer.AnalyzeVitals(ctx, msg.Text)
		if aerr != nil {
			err = aerr
		} else {
			ann.Insights = insights
		}
	case InsightImaging:
		label, aerr := c.analyzer.ClassifyImage(ctx, msg.ImageDataURL)
		if aerr != nil {
			err = aerr
		} else if c.summary != nil {
			ann.Summary = c.summary(label)
		} else {
			ann.Summary = label
		}
	case InsightSegmentation:
		img, aerr := c.analyzer.SegmentImage(ctx, msg.ImageDataURL)
		if aerr != nil {
			err = aerr
		} else {
			ann.ImageURL = img
		}
	}

	if err != nil {
		c.logger.Warn().Err(err).
			Str("message_id", messageID).
			Str("kind", string(kind)).
			Msg("analysis failed")
		ann = Annotation{
			MessageID: messageID,
			Kind:      kind,
			Status:    AnnotationFailed,
			UpdatedAt: time.Now().UTC(),
		}
	}

	c.mu.Lock()
	if c.annotations[messageID] == nil {
		c.annotations[messageID] = make(map[InsightKind]Annotation)
	}
	c.annotations[messageID][kind] = ann
	c.mu.Unlock()

	return ann, nil
}

// Annotations returns the recorded analysis outcomes for a message, in a
// stable kind order.
func (c *Conversation) Annotations(messageID string) []Annotation {
	c.mu.Lock()
	defer c.mu.Unlock()

	byKind := c.annotations[messageID]
	out := make([]Annotation, 0, len(byKind))
	for _, kind := range []InsightKind{InsightVitals, InsightImaging, InsightSegmentation} {
		if ann, ok := byKind[kind]; ok {
			out = append(out, ann)
		}
	}
	return out
}
