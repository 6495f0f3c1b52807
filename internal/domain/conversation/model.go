package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies one of the three fixed participants in a conversation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleLab     Role = "lab"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleLab:
		return true
	}
	return false
}

// DefaultConversationID is the shared document identifier all three client
// roles subscribe to when no other conversation is configured.
const DefaultConversationID = "shared-medical-messages-v1"

var (
	ErrEmptyDraft        = errors.New("message draft has neither text nor image")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInvalidProfile    = errors.New("invalid patient profile")
	ErrInvalidAttachment = errors.New("image attachment is not a data URI")
	ErrMalformedMutation = errors.New("malformed mutation")
	ErrUnknownMessage    = errors.New("unknown message")
)

// Message is one immutable entry in the shared log. Once appended it is
// never edited, deleted, or reordered; identity is the ID alone.
type Message struct {
	ID           string    `json:"id"`
	From         Role      `json:"from"`
	To           Role      `json:"to"`
	Text         string    `json:"text,omitempty"`
	ImageDataURL string    `json:"image_data_url,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// HasImage reports whether the message carries an image attachment.
func (m *Message) HasImage() bool {
	return m.ImageDataURL != ""
}

// Draft is the caller-supplied input to AppendMessage, before the store
// assigns identity and a timestamp.
type Draft struct {
	From         Role   `json:"from"`
	To           Role   `json:"to"`
	Text         string `json:"text,omitempty"`
	ImageDataURL string `json:"image_data_url,omitempty"`
}

// Validate checks the draft invariants: known roles, at least one payload
// field, and a plausibly encoded attachment. The core only ever accepts
// already-encoded data URIs, never raw binary.
func (d *Draft) Validate() error {
	if !d.From.Valid() {
		return fmt.Errorf("%w: from=%q", ErrInvalidRole, d.From)
	}
	if !d.To.Valid() {
		return fmt.Errorf("%w: to=%q", ErrInvalidRole, d.To)
	}
	if strings.TrimSpace(d.Text) == "" && d.ImageDataURL == "" {
		return ErrEmptyDraft
	}
	if d.ImageDataURL != "" && !strings.HasPrefix(d.ImageDataURL, "data:") {
		return ErrInvalidAttachment
	}
	return nil
}

// Sex is the closed set of values accepted on a patient profile.
type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
	SexOther  Sex = "other"
)

// PatientProfile is the single mutable record of a conversation. It is
// replaced as a whole on every write, never merged field by field.
type PatientProfile struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
	Sex  Sex    `json:"sex"`
}

// Validate checks the profile invariants.
func (p *PatientProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if p.Age < 0 {
		return fmt.Errorf("%w: age must be non-negative", ErrInvalidProfile)
	}
	switch p.Sex {
	case SexMale, SexFemale, SexOther:
	default:
		return fmt.Errorf("%w: sex must be male, female or other", ErrInvalidProfile)
	}
	return nil
}

// ProfileRecord carries a profile together with the metadata the
// last-writer-wins merge needs: the authoring instant and the authoring
// replica, which breaks timestamp ties deterministically.
type ProfileRecord struct {
	PatientProfile
	UpdatedAt time.Time `json:"updated_at"`
	ReplicaID string    `json:"replica_id"`
}

// supersedes reports whether rec should replace cur in the profile slot.
// A nil cur is always superseded; equal timestamps resolve by the greater
// replica id so that all replicas pick the same winner.
func (rec *ProfileRecord) supersedes(cur *ProfileRecord) bool {
	if cur == nil {
		return true
	}
	if rec.UpdatedAt.After(cur.UpdatedAt) {
		return true
	}
	if cur.UpdatedAt.After(rec.UpdatedAt) {
		return false
	}
	return rec.ReplicaID > cur.ReplicaID
}

// MutationKind discriminates the two operations that replicate between
// replicas.
type MutationKind string

const (
	MutationAppendMessage MutationKind = "append_message"
	MutationSetProfile    MutationKind = "set_profile"
)

// Mutation is the replication envelope: the unit the sync transport carries
// and the journal persists. Exactly one of Message/Profile is set,
// matching Kind.
type Mutation struct {
	Kind           MutationKind   `json:"kind"`
	ConversationID string         `json:"conversation_id"`
	ReplicaID      string         `json:"replica_id"`
	Message        *Message       `json:"message,omitempty"`
	Profile        *ProfileRecord `json:"profile,omitempty"`
}

// DedupeKey returns a stable identifier for journal deduplication: message
// mutations key on the message id, profile mutations on the authoring
// replica and instant.
func (mu *Mutation) DedupeKey() string {
	switch mu.Kind {
	case MutationAppendMessage:
		if mu.Message != nil {
			return mu.Message.ID
		}
	case MutationSetProfile:
		if mu.Profile != nil {
			return fmt.Sprintf("profile/%s/%s", mu.Profile.ReplicaID, mu.Profile.UpdatedAt.UTC().Format(time.RFC3339Nano))
		}
	}
	return ""
}

// validate checks everything a remote mutation must satisfy before it may
// touch local state. Remote peers are untrusted: anything malformed is
// rejected here and dropped by the store.
func (mu *Mutation) validate() error {
	switch mu.Kind {
	case MutationAppendMessage:
		m := mu.Message
		if m == nil {
			return fmt.Errorf("%w: append_message without message", ErrMalformedMutation)
		}
		if m.ID == "" {
			return fmt.Errorf("%w: message without id", ErrMalformedMutation)
		}
		if !m.From.Valid() || !m.To.Valid() {
			return fmt.Errorf("%w: message %s has invalid roles", ErrMalformedMutation, m.ID)
		}
		if m.Text == "" && m.ImageDataURL == "" {
			return fmt.Errorf("%w: message %s is empty", ErrMalformedMutation, m.ID)
		}
		if m.Timestamp.IsZero() {
			return fmt.Errorf("%w: message %s has no timestamp", ErrMalformedMutation, m.ID)
		}
	case MutationSetProfile:
		p := mu.Profile
		if p == nil {
			return fmt.Errorf("%w: set_profile without profile", ErrMalformedMutation)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMutation, err)
		}
		if p.UpdatedAt.IsZero() {
			return fmt.Errorf("%w: profile has no updated_at", ErrMalformedMutation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedMutation, mu.Kind)
	}
	return nil
}
