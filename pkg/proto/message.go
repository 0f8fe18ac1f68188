// Package proto defines the wire protocol spoken between the questsync server
// and its clients: a JSON envelope carrying one typed payload per event.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event identifies the kind of wire message.
type Event string

// Client -> server events.
const (
	EventJoinProject         Event = "join-project"
	EventLeaveProject        Event = "leave-project"
	EventCodeUpdate          Event = "code-update"
	EventRequestVerification Event = "request-verification"
)

// Server -> client events.
const (
	EventProjectJoined      Event = "project-joined"
	EventUserJoined         Event = "user-joined"
	EventUserLeft           Event = "user-left"
	EventFileUpdate         Event = "file-update"
	EventVerificationResult Event = "verification-result"
	EventQuestProgress      Event = "quest-progress"
	EventQuestCompleted     Event = "quest-completed"
	EventError              Event = "error"
)

// Role of an authenticated principal.
type Role string

const (
	RoleLearner Role = "learner"
	RoleTeacher Role = "teacher"
)

// Identity is an authenticated principal. It is produced by the external auth
// collaborator during the handshake and is immutable for the connection's
// lifetime.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// ChangeKind classifies a file change event.
type ChangeKind string

const (
	ChangeCreated    ChangeKind = "created"
	ChangeModified   ChangeKind = "modified"
	ChangeDeleted    ChangeKind = "deleted"
	ChangeDirCreated ChangeKind = "dirCreated"
	ChangeDirDeleted ChangeKind = "dirDeleted"
)

// StepContext ties a file change to a learning step so the server can verify
// it against the step's expected solution.
type StepContext struct {
	QuestID      string   `json:"quest_id"`
	StepID       string   `json:"step_id"`
	Kind         StepKind `json:"step_kind,omitempty"`
	ExpectedCode string   `json:"expected_code,omitempty"`
}

// FileChange is the wire form of one file change. Content is present only for
// text files under the attach ceiling; deletions and binary files carry
// metadata only.
type FileChange struct {
	RelativePath string       `json:"relative_path"`
	Kind         ChangeKind   `json:"kind"`
	Content      string       `json:"content,omitempty"`
	HasContent   bool         `json:"has_content"`
	Timestamp    time.Time    `json:"timestamp_utc"`
	Step         *StepContext `json:"step_context,omitempty"`
}

// Msg is the wire envelope. Payload is decoded lazily against the struct the
// Event dictates; a mismatch is an explicit error, never a silent zero value.
type Msg struct {
	ID        string          `json:"id"`
	Event     Event           `json:"event"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMsg builds an envelope around the given payload.
func NewMsg(event Event, payload any) (*Msg, error) {
	msg := &Msg{
		ID:        uuid.New().String(),
		Event:     event,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// MustMsg is NewMsg for payload types owned by this module, whose marshalling
// cannot fail.
func MustMsg(event Event, payload any) *Msg {
	msg, err := NewMsg(event, payload)
	if err != nil {
		panic(fmt.Sprintf("proto: %v", err))
	}
	return msg
}

// ToJSON serializes the envelope to a single JSON document.
func (m *Msg) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message %s: %w", m.ID, err)
	}
	return data, nil
}

// FromJSON parses an envelope.
func FromJSON(data []byte) (*Msg, error) {
	var msg Msg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("message %s has no event", msg.ID)
	}
	return &msg, nil
}

// DecodeInto unmarshals the payload into dst, failing on absent payloads.
func (m *Msg) DecodeInto(dst any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s (%s) has no payload", m.ID, m.Event)
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Event, err)
	}
	return nil
}
