package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type is the kind of mutation an Operation replays.
type Type string

const (
	TypeSet    Type = "set"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
)

// ParseType converts a wire value into a Type.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeSet, TypeUpdate, TypeDelete:
		return t, nil
	}
	return "", fmt.Errorf("unknown operation type: %q", s)
}

// Priority orders operations into tiers.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority converts a wire value into a Priority. Empty means medium.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	case "":
		return PriorityMedium, nil
	}
	return "", fmt.Errorf("unknown priority: %q", s)
}

// rank is the tier index: high 0, medium 1, low 2.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Mutation is the payload of an Operation. It is one of SetMutation,
// UpdateMutation or DeleteMutation.
type Mutation interface {
	Type() Type
	// Payload returns the fields written to the remote store.
	Payload() map[string]any
	isMutation()
}

// SetMutation merge-writes Data into the document.
type SetMutation struct {
	Data map[string]any
}

func (m SetMutation) Type() Type              { return TypeSet }
func (m SetMutation) Payload() map[string]any { return m.Data }
func (SetMutation) isMutation()               {}

// UpdateMutation updates fields of an existing document.
type UpdateMutation struct {
	Data map[string]any
}

func (m UpdateMutation) Type() Type              { return TypeUpdate }
func (m UpdateMutation) Payload() map[string]any { return m.Data }
func (UpdateMutation) isMutation()               {}

// DeleteMutation removes the document.
type DeleteMutation struct{}

func (DeleteMutation) Type() Type              { return TypeDelete }
func (DeleteMutation) Payload() map[string]any { return nil }
func (DeleteMutation) isMutation()             {}

// NewMutation builds the mutation for t carrying data.
func NewMutation(t Type, data map[string]any) (Mutation, error) {
	switch t {
	case TypeSet:
		return SetMutation{Data: data}, nil
	case TypeUpdate:
		return UpdateMutation{Data: data}, nil
	case TypeDelete:
		return DeleteMutation{}, nil
	}
	return nil, fmt.Errorf("unknown operation type: %q", t)
}

// Operation is one queued mutation awaiting replay.
type Operation struct {
	ID       string
	Path     string
	Mutation Mutation
	// Timestamp is the enqueue time and, after a failed replay, the next
	// eligible retry time, in epoch milliseconds.
	Timestamp  int64
	RetryCount int
	Priority   Priority
	// QueuedAt is the original enqueue time in epoch milliseconds.
	QueuedAt  int64
	UserID    string
	SessionID string
}

// Type returns the mutation type.
func (o Operation) Type() Type {
	if o.Mutation == nil {
		return ""
	}
	return o.Mutation.Type()
}

// ReplayData returns the payload sent on replay, with queuedAt injected.
func (o Operation) ReplayData() map[string]any {
	payload := o.Mutation.Payload()
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if o.QueuedAt != 0 {
		out[queuedAtKey] = o.QueuedAt
	}
	return out
}

func newID() string {
	return uuid.NewString()
}

const queuedAtKey = "queuedAt"

// record is the persisted layout of an Operation.
type record struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Path       string         `json:"path"`
	Data       map[string]any `json:"data"`
	Timestamp  int64          `json:"timestamp"`
	RetryCount int            `json:"retryCount"`
	Priority   Priority       `json:"priority"`
	UserID     string         `json:"userId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
}

// MarshalJSON writes the flat record with queuedAt folded into data.
func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Mutation == nil {
		return nil, fmt.Errorf("operation %s has no mutation", o.ID)
	}
	return json.Marshal(record{
		ID:         o.ID,
		Type:       o.Mutation.Type(),
		Path:       o.Path,
		Data:       o.ReplayData(),
		Timestamp:  o.Timestamp,
		RetryCount: o.RetryCount,
		Priority:   o.Priority,
		UserID:     o.UserID,
		SessionID:  o.SessionID,
	})
}

// UnmarshalJSON reads the flat record. queuedAt is lifted out of data.
func (o *Operation) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Path       string         `json:"path"`
		Data       map[string]any `json:"data"`
		Timestamp  float64        `json:"timestamp"`
		RetryCount int            `json:"retryCount"`
		Priority   string         `json:"priority"`
		UserID     string         `json:"userId"`
		SessionID  string         `json:"sessionId"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	t, err := ParseType(raw.Type)
	if err != nil {
		return err
	}
	priority, err := ParsePriority(raw.Priority)
	if err != nil {
		priority = PriorityMedium
	}

	var queuedAt int64
	if v, ok := raw.Data[queuedAtKey].(float64); ok {
		queuedAt = int64(v)
		delete(raw.Data, queuedAtKey)
	}

	mutation, err := NewMutation(t, raw.Data)
	if err != nil {
		return err
	}

	*o = Operation{
		ID:         raw.ID,
		Path:       raw.Path,
		Mutation:   mutation,
		Timestamp:  int64(raw.Timestamp),
		RetryCount: raw.RetryCount,
		Priority:   priority,
		QueuedAt:   queuedAt,
		UserID:     raw.UserID,
		SessionID:  raw.SessionID,
	}
	return nil
}

// validRecord reports whether a decoded entry has a string id, a known type,
// a string path and a numeric timestamp.
func validRecord(entry map[string]any) bool {
	id, ok := entry["id"].(string)
	if !ok || id == "" {
		return false
	}
	t, ok := entry["type"].(string)
	if !ok {
		return false
	}
	if _, err := ParseType(t); err != nil {
		return false
	}
	path, ok := entry["path"].(string)
	if !ok || path == "" {
		return false
	}
	if _, ok := entry["timestamp"].(float64); !ok {
		return false
	}
	if data, present := entry["data"]; present && data != nil {
		if _, ok := data.(map[string]any); !ok {
			return false
		}
	}
	return true
}
