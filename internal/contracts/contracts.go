package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies the semantic event kind.
type EventType string

const (
	EventSessionPlaced      EventType = "session.placed"
	EventSessionExpiring    EventType = "session.expiring"
	EventSessionTerminated  EventType = "session.terminated"
	EventServerRegistered   EventType = "server.registered"
	EventServerUnreachable  EventType = "server.unreachable"
	EventServerDraining     EventType = "server.draining"
	EventProvisionRequested EventType = "provision.requested"
)

var validEventTypes = map[EventType]struct{}{
	EventSessionPlaced:      {},
	EventSessionExpiring:    {},
	EventSessionTerminated:  {},
	EventServerRegistered:   {},
	EventServerUnreachable:  {},
	EventServerDraining:     {},
	EventProvisionRequested: {},
}

// Envelope is the JSON-serializable event envelope shared across services.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id"`
	UserID        *string         `json:"user_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

var ErrInvalidEventType = errors.New("invalid event type")

// ValidateEventType verifies whether the provided event type is known.
func ValidateEventType(eventType EventType) error {
	if _, ok := validEventTypes[eventType]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
	return nil
}

// MarshalV1 marshals an envelope with a v1 payload struct.
func MarshalV1[T any](id string, eventType EventType, ts time.Time, correlationID string, userID *string, payload T) ([]byte, error) {
	if err := ValidateEventType(eventType); err != nil {
		return nil, err
	}

	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		ID:            id,
		Type:          eventType,
		TS:            ts,
		CorrelationID: correlationID,
		UserID:        userID,
		Payload:       payloadRaw,
	}

	return json.Marshal(env)
}

// UnmarshalEnvelope unmarshals and validates an event envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := ValidateEventType(env.Type); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// V1 payload schemas.
type SessionPlacedV1 struct {
	SessionID  string `json:"session_id"`
	ServerID   string `json:"server_id"`
	ServerAddr string `json:"server_addr,omitempty"`
}

type SessionExpiringV1 struct {
	SessionID string `json:"session_id"`
	ServerID  string `json:"server_id"`
	Reason    string `json:"reason"`
}

type SessionTerminatedV1 struct {
	SessionID string `json:"session_id"`
	ServerID  string `json:"server_id"`
	Reason    string `json:"reason"`
}

type ServerRegisteredV1 struct {
	ServerID    string `json:"server_id"`
	MaxCapacity int    `json:"max_capacity"`
	Addr        string `json:"addr,omitempty"`
}

type ServerUnreachableV1 struct {
	ServerID string `json:"server_id"`
}

type ServerDrainingV1 struct {
	ServerID string `json:"server_id"`
}

type ProvisionRequestedV1 struct {
	CorrelationID string `json:"correlation_id"`
}

// DecodeV1Payload decodes the payload into a v1 schema by event type.
func DecodeV1Payload(env Envelope) (any, error) {
	switch env.Type {
	case EventSessionPlaced:
		var payload SessionPlacedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventSessionExpiring:
		var payload SessionExpiringV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventSessionTerminated:
		var payload SessionTerminatedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventServerRegistered:
		var payload ServerRegisteredV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventServerUnreachable:
		var payload ServerUnreachableV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventServerDraining:
		var payload ServerDrainingV1
		return payload, json.Unmarshal(env.Payload, &payload)
	case EventProvisionRequested:
		var payload ProvisionRequestedV1
		return payload, json.Unmarshal(env.Payload, &payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEventType, env.Type)
	}
}

// NATS subject mapping.
const (
	SubjectSessionPlaced      = "smm.session.placed"
	SubjectSessionExpiring    = "smm.session.expiring"
	SubjectSessionTerminated  = "smm.session.terminated"
	SubjectServerRegistered   = "smm.server.registered"
	SubjectServerUnreachable  = "smm.server.unreachable"
	SubjectServerDraining     = "smm.server.draining"
	SubjectProvisionRequested = "smm.provision.requested"

	// SubjectProvisionRequest is the request/reply subject served by the
	// provisioning collaborator; it is not an event subject.
	SubjectProvisionRequest = "smm.provision.request"
)

// SubjectForType maps a contract event type to its NATS subject.
func SubjectForType(eventType EventType) (string, error) {
	switch eventType {
	case EventSessionPlaced:
		return SubjectSessionPlaced, nil
	case EventSessionExpiring:
		return SubjectSessionExpiring, nil
	case EventSessionTerminated:
		return SubjectSessionTerminated, nil
	case EventServerRegistered:
		return SubjectServerRegistered, nil
	case EventServerUnreachable:
		return SubjectServerUnreachable, nil
	case EventServerDraining:
		return SubjectServerDraining, nil
	case EventProvisionRequested:
		return SubjectProvisionRequested, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
}
