package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the StreamEvent variant.
type EventType string

const (
	EventStreamCreated     EventType = "stream.created"
	EventStreamUpdated     EventType = "stream.updated"
	EventStreamStopped     EventType = "stream.stopped"
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
)

// Payloads, one per event type.
type CreatedPayload struct {
	Stream *Stream `json:"stream"`
}

type UpdatedPayload struct {
	PreviousStatus StreamStatus   `json:"previous_status"`
	Status         StreamStatus   `json:"status"`
	Metadata       map[string]any `json:"metadata"`
	Version        int64          `json:"version"`
}

type StoppedPayload struct {
	PreviousStatus StreamStatus `json:"previous_status"`
	Stream         *Stream      `json:"stream"`
}

type ParticipantPayload struct {
	Participant Participant `json:"participant"`
	Version     int64       `json:"version"`
}

// StreamEvent is a tagged variant: exactly one payload field is set and it
// must match Type.
type StreamEvent struct {
	Type      EventType
	StreamID  StreamID
	Timestamp time.Time
	Origin    string

	Created     *CreatedPayload
	Updated     *UpdatedPayload
	Stopped     *StoppedPayload
	Participant *ParticipantPayload
}

// Event constructors snapshot s so later mutation does not leak into them.
func NewCreatedEvent(s *Stream) StreamEvent {
	return StreamEvent{
		Type:     EventStreamCreated,
		StreamID: s.ID,
		Created:  &CreatedPayload{Stream: s.Clone()},
	}
}

func NewUpdatedEvent(s *Stream, previous StreamStatus) StreamEvent {
	return StreamEvent{
		Type:     EventStreamUpdated,
		StreamID: s.ID,
		Updated: &UpdatedPayload{
			PreviousStatus: previous,
			Status:         s.Status,
			Metadata:       cloneMap(s.Metadata),
			Version:        s.Version,
		},
	}
}

func NewStoppedEvent(s *Stream, previous StreamStatus) StreamEvent {
	return StreamEvent{
		Type:     EventStreamStopped,
		StreamID: s.ID,
		Stopped:  &StoppedPayload{PreviousStatus: previous, Stream: s.Clone()},
	}
}

func NewParticipantJoinedEvent(s *Stream, p Participant) StreamEvent {
	return StreamEvent{
		Type:        EventParticipantJoined,
		StreamID:    s.ID,
		Participant: &ParticipantPayload{Participant: p.Clone(), Version: s.Version},
	}
}

func NewParticipantLeftEvent(s *Stream, p Participant) StreamEvent {
	return StreamEvent{
		Type:        EventParticipantLeft,
		StreamID:    s.ID,
		Participant: &ParticipantPayload{Participant: p.Clone(), Version: s.Version},
	}
}

// Terminal reports whether the event ends the stream's life for subscribers.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventStreamStopped
}

// Validate checks that exactly the payload matching Type is present.
func (e StreamEvent) Validate() error {
	if e.StreamID == "" {
		return fmt.Errorf("%w: missing stream id", ErrInvalidEvent)
	}
	set := 0
	for _, present := range []bool{e.Created != nil, e.Updated != nil, e.Stopped != nil, e.Participant != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %s carries %d payloads", ErrInvalidEvent, e.Type, set)
	}

	var ok bool
	switch e.Type {
	case EventStreamCreated:
		ok = e.Created != nil && e.Created.Stream != nil
	case EventStreamUpdated:
		ok = e.Updated != nil
	case EventStreamStopped:
		ok = e.Stopped != nil && e.Stopped.Stream != nil
	case EventParticipantJoined, EventParticipantLeft:
		ok = e.Participant != nil && e.Participant.Participant.Identity != ""
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match %s", ErrInvalidEvent, e.Type)
	}
	return nil
}

func (e StreamEvent) payload() any {
	switch e.Type {
	case EventStreamCreated:
		return e.Created
	case EventStreamUpdated:
		return e.Updated
	case EventStreamStopped:
		return e.Stopped
	case EventParticipantJoined, EventParticipantLeft:
		return e.Participant
	}
	return nil
}

type wireEvent struct {
	Type      EventType       `json:"type"`
	StreamID  StreamID        `json:"stream_id"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(e.payload())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		Type:      e.Type,
		StreamID:  e.StreamID,
		Timestamp: e.Timestamp,
		Origin:    e.Origin,
		Payload:   payload,
	})
}

func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := StreamEvent{
		Type:      w.Type,
		StreamID:  w.StreamID,
		Timestamp: w.Timestamp,
		Origin:    w.Origin,
	}

	var target any
	switch w.Type {
	case EventStreamCreated:
		out.Created = &CreatedPayload{}
		target = out.Created
	case EventStreamUpdated:
		out.Updated = &UpdatedPayload{}
		target = out.Updated
	case EventStreamStopped:
		out.Stopped = &StoppedPayload{}
		target = out.Stopped
	case EventParticipantJoined, EventParticipantLeft:
		out.Participant = &ParticipantPayload{}
		target = out.Participant
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, w.Type)
	}
	if err := json.Unmarshal(w.Payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := out.Validate(); err != nil {
		return err
	}

	*e = out
	return nil
}
