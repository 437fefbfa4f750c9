package domain

import (
	"time"
)

type StreamID string

// StreamStatus is the lifecycle state of a stream.
type StreamStatus string

const (
	StatusCreating StreamStatus = "CREATING"
	StatusActive   StreamStatus = "ACTIVE"
	StatusStopping StreamStatus = "STOPPING"
	StatusStopped  StreamStatus = "STOPPED"
	StatusError    StreamStatus = "ERROR"
)

var transitions = map[StreamStatus][]StreamStatus{
	StatusCreating: {StatusActive, StatusError},
	StatusActive:   {StatusStopping, StatusError, StatusStopped},
	StatusStopping: {StatusStopped, StatusError},
}

// Valid reports whether s is one of the known statuses.
func (s StreamStatus) Valid() bool {
	switch s {
	case StatusCreating, StatusActive, StatusStopping, StatusStopped, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s StreamStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to StreamStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stream is the versioned stream aggregate.
type Stream struct {
	ID           StreamID       `json:"id"`
	RoomName     string         `json:"room_name"`
	Status       StreamStatus   `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StoppedAt    *time.Time     `json:"stopped_at,omitempty"`
	Participants []Participant  `json:"participants"`
	Metadata     map[string]any `json:"metadata"`
	Version      int64          `json:"version"`
}

// Participant is a member of a stream. LeftAt is set once they leave.
type Participant struct {
	Identity string         `json:"identity"`
	Name     string         `json:"name,omitempty"`
	JoinedAt time.Time      `json:"joined_at"`
	LeftAt   *time.Time     `json:"left_at,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Active reports whether the participant has not left.
func (p Participant) Active() bool {
	return p.LeftAt == nil
}

// FindParticipant returns the index of the participant with the given identity, or -1.
func (s *Stream) FindParticipant(identity string) int {
	for i := range s.Participants {
		if s.Participants[i].Identity == identity {
			return i
		}
	}
	return -1
}

// ActiveParticipants returns the participants that have not left.
func (s *Stream) ActiveParticipants() []Participant {
	active := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Active() {
			active = append(active, p)
		}
	}
	return active
}

// Clone returns a deep copy safe to hand to event consumers.
func (s *Stream) Clone() *Stream {
	if s == nil {
		return nil
	}
	out := *s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		out.StoppedAt = &t
	}
	out.Metadata = cloneMap(s.Metadata)
	out.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		out.Participants[i] = p.Clone()
	}
	return &out
}

func (p Participant) Clone() Participant {
	out := p
	if p.LeftAt != nil {
		t := *p.LeftAt
		out.LeftAt = &t
	}
	out.Metadata = cloneMap(p.Metadata)
	return out
}

// MergeMetadata shallow-merges partial into dst, allocating dst if needed.
func MergeMetadata(dst, partial map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(partial))
	}
	for k, v := range partial {
		dst[k] = v
	}
	return dst
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
