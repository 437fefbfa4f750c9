package ports

import (
	"context"
	"time"

	"livegrid/internal/core/domain"
)

// RoomDescriptor describes a room on the room server.
type RoomDescriptor struct {
	SID       string
	Name      string
	CreatedAt time.Time
	Metadata  map[string]any
}

// RoomMember is a participant as the room server reports it.
type RoomMember struct {
	Identity string
	Name     string
	Metadata map[string]any
}

// RoomProvisioner is the external room server. ListMembers returns
// domain.ErrRoomNotFound when the room does not exist.
type RoomProvisioner interface {
	CreateRoom(ctx context.Context, name string, metadata map[string]any) (*RoomDescriptor, error)
	DeleteRoom(ctx context.Context, name string) error
	ListMembers(ctx context.Context, name string) ([]RoomMember, error)
	IssueAccessToken(ctx context.Context, name, identity string, metadata map[string]any) (string, error)
}

// RoomEventType names a room server webhook event.
type RoomEventType string

const (
	RoomStarted       RoomEventType = "room_started"
	RoomFinished      RoomEventType = "room_finished"
	ParticipantJoined RoomEventType = "participant_joined"
	ParticipantLeft   RoomEventType = "participant_left"
)

// RoomEvent is an out-of-band notification from the room server.
type RoomEvent struct {
	Type        RoomEventType
	RoomName    string
	Participant *RoomMember
}

type CreateStreamRequest struct {
	RoomName       string
	Metadata       map[string]any
	IdempotencyKey string
}

// StreamService orchestrates the stream lifecycle against the room server.
type StreamService interface {
	CreateStream(ctx context.Context, req CreateStreamRequest) (*domain.Stream, error)
	GetStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	ListStreams(ctx context.Context) ([]*domain.Stream, error)
	StopStream(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	DeleteStream(ctx context.Context, id domain.StreamID) (bool, error)
	UpdateMetadata(ctx context.Context, id domain.StreamID, partial map[string]any) (*domain.Stream, error)
	UpdateStatus(ctx context.Context, id domain.StreamID, status domain.StreamStatus, expectedVersion *int64) (*domain.Stream, error)
	JoinStream(ctx context.Context, id domain.StreamID, member RoomMember) (*domain.Stream, error)
	LeaveStream(ctx context.Context, id domain.StreamID, identity string) (*domain.Stream, error)
	IssueAccessToken(ctx context.Context, id domain.StreamID, identity string, metadata map[string]any) (string, error)
	HandleRoomEvent(ctx context.Context, event RoomEvent) error
}
