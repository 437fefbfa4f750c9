package ports

import (
	"context"
	"time"

	"livegrid/internal/core/domain"
)

// SharedStore is the key/value + pub/sub contract every instance shares.
// Get returns found=false for a missing key rather than an error.
type SharedStore interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription delivers raw channel payloads until closed.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// CreateStreamParams carries the fields of a new stream.
type CreateStreamParams struct {
	RoomName       string
	Metadata       map[string]any
	IdempotencyKey string
}

// StreamRepository is the versioned stream aggregate store. Mutations return
// domain.ErrStreamNotFound when the stream is absent and an error satisfying
// domain.IsNotApplied when contention, a stale version or a moved status
// prevented the change.
type StreamRepository interface {
	Create(ctx context.Context, params CreateStreamParams) (*domain.Stream, error)
	GetByID(ctx context.Context, id domain.StreamID) (*domain.Stream, error)
	FindByRoomName(ctx context.Context, roomName string) (*domain.Stream, error)
	List(ctx context.Context) ([]*domain.Stream, error)
	UpdateStatus(ctx context.Context, id domain.StreamID, status domain.StreamStatus, expectedVersion *int64) (*domain.Stream, error)
	TransitionStatus(ctx context.Context, id domain.StreamID, from, to domain.StreamStatus) (*domain.Stream, error)
	UpdateMetadata(ctx context.Context, id domain.StreamID, partial map[string]any) (*domain.Stream, error)
	AddParticipant(ctx context.Context, id domain.StreamID, participant domain.Participant) (*domain.Stream, error)
	RemoveParticipant(ctx context.Context, id domain.StreamID, identity string) (*domain.Stream, error)
	Delete(ctx context.Context, id domain.StreamID) (bool, error)
}

// EventEmitter receives every event a mutation produces.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.StreamEvent)
}
