package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/monitoring"
	"livegrid/pkg/distributed"
	"livegrid/pkg/tracing"
	"livegrid/pkg/utils"

	"go.uber.org/zap"
)

const (
	StreamKeyPrefix            = "livegrid:stream:"
	CreateIdempotencyKeyPrefix = "livegrid:idempotency:create:"
	LockKeyPrefix              = "livegrid:lock:"
)

// StreamRepositoryOptions configures lock timing and idempotency retention.
type StreamRepositoryOptions struct {
	LockTTL        time.Duration
	LockWait       time.Duration
	IdempotencyTTL time.Duration
	Metrics        *monitoring.PrometheusCollector
	Now            func() time.Time
}

// DefaultStreamRepositoryOptions returns the production defaults
func DefaultStreamRepositoryOptions() StreamRepositoryOptions {
	return StreamRepositoryOptions{
		LockTTL:        10 * time.Second,
		LockWait:       2 * time.Second,
		IdempotencyTTL: 24 * time.Hour,
		Now:            time.Now,
	}
}

// StreamRepository stores versioned stream records in a ports.SharedStore.
// Every successful mutation bumps Version by one, persists, then emits its
// event before the lock is released.
type StreamRepository struct {
	store   ports.SharedStore
	locks   *distributed.LockManager
	events  ports.EventEmitter
	logger  *zap.SugaredLogger
	metrics *monitoring.PrometheusCollector

	lockTTL        time.Duration
	lockWait       time.Duration
	idempotencyTTL time.Duration
	now            func() time.Time
}

// NewStreamRepository creates a repository over store that reports mutations to events.
func NewStreamRepository(
	store ports.SharedStore,
	events ports.EventEmitter,
	logger *zap.SugaredLogger,
	opts StreamRepositoryOptions,
) *StreamRepository {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StreamRepository{
		store:          store,
		locks:          distributed.NewLockManager(store, LockKeyPrefix),
		events:         events,
		logger:         logger,
		metrics:        opts.Metrics,
		lockTTL:        opts.LockTTL,
		lockWait:       opts.LockWait,
		idempotencyTTL: opts.IdempotencyTTL,
		now:            opts.Now,
	}
}

func streamKey(id domain.StreamID) string {
	return StreamKeyPrefix + string(id)
}

func (r *StreamRepository) observe(ctx context.Context, op string, id domain.StreamID) (context.Context, func(error)) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, op, string(id))
	start := time.Now()
	return ctx, func(err error) {
		tracing.End(span, err)
		r.metrics.RecordRepositoryOperation(op, err, time.Since(start))
	}
}

// Create persists a new CREATING stream. A known idempotency key returns the
// stream it produced earlier instead, without emitting anything.
func (r *StreamRepository) Create(ctx context.Context, params ports.CreateStreamParams) (s *domain.Stream, err error) {
	ctx, done := r.observe(ctx, "create", "")
	defer func() { done(err) }()

	if params.IdempotencyKey == "" {
		return r.create(ctx, params)
	}

	// Serialise creates that share a token so a concurrent retry waits for
	// the first attempt instead of racing it to a second stream.
	err = r.withLock(ctx, "idempotency:"+params.IdempotencyKey, "idempotency", func() error {
		existing, err := r.lookupIdempotent(ctx, params.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			r.metrics.RecordIdempotencyHit("create")
			r.logger.Debugw("idempotent create replayed",
				"stream_id", existing.ID,
				"idempotency_key", params.IdempotencyKey,
			)
			s = existing
			return nil
		}
		s, err = r.create(ctx, params)
		return err
	})
	return s, err
}

func (r *StreamRepository) create(ctx context.Context, params ports.CreateStreamParams) (*domain.Stream, error) {
	id := domain.StreamID(utils.NewStreamID())
	roomName := params.RoomName
	if roomName == "" {
		roomName = "room-" + utils.ShortSuffix(string(id), 8)
	}

	now := r.now().UTC()
	s := &domain.Stream{
		ID:           id,
		RoomName:     roomName,
		Status:       domain.StatusCreating,
		CreatedAt:    now,
		UpdatedAt:    now,
		Participants: []domain.Participant{},
		Metadata:     domain.MergeMetadata(nil, params.Metadata),
		Version:      1,
	}
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}

	if params.IdempotencyKey != "" {
		key := CreateIdempotencyKeyPrefix + params.IdempotencyKey
		if err := r.store.Set(ctx, key, string(id), r.idempotencyTTL); err != nil {
			r.logger.Warnw("failed to record idempotency mapping",
				"stream_id", id,
				"error", err,
			)
		}
	}

	r.events.Emit(ctx, domain.NewCreatedEvent(s))
	r.logger.Infow("stream created", "stream_id", id, "room_name", roomName)
	return s, nil
}

// lookupIdempotent returns the stream a token already produced, or nil when
// the token is unknown or points at a stream that has since been deleted.
func (r *StreamRepository) lookupIdempotent(ctx context.Context, token string) (*domain.Stream, error) {
	id, found, err := r.store.Get(ctx, CreateIdempotencyKeyPrefix+token)
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency mapping: %w", err)
	}
	if !found {
		return nil, nil
	}

	s, err := r.load(ctx, domain.StreamID(id))
	if errors.Is(err, domain.ErrStreamNotFound) {
		return nil, nil
	}
	return s, err
}

// GetByID loads a stream without locking.
func (r *StreamRepository) GetByID(ctx context.Context, id domain.StreamID) (s *domain.Stream, err error) {
	ctx, done := r.observe(ctx, "get", id)
	defer func() { done(err) }()

	return r.load(ctx, id)
}

// List returns every stream ordered by creation time.
func (r *StreamRepository) List(ctx context.Context) (streams []*domain.Stream, err error) {
	ctx, done := r.observe(ctx, "list", "")
	defer func() { done(err) }()

	return r.list(ctx)
}

func (r *StreamRepository) list(ctx context.Context) ([]*domain.Stream, error) {
	keys, err := r.store.ScanPrefix(ctx, StreamKeyPrefix)
	if err != nil {
		return nil, err
	}

	streams := make([]*domain.Stream, 0, len(keys))
	for _, key := range keys {
		s, err := r.load(ctx, domain.StreamID(key[len(StreamKeyPrefix):]))
		if errors.Is(err, domain.ErrStreamNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}

	sort.SliceStable(streams, func(i, j int) bool {
		if streams[i].CreatedAt.Equal(streams[j].CreatedAt) {
			return streams[i].ID < streams[j].ID
		}
		return streams[i].CreatedAt.Before(streams[j].CreatedAt)
	})
	return streams, nil
}

// FindByRoomName prefers the newest non-terminal stream using the room, then
// the newest terminal one.
func (r *StreamRepository) FindByRoomName(ctx context.Context, roomName string) (s *domain.Stream, err error) {
	ctx, done := r.observe(ctx, "find_by_room", "")
	defer func() { done(err) }()

	streams, err := r.list(ctx)
	if err != nil {
		return nil, err
	}

	var fallback *domain.Stream
	for i := len(streams) - 1; i >= 0; i-- {
		if streams[i].RoomName != roomName {
			continue
		}
		if !streams[i].Status.Terminal() {
			return streams[i], nil
		}
		if fallback == nil {
			fallback = streams[i]
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("%w: room %s", domain.ErrStreamNotFound, roomName)
	}
	return fallback, nil
}

// UpdateStatus sets the status unconditionally, or only at expectedVersion
// when one is given.
func (r *StreamRepository) UpdateStatus(
	ctx context.Context,
	id domain.StreamID,
	status domain.StreamStatus,
	expectedVersion *int64,
) (out *domain.Stream, err error) {
	ctx, done := r.observe(ctx, "update_status", id)
	defer func() { done(err) }()

	return r.setStatus(ctx, id, status, func(s *domain.Stream) error {
		if expectedVersion != nil && s.Version != *expectedVersion {
			return fmt.Errorf("%w: stream %s is at version %d, expected %d",
				domain.ErrVersionConflict, id, s.Version, *expectedVersion)
		}
		return nil
	})
}

// TransitionStatus moves the stream from one status to another. The current
// status is checked under the entity lock rather than the version, so
// membership writes landing in between do not block it.
func (r *StreamRepository) TransitionStatus(ctx context.Context, id domain.StreamID, from, to domain.StreamStatus) (out *domain.Stream, err error) {
	ctx, done := r.observe(ctx, "transition_status", id)
	defer func() { done(err) }()

	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, from, to)
	}
	return r.setStatus(ctx, id, to, func(s *domain.Stream) error {
		if s.Status != from {
			return fmt.Errorf("%w: stream %s is %s, expected %s",
				domain.ErrStatusConflict, id, s.Status, from)
		}
		return nil
	})
}

func (r *StreamRepository) setStatus(
	ctx context.Context,
	id domain.StreamID,
	status domain.StreamStatus,
	check func(*domain.Stream) error,
) (out *domain.Stream, err error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}

	err = r.withEntityLock(ctx, id, func() error {
		s, err := r.load(ctx, id)
		if err != nil {
			return err
		}
		if err := check(s); err != nil {
			return err
		}

		previous := s.Status
		now := r.now().UTC()
		s.Status = status
		s.UpdatedAt = now
		s.StoppedAt = nil
		if status == domain.StatusStopped {
			s.StoppedAt = &now
		}
		s.Version++

		if err := r.save(ctx, s); err != nil {
			return err
		}

		if status == domain.StatusStopped {
			r.events.Emit(ctx, domain.NewStoppedEvent(s, previous))
		} else {
			r.events.Emit(ctx, domain.NewUpdatedEvent(s, previous))
		}
		out = s
		return nil
	})
	return out, err
}

// UpdateMetadata merges partial into the stream metadata.
func (r *StreamRepository) UpdateMetadata(ctx context.Context, id domain.StreamID, partial map[string]any) (out *domain.Stream, err error) {
	ctx, done := r.observe(ctx, "update_metadata", id)
	defer func() { done(err) }()

	err = r.withEntityLock(ctx, id, func() error {
		s, err := r.load(ctx, id)
		if err != nil {
			return err
		}

		s.Metadata = domain.MergeMetadata(s.Metadata, partial)
		s.UpdatedAt = r.now().UTC()
		s.Version++

		if err := r.save(ctx, s); err != nil {
			return err
		}
		r.events.Emit(ctx, domain.NewUpdatedEvent(s, s.Status))
		out = s
		return nil
	})
	return out, err
}

// AddParticipant adds or re-activates a participant. Refreshing an active one
// bumps the version but emits nothing.
func (r *StreamRepository) AddParticipant(ctx context.Context, id domain.StreamID, participant domain.Participant) (out *domain.Stream, err error) {
	ctx, done := r.observe(ctx, "add_participant", id)
	defer func() { done(err) }()

	if participant.Identity == "" {
		return nil, errors.New("participant identity is required")
	}

	err = r.withParticipantLock(ctx, id, participant.Identity, func() error {
		s, err := r.load(ctx, id)
		if err != nil {
			return err
		}

		now := r.now().UTC()
		var event *domain.StreamEvent

		idx := s.FindParticipant(participant.Identity)
		switch {
		case idx < 0:
			p := participant.Clone()
			if p.JoinedAt.IsZero() {
				p.JoinedAt = now
			}
			p.LeftAt = nil
			s.Participants = append(s.Participants, p)
			idx = len(s.Participants) - 1
			ev := domain.NewParticipantJoinedEvent(s, p)
			event = &ev
		case s.Participants[idx].Active():
			// Refresh only; the participant never left so nobody is told.
			mergeParticipant(&s.Participants[idx], participant)
		default:
			p := &s.Participants[idx]
			mergeParticipant(p, participant)
			p.JoinedAt = now
			p.LeftAt = nil
			ev := domain.NewParticipantJoinedEvent(s, *p)
			event = &ev
		}

		s.UpdatedAt = now
		s.Version++
		if event != nil {
			event.Participant.Version = s.Version
			event.Participant.Participant = s.Participants[idx].Clone()
		}

		if err := r.save(ctx, s); err != nil {
			return err
		}
		if event != nil {
			r.events.Emit(ctx, *event)
		}
		out = s
		return nil
	})
	return out, err
}

func mergeParticipant(dst *domain.Participant, src domain.Participant) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if len(src.Metadata) > 0 {
		dst.Metadata = domain.MergeMetadata(dst.Metadata, src.Metadata)
	}
}

func (r *StreamRepository) RemoveParticipant(ctx context.Context, id domain.StreamID, identity string) (out *domain.Stream, err error) {
	ctx, done := r.observe(ctx, "remove_participant", id)
	defer func() { done(err) }()

	err = r.withParticipantLock(ctx, id, identity, func() error {
		s, err := r.load(ctx, id)
		if err != nil {
			return err
		}

		idx := s.FindParticipant(identity)
		if idx < 0 || !s.Participants[idx].Active() {
			out = s
			return nil
		}

		now := r.now().UTC()
		s.Participants[idx].LeftAt = &now
		s.UpdatedAt = now
		s.Version++

		if err := r.save(ctx, s); err != nil {
			return err
		}
		r.events.Emit(ctx, domain.NewParticipantLeftEvent(s, s.Participants[idx]))
		out = s
		return nil
	})
	return out, err
}

// Delete removes the stream and emits stream.stopped with its last snapshot.
func (r *StreamRepository) Delete(ctx context.Context, id domain.StreamID) (deleted bool, err error) {
	ctx, done := r.observe(ctx, "delete", id)
	defer func() { done(err) }()

	err = r.withEntityLock(ctx, id, func() error {
		s, err := r.load(ctx, id)
		if errors.Is(err, domain.ErrStreamNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		removed, err := r.store.Delete(ctx, streamKey(id))
		if err != nil {
			return err
		}
		if !removed {
			return nil
		}

		deleted = true
		r.events.Emit(ctx, domain.NewStoppedEvent(s, s.Status))
		r.logger.Infow("stream deleted", "stream_id", id)
		return nil
	})
	return deleted, err
}

// load treats an unreadable record as absent.
func (r *StreamRepository) load(ctx context.Context, id domain.StreamID) (*domain.Stream, error) {
	raw, found, err := r.store.Get(ctx, streamKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", domain.ErrStreamNotFound, id)
	}

	var s domain.Stream
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.logger.Warnw("discarding malformed stream record",
			"stream_id", id,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %s", domain.ErrStreamNotFound, id)
	}
	if s.Participants == nil {
		s.Participants = []domain.Participant{}
	}
	return &s, nil
}

func (r *StreamRepository) save(ctx context.Context, s *domain.Stream) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal stream %s: %w", s.ID, err)
	}
	if err := r.store.Set(ctx, streamKey(s.ID), string(data), 0); err != nil {
		return fmt.Errorf("failed to persist stream %s: %w", s.ID, err)
	}
	return nil
}

// Status and metadata writes hold the per-stream lock and fail with
// ErrLockContention when it cannot be taken.
func (r *StreamRepository) withEntityLock(ctx context.Context, id domain.StreamID, fn func() error) error {
	return r.withLock(ctx, "stream:"+string(id), "stream", fn)
}

func (r *StreamRepository) withLock(ctx context.Context, key, scope string, fn func() error) error {
	lock := r.locks.NewLock(key, r.lockTTL)
	if err := lock.Lock(ctx, r.lockWait); err != nil {
		if errors.Is(err, distributed.ErrAcquireTimeout) {
			r.metrics.RecordLockContention(scope)
			return fmt.Errorf("%w: %s", domain.ErrLockContention, key)
		}
		return err
	}
	defer r.unlock(ctx, lock)

	return fn()
}

// Membership writes take a narrower (stream, identity) lock and carry on
// without it when it is busy. They therefore do not exclude concurrent
// status or metadata writes on the same stream; a lost update between the
// two paths is possible and accepted.
func (r *StreamRepository) withParticipantLock(ctx context.Context, id domain.StreamID, identity string, fn func() error) error {
	lock := r.locks.NewLock(fmt.Sprintf("stream:%s:participant:%s", id, identity), r.lockTTL)
	if err := lock.Lock(ctx, r.lockWait); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.metrics.RecordLockContention("participant")
		r.logger.Warnw("participant lock unavailable, proceeding without it",
			"stream_id", id,
			"identity", identity,
			"error", err,
		)
		return fn()
	}
	defer r.unlock(ctx, lock)

	return fn()
}

func (r *StreamRepository) unlock(ctx context.Context, lock *distributed.DistributedLock) {
	if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
		r.logger.Warnw("failed to release lock", "key", lock.Key(), "error", err)
	}
}
