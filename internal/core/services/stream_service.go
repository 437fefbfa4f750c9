package services

import (
	"context"
	"errors"
	"fmt"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/pkg/tracing"
	"livegrid/pkg/validation"

	"go.uber.org/zap"
)

type streamService struct {
	streamRepo  ports.StreamRepository
	provisioner ports.RoomProvisioner
	logger      *zap.SugaredLogger
}

// NewStreamService coordinates the stream repository with the room server.
// Room server calls never run while a repository lock is held.
func NewStreamService(
	streamRepo ports.StreamRepository,
	provisioner ports.RoomProvisioner,
	logger *zap.SugaredLogger,
) ports.StreamService {
	return &streamService{
		streamRepo:  streamRepo,
		provisioner: provisioner,
		logger:      logger,
	}
}

func (s *streamService) CreateStream(ctx context.Context, req ports.CreateStreamRequest) (stream *domain.Stream, err error) {
	ctx, span := tracing.TraceStreamOperation(ctx, "create", "")
	defer func() { tracing.End(span, err) }()

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	stream, err = s.streamRepo.Create(ctx, ports.CreateStreamParams{
		RoomName:       req.RoomName,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	tracing.AddSpanAttributes(ctx, tracing.StreamIDKey.String(string(stream.ID)))

	// A replayed request whose stream already left CREATING is answered as is.
	if stream.Status != domain.StatusCreating {
		return stream, nil
	}

	if _, provErr := s.provisioner.CreateRoom(ctx, stream.RoomName, stream.Metadata); provErr != nil {
		s.logger.Errorw("room provisioning failed",
			"stream_id", stream.ID,
			"room_name", stream.RoomName,
			"error", provErr,
		)
		s.compensate(ctx, stream.ID, domain.StatusCreating)
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstream, provErr)
	}

	activated, err := s.streamRepo.TransitionStatus(ctx, stream.ID, domain.StatusCreating, domain.StatusActive)
	if errors.Is(err, domain.ErrStatusConflict) {
		// A concurrent replay of the same create, or a room_started webhook,
		// moved the stream first.
		return s.streamRepo.GetByID(ctx, stream.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to activate stream: %w", err)
	}

	s.logger.Infow("stream created",
		"stream_id", activated.ID,
		"room_name", activated.RoomName,
		"version", activated.Version,
	)
	return s.streamRepo.GetByID(ctx, activated.ID)
}

// GetStream returns the stream after bringing an ACTIVE one in line with the
// room server. Reconciliation problems are logged and the best local snapshot
// is returned.
func (s *streamService) GetStream(ctx context.Context, id domain.StreamID) (stream *domain.Stream, err error) {
	ctx, span := tracing.TraceStreamOperation(ctx, "get", string(id))
	defer func() { tracing.End(span, err) }()

	stream, err = s.streamRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if stream.Status != domain.StatusActive {
		return stream, nil
	}
	return s.reconcile(ctx, stream), nil
}

func (s *streamService) reconcile(ctx context.Context, stream *domain.Stream) *domain.Stream {
	log := s.logger.With("stream_id", stream.ID, "room_name", stream.RoomName)

	members, err := s.provisioner.ListMembers(ctx, stream.RoomName)
	if errors.Is(err, domain.ErrRoomNotFound) {
		stopped, err := s.streamRepo.TransitionStatus(ctx, stream.ID, domain.StatusActive, domain.StatusStopped)
		if err != nil {
			log.Warnw("failed to stop stream whose room is gone", "error", err)
			return stream
		}
		log.Infow("room no longer exists, stream stopped")
		return stopped
	}
	if err != nil {
		log.Warnw("failed to list room members", "error", err)
		return stream
	}

	latest := stream
	present := make(map[string]bool, len(members))
	for _, m := range members {
		present[m.Identity] = true
		if i := stream.FindParticipant(m.Identity); i >= 0 && stream.Participants[i].Active() {
			continue
		}
		updated, err := s.streamRepo.AddParticipant(ctx, stream.ID, participantFromMember(m))
		if err != nil {
			log.Warnw("failed to add room member", "identity", m.Identity, "error", err)
			continue
		}
		latest = updated
	}

	for _, p := range stream.ActiveParticipants() {
		if present[p.Identity] {
			continue
		}
		updated, err := s.streamRepo.RemoveParticipant(ctx, stream.ID, p.Identity)
		if err != nil {
			log.Warnw("failed to remove departed participant", "identity", p.Identity, "error", err)
			continue
		}
		latest = updated
	}

	return latest
}

func (s *streamService) ListStreams(ctx context.Context) ([]*domain.Stream, error) {
	return s.streamRepo.List(ctx)
}

// StopStream moves the stream through STOPPING while the room is torn down.
// A STOPPING stream left behind by an interrupted stop is resumed.
func (s *streamService) StopStream(ctx context.Context, id domain.StreamID) (stream *domain.Stream, err error) {
	ctx, span := tracing.TraceStreamOperation(ctx, "stop", string(id))
	defer func() { tracing.End(span, err) }()

	stream, err = s.streamRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if stream.Status != domain.StatusStopping {
		if !domain.CanTransition(stream.Status, domain.StatusStopping) {
			return nil, fmt.Errorf("%w: cannot stop a %s stream", domain.ErrInvalidTransition, stream.Status)
		}
		stream, err = s.streamRepo.TransitionStatus(ctx, id, stream.Status, domain.StatusStopping)
		if err != nil {
			return nil, fmt.Errorf("failed to mark stream stopping: %w", err)
		}
	}

	// The room already being gone is the outcome a stop wants.
	if delErr := s.provisioner.DeleteRoom(ctx, stream.RoomName); delErr != nil && !errors.Is(delErr, domain.ErrRoomNotFound) {
		s.logger.Errorw("room teardown failed",
			"stream_id", id,
			"room_name", stream.RoomName,
			"error", delErr,
		)
		s.compensate(ctx, id, domain.StatusStopping)
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstream, delErr)
	}

	stream, err = s.streamRepo.TransitionStatus(ctx, id, domain.StatusStopping, domain.StatusStopped)
	if errors.Is(err, domain.ErrStatusConflict) {
		// room_finished may have landed while the room was being deleted.
		current, getErr := s.streamRepo.GetByID(ctx, id)
		if getErr == nil && current.Status == domain.StatusStopped {
			return current, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark stream stopped: %w", err)
	}

	s.logger.Infow("stream stopped", "stream_id", id, "version", stream.Version)
	return stream, nil
}

// DeleteStream removes the record and, when a room may still be live, tears
// it down afterwards. Teardown failures are logged only.
func (s *streamService) DeleteStream(ctx context.Context, id domain.StreamID) (bool, error) {
	stream, err := s.streamRepo.GetByID(ctx, id)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	deleted, err := s.streamRepo.Delete(ctx, id)
	if err != nil || !deleted {
		return deleted, err
	}

	if stream.Status == domain.StatusActive || stream.Status == domain.StatusStopping {
		if err := s.provisioner.DeleteRoom(ctx, stream.RoomName); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
			s.logger.Warnw("failed to delete room of deleted stream",
				"stream_id", id,
				"room_name", stream.RoomName,
				"error", err,
			)
		}
	}
	return true, nil
}

func (s *streamService) UpdateMetadata(ctx context.Context, id domain.StreamID, partial map[string]any) (*domain.Stream, error) {
	if err := validation.ValidateMetadata(partial); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return s.streamRepo.UpdateMetadata(ctx, id, partial)
}

// UpdateStatus is the administrative transition. With an expected version the
// write is pinned to it; without one only the status read for the transition
// check must still hold when the write happens.
func (s *streamService) UpdateStatus(ctx context.Context, id domain.StreamID, status domain.StreamStatus, expectedVersion *int64) (*domain.Stream, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}

	current, err := s.streamRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != current.Version {
		return nil, fmt.Errorf("%w: expected version %d, current %d", domain.ErrVersionConflict, *expectedVersion, current.Version)
	}
	if !domain.CanTransition(current.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, current.Status, status)
	}

	if expectedVersion == nil {
		return s.streamRepo.TransitionStatus(ctx, id, current.Status, status)
	}
	return s.streamRepo.UpdateStatus(ctx, id, status, expectedVersion)
}

func (s *streamService) JoinStream(ctx context.Context, id domain.StreamID, member ports.RoomMember) (*domain.Stream, error) {
	if err := validation.ValidateIdentity(member.Identity); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return s.streamRepo.AddParticipant(ctx, id, participantFromMember(member))
}

func (s *streamService) LeaveStream(ctx context.Context, id domain.StreamID, identity string) (*domain.Stream, error) {
	if err := validation.ValidateIdentity(identity); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return s.streamRepo.RemoveParticipant(ctx, id, identity)
}

func (s *streamService) IssueAccessToken(ctx context.Context, id domain.StreamID, identity string, metadata map[string]any) (string, error) {
	if err := validation.ValidateIdentity(identity); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	stream, err := s.streamRepo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if stream.Status != domain.StatusActive {
		return "", fmt.Errorf("%w: stream is %s", domain.ErrStreamNotActive, stream.Status)
	}

	token, err := s.provisioner.IssueAccessToken(ctx, stream.RoomName, identity, metadata)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUpstream, err)
	}
	return token, nil
}

// HandleRoomEvent applies a room server notification to the stream bound to
// the room. Rooms livegrid does not track are ignored.
func (s *streamService) HandleRoomEvent(ctx context.Context, event ports.RoomEvent) (err error) {
	ctx, span := tracing.StartSpan(ctx, "stream.room_event")
	defer func() { tracing.End(span, err) }()
	tracing.AddSpanAttributes(ctx, tracing.RoomNameKey.String(event.RoomName))

	stream, err := s.streamRepo.FindByRoomName(ctx, event.RoomName)
	if errors.Is(err, domain.ErrStreamNotFound) {
		s.logger.Debugw("ignoring event for untracked room", "room_name", event.RoomName, "event", event.Type)
		return nil
	}
	if err != nil {
		return err
	}

	switch event.Type {
	case ports.RoomStarted:
		if stream.Status == domain.StatusCreating {
			_, err = s.streamRepo.TransitionStatus(ctx, stream.ID, domain.StatusCreating, domain.StatusActive)
		}
	case ports.RoomFinished:
		switch stream.Status {
		case domain.StatusActive, domain.StatusStopping:
			_, err = s.streamRepo.TransitionStatus(ctx, stream.ID, stream.Status, domain.StatusStopped)
		case domain.StatusCreating:
			_, err = s.streamRepo.TransitionStatus(ctx, stream.ID, domain.StatusCreating, domain.StatusError)
		}
	case ports.ParticipantJoined:
		if event.Participant == nil {
			return fmt.Errorf("%w: participant_joined without participant", domain.ErrInvalidInput)
		}
		if !stream.Status.Terminal() {
			_, err = s.streamRepo.AddParticipant(ctx, stream.ID, participantFromMember(*event.Participant))
		}
	case ports.ParticipantLeft:
		if event.Participant == nil {
			return fmt.Errorf("%w: participant_left without participant", domain.ErrInvalidInput)
		}
		_, err = s.streamRepo.RemoveParticipant(ctx, stream.ID, event.Participant.Identity)
	default:
		s.logger.Debugw("ignoring room event", "event", event.Type, "room_name", event.RoomName)
		return nil
	}

	if err != nil {
		s.logger.Warnw("failed to apply room event",
			"stream_id", stream.ID,
			"event", event.Type,
			"error", err,
		)
	}
	return err
}

// compensate moves a stream to ERROR after a failed room server call, as long
// as it is still in the status the call started from. It runs even if the
// caller has gone away.
func (s *streamService) compensate(ctx context.Context, id domain.StreamID, from domain.StreamStatus) {
	if _, err := s.streamRepo.TransitionStatus(context.WithoutCancel(ctx), id, from, domain.StatusError); err != nil {
		s.logger.Errorw("failed to record provisioning failure",
			"stream_id", id,
			"from", from,
			"error", err,
		)
	}
}

func validateCreate(req ports.CreateStreamRequest) error {
	if err := validation.ValidateRoomName(req.RoomName); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := validation.ValidateMetadata(req.Metadata); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if req.IdempotencyKey != "" {
		if err := validation.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	}
	return nil
}

func participantFromMember(m ports.RoomMember) domain.Participant {
	return domain.Participant{
		Identity: m.Identity,
		Name:     m.Name,
		Metadata: m.Metadata,
	}
}
