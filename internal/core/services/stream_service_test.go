package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/provisioning"
	"livegrid/internal/infrastructure/repositories"
	"livegrid/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.StreamEvent
}

func (e *recordingEmitter) Emit(_ context.Context, event domain.StreamEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) types() []domain.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.EventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

type MockProvisioner struct {
	mock.Mock
}

func (m *MockProvisioner) CreateRoom(ctx context.Context, name string, metadata map[string]any) (*ports.RoomDescriptor, error) {
	args := m.Called(ctx, name, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.RoomDescriptor), args.Error(1)
}

func (m *MockProvisioner) DeleteRoom(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}

func (m *MockProvisioner) ListMembers(ctx context.Context, name string) ([]ports.RoomMember, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ports.RoomMember), args.Error(1)
}

func (m *MockProvisioner) IssueAccessToken(ctx context.Context, name, identity string, metadata map[string]any) (string, error) {
	args := m.Called(ctx, name, identity, metadata)
	return args.String(0), args.Error(1)
}

var errRoomServerDown = errors.New("room server down")

type fixture struct {
	service ports.StreamService
	repo    *repositories.StreamRepository
	events  *recordingEmitter
}

func newFixture(t *testing.T, provisioner ports.RoomProvisioner) *fixture {
	t.Helper()
	events := &recordingEmitter{}
	opts := repositories.DefaultStreamRepositoryOptions()
	opts.LockWait = 100 * time.Millisecond
	logger := zap.NewNop().Sugar()
	repo := repositories.NewStreamRepository(memory.NewMemoryStore(), events, logger, opts)
	return &fixture{
		service: NewStreamService(repo, provisioner, logger),
		repo:    repo,
		events:  events,
	}
}

func newMemoryProvisioner() *provisioning.MemoryProvisioner {
	return provisioning.NewMemoryProvisioner(provisioning.NewTokenSigner("devkey", "devsecret", time.Hour))
}

func TestCreateStream_Success(t *testing.T) {
	rooms := newMemoryProvisioner()
	f := newFixture(t, rooms)

	s, err := f.service.CreateStream(context.Background(), ports.CreateStreamRequest{
		RoomName: "town-hall",
		Metadata: map[string]any{"title": "Town hall"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Equal(t, int64(2), s.Version)
	assert.True(t, rooms.HasRoom("town-hall"))
	assert.Equal(t, []domain.EventType{domain.EventStreamCreated, domain.EventStreamUpdated}, f.events.types())
}

func TestCreateStream_ProvisioningFailure(t *testing.T) {
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "doomed", mock.Anything).Return(nil, errRoomServerDown)
	f := newFixture(t, p)

	s, err := f.service.CreateStream(context.Background(), ports.CreateStreamRequest{RoomName: "doomed"})
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.ErrorIs(t, err, errRoomServerDown)

	streams, err := f.repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, domain.StatusError, streams[0].Status)
	assert.Equal(t, int64(2), streams[0].Version)
	assert.Equal(t, []domain.EventType{domain.EventStreamCreated, domain.EventStreamUpdated}, f.events.types())
}

func TestCreateStream_CompensatesWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "r", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)
	f := newFixture(t, p)

	_, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "r"})
	assert.ErrorIs(t, err, domain.ErrUpstream)

	s, err := f.repo.FindByRoomName(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, s.Status)
}

func TestCreateStream_IdempotentReplay(t *testing.T) {
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "replayed", mock.Anything).
		Return(&ports.RoomDescriptor{Name: "replayed"}, nil).Once()
	f := newFixture(t, p)

	req := ports.CreateStreamRequest{RoomName: "replayed", IdempotencyKey: "req-1"}
	first, err := f.service.CreateStream(context.Background(), req)
	require.NoError(t, err)
	second, err := f.service.CreateStream(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Version, second.Version)
	p.AssertNumberOfCalls(t, "CreateRoom", 1)
	assert.Equal(t, []domain.EventType{domain.EventStreamCreated, domain.EventStreamUpdated}, f.events.types())
}

func TestCreateStream_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, new(MockProvisioner))

	_, err := f.service.CreateStream(context.Background(), ports.CreateStreamRequest{RoomName: "bad room!"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.service.CreateStream(context.Background(), ports.CreateStreamRequest{Metadata: map[string]any{" ": 1}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, f.events.types())
}

func TestGetStream_ReconcilesMembership(t *testing.T) {
	rooms := newMemoryProvisioner()
	f := newFixture(t, rooms)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "sync"})
	require.NoError(t, err)

	require.NoError(t, rooms.Join("sync", ports.RoomMember{Identity: "alice", Name: "Alice"}))
	require.NoError(t, rooms.Join("sync", ports.RoomMember{Identity: "bob"}))

	got, err := f.service.GetStream(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.ActiveParticipants(), 2)
	assert.Equal(t, "Alice", got.Participants[got.FindParticipant("alice")].Name)

	require.NoError(t, rooms.Leave("sync", "bob"))
	got, err = f.service.GetStream(ctx, s.ID)
	require.NoError(t, err)
	active := got.ActiveParticipants()
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Identity)

	versionBefore := got.Version
	got, err = f.service.GetStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, versionBefore, got.Version, "nothing to reconcile")

	require.NoError(t, rooms.DeleteRoom(ctx, "sync"))
	got, err = f.service.GetStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
	assert.NotNil(t, got.StoppedAt)
}

func TestGetStream_ReconciliationErrorsAreSwallowed(t *testing.T) {
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "flaky", mock.Anything).Return(&ports.RoomDescriptor{Name: "flaky"}, nil)
	p.On("ListMembers", mock.Anything, "flaky").Return(nil, errRoomServerDown)
	f := newFixture(t, p)

	s, err := f.service.CreateStream(context.Background(), ports.CreateStreamRequest{RoomName: "flaky"})
	require.NoError(t, err)

	got, err := f.service.GetStream(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Version, got.Version)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestGetStream_SkipsReconciliationUnlessActive(t *testing.T) {
	p := new(MockProvisioner)
	f := newFixture(t, p)

	created, err := f.repo.Create(context.Background(), ports.CreateStreamParams{RoomName: "pending"})
	require.NoError(t, err)

	got, err := f.service.GetStream(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreating, got.Status)
	p.AssertNotCalled(t, "ListMembers", mock.Anything, mock.Anything)

	_, err = f.service.GetStream(context.Background(), "str_missing")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestStopStream(t *testing.T) {
	rooms := newMemoryProvisioner()
	f := newFixture(t, rooms)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "stage"})
	require.NoError(t, err)

	stopped, err := f.service.StopStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
	assert.Equal(t, int64(4), stopped.Version)
	assert.False(t, rooms.HasRoom("stage"))
	assert.Equal(t, []domain.EventType{
		domain.EventStreamCreated,
		domain.EventStreamUpdated,
		domain.EventStreamUpdated,
		domain.EventStreamStopped,
	}, f.events.types())

	_, err = f.service.StopStream(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStopStream_RoomAlreadyGone(t *testing.T) {
	rooms := newMemoryProvisioner()
	f := newFixture(t, rooms)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "gone"})
	require.NoError(t, err)
	require.NoError(t, rooms.DeleteRoom(ctx, "gone"))

	stopped, err := f.service.StopStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
}

func TestStopStream_TeardownFailure(t *testing.T) {
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "stuck", mock.Anything).Return(&ports.RoomDescriptor{Name: "stuck"}, nil)
	p.On("DeleteRoom", mock.Anything, "stuck").Return(errRoomServerDown)
	f := newFixture(t, p)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "stuck"})
	require.NoError(t, err)

	_, err = f.service.StopStream(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.ErrorIs(t, err, errRoomServerDown)

	got, err := f.repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
}

func TestStopStream_RejectsCreating(t *testing.T) {
	f := newFixture(t, new(MockProvisioner))
	created, err := f.repo.Create(context.Background(), ports.CreateStreamParams{})
	require.NoError(t, err)

	_, err = f.service.StopStream(context.Background(), created.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t, newMemoryProvisioner())
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{})
	require.NoError(t, err)

	_, err = f.service.UpdateStatus(ctx, s.ID, "PAUSED", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.service.UpdateStatus(ctx, s.ID, domain.StatusCreating, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	stale := s.Version - 1
	_, err = f.service.UpdateStatus(ctx, s.ID, domain.StatusStopping, &stale)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.True(t, domain.IsNotApplied(err))

	current := s.Version
	updated, err := f.service.UpdateStatus(ctx, s.ID, domain.StatusStopping, &current)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopping, updated.Status)
	assert.Equal(t, s.Version+1, updated.Version)
}

func TestJoinAndLeaveStream(t *testing.T) {
	f := newFixture(t, newMemoryProvisioner())
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{})
	require.NoError(t, err)

	joined, err := f.service.JoinStream(ctx, s.ID, ports.RoomMember{Identity: "carol", Metadata: map[string]any{"role": "guest"}})
	require.NoError(t, err)
	assert.Equal(t, s.Version+1, joined.Version)
	assert.Equal(t, "guest", joined.Participants[0].Metadata["role"])

	left, err := f.service.LeaveStream(ctx, s.ID, "carol")
	require.NoError(t, err)
	assert.False(t, left.Participants[0].Active())

	_, err = f.service.JoinStream(ctx, s.ID, ports.RoomMember{Identity: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.service.JoinStream(ctx, "str_missing", ports.RoomMember{Identity: "carol"})
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestIssueAccessToken(t *testing.T) {
	f := newFixture(t, newMemoryProvisioner())
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "tokens"})
	require.NoError(t, err)

	token, err := f.service.IssueAccessToken(ctx, s.ID, "dave", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = f.service.StopStream(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.service.IssueAccessToken(ctx, s.ID, "dave", nil)
	assert.ErrorIs(t, err, domain.ErrStreamNotActive)
}

func TestUpdateMetadataAndList(t *testing.T) {
	f := newFixture(t, newMemoryProvisioner())
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{Metadata: map[string]any{"a": 1}})
	require.NoError(t, err)

	updated, err := f.service.UpdateMetadata(ctx, s.ID, map[string]any{"b": 2})
	require.NoError(t, err)
	assert.Len(t, updated.Metadata, 2)
	assert.Contains(t, updated.Metadata, "a")
	assert.Contains(t, updated.Metadata, "b")

	streams, err := f.service.ListStreams(ctx)
	require.NoError(t, err)
	assert.Len(t, streams, 1)
}

func TestDeleteStream_TearsDownRoom(t *testing.T) {
	rooms := newMemoryProvisioner()
	f := newFixture(t, rooms)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "doomed"})
	require.NoError(t, err)

	deleted, err := f.service.DeleteStream(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, rooms.HasRoom("doomed"))

	deleted, err = f.service.DeleteStream(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestHandleRoomEvent(t *testing.T) {
	rooms := newMemoryProvisioner()
	f := newFixture(t, rooms)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "hooks"})
	require.NoError(t, err)

	require.NoError(t, f.service.HandleRoomEvent(ctx, ports.RoomEvent{
		Type:        ports.ParticipantJoined,
		RoomName:    "hooks",
		Participant: &ports.RoomMember{Identity: "erin"},
	}))
	require.NoError(t, f.service.HandleRoomEvent(ctx, ports.RoomEvent{
		Type:        ports.ParticipantLeft,
		RoomName:    "hooks",
		Participant: &ports.RoomMember{Identity: "erin"},
	}))
	require.NoError(t, f.service.HandleRoomEvent(ctx, ports.RoomEvent{Type: ports.RoomStarted, RoomName: "hooks"}))
	require.NoError(t, f.service.HandleRoomEvent(ctx, ports.RoomEvent{Type: ports.RoomFinished, RoomName: "hooks"}))

	got, err := f.repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
	require.Len(t, got.Participants, 1)
	assert.False(t, got.Participants[0].Active())
	assert.Equal(t, []domain.EventType{
		domain.EventStreamCreated,
		domain.EventStreamUpdated,
		domain.EventParticipantJoined,
		domain.EventParticipantLeft,
		domain.EventStreamStopped,
	}, f.events.types())

	assert.NoError(t, f.service.HandleRoomEvent(ctx, ports.RoomEvent{Type: ports.RoomFinished, RoomName: "unknown"}))
	assert.ErrorIs(t, f.service.HandleRoomEvent(ctx, ports.RoomEvent{Type: ports.ParticipantJoined, RoomName: "hooks"}), domain.ErrInvalidInput)
}

func TestHandleRoomEvent_RoomStartedActivatesCreating(t *testing.T) {
	f := newFixture(t, new(MockProvisioner))
	ctx := context.Background()

	created, err := f.repo.Create(ctx, ports.CreateStreamParams{RoomName: "late"})
	require.NoError(t, err)

	require.NoError(t, f.service.HandleRoomEvent(ctx, ports.RoomEvent{Type: ports.RoomStarted, RoomName: "late"}))
	got, err := f.repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}

// joinDuringCall returns a mock Run hook that adds a participant to the stream
// bound to room while the room server call is in flight.
func joinDuringCall(t *testing.T, f **fixture, room, identity string) func(mock.Arguments) {
	return func(mock.Arguments) {
		ctx := context.Background()
		s, err := (*f).repo.FindByRoomName(ctx, room)
		require.NoError(t, err)
		_, err = (*f).repo.AddParticipant(ctx, s.ID, domain.Participant{Identity: identity})
		require.NoError(t, err)
	}
}

func TestCreateStream_ActivatesDespiteJoinDuringProvisioning(t *testing.T) {
	var f *fixture
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "busy", mock.Anything).
		Run(joinDuringCall(t, &f, "busy", "alice")).
		Return(&ports.RoomDescriptor{Name: "busy"}, nil)
	f = newFixture(t, p)

	s, err := f.service.CreateStream(context.Background(), ports.CreateStreamRequest{RoomName: "busy"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Equal(t, int64(3), s.Version)
	assert.Len(t, s.ActiveParticipants(), 1)
}

func TestCreateStream_RecordsErrorDespiteJoinDuringProvisioning(t *testing.T) {
	var f *fixture
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "busy", mock.Anything).
		Run(joinDuringCall(t, &f, "busy", "alice")).
		Return(nil, errRoomServerDown)
	f = newFixture(t, p)

	_, err := f.service.CreateStream(context.Background(), ports.CreateStreamRequest{RoomName: "busy"})
	require.ErrorIs(t, err, domain.ErrUpstream)

	stored, err := f.repo.FindByRoomName(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
}

func TestCreateStream_RoomStartedWebhookWinsActivation(t *testing.T) {
	var f *fixture
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "early", mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, f.service.HandleRoomEvent(context.Background(), ports.RoomEvent{Type: ports.RoomStarted, RoomName: "early"}))
		}).
		Return(&ports.RoomDescriptor{Name: "early"}, nil)
	f = newFixture(t, p)

	s, err := f.service.CreateStream(context.Background(), ports.CreateStreamRequest{RoomName: "early"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Equal(t, int64(2), s.Version, "activated once")
}

func TestStopStream_ParticipantLeavesDuringTeardown(t *testing.T) {
	var f *fixture
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "stage", mock.Anything).Return(&ports.RoomDescriptor{Name: "stage"}, nil)
	p.On("DeleteRoom", mock.Anything, "stage").
		Run(func(mock.Arguments) {
			s, err := f.repo.FindByRoomName(context.Background(), "stage")
			require.NoError(t, err)
			_, err = f.repo.RemoveParticipant(context.Background(), s.ID, "alice")
			require.NoError(t, err)
		}).
		Return(nil)
	f = newFixture(t, p)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "stage"})
	require.NoError(t, err)
	_, err = f.service.JoinStream(ctx, s.ID, ports.RoomMember{Identity: "alice"})
	require.NoError(t, err)

	stopped, err := f.service.StopStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
	assert.Empty(t, stopped.ActiveParticipants())
}

func TestStopStream_RecordsErrorDespiteJoinDuringTeardown(t *testing.T) {
	var f *fixture
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "stage", mock.Anything).Return(&ports.RoomDescriptor{Name: "stage"}, nil)
	p.On("DeleteRoom", mock.Anything, "stage").
		Run(joinDuringCall(t, &f, "stage", "late")).
		Return(errRoomServerDown)
	f = newFixture(t, p)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "stage"})
	require.NoError(t, err)

	_, err = f.service.StopStream(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrUpstream)

	got, err := f.repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
}

func TestStopStream_RoomFinishedWebhookDuringTeardown(t *testing.T) {
	var f *fixture
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "stage", mock.Anything).Return(&ports.RoomDescriptor{Name: "stage"}, nil)
	p.On("DeleteRoom", mock.Anything, "stage").
		Run(func(mock.Arguments) {
			require.NoError(t, f.service.HandleRoomEvent(context.Background(), ports.RoomEvent{Type: ports.RoomFinished, RoomName: "stage"}))
		}).
		Return(nil)
	f = newFixture(t, p)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "stage"})
	require.NoError(t, err)

	stopped, err := f.service.StopStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
}

func TestStopStream_ConcurrentMembershipChurnDuringTeardown(t *testing.T) {
	var f *fixture
	p := new(MockProvisioner)
	p.On("CreateRoom", mock.Anything, "hall", mock.Anything).Return(&ports.RoomDescriptor{Name: "hall"}, nil)
	p.On("DeleteRoom", mock.Anything, "hall").
		Run(func(mock.Arguments) {
			ctx := context.Background()
			s, err := f.repo.FindByRoomName(ctx, "hall")
			require.NoError(t, err)

			var wg sync.WaitGroup
			for _, identity := range []string{"a", "b", "c", "d"} {
				wg.Add(1)
				go func(identity string) {
					defer wg.Done()
					for i := 0; i < 5; i++ {
						_, _ = f.repo.AddParticipant(ctx, s.ID, domain.Participant{Identity: identity})
						_, _ = f.repo.RemoveParticipant(ctx, s.ID, identity)
					}
				}(identity)
			}
			wg.Wait()
		}).
		Return(nil)
	f = newFixture(t, p)
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{RoomName: "hall"})
	require.NoError(t, err)

	stopped, err := f.service.StopStream(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)

	got, err := f.repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
}

func TestUpdateStatus_WithoutVersionToleratesMembershipWrites(t *testing.T) {
	f := newFixture(t, newMemoryProvisioner())
	ctx := context.Background()

	s, err := f.service.CreateStream(ctx, ports.CreateStreamRequest{})
	require.NoError(t, err)
	_, err = f.service.JoinStream(ctx, s.ID, ports.RoomMember{Identity: "alice"})
	require.NoError(t, err)

	updated, err := f.service.UpdateStatus(ctx, s.ID, domain.StatusError, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, updated.Status)
}
