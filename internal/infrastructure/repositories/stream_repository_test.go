package repositories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/monitoring"
	"livegrid/internal/infrastructure/repositories/memory"
	redisrepo "livegrid/internal/infrastructure/repositories/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
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

func (e *recordingEmitter) last() domain.StreamEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[len(e.events)-1]
}

func newTestRepository(t *testing.T, store ports.SharedStore) (*StreamRepository, *recordingEmitter) {
	t.Helper()
	emitter := &recordingEmitter{}
	opts := DefaultStreamRepositoryOptions()
	opts.LockWait = 100 * time.Millisecond
	opts.Metrics = monitoring.NewPrometheusCollector(prometheus.NewRegistry())
	return NewStreamRepository(store, emitter, zap.NewNop().Sugar(), opts), emitter
}

func newMemoryRepository(t *testing.T) (*StreamRepository, *recordingEmitter, *memory.MemoryStore) {
	store := memory.NewMemoryStore()
	repo, emitter := newTestRepository(t, store)
	return repo, emitter, store
}

func int64Ptr(v int64) *int64 { return &v }

func TestCreate_Defaults(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)

	s, err := repo.Create(context.Background(), ports.CreateStreamParams{
		Metadata: map[string]any{"title": "demo"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCreating, s.Status)
	assert.Equal(t, int64(1), s.Version)
	assert.Regexp(t, `^room-[0-9a-f]{8}$`, s.RoomName)
	assert.Equal(t, "demo", s.Metadata["title"])
	assert.Empty(t, s.Participants)
	assert.Equal(t, []domain.EventType{domain.EventStreamCreated}, emitter.types())

	loaded, err := repo.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, s.Version, loaded.Version)
}

func TestCreate_IdempotentToken(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()
	params := ports.CreateStreamParams{RoomName: "room-a", IdempotencyKey: "tok-1"}

	first, err := repo.Create(ctx, params)
	require.NoError(t, err)
	second, err := repo.Create(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []domain.EventType{domain.EventStreamCreated}, emitter.types())
}

func TestCreate_IdempotentTokenConcurrent(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	repo.lockWait = 2 * time.Second
	ctx := context.Background()

	ids := make(chan domain.StreamID, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := repo.Create(ctx, ports.CreateStreamParams{IdempotencyKey: "same"})
			if assert.NoError(t, err) {
				ids <- s.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[domain.StreamID]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.Len(t, emitter.types(), 1)
}

func TestCreate_TokenForDeletedStreamCreatesFresh(t *testing.T) {
	repo, _, _ := newMemoryRepository(t)
	ctx := context.Background()
	params := ports.CreateStreamParams{IdempotencyKey: "tok"}

	first, err := repo.Create(ctx, params)
	require.NoError(t, err)
	deleted, err := repo.Delete(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	second, err := repo.Create(ctx, params)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	third, err := repo.Create(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, second.ID, third.ID)
}

func TestGetByID_MissingAndMalformed(t *testing.T) {
	repo, _, store := newMemoryRepository(t)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "str_missing")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	require.NoError(t, store.Set(ctx, StreamKeyPrefix+"str_bad", "{not json", 0))
	_, err = repo.GetByID(ctx, "str_bad")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	streams, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, streams)
}

func TestUpdateStatus_Versioning(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()

	s, err := repo.Create(ctx, ports.CreateStreamParams{})
	require.NoError(t, err)

	active, err := repo.UpdateStatus(ctx, s.ID, domain.StatusActive, int64Ptr(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), active.Version)
	assert.Nil(t, active.StoppedAt)

	ev := emitter.last()
	require.Equal(t, domain.EventStreamUpdated, ev.Type)
	assert.Equal(t, domain.StatusCreating, ev.Updated.PreviousStatus)
	assert.Equal(t, domain.StatusActive, ev.Updated.Status)
	assert.Equal(t, int64(2), ev.Updated.Version)

	_, err = repo.UpdateStatus(ctx, s.ID, domain.StatusStopping, int64Ptr(1))
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.True(t, domain.IsNotApplied(err))

	unchanged, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unchanged.Version)
	assert.Equal(t, domain.StatusActive, unchanged.Status)
	assert.Len(t, emitter.types(), 2)
}

func TestUpdateStatus_StoppedEmitsStopped(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})
	_, err := repo.UpdateStatus(ctx, s.ID, domain.StatusActive, nil)
	require.NoError(t, err)
	stopped, err := repo.UpdateStatus(ctx, s.ID, domain.StatusStopped, nil)
	require.NoError(t, err)

	require.NotNil(t, stopped.StoppedAt)
	ev := emitter.last()
	require.Equal(t, domain.EventStreamStopped, ev.Type)
	assert.Equal(t, domain.StatusActive, ev.Stopped.PreviousStatus)
	assert.Equal(t, domain.StatusStopped, ev.Stopped.Stream.Status)
}

func TestTransitionStatus_IgnoresMembershipVersionBumps(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})
	_, err := repo.AddParticipant(ctx, s.ID, domain.Participant{Identity: "alice"})
	require.NoError(t, err)

	active, err := repo.TransitionStatus(ctx, s.ID, domain.StatusCreating, domain.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, active.Status)
	assert.Equal(t, int64(3), active.Version)
	assert.Len(t, active.ActiveParticipants(), 1)

	ev := emitter.last()
	require.Equal(t, domain.EventStreamUpdated, ev.Type)
	assert.Equal(t, domain.StatusCreating, ev.Updated.PreviousStatus)
}

func TestTransitionStatus_Guards(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})
	before := len(emitter.types())

	_, err := repo.TransitionStatus(ctx, s.ID, domain.StatusActive, domain.StatusStopped)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)
	assert.True(t, domain.IsNotApplied(err))

	_, err = repo.TransitionStatus(ctx, s.ID, domain.StatusCreating, domain.StatusStopped)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = repo.TransitionStatus(ctx, "str_nope", domain.StatusCreating, domain.StatusActive)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	got, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreating, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Len(t, emitter.types(), before)
}

func TestUpdateStatus_MissingAndUnknown(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)

	_, err := repo.UpdateStatus(context.Background(), "str_nope", domain.StatusActive, nil)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	assert.False(t, domain.IsNotApplied(err))

	_, err = repo.UpdateStatus(context.Background(), "str_nope", "PAUSED", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, emitter.types())
}

func TestUpdateStatus_LockContention(t *testing.T) {
	repo, _, store := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})
	ok, err := store.SetNX(ctx, LockKeyPrefix+"stream:"+string(s.ID), "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = repo.UpdateStatus(ctx, s.ID, domain.StatusActive, nil)
	assert.ErrorIs(t, err, domain.ErrLockContention)
	assert.True(t, domain.IsNotApplied(err))

	_, err = repo.UpdateMetadata(ctx, s.ID, map[string]any{"a": 1})
	assert.ErrorIs(t, err, domain.ErrLockContention)
}

func TestUpdateStatus_ConcurrentWritersSerialise(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	repo.lockWait = 5 * time.Second
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateMetadata(ctx, s.ID, map[string]any{"touched": true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := repo.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1+writers), final.Version)
	assert.Len(t, emitter.types(), 1+writers)
}

func TestUpdateStatus_ExpectedVersionRace(t *testing.T) {
	repo, _, _ := newMemoryRepository(t)
	repo.lockWait = 5 * time.Second
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateStatus(ctx, s.ID, domain.StatusActive, int64Ptr(1))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrVersionConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

func TestUpdateMetadata_ShallowMerge(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{Metadata: map[string]any{"a": "1", "b": "2"}})
	updated, err := repo.UpdateMetadata(ctx, s.ID, map[string]any{"b": "3", "c": "4"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"a": "1", "b": "3", "c": "4"}, updated.Metadata)
	assert.Equal(t, int64(2), updated.Version)
	ev := emitter.last()
	require.Equal(t, domain.EventStreamUpdated, ev.Type)
	assert.Equal(t, domain.StatusCreating, ev.Updated.PreviousStatus)
	assert.Equal(t, domain.StatusCreating, ev.Updated.Status)
}

func TestParticipants_AddRemoveAdd(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})

	joined, err := repo.AddParticipant(ctx, s.ID, domain.Participant{Identity: "alice"})
	require.NoError(t, err)
	firstJoin := joined.Participants[0].JoinedAt

	left, err := repo.RemoveParticipant(ctx, s.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, left.Participants[0].LeftAt)

	rejoined, err := repo.AddParticipant(ctx, s.ID, domain.Participant{Identity: "alice"})
	require.NoError(t, err)

	assert.Equal(t, s.Version+3, rejoined.Version)
	require.Len(t, rejoined.Participants, 1)
	assert.Nil(t, rejoined.Participants[0].LeftAt)
	assert.False(t, rejoined.Participants[0].JoinedAt.Before(firstJoin))
	assert.Equal(t, []domain.EventType{
		domain.EventStreamCreated,
		domain.EventParticipantJoined,
		domain.EventParticipantLeft,
		domain.EventParticipantJoined,
	}, emitter.types())
	assert.Equal(t, rejoined.Version, emitter.last().Participant.Version)
}

func TestAddParticipant_ActiveRefreshIsSilent(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})
	first, err := repo.AddParticipant(ctx, s.ID, domain.Participant{Identity: "bob"})
	require.NoError(t, err)

	again, err := repo.AddParticipant(ctx, s.ID, domain.Participant{
		Identity: "bob",
		Name:     "Bob",
		Metadata: map[string]any{"role": "host"},
	})
	require.NoError(t, err)

	require.Len(t, again.Participants, 1)
	assert.Equal(t, first.Participants[0].JoinedAt, again.Participants[0].JoinedAt)
	assert.Equal(t, "Bob", again.Participants[0].Name)
	assert.Equal(t, "host", again.Participants[0].Metadata["role"])
	assert.Equal(t, first.Version+1, again.Version)
	assert.Len(t, emitter.types(), 2)
}

func TestRemoveParticipant_NoOps(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})
	out, err := repo.RemoveParticipant(ctx, s.ID, "ghost")
	require.NoError(t, err)
	assert.Equal(t, s.Version, out.Version)

	_, _ = repo.AddParticipant(ctx, s.ID, domain.Participant{Identity: "carol"})
	_, _ = repo.RemoveParticipant(ctx, s.ID, "carol")
	before := len(emitter.types())

	out, err = repo.RemoveParticipant(ctx, s.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, s.Version+2, out.Version)
	assert.Len(t, emitter.types(), before)
}

func TestParticipantLock_BusyProceeds(t *testing.T) {
	repo, emitter, store := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})
	_, err := store.SetNX(ctx, LockKeyPrefix+"stream:"+string(s.ID)+":participant:dave", "other", time.Minute)
	require.NoError(t, err)

	out, err := repo.AddParticipant(ctx, s.ID, domain.Participant{Identity: "dave"})
	require.NoError(t, err)
	assert.Len(t, out.Participants, 1)
	assert.Equal(t, domain.EventParticipantJoined, emitter.last().Type)
}

func TestDelete(t *testing.T) {
	repo, emitter, _ := newMemoryRepository(t)
	ctx := context.Background()

	s, _ := repo.Create(ctx, ports.CreateStreamParams{})

	deleted, err := repo.Delete(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	ev := emitter.last()
	require.Equal(t, domain.EventStreamStopped, ev.Type)
	assert.Equal(t, s.ID, ev.Stopped.Stream.ID)

	_, err = repo.GetByID(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	before := len(emitter.types())
	deleted, err = repo.Delete(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Len(t, emitter.types(), before)
}

func TestListAndFindByRoomName(t *testing.T) {
	repo, _, _ := newMemoryRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	old, _ := repo.Create(ctx, ports.CreateStreamParams{RoomName: "shared"})
	_, err := repo.UpdateStatus(ctx, old.ID, domain.StatusError, nil)
	require.NoError(t, err)
	current, _ := repo.Create(ctx, ports.CreateStreamParams{RoomName: "shared"})
	other, _ := repo.Create(ctx, ports.CreateStreamParams{RoomName: "other"})

	streams, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 3)
	assert.Equal(t, []domain.StreamID{old.ID, current.ID, other.ID},
		[]domain.StreamID{streams[0].ID, streams[1].ID, streams[2].ID})

	found, err := repo.FindByRoomName(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, current.ID, found.ID)

	_, err = repo.FindByRoomName(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestRepository_OnRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo, emitter := newTestRepository(t, redisrepo.NewRedisStore(client))
	ctx := context.Background()

	s, err := repo.Create(ctx, ports.CreateStreamParams{IdempotencyKey: "redis-token"})
	require.NoError(t, err)
	assert.True(t, mr.Exists(StreamKeyPrefix+string(s.ID)))
	assert.True(t, mr.Exists(CreateIdempotencyKeyPrefix+"redis-token"))
	assert.Greater(t, mr.TTL(CreateIdempotencyKeyPrefix+"redis-token"), time.Hour)

	_, err = repo.UpdateStatus(ctx, s.ID, domain.StatusActive, int64Ptr(1))
	require.NoError(t, err)
	assert.False(t, mr.Exists(LockKeyPrefix+"stream:"+string(s.ID)), "lock must be released")

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].Version)
	assert.Len(t, emitter.types(), 2)
}
