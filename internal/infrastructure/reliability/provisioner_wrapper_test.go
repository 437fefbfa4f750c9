package reliability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/monitoring"
	"livegrid/internal/infrastructure/provisioning"
	"livegrid/pkg/circuitbreaker"
	"livegrid/pkg/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

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

var unavailable = &provisioning.TwirpError{Status: http.StatusServiceUnavailable, Code: "unavailable"}

func newWrapper(p ports.RoomProvisioner, threshold int) (*ProvisionerWrapper, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	retryCfg := retry.Config{Enabled: true, MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	cbCfg := circuitbreaker.Config{FailureThreshold: threshold, SuccessThreshold: 1, OpenTimeout: time.Hour}
	return NewProvisionerWrapper(p, retryCfg, cbCfg, monitoring.NewPrometheusCollector(reg), zap.NewNop().Sugar()), reg
}

func TestProvisionerWrapper_RetriesTransientFailures(t *testing.T) {
	p := new(MockProvisioner)
	room := &ports.RoomDescriptor{Name: "room-a"}
	p.On("CreateRoom", mock.Anything, "room-a", mock.Anything).Return(nil, unavailable).Twice()
	p.On("CreateRoom", mock.Anything, "room-a", mock.Anything).Return(room, nil).Once()

	w, _ := newWrapper(p, 10)
	got, err := w.CreateRoom(context.Background(), "room-a", nil)
	require.NoError(t, err)
	assert.Same(t, room, got)
	p.AssertNumberOfCalls(t, "CreateRoom", 3)
}

func TestProvisionerWrapper_DoesNotRetryPermanentErrors(t *testing.T) {
	p := new(MockProvisioner)
	p.On("ListMembers", mock.Anything, "ghost").Return(nil, domain.ErrRoomNotFound)
	badRequest := &provisioning.TwirpError{Status: http.StatusBadRequest, Code: "invalid_argument"}
	p.On("DeleteRoom", mock.Anything, "bad").Return(badRequest)

	w, reg := newWrapper(p, 1)

	_, err := w.ListMembers(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	p.AssertNumberOfCalls(t, "ListMembers", 1)

	err = w.DeleteRoom(context.Background(), "bad")
	assert.ErrorAs(t, err, &badRequest)
	p.AssertNumberOfCalls(t, "DeleteRoom", 1)

	assert.Equal(t, circuitbreaker.StateClosed, w.CircuitBreakerStats().State, "client errors do not trip the breaker")

	count, err := testutil.GatherAndCount(reg, "livegrid_provisioner_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestProvisionerWrapper_OpensBreaker(t *testing.T) {
	p := new(MockProvisioner)
	p.On("DeleteRoom", mock.Anything, "room-a").Return(unavailable)

	w, _ := newWrapper(p, 2)

	err := w.DeleteRoom(context.Background(), "room-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen) || errors.As(err, new(*provisioning.TwirpError)))
	assert.Equal(t, circuitbreaker.StateOpen, w.CircuitBreakerStats().State)
	p.AssertNumberOfCalls(t, "DeleteRoom", 2)

	err = w.DeleteRoom(context.Background(), "room-a")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	p.AssertNumberOfCalls(t, "DeleteRoom", 2)
}

func TestProvisionerWrapper_IssueAccessTokenPassesThrough(t *testing.T) {
	p := new(MockProvisioner)
	p.On("IssueAccessToken", mock.Anything, "room-a", "alice", mock.Anything).Return("jwt", nil)

	w, _ := newWrapper(p, 1)
	token, err := w.IssueAccessToken(context.Background(), "room-a", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "jwt", token)
	p.AssertExpectations(t)
}
