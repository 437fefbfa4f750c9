package reliability

import (
	"context"
	"errors"

	"livegrid/internal/core/domain"
	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/monitoring"
	"livegrid/internal/infrastructure/provisioning"
	"livegrid/pkg/circuitbreaker"
	"livegrid/pkg/retry"

	"go.uber.org/zap"
)

// ProvisionerWrapper guards a RoomProvisioner with retries and a circuit
// breaker. Every room server call is safe to repeat: rooms are created and
// deleted by name.
type ProvisionerWrapper struct {
	provisioner ports.RoomProvisioner
	logger      *zap.SugaredLogger
	metrics     *monitoring.PrometheusCollector

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewProvisionerWrapper wraps provisioner with retry and a circuit breaker
func NewProvisionerWrapper(
	provisioner ports.RoomProvisioner,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *ProvisionerWrapper {
	retryConfig.ShouldRetry = shouldRetry
	cbConfig.IsFailure = isOutage

	w := &ProvisionerWrapper{
		provisioner:    provisioner,
		logger:         logger,
		metrics:        metrics,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("room server circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return w
}

func (w *ProvisionerWrapper) CreateRoom(ctx context.Context, name string, metadata map[string]any) (*ports.RoomDescriptor, error) {
	room, err := retry.DoValue(ctx, w.retryConfig, func(ctx context.Context) (*ports.RoomDescriptor, error) {
		return circuitbreaker.ExecuteValue(w.circuitBreaker, func() (*ports.RoomDescriptor, error) {
			return w.provisioner.CreateRoom(ctx, name, metadata)
		})
	})
	w.observe("create_room", name, err)
	return room, err
}

func (w *ProvisionerWrapper) DeleteRoom(ctx context.Context, name string) error {
	err := retry.Do(ctx, w.retryConfig, func(ctx context.Context) error {
		return w.circuitBreaker.Execute(func() error {
			return w.provisioner.DeleteRoom(ctx, name)
		})
	})
	w.observe("delete_room", name, err)
	return err
}

func (w *ProvisionerWrapper) ListMembers(ctx context.Context, name string) ([]ports.RoomMember, error) {
	members, err := retry.DoValue(ctx, w.retryConfig, func(ctx context.Context) ([]ports.RoomMember, error) {
		return circuitbreaker.ExecuteValue(w.circuitBreaker, func() ([]ports.RoomMember, error) {
			return w.provisioner.ListMembers(ctx, name)
		})
	})
	w.observe("list_members", name, err)
	return members, err
}

// IssueAccessToken is signed locally and skips the breaker.
func (w *ProvisionerWrapper) IssueAccessToken(ctx context.Context, name, identity string, metadata map[string]any) (string, error) {
	token, err := w.provisioner.IssueAccessToken(ctx, name, identity, metadata)
	w.observe("issue_token", name, err)
	return token, err
}

// CircuitBreakerStats returns a snapshot of the breaker.
func (w *ProvisionerWrapper) CircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.Stats()
}

func (w *ProvisionerWrapper) observe(op, room string, err error) {
	w.metrics.RecordProvisionerCall(op, err)
	if err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		w.logger.Warnw("room server call failed", "operation", op, "room_name", room, "error", err)
	}
}

// shouldRetry skips answers that will not change on a second attempt.
func shouldRetry(err error) bool {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, circuitbreaker.ErrOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var twErr *provisioning.TwirpError
	if errors.As(err, &twErr) {
		return twErr.Temporary()
	}
	return true
}

// isOutage decides what counts against the breaker: a missing room or a
// rejected request says nothing about the room server's health.
func isOutage(err error) bool {
	if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var twErr *provisioning.TwirpError
	if errors.As(err, &twErr) {
		return twErr.Temporary()
	}
	return true
}
