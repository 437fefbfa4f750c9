package monitoring

import (
	"context"
	"time"

	"livegrid/internal/core/ports"
)

// AddStoreCheck pings the shared store. On the memory fallback this only
// fails after shutdown.
func (h *HealthChecker) AddStoreCheck(store ports.SharedStore, timeout time.Duration) {
	h.AddCheck("store", store.Ping, timeout)
}

// AddRepositoryCheck lists streams to prove the repository can read records.
func (h *HealthChecker) AddRepositoryCheck(repo ports.StreamRepository, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) error {
		_, err := repo.List(ctx)
		return err
	}, timeout)
}
