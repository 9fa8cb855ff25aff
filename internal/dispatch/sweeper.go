package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ExpirePending rejects pending ride requests older than the configured TTL
// and releases the drivers they were holding. It returns how many requests
// were expired.
func (d *Dispatcher) ExpirePending(ctx context.Context) (int, error) {
	if d.cfg.PendingTTL <= 0 {
		return 0, nil
	}
	stale, err := d.requests.ListRideRequests(ctx, storage.RideRequestFilter{
		Status:          models.RideRequestPending,
		RequestedBefore: d.now().UTC().Add(-d.cfg.PendingTTL),
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.KindUnavailable, "list pending ride requests", err)
	}
	n := 0
	for _, req := range stale {
		expired, err := d.transition(ctx, req.ID, models.RideRequestPending, models.RideRequestRejected)
		if errors.Is(err, apperr.InvalidState) {
			// the driver answered in the meantime
			continue
		}
		if err != nil {
			return n, err
		}
		d.releaseHold(ctx, expired)
		n++
		observability.ExpiredRideRequests.Inc()
		d.logger.Info("ride request expired", "ride_request_id", req.ID, "driver_id", req.DriverID)
		d.publish(ctx, events.New(events.RideRequestExpired, req.ID, expired))
	}
	return n, nil
}

// Run sweeps expired ride requests every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || d.cfg.PendingTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := d.ExpirePending(ctx); err != nil {
				d.logger.Error("expire pending ride requests", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
