// Package coordinator elects the single writer among concurrent vaultindex
// processes sharing one database.
//
// Election runs through the lease row in SQLite: the instance that wins the
// atomic conditional claim becomes PRIMARY and renews its heartbeat on an
// interval; everyone else runs as READER, serving searches from the shared
// database and polling for a stale lease. A PRIMARY whose renewal is
// rejected (another instance claimed over its stale heartbeat) demotes
// itself immediately rather than writing with a lost lease.
//
// The explicit primary role skips the election: the lease is taken and
// renewed unconditionally, so a restart never waits out its own stale row.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultindex/vaultindex/internal/config"
	verrors "github.com/vaultindex/vaultindex/internal/errors"
	"github.com/vaultindex/vaultindex/internal/store"
)

// State is the coordination state of this instance.
type State string

const (
	// StateUnclaimed means election has not settled yet.
	StateUnclaimed State = "UNCLAIMED"
	// StateClaiming means a lease claim is in flight.
	StateClaiming State = "CLAIMING"
	// StateReader means another instance holds the writer lease.
	StateReader State = "READER"
	// StatePrimary means this instance holds the writer lease.
	StatePrimary State = "PRIMARY"
)

// LeaseStore is the lease surface of store.DocumentStore.
type LeaseStore interface {
	TryClaimLease(ctx context.Context, holder, token string, now time.Time, timeout time.Duration) (bool, error)
	ForceClaimLease(ctx context.Context, holder, token string, now time.Time) error
	RenewLease(ctx context.Context, token string, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, token string) error
	GetLease(ctx context.Context) (*store.Lease, error)
}

// Coordinator runs the writer election for one instance.
type Coordinator struct {
	store      LeaseStore
	cfg        config.CoordinationConfig
	instanceID string
	logger     *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	mu    sync.RWMutex
	state State
	token string

	// OnPromote fires when the instance becomes PRIMARY, OnDemote when it
	// loses or gives up the lease. Both are called from the Run goroutine.
	OnPromote func(ctx context.Context)
	OnDemote  func(ctx context.Context)
}

// New creates a coordinator for this process. The instance ID is random per
// process so restarts never inherit a lease they no longer hold.
func New(leaseStore LeaseStore, cfg config.CoordinationConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      leaseStore,
		cfg:        cfg,
		instanceID: uuid.NewString(),
		logger:     logger.With(slog.String("component", "coordinator")),
		now:        time.Now,
		state:      StateUnclaimed,
	}
}

// InstanceID returns this process's election identity.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// State returns the current coordination state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsPrimary reports whether this instance currently holds the writer lease.
func (c *Coordinator) IsPrimary() bool {
	return c.State() == StatePrimary
}

// CurrentLease returns the lease row for status reporting.
func (c *Coordinator) CurrentLease(ctx context.Context) (*store.Lease, error) {
	return c.store.GetLease(ctx)
}

// Run drives the election until ctx is cancelled. It blocks; callers run it
// in a goroutine (the worker uses errgroup). On return the lease, if held,
// has been released.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.release()

	if c.cfg.Role == config.RoleReader {
		c.setState(ctx, StateReader)
		<-ctx.Done()
		return nil
	}
	if c.cfg.Role == config.RolePrimary {
		return c.runForcedPrimary(ctx)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		c.setState(ctx, StateClaiming)
		claimed, err := c.tryClaim(ctx)
		if err != nil {
			c.logger.Error("lease claim failed", slog.String("error", err.Error()))
			if !sleep(ctx, c.cfg.HeartbeatInterval) {
				return nil
			}
			continue
		}

		if claimed {
			c.setState(ctx, StatePrimary)
			c.runHeartbeat(ctx)
			// Heartbeat loop exits on demotion or shutdown.
			if ctx.Err() != nil {
				return nil
			}
			c.setState(ctx, StateReader)
			continue
		}

		c.setState(ctx, StateReader)
		if lease, leaseErr := c.store.GetLease(ctx); leaseErr == nil && lease != nil {
			conflict := verrors.LeaseConflict(lease.Holder)
			c.logger.Debug("lease claim lost", slog.String("error", conflict.Error()))
		}
		if !c.waitForStaleLease(ctx) {
			return nil
		}
	}
}

// runForcedPrimary serves the explicit primary role: the lease is taken
// unconditionally and renewed without ever demoting. If another instance
// claims over it the lease is simply taken back, so two forced primaries on
// one database fight forever. Single-instance deployments only.
func (c *Coordinator) runForcedPrimary(ctx context.Context) error {
	c.setState(ctx, StateClaiming)
	for c.forceClaim(ctx) != nil {
		if !sleep(ctx, c.cfg.HeartbeatInterval) {
			return nil
		}
	}
	c.setState(ctx, StatePrimary)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()

		ok, err := c.store.RenewLease(ctx, token, c.now())
		switch {
		case err != nil:
			c.logger.Warn("lease renewal error", slog.String("error", err.Error()))
		case !ok:
			holder := "unknown"
			if lease, leaseErr := c.store.GetLease(ctx); leaseErr == nil && lease != nil {
				holder = lease.Holder
			}
			conflict := verrors.LeaseConflict(holder)
			c.logger.Warn("forced primary reclaiming lease",
				slog.String("error", conflict.Error()))
			_ = c.forceClaim(ctx)
		}
	}
}

// forceClaim takes the lease under a fresh token, replacing any holder.
func (c *Coordinator) forceClaim(ctx context.Context) error {
	token := uuid.NewString()
	if err := c.store.ForceClaimLease(ctx, c.instanceID, token, c.now()); err != nil {
		c.logger.Error("forced lease claim failed", slog.String("error", err.Error()))
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// tryClaim attempts one lease claim with a fresh token.
func (c *Coordinator) tryClaim(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	claimed, err := c.store.TryClaimLease(ctx, c.instanceID, token, c.now(), c.cfg.LeaseTimeout)
	if err != nil {
		return false, err
	}
	if claimed {
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
	}
	return claimed, nil
}

// runHeartbeat renews the lease every HeartbeatInterval. Transient storage
// errors are retried up to RenewalRetries times before giving up the lease;
// a rejected renewal (token mismatch) demotes without retrying because the
// lease is provably gone.
func (c *Coordinator) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()

		ok, err := c.store.RenewLease(ctx, token, c.now())
		switch {
		case err != nil:
			failures++
			c.logger.Warn("lease renewal error",
				slog.Int("consecutive_failures", failures),
				slog.String("error", err.Error()))
			if failures > c.cfg.RenewalRetries {
				c.logger.Error("renewal retry budget exhausted, demoting",
					slog.String("instance", c.instanceID))
				return
			}
		case !ok:
			staleErr := verrors.StaleRole("lease renewal rejected, another instance is primary")
			c.logger.Warn("demoting to reader", slog.String("error", staleErr.Error()))
			return
		default:
			failures = 0
		}
	}
}

// waitForStaleLease polls as READER until the lease is absent or stale, then
// returns true so the caller re-enters the claim race. Returns false on
// shutdown.
func (c *Coordinator) waitForStaleLease(ctx context.Context) bool {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		lease, err := c.store.GetLease(ctx)
		if err != nil {
			c.logger.Warn("lease check failed", slog.String("error", err.Error()))
			continue
		}
		if lease == nil || lease.Expired(c.now(), c.cfg.LeaseTimeout) {
			return true
		}
	}
}

// release gives up the lease on shutdown so the next instance promotes
// without waiting out the timeout.
func (c *Coordinator) release() {
	c.mu.Lock()
	token := c.token
	c.token = ""
	wasPrimary := c.state == StatePrimary
	c.state = StateUnclaimed
	c.mu.Unlock()

	if token == "" || !wasPrimary {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.ReleaseLease(ctx, token); err != nil {
		c.logger.Warn("lease release failed", slog.String("error", err.Error()))
	}
}

// setState transitions the state and fires promotion/demotion callbacks.
func (c *Coordinator) setState(ctx context.Context, next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev == next {
		return
	}

	c.logger.Info("coordination state changed",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.String("instance", c.instanceID))

	switch {
	case next == StatePrimary && c.OnPromote != nil:
		c.OnPromote(ctx)
	case prev == StatePrimary && c.OnDemote != nil:
		c.OnDemote(ctx)
	}
}

// sleep waits for d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
