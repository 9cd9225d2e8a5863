package autopilot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"perp-risk-agent/internal/events"
	"perp-risk-agent/internal/metrics"
)

const (
	// DefaultLeaseKey holds the token of the active instance.
	DefaultLeaseKey = "perp:active"

	// DefaultLeaseTTL is how long a lease survives without renewal.
	DefaultLeaseTTL = 30 * time.Second
)

// Extends the TTL only when the caller still owns the key.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// Deletes the key only when the caller still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// LeaseChecker reports whether this process is the active instance.
type LeaseChecker interface {
	Held() bool
}

// AlwaysHeld is used when no Redis is configured: a single instance is
// always active.
type AlwaysHeld struct{}

func (AlwaysHeld) Held() bool { return true }

// LeaseConfig configures the Redis lease.
type LeaseConfig struct {
	Key           string
	InstanceID    string
	TTL           time.Duration
	RenewInterval time.Duration // defaults to TTL/3
}

// Lease is an active/standby lock in Redis. The holder writes a random
// token with a TTL and keeps extending it; the lock is only extended or
// deleted by the instance whose token it holds.
type Lease struct {
	redis  redis.Cmdable
	cfg    LeaseConfig
	token  string
	logger zerolog.Logger
	now    func() time.Time
	bus    *events.EventBus

	// heldUntil is the unix ms up to which the last successful acquire or
	// renewal guarantees ownership. Zero when not held.
	heldUntil atomic.Int64
}

// NewLease creates a lease. It does not contact Redis.
func NewLease(client redis.Cmdable, cfg LeaseConfig, logger zerolog.Logger) *Lease {
	if cfg.Key == "" {
		cfg.Key = DefaultLeaseKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLeaseTTL
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.TTL {
		cfg.RenewInterval = cfg.TTL / 3
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = os.Getenv("INSTANCE_ID")
		if cfg.InstanceID == "" {
			cfg.InstanceID = "unknown"
		}
	}
	return &Lease{
		redis:  client,
		cfg:    cfg,
		token:  cfg.InstanceID + ":" + uuid.NewString(),
		logger: logger.With().Str("component", "InstanceLease").Str("instance", cfg.InstanceID).Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the clock used for expiry bookkeeping.
func (l *Lease) SetClock(now func() time.Time) { l.now = now }

// SetEventBus publishes ownership changes on bus.
func (l *Lease) SetEventBus(bus *events.EventBus) { l.bus = bus }

// Token returns the value this instance writes under the lease key.
func (l *Lease) Token() string { return l.token }

// Held reports whether the lease is held and not past its last confirmed TTL.
func (l *Lease) Held() bool {
	until := l.heldUntil.Load()
	return until > 0 && l.now().UnixMilli() < until
}

// TryAcquire claims the lease if it is free, or extends it if this
// instance already owns it. The bool reports ownership after the call.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	start := l.now()
	wasHeld := l.Held()

	ok, err := l.redis.SetNX(ctx, l.cfg.Key, l.token, l.cfg.TTL).Result()
	if err != nil {
		return l.Held(), fmt.Errorf("acquire lease %s: %w", l.cfg.Key, err)
	}
	if !ok {
		// Key exists: either ours (extend) or another instance's.
		n, err := l.redis.Eval(ctx, extendScript, []string{l.cfg.Key}, l.token, l.cfg.TTL.Milliseconds()).Int64()
		if err != nil {
			return l.Held(), fmt.Errorf("extend lease %s: %w", l.cfg.Key, err)
		}
		ok = n == 1
	}

	if ok {
		l.heldUntil.Store(start.Add(l.cfg.TTL).UnixMilli())
		metrics.LeaseHeld.Set(1)
		if !wasHeld {
			l.logger.Info().Dur("ttl", l.cfg.TTL).Msg("Instance lease acquired, running as ACTIVE")
			l.bus.PublishLeaseChanged(l.cfg.InstanceID, true)
		}
		return true, nil
	}

	l.heldUntil.Store(0)
	metrics.LeaseHeld.Set(0)
	if wasHeld {
		l.logger.Warn().Msg("Instance lease lost, running as STANDBY")
		l.bus.PublishLeaseChanged(l.cfg.InstanceID, false)
	}
	return false, nil
}

// Release deletes the key if this instance still owns it.
func (l *Lease) Release(ctx context.Context) error {
	l.heldUntil.Store(0)
	metrics.LeaseHeld.Set(0)

	n, err := l.redis.Eval(ctx, releaseScript, []string{l.cfg.Key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.cfg.Key, err)
	}
	if n == 1 {
		l.logger.Info().Msg("Instance lease released")
	}
	return nil
}

// Holder returns the token currently stored under the key, or "" if free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	v, err := l.redis.Get(ctx, l.cfg.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

// Run keeps trying to acquire or renew until ctx is done, then releases.
func (l *Lease) Run(ctx context.Context) error {
	l.renew(ctx)

	ticker := time.NewTicker(l.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.Release(releaseCtx); err != nil {
				l.logger.Warn().Err(err).Msg("Failed to release instance lease")
			}
			return nil
		case <-ticker.C:
			l.renew(ctx)
		}
	}
}

func (l *Lease) renew(ctx context.Context) {
	if _, err := l.TryAcquire(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn().Err(err).Bool("held", l.Held()).Msg("Instance lease renewal failed")
	}
}
