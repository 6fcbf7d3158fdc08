package cache

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"tpsl_engine/internal/core"
	"tpsl_engine/pkg/telemetry"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// DefaultTTL bounds how old a snapshot may be for ordinary reads.
	DefaultTTL = 15 * time.Second
	// DefaultExecutionTTL replaces DefaultTTL for the acting account while
	// a trade is being placed.
	DefaultExecutionTTL = 5 * time.Second

	// criticalMaxAge is the freshness bound for critical monitors. It also
	// serves as the refresh guard: a refresh that completed less than this
	// ago is reused instead of hitting the venue again.
	criticalMaxAge = 2 * time.Second

	// Extended TTL band applied while the scheduler reports overload. The
	// exact value is resampled per refresh so the two accounts do not
	// refresh in lockstep.
	loadTTLMin    = 60 * time.Second
	loadTTLSpread = 30 * time.Second

	// staleServeLimit is the oldest snapshot still worth returning when a
	// refresh fails. Beyond this the error surfaces to the caller.
	staleServeLimit = 5 * time.Minute
)

// Snapshot is one consistent view of an account: all positions and all open
// orders fetched by the same refresh. Slices are shared between callers and
// must be treated as read-only.
type Snapshot struct {
	Positions []core.Position
	Orders    []core.Order
	Taken     time.Time
}

// PositionFor returns the position row for (symbol, side). A flat row comes
// back from the venue with an empty side, so it matches either side when no
// sided row exists. ok=false means the venue reported no row at all.
func (s Snapshot) PositionFor(symbol string, side core.Side) (core.Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.Side == side {
			return p, true
		}
	}
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.Side == "" && p.Size.IsZero() {
			return p, true
		}
	}
	return core.Position{}, false
}

// OrdersFor returns the open orders for symbol in venue order.
func (s Snapshot) OrdersFor(symbol string) []core.Order {
	var out []core.Order
	for _, o := range s.Orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// Age reports how old the snapshot is at the given instant.
func (s Snapshot) Age(now time.Time) time.Duration {
	if s.Taken.IsZero() {
		return 0
	}
	return now.Sub(s.Taken)
}

// Options configures an AccountCache.
type Options struct {
	Client       core.IExchangeClient
	DefaultTTL   time.Duration
	ExecutionTTL time.Duration
	Logger       core.ILogger
	Clock        core.Clock
}

// AccountCache holds the latest snapshot for one account. Monitor passes
// read through it instead of calling the venue, so request rates stay
// bounded no matter how many monitors are active.
type AccountCache struct {
	client core.IExchangeClient
	logger core.ILogger
	clock  core.Clock

	defaultTTL   time.Duration
	executionTTL time.Duration

	limiter *rate.Limiter
	flight  singleflight.Group

	mu      sync.RWMutex
	snap    Snapshot
	loadTTL time.Duration

	executionMode atomic.Bool
	underLoad     atomic.Bool
}

// NewAccountCache creates a cache in front of the given exchange client.
func NewAccountCache(opts Options) *AccountCache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.ExecutionTTL <= 0 {
		opts.ExecutionTTL = DefaultExecutionTTL
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	return &AccountCache{
		client:       opts.Client,
		logger:       opts.Logger.WithField("component", "cache").WithField("account", string(opts.Client.Account())),
		clock:        opts.Clock,
		defaultTTL:   opts.DefaultTTL,
		executionTTL: opts.ExecutionTTL,
		limiter:      rate.NewLimiter(rate.Limit(2), 2), // 2 refreshes/sec with burst of 2
		loadTTL:      loadTTLMin + time.Duration(rand.Int63n(int64(loadTTLSpread))),
	}
}

// Account returns the account this cache serves.
func (c *AccountCache) Account() core.Account {
	return c.client.Account()
}

// Snapshot returns a view no older than the effective TTL, refreshing from
// the venue when needed. critical shrinks the freshness bound to
// criticalMaxAge regardless of mode. Refresh errors are hidden while a
// recent snapshot exists; otherwise they surface.
func (c *AccountCache) Snapshot(ctx context.Context, critical bool) (Snapshot, error) {
	maxAge := c.ttl(critical)

	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	now := c.clock.Now()
	if !snap.Taken.IsZero() && snap.Age(now) <= maxAge {
		telemetry.GetGlobalMetrics().RecordCacheLookup(ctx, c.account(), "hit")
		return snap, nil
	}

	result := "miss"
	if critical && !snap.Taken.IsZero() && snap.Age(now) <= c.ttl(false) {
		result = "bypass"
	}
	telemetry.GetGlobalMetrics().RecordCacheLookup(ctx, c.account(), result)

	return c.refresh(ctx)
}

// Peek returns the current snapshot without refreshing, ok=false when no
// refresh has completed yet. Urgency classification reads mark prices this
// way so a scheduler tick never triggers venue I/O.
func (c *AccountCache) Peek() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, !c.snap.Taken.IsZero()
}

// LastRefresh returns when the snapshot was last rebuilt, zero if never.
func (c *AccountCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Taken
}

// SetExecutionMode switches between the default and execution TTLs.
func (c *AccountCache) SetExecutionMode(on bool) {
	if c.executionMode.Swap(on) != on {
		c.logger.Info("Cache execution mode changed", "enabled", on)
	}
}

// SetUnderLoad extends the TTL for non-critical reads while the scheduler
// reports too many critical monitors. Critical reads are unaffected.
func (c *AccountCache) SetUnderLoad(on bool) {
	if c.underLoad.Swap(on) != on {
		c.logger.Info("Cache extended TTL changed", "enabled", on)
	}
}

func (c *AccountCache) ttl(critical bool) time.Duration {
	if critical {
		return criticalMaxAge
	}
	if c.executionMode.Load() {
		return c.executionTTL
	}
	if c.underLoad.Load() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.loadTTL
	}
	return c.defaultTTL
}

// refresh fetches positions and orders together and installs them as one
// snapshot. Concurrent callers share a single fetch.
func (c *AccountCache) refresh(ctx context.Context) (Snapshot, error) {
	v, err, _ := c.flight.Do("refresh", func() (interface{}, error) {
		c.mu.RLock()
		snap := c.snap
		c.mu.RUnlock()
		if !snap.Taken.IsZero() && snap.Age(c.clock.Now()) < criticalMaxAge {
			// A refresh completed moments ago; reuse it.
			return snap, nil
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		fresh, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.install(fresh)
		telemetry.GetGlobalMetrics().RecordCacheRefresh(ctx, c.account())
		return fresh, nil
	})
	if err != nil {
		return c.serveStale(err)
	}
	return v.(Snapshot), nil
}

func (c *AccountCache) fetch(ctx context.Context) (Snapshot, error) {
	var (
		positions []core.Position
		orders    []core.Order
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		positions, err = c.client.GetAllPositions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		orders, err = c.client.GetAllOpenOrders(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Positions: positions, Orders: orders, Taken: c.clock.Now()}, nil
}

func (c *AccountCache) install(snap Snapshot) {
	c.mu.Lock()
	c.snap = snap
	if c.underLoad.Load() {
		c.loadTTL = loadTTLMin + time.Duration(rand.Int63n(int64(loadTTLSpread)))
	}
	c.mu.Unlock()
}

// serveStale falls back to the previous snapshot when a refresh fails. A
// monitor pass on unchanged data takes no action, so stale beats failing
// the pass, up to staleServeLimit.
func (c *AccountCache) serveStale(refreshErr error) (Snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	if snap.Taken.IsZero() || snap.Age(c.clock.Now()) > staleServeLimit {
		return Snapshot{}, refreshErr
	}
	c.logger.Warn("Serving stale snapshot after refresh failure",
		"age", snap.Age(c.clock.Now()).String(),
		"error", refreshErr)
	return snap, nil
}

func (c *AccountCache) account() string {
	return string(c.client.Account())
}
