package names

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/venarius/gridtalk/internal/observability"
)

const (
	// Lifetime of a placeholder entry; long enough to stop request storms,
	// short enough that a transient server failure heals quickly.
	tempEntryLifetime = time.Minute
	// Entries unrefreshed for longer than this are swept from memory.
	maxUnrefreshed = 20 * time.Minute
	// An in-flight request older than this is considered lost and retried.
	pendingTimeout = 5 * time.Minute
	// Minimum spacing between batch drains.
	minRequestInterval = 100 * time.Millisecond
	// Expiry applied when the response carries no cache-control hint.
	defaultEntryLifetime = time.Hour
)

// ResolveFunc receives a resolved (or placeholder) record. Each Resolve call
// fires its func exactly once.
type ResolveFunc func(id uuid.UUID, name Name)

// Batch is the outcome of one batched lookup.
type Batch struct {
	Found map[uuid.UUID]Name
	// Ids the server could not resolve; they get placeholder records.
	BadIDs []uuid.UUID
	// Record expiry from protocol cache-control hints; zero means default.
	Expires time.Time
}

// Resolver performs the network half of a batched lookup.
type Resolver interface {
	LookupNames(ctx context.Context, ids []uuid.UUID) (*Batch, error)
}

// Cache maps participant ids to name records. It owns its map exclusively;
// callers always receive copies.
type Cache struct {
	mu       sync.Mutex
	resolver Resolver
	log      zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	entries map[uuid.UUID]Name
	ask     map[uuid.UUID]struct{}
	pending map[uuid.UUID]time.Time
	waiters map[uuid.UUID][]ResolveFunc

	subs    map[int]ResolveFunc
	nextSub int

	outstanding    int
	maxOutstanding int
	maxBatch       int
	nextRequest    time.Time
	lastSweep      time.Time
}

type CacheOptions struct {
	// Maximum concurrent outstanding batch requests. Default 32.
	MaxOutstanding int
	// Maximum ids per batch request. Default 100.
	MaxBatch int
	// Clock override for tests.
	Now func() time.Time
}

func NewCache(resolver Resolver, log zerolog.Logger, metrics *observability.Metrics, opts CacheOptions) *Cache {
	if opts.MaxOutstanding <= 0 {
		opts.MaxOutstanding = 32
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		resolver:       resolver,
		log:            log.With().Str("component", "namecache").Logger(),
		metrics:        metrics,
		now:            opts.Now,
		entries:        make(map[uuid.UUID]Name),
		ask:            make(map[uuid.UUID]struct{}),
		pending:        make(map[uuid.UUID]time.Time),
		waiters:        make(map[uuid.UUID][]ResolveFunc),
		subs:           make(map[int]ResolveFunc),
		maxOutstanding: opts.MaxOutstanding,
		maxBatch:       opts.MaxBatch,
	}
}

// Lookup is the non-blocking synchronous check. A hit on an expired record
// still returns it and schedules a refresh. A miss returns a placeholder
// immediately and schedules a lookup, so callers never block on a label.
func (c *Cache) Lookup(id uuid.UUID) (Name, bool) {
	if id == uuid.Nil {
		return Name{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, ok := c.entries[id]; ok {
		if entry.expired(now) {
			c.askLocked(id, now)
			c.metrics.ObserveNameLookup("stale")
		} else {
			c.metrics.ObserveNameLookup("hit")
		}
		return entry, true
	}

	c.askLocked(id, now)
	c.metrics.ObserveNameLookup("miss")
	return buildPlaceholder("", now), false
}

// Resolve guarantees fn fires exactly once: synchronously on a fresh cached
// record, otherwise after the shared in-flight batch responds. Concurrent
// Resolve calls for one id ride the same request.
func (c *Cache) Resolve(id uuid.UUID, fn ResolveFunc) {
	if id == uuid.Nil {
		return
	}
	c.mu.Lock()
	now := c.now()
	if entry, ok := c.entries[id]; ok && !entry.expired(now) {
		c.mu.Unlock()
		fn(id, entry)
		return
	}

	c.askLocked(id, now)
	c.waiters[id] = append(c.waiters[id], fn)
	c.mu.Unlock()
}

// Insert pushes a record obtained by another path (e.g. piggy-backed on an
// unrelated payload) directly into cache, short-circuiting resolution for any
// waiters on that id.
func (c *Cache) Insert(id uuid.UUID, name Name) {
	if id == uuid.Nil {
		return
	}
	c.mu.Lock()
	now := c.now()
	if !name.Expires.After(now) {
		name.Expires = now.Add(defaultEntryLifetime)
	}
	fired := c.storeLocked(id, name)
	c.mu.Unlock()
	c.fire(fired)
}

// Erase drops a record. The next Lookup for the id misses and re-requests.
func (c *Cache) Erase(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.metrics.SetCachedNames(len(c.entries))
}

// OnResolved subscribes to every record landing in the cache, whatever
// triggered it. Returns an unsubscribe func.
func (c *Cache) OnResolved(fn ResolveFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Tick drains the ask queue into at most one batched request, rate limited to
// a few drains per second, and sweeps long-unrefreshed entries. Call it from
// the application tick loop.
func (c *Cache) Tick(ctx context.Context) {
	c.mu.Lock()
	now := c.now()

	if now.Before(c.nextRequest) {
		c.sweepLocked(now)
		c.mu.Unlock()
		return
	}

	var ids []uuid.UUID
	if len(c.ask) > 0 && c.outstanding < c.maxOutstanding && c.resolver != nil {
		ids = make([]uuid.UUID, 0, min(len(c.ask), c.maxBatch))
		for id := range c.ask {
			delete(c.ask, id)
			ids = append(ids, id)
			c.pending[id] = now
			if len(ids) >= c.maxBatch {
				break
			}
		}
		c.outstanding++
	}
	if len(c.ask) == 0 {
		c.nextRequest = now.Add(minRequestInterval)
	}
	c.sweepLocked(now)
	c.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	c.metrics.ObserveNameBatch(len(ids))
	go func() {
		batch, err := c.resolver.LookupNames(ctx, ids)
		c.apply(ids, batch, err)
	}()
}

// askLocked queues an id unless a request for it is already in flight.
func (c *Cache) askLocked(id uuid.UUID, now time.Time) {
	if at, ok := c.pending[id]; ok && now.Sub(at) < pendingTimeout {
		return
	}
	c.ask[id] = struct{}{}
}

type pendingFire struct {
	id   uuid.UUID
	name Name
	fns  []ResolveFunc
}

// storeLocked records a name and collects the callbacks to invoke once the
// lock is released. Waiters for the id are consumed; global subscribers
// always see the record, which is how placeholders get superseded without
// anyone re-subscribing.
func (c *Cache) storeLocked(id uuid.UUID, name Name) []pendingFire {
	c.entries[id] = name
	delete(c.pending, id)

	fns := c.waiters[id]
	delete(c.waiters, id)
	for _, sub := range c.subs {
		fns = append(fns, sub)
	}
	c.metrics.SetCachedNames(len(c.entries))
	if len(fns) == 0 {
		return nil
	}
	return []pendingFire{{id: id, name: name, fns: fns}}
}

func (c *Cache) fire(fires []pendingFire) {
	for _, f := range fires {
		for _, fn := range f.fns {
			fn(f.id, f.name)
		}
	}
}

func (c *Cache) apply(requested []uuid.UUID, batch *Batch, err error) {
	c.mu.Lock()
	c.outstanding--
	now := c.now()

	var fires []pendingFire
	if err != nil {
		c.log.Warn().Err(err).Int("ids", len(requested)).Msg("name batch failed")
		for _, id := range requested {
			fires = append(fires, c.failLocked(id, now)...)
		}
		c.mu.Unlock()
		c.fire(fires)
		return
	}

	expires := batch.Expires
	if expires.IsZero() {
		expires = now.Add(defaultEntryLifetime)
	}
	for id, name := range batch.Found {
		if name.DisplayName == "" {
			name.DisplayName = name.Username
		}
		name.IsTemporary = false
		name.Expires = expires
		fires = append(fires, c.storeLocked(id, name)...)
	}
	for _, id := range batch.BadIDs {
		c.log.Warn().Stringer("id", id).Msg("unresolved id")
		fires = append(fires, c.failLocked(id, now)...)
	}
	c.mu.Unlock()
	c.fire(fires)
}

// failLocked falls back for an id the server could not resolve. An existing
// record gets a short expiry bump so it is not re-requested in a loop, and
// anyone waiting on a refresh is answered with the stale record; a missing
// one becomes a placeholder that waiters are notified with.
func (c *Cache) failLocked(id uuid.UUID, now time.Time) []pendingFire {
	if entry, ok := c.entries[id]; ok {
		entry.Expires = now.Add(tempEntryLifetime)
		c.entries[id] = entry
		delete(c.pending, id)
		fns := c.waiters[id]
		delete(c.waiters, id)
		if len(fns) == 0 {
			return nil
		}
		return []pendingFire{{id: id, name: entry, fns: fns}}
	}
	return c.storeLocked(id, buildPlaceholder("", now))
}

// sweepLocked evicts entries that have not been refreshed for a long time and
// have nobody waiting on them. Runs at most once per sweep window.
func (c *Cache) sweepLocked(now time.Time) {
	if !c.lastSweep.IsZero() && now.Sub(c.lastSweep) < maxUnrefreshed {
		return
	}
	c.lastSweep = now
	cutoff := now.Add(-maxUnrefreshed)
	for id, entry := range c.entries {
		if entry.Expires.Before(cutoff) && len(c.waiters[id]) == 0 {
			delete(c.entries, id)
		}
	}
	c.metrics.SetCachedNames(len(c.entries))
	c.log.Debug().Int("cached", len(c.entries)).Msg("swept name cache")
}
