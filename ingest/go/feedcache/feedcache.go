// Package feedcache is the shared TTL cache in front of the remote
// scholarly services (OpenAlex, arXiv, Scholar author search). It layers
// a small in-process cache over the persisted cache rows, coalesces
// concurrent fetches for the same key, and enforces a per-service
// politeness gate: a process-local rate limiter plus a persisted cooldown
// that trips after consecutive blocked responses.
package feedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"go.scholarhound.org/scholarhound/go/metrics2"
	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// queryFingerprintVersion salts the key hash; bump it when the param
// normalization below changes so stale rows can never be read back.
const queryFingerprintVersion = "v1"

// CooldownError is returned fast, without sleeping, when the remote
// service is in its blocked-response cooldown.
type CooldownError struct {
	Service string
	Until   time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("service %s is cooling down until %s", e.Service, e.Until.Format(time.RFC3339))
}

// Options configure one service's cache.
type Options struct {
	// TTL for persisted entries. Zero or negative disables caching.
	TTL time.Duration
	// MaxEntries caps persisted rows per service; oldest are evicted.
	MaxEntries int
	// TTLJitter, when positive, extends each entry's TTL by a random amount
	// up to this duration so entries written together do not all expire at
	// once.
	TTLJitter time.Duration
	// LocalTTL bounds the in-process layer. Defaults to one minute.
	LocalTTL time.Duration
	// RatePerSec and Burst configure the politeness limiter.
	RatePerSec float64
	Burst      int
	// CooldownThreshold is how many consecutive blocked responses trip a
	// cooldown of the given duration.
	CooldownThreshold int
	Cooldown          time.Duration
}

// Cache is the per-service cache. Safe for concurrent use.
type Cache struct {
	service string
	opts    Options
	cache   store.CacheStore
	states  store.RuntimeStateStore
	local   *gocache.Cache
	group   singleflight.Group
	limiter *rate.Limiter
	hits    metrics2.Counter
	misses  metrics2.Counter
}

// New returns a Cache for the named remote service.
func New(service string, cs store.CacheStore, rs store.RuntimeStateStore, opts Options) *Cache {
	if opts.LocalTTL <= 0 {
		opts.LocalTTL = time.Minute
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	tags := map[string]string{"service": service}
	return &Cache{
		service: service,
		opts:    opts,
		cache:   cs,
		states:  rs,
		local:   gocache.New(opts.LocalTTL, 2*opts.LocalTTL),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		hits:    metrics2.GetCounter("feedcache_hit", tags),
		misses:  metrics2.GetCounter("feedcache_miss", tags),
	}
}

// BuildQueryFingerprint hashes a canonical JSON of the normalized params.
// search_query and id_list are lowercased and whitespace-collapsed,
// id_list additionally sorted and comma-joined; other strings are
// whitespace-normalized; numbers, bools, and nil pass through.
func BuildQueryFingerprint(params map[string]interface{}) string {
	normalized := make(map[string]interface{}, len(params))
	for k, v := range params {
		normalized[k] = normalizeParam(k, v)
	}
	// json.Marshal sorts map keys, which makes the encoding canonical.
	b, err := json.Marshal(normalized)
	if err != nil {
		// Params are plain strings and numbers in practice; treat anything
		// else as its string form.
		b = []byte(fmt.Sprintf("%v", normalized))
	}
	sum := sha256.Sum256([]byte(queryFingerprintVersion + ":" + string(b)))
	return hex.EncodeToString(sum[:])
}

func normalizeParam(key string, v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		collapsed := strings.Join(strings.Fields(val), " ")
		if key == "search_query" || key == "id_list" {
			collapsed = strings.ToLower(collapsed)
		}
		if key == "id_list" {
			ids := strings.FieldsFunc(collapsed, func(r rune) bool { return r == ',' || r == ' ' })
			sort.Strings(ids)
			return strings.Join(ids, ",")
		}
		return collapsed
	case []string:
		ids := make([]string, 0, len(val))
		for _, id := range val {
			ids = append(ids, strings.ToLower(strings.Join(strings.Fields(id), " ")))
		}
		sort.Strings(ids)
		return strings.Join(ids, ",")
	default:
		return v
	}
}

// Get returns the cached payload for the key, or ok=false. Expired rows
// are deleted inline.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if v, ok := c.local.Get(key); ok {
		c.hits.Inc(1)
		return v.(json.RawMessage), true, nil
	}
	feed, err := c.cache.GetFeed(ctx, c.service, key)
	if err != nil {
		return nil, false, skerr.Wrap(err)
	}
	if feed == nil {
		c.misses.Inc(1)
		return nil, false, nil
	}
	if !feed.ExpiresAt.After(now.Now(ctx)) {
		c.misses.Inc(1)
		if err := c.cache.DeleteFeed(ctx, c.service, key); err != nil {
			return nil, false, skerr.Wrap(err)
		}
		return nil, false, nil
	}
	c.hits.Inc(1)
	c.local.SetDefault(key, feed.Payload)
	return feed.Payload, true, nil
}

// Set stores the payload under the key. A non-positive TTL deletes any
// existing entry instead. After an upsert the service's rows are pruned
// to MaxEntries by age.
func (c *Cache) Set(ctx context.Context, key string, payload json.RawMessage) error {
	if c.opts.TTL <= 0 {
		c.local.Delete(key)
		return skerr.Wrap(c.cache.DeleteFeed(ctx, c.service, key))
	}
	ttl := c.opts.TTL
	if c.opts.TTLJitter > 0 {
		ttl += time.Duration(rand.Int63n(int64(c.opts.TTLJitter)))
	}
	ts := now.Now(ctx)
	feed := &types.CachedFeed{
		Service:   c.service,
		QueryKey:  key,
		Payload:   payload,
		CachedAt:  ts,
		ExpiresAt: ts.Add(ttl),
	}
	if err := c.cache.UpsertFeed(ctx, feed); err != nil {
		return skerr.Wrap(err)
	}
	c.local.SetDefault(key, payload)
	if c.opts.MaxEntries > 0 {
		if err := c.cache.PruneToMax(ctx, c.service, c.opts.MaxEntries); err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}

// GetOrFetch returns the cached payload, or runs fetch exactly once per
// key across concurrent callers and caches its result. The politeness
// gate runs inside the single flight, so coalesced callers consume one
// rate-limiter slot.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if payload, ok, err := c.Get(ctx, key); err != nil {
		return nil, skerr.Wrap(err)
	} else if ok {
		return payload, nil
	}
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Re-check: a previous flight may have filled the cache while we
		// waited on the group lock.
		if payload, ok, err := c.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return payload, nil
		}
		if err := c.Await(ctx); err != nil {
			return nil, err
		}
		payload, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if shared {
		sklog.Debugf("Coalesced %s fetch for key %s.", c.service, key)
	}
	return v.(json.RawMessage), nil
}

// Await blocks on the politeness limiter, but fails fast with a
// CooldownError when the service cooldown is active.
func (c *Cache) Await(ctx context.Context) error {
	active, until, err := c.CooldownActive(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	if active {
		return &CooldownError{Service: c.service, Until: until}
	}
	return skerr.Wrap(c.limiter.Wait(ctx))
}

// CooldownActive reports whether the persisted service cooldown extends
// past now.
func (c *Cache) CooldownActive(ctx context.Context) (bool, time.Time, error) {
	st, err := c.states.GetState(ctx, c.service)
	if err != nil {
		return false, time.Time{}, skerr.Wrap(err)
	}
	if st == nil || st.CooldownUntil == nil {
		return false, time.Time{}, nil
	}
	if !st.CooldownUntil.After(now.Now(ctx)) {
		return false, time.Time{}, nil
	}
	return true, *st.CooldownUntil, nil
}

// NoteBlocked records a blocked response from the service. Crossing the
// threshold of consecutive blocks starts the persisted cooldown.
func (c *Cache) NoteBlocked(ctx context.Context) error {
	st, err := c.states.GetState(ctx, c.service)
	if err != nil {
		return skerr.Wrap(err)
	}
	if st == nil {
		st = &types.RuntimeState{StateKey: c.service}
	}
	st.ConsecutiveBlocked++
	if c.opts.CooldownThreshold > 0 && st.ConsecutiveBlocked >= c.opts.CooldownThreshold && c.opts.Cooldown > 0 {
		until := now.Now(ctx).Add(c.opts.Cooldown)
		st.CooldownUntil = &until
		sklog.Warningf("Service %s blocked %d times in a row; cooling down until %s.", c.service, st.ConsecutiveBlocked, until.Format(time.RFC3339))
	}
	return skerr.Wrap(c.states.UpsertState(ctx, st))
}

// NoteOK records a successful response, resetting the consecutive-blocked
// counter and clearing an expired cooldown.
func (c *Cache) NoteOK(ctx context.Context) error {
	st, err := c.states.GetState(ctx, c.service)
	if err != nil {
		return skerr.Wrap(err)
	}
	if st == nil {
		return nil
	}
	changed := false
	if st.ConsecutiveBlocked != 0 {
		st.ConsecutiveBlocked = 0
		changed = true
	}
	if st.CooldownUntil != nil && !st.CooldownUntil.After(now.Now(ctx)) {
		st.CooldownUntil = nil
		changed = true
	}
	if !changed {
		return nil
	}
	return skerr.Wrap(c.states.UpsertState(ctx, st))
}
