// Package cache implements the TTL-aware response cache: a key of (qname, qtype, qclass) maps to
// a previously filtered upstream response. Reads decrement every record's TTL by elapsed time and
// evict the entry once it has expired; inserts cache NXDOMAIN under a fixed negative TTL and
// otherwise use the minimum TTL across the whole message.
//
// Entry shape and the read-time TTL-decrement-or-evict loop are grounded in
// folbricht/routedns's memoryBackend.Lookup. Eviction policy diverges from that source: instead of
// a pure LRU-by-recency list, this cache sweeps expired entries every EvictionBatchSize inserts
// and after any insert that leaves it at or above capacity, and, if still at or over capacity,
// evicts the oldest 10% by creation time.
package cache

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dnsflatten/dnsflatten/internal/dnslog"
)

const (
	// NegativeTTL is the fixed lifetime of a cached NXDOMAIN response, regardless of whatever
	// TTL the upstream's authority section carried.
	NegativeTTL = 30 * time.Second

	// DefaultMaxEntries bounds the cache size; once a sweep still leaves the cache at or above
	// this many entries, the oldest 10% by creation time are evicted.
	DefaultMaxEntries = 10000

	// EvictionBatchSize is how many inserts occur between expired-entry sweeps.
	EvictionBatchSize = 100

	// memoWindow is how long a TTL-decremented clone may be reused before being recomputed.
	memoWindow = time.Second
)

type entry struct {
	mu       sync.Mutex // guards memo/memoAt, independent of the cache-wide map lock
	msg      *dns.Msg   // filtered response as received from upstream, TTLs as-stored
	created  time.Time
	ttl      time.Duration // original TTL at insertion; expiration = created + ttl
	memo     *dns.Msg
	memoAt   time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.created.Add(e.ttl))
}

// decremented returns a clone of the stored message with every record's TTL reduced by the time
// spent in the cache, floored at zero. The result is memoized for up to memoWindow.
func (e *entry) decremented(now time.Time) *dns.Msg {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.memo != nil && now.Sub(e.memoAt) < memoWindow {
		return e.memo.Copy()
	}

	age := uint32(now.Sub(e.created).Seconds())
	out := e.msg.Copy()
	for _, rrset := range [][]dns.RR{out.Answer, out.Ns, out.Extra} {
		for _, rr := range rrset {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}
			h := rr.Header()
			if age >= h.Ttl {
				h.Ttl = 0
			} else {
				h.Ttl -= age
			}
		}
	}

	e.memo = out
	e.memoAt = now

	return out.Copy()
}

// Cache is a concurrency-safe TTL cache of filtered DNS responses.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	maxEntries int
	inserts    atomic.Uint64

	hits, misses, evictions atomic.Uint64
}

// New constructs an empty cache bounded at maxEntries (DefaultMaxEntries if zero or negative).
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
	}
}

// key canonicalizes a question into a case-insensitive lookup key.
func key(name string, qtype, qclass uint16) string {
	return strings.ToLower(name) + "|" + strconv.Itoa(int(qtype)) + "|" + strconv.Itoa(int(qclass))
}

// Get looks up the response cached for query's question. The returned message has its ID set to
// the caller's query ID and every record's TTL decremented for time spent in the cache. ok is
// false on a miss, including when a stored entry is found but has expired.
func (c *Cache) Get(query *dns.Msg) (msg *dns.Msg, ok bool) {
	if len(query.Question) == 0 {
		return nil, false
	}
	q := query.Question[0]
	k := key(q.Name, q.Qtype, q.Qclass)

	c.mu.RLock()
	e, found := c.entries[k]
	c.mu.RUnlock()
	if !found {
		c.misses.Add(1)
		return nil, false
	}

	now := time.Now()
	if e.expired(now) {
		c.mu.Lock()
		delete(c.entries, k)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	out := e.decremented(now)
	out.Id = query.Id
	c.hits.Add(1)

	return out, true
}

// Put inserts response (already filtered) under query's question. NXDOMAIN responses are stored
// under NegativeTTL; other responses use the minimum TTL across Answer/Ns/Extra, and are not
// cached at all if that minimum is zero or no records are present.
func (c *Cache) Put(query, response *dns.Msg) {
	if len(query.Question) == 0 {
		return
	}
	q := query.Question[0]

	var ttl time.Duration
	if response.Rcode == dns.RcodeNameError {
		ttl = NegativeTTL
	} else {
		min, any := minTTL(response)
		if !any || min == 0 {
			return
		}
		ttl = time.Duration(min) * time.Second
	}

	k := key(q.Name, q.Qtype, q.Qclass)
	e := &entry{
		msg:     response.Copy(),
		created: time.Now(),
		ttl:     ttl,
	}

	c.mu.Lock()
	c.entries[k] = e
	c.mu.Unlock()

	if c.inserts.Add(1)%EvictionBatchSize == 0 || c.Size() >= c.maxEntries {
		c.sweep()
	}
}

// minTTL returns the smallest TTL across every non-OPT record in the message, and whether any
// such record was present.
func minTTL(m *dns.Msg) (ttl uint32, any bool) {
	ttl = ^uint32(0)
	for _, rrset := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range rrset {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}
			any = true
			if h := rr.Header(); h.Ttl < ttl {
				ttl = h.Ttl
			}
		}
	}
	if !any {
		return 0, false
	}
	return ttl, true
}

// sweep removes expired entries, then - if the cache is still at or over capacity - evicts the
// oldest 10% of remaining entries by creation time.
func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	over := len(c.entries) >= c.maxEntries
	c.mu.Unlock()

	if removed > 0 {
		c.evictions.Add(uint64(removed))
	}
	if !over {
		return
	}

	c.evictOldestTenPercent()
}

func (c *Cache) evictOldestTenPercent() {
	type keyed struct {
		k       string
		created time.Time
	}

	c.mu.Lock()
	all := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, keyed{k, e.created})
	}
	n := len(all) / 10
	if n == 0 && len(all) > 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		oldest := 0
		for j := 1; j < len(all); j++ {
			if all[j].created.Before(all[oldest].created) {
				oldest = j
			}
		}
		delete(c.entries, all[oldest].k)
		all[oldest] = all[len(all)-1]
		all = all[:len(all)-1]
	}
	c.mu.Unlock()

	if n > 0 {
		c.evictions.Add(uint64(n))
		dnslog.Log.WithFields(logrus.Fields{"evicted": n}).Debug("cache over capacity, evicted oldest entries")
	}
}

// Size returns the current number of cached entries, including any not yet swept for expiry.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Name implements reporter.Reporter.
func (c *Cache) Name() string {
	return "Cache"
}

// Report implements reporter.Reporter.
func (c *Cache) Report(resetCounters bool) string {
	hits := c.hits.Load()
	misses := c.misses.Load()
	evictions := c.evictions.Load()
	s := fmt.Sprintf("size=%d hits=%d misses=%d evictions=%d", c.Size(), hits, misses, evictions)
	if resetCounters {
		c.hits.Store(0)
		c.misses.Store(0)
		c.evictions.Store(0)
	}
	return s
}
