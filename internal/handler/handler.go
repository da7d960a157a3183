// Package handler orchestrates a single query through cache lookup, upstream resolution, response
// flattening and cache insertion, and applies the UDP truncation rule.
//
// The orchestration shape - resolve, decide on truncation, return, track stats - follows the
// same ServeDNS-style pipeline a DNS proxy's request handler normally follows. It is generalized
// here to "cache, then the upstream resolver, then the per-type filter", and the truncation rule
// is the harder one: a minimal {id, QR=1, TC=1, question} reply rather than a best-effort partial
// answer.
package handler

import (
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dnsflatten/dnsflatten/internal/dnslog"
	"github.com/dnsflatten/dnsflatten/internal/filter"
	"github.com/dnsflatten/dnsflatten/internal/wire"
)

// Resolver is the seam the handler calls for a cache miss. *upstream.Resolver satisfies this.
type Resolver interface {
	Resolve(query *dns.Msg) (*dns.Msg, error)
}

// Cache is the seam the handler uses for cache lookups and inserts. *cache.Cache satisfies this.
type Cache interface {
	Get(query *dns.Msg) (*dns.Msg, bool)
	Put(query, response *dns.Msg)
}

const ( // failure index into failureCounters
	failNoQuestion = iota
	failResolve
	failArraySize
)

type stats struct {
	hits            int
	misses          int
	totalLatency    time.Duration
	failureCounters [failArraySize]int
}

// Handler ties the cache, the upstream resolver, and the filter together. A nil Cache is
// legitimate and simply disables caching (mirrors Configuration.Cache=false).
type Handler struct {
	Cache    Cache
	Resolver Resolver

	mu sync.Mutex
	stats
}

// New constructs a Handler. cache may be nil to disable caching.
func New(cache Cache, resolver Resolver) *Handler {
	return &Handler{Cache: cache, Resolver: resolver}
}

// Handle processes one query and returns the response to send back. maxResponseSize bounds the
// serialized response (512 for UDP per RFC1035; 0 means unbounded, as on a TCP connection). The
// caller is responsible for parsing the raw query into query and for dropping the packet entirely
// on parse failure - Handle assumes query is a validly-parsed DNS message with a header, even if
// its question section is empty.
func (h *Handler) Handle(query *dns.Msg, maxResponseSize int) *dns.Msg {
	start := time.Now()

	if _, ok := wire.Question(query); !ok {
		h.recordFailure(failNoQuestion)
		return wire.ServFail(query)
	}

	if h.Cache != nil {
		if cached, hit := h.Cache.Get(query); hit {
			h.recordHit(time.Since(start))
			return h.finish(query, cached, maxResponseSize)
		}
	}

	resp, err := h.Resolver.Resolve(query)
	if err != nil {
		h.recordFailure(failResolve)
		dnslog.Log.WithFields(logrus.Fields{"qname": wire.QName(query), "error": err}).
			Error("handler: upstream resolution failed")
		return wire.ServFail(query)
	}

	filtered := filter.Collapse(resp)
	if h.Cache != nil {
		h.Cache.Put(query, filtered)
	}

	h.recordMiss(time.Since(start))

	return h.finish(query, filtered, maxResponseSize)
}

// finish rewrites the response ID to the client's and applies the UDP truncation rule.
func (h *Handler) finish(query, resp *dns.Msg, maxResponseSize int) *dns.Msg {
	resp = resp.Copy()
	resp.Id = query.Id

	if maxResponseSize > 0 && !wire.FitsIn(resp, maxResponseSize) {
		return wire.Truncated(query)
	}

	return resp
}

func (h *Handler) recordHit(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits++
	h.totalLatency += latency
}

func (h *Handler) recordMiss(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.misses++
	h.totalLatency += latency
}

func (h *Handler) recordFailure(ix int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failureCounters[ix]++
}

// Name implements reporter.Reporter.
func (h *Handler) Name() string {
	return "Handler"
}

// Report implements reporter.Reporter.
func (h *Handler) Report(resetCounters bool) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	req := h.hits + h.misses
	var avgLatency float64
	if req > 0 {
		avgLatency = h.totalLatency.Seconds() / float64(req)
	}
	s := fmt.Sprintf("req=%d hits=%d misses=%d al=%0.3f errs=%d/%d",
		req, h.hits, h.misses, avgLatency, h.failureCounters[failNoQuestion], h.failureCounters[failResolve])

	if resetCounters {
		h.stats = stats{}
	}

	return s
}
