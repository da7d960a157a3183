// Package upstream implements the sequential, two-tier upstream resolver: every query walks the
// primary server list in order, falling back to the fallback list only once the primary tier is
// fully exhausted. There is no racing and no latency-based server ranking - the same deterministic
// order is used on every query.
//
// The per-server exchange (UDP send, TC=1 detection, TCP retry) follows the usual
// exchanger-over-a-DNS-client seam used for testable upstream resolution. The sequential walk
// itself follows a fail-rotate style group, simplified to a stateless always-start-from-primary
// order since this daemon must not stick to a previously failed-over server the way a
// fail-back group would.
package upstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dnsflatten/dnsflatten/internal/dnslog"
)

const me = "upstream"

// Exchanger is the seam between the resolver and the wire transport, mocked in tests to avoid
// touching a real network. A *dns.Client satisfies it directly.
type Exchanger interface {
	Exchange(query *dns.Msg, server string) (*dns.Msg, time.Duration, error)
}

// NewExchangerFunc constructs an Exchanger for a given network ("udp" or "tcp"). Tests override
// this to return a mock; production uses newDNSClient.
type NewExchangerFunc func(network string) Exchanger

func newDNSClient(network string) Exchanger {
	return &dns.Client{Net: network, Timeout: 2 * time.Second}
}

type tierStats struct {
	success  int
	failures int
}

// Resolver walks a primary server tier, then a fallback tier, returning the first usable
// response. "Usable" means a reply was received at all - a valid NXDOMAIN/SERVFAIL/REFUSED rcode
// is success from the resolver's point of view, since deciding whether to cache or retry those is
// the handler's job, not the resolver's.
type Resolver struct {
	Primary      []string
	Fallback     []string
	NewExchanger NewExchangerFunc

	mu            sync.Mutex
	primaryStats  tierStats
	fallbackStats tierStats
}

// New constructs a Resolver over the given primary and fallback server lists (each "host:port").
func New(primary, fallback []string) *Resolver {
	return &Resolver{Primary: primary, Fallback: fallback, NewExchanger: newDNSClient}
}

// Resolve walks the primary tier, then the fallback tier, and returns the first response obtained
// from any server. An error is returned only once both tiers are exhausted without a usable reply.
func (r *Resolver) Resolve(query *dns.Msg) (*dns.Msg, error) {
	exchanger := r.NewExchanger
	if exchanger == nil {
		exchanger = newDNSClient
	}

	if resp, ok := r.walk(query, r.Primary, exchanger, &r.primaryStats); ok {
		return resp, nil
	}

	if len(r.Fallback) > 0 {
		dnslog.Log.WithFields(logrus.Fields{"qname": qname(query)}).
			Warn(me + ": primary DNS servers exhausted, trying fallback")
	}

	if resp, ok := r.walk(query, r.Fallback, exchanger, &r.fallbackStats); ok {
		return resp, nil
	}

	return nil, fmt.Errorf("%s: all primary and fallback servers failed for %q", me, qname(query))
}

func (r *Resolver) walk(query *dns.Msg, servers []string, newExchanger NewExchangerFunc, stats *tierStats) (*dns.Msg, bool) {
	if len(servers) == 0 {
		return nil, false
	}

	udp := newExchanger("udp")
	for _, server := range servers {
		resp, _, err := udp.Exchange(query, server)
		if err != nil {
			r.recordFailure(stats)
			dnslog.Log.WithFields(logrus.Fields{"server": server, "error": err}).
				Debug(me + ": udp exchange failed, trying next server")
			continue
		}

		if resp.Truncated {
			tcp := newExchanger("tcp")
			tcpResp, _, tcpErr := tcp.Exchange(query, server)
			if tcpErr != nil {
				r.recordFailure(stats)
				dnslog.Log.WithFields(logrus.Fields{"server": server, "error": tcpErr}).
					Debug(me + ": tcp retry after TC=1 failed, trying next server")
				continue
			}
			resp = tcpResp
		}

		r.recordSuccess(stats)
		return resp, true
	}

	return nil, false
}

func (r *Resolver) recordSuccess(stats *tierStats) {
	r.mu.Lock()
	stats.success++
	r.mu.Unlock()
}

func (r *Resolver) recordFailure(stats *tierStats) {
	r.mu.Lock()
	stats.failures++
	r.mu.Unlock()
}

func qname(m *dns.Msg) string {
	if len(m.Question) == 0 {
		return ""
	}
	return m.Question[0].Name
}

// Name implements reporter.Reporter.
func (r *Resolver) Name() string {
	return "Upstream Resolver"
}

// Report implements reporter.Reporter.
func (r *Resolver) Report(resetCounters bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := fmt.Sprintf("primary(ok=%d fail=%d) fallback(ok=%d fail=%d)",
		r.primaryStats.success, r.primaryStats.failures,
		r.fallbackStats.success, r.fallbackStats.failures)
	if resetCounters {
		r.primaryStats = tierStats{}
		r.fallbackStats = tierStats{}
	}
	return s
}
