package handler

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
)

type stubCache struct {
	get       *dns.Msg
	hit       bool
	putCalled bool
	putResp   *dns.Msg
}

func (c *stubCache) Get(query *dns.Msg) (*dns.Msg, bool) {
	return c.get, c.hit
}

func (c *stubCache) Put(query, response *dns.Msg) {
	c.putCalled = true
	c.putResp = response
}

type stubResolver struct {
	resp *dns.Msg
	err  error
}

func (r *stubResolver) Resolve(query *dns.Msg) (*dns.Msg, error) {
	return r.resp, r.err
}

func question() *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	return m
}

func aRecord(name, ip string) dns.RR {
	rr, err := dns.NewRR(name + " 300 IN A " + ip)
	if err != nil {
		panic(err)
	}
	return rr
}

func TestHandleCacheHit(t *testing.T) {
	cached := new(dns.Msg)
	cached.Answer = []dns.RR{aRecord("example.com.", "1.1.1.1")}

	c := &stubCache{get: cached, hit: true}
	r := &stubResolver{}
	h := New(c, r)

	q := question()
	resp := h.Handle(q, 0)

	if resp.Id != q.Id {
		t.Errorf("expected response id %d, got %d", q.Id, resp.Id)
	}
	if len(resp.Answer) != 1 {
		t.Errorf("expected cached answer to be returned untouched, got %d records", len(resp.Answer))
	}
	if c.putCalled {
		t.Error("did not expect a cache insert on a cache hit")
	}
}

func TestHandleCacheMissResolvesFiltersAndCaches(t *testing.T) {
	upstream := new(dns.Msg)
	upstream.Answer = []dns.RR{
		aRecord("example.com.", "1.1.1.1"),
		aRecord("example.com.", "2.2.2.2"),
	}

	c := &stubCache{hit: false}
	r := &stubResolver{resp: upstream}
	h := New(c, r)

	q := question()
	resp := h.Handle(q, 0)

	if len(resp.Answer) != 1 {
		t.Errorf("expected flattened answer to carry exactly one record, got %d", len(resp.Answer))
	}
	if !c.putCalled {
		t.Error("expected a cache insert on a cache miss")
	}
	if len(c.putResp.Answer) != 1 {
		t.Errorf("expected the cached response to already be flattened, got %d records", len(c.putResp.Answer))
	}
}

func TestHandleNoCacheStillResolves(t *testing.T) {
	upstream := new(dns.Msg)
	upstream.Answer = []dns.RR{aRecord("example.com.", "1.1.1.1")}

	r := &stubResolver{resp: upstream}
	h := New(nil, r)

	q := question()
	resp := h.Handle(q, 0)

	if len(resp.Answer) != 1 {
		t.Errorf("expected one answer record, got %d", len(resp.Answer))
	}
}

func TestHandleResolverErrorReturnsServFail(t *testing.T) {
	c := &stubCache{hit: false}
	r := &stubResolver{err: errors.New("upstream unreachable")}
	h := New(c, r)

	q := question()
	resp := h.Handle(q, 0)

	if resp.Rcode != dns.RcodeServerFailure {
		t.Errorf("expected SERVFAIL, got rcode %d", resp.Rcode)
	}
	if c.putCalled {
		t.Error("did not expect a cache insert after a resolver failure")
	}
}

func TestHandleMissingQuestionReturnsServFail(t *testing.T) {
	c := &stubCache{}
	r := &stubResolver{}
	h := New(c, r)

	q := new(dns.Msg) // no question section
	resp := h.Handle(q, 0)

	if resp.Rcode != dns.RcodeServerFailure {
		t.Errorf("expected SERVFAIL for a questionless query, got rcode %d", resp.Rcode)
	}
}

func TestHandleUDPTruncation(t *testing.T) {
	upstream := new(dns.Msg)
	for i := 0; i < 40; i++ {
		upstream.Answer = append(upstream.Answer, aRecord("example.com.", "1.1.1.1"))
	}
	// Distinct types so the filter keeps more than one record and the packed
	// response still exceeds a tiny maxResponseSize.
	txt, err := dns.NewRR(`example.com. 300 IN TXT "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"`)
	if err != nil {
		t.Fatal(err)
	}
	upstream.Answer = append(upstream.Answer, txt)

	r := &stubResolver{resp: upstream}
	h := New(nil, r)

	q := question()
	resp := h.Handle(q, 64)

	if !resp.Truncated {
		t.Error("expected the response to be flagged truncated")
	}
	if len(resp.Answer) != 0 {
		t.Errorf("expected a minimal truncated reply with no answers, got %d", len(resp.Answer))
	}
}

func TestHandleTCPNotTruncatedWhenUnbounded(t *testing.T) {
	upstream := new(dns.Msg)
	for i := 0; i < 40; i++ {
		upstream.Answer = append(upstream.Answer, aRecord("example.com.", "1.1.1.1"))
	}

	r := &stubResolver{resp: upstream}
	h := New(nil, r)

	q := question()
	resp := h.Handle(q, 0) // 0 == unbounded, as on TCP

	if resp.Truncated {
		t.Error("did not expect truncation when maxResponseSize is 0")
	}
}

func TestReportAfterActivity(t *testing.T) {
	c := &stubCache{hit: false}
	r := &stubResolver{resp: new(dns.Msg)}
	h := New(c, r)

	h.Handle(question(), 0)

	report := h.Report(false)
	if report == "" {
		t.Error("expected a non-empty report")
	}
	if h.Name() != "Handler" {
		t.Errorf("expected Name() to be Handler, got %q", h.Name())
	}

	h.Report(true)
	if h.hits != 0 || h.misses != 0 {
		t.Error("expected resetCounters=true to zero the stats")
	}
}
