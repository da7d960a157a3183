package wire

import (
	"testing"

	"github.com/miekg/dns"
)

func testQuery() *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 42
	return q
}

func TestQName(t *testing.T) {
	q := testQuery()
	if QName(q) != "example.com." {
		t.Error("QName returned unexpected value", QName(q))
	}
	if QName(new(dns.Msg)) != "" {
		t.Error("QName on empty message should return empty string")
	}
}

func TestServFail(t *testing.T) {
	q := testQuery()
	r := ServFail(q)
	if r.Id != q.Id {
		t.Error("ServFail did not echo query id")
	}
	if r.Rcode != dns.RcodeServerFailure {
		t.Error("ServFail did not set SERVFAIL rcode")
	}
}

func TestTruncated(t *testing.T) {
	q := testQuery()
	r := Truncated(q)
	if r.Id != q.Id {
		t.Error("Truncated did not echo query id")
	}
	if !r.Truncated {
		t.Error("Truncated did not set TC bit")
	}
	if len(r.Answer) != 0 || len(r.Ns) != 0 || len(r.Extra) != 0 {
		t.Error("Truncated reply should carry no records")
	}
	if len(r.Question) != 1 || r.Question[0].Name != "example.com." {
		t.Error("Truncated reply did not echo question")
	}
}

func TestFitsIn(t *testing.T) {
	q := testQuery()
	if !FitsIn(q, 512) {
		t.Error("small query should fit in 512 bytes")
	}
	if FitsIn(q, 0) {
		t.Error("query should not fit in 0 bytes")
	}
}
