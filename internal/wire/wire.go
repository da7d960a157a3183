// Package wire provides the small set of DNS message constructors this daemon needs beyond what
// github.com/miekg/dns supplies directly: a minimal SERVFAIL reply, a minimal truncated reply, and
// query-name/question accessors used by the handler.
package wire

import "github.com/miekg/dns"

// QName returns the query name from a DNS message, or "" if it carries no question.
func QName(m *dns.Msg) string {
	if len(m.Question) == 0 {
		return ""
	}
	return m.Question[0].Name
}

// Question returns the sole question of a query, or the zero value and false if it has none.
func Question(m *dns.Msg) (dns.Question, bool) {
	if len(m.Question) == 0 {
		return dns.Question{}, false
	}
	return m.Question[0], true
}

// ServFail builds a minimal SERVFAIL reply to a query, echoing its ID and question.
func ServFail(query *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(query, dns.RcodeServerFailure)
	return m
}

// Truncated builds the minimal reply mandated when a UDP response would exceed the client's size
// limit: header only, QR=1, TC=1, the question echoed, no answer/authority/additional records.
// This deliberately does not attempt to fit as many records as will fit - the client is expected
// to retry over TCP and get the full, filtered answer there.
func Truncated(query *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(query)
	m.Truncated = true
	m.Answer = nil
	m.Ns = nil
	m.Extra = nil
	return m
}

// NXDomain builds a minimal NXDOMAIN reply to a query, echoing its ID and question. No package in
// this module calls it at present.
func NXDomain(query *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(query, dns.RcodeNameError)
	return m
}

// FitsIn reports whether m serializes to no more than limit bytes.
func FitsIn(m *dns.Msg, limit int) bool {
	return m.Len() <= limit
}
