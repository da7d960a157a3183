// Package filter implements response flattening: collapsing a DNS answer section down to at most
// one record per RR type, keeping the first occurrence of each type and leaving the authority and
// additional sections untouched.
//
// This is the one piece of behavior that distinguishes this proxy from a bare forwarder: some
// stub resolvers fall into a slow path when an answer carries several records of the same type,
// and flattening sidesteps that without dropping the information a client actually needs (a
// CNAME chain plus the first address it resolves to, for instance).
package filter

import "github.com/miekg/dns"

// Collapse returns a clone of m whose Answer section contains at most one record per distinct RR
// type - the first record of each type, in original order. Authority, Additional and the header
// (including Rcode) are copied through unchanged. A nil message or one with an empty Answer
// section is returned as an unmodified clone.
func Collapse(m *dns.Msg) *dns.Msg {
	if m == nil {
		return nil
	}
	out := m.Copy()
	if len(out.Answer) == 0 {
		return out
	}

	seen := make(map[uint16]bool, len(out.Answer))
	kept := make([]dns.RR, 0, len(out.Answer))
	for _, rr := range out.Answer {
		rtype := rr.Header().Rrtype
		if seen[rtype] {
			continue
		}
		seen[rtype] = true
		kept = append(kept, rr)
	}
	out.Answer = kept

	return out
}

// Idempotent reports whether a second Collapse of an already-collapsed message leaves its Answer
// section the same length, i.e. true means the second pass removed nothing. Exposed only for tests
// that want to assert the idempotency invariant directly.
func Idempotent(m *dns.Msg) bool {
	once := Collapse(m)
	twice := Collapse(once)
	return len(once.Answer) == len(twice.Answer)
}
