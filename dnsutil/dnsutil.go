// Package dnsutil holds pure, side-effect free inspectors over decoded DNS
// messages. Nothing here touches the network.
package dnsutil

import (
	"errors"
	"time"

	"github.com/miekg/dns"
)

// ErrNoQuestion is returned by Fingerprint when the message has no question
// section.
var ErrNoQuestion = errors.New("dnsutil: message has no question")

// ErrNoAnswer is returned by MinAnswerTTL when the message has no answer
// records.
var ErrNoAnswer = errors.New("dnsutil: message has no answer")

// HasAnswer reports whether m carries at least one answer record.
func HasAnswer(m *dns.Msg) bool {
	return m != nil && len(m.Answer) > 0
}

// Answers returns m's answer records, or nil if there are none.
func Answers(m *dns.Msg) []dns.RR {
	if m == nil {
		return nil
	}
	return m.Answer
}

// FirstGlue returns the first additional record in m, if any.
func FirstGlue(m *dns.Msg) (dns.RR, bool) {
	if m == nil || len(m.Extra) == 0 {
		return nil, false
	}
	return m.Extra[0], true
}

// Glues returns all additional records in m.
func Glues(m *dns.Msg) []dns.RR {
	if m == nil {
		return nil
	}
	return m.Extra
}

// FirstAuthority returns the first authority record in m, if any.
func FirstAuthority(m *dns.Msg) (dns.RR, bool) {
	if m == nil || len(m.Ns) == 0 {
		return nil, false
	}
	return m.Ns[0], true
}

// Authorities returns all authority records in m.
func Authorities(m *dns.Msg) []dns.RR {
	if m == nil {
		return nil
	}
	return m.Ns
}

// Fingerprint returns the canonical cache key for m's first question, in the
// form "<name> <type> <class>". Two messages whose first question shares the
// same name, type and class produce identical fingerprints regardless of any
// other field.
func Fingerprint(m *dns.Msg) (string, error) {
	if m == nil || len(m.Question) == 0 {
		return "", ErrNoQuestion
	}

	q := m.Question[0]
	return q.Name + " " + dns.TypeToString[q.Qtype] + " " + dns.ClassToString[q.Qclass], nil
}

// MinAnswerTTL returns the TTL of m's first answer record.
func MinAnswerTTL(m *dns.Msg) (time.Duration, error) {
	if m == nil || len(m.Answer) == 0 {
		return 0, ErrNoAnswer
	}

	return time.Duration(m.Answer[0].Header().Ttl) * time.Second, nil
}
