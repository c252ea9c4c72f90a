// Package resolver implements the recursive resolution engine: the
// iterative walk over root -> TLD -> authority that turns a client's
// question into an answer (or a typed failure), by following referrals and
// glue records exactly as the queried name servers hand them back.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/vbala29/dash/dnsutil"
)

// RootServerAddr is the hard-coded root name server anchor. Per SPEC_FULL.md
// §4.2, the root list is not consulted; a single anchor suffices for
// correctness over the public Internet.
const RootServerAddr = "198.41.0.4"

// EDNSRecommendedSize is the RFC 6891 recommended UDP payload size, used
// both as a ceiling on outgoing serialized queries and as the read buffer
// size for upstream responses.
const EDNSRecommendedSize = 4096

// DefaultMaxReferralDepth bounds the number of referral hops a single
// resolution may take before it is abandoned as ServFail, per SPEC_FULL.md
// §4.2 "Referral depth cap" (spec.md §9's suggested value of 16).
const DefaultMaxReferralDepth = 16

// Rcode mirrors the subset of RFC 1035 response codes this resolver
// produces on failure.
type Rcode int

const (
	// RcodeFormErr means the client's query itself was malformed.
	RcodeFormErr Rcode = iota
	// RcodeServFail means an upstream, transport, or decode failure
	// occurred.
	RcodeServFail
	// RcodeNXDomain means resolution could not progress: no answer, no
	// glue, no usable authority.
	RcodeNXDomain
)

func (r Rcode) String() string {
	switch r {
	case RcodeFormErr:
		return "FORMERR"
	case RcodeServFail:
		return "SERVFAIL"
	case RcodeNXDomain:
		return "NXDOMAIN"
	default:
		return "UNKNOWN"
	}
}

// DNSRcode maps an Rcode to the wire-format RFC 1035 response code to put in
// a synthesized failure reply.
func (r Rcode) DNSRcode() int {
	switch r {
	case RcodeFormErr:
		return dns.RcodeFormatError
	case RcodeNXDomain:
		return dns.RcodeNameError
	default:
		return dns.RcodeServerFailure
	}
}

// Failure is returned by Resolve when a query cannot be answered.
type Failure struct {
	Rcode Rcode
	Info  string
}

func (f *Failure) Error() string {
	if f.Info == "" {
		return f.Rcode.String()
	}
	return fmt.Sprintf("%s: %s", f.Rcode, f.Info)
}

func fail(code Rcode, format string, args ...interface{}) *Failure {
	return &Failure{Rcode: code, Info: fmt.Sprintf(format, args...)}
}

// exchanger is the subset of *dns.Client this package depends on, so tests
// can substitute a deterministic stub without opening real sockets.
type exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// Resolver resolves recursive DNS queries by iteratively walking the public
// hierarchy starting from RootServerAddr. The zero value is ready to use.
type Resolver struct {
	// MaxReferralDepth bounds the number of referral hops per query. Zero
	// means DefaultMaxReferralDepth.
	MaxReferralDepth int

	// ReadTimeout bounds each upstream exchange. Zero means 5 seconds, per
	// SPEC_FULL.md §4.2.
	ReadTimeout time.Duration

	// Retries is the number of additional attempts made against the same
	// upstream server after the first one fails, per SPEC_FULL.md §4.2
	// "Bounded retry". Zero means no retry.
	Retries int

	client exchanger
}

// New returns a Resolver configured with the given referral depth cap (0
// for the default).
func New(maxReferralDepth int) *Resolver {
	return &Resolver{MaxReferralDepth: maxReferralDepth}
}

func (r *Resolver) depth() int {
	if r.MaxReferralDepth > 0 {
		return r.MaxReferralDepth
	}
	return DefaultMaxReferralDepth
}

func (r *Resolver) timeout() time.Duration {
	if r.ReadTimeout > 0 {
		return r.ReadTimeout
	}
	return 5 * time.Second
}

func (r *Resolver) exchanger() exchanger {
	if r.client != nil {
		return r.client
	}
	return &dns.Client{
		Net:     "udp",
		Timeout: r.timeout(),
		UDPSize: EDNSRecommendedSize,
	}
}

// Resolve walks the DNS hierarchy for m, a well-formed recursive client
// query, starting at RootServerAddr. It returns the terminal response
// message on success, or a typed Failure.
//
// Preconditions (SPEC_FULL.md §4.2): m.Response must be false, m must carry
// at least one question (only the first is used, per
// dnsutil.Fingerprint's convention), and m.RecursionDesired must
// be true -- an iterative (non-recursive) client query yields NXDomain, a
// deliberate v1 simplification carried from spec.md §9.
func (r *Resolver) Resolve(ctx context.Context, m *dns.Msg) (*dns.Msg, *Failure) {
	return r.ResolveTrace(ctx, m, nil)
}

// ResolveTrace is Resolve but additionally records every query/response
// pair into trace, if non-nil. Tests use this to assert on the walk taken;
// production code can pass nil and pay nothing for it.
func (r *Resolver) ResolveTrace(ctx context.Context, m *dns.Msg, trace *Trace) (*dns.Msg, *Failure) {
	if err := checkPreconditions(m); err != nil {
		return nil, err
	}

	q := m.Question[0]
	addr := net.JoinHostPort(RootServerAddr, "53")

	for hop := 0; ; hop++ {
		if hop >= r.depth() {
			return nil, fail(RcodeServFail, "referral depth %d exceeded at %s", r.depth(), addr)
		}

		resp, rtt, err := r.exchangeWithRetry(ctx, q, addr)
		if trace != nil {
			trace.add(&TraceStep{Server: addr, Question: q, Response: resp, RTT: rtt, Err: err})
		}
		if err != nil {
			return nil, fail(RcodeServFail, "%s: %v", addr, err)
		}

		if dnsutil.HasAnswer(resp) {
			return resp, nil
		}

		if glue, ok := dnsutil.FirstGlue(resp); ok {
			a, ok := glue.(*dns.A)
			if !ok {
				return nil, fail(RcodeServFail, "glue record is not an A record: %s", dns.TypeToString[glue.Header().Rrtype])
			}
			addr = net.JoinHostPort(a.A.String(), "53")
			continue
		}

		if authority, ok := dnsutil.FirstAuthority(resp); ok {
			ns, ok := authority.(*dns.NS)
			if !ok {
				return nil, fail(RcodeServFail, "authority record is not an NS record: %s", dns.TypeToString[authority.Header().Rrtype])
			}

			nsAddr, failure := r.resolveNSAddr(ctx, ns.Ns, trace, hop+1)
			if failure != nil {
				return nil, failure
			}
			addr = net.JoinHostPort(nsAddr, "53")
			continue
		}

		return nil, fail(RcodeNXDomain, "no next step")
	}
}

// resolveNSAddr recursively resolves an NS hostname to an IPv4 address by
// issuing a fresh {name, A, IN} query, per SPEC_FULL.md §4.2 "Has only
// authority". budgetUsed propagates how much of the referral depth budget
// the outer walk has already spent, so a pathological zone cannot combine
// two independent depth-16 walks into an effectively unbounded one.
func (r *Resolver) resolveNSAddr(ctx context.Context, name string, trace *Trace, budgetUsed int) (string, *Failure) {
	sub := &Resolver{
		MaxReferralDepth: r.depth() - budgetUsed,
		ReadTimeout:      r.ReadTimeout,
		Retries:          r.Retries,
		client:           r.client,
	}
	if sub.MaxReferralDepth <= 0 {
		return "", fail(RcodeServFail, "referral depth exceeded while resolving name server %s", name)
	}

	nsQuery := new(dns.Msg)
	nsQuery.RecursionDesired = true
	nsQuery.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	nsQuery.SetEdns0(EDNSRecommendedSize, false)

	resp, failure := sub.ResolveTrace(ctx, nsQuery, trace)
	if failure != nil {
		return "", fail(RcodeServFail, "resolving name server %s: %v", name, failure)
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}

	return "", fail(RcodeServFail, "name server %s has no A record", name)
}

// exchangeWithRetry sends q to addr, retrying up to r.Retries additional
// times against the same server on failure (SPEC_FULL.md §4.2 "Bounded
// retry"), and enforces the EDNSRecommendedSize ceiling on the serialized
// query.
func (r *Resolver) exchangeWithRetry(ctx context.Context, q dns.Question, addr string) (*dns.Msg, time.Duration, error) {
	m := new(dns.Msg)
	m.Question = []dns.Question{q}
	m.RecursionDesired = true
	m.SetEdns0(EDNSRecommendedSize, false)

	packed, err := m.Pack()
	if err != nil {
		return nil, 0, fmt.Errorf("serializing query: %w", err)
	}
	if len(packed) > EDNSRecommendedSize {
		return nil, 0, fmt.Errorf("query length %d exceeds %d octet EDNS(0) budget", len(packed), EDNSRecommendedSize)
	}

	var lastErr error
	for attempt := 0; attempt <= r.Retries; attempt++ {
		resp, rtt, err := r.exchanger().ExchangeContext(ctx, m, addr)
		if err == nil && resp.Rcode != dns.RcodeServerFailure {
			return resp, rtt, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("upstream returned %s", dns.RcodeToString[resp.Rcode])
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		default:
		}
	}

	return nil, 0, lastErr
}

// checkPreconditions validates a client query per SPEC_FULL.md §4.2.
func checkPreconditions(m *dns.Msg) *Failure {
	if m == nil {
		return fail(RcodeFormErr, "nil message")
	}
	if m.Response {
		return fail(RcodeFormErr, "qr bit indicates a response, not a query")
	}
	if len(m.Question) == 0 {
		return fail(RcodeFormErr, "no question")
	}
	if !m.RecursionDesired {
		return fail(RcodeNXDomain, "recursion not desired")
	}
	return nil
}
