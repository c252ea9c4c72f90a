// Package job turns one client query into one client reply: look the
// question up in the cache, fall back to the resolver on a miss, install
// the fresh answer, and transmit a full DNS reply over a fresh UDP socket.
package job

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/vbala29/dash/cache"
	"github.com/vbala29/dash/dnsutil"
	"github.com/vbala29/dash/resolver"
)

// ResolveFunc is the subset of *resolver.Resolver this package depends on.
// Exported so callers outside this package (tests, server) can supply a
// stand-in that never touches the network.
type ResolveFunc func(ctx context.Context, m *dns.Msg) (*dns.Msg, *resolver.Failure)

// Query is a pool.Job: resolve one client question and reply to the
// client that asked it. It satisfies pool.Job's Run() method without
// importing pool, keeping job independent of how it gets scheduled.
type Query struct {
	Msg    *dns.Msg
	Client net.Addr

	Cache    *cache.Cache
	Resolve  ResolveFunc
	Timeout  time.Duration
	Log      *logrus.Entry
	OnResult func(cacheHit bool, failure *resolver.Failure, d time.Duration)
}

// NewQuery builds a Query ready to run.
func NewQuery(msg *dns.Msg, client net.Addr, c *cache.Cache, resolve ResolveFunc, timeout time.Duration, log *logrus.Entry) *Query {
	return &Query{
		Msg:     msg,
		Client:  client,
		Cache:   c,
		Resolve: resolve,
		Timeout: timeout,
		Log:     log,
	}
}

// Run implements pool.Job. It never panics on a malformed or unanswerable
// query: every path ends in a reply sent to Client, either a real answer or
// a synthesized failure response, per SPEC_FULL.md §9's "correct client
// reply" redesign (the original drops failed queries silently; this port
// always responds).
func (q *Query) Run() {
	start := time.Now()
	ctx := context.Background()
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	reply, hit, failure := q.resolve(ctx)

	if q.OnResult != nil {
		q.OnResult(hit, failure, time.Since(start))
	}

	if q.Log != nil {
		entry := q.Log.WithField("client", q.Client).WithField("question", q.Msg.Question)
		switch {
		case failure != nil:
			entry.WithField("rcode", failure.Rcode).WithField("info", failure.Info).Warn("resolution failed")
		default:
			entry.WithField("answer", projectAnswer(reply)).Debug("resolution succeeded")
		}
	}

	if err := q.send(reply); err != nil && q.Log != nil {
		q.Log.WithError(err).WithField("client", q.Client).Warn("failed to send reply")
	}
}

// resolve answers q.Msg from the cache when possible, otherwise delegates
// to the resolver and installs the result, returning a fully-formed
// dns.Msg reply (success or synthesized failure) plus whether the answer
// came from the cache.
func (q *Query) resolve(ctx context.Context) (*dns.Msg, bool, *resolver.Failure) {
	fp, err := dnsutil.Fingerprint(q.Msg)
	if err != nil {
		return failureReply(q.Msg, &resolver.Failure{Rcode: resolver.RcodeFormErr, Info: err.Error()}), false, nil
	}

	if q.Cache != nil {
		if cached, ok := q.Cache.Get(fp); ok {
			return successReply(q.Msg, cached), true, nil
		}
	}

	resolved, failure := q.Resolve(ctx, q.Msg)
	if failure != nil {
		return failureReply(q.Msg, failure), false, failure
	}

	if q.Cache != nil {
		if ttl, err := dnsutil.MinAnswerTTL(resolved); err == nil {
			q.Cache.Add(fp, resolved, time.Now().Add(ttl))
		}
	}

	return successReply(q.Msg, resolved), false, nil
}

// successReply stitches the upstream answer's records onto a response
// envelope addressed back to the original client question: same
// transaction id, QR=1, the client's own question section echoed back
// verbatim (the upstream's question may carry a different case or a
// trailing dot normalization that must not leak to the client).
func successReply(query, upstream *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(query)
	m.Authoritative = false
	m.RecursionAvailable = true
	m.Answer = upstream.Answer
	m.Ns = upstream.Ns
	m.Extra = filterOPT(upstream.Extra)
	return m
}

// failureReply synthesizes a reply carrying no records and the rcode that
// corresponds to failure.Rcode, per SPEC_FULL.md §9: a client that gets no
// reply at all cannot distinguish "still resolving" from "gave up", so the
// original's silent-drop-on-error behavior is replaced with an explicit
// negative response.
func failureReply(query *dns.Msg, failure *resolver.Failure) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(query, failure.Rcode.DNSRcode())
	m.RecursionAvailable = true
	return m
}

// projectAnswer renders the first answer record of m as a one-line string in
// DNS presentation format (name, TTL, class, type and data), or "" when there
// is no answer. Used only for the structured log line describing what was
// found; the wire reply itself is always the full message.
func projectAnswer(m *dns.Msg) string {
	if m == nil || len(m.Answer) == 0 {
		return ""
	}
	return m.Answer[0].String()
}

// filterOPT drops any OPT pseudo-record from the upstream's additional
// section: EDNS(0) options were negotiated between this resolver and the
// upstream server, not between this resolver and the client, and must not
// be echoed back verbatim.
func filterOPT(extra []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(extra))
	for _, rr := range extra {
		if _, ok := rr.(*dns.OPT); ok {
			continue
		}
		out = append(out, rr)
	}
	return out
}

// send serializes reply and transmits it to q.Client from a fresh
// ephemeral UDP socket, mirroring original_source/src/dashjob.rs's
// bind-0.0.0.0:0-then-send_to pattern.
func (q *Query) send(reply *dns.Msg) error {
	packed, err := reply.Pack()
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.WriteTo(packed, q.Client)
	return err
}
