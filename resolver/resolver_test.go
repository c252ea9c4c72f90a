package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchanger answers ExchangeContext by fingerprinting the question's
// {name, type} against canned responses, mimicking the real upstream
// servers a resolver would walk through without opening a single socket.
type fakeExchanger struct {
	// responses maps "addr name type" to the response that server would
	// give for that question.
	responses map[string]*dns.Msg
	calls     []string
}

func key(addr string, q dns.Question) string {
	return addr + " " + q.Name + " " + dns.TypeToString[q.Qtype]
}

func (f *fakeExchanger) ExchangeContext(_ context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	q := m.Question[0]
	k := key(addr, q)
	f.calls = append(f.calls, k)

	resp, ok := f.responses[k]
	if !ok {
		resp = new(dns.Msg)
		resp.SetRcode(m, dns.RcodeNameError)
	}
	return resp.Copy(), time.Millisecond, nil
}

func addr(ip string) string { return net.JoinHostPort(ip, "53") }

func referral(zone string, nsName string, glueIP string) *dns.Msg {
	m := new(dns.Msg)
	m.Ns = []dns.RR{&dns.NS{
		Hdr: dns.RR_Header{Name: zone, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 3600},
		Ns:  nsName,
	}}
	if glueIP != "" {
		m.Extra = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: nsName, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600},
			A:   net.ParseIP(glueIP),
		}}
	}
	return m
}

func answer(name string, ip string) *dns.Msg {
	m := new(dns.Msg)
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP(ip),
	}}
	return m
}

func query(name string) *dns.Msg {
	m := new(dns.Msg)
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: name, Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	return m
}

// TestResolveWalksGlueChain exercises scenario S1 from SPEC_FULL.md §8: root
// returns glue for com, com returns glue for example.com, example.com
// answers directly.
func TestResolveWalksGlueChain(t *testing.T) {
	fx := &fakeExchanger{responses: map[string]*dns.Msg{
		key(addr(RootServerAddr), dns.Question{Name: "example.com.", Qtype: dns.TypeA}): referral("com.", "a.gtld-servers.net.", "192.0.2.1"),
		key(addr("192.0.2.1"), dns.Question{Name: "example.com.", Qtype: dns.TypeA}):    referral("example.com.", "ns1.example.com.", "192.0.2.2"),
		key(addr("192.0.2.2"), dns.Question{Name: "example.com.", Qtype: dns.TypeA}):    answer("example.com.", "93.184.216.34"),
	}}

	r := &Resolver{client: fx}
	resp, failure := r.Resolve(context.Background(), query("example.com."))
	require.Nil(t, failure)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", a.A.String())
}

// TestResolveFollowsAuthorityWithoutGlue exercises scenario S2: the TLD
// returns only an NS authority record with no glue, forcing a nested
// {nsName, A} resolution before the walk can continue.
func TestResolveFollowsAuthorityWithoutGlue(t *testing.T) {
	fx := &fakeExchanger{responses: map[string]*dns.Msg{
		key(addr(RootServerAddr), dns.Question{Name: "example.net.", Qtype: dns.TypeA}): referral("net.", "a.gtld-servers.net.", "192.0.2.10"),
		key(addr("192.0.2.10"), dns.Question{Name: "example.net.", Qtype: dns.TypeA}):   referral("example.net.", "ns1.example.net.", ""),
		key(addr(RootServerAddr), dns.Question{Name: "ns1.example.net.", Qtype: dns.TypeA}): referral("net.", "a.gtld-servers.net.", "192.0.2.10"),
		key(addr("192.0.2.10"), dns.Question{Name: "ns1.example.net.", Qtype: dns.TypeA}):   answer("ns1.example.net.", "192.0.2.20"),
		key(addr("192.0.2.20"), dns.Question{Name: "example.net.", Qtype: dns.TypeA}):       answer("example.net.", "198.51.100.7"),
	}}

	r := &Resolver{client: fx}
	resp, failure := r.Resolve(context.Background(), query("example.net."))
	require.Nil(t, failure)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", a.A.String())
}

func TestResolveRejectsNonRecursiveQuery(t *testing.T) {
	r := &Resolver{client: &fakeExchanger{responses: map[string]*dns.Msg{}}}

	m := query("example.com.")
	m.RecursionDesired = false

	_, failure := r.Resolve(context.Background(), m)
	require.NotNil(t, failure)
	assert.Equal(t, RcodeNXDomain, failure.Rcode)
}

func TestResolveRejectsResponseMessage(t *testing.T) {
	r := &Resolver{client: &fakeExchanger{responses: map[string]*dns.Msg{}}}

	m := query("example.com.")
	m.Response = true

	_, failure := r.Resolve(context.Background(), m)
	require.NotNil(t, failure)
	assert.Equal(t, RcodeFormErr, failure.Rcode)
}

func TestResolveNXDomainWhenServerHasNothing(t *testing.T) {
	r := &Resolver{client: &fakeExchanger{responses: map[string]*dns.Msg{}}}

	_, failure := r.Resolve(context.Background(), query("nowhere.invalid."))
	require.NotNil(t, failure)
	assert.Equal(t, RcodeNXDomain, failure.Rcode)
}

// TestResolveReferralDepthCap exercises the §9 redesign: a zone that keeps
// referring forever is abandoned as ServFail rather than looping forever.
func TestResolveReferralDepthCap(t *testing.T) {
	responses := map[string]*dns.Msg{}
	prevIP := RootServerAddr
	for i := 0; i < DefaultMaxReferralDepth+2; i++ {
		nextIP := net.IPv4(192, 0, 2, byte(i+1)).String()
		responses[key(addr(prevIP), dns.Question{Name: "loop.test.", Qtype: dns.TypeA})] =
			referral("test.", "ns.loop.test.", nextIP)
		prevIP = nextIP
	}

	r := &Resolver{client: &fakeExchanger{responses: responses}}
	_, failure := r.Resolve(context.Background(), query("loop.test."))
	require.NotNil(t, failure)
	assert.Equal(t, RcodeServFail, failure.Rcode)
}

// TestResolveTraceRecordsEachHop exercises ResolveTrace's observability
// surface directly, independent of Dump's formatting.
func TestResolveTraceRecordsEachHop(t *testing.T) {
	fx := &fakeExchanger{responses: map[string]*dns.Msg{
		key(addr(RootServerAddr), dns.Question{Name: "example.com.", Qtype: dns.TypeA}): referral("com.", "a.gtld-servers.net.", "192.0.2.1"),
		key(addr("192.0.2.1"), dns.Question{Name: "example.com.", Qtype: dns.TypeA}):    answer("example.com.", "93.184.216.34"),
	}}

	r := &Resolver{client: fx}
	trace := &Trace{}
	_, failure := r.ResolveTrace(context.Background(), query("example.com."), trace)
	require.Nil(t, failure)
	require.Len(t, trace.Steps, 2)
	assert.Equal(t, addr(RootServerAddr), trace.Steps[0].Server)
	assert.Equal(t, addr("192.0.2.1"), trace.Steps[1].Server)

	dump := trace.Dump()
	assert.Contains(t, dump, "? example.com.")
	assert.Contains(t, dump, "93.184.216.34")
}

func TestExchangeWithRetryRetriesOnFailure(t *testing.T) {
	attempts := 0
	flaky := exchangerFunc(func(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
		attempts++
		if attempts == 1 {
			return new(dns.Msg), 0, assertErr
		}
		return answer("example.com.", "93.184.216.34"), time.Millisecond, nil
	})

	r := &Resolver{client: flaky, Retries: 1}
	resp, rtt, err := r.exchangeWithRetry(context.Background(), dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, addr("192.0.2.1"))
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, rtt)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, 2, attempts)
}

type exchangerFunc func(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)

func (f exchangerFunc) ExchangeContext(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	return f(ctx, m, addr)
}

var assertErr = &net.OpError{Op: "read", Err: errTimeout{}}

type errTimeout struct{}

func (errTimeout) Error() string   { return "i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }
