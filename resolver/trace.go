package resolver

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Trace reports every DNS query the resolver sent while answering one
// client query, in the order sent: typically root, then one or more
// referral hops, then the authoritative answer.
type Trace struct {
	Steps []*TraceStep
}

// TraceStep is one query/response pair in a Trace.
type TraceStep struct {
	Server   string
	Question dns.Question
	Response *dns.Msg
	RTT      time.Duration
	Err      error
}

func (t *Trace) add(step *TraceStep) {
	t.Steps = append(t.Steps, step)
}

// Dump returns a human-readable rendering of the trace. Lines starting with
// a question mark are requests, lines starting with an exclamation mark are
// response records, and lines starting with X are errors.
func (t *Trace) Dump() string {
	buf := &bytes.Buffer{}

	for _, s := range t.Steps {
		fmt.Fprintf(buf, "? %s @%s %vms\n", formatStringer(&s.Question), s.Server, s.RTT.Milliseconds())

		if s.Err != nil {
			fmt.Fprintf(buf, "  X %v\n", s.Err)
			continue
		}

		if s.Response == nil {
			continue
		}

		if s.Response.Rcode != dns.RcodeSuccess {
			fmt.Fprintf(buf, "  X %s\n", dns.RcodeToString[s.Response.Rcode])
			continue
		}

		all := append(append(append([]dns.RR{}, s.Response.Answer...), s.Response.Ns...), s.Response.Extra...)
		if len(all) == 0 {
			io.WriteString(buf, "  ~ EMPTY\n")
		}
		for _, rr := range all {
			fmt.Fprintf(buf, "  ! %v\n", formatStringer(rr))
		}
	}

	return buf.String()
}

var spaces = regexp.MustCompile(`[\t ]+`)

func formatStringer(x fmt.Stringer) string {
	s := x.String()
	s = strings.TrimPrefix(s, ";")
	s = spaces.ReplaceAllString(s, " ")
	return s
}
