// Package server is the UDP front-end: it owns the listening socket, turns
// each datagram into a job, and submits it to the worker pool.
package server

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/vbala29/dash/cache"
	"github.com/vbala29/dash/job"
	"github.com/vbala29/dash/pool"
	"github.com/vbala29/dash/resolver"
)

// EDNSRecommendedSize bounds the receive buffer, matching
// resolver.EDNSRecommendedSize: a client message larger than this is
// already nonconforming to the EDNS(0) budget this resolver negotiates
// upstream.
const EDNSRecommendedSize = resolver.EDNSRecommendedSize

// pollInterval is how often the accept loop re-checks its stop flag between
// reads, mirroring the 20ms granularity pool workers use for the same
// purpose.
const pollInterval = 20 * time.Millisecond

// Server binds a UDP socket and dispatches each incoming query to a
// worker pool as a job.Query.
type Server struct {
	Addr       string
	Pool       *pool.Pool
	Cache      *cache.Cache
	Resolve    job.ResolveFunc
	JobTimeout time.Duration
	Log        *logrus.Entry
	OnResult   func(cacheHit bool, failure *resolver.Failure, d time.Duration)

	conn    *net.UDPConn
	stopped chan struct{}
}

// ListenAndServe binds Addr and runs the accept loop until ctx is done or
// Shutdown is called, whichever comes first. It returns once the accept loop
// has exited. When ctx ends the loop, the socket stays open until Shutdown
// closes it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.Addr)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.stopped = make(chan struct{})

	if s.Log != nil {
		s.Log.WithField("addr", conn.LocalAddr()).Info("dash resolver listening")
	}

	s.acceptLoop(ctx)
	return nil
}

// acceptLoop blocks reading datagrams off s.conn, submitting one job per
// well-formed query, until ctx is cancelled or Shutdown closes the socket.
func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.stopped)

	buf := make([]byte, EDNSRecommendedSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			if s.Log != nil {
				s.Log.WithError(err).Error("failed to set read deadline")
			}
			return
		}

		n, client, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// A closed socket (Shutdown) surfaces here too; treat any other
			// read error as terminal for this loop.
			return
		}

		m := new(dns.Msg)
		if err := m.Unpack(buf[:n]); err != nil {
			if s.Log != nil {
				s.Log.WithError(err).WithField("client", client).Warn("dropping malformed query")
			}
			continue
		}

		q := job.NewQuery(m, client, s.Cache, s.Resolve, s.JobTimeout, s.Log)
		q.OnResult = s.OnResult
		s.Pool.Submit(q)
	}
}

// Shutdown closes the listening socket and waits for the accept loop to
// exit or ctx to be done, whichever comes first. It does not shut down the
// pool; callers own that separately so in-flight jobs can drain on their
// own schedule.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return err
	}

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
