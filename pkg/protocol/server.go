// Package protocol implements the line-oriented TCP protocol served to local
// clients: handshake, command dispatch, and asynchronous MSG broadcasts.
package protocol

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brickd-dev/brickd/pkg/events"
	"github.com/brickd-dev/brickd/pkg/supply"
)

// DefaultPort is the TCP port the daemon listens on.
const DefaultPort = 31313

var log = logrus.WithField("component", "protocol")

// StateSource exposes the current system battery signal to GET handlers.
type StateSource interface {
	SystemState() (supply.BatteryState, int)
}

// Server accepts connections on both loopback families and runs one session
// per connection.
type Server struct {
	source StateSource
	bus    *events.Bus
	serial string

	listeners []net.Listener

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer builds a server. serial is the static board serial reported for
// system.info.serial.
func NewServer(source StateSource, bus *events.Bus, serial string) *Server {
	return &Server{
		source:   source,
		bus:      bus,
		serial:   serial,
		sessions: make(map[*Session]struct{}),
	}
}

// Listen binds both the IPv4 and IPv6 loopback listeners. A bind failure is
// returned to the caller; the daemon treats it as fatal.
func (s *Server) Listen(port int) error {
	if port == 0 {
		port = DefaultPort
	}

	addrs := []struct {
		network string
		addr    string
	}{
		{"tcp4", fmt.Sprintf("127.0.0.1:%d", port)},
		{"tcp6", fmt.Sprintf("[::1]:%d", port)},
	}

	for _, a := range addrs {
		l, err := net.Listen(a.network, a.addr)
		if err != nil {
			s.closeListeners()
			return errors.Wrapf(err, "binding %s listener on %s", a.network, a.addr)
		}
		log.Infof("listening on %s", l.Addr().String())
		s.listeners = append(s.listeners, l)
	}

	for _, l := range s.listeners {
		s.wg.Add(1)
		go s.acceptLoop(l)
	}
	return nil
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			// Listener closed during shutdown, or a transient accept
			// failure; either way this loop is done.
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				log.WithError(err).Error("accept failed")
			}
			return
		}
		s.startSession(conn)
	}
}

func (s *Server) startSession(conn net.Conn) {
	session := newSession(s, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[session] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		session.run()
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
	}()
}

// Shutdown stops accepting new connections and waits for existing sessions
// to finish, up to the context deadline. Remaining sessions are then closed
// forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeListeners()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for session := range s.sessions {
			session.close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			log.WithError(err).Debug("closing listener")
		}
	}
}

// SessionCount reports active sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
