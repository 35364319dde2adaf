package protocol

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/brickd-dev/brickd/pkg/events"
	"github.com/brickd-dev/brickd/pkg/supply"
	"github.com/brickd-dev/brickd/pkg/version"
)

// Property keys recognized by GET.
const (
	PropSerial  = "system.info.serial"
	PropVoltage = "system.battery.voltage"
)

const (
	handshakePhrase = "YOU ARE A ROBOT"

	msgBatteryLow      = "MSG WARN Battery is getting low"
	msgBatteryCritical = "MSG CRITICAL Battery level is critical, system will shut down"

	byeReply = "OK Until next time..."
)

// Each session's outbound writes are queued and written by a dedicated
// goroutine, so a blocked client never delays bus delivery to anyone else.
const outboundQueueLen = 64

type sessionState int

const (
	stateConnected sessionState = iota
	stateAwaitingHandshake
	stateAuthenticated
	stateClosed
)

// Session is one client connection working through the protocol state
// machine: greeting, handshake, then command dispatch until BYE, EOF or an
// I/O error.
type Session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	log    *logrus.Entry

	state           sessionState
	watchingPower   bool
	lastVoltageSent int

	// Bus subscriptions owned by this session. Cancelled, deterministically,
	// before the socket is closed.
	subs []*events.Subscription

	out        chan string
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newSession(server *Server, conn net.Conn) *Session {
	return &Session{
		server:     server,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		log:        log.WithField("remote", conn.RemoteAddr().String()),
		out:        make(chan string, outboundQueueLen),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (s *Session) run() {
	defer s.teardown()

	go s.writer()

	s.log.Debug("client connected")
	s.send(version.Greeting())
	s.state = stateAwaitingHandshake

	for s.state != stateClosed {
		line, err := s.readLine()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		switch s.state {
		case stateAwaitingHandshake:
			s.handshake(line)
		case stateAuthenticated:
			if line == "" {
				continue
			}
			s.dispatch(line)
		}
	}
}

func (s *Session) readLine() (string, error) {
	return s.reader.ReadString('\n')
}

func (s *Session) handshake(line string) {
	if !strings.EqualFold(line, handshakePhrase) {
		// Anything sent before a valid handshake gets only this refusal.
		s.send("BAD Invalid handshake")
		s.state = stateClosed
		return
	}
	s.send("OK")
	s.subscribeBatteryState()
	s.state = stateAuthenticated
}

// dispatch handles one command line. BYE moves the session to its terminal
// state, ending the read loop.
func (s *Session) dispatch(line string) {
	fields := strings.Fields(line)
	command := strings.ToUpper(fields[0])
	s.log.WithField("command", command).Trace("dispatching command")

	switch command {
	case "BYE":
		s.send(byeReply)
		s.state = stateClosed
	case "GET":
		s.handleGet(fields[1:])
	case "WATCH":
		s.handleWatch(fields[1:])
	default:
		s.send("BAD Unknown command")
	}
}

func (s *Session) handleGet(args []string) {
	if len(args) != 1 {
		s.send("BAD Missing property key")
		return
	}
	switch args[0] {
	case PropSerial:
		s.send("OK " + s.server.serial)
	case PropVoltage:
		_, millivolts := s.server.source.SystemState()
		s.send("OK " + strconv.Itoa(millivolts))
	default:
		s.send("BAD No such property")
	}
}

func (s *Session) handleWatch(args []string) {
	if len(args) != 1 {
		s.send("BAD Missing subsystem")
		return
	}
	if !strings.EqualFold(args[0], "POWER") {
		s.send("BAD No such subsystem")
		return
	}
	if s.watchingPower {
		s.send("OK Already watching POWER")
		return
	}
	s.send("OK")
	s.watchingPower = true
	s.subscribeVoltage()
}

// subscribeBatteryState wires the session to state-change broadcasts. Only
// the low-voltage conditions produce client messages; everything else is a
// silent transition from the client's point of view.
func (s *Session) subscribeBatteryState() {
	sub := s.server.bus.Subscribe(events.TopicBatteryState, func(value any) {
		state, ok := value.(supply.BatteryState)
		if !ok {
			return
		}
		switch state {
		case supply.StateLowVoltage:
			s.send(msgBatteryLow)
		case supply.StateCriticalLowVoltage:
			s.send(msgBatteryCritical)
		}
	})
	s.subs = append(s.subs, sub)
}

func (s *Session) subscribeVoltage() {
	sub := s.server.bus.Subscribe(events.TopicBatteryVoltage, func(value any) {
		millivolts, ok := value.(int)
		if !ok {
			return
		}
		s.lastVoltageSent = millivolts
		s.send(fmt.Sprintf("MSG PROPERTY %s %d", PropVoltage, millivolts))
	})
	s.subs = append(s.subs, sub)
}

// send queues one line for the writer goroutine. Never blocks: if the
// client cannot keep up, the message is dropped rather than stalling the
// publisher.
func (s *Session) send(line string) {
	select {
	case s.out <- line:
	default:
		s.log.Warn("outbound queue full, dropping message")
	}
}

func (s *Session) writer() {
	defer close(s.writerDone)

	w := bufio.NewWriter(s.conn)
	for {
		select {
		case line := <-s.out:
			if !s.writeLine(w, line) {
				return
			}
		case <-s.done:
			// Drain whatever was queued before teardown, then exit.
			for {
				select {
				case line := <-s.out:
					if !s.writeLine(w, line) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) writeLine(w *bufio.Writer, line string) bool {
	if _, err := w.WriteString(line + "\n"); err != nil {
		s.close()
		return false
	}
	if err := w.Flush(); err != nil {
		s.close()
		return false
	}
	return true
}

// teardown runs when the read loop exits for any reason: subscriptions are
// cancelled first, queued replies are flushed, then the socket is closed.
func (s *Session) teardown() {
	s.state = stateClosed
	for _, sub := range s.subs {
		sub.Cancel()
	}
	close(s.done)
	<-s.writerDone
	s.close()
	s.log.Debug("client disconnected")
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}
