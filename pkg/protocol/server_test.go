package protocol

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/brickd-dev/brickd/pkg/events"
	"github.com/brickd-dev/brickd/pkg/supply"
)

type stubSource struct {
	state      supply.BatteryState
	millivolts int
}

func (s *stubSource) SystemState() (supply.BatteryState, int) {
	return s.state, s.millivolts
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	clientConn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // pipe deadlines cannot fail
	srv.startSession(serverConn)
	c := &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
	t.Cleanup(func() { clientConn.Close() })
	return c
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

func (c *testClient) sendLine(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	if got := c.readLine(); got != want {
		c.t.Fatalf("got %q, want %q", got, want)
	}
}

// expectClosed asserts the server closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	if _, err := c.reader.ReadString('\n'); err == nil {
		c.t.Fatal("connection still open, want server-side close")
	}
}

func (c *testClient) handshake() {
	c.t.Helper()
	c.expect("BRICKD VERSION 1.1.0")
	c.sendLine("YOU ARE A ROBOT")
	c.expect("OK")
}

func newTestServer(source *stubSource) (*Server, *events.Bus) {
	bus := events.NewBus()
	return NewServer(source, bus, "0000c0ffee"), bus
}

func TestHandshake(t *testing.T) {
	srv, _ := newTestServer(&stubSource{})
	c := connect(t, srv)

	c.expect("BRICKD VERSION 1.1.0")
	c.sendLine("you are a robot") // keywords are case-insensitive on input
	c.expect("OK")
}

func TestHandshakeRejected(t *testing.T) {
	srv, _ := newTestServer(&stubSource{})
	c := connect(t, srv)

	c.expect("BRICKD VERSION 1.1.0")
	c.sendLine("I AM A HUMAN")
	c.expect("BAD Invalid handshake")
	c.expectClosed()
}

func TestCommandBeforeHandshakeGetsNoNormalReply(t *testing.T) {
	srv, _ := newTestServer(&stubSource{millivolts: 7620})
	c := connect(t, srv)

	c.expect("BRICKD VERSION 1.1.0")
	c.sendLine("GET system.battery.voltage")
	c.expect("BAD Invalid handshake")
	c.expectClosed()
}

func TestGetVoltage(t *testing.T) {
	srv, _ := newTestServer(&stubSource{millivolts: 7620})
	c := connect(t, srv)
	c.handshake()

	c.sendLine("GET system.battery.voltage")
	c.expect("OK 7620")
}

func TestGetSerial(t *testing.T) {
	srv, _ := newTestServer(&stubSource{})
	c := connect(t, srv)
	c.handshake()

	c.sendLine("get system.info.serial")
	c.expect("OK 0000c0ffee")
}

func TestGetUnknownProperty(t *testing.T) {
	srv, _ := newTestServer(&stubSource{})
	c := connect(t, srv)
	c.handshake()

	c.sendLine("GET system.nonsense")
	c.expect("BAD No such property")

	c.sendLine("GET")
	c.expect("BAD Missing property key")
}

func TestUnknownCommand(t *testing.T) {
	srv, _ := newTestServer(&stubSource{})
	c := connect(t, srv)
	c.handshake()

	c.sendLine("FROBNICATE")
	c.expect("BAD Unknown command")

	// The connection stays usable after a protocol error.
	c.sendLine("GET system.info.serial")
	c.expect("OK 0000c0ffee")
}

func TestEmptyLinesAreIgnored(t *testing.T) {
	srv, _ := newTestServer(&stubSource{})
	c := connect(t, srv)
	c.handshake()

	c.sendLine("")
	c.sendLine("GET system.info.serial")
	c.expect("OK 0000c0ffee")
}

func TestBye(t *testing.T) {
	srv, _ := newTestServer(&stubSource{})
	c := connect(t, srv)
	c.handshake()

	c.sendLine("BYE")
	c.expect("OK Until next time...")
	c.expectClosed()
}

func TestWatchPowerStreamsVoltage(t *testing.T) {
	srv, bus := newTestServer(&stubSource{millivolts: 7620})
	c := connect(t, srv)
	c.handshake()

	bus.Publish(events.TopicBatteryVoltage, 7620)

	c.sendLine("WATCH POWER")
	c.expect("OK")
	// Subscribing hands over the current value first, then changes.
	c.expect("MSG PROPERTY system.battery.voltage 7620")

	bus.Publish(events.TopicBatteryVoltage, 7550)
	c.expect("MSG PROPERTY system.battery.voltage 7550")
}

func TestWatchPowerIsIdempotent(t *testing.T) {
	srv, bus := newTestServer(&stubSource{})
	c := connect(t, srv)
	c.handshake()

	c.sendLine("WATCH POWER")
	c.expect("OK")
	c.sendLine("WATCH power")
	c.expect("OK Already watching POWER")

	if n := bus.SubscriberCount(events.TopicBatteryVoltage); n != 1 {
		t.Errorf("voltage subscriptions = %d, want 1 after repeated WATCH", n)
	}

	// A single publish still produces exactly one message followed by the
	// reply to the next command.
	bus.Publish(events.TopicBatteryVoltage, 7100)
	c.expect("MSG PROPERTY system.battery.voltage 7100")
	c.sendLine("GET system.info.serial")
	c.expect("OK 0000c0ffee")
}

func TestWatchUnknownSubsystem(t *testing.T) {
	srv, _ := newTestServer(&stubSource{})
	c := connect(t, srv)
	c.handshake()

	c.sendLine("WATCH LASERS")
	c.expect("BAD No such subsystem")
}

func TestStateBroadcastReachesAllSessions(t *testing.T) {
	srv, bus := newTestServer(&stubSource{})
	first := connect(t, srv)
	first.handshake()
	second := connect(t, srv)
	second.handshake()

	// Only the second session watches POWER; warnings go to everyone.
	second.sendLine("WATCH POWER")
	second.expect("OK")

	// A round-trip on each session guarantees its state subscription is
	// registered before anything is published.
	first.sendLine("GET system.info.serial")
	first.expect("OK 0000c0ffee")
	second.sendLine("GET system.info.serial")
	second.expect("OK 0000c0ffee")

	bus.Publish(events.TopicBatteryState, supply.StateLowVoltage)
	first.expect("MSG WARN Battery is getting low")
	second.expect("MSG WARN Battery is getting low")

	bus.Publish(events.TopicBatteryState, supply.StateCriticalLowVoltage)
	first.expect("MSG CRITICAL Battery level is critical, system will shut down")
	second.expect("MSG CRITICAL Battery level is critical, system will shut down")
}

func TestQuietStatesProduceNoMessage(t *testing.T) {
	srv, bus := newTestServer(&stubSource{})
	c := connect(t, srv)
	c.handshake()

	bus.Publish(events.TopicBatteryState, supply.StateOK)
	bus.Publish(events.TopicBatteryState, supply.StateHighTemperature)

	// If either state produced a message, it would arrive before this
	// reply.
	c.sendLine("GET system.info.serial")
	c.expect("OK 0000c0ffee")
}

func TestDisconnectCancelsSubscriptions(t *testing.T) {
	srv, bus := newTestServer(&stubSource{})
	c := connect(t, srv)
	c.handshake()
	c.sendLine("WATCH POWER")
	c.expect("OK")

	c.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bus.SubscriberCount(events.TopicBatteryState) == 0 &&
			bus.SubscriberCount(events.TopicBatteryVoltage) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriptions not cancelled after disconnect: state=%d voltage=%d",
		bus.SubscriberCount(events.TopicBatteryState),
		bus.SubscriberCount(events.TopicBatteryVoltage))
}

func TestListenBindsBothLoopbackFamilies(t *testing.T) {
	srv, _ := newTestServer(&stubSource{millivolts: 7620})
	// An arbitrary high port; skip when the environment cannot bind it.
	const port = 43131
	if err := srv.Listen(port); err != nil {
		t.Skipf("cannot bind test port: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck // best-effort in tests
	}()

	for _, addr := range []string{"127.0.0.1:43131", "[::1]:43131"} {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			t.Fatalf("dial %s: %v", addr, err)
		}
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading greeting from %s: %v", addr, err)
		}
		if strings.TrimRight(line, "\n") != "BRICKD VERSION 1.1.0" {
			t.Fatalf("greeting on %s = %q", addr, line)
		}
		conn.Close()
	}
}
