// Package client speaks the daemon's line protocol from the client side.
// Used by the CLI subcommands.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrDaemonNotRunning means the daemon's port refused the connection.
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrHandshakeRejected means the daemon refused our handshake.
	ErrHandshakeRejected = errors.New("handshake rejected")
)

// BadError is a BAD reply from the daemon for an otherwise healthy
// connection.
type BadError struct {
	Message string
}

func (e *BadError) Error() string {
	return fmt.Sprintf("daemon replied BAD: %s", e.Message)
}

// DefaultAddress is where a local daemon listens.
const DefaultAddress = "127.0.0.1:31313"

const dialTimeout = 3 * time.Second

// Client is one authenticated protocol connection.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	version string
}

// Dial connects to the daemon and completes the handshake.
func Dial(address string) (*Client, error) {
	if address == "" {
		address = DefaultAddress
	}
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, ErrDaemonNotRunning
		}
		return nil, pkgerrors.Wrapf(err, "connecting to %s", address)
	}

	c := &Client{conn: conn, reader: bufio.NewReader(conn)}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	greeting, err := c.readLine()
	if err != nil {
		return pkgerrors.Wrap(err, "reading greeting")
	}
	if !strings.HasPrefix(greeting, "BRICKD VERSION ") {
		return pkgerrors.Errorf("unexpected greeting %q", greeting)
	}
	c.version = strings.TrimPrefix(greeting, "BRICKD VERSION ")

	if err := c.writeLine("YOU ARE A ROBOT"); err != nil {
		return err
	}
	reply, err := c.readLine()
	if err != nil {
		return pkgerrors.Wrap(err, "reading handshake reply")
	}
	if reply != "OK" {
		return ErrHandshakeRejected
	}
	return nil
}

// ServerVersion returns the protocol version from the greeting.
func (c *Client) ServerVersion() string { return c.version }

// Get fetches one property value.
func (c *Client) Get(key string) (string, error) {
	if err := c.writeLine("GET " + key); err != nil {
		return "", err
	}
	return c.readReply()
}

// Watch subscribes this connection to a subsystem's broadcasts. After a
// successful Watch, unsolicited MSG lines arrive interleaved with replies;
// use ReadMessage to consume them.
func (c *Client) Watch(subsystem string) (string, error) {
	if err := c.writeLine("WATCH " + subsystem); err != nil {
		return "", err
	}
	return c.readReply()
}

// Bye ends the session cleanly.
func (c *Client) Bye() error {
	if err := c.writeLine("BYE"); err != nil {
		return err
	}
	_, err := c.readReply()
	return err
}

// Close drops the connection without a BYE.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Message is one unsolicited broadcast from the daemon.
type Message struct {
	// Severity is INFO, WARN or CRITICAL; empty for property updates.
	Severity string
	// Key and Value are set for PROPERTY messages.
	Key   string
	Value string
	// Text is the human-readable message body for severity messages.
	Text string
}

// ReadMessage blocks until the next MSG broadcast arrives.
func (c *Client) ReadMessage() (Message, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return Message{}, err
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) < 3 || fields[0] != "MSG" {
			continue
		}
		if fields[1] == "PROPERTY" {
			kv := strings.SplitN(fields[2], " ", 2)
			msg := Message{Key: kv[0]}
			if len(kv) == 2 {
				msg.Value = kv[1]
			}
			return msg, nil
		}
		return Message{Severity: fields[1], Text: fields[2]}, nil
	}
}

// readReply reads the next direct reply line, skipping any interleaved MSG
// broadcasts.
func (c *Client) readReply() (string, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return "", pkgerrors.Wrap(err, "reading reply")
		}
		if strings.HasPrefix(line, "MSG ") {
			continue
		}
		if line == "OK" {
			return "", nil
		}
		if strings.HasPrefix(line, "OK ") {
			return strings.TrimPrefix(line, "OK "), nil
		}
		if strings.HasPrefix(line, "BAD") {
			return "", &BadError{Message: strings.TrimSpace(strings.TrimPrefix(line, "BAD"))}
		}
		return "", pkgerrors.Errorf("unexpected reply %q", line)
	}
}

func (c *Client) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Client) writeLine(line string) error {
	_, err := c.conn.Write([]byte(line + "\n"))
	if err != nil {
		return pkgerrors.Wrap(err, "writing command")
	}
	return nil
}
