package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/thalynlabs/mudscape"
	"github.com/thalynlabs/mudscape/telnet"
	"github.com/thalynlabs/mudscape/transport"
)

// ErrNotConnected reports a request that needs a live socket.
var ErrNotConnected = errors.New("not connected")

// Sink receives the events of one connection, in order. It is never called
// with the connection's lock held, so it may call back into the connection.
type Sink func(transport.Inbound)

type State int

const (
	Idle State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const readBufferSize = 8192

// Connection is one client's link to a game server. At most one socket is
// open at a time; connecting again replaces the previous one.
type Connection struct {
	id   string
	sup  *Supervisor
	sink Sink

	mu         sync.Mutex
	state      State
	generation uint64
	host       string
	port       int
	conn       net.Conn
	decoder    *telnet.Decoder
	codec      *codec
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Target returns the host and port of the current or last connection.
func (c *Connection) Target() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host, c.port
}

// GMCPNegotiated reports whether the server agreed to speak GMCP.
func (c *Connection) GMCPNegotiated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decoder != nil && c.decoder.Negotiated()
}

func (c *Connection) emit(ev transport.Inbound) {
	if c.sink != nil {
		c.sink(ev)
	}
}

func (c *Connection) fail(err error) error {
	c.emit(transport.Error{Message: err.Error()})
	return err
}

// Handle applies a client request.
func (c *Connection) Handle(ctx context.Context, req transport.Outbound) error {
	switch r := req.(type) {
	case transport.Connect:
		return c.Connect(ctx, r.Host, r.Port, r.Encoding, r.GMCP)
	case transport.Disconnect:
		c.Disconnect()
		return nil
	case transport.Send:
		return c.Send(r.Data)
	case transport.SendGMCP:
		return c.SendGMCP(r.Module, r.Data)
	}
	return errors.Errorf("unsupported request %T", req)
}

// Connect validates the target, resolves it, and opens the socket. Any
// existing socket is closed first. Validation and policy failures are
// reported to the sink as error events before any network activity.
func (c *Connection) Connect(ctx context.Context, host string, port int, encoding string, gmcp bool) error {
	if err := validateTarget(host, port); err != nil {
		c.sup.metrics.Rejected("validation")
		return c.fail(err)
	}
	cd, err := newCodec(encoding)
	if err != nil {
		c.sup.metrics.Rejected("validation")
		return c.fail(err)
	}

	c.Disconnect()
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.state = Connecting
	c.host, c.port = host, port
	c.mu.Unlock()

	abort := func(err error) error {
		c.mu.Lock()
		if c.generation == gen {
			c.state = Idle
		}
		c.mu.Unlock()
		return c.fail(err)
	}

	ip, err := c.sup.validator.Resolve(ctx, host)
	if err != nil {
		if errors.As(err, &PolicyError{}) {
			c.sup.metrics.Rejected("policy")
		} else {
			c.sup.metrics.ConnectFailed()
		}
		return abort(err)
	}

	dialCtx := ctx
	if c.sup.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.sup.config.DialTimeout)
		defer cancel()
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	conn, err := c.sup.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		c.sup.metrics.ConnectFailed()
		return abort(mudscape.WithStack(err))
	}

	c.mu.Lock()
	if c.generation != gen {
		// Disconnected or replaced while dialing.
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.decoder = c.sup.decoder(gmcp)
	c.codec = cd
	c.state = Connected
	c.mu.Unlock()
	c.sup.metrics.ConnectionOpened()
	log.Printf("%s connected to %s (%s)", c.id, net.JoinHostPort(host, strconv.Itoa(port)), addr)

	c.emit(transport.Connected{Host: host, Port: port})

	c.mu.Lock()
	if c.generation == gen {
		if offer := c.decoder.Offer(); offer != nil {
			if _, err := conn.Write(offer); err != nil {
				log.Printf("%s offering GMCP: %v", c.id, err)
			}
		}
	}
	c.mu.Unlock()

	go c.readLoop(gen, conn)
	return nil
}

func (c *Connection) readLoop(gen uint64, conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.sup.metrics.Received(n)
			c.receive(gen, conn, buf[:n])
		}
		if err != nil {
			c.closed(gen, err)
			return
		}
	}
}

func (c *Connection) receive(gen uint64, conn net.Conn, chunk []byte) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	batch := c.decoder.Feed(chunk)
	for _, reply := range batch.Replies {
		if _, err := conn.Write(reply); err != nil {
			log.Printf("%s replying to negotiation: %v", c.id, err)
			break
		}
	}
	events := make([]transport.Inbound, 0, len(batch.Events))
	for _, ev := range batch.Events {
		switch e := ev.(type) {
		case telnet.Text:
			if s := c.codec.decode(e.Content); s != "" {
				events = append(events, transport.Data{Content: s})
			}
		case telnet.GMCP:
			events = append(events, transport.GMCP{Module: e.Module, Data: e.Data})
		case telnet.Negotiation:
			log.Printf("%s received %s %s", c.id, telnet.CommandName(e.Command), telnet.OptionName(e.Option))
		case telnet.Subnegotiation:
			log.Printf("%s ignored subnegotiation for %s (%d bytes)", c.id, telnet.OptionName(e.Option), len(e.Data))
		}
	}
	c.mu.Unlock()
	for _, ev := range events {
		c.emit(ev)
	}
}

func (c *Connection) closed(gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.state = Idle
	c.conn.Close()
	c.conn = nil
	c.mu.Unlock()
	c.sup.metrics.ConnectionClosed()

	reason := "connection closed by server"
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.emit(transport.Error{Message: err.Error()})
		reason = err.Error()
	}
	log.Printf("%s disconnected: %s", c.id, reason)
	c.emit(transport.Disconnected{Reason: reason})
}

// Disconnect closes the socket, if any, and emits disconnected. Pending
// connect attempts are abandoned.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.generation++
	conn := c.conn
	was := c.state
	c.conn = nil
	c.state = Idle
	c.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	if was == Connected {
		c.sup.metrics.ConnectionClosed()
	}
	log.Printf("%s disconnected by client", c.id)
	c.emit(transport.Disconnected{Reason: "disconnected"})
}

func (c *Connection) write(b []byte) error {
	if _, err := c.conn.Write(b); err != nil {
		return mudscape.WithStack(err)
	}
	return nil
}

// Send writes text followed by CRLF, encoded for the server and with IAC
// bytes escaped. It is a no-op unless connected.
func (c *Connection) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	b, err := c.codec.encode(text + "\r\n")
	if err != nil {
		return err
	}
	return c.write(telnet.Escape(b))
}

// SendGMCP writes a GMCP message. It is a no-op unless connected with GMCP
// negotiated.
func (c *Connection) SendGMCP(module string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected || !c.decoder.Negotiated() {
		return nil
	}
	frame, err := telnet.GMCPFrame(module, data)
	if err != nil {
		return err
	}
	return c.write(frame)
}
