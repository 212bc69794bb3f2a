package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/dcrodman/multiworld/internal/packets"
)

var ErrConnClosed = errors.New("connection closed")

// How long a single write may block before the connection is considered dead.
const writeTimeout = 10 * time.Second

type outgoing struct {
	frame []byte
	done  func(error)
}

// Conn is the socket side of a connection. Sends are queued and written in order
// by a dedicated goroutine so that callers never block on the network.
type Conn struct {
	connection net.Conn
	ipAddr     string
	port       string

	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	// closing lets the writer flush what is queued before closing the socket.
	closing bool
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps connection and starts its writer.
func NewConn(connection net.Conn) *Conn {
	host, port, err := net.SplitHostPort(connection.RemoteAddr().String())
	if err != nil {
		host = connection.RemoteAddr().String()
	}

	c := &Conn{
		connection: connection,
		ipAddr:     host,
		port:       port,
		pending:    queue.New(),
		done:       make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.writeLoop()
	return c
}

// IPAddr, Port and RemoteAddr describe the peer.
func (c *Conn) IPAddr() string     { return c.ipAddr }
func (c *Conn) Port() string       { return c.port }
func (c *Conn) RemoteAddr() string { return net.JoinHostPort(c.ipAddr, c.port) }

// Read consumes the available bytes directly from the connection.
func (c *Conn) Read(b []byte) (int, error) {
	return c.connection.Read(b)
}

// Send queues frame for delivery. done, if not nil, is called from the writer
// goroutine once the frame has been written or dropped.
func (c *Conn) Send(frame []byte, done func(error)) {
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		if done != nil {
			done(ErrConnClosed)
		}
		return
	}
	c.pending.Add(outgoing{frame: frame, done: done})
	c.mu.Unlock()
	c.cond.Signal()
}

// Pending returns the number of frames waiting to be written.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Length()
}

// Kick sends a disconnect with reason and closes the connection once everything
// queued before it has been written.
func (c *Conn) Kick(reason string) {
	c.Send(packets.Kick(reason), nil)
	c.CloseAfterFlush()
}

// CloseAfterFlush stops accepting new frames and closes the socket after the
// queued ones are written.
func (c *Conn) CloseAfterFlush() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Close closes the socket immediately. Queued frames are dropped and their
// callbacks receive ErrConnClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return c.closeSocket()
}

// Done is closed once the writer has exited and the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) closeSocket() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.connection.Close()
	})
	return err
}

func (c *Conn) writeLoop() {
	defer close(c.done)

	for {
		c.mu.Lock()
		for c.pending.Length() == 0 && !c.closing && !c.closed {
			c.cond.Wait()
		}
		if c.closed || c.pending.Length() == 0 {
			dropped := c.drain()
			c.mu.Unlock()
			for _, out := range dropped {
				if out.done != nil {
					out.done(ErrConnClosed)
				}
			}
			_ = c.closeSocket()
			return
		}
		out := c.pending.Remove().(outgoing)
		c.mu.Unlock()

		err := c.transmit(out.frame)
		if out.done != nil {
			out.done(err)
		}
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
		}
	}
}

// drain empties the queue. Must be called with mu held.
func (c *Conn) drain() []outgoing {
	var dropped []outgoing
	for c.pending.Length() > 0 {
		dropped = append(dropped, c.pending.Remove().(outgoing))
	}
	return dropped
}

// transmit writes the contents of data to the connection until all of it is sent.
func (c *Conn) transmit(data []byte) error {
	_ = c.connection.SetWriteDeadline(time.Now().Add(writeTimeout))

	bytesSent := 0
	for bytesSent < len(data) {
		n, err := c.connection.Write(data[bytesSent:])
		if err != nil {
			return fmt.Errorf("failed to send to client %v: %w", c.RemoteAddr(), err)
		}
		bytesSent += n
	}
	return nil
}
