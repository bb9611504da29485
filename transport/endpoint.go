// Package transport provides the message-oriented network layer behind the
// discovery engine: a TCP endpoint that frames whole payloads, delivers them
// through callbacks, and never surfaces byte streams or partial writes.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/RAttab/slick-network/logger"
)

const (
	// MaxPayload bounds a single framed message. Larger frames are a
	// protocol violation and close the connection.
	MaxPayload = 1 << 20

	dialTimeout     = 5 * time.Second
	writeQueueDepth = 64
)

// Handler receives endpoint events. Callbacks are invoked from endpoint
// goroutines; implementations must not block for long and must tolerate
// OnLostConnection for connections they closed themselves.
type Handler interface {
	OnNewConnection(fd int)
	OnLostConnection(fd int)
	OnPayload(fd int, payload []byte)
	OnDroppedPayload(fd int, payload []byte)
}

// Endpoint is a message-oriented TCP duplex. Every payload is delivered
// whole or dropped; framing is a big-endian u32 length prefix.
//
// Connections are identified by small integer tokens handed out in
// monotonically increasing order, so a token is never reused within the
// lifetime of an endpoint.
type Endpoint struct {
	lis net.Listener

	mu      sync.Mutex
	handler Handler
	conns   map[int]*conn
	nextFD  int
	closed  bool

	wg sync.WaitGroup
}

type conn struct {
	fd   int
	c    net.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(fd int, c net.Conn) *conn {
	return &conn{
		fd:   fd,
		c:    c,
		out:  make(chan []byte, writeQueueDepth),
		done: make(chan struct{}),
	}
}

// Listen binds a TCP listener on the given port. Port 0 binds an ephemeral
// port; use Port to recover it. The endpoint does not accept connections
// until Start is called.
func Listen(port uint16) (*Endpoint, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("endpoint listen: %w", err)
	}
	return &Endpoint{
		lis:    lis,
		conns:  make(map[int]*conn),
		nextFD: 1,
	}, nil
}

// Port returns the bound listen port.
func (e *Endpoint) Port() uint16 {
	return uint16(e.lis.Addr().(*net.TCPAddr).Port)
}

// Start installs the handler and begins accepting connections.
func (e *Endpoint) Start(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()

	e.wg.Add(1)
	go e.acceptLoop()
}

func (e *Endpoint) acceptLoop() {
	defer e.wg.Done()
	for {
		c, err := e.lis.Accept()
		if err != nil {
			// Listener closed during shutdown, or a transient
			// accept failure; either way the loop is done only
			// when the endpoint is.
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			logger.Errorf("accept: %v", err)
			continue
		}
		e.register(c)
	}
}

// register installs an established net.Conn, starts its reader and writer
// and announces it to the handler. Returns -1 if the endpoint is closed.
func (e *Endpoint) register(c net.Conn) int {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		c.Close()
		return -1
	}
	fd := e.nextFD
	e.nextFD++
	cn := newConn(fd, c)
	e.conns[fd] = cn
	h := e.handler
	e.mu.Unlock()

	e.wg.Add(2)
	go e.readLoop(cn, h)
	go e.writeLoop(cn)

	h.OnNewConnection(fd)
	return fd
}

// Connect opens an outbound connection to the first address of node that
// accepts. The returned token is valid immediately; the dial itself runs in
// the background. Success surfaces as OnNewConnection, failure as
// OnLostConnection with the same token.
func (e *Endpoint) Connect(node NodeAddress) (int, error) {
	if len(node) == 0 {
		return -1, fmt.Errorf("connect: empty node address")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return -1, fmt.Errorf("connect: endpoint is shut down")
	}
	fd := e.nextFD
	e.nextFD++
	h := e.handler
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, addr := range node {
			c, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
			if err != nil {
				logger.Debugf("dial %s: %v", addr, err)
				continue
			}
			if !e.adopt(fd, c, h) {
				c.Close()
				return
			}
			h.OnNewConnection(fd)
			return
		}
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if !closed {
			h.OnLostConnection(fd)
		}
	}()
	return fd, nil
}

// adopt installs an outbound conn under its pre-allocated token.
func (e *Endpoint) adopt(fd int, c net.Conn, h Handler) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	cn := newConn(fd, c)
	e.conns[fd] = cn
	e.mu.Unlock()

	e.wg.Add(2)
	go e.readLoop(cn, h)
	go e.writeLoop(cn)
	return true
}

func (e *Endpoint) readLoop(cn *conn, h Handler) {
	defer e.wg.Done()
	defer e.drop(cn, h)

	var head [4]byte
	for {
		if _, err := io.ReadFull(cn.c, head[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(head[:])
		if size > MaxPayload {
			logger.Errorf("conn %d: oversized frame %d bytes", cn.fd, size)
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(cn.c, payload); err != nil {
			return
		}
		h.OnPayload(cn.fd, payload)
	}
}

func (e *Endpoint) writeLoop(cn *conn) {
	defer e.wg.Done()
	var head [4]byte
	for {
		select {
		case payload := <-cn.out:
			binary.BigEndian.PutUint32(head[:], uint32(len(payload)))
			if _, err := cn.c.Write(head[:]); err != nil {
				return
			}
			if _, err := cn.c.Write(payload); err != nil {
				return
			}
		case <-cn.done:
			return
		}
	}
}

// drop removes the connection and fires OnLostConnection exactly once.
func (e *Endpoint) drop(cn *conn, h Handler) {
	cn.once.Do(func() {
		cn.c.Close()
		close(cn.done)

		e.mu.Lock()
		delete(e.conns, cn.fd)
		closed := e.closed
		e.mu.Unlock()

		if !closed {
			h.OnLostConnection(cn.fd)
		}
	})
}

// Send queues a payload on the connection. If the writer queue is full the
// payload is dropped and reported through OnDroppedPayload rather than
// blocking the caller.
func (e *Endpoint) Send(fd int, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("send: payload of %d bytes exceeds limit", len(payload))
	}

	e.mu.Lock()
	cn, ok := e.conns[fd]
	h := e.handler
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("send: unknown connection %d", fd)
	}

	select {
	case cn.out <- payload:
	case <-cn.done:
		return fmt.Errorf("send: connection %d is closed", fd)
	default:
		h.OnDroppedPayload(fd, payload)
	}
	return nil
}

// Broadcast queues the payload on every active connection.
func (e *Endpoint) Broadcast(payload []byte) {
	e.mu.Lock()
	fds := make([]int, 0, len(e.conns))
	for fd := range e.conns {
		fds = append(fds, fd)
	}
	e.mu.Unlock()

	for _, fd := range fds {
		_ = e.Send(fd, payload)
	}
}

// CloseConn closes a single connection. The handler still receives
// OnLostConnection for it.
func (e *Endpoint) CloseConn(fd int) {
	e.mu.Lock()
	cn, ok := e.conns[fd]
	h := e.handler
	e.mu.Unlock()
	if ok {
		e.drop(cn, h)
	}
}

// Shutdown closes the listener and every connection and waits for the
// endpoint goroutines to finish. No callbacks fire after Shutdown returns.
func (e *Endpoint) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*conn, 0, len(e.conns))
	for _, cn := range e.conns {
		conns = append(conns, cn)
	}
	h := e.handler
	e.mu.Unlock()

	err := e.lis.Close()
	for _, cn := range conns {
		e.drop(cn, h)
	}
	e.wg.Wait()
	return err
}
