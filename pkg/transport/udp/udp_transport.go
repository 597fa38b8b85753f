// Package udp implements the best-effort datagram control channel: a serve
// side that feeds inbound datagrams to a single consumer, and a client side
// doing request/response with a fixed reply deadline. A lost request or
// reply surfaces to the caller only as that deadline expiring; the channel
// has no sequence numbers and no retransmission.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"meshshare/pkg/logger"
	"meshshare/pkg/protocol"
)

// Datagram is one inbound control datagram and its source address.
type Datagram struct {
	From    *net.UDPAddr
	Payload []byte
}

// Endpoint is the serve side of the control channel. A background read loop
// pushes datagrams into a channel consumed by exactly one loop, so request
// handling stays strictly sequential.
type Endpoint struct {
	listenAddr string
	datagramCh chan Datagram
	closeOnce  sync.Once

	// mu guards conn: Listen assigns it while Addr, Reply and Close may
	// run from other goroutines (the status shell reads the bound address
	// while the serve loop is still starting).
	mu   sync.Mutex
	conn *net.UDPConn
}

func NewEndpoint(addr string) *Endpoint {
	return &Endpoint{
		listenAddr: addr,
		datagramCh: make(chan Datagram, 1024),
	}
}

// Listen binds the UDP socket and starts the read loop.
func (e *Endpoint) Listen() error {
	udpAddr, err := net.ResolveUDPAddr("udp", e.listenAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", e.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.listenAddr, err)
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	go e.readLoop(conn)
	return nil
}

func (e *Endpoint) readLoop(conn *net.UDPConn) {
	defer close(e.datagramCh)

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Sugar.Errorf("[UDPEndpoint] read error: listen=%s err=%v", e.listenAddr, err)
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		e.datagramCh <- Datagram{From: from, Payload: payload}
	}
}

// Consume returns the inbound datagram stream. The channel is closed when
// the endpoint closes.
func (e *Endpoint) Consume() <-chan Datagram {
	return e.datagramCh
}

// Reply sends one response datagram back to a request's source address.
func (e *Endpoint) Reply(to *net.UDPAddr, payload []byte) error {
	conn := e.current()
	if conn == nil {
		return fmt.Errorf("endpoint not listening")
	}
	_, err := conn.WriteToUDP(payload, to)
	return err
}

func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if conn := e.current(); conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// Addr returns the bound address, including the kernel-chosen port when the
// endpoint was created with port 0.
func (e *Endpoint) Addr() string {
	if conn := e.current(); conn != nil {
		return conn.LocalAddr().String()
	}
	return e.listenAddr
}

func (e *Endpoint) current() *net.UDPConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Client is the peer side of the control channel: one connected UDP socket
// doing serialized request/response exchanges against the coordinator.
type Client struct {
	mu      sync.Mutex
	conn    *net.UDPConn
	timeout time.Duration
}

// NewClient connects a UDP socket to the coordinator. timeout bounds how
// long RoundTrip waits for a reply datagram.
func NewClient(serverAddr string, timeout time.Duration) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", serverAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverAddr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// RoundTrip sends one request datagram and waits for one reply. The mutex
// keeps concurrent callers from interleaving their request/reply pairs on
// the shared socket.
func (c *Client) RoundTrip(payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	reply := make([]byte, n)
	copy(reply, buf[:n])
	return reply, nil
}

// Send fires one datagram without expecting a reply (heartbeats).
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(payload)
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}
