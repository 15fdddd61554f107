// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/molecula/lattice/logger"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ChannelNetwork wires runtimes in the same process together, one
// endpoint per address space. Delivery is ordered per sender-receiver
// pair and asynchronous, matching the guarantees the protocol assumes
// from a real transport. Used by tests and single-binary clusters.
type ChannelNetwork struct {
	mu      sync.Mutex
	members map[AddressSpaceID]*ChannelTransport
}

// NewChannelNetwork returns an empty in-process network.
func NewChannelNetwork() *ChannelNetwork {
	return &ChannelNetwork{members: make(map[AddressSpaceID]*ChannelTransport)}
}

// Transport returns the endpoint for space, creating it on first use.
func (n *ChannelNetwork) Transport(space AddressSpaceID) *ChannelTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.members[space]; ok {
		return t
	}
	t := &ChannelTransport{
		net:   n,
		space: space,
		recv:  make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	n.members[space] = t
	return t
}

func (n *ChannelNetwork) member(space AddressSpaceID) (*ChannelTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.members[space]
	return t, ok
}

// ChannelTransport is one space's endpoint on a ChannelNetwork.
type ChannelTransport struct {
	net   *ChannelNetwork
	space AddressSpaceID
	recv  chan []byte
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Transport = (*ChannelTransport)(nil)

// Bind starts delivering received frames to rt. Call once, before the
// runtime opens.
func (t *ChannelTransport) Bind(rt *Runtime) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case data := <-t.recv:
				if err := rt.Receive(data); err != nil {
					rt.logger.Errorf("receive on space %d: %v", t.space, err)
				}
			case <-t.done:
				return
			}
		}
	}()
}

// SendTo implements Transport.
func (t *ChannelTransport) SendTo(target AddressSpaceID, data []byte) error {
	peer, ok := t.net.member(target)
	if !ok {
		return errors.Errorf("no transport bound for space %d", target)
	}
	// Copy: the sender may reuse its buffer.
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case peer.recv <- frame:
		return nil
	case <-peer.done:
		return errors.Errorf("space %d transport closed", target)
	}
}

// Close implements Transport.
func (t *ChannelTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	t.wg.Wait()
	return nil
}

// TCPTransport carries protocol frames between spaces over TCP with
// 4-byte big-endian length framing. One listener per space; outbound
// connections are dialed lazily and kept open. The peer table is static:
// the protocol's ownership scheme needs every space to be reachable by
// its AddressSpaceID.
type TCPTransport struct {
	space   AddressSpaceID
	peers   map[AddressSpaceID]string
	handler func([]byte) error
	logger  logger.Logger

	ln     net.Listener
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu    sync.Mutex
	conns map[AddressSpaceID]net.Conn
}

var _ Transport = (*TCPTransport)(nil)

// TCPTransportOption configures a TCPTransport.
type TCPTransportOption func(*TCPTransport)

// OptTCPTransportLogger sets the transport's logger.
func OptTCPTransportLogger(l logger.Logger) TCPTransportOption {
	return func(t *TCPTransport) { t.logger = l }
}

// NewTCPTransport listens on bind and delivers inbound frames to
// handler. peers maps every space in the cluster, including this one, to
// its dialable address.
func NewTCPTransport(space AddressSpaceID, bind string, peers map[AddressSpaceID]string, handler func([]byte) error, opts ...TCPTransportOption) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", bind)
	}
	t := &TCPTransport{
		space:   space,
		peers:   peers,
		handler: handler,
		logger:  logger.NopLogger,
		ln:      ln,
		conns:   make(map[AddressSpaceID]net.Conn),
	}
	for _, opt := range opts {
		opt(t)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.eg, ctx = errgroup.WithContext(ctx)
	t.eg.Go(func() error { return t.acceptLoop(ctx) })
	return t, nil
}

// Addr returns the listener's address.
func (t *TCPTransport) Addr() net.Addr { return t.ln.Addr() }

func (t *TCPTransport) acceptLoop(ctx context.Context) error {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "accepting connection")
		}
		t.eg.Go(func() error {
			t.serveConn(ctx, conn)
			return nil
		})
	}
}

func (t *TCPTransport) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				t.logger.Errorf("reading frame header from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		frame := make([]byte, n)
		if _, err := io.ReadFull(conn, frame); err != nil {
			if ctx.Err() == nil {
				t.logger.Errorf("reading frame body from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if err := t.handler(frame); err != nil {
			t.logger.Errorf("handling frame from %s: %v", conn.RemoteAddr(), err)
		}
	}
}

// SendTo implements Transport. Frames to one target share a connection
// and are written atomically under a lock, preserving per-pair order.
func (t *TCPTransport) SendTo(target AddressSpaceID, data []byte) error {
	addr, ok := t.peers[target]
	if !ok {
		return errors.Errorf("no peer address for space %d", target)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[target]
	if !ok {
		var err error
		conn, err = net.Dial("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "dialing space %d at %s", target, addr)
		}
		t.conns[target] = conn
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := conn.Write(hdr[:]); err == nil {
		_, err = conn.Write(data)
		if err == nil {
			return nil
		}
	}
	// One reconnect attempt: the peer may have restarted.
	conn.Close()
	delete(t.conns, target)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "redialing space %d at %s", target, addr)
	}
	t.conns[target] = conn
	if _, err := conn.Write(hdr[:]); err != nil {
		return errors.Wrapf(err, "writing frame header to space %d", target)
	}
	if _, err := conn.Write(data); err != nil {
		return errors.Wrapf(err, "writing frame to space %d", target)
	}
	return nil
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	t.cancel()
	err := t.ln.Close()
	t.mu.Lock()
	for space, conn := range t.conns {
		conn.Close()
		delete(t.conns, space)
	}
	t.mu.Unlock()
	if egErr := t.eg.Wait(); egErr != nil && err == nil {
		err = egErr
	}
	return err
}
