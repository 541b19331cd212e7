package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"

	quic "github.com/quic-go/quic-go"
)

const (
	// MaxFrameSize bounds a frame read from a stream
	MaxFrameSize = 64 << 10
	// MaxDatagramSize is the largest frame sent as a single datagram. It stays
	// below the payload quic-go accepts in a DATAGRAM frame before path MTU
	// discovery raises the packet size.
	MaxDatagramSize = 1100
)

// ErrFrameTooLarge is returned when a frame does not fit the transport
var ErrFrameTooLarge = errors.New("frame too large for transport")

type Sender interface {
	Send([]byte) error
	// MaxFrameLen is the largest buffer Send accepts
	MaxFrameLen() int

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type Receiver interface {
	Receive(context.Context) ([]byte, error)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

type Connection interface {
	Sender
	Receiver

	// Close closes the underlying connection
	Close() error
}

// newConnection wraps a QUIC connection according to the transport mode
func (h *Host) newConnection(conn quic.Connection) Connection {
	switch h.transportMode {
	case TransportStream:
		return newStreamConnection(conn, h)
	default:
		return &datagramConnection{conn: conn, host: h}
	}
}

// datagramConnection sends one frame per QUIC datagram
type datagramConnection struct {
	conn quic.Connection
	host *Host

	randMutex sync.Mutex
	rand      *rand.Rand
}

func (dc *datagramConnection) drop() bool {
	if dc.host.lossRate == 0 {
		return false
	}
	dc.randMutex.Lock()
	defer dc.randMutex.Unlock()
	if dc.rand == nil {
		dc.rand = rand.New(rand.NewSource(rand.Int63()))
	}
	return dc.rand.Float64() < dc.host.lossRate
}

func (dc *datagramConnection) Send(buf []byte) error {
	if len(buf) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes, datagrams carry at most %d", ErrFrameTooLarge, len(buf), MaxDatagramSize)
	}
	if dc.drop() {
		dc.host.addSent(len(buf), true)
		return nil
	}
	if err := dc.conn.SendDatagram(buf); err != nil {
		return err
	}
	dc.host.addSent(len(buf), false)
	return nil
}

func (dc *datagramConnection) Receive(ctx context.Context) ([]byte, error) {
	buf, err := dc.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, err
	}
	dc.host.addReceived(len(buf))
	return buf, nil
}

func (dc *datagramConnection) MaxFrameLen() int     { return MaxDatagramSize }
func (dc *datagramConnection) LocalAddr() net.Addr  { return dc.conn.LocalAddr() }
func (dc *datagramConnection) RemoteAddr() net.Addr { return dc.conn.RemoteAddr() }
func (dc *datagramConnection) Close() error         { return dc.conn.CloseWithError(0, "") }

// streamConnection sends length-prefixed frames over one stream per direction
type streamConnection struct {
	conn quic.Connection
	host *Host

	sendMutex  sync.Mutex
	sendStream quic.Stream

	recvStream quic.Stream
	recvReady  chan struct{} // Closed once recvStream is set
}

func newStreamConnection(conn quic.Connection, h *Host) *streamConnection {
	sc := &streamConnection{
		conn:      conn,
		host:      h,
		recvReady: make(chan struct{}),
	}
	go sc.acceptStream()
	return sc
}

func (sc *streamConnection) acceptStream() {
	stream, err := sc.conn.AcceptStream(sc.conn.Context())
	if err != nil {
		return
	}
	sc.recvStream = stream
	close(sc.recvReady)
}

func (sc *streamConnection) Send(buf []byte) error {
	if len(buf) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes, stream frames carry at most %d", ErrFrameTooLarge, len(buf), MaxFrameSize)
	}
	sc.sendMutex.Lock()
	defer sc.sendMutex.Unlock()

	if sc.sendStream == nil {
		stream, err := sc.conn.OpenStreamSync(sc.conn.Context())
		if err != nil {
			return err
		}
		sc.sendStream = stream
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(buf)))
	if _, err := sc.sendStream.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := sc.sendStream.Write(buf); err != nil {
		return err
	}
	sc.host.addSent(len(prefix)+len(buf), false)
	return nil
}

func (sc *streamConnection) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-sc.recvReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Stream reads do not observe ctx
	stop := context.AfterFunc(ctx, func() { sc.recvStream.CancelRead(0) })
	defer stop()

	var prefix [4]byte
	if _, err := io.ReadFull(sc.recvStream, prefix[:]); err != nil {
		return nil, sc.readErr(ctx, err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", length, MaxFrameSize)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(sc.recvStream, buf); err != nil {
		return nil, sc.readErr(ctx, err)
	}
	sc.host.addReceived(len(prefix) + len(buf))
	return buf, nil
}

func (sc *streamConnection) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (sc *streamConnection) MaxFrameLen() int     { return MaxFrameSize }
func (sc *streamConnection) LocalAddr() net.Addr  { return sc.conn.LocalAddr() }
func (sc *streamConnection) RemoteAddr() net.Addr { return sc.conn.RemoteAddr() }
func (sc *streamConnection) Close() error         { return sc.conn.CloseWithError(0, "") }
