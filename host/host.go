// Package host carries frames between two machines over QUIC. Datagrams model
// the lossy optical channel: frames may be dropped, duplicated or reordered
// and the receiving session recovers the file regardless.
package host

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	logging "github.com/ipfs/go-log/v2"
	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("host")

const (
	DefaultPort = 7001

	// ALPN identifier negotiated on every connection
	protocolID = "qrstream/1"
)

// TransportMode defines how frames are carried over a QUIC connection
type TransportMode int

const (
	// TransportDatagram sends each frame as one unreliable datagram
	TransportDatagram TransportMode = iota
	// TransportStream sends length-prefixed frames over a reliable stream
	TransportStream
)

func (m TransportMode) String() string {
	switch m {
	case TransportDatagram:
		return "datagram"
	case TransportStream:
		return "stream"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MaxFrameLen is the largest frame a connection in this mode sends
func (m TransportMode) MaxFrameLen() int {
	if m == TransportStream {
		return MaxFrameSize
	}
	return MaxDatagramSize
}

// ParseTransportMode parses "datagram" or "stream"
func ParseTransportMode(s string) (TransportMode, error) {
	switch s {
	case "datagram":
		return TransportDatagram, nil
	case "stream":
		return TransportStream, nil
	default:
		return 0, fmt.Errorf("unknown transport mode %q", s)
	}
}

// HostOption configures a Host during construction
type HostOption func(*Host) error

// Host is a QUIC endpoint with an ed25519 identity. It both accepts and
// dials connections, one per peer.
type Host struct {
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup

	mutex       sync.Mutex // Protects connections and handlers
	connections map[peer.ID]Connection

	transportMode TransportMode
	lossRate      float64 // Fraction of outgoing datagrams dropped on purpose

	certificate *tls.Certificate
	endpoint    *net.UDPAddr
	peerID      peer.ID
	privateKey  crypto.PrivateKey

	transport *quic.Transport
	listener  *quic.Listener

	statsMutex    sync.Mutex
	framesSent    uint64
	framesDropped uint64
	bytesSent     uint64
	bytesReceived uint64

	addHandler    AddPeerHandler
	removeHandler RemovePeerHandler
}

// NewHost creates a host listening on its endpoint
func NewHost(opts ...HostOption) (*Host, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Host{
		ctx:    ctx,
		cancel: cancel,

		endpoint:      net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultPort)),
		connections:   make(map[peer.ID]Connection),
		transportMode: TransportDatagram,
	}

	for _, opt := range opts {
		if err := opt(h); err != nil {
			cancel()
			return nil, err
		}
	}

	if h.privateKey == nil {
		_, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := WithIdentity(privateKey)(h); err != nil {
			cancel()
			return nil, err
		}
	}

	var err error
	if h.certificate, err = createTLSCertFromKey(h.privateKey); err != nil {
		cancel()
		return nil, err
	}

	udpConn, err := net.ListenUDP("udp", h.endpoint)
	if err != nil {
		cancel()
		return nil, err
	}
	h.transport = &quic.Transport{Conn: udpConn}

	tlsConfig := &tls.Config{
		Certificates:          []tls.Certificate{*h.certificate},
		ClientAuth:            tls.RequireAnyClientCert,
		NextProtos:            []string{protocolID},
		VerifyPeerCertificate: verifyPeerCertificate,
	}
	h.listener, err = h.transport.Listen(tlsConfig, h.quicConfig())
	if err != nil {
		udpConn.Close()
		cancel()
		return nil, err
	}

	h.waitGroup.Add(1)
	go h.acceptLoop()

	return h, nil
}

func (h *Host) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// Connect dials a peer and returns the connection to it
func (h *Host) Connect(ctx context.Context, addr net.Addr) (peer.ID, Connection, error) {
	// Dialing stops when either the host or the caller gives up
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*h.certificate},
		NextProtos:   []string{protocolID},
		// Peers use self-signed certificates. The identity is the peer ID
		// derived from the certificate key, checked below.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerCertificate,
	}
	conn, err := h.transport.Dial(dialCtx, addr, tlsConfig, h.quicConfig())
	if err != nil {
		return "", nil, err
	}

	peerID, wrapped, err := h.handleConnection(conn)
	if err != nil {
		conn.CloseWithError(0, err.Error())
		return "", nil, err
	}
	log.Infof("connected to %s at %s over %s", peerID, addr, h.transportMode)
	return peerID, wrapped, nil
}

func (h *Host) LocalAddr() net.Addr {
	return h.transport.Conn.LocalAddr()
}

func (h *Host) ID() peer.ID {
	return h.peerID
}

// Connections returns a snapshot of the current connections
func (h *Host) Connections() map[peer.ID]Connection {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	conns := make(map[peer.ID]Connection, len(h.connections))
	for id, c := range h.connections {
		conns[id] = c
	}
	return conns
}

func (h *Host) Close() error {
	h.cancel()
	err := h.transport.Close()
	h.waitGroup.Wait()
	return err
}

// AddPeerHandler is called when a new peer connects
type AddPeerHandler func(peer.ID, Connection)

// RemovePeerHandler is called when a peer disconnects
type RemovePeerHandler func(peer.ID)

// SetPeerHandlers registers callbacks for peer connection events. The add
// handler is called at once for peers that are already connected.
func (h *Host) SetPeerHandlers(addHandler AddPeerHandler, removeHandler RemovePeerHandler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.addHandler = addHandler
	h.removeHandler = removeHandler

	if h.addHandler != nil {
		for peerID, conn := range h.connections {
			h.addHandler(peerID, conn)
		}
	}
}

// handleConnection registers a new incoming or outgoing connection
func (h *Host) handleConnection(conn quic.Connection) (peer.ID, Connection, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return "", nil, errors.New("peer presented no certificate")
	}
	peerID, err := parsePeerIDFromCertificate(certs[0])
	if err != nil {
		return "", nil, fmt.Errorf("failed parsing for a peer ID from the TLS certificate: %w", err)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, exists := h.connections[peerID]; exists {
		return "", nil, fmt.Errorf("already connected to peer %s", peerID)
	}

	wrapped := h.newConnection(conn)
	h.connections[peerID] = wrapped
	if h.addHandler != nil {
		h.addHandler(peerID, wrapped)
	}

	h.waitGroup.Add(1)
	go func() {
		defer h.waitGroup.Done()
		<-conn.Context().Done()

		h.mutex.Lock()
		defer h.mutex.Unlock()
		delete(h.connections, peerID)
		if h.removeHandler != nil {
			h.removeHandler(peerID)
		}
	}()
	return peerID, wrapped, nil
}

// acceptLoop handles incoming connections until the host closes
func (h *Host) acceptLoop() {
	defer h.waitGroup.Done()

	log.Infof("listening on %s", h.LocalAddr())
	log.Infof("peer ID: %s", h.peerID)

	for {
		conn, err := h.listener.Accept(h.ctx)
		if err != nil {
			if h.ctx.Err() == nil {
				log.Warnf("listener accept error: %v", err)
			}
			return
		}

		peerID, _, err := h.handleConnection(conn)
		if err != nil {
			log.Warnf("failed to handle connection: %v", err)
			conn.CloseWithError(0, err.Error())
			continue
		}
		log.Infof("accepted connection from %s at %s", peerID, conn.RemoteAddr())
	}
}

func WithAddrPort(ep netip.AddrPort) HostOption {
	return func(h *Host) error {
		h.endpoint = net.UDPAddrFromAddrPort(ep)
		return nil
	}
}

// WithTransportMode sets how frames are carried
func WithTransportMode(mode TransportMode) HostOption {
	return func(h *Host) error {
		if mode != TransportDatagram && mode != TransportStream {
			return fmt.Errorf("unsupported transport mode: %d", mode)
		}
		h.transportMode = mode
		return nil
	}
}

// WithLossRate drops the given fraction of outgoing datagrams, imitating
// frames the camera never captured. It has no effect in stream mode.
func WithLossRate(rate float64) HostOption {
	return func(h *Host) error {
		if rate < 0 || rate >= 1 {
			return fmt.Errorf("loss rate must be in [0, 1), got %v", rate)
		}
		h.lossRate = rate
		return nil
	}
}

// WithIdentity sets the host's identity from an ed25519 private key
func WithIdentity(privateKey crypto.PrivateKey) HostOption {
	return func(h *Host) error {
		key, ok := privateKey.(ed25519.PrivateKey)
		if !ok {
			return fmt.Errorf("unsupported key type: %T", privateKey)
		}
		privkey, err := ic.UnmarshalEd25519PrivateKey(key)
		if err != nil {
			return err
		}
		peerID, err := peer.IDFromPublicKey(privkey.GetPublic())
		if err != nil {
			return err
		}

		h.privateKey = privateKey
		h.peerID = peerID
		return nil
	}
}

// Stats is a snapshot of the host's traffic counters
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
	BytesSent     uint64
	BytesReceived uint64
}

// Stats returns the traffic counters
func (h *Host) Stats() Stats {
	h.statsMutex.Lock()
	defer h.statsMutex.Unlock()
	return Stats{
		FramesSent:    h.framesSent,
		FramesDropped: h.framesDropped,
		BytesSent:     h.bytesSent,
		BytesReceived: h.bytesReceived,
	}
}

func (h *Host) addSent(n int, dropped bool) {
	h.statsMutex.Lock()
	defer h.statsMutex.Unlock()
	if dropped {
		h.framesDropped++
		return
	}
	h.framesSent++
	h.bytesSent += uint64(n)
}

func (h *Host) addReceived(n int) {
	h.statsMutex.Lock()
	defer h.statsMutex.Unlock()
	h.bytesReceived += uint64(n)
}

// createTLSCertFromKey creates a self-signed certificate from a private key
func createTLSCertFromKey(key crypto.PrivateKey) (*tls.Certificate, error) {
	privateKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type: %T", key)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "qrstream"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, privateKey.Public(), privateKey)
	if err != nil {
		return nil, err
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	// Go 1.23+ populates Leaf in X509KeyPair; do the same on older toolchains.
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(certDER); err != nil {
			return nil, err
		}
	}
	return &cert, nil
}

// verifyPeerCertificate rejects peers whose certificate carries no usable identity
func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("no peer certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	_, err = parsePeerIDFromCertificate(cert)
	return err
}

// parsePeerIDFromCertificate derives the peer ID from a certificate's public key
func parsePeerIDFromCertificate(cert *x509.Certificate) (peer.ID, error) {
	key, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("unsupported public key type: %T", cert.PublicKey)
	}
	pubkey, err := ic.UnmarshalEd25519PublicKey(key)
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(pubkey)
}
