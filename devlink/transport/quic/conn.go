package quic

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	q "github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/TheusHen/devlink/devlink/crypto"
	devlog "github.com/TheusHen/devlink/devlink/log"
	"github.com/TheusHen/devlink/devlink/protocol"
	"github.com/TheusHen/devlink/devlink/transfer"
)

var (
	ErrPlainTooLarge     = errors.New("quic: plain message too large")
	ErrSessionMismatch   = errors.New("quic: envelope belongs to another session")
	ErrReflected         = errors.New("quic: envelope was sent by this side of the connection")
	ErrSequenceExhausted = errors.New("quic: sequence numbers exhausted")
)

// listenerSeqBit marks sequence numbers sent by the accepting side, so the
// two directions of a connection never derive the same IV.
const listenerSeqBit = 1 << 31

// Options tunes a Conn. The zero value is usable.
type Options struct {
	// Logger receives connection events; nil discards them.
	Logger *logging.Logger
	// Metrics is shared by all connections of a peer; nil creates
	// unregistered counters.
	Metrics *Metrics
	// ChannelID is stamped on every outgoing header.
	ChannelID uint64
	// MaxFragmentBody bounds the body of one envelope in SendMessage.
	MaxFragmentBody int
	// Compression is applied to whole messages in SendMessage.
	Compression transfer.CompressionLevel
}

// Conn carries envelopes over one QUIC stream.
// Send* and Receive* may be called from different goroutines.
type Conn struct {
	conn    *q.Conn
	stream  *q.Stream
	cryptor *crypto.Cryptor
	log     *logging.Logger
	metrics *Metrics
	opts    Options
	session uint64
	dirBit  uint32

	frag  *transfer.Fragmenter
	reasm *transfer.Reassembler

	sendMu  sync.Mutex
	recvMu  sync.Mutex
	seq     uint32 // guarded by sendMu
	request atomic.Uint64
}

var discardLogger = func() *logging.Logger {
	b, err := devlog.New("", "ERROR", true)
	if err != nil {
		panic(err)
	}
	return b.GetLogger("transport")
}()

// newConn wraps an established stream. The SessionID comes from the TLS
// exporter and is therefore fresh for every connection.
func newConn(conn *q.Conn, stream *q.Stream, c *crypto.Cryptor, opts Options, listener bool) (*Conn, error) {
	session, err := sessionID(conn.ConnectionState().TLS)
	if err != nil {
		_ = conn.CloseWithError(0, "no session id")
		return nil, fmt.Errorf("quic: derive session id: %w", err)
	}
	var dirBit uint32
	if listener {
		dirBit = listenerSeqBit
	}

	l := opts.Logger
	if l == nil {
		l = discardLogger
	}
	m := opts.Metrics
	if m == nil {
		m, _ = NewMetrics(nil)
	}
	return &Conn{
		conn:    conn,
		stream:  stream,
		cryptor: c,
		log:     l,
		metrics: m,
		opts:    opts,
		session: session,
		dirBit:  dirBit,
		frag:    transfer.NewFragmenter(opts.MaxFragmentBody),
		reasm:   transfer.NewReassembler(0),
	}, nil
}

// SessionID returns the identifier both ends stamp on their envelopes.
func (c *Conn) SessionID() uint64 { return c.session }

// stamp must be called with sendMu held.
func (c *Conn) stamp(h *protocol.Header) error {
	if c.seq == listenerSeqBit-1 {
		return ErrSequenceExhausted
	}
	c.seq++
	h.SessionID = c.session
	h.ChannelID = c.opts.ChannelID
	h.SequenceNumber = c.seq | c.dirBit
	return nil
}

// Send encrypts body and writes one envelope. The connection assigns
// SessionID, ChannelID and SequenceNumber so that no two envelopes share an
// IV; h reflects the header as sent (pre-MAC MessageLength).
func (c *Conn) Send(h *protocol.Header, body []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stamp(h); err != nil {
		return err
	}
	return c.send(h, body)
}

func (c *Conn) send(h *protocol.Header, body []byte) error {
	envelope, err := c.cryptor.Seal(h, body)
	if err != nil {
		return err
	}
	if _, err := c.stream.Write(envelope); err != nil {
		return err
	}
	c.metrics.sent.Inc()
	c.log.Debugf("sent %s seq=%d frag=%d/%d len=%d", h.Type, h.SequenceNumber, h.FragmentIndex, h.FragmentCount, h.MessageLength)
	return nil
}

// SendPlain writes an unencrypted message.
func (c *Conn) SendPlain(h *protocol.Header, body []byte) error {
	if len(body) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrPlainTooLarge, len(body))
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stamp(h); err != nil {
		return err
	}
	h.Flags.Clear(protocol.FlagSessionEncrypted | protocol.FlagHasHMAC)
	h.MessageLength = uint16(len(body))

	buf, err := h.AppendBinary(make([]byte, 0, protocol.HeaderSize+len(body)))
	if err != nil {
		return err
	}
	if _, err := c.stream.Write(append(buf, body...)); err != nil {
		return err
	}
	c.metrics.sent.Inc()
	return nil
}

// Receive reads the next envelope. Security failures are fatal to the
// message and leave the stream at an undefined position; callers should
// close the connection.
func (c *Conn) Receive() (protocol.Header, []byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.receive()
}

func (c *Conn) receive() (protocol.Header, []byte, error) {
	h, body, err := c.cryptor.ReadEnvelope(c.stream)
	if err == nil {
		err = c.checkOrigin(h)
	}
	if err != nil {
		c.metrics.fail(err)
		if failureReason(err) != reasonIO {
			c.log.Warningf("dropping message seq=%d from %v: %v", h.SequenceNumber, c.conn.RemoteAddr(), err)
		}
		return h, nil, err
	}
	c.metrics.received.Inc()
	c.log.Debugf("received %s seq=%d frag=%d/%d len=%d", h.Type, h.SequenceNumber, h.FragmentIndex, h.FragmentCount, h.MessageLength)
	return h, body, nil
}

// checkOrigin rejects envelopes from another connection and envelopes this
// side sent itself. The MAC covers both fields.
func (c *Conn) checkOrigin(h protocol.Header) error {
	if h.SessionID != c.session {
		return fmt.Errorf("%w: %#x", ErrSessionMismatch, h.SessionID)
	}
	if h.SequenceNumber&listenerSeqBit == c.dirBit {
		return fmt.Errorf("%w: seq %#x", ErrReflected, h.SequenceNumber)
	}
	return nil
}

// SendMessage compresses, fragments and sends a body of any size up to
// transfer.MaxMessageSize. All fragments share one RequestID.
func (c *Conn) SendMessage(h protocol.Header, body []byte) error {
	wire := transfer.CompressBody(&h, body, c.opts.Compression)
	if h.RequestID == 0 {
		h.RequestID = c.request.Add(1)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.stamp(&h); err != nil {
		return err
	}
	frags, err := c.frag.Split(h, wire)
	if err != nil {
		return err
	}
	for i := range frags {
		if err := c.send(&frags[i].Header, frags[i].Body); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveMessage reads envelopes until one message is complete.
func (c *Conn) ReceiveMessage() (transfer.Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for {
		h, body, err := c.receive()
		if err != nil {
			return transfer.Message{}, err
		}
		m, done, err := c.reasm.Add(transfer.Message{Header: h, Body: body})
		if err != nil {
			c.metrics.fail(err)
			return transfer.Message{}, err
		}
		if !done {
			continue
		}
		m.Body, err = transfer.DecompressBody(m.Header, m.Body)
		if err != nil {
			c.metrics.fail(err)
			return transfer.Message{}, err
		}
		m.Header.Flags.Clear(protocol.FlagCompressed)
		return m, nil
	}
}

// Close closes the envelope stream for writing.
func (c *Conn) Close() error {
	return c.stream.Close()
}

// CloseWithError tears down the whole QUIC connection.
func (c *Conn) CloseWithError(code q.ApplicationErrorCode, msg string) error {
	return c.conn.CloseWithError(code, msg)
}
