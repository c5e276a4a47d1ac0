package devlink

import (
	"context"
	"errors"

	"github.com/TheusHen/devlink/devlink/crypto"
	"github.com/TheusHen/devlink/devlink/transport/quic"
)

var ErrNotListening = errors.New("peer is not listening")

// Peer combines the transport with one session secret. All connections of a
// peer share the same Cryptor.
type Peer struct {
	cryptor  *crypto.Cryptor
	opts     quic.Options
	listener *quic.Listener
}

func NewPeer(km crypto.KeyMaterial, opts quic.Options) (*Peer, error) {
	c, err := crypto.NewCryptor(km)
	if err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		if opts.Metrics, err = quic.NewMetrics(nil); err != nil {
			return nil, err
		}
	}
	return &Peer{cryptor: c, opts: opts}, nil
}

// Cryptor returns the cryptor shared by the peer's connections.
func (p *Peer) Cryptor() *crypto.Cryptor { return p.cryptor }

func (p *Peer) Listen(addr string) error {
	ln, err := quic.Listen(addr)
	if err != nil {
		return err
	}
	p.listener = ln
	return nil
}

func (p *Peer) Close() error {
	if p.listener == nil {
		return nil
	}
	return p.listener.Close()
}

func (p *Peer) ListenAddr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.AddrString()
}

// Accept waits for a peer to connect and send its first envelope.
func (p *Peer) Accept(ctx context.Context) (*quic.Conn, error) {
	if p.listener == nil {
		return nil, ErrNotListening
	}
	return p.listener.AcceptConn(ctx, p.cryptor, p.opts)
}

func (p *Peer) Dial(ctx context.Context, addr string) (*quic.Conn, error) {
	return quic.DialConn(ctx, addr, p.cryptor, p.opts)
}
