package quic

import (
	"context"

	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/devlink/devlink/crypto"
)

type Listener struct {
	inner *q.Listener
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := NewServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := q.ListenAddr(addr, tlsConf, &q.Config{})
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln}, nil
}

// AcceptConn accepts a connection and its first stream, which the dialer
// opens for envelopes.
func (l *Listener) AcceptConn(ctx context.Context, c *crypto.Cryptor, opts Options) (*Conn, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no envelope stream")
		return nil, err
	}
	return newConn(conn, st, c, opts, true)
}

func (l *Listener) AddrString() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

func (l *Listener) Close() error { return l.inner.Close() }

// DialConn dials addr and opens the envelope stream.
func DialConn(ctx context.Context, addr string, c *crypto.Cryptor, opts Options) (*Conn, error) {
	conn, err := q.DialAddr(ctx, addr, NewClientTLSConfig(), &q.Config{})
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "cannot open envelope stream")
		return nil, err
	}
	return newConn(conn, st, c, opts, false)
}
