package quic

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/devlink/devlink/crypto"
	"github.com/TheusHen/devlink/devlink/protocol"
	"github.com/TheusHen/devlink/devlink/transfer"
)

type accepted struct {
	conn *Conn
	err  error
}

func testSecret(seed byte) []byte {
	s := make([]byte, crypto.KeyMaterialSize)
	for i := range s {
		s[i] = seed + byte(i)
	}
	return s
}

func newTestCryptor(t *testing.T, seed byte) *crypto.Cryptor {
	t.Helper()
	c, err := crypto.NewCryptorFromSecret(testSecret(seed))
	require.NoError(t, err)
	return c
}

// loopback dials a fresh listener. The server side only becomes available
// once the client has written to the stream, so it is returned as a func.
func loopback(t *testing.T, sc, cc *crypto.Cryptor, sopts, copts Options) (*Conn, func() *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	ln, err := Listen("[::1]:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	require.NotEmpty(t, ln.AddrString())

	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.AcceptConn(ctx, sc, sopts)
		ch <- accepted{conn, err}
	}()

	client, err := DialConn(ctx, ln.AddrString(), cc, copts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.CloseWithError(0, "") })

	return client, func() *Conn {
		t.Helper()
		select {
		case a := <-ch:
			require.NoError(t, a.err)
			return a.conn
		case <-ctx.Done():
			t.Fatal("timed out waiting for server connection")
			return nil
		}
	}
}

func TestSendReceive(t *testing.T) {
	clientMetrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	serverMetrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	client, accept := loopback(t,
		newTestCryptor(t, 1), newTestCryptor(t, 1),
		Options{Metrics: serverMetrics},
		Options{Metrics: clientMetrics, ChannelID: 3},
	)
	require.NotZero(t, client.SessionID())

	bodies := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0x10}, 28),
		bytes.Repeat([]byte("x"), 1000),
	}
	for i, body := range bodies {
		h := protocol.Header{Type: protocol.MessageTypeSession, RequestID: uint64(i + 1)}
		require.NoError(t, client.Send(&h, body))
		require.Equal(t, uint32(i+1), h.SequenceNumber)
		require.Equal(t, client.SessionID(), h.SessionID)
	}

	server := accept()
	require.Equal(t, client.SessionID(), server.SessionID())
	for i, body := range bodies {
		h, got, err := server.Receive()
		require.NoError(t, err)
		require.Equal(t, protocol.MessageTypeSession, h.Type)
		require.Equal(t, uint32(i+1), h.SequenceNumber)
		require.Equal(t, server.SessionID(), h.SessionID)
		require.Equal(t, uint64(i+1), h.RequestID)
		require.Equal(t, uint64(3), h.ChannelID)
		require.True(t, h.Flags.Has(protocol.FlagSessionEncrypted|protocol.FlagHasHMAC))
		require.Equal(t, body, got)
	}

	require.Equal(t, float64(len(bodies)), testutil.ToFloat64(clientMetrics.sent))
	require.Equal(t, float64(len(bodies)), testutil.ToFloat64(serverMetrics.received))
}

func TestSendPlain(t *testing.T) {
	client, accept := loopback(t, newTestCryptor(t, 1), newTestCryptor(t, 1), Options{}, Options{})

	h := protocol.Header{Type: protocol.MessageTypeControl, Flags: protocol.FlagSessionEncrypted}
	require.NoError(t, client.SendPlain(&h, []byte("in the clear")))
	require.False(t, h.Flags.Has(protocol.FlagSessionEncrypted))

	server := accept()
	got, body, err := server.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeControl, got.Type)
	require.Equal(t, []byte("in the clear"), body)

	require.ErrorIs(t, client.SendPlain(&protocol.Header{}, make([]byte, 1<<16)), ErrPlainTooLarge)
}

func TestSendMessageFragmented(t *testing.T) {
	clientMetrics, _ := NewMetrics(nil)
	serverMetrics, _ := NewMetrics(nil)
	client, accept := loopback(t,
		newTestCryptor(t, 7), newTestCryptor(t, 7),
		Options{Metrics: serverMetrics},
		Options{Metrics: clientMetrics, MaxFragmentBody: 4096, Compression: transfer.CompressionFast},
	)

	random := make([]byte, 50_000)
	_, err := rand.Read(random)
	require.NoError(t, err)
	repetitive := bytes.Repeat([]byte("devlink "), 20_000)

	require.NoError(t, client.SendMessage(protocol.Header{Type: protocol.MessageTypeSession}, random))
	require.NoError(t, client.SendMessage(protocol.Header{Type: protocol.MessageTypeAck}, repetitive))

	server := accept()

	m, err := server.ReceiveMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeSession, m.Header.Type)
	require.Equal(t, uint64(1), m.Header.RequestID)
	require.Equal(t, random, m.Body)

	m, err = server.ReceiveMessage()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeAck, m.Header.Type)
	require.Equal(t, uint64(2), m.Header.RequestID)
	require.False(t, m.Header.Flags.Has(protocol.FlagCompressed))
	require.Equal(t, repetitive, m.Body)

	sent := testutil.ToFloat64(clientMetrics.sent)
	require.Greater(t, sent, float64(13))
	require.Equal(t, sent, testutil.ToFloat64(serverMetrics.received))
	require.Zero(t, server.reasm.Pending())
}

func TestReceiveWrongKey(t *testing.T) {
	serverMetrics, _ := NewMetrics(nil)
	client, accept := loopback(t,
		newTestCryptor(t, 1), newTestCryptor(t, 2),
		Options{Metrics: serverMetrics}, Options{},
	)

	h := protocol.Header{Type: protocol.MessageTypeSession}
	require.NoError(t, client.Send(&h, []byte("secret")))

	server := accept()
	_, body, err := server.Receive()
	require.Error(t, err)
	require.True(t, crypto.IsSecurityError(err))
	require.ErrorIs(t, err, crypto.ErrInvalidHMAC)
	require.Nil(t, body)

	require.Equal(t, float64(1), testutil.ToFloat64(serverMetrics.failures.WithLabelValues(reasonSecurity)))
	require.Zero(t, testutil.ToFloat64(serverMetrics.received))
}

func TestIVsUniqueAcrossDirectionsAndConnections(t *testing.T) {
	shared := newTestCryptor(t, 9)

	client1, accept1 := loopback(t, shared, shared, Options{}, Options{})
	client2, accept2 := loopback(t, shared, shared, Options{}, Options{})

	var sent []protocol.Header
	h := protocol.Header{Type: protocol.MessageTypeSession}
	require.NoError(t, client1.Send(&h, []byte("from client 1")))
	sent = append(sent, h)

	server1 := accept1()
	_, _, err := server1.Receive()
	require.NoError(t, err)
	h = protocol.Header{Type: protocol.MessageTypeAck}
	require.NoError(t, server1.Send(&h, []byte("from server 1")))
	sent = append(sent, h)
	require.NotZero(t, h.SequenceNumber&listenerSeqBit)

	got, body, err := client1.Receive()
	require.NoError(t, err)
	require.Equal(t, h.SequenceNumber, got.SequenceNumber)
	require.Equal(t, []byte("from server 1"), body)

	h = protocol.Header{Type: protocol.MessageTypeSession}
	require.NoError(t, client2.Send(&h, []byte("from client 2")))
	sent = append(sent, h)
	server2 := accept2()
	_, _, err = server2.Receive()
	require.NoError(t, err)

	require.NotEqual(t, client1.SessionID(), client2.SessionID())
	seen := make(map[[crypto.BlockSize]byte]int)
	for i, h := range sent {
		iv := shared.DeriveIV(h)
		prev, dup := seen[iv]
		require.False(t, dup, "envelope %d reuses the IV of envelope %d", i, prev)
		seen[iv] = i
	}
}

func TestReceiveRejectsForeignEnvelopes(t *testing.T) {
	shared := newTestCryptor(t, 4)
	serverMetrics, _ := NewMetrics(nil)
	client, accept := loopback(t, shared, shared, Options{Metrics: serverMetrics}, Options{})

	h := protocol.Header{Type: protocol.MessageTypeSession}
	require.NoError(t, client.Send(&h, []byte("first")))
	server := accept()
	_, _, err := server.Receive()
	require.NoError(t, err)

	inject := func(h protocol.Header) {
		t.Helper()
		envelope, err := shared.Seal(&h, []byte("injected"))
		require.NoError(t, err)
		_, err = server.stream.Write(envelope)
		require.NoError(t, err)
	}

	// The client's own envelope echoed back to it.
	client.sendMu.Lock()
	own := protocol.Header{Type: protocol.MessageTypeSession}
	require.NoError(t, client.stamp(&own))
	client.sendMu.Unlock()
	inject(own)
	_, _, err = client.Receive()
	require.ErrorIs(t, err, ErrReflected)

	// A listener envelope from some other connection.
	inject(protocol.Header{SessionID: client.SessionID() ^ 1, SequenceNumber: listenerSeqBit | 1})
	_, _, err = client.Receive()
	require.ErrorIs(t, err, ErrSessionMismatch)

	// The stream stays usable for genuine envelopes.
	h = protocol.Header{Type: protocol.MessageTypeAck}
	require.NoError(t, server.Send(&h, []byte("genuine")))
	_, body, err := client.Receive()
	require.NoError(t, err)
	require.Equal(t, []byte("genuine"), body)
}

func TestSequenceExhausted(t *testing.T) {
	client, accept := loopback(t, newTestCryptor(t, 1), newTestCryptor(t, 1), Options{}, Options{})

	h := protocol.Header{Type: protocol.MessageTypeSession}
	require.NoError(t, client.Send(&h, nil))
	accept()

	client.sendMu.Lock()
	client.seq = listenerSeqBit - 2
	client.sendMu.Unlock()

	h = protocol.Header{Type: protocol.MessageTypeSession}
	require.NoError(t, client.Send(&h, nil))
	require.Equal(t, uint32(listenerSeqBit-1), h.SequenceNumber)
	require.ErrorIs(t, client.Send(&protocol.Header{}, nil), ErrSequenceExhausted)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{crypto.ErrInvalidHMAC, reasonSecurity},
		{crypto.ErrLengthMismatch, reasonSecurity},
		{crypto.ErrUndecryptable, reasonUndecryptable},
		{ErrSessionMismatch, reasonSession},
		{ErrReflected, reasonSession},
		{transfer.ErrFragmentMismatch, reasonFragment},
		{transfer.ErrDecompressionFailed, reasonFragment},
		{context.Canceled, reasonIO},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, failureReason(tt.err), tt.err.Error())
	}
}

func TestNewMetricsDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	require.Error(t, err)
}
