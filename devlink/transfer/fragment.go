package transfer

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/TheusHen/devlink/devlink/crypto"
	"github.com/TheusHen/devlink/devlink/protocol"
)

const (
	// MaxMessageSize caps a reassembled or decompressed body (16 MiB).
	MaxMessageSize = 16 << 20
	// DefaultMaxPending is how many partially received messages a
	// Reassembler holds at once.
	DefaultMaxPending = 64
)

var (
	ErrTooManyFragments = errors.New("transfer: body needs more fragments than the header can count")
	ErrMessageTooLarge  = errors.New("transfer: message exceeds maximum size")
	ErrFragmentMismatch = errors.New("transfer: fragment does not match its message")
	ErrTooManyPending   = errors.New("transfer: too many partially received messages")
)

// Message is one framed body: either a fragment on the wire or a
// reassembled message.
type Message struct {
	Header protocol.Header
	Body   []byte
}

// Fragmenter splits bodies into envelope-sized fragments.
type Fragmenter struct {
	maxBody int
}

// NewFragmenter creates a fragmenter. maxBody is clamped to
// crypto.MaxBodySize; zero or negative selects that maximum.
func NewFragmenter(maxBody int) *Fragmenter {
	if maxBody <= 0 || maxBody > crypto.MaxBodySize {
		maxBody = crypto.MaxBodySize
	}
	return &Fragmenter{maxBody: maxBody}
}

// MaxFragmentBody returns the configured fragment body size.
func (f *Fragmenter) MaxFragmentBody() int { return f.maxBody }

// Split cuts body into fragments. Each fragment copies tmpl and sets
// FragmentIndex and FragmentCount; the body slices alias body.
func (f *Fragmenter) Split(tmpl protocol.Header, body []byte) ([]Message, error) {
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body))
	}
	count := (len(body) + f.maxBody - 1) / f.maxBody
	if count == 0 {
		count = 1
	}
	if count > math.MaxUint16 {
		return nil, ErrTooManyFragments
	}

	out := make([]Message, 0, count)
	for i := 0; i < count; i++ {
		start := i * f.maxBody
		end := start + f.maxBody
		if end > len(body) {
			end = len(body)
		}
		h := tmpl
		h.FragmentIndex = uint16(i)
		h.FragmentCount = uint16(count)
		out = append(out, Message{Header: h, Body: body[start:end]})
	}
	return out, nil
}

type messageKey struct {
	session uint64
	channel uint64
	request uint64
}

type partial struct {
	header   protocol.Header
	parts    [][]byte
	received int
	size     int
}

// Reassembler collects fragments until a message is complete.
// It is safe for concurrent use.
type Reassembler struct {
	mu         sync.Mutex
	pending    map[messageKey]*partial
	maxPending int
}

// NewReassembler creates a reassembler holding at most maxPending
// incomplete messages (DefaultMaxPending if maxPending <= 0).
func NewReassembler(maxPending int) *Reassembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reassembler{
		pending:    make(map[messageKey]*partial),
		maxPending: maxPending,
	}
}

// Add records one fragment. When it completes its message, the
// reassembled message is returned with done set. Duplicates are ignored.
func (r *Reassembler) Add(m Message) (Message, bool, error) {
	h := m.Header
	count := int(h.FragmentCount)
	if count <= 1 {
		if h.FragmentIndex != 0 {
			return Message{}, false, fmt.Errorf("%w: index %d of %d", ErrFragmentMismatch, h.FragmentIndex, count)
		}
		h.FragmentCount = 1
		return Message{Header: h, Body: m.Body}, true, nil
	}
	if int(h.FragmentIndex) >= count {
		return Message{}, false, fmt.Errorf("%w: index %d of %d", ErrFragmentMismatch, h.FragmentIndex, count)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := messageKey{session: h.SessionID, channel: h.ChannelID, request: h.RequestID}
	p, ok := r.pending[key]
	if !ok {
		if len(r.pending) >= r.maxPending {
			return Message{}, false, ErrTooManyPending
		}
		p = &partial{header: h, parts: make([][]byte, count)}
		r.pending[key] = p
	}
	if len(p.parts) != count {
		delete(r.pending, key)
		return Message{}, false, fmt.Errorf("%w: fragment count changed from %d to %d", ErrFragmentMismatch, len(p.parts), count)
	}
	if p.parts[h.FragmentIndex] != nil {
		return Message{}, false, nil
	}
	if p.size+len(m.Body) > MaxMessageSize {
		delete(r.pending, key)
		return Message{}, false, ErrMessageTooLarge
	}

	p.parts[h.FragmentIndex] = append([]byte{}, m.Body...)
	p.received++
	p.size += len(m.Body)
	if h.FragmentIndex == 0 {
		p.header = h
	}
	if p.received < count {
		return Message{}, false, nil
	}

	delete(r.pending, key)
	body := make([]byte, 0, p.size)
	for _, part := range p.parts {
		body = append(body, part...)
	}
	out := p.header
	out.FragmentIndex = 0
	out.FragmentCount = 1
	return Message{Header: out, Body: body}, true, nil
}

// Pending returns the number of incomplete messages.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Discard drops any partial state for the message h belongs to.
func (r *Reassembler) Discard(h protocol.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, messageKey{session: h.SessionID, channel: h.ChannelID, request: h.RequestID})
}
