package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/TheusHen/devlink/devlink/protocol"
)

const (
	// HMACSize is the length of the trailing HMAC-SHA256.
	HMACSize = sha256.Size

	// MaxCiphertextSize is the largest ciphertext whose post-MAC length still
	// fits the 16-bit MessageLength field. Longer messages would overflow that
	// field, so Encrypt rejects them with ErrMessageTooLarge.
	MaxCiphertextSize = (math.MaxUint16 - HMACSize) &^ (BlockSize - 1)
	// MaxBodySize is the largest body Encrypt accepts.
	MaxBodySize = MaxCiphertextSize - lengthPrefixSize
)

// Cryptor encrypts and decrypts envelopes under one KeyMaterial.
// It keeps no per-message state; concurrent calls are safe as long as each
// call owns its header and buffers.
type Cryptor struct {
	keys KeyMaterial
}

// NewCryptor binds a Cryptor to km for its whole lifetime.
func NewCryptor(km KeyMaterial) (*Cryptor, error) {
	if !km.valid() {
		return nil, ErrInvalidKeyMaterial
	}
	return &Cryptor{keys: km}, nil
}

// NewCryptorFromSecret is NewKeyMaterial followed by NewCryptor.
func NewCryptorFromSecret(secret []byte) (*Cryptor, error) {
	km, err := NewKeyMaterial(secret)
	if err != nil {
		return nil, err
	}
	return NewCryptor(km)
}

// newBlock panics on error: key sizes are fixed by KeyMaterial, so a
// failure here is a programming error.
func newBlock(key []byte) cipher.Block {
	b, err := aes.NewCipher(key)
	if err != nil {
		panic("crypto: " + err.Error())
	}
	return b
}

// DeriveIV computes the per-message IV: the header's IV block encrypted with
// the IV key in CBC mode under an all-zero IV. Both peers derive the same
// value from the same header fields.
func (c *Cryptor) DeriveIV(h protocol.Header) [BlockSize]byte {
	in := h.IVBlock()
	var zero, iv [BlockSize]byte
	cipher.NewCBCEncrypter(newBlock(c.keys.ivKey()), zero[:]).CryptBlocks(iv[:], in[:])
	return iv
}

func (c *Cryptor) mac(msg []byte) []byte {
	m := hmac.New(sha256.New, c.keys.hmacKey())
	m.Write(msg)
	return m.Sum(nil)
}

// Encrypt builds an envelope around the body written by body.
// On success h has FlagSessionEncrypted and FlagHasHMAC set and
// MessageLength holds the ciphertext length without the MAC.
// Errors returned by body are passed through unchanged and leave h untouched.
func (c *Cryptor) Encrypt(h *protocol.Header, body func(w io.Writer) error) ([]byte, error) {
	iv := c.DeriveIV(*h)

	var plain bytes.Buffer
	plain.Write(make([]byte, lengthPrefixSize))
	if err := body(&plain); err != nil {
		return nil, err
	}
	plaintext := plain.Bytes()
	if len(plaintext)-lengthPrefixSize > MaxBodySize {
		return nil, fmt.Errorf("%w: %d byte body", ErrMessageTooLarge, len(plaintext)-lengthPrefixSize)
	}
	binary.BigEndian.PutUint32(plaintext[:lengthPrefixSize], uint32(len(plaintext)-lengthPrefixSize))

	return c.seal(h, iv, plaintext)
}

// seal encrypts a complete plaintext (length prefix included) and frames it.
func (c *Cryptor) seal(h *protocol.Header, iv [BlockSize]byte, plaintext []byte) ([]byte, error) {
	if len(plaintext)%BlockSize != 0 {
		plaintext = padPKCS7(plaintext)
	}
	if len(plaintext) > MaxCiphertextSize {
		return nil, fmt.Errorf("%w: %d byte ciphertext", ErrMessageTooLarge, len(plaintext))
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(newBlock(c.keys.payloadKey()), iv[:]).CryptBlocks(ciphertext, plaintext)

	h.Flags.Set(protocol.FlagSessionEncrypted | protocol.FlagHasHMAC)
	h.MessageLength = uint16(len(ciphertext))

	msg, err := h.AppendBinary(make([]byte, 0, protocol.HeaderSize+len(ciphertext)+HMACSize))
	if err != nil {
		return nil, err
	}
	msg = append(msg, ciphertext...)
	sum := c.mac(msg)
	patchLength(msg, protocol.MessageLengthOffset, HMACSize)
	return append(msg, sum...), nil
}

// Seal encrypts body. See Encrypt.
func (c *Cryptor) Seal(h *protocol.Header, body []byte) ([]byte, error) {
	return c.Encrypt(h, func(w io.Writer) error {
		_, err := w.Write(body)
		return err
	})
}

// EncryptTo encrypts and writes the envelope to w in one Write call.
func (c *Cryptor) EncryptTo(w io.Writer, h *protocol.Header, body func(w io.Writer) error) error {
	envelope, err := c.Encrypt(h, body)
	if err != nil {
		return err
	}
	_, err = w.Write(envelope)
	return err
}

// Decrypt reads the payload that follows h from r and returns a reader over
// the body. A header without FlagSessionEncrypted is not an envelope and r
// is returned unchanged.
//
// With FlagHasHMAC the MAC is checked before any decryption, so tampered
// messages never reach the padding logic.
func (c *Cryptor) Decrypt(h protocol.Header, r io.Reader) (io.Reader, error) {
	if !h.Flags.Has(protocol.FlagSessionEncrypted) {
		return r, nil
	}

	hasMAC := h.Flags.Has(protocol.FlagHasHMAC)
	payloadSize := int(h.MessageLength)
	if hasMAC {
		if payloadSize < HMACSize {
			return nil, ErrMissingHMAC
		}
		payloadSize -= HMACSize
	}

	ciphertext := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		// A stream that ends before the ciphertext does cannot hold the MAC.
		if hasMAC && isEOF(err) {
			return nil, ErrMissingHMAC
		}
		return nil, fmt.Errorf("crypto: read ciphertext: %w", err)
	}

	if hasMAC {
		sum := make([]byte, HMACSize)
		if _, err := io.ReadFull(r, sum); err != nil {
			if isEOF(err) {
				return nil, ErrMissingHMAC
			}
			return nil, fmt.Errorf("crypto: read hmac: %w", err)
		}
		if err := c.verify(h, ciphertext, sum); err != nil {
			return nil, err
		}
	}

	body, err := c.decryptPayload(c.DeriveIV(h), ciphertext)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(body), nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// verify recomputes the MAC over header || ciphertext with MessageLength
// restored to its pre-MAC value.
func (c *Cryptor) verify(h protocol.Header, ciphertext, sum []byte) error {
	if len(sum) != HMACSize {
		return ErrMissingHMAC
	}
	msg, err := h.AppendBinary(make([]byte, 0, protocol.HeaderSize+len(ciphertext)))
	if err != nil {
		return err
	}
	msg = append(msg, ciphertext...)
	patchLength(msg, protocol.MessageLengthOffset, -HMACSize)
	if !hmac.Equal(c.mac(msg), sum) {
		return ErrInvalidHMAC
	}
	return nil
}

func (c *Cryptor) decryptPayload(iv [BlockSize]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d byte ciphertext", ErrUndecryptable, len(ciphertext))
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(newBlock(c.keys.payloadKey()), iv[:]).CryptBlocks(plaintext, ciphertext)
	return unpadBody(plaintext)
}

// Open is Decrypt followed by reading the body of this one message. For a
// plain message that is the next MessageLength bytes of r.
func (c *Cryptor) Open(h protocol.Header, r io.Reader) ([]byte, error) {
	br, err := c.Decrypt(h, r)
	if err != nil {
		return nil, err
	}
	if !h.Flags.Has(protocol.FlagSessionEncrypted) {
		body := make([]byte, h.MessageLength)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, err
		}
		return body, nil
	}
	return io.ReadAll(br)
}

// ReadEnvelope reads one header and its payload from r.
func (c *Cryptor) ReadEnvelope(r io.Reader) (protocol.Header, []byte, error) {
	h, err := protocol.ReadHeader(r)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	body, err := c.Open(h, r)
	if err != nil {
		return h, nil, err
	}
	return h, body, nil
}
