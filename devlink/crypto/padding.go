package crypto

import (
	"crypto/subtle"
	"encoding/binary"
)

// BlockSize is the AES block size.
const BlockSize = 16

// lengthPrefixSize is the uint32 body length that opens every plaintext.
const lengthPrefixSize = 4

// padPKCS7 returns b padded to a whole number of blocks. A block-aligned b
// still gains a full block of padding.
func padPKCS7(b []byte) []byte {
	n := BlockSize - len(b)%BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

// unpadPKCS7 strips PKCS#7 padding. ok is false when b does not end in
// valid padding; b is then left for the caller to interpret another way.
func unpadPKCS7(b []byte) (out []byte, ok bool) {
	if len(b) == 0 || len(b)%BlockSize != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > BlockSize {
		return nil, false
	}
	good := 1
	for _, c := range b[len(b)-n:] {
		good &= subtle.ConstantTimeByteEq(c, byte(n))
	}
	if good != 1 {
		return nil, false
	}
	return b[:len(b)-n], true
}

// splitBody checks the uint32 length prefix against the remaining bytes.
func splitBody(plaintext []byte) (body []byte, ok bool) {
	if len(plaintext) < lengthPrefixSize {
		return nil, false
	}
	n := binary.BigEndian.Uint32(plaintext[:lengthPrefixSize])
	body = plaintext[lengthPrefixSize:]
	if uint64(n) != uint64(len(body)) {
		return nil, false
	}
	return body, true
}

// unpadBody recovers the body from a decrypted payload. Padding is tried
// first; a payload that was block aligned at send time carries none, so the
// raw interpretation is the second branch. The length prefix decides which
// reading is the right one: at most one of them can match it.
func unpadBody(plaintext []byte) ([]byte, error) {
	if unpadded, ok := unpadPKCS7(plaintext); ok {
		if body, ok := splitBody(unpadded); ok {
			return body, nil
		}
	}
	body, ok := splitBody(plaintext)
	if !ok {
		return nil, ErrLengthMismatch
	}
	return body, nil
}
