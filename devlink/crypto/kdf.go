package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeyMaterialSize is the minimum session secret length.
	KeyMaterialSize = 64

	payloadKeySize = 16
	ivKeySize      = 16
	hmacKeySize    = 32
)

// KeyMaterial is the session secret a Cryptor is bound to.
//
// Regions:
//
//	[0,16)   payload key (AES-128)
//	[16,32)  IV-derivation key (AES-128)
//	last 32  HMAC-SHA256 key
//
// The sub-keys are only ever handed out as slices of the one owned buffer.
type KeyMaterial struct {
	secret []byte
}

// NewKeyMaterial copies secret into a new KeyMaterial.
func NewKeyMaterial(secret []byte) (KeyMaterial, error) {
	if len(secret) < KeyMaterialSize {
		return KeyMaterial{}, fmt.Errorf("%w: got %d", ErrInvalidKeyMaterial, len(secret))
	}
	return KeyMaterial{secret: append([]byte(nil), secret...)}, nil
}

// DeriveKeyMaterial expands a shared secret of any length (for example the
// output of a key agreement) into KeyMaterial using HKDF-SHA256.
// salt can be nil, info provides context binding.
func DeriveKeyMaterial(sharedSecret, salt, info []byte) (KeyMaterial, error) {
	hk := hkdf.New(sha256.New, sharedSecret, salt, info)
	secret := make([]byte, KeyMaterialSize)
	if _, err := io.ReadFull(hk, secret); err != nil {
		return KeyMaterial{}, err
	}
	return KeyMaterial{secret: secret}, nil
}

func (k KeyMaterial) valid() bool { return len(k.secret) >= KeyMaterialSize }

func (k KeyMaterial) payloadKey() []byte {
	return k.secret[0:payloadKeySize:payloadKeySize]
}

func (k KeyMaterial) ivKey() []byte {
	return k.secret[payloadKeySize : payloadKeySize+ivKeySize : payloadKeySize+ivKeySize]
}

func (k KeyMaterial) hmacKey() []byte {
	return k.secret[len(k.secret)-hmacKeySize:]
}

// Wipe zeroes the secret. A Cryptor built from k must not be used afterwards.
func (k KeyMaterial) Wipe() {
	clear(k.secret)
}
