// Package cryptoutil implements the crypto primitives the secure session
// builds on: HKDF-SHA256 key derivation, AES-256-GCM sealing, HMAC-SHA256
// tagging and constant-time comparison, and a CSPRNG helper. Keys and
// nonces never leave this package except as opaque byte slices.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyInfo is the HKDF info parameter fixed by the wire protocol (§4.1).
const KeyInfo = "secure-proxy-v1"

// KeySize is the length in bytes of each derived AEAD key.
const KeySize = 32

// NonceSize is the length in bytes of the GCM nonce prefixed to every frame.
const NonceSize = 12

// TagSize is the length in bytes of the GCM authentication tag suffixed to
// every frame.
const TagSize = 16

// FrameOverhead is the number of bytes seal() adds to a plaintext.
const FrameOverhead = NonceSize + TagSize

// DeriveKeys runs HKDF-SHA256 over ikm=psk, salt=salt, info=KeyInfo for 64
// output bytes and splits them at offset 32: the first half is sendKey, the
// second half is recvKey. salt MUST be clientPublic‖serverPublic in that
// order — any other order yields a decryption failure with a compliant
// relay, because the two endpoints would derive mismatched salts.
func DeriveKeys(psk, salt []byte) (sendKey, recvKey [KeySize]byte, err error) {
	kdf := hkdf.New(sha256.New, psk, salt, []byte(KeyInfo))
	buf := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(kdf, buf); err != nil {
		return sendKey, recvKey, fmt.Errorf("cryptoutil: hkdf expand: %w", err)
	}
	copy(sendKey[:], buf[:KeySize])
	copy(recvKey[:], buf[KeySize:])
	return sendKey, recvKey, nil
}

// Seal generates a fresh random 12-byte nonce and returns
// nonce‖AES-256-GCM(plaintext)‖tag. Output length is len(plaintext)+28.
func Seal(key [KeySize]byte, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := RandomBytes(nonce); err != nil {
		return nil, fmt.Errorf("cryptoutil: seal nonce: %w", err)
	}
	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open rejects frames shorter than FrameOverhead bytes, splits off the
// leading 12-byte nonce and runs GCM open. Any tag mismatch is a fatal,
// non-retriable AuthError-class failure for the session.
func Open(key [KeySize]byte, frame []byte) ([]byte, error) {
	if len(frame) < FrameOverhead {
		return nil, fmt.Errorf("cryptoutil: frame too short: %d bytes", len(frame))
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := frame[:NonceSize], frame[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: gcm open: %w", err)
	}
	return plaintext, nil
}

func newAEAD(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new gcm: %w", err)
	}
	return aead, nil
}

// HMACTag returns HMAC-SHA256(key, msg).
func HMACTag(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// ConstantTimeEqual compares a and b in time independent of the index at
// which they first differ. Inputs of unequal length are reported unequal at
// once, without comparing any bytes (like subtle.ConstantTimeCompare).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes fills dst from a cryptographically secure RNG.
func RandomBytes(dst []byte) (int, error) {
	return io.ReadFull(rand.Reader, dst)
}

// NewRandom32 returns a fresh 32-byte value from the CSPRNG, used for the
// handshake's client_public/server_public exchange.
func NewRandom32() ([32]byte, error) {
	var b [32]byte
	if _, err := RandomBytes(b[:]); err != nil {
		return b, fmt.Errorf("cryptoutil: random32: %w", err)
	}
	return b, nil
}
