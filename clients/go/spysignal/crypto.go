package spysignal

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	protocolVersion  = "spysignal-box-v1"
	ephemeralPKSize  = 32
	nonceSize        = chacha20poly1305.NonceSize
	keySize          = chacha20poly1305.KeySize
	tagSize          = chacha20poly1305.Overhead
	minCiphertextLen = ephemeralPKSize + tagSize
)

// CryptoError represents an encryption/decryption error.
type CryptoError struct {
	Message string
}

func (e *CryptoError) Error() string {
	return e.Message
}

// IsCryptoError reports whether err is, or wraps, a CryptoError.
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

// Sealed is a box in the shape the server stores it: the nonce goes in iv,
// the ephemeral public key followed by the AEAD output goes in ciphertext.
type Sealed struct {
	IV         string
	Ciphertext string
}

func ed25519PubToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

func ed25519SeedToX25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// deriveKey runs HKDF-SHA256 over the shared secret, salted with both
// public halves so a key is bound to one exchange.
func deriveKey(sharedSecret, ephemeralPK, recipientPK []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPK)+len(recipientPK))
	salt = append(salt, ephemeralPK...)
	salt = append(salt, recipientPK...)

	r := hkdf.New(sha256.New, sharedSecret, salt, []byte(protocolVersion))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DecodePublicKey parses a base64 Ed25519 public key as published on the server.
func DecodePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid public key: %v", err)}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid public key length: %d, expected %d", len(raw), ed25519.PublicKeySize)}
	}
	return ed25519.PublicKey(raw), nil
}

// Seal encrypts plaintext for the holder of the given Ed25519 public key.
func Seal(plaintext []byte, recipient ed25519.PublicKey) (Sealed, error) {
	recipientX, err := ed25519PubToX25519(recipient)
	if err != nil {
		return Sealed{}, &CryptoError{Message: fmt.Sprintf("failed to convert recipient key: %v", err)}
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return Sealed{}, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return Sealed{}, err
	}

	shared, err := curve25519.X25519(ephPriv[:], recipientX)
	if err != nil {
		return Sealed{}, &CryptoError{Message: "key agreement failed"}
	}

	key, err := deriveKey(shared, ephPub, recipientX)
	if err != nil {
		return Sealed{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, err
	}

	box := make([]byte, 0, ephemeralPKSize+len(plaintext)+tagSize)
	box = append(box, ephPub...)
	box = aead.Seal(box, nonce, plaintext, nil)

	return Sealed{
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(box),
	}, nil
}

// Open decrypts a box addressed to the owner of privateKey.
func Open(s Sealed, privateKey ed25519.PrivateKey) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid base64 iv: %v", err)}
	}
	if len(nonce) != nonceSize {
		return nil, &CryptoError{Message: fmt.Sprintf("iv must be %d bytes, got %d", nonceSize, len(nonce))}
	}

	box, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, &CryptoError{Message: fmt.Sprintf("invalid base64 ciphertext: %v", err)}
	}
	if len(box) < minCiphertextLen {
		return nil, &CryptoError{Message: fmt.Sprintf("ciphertext too short: %d bytes, minimum %d", len(box), minCiphertextLen)}
	}

	ephPK := box[:ephemeralPKSize]
	sealed := box[ephemeralPKSize:]

	ownPriv := ed25519SeedToX25519Private(privateKey.Seed())
	ownPub, err := curve25519.X25519(ownPriv, curve25519.Basepoint)
	if err != nil {
		return nil, &CryptoError{Message: fmt.Sprintf("failed to derive X25519 public key: %v", err)}
	}

	shared, err := curve25519.X25519(ownPriv, ephPK)
	if err != nil {
		return nil, &CryptoError{Message: "decryption failed: invalid ephemeral key"}
	}

	key, err := deriveKey(shared, ephPK, ownPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, &CryptoError{Message: "decryption failed: wrong key or tampered ciphertext"}
	}
	return plaintext, nil
}
