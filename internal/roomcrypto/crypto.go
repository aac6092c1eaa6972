package roomcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize   = 32
	nonceSize = 12

	// Iterations is the PBKDF2 work factor. The key is derived once per
	// discovery session, so a high count is affordable.
	Iterations = 150_000
)

// appSalt is fixed for the application. Room separation comes from mixing
// the room id into the salt, not from a per-session random salt: both
// peers must derive the same key from the same secret.
var appSalt = []byte("bar123/rendezvous/v1")

// ErrDecryptFailed reports that a blob did not decrypt under the given
// key. This is routine during discovery (records from other rooms share
// the same store) and callers are expected to ignore it.
var ErrDecryptFailed = errors.New("decryption failed")

// DeriveKey derives the symmetric room key from the shared secret and
// room id. The key is stable for the lifetime of a discovery session.
func DeriveKey(secret, roomID string) []byte {
	salt := make([]byte, 0, len(appSalt)+len(roomID))
	salt = append(salt, appSalt...)
	salt = append(salt, roomID...)
	return pbkdf2.Key([]byte(secret), salt, Iterations, keySize, sha256.New)
}

// Encrypt seals plaintext with AES-256-GCM and prepends the random nonce
// to the returned blob.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any malformed, truncated or
// foreign-key input fails with ErrDecryptFailed; the cause is deliberately
// not distinguished.
func Decrypt(key, blob []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < nonceSize {
		return nil, ErrDecryptFailed
	}

	plaintext, err := aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// AuthTag computes the hex HMAC-SHA256 tag over the exact payload bytes.
// The payload serialization is canonical: the tag is computed over the
// encoded string as sent, so field order in the payload matters.
func AuthTag(key, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTag reports whether tag authenticates payload under key. The
// comparison is constant-time.
func VerifyTag(key, payload []byte, tag string) bool {
	expected, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// RoomTag returns a short obfuscated identifier for a room, safe to expose
// in record names and relay URLs without revealing the room id.
func RoomTag(roomID string) string {
	sum := sha256.Sum256([]byte("room:" + roomID))
	return hex.EncodeToString(sum[:])[:12]
}

// PeerTag truncates a peer id for use in obfuscated record names.
func PeerTag(peerID string) string {
	if len(peerID) <= 8 {
		return peerID
	}
	return peerID[:8]
}
