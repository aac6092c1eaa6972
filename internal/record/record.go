package record

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/posix4e/bar123-sub002/internal/roomcrypto"
)

// MaxEncodedLen is the hard budget for an encoded record content, mirroring
// the 255-character limit of a DNS TXT record string.
const MaxEncodedLen = 255

var (
	// ErrRecordTooLarge reports an encoding that would exceed MaxEncodedLen.
	// Records are never silently truncated.
	ErrRecordTooLarge = errors.New("encoded record exceeds 255 characters")

	// ErrMalformedRecord reports content that does not decode.
	ErrMalformedRecord = errors.New("malformed record content")
)

// Record is a named TTL-bound entry in an externally hosted record store.
// Records carry only rendezvous data, never bulk payloads.
type Record struct {
	Name    string
	Content string
	TTL     time.Duration
}

// Codec encodes payloads into record content strings. The zero-key codec
// is the legacy cleartext path; NewSealedCodec produces the encrypted
// variant used in production.
type Codec struct {
	key []byte
}

// NewLegacyCodec returns the cleartext codec. Content is visible to anyone
// who can list the record store; use only for debugging.
func NewLegacyCodec() *Codec {
	return &Codec{}
}

// NewSealedCodec returns a codec that encrypts content under the room key.
func NewSealedCodec(key []byte) *Codec {
	return &Codec{key: key}
}

// Encode converts payload into a record content string of at most
// MaxEncodedLen characters, or fails with ErrRecordTooLarge.
//
// Legacy path: token-substitution compression, then URL-safe base64.
// Sealed path: AES-GCM (nonce-prefixed), then URL-safe base64; the
// ciphertext is already opaque so no compression is applied.
func (c *Codec) Encode(payload []byte) (string, error) {
	var raw []byte
	if c.key == nil {
		raw = []byte(compressTokens(string(payload)))
	} else {
		sealed, err := roomcrypto.Encrypt(c.key, payload)
		if err != nil {
			return "", err
		}
		raw = sealed
	}

	// Unpadded encoding: every character of the 255 budget carries data.
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	if len(encoded) > MaxEncodedLen {
		return "", fmt.Errorf("%w (%d)", ErrRecordTooLarge, len(encoded))
	}
	return encoded, nil
}

// Decode reverses Encode. On the sealed path a foreign-key or tampered
// content fails with roomcrypto.ErrDecryptFailed, which callers treat as
// "not my room" rather than an error condition.
func (c *Codec) Decode(content string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	if c.key == nil {
		expanded, err := expandTokens(string(raw))
		if err != nil {
			return nil, err
		}
		return []byte(expanded), nil
	}

	return roomcrypto.Decrypt(c.key, raw)
}

// Sealed reports whether this codec encrypts record content.
func (c *Codec) Sealed() bool {
	return c.key != nil
}

// tokenTable maps recurring JSON fragments in signaling payloads to
// two-character markers. Longest tokens first so compression is greedy
// and unambiguous.
var tokenTable = []struct {
	token  string
	marker string
}{
	{`"type":"candidate"`, "~c"},
	{`"type":"announce"`, "~n"},
	{`"type":"answer"`, "~a"},
	{`"type":"offer"`, "~o"},
	{`"type":"leave"`, "~l"},
	{`"candidate":`, "~C"},
	{`"deviceType":`, "~d"},
	{`"displayName":`, "~D"},
	{`"lastSeen":`, "~s"},
	{`"sdp":`, "~S"},
	{`"from":`, "~f"},
	{`"to":`, "~t"},
	{`"id":`, "~i"},
}

// compressTokens applies the reversible substitution pass. A literal "~"
// in the input is escaped as "~~" first, so expandTokens never misreads
// payload bytes as markers.
func compressTokens(s string) string {
	out := strings.ReplaceAll(s, "~", "~~")
	for _, e := range tokenTable {
		out = strings.ReplaceAll(out, e.token, e.marker)
	}
	return out
}

func expandTokens(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s) * 2)

	for i := 0; i < len(s); i++ {
		if s[i] != '~' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", ErrMalformedRecord
		}
		i++
		if s[i] == '~' {
			b.WriteByte('~')
			continue
		}
		token, ok := lookupMarker(s[i])
		if !ok {
			return "", ErrMalformedRecord
		}
		b.WriteString(token)
	}
	return b.String(), nil
}

func lookupMarker(c byte) (string, bool) {
	for _, e := range tokenTable {
		if e.marker[1] == c {
			return e.token, true
		}
	}
	return "", false
}
