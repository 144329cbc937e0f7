// Package envelope performs the structural checks applied to client-encrypted
// message envelopes before they reach storage or fan-out.
//
// The server never decrypts anything. A field is acceptable when it is valid
// hex, fits under its configured character cap and decodes to the byte length
// the client-side AES-GCM scheme produces.
package envelope

import (
	"errors"
	"fmt"
)

const (
	// IVBytes is the nonce size of the client-side AES-GCM scheme.
	IVBytes = 12
	// TagBytes is the AES-GCM authentication tag size and the smallest possible ciphertext.
	TagBytes = 16
)

var (
	// ErrInvalid matches every validation failure.
	ErrInvalid = errors.New("invalid envelope")
	// ErrOversized reports a field longer than its configured character cap.
	ErrOversized = fmt.Errorf("%w: field too large", ErrInvalid)
	// ErrMalformedHex reports a field that is empty, odd-length or not hex.
	ErrMalformedHex = fmt.Errorf("%w: malformed hex", ErrInvalid)
	// ErrBadLength reports a field decoding to the wrong number of bytes.
	ErrBadLength = fmt.Errorf("%w: bad byte length", ErrInvalid)
)

// Envelope is the four-field ciphertext structure a client submits.
type Envelope struct {
	User    string `json:"user"`
	UserIV  string `json:"user_iv"`
	Content string `json:"content"`
	IV      string `json:"iv"`
}

// Limits holds the character caps and byte-length rules for envelope fields.
type Limits struct {
	MaxUserLen    int
	MaxIVLen      int
	MaxContentLen int
	IVBytes       int
	TagBytes      int
}

// DefaultLimits mirrors the caps shipped with the reference deployment.
func DefaultLimits() Limits {
	return Limits{
		MaxUserLen:    512,
		MaxIVLen:      24,
		MaxContentLen: 8192,
		IVBytes:       IVBytes,
		TagBytes:      TagBytes,
	}
}

func (l Limits) normalized() Limits {
	def := DefaultLimits()
	if l.MaxUserLen <= 0 {
		l.MaxUserLen = def.MaxUserLen
	}
	if l.MaxIVLen <= 0 {
		l.MaxIVLen = def.MaxIVLen
	}
	if l.MaxContentLen <= 0 {
		l.MaxContentLen = def.MaxContentLen
	}
	if l.IVBytes <= 0 {
		l.IVBytes = def.IVBytes
	}
	if l.TagBytes <= 0 {
		l.TagBytes = def.TagBytes
	}
	return l
}

type fieldRule struct {
	name     string
	value    string
	maxChars int
	minBytes int
	exact    bool
}

// Validate accepts or rejects env as a whole. It has no side effects.
func Validate(env Envelope, limits Limits) error {
	limits = limits.normalized()
	rules := []fieldRule{
		{name: "user", value: env.User, maxChars: limits.MaxUserLen, minBytes: limits.TagBytes},
		{name: "user_iv", value: env.UserIV, maxChars: limits.MaxIVLen, minBytes: limits.IVBytes, exact: true},
		{name: "content", value: env.Content, maxChars: limits.MaxContentLen, minBytes: limits.TagBytes},
		{name: "iv", value: env.IV, maxChars: limits.MaxIVLen, minBytes: limits.IVBytes, exact: true},
	}

	// Caps are checked for every field before any hex scanning.
	for _, r := range rules {
		if len(r.value) > r.maxChars {
			return fmt.Errorf("%w: %s exceeds %d characters", ErrOversized, r.name, r.maxChars)
		}
	}
	for _, r := range rules {
		if err := checkField(r); err != nil {
			return err
		}
	}
	return nil
}

func checkField(r fieldRule) error {
	if r.value == "" || len(r.value)%2 != 0 || !IsHex(r.value) {
		return fmt.Errorf("%w: %s", ErrMalformedHex, r.name)
	}
	n := len(r.value) / 2
	if r.exact && n != r.minBytes {
		return fmt.Errorf("%w: %s must be %d bytes, got %d", ErrBadLength, r.name, r.minBytes, n)
	}
	if n < r.minBytes {
		return fmt.Errorf("%w: %s must be at least %d bytes, got %d", ErrBadLength, r.name, r.minBytes, n)
	}
	return nil
}

// IsHex reports whether s consists only of hex digits. The empty string is hex.
func IsHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ValidRoomID reports whether room is a hex string of exactly length characters.
func ValidRoomID(room string, length int) bool {
	return length > 0 && len(room) == length && IsHex(room)
}
