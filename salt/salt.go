// Package salt derives the per-session salt mixed into a commitment.
package salt

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"fairtx/hashing"
)

// Mode selects how salts are produced.
type Mode string

const (
	// Deterministic salts are re-derivable from (identity, input), so a whole
	// session can be retried without re-randomizing.
	Deterministic Mode = "deterministic"
	// Random salts cannot be re-derived and must be kept for the reveal.
	Random Mode = "random"
)

const (
	DefaultLength = 16
	MinLength     = 8
	MaxLength     = 2 * hashing.DigestSize

	// Alphabet used by random mode.
	Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	separator = "::"
)

var ErrEntropyUnavailable = errors.New("salt: entropy source unavailable")

// Salt is the printable salt string sent with the reveal.
type Salt string

func (s Salt) String() string { return string(s) }

// ParseMode maps a configuration value onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", Deterministic:
		return Deterministic, nil
	case Random:
		return Random, nil
	default:
		return "", fmt.Errorf("salt: unknown mode %q", value)
	}
}

// Deriver produces salts for one configured mode and length.
type Deriver struct {
	mode    Mode
	length  int
	hasher  hashing.Hasher
	entropy io.Reader
}

type Option func(*Deriver)

// WithEntropy replaces crypto/rand as the random-mode source.
func WithEntropy(r io.Reader) Option {
	return func(d *Deriver) { d.entropy = r }
}

func NewDeriver(mode Mode, length int, hasher hashing.Hasher, opts ...Option) (*Deriver, error) {
	if mode != Deterministic && mode != Random {
		return nil, fmt.Errorf("salt: unknown mode %q", mode)
	}
	if length < MinLength || length > MaxLength {
		return nil, fmt.Errorf("salt: length %d outside [%d, %d]", length, MinLength, MaxLength)
	}
	if hasher == nil {
		return nil, errors.New("salt: hasher is required")
	}

	d := &Deriver{
		mode:    mode,
		length:  length,
		hasher:  hasher,
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Deriver) Mode() Mode  { return d.mode }
func (d *Deriver) Length() int { return d.length }

// Derive returns the salt for input on behalf of identity. Only a starved
// entropy source in random mode fails.
func (d *Deriver) Derive(identity, input string) (Salt, error) {
	if d.mode == Random {
		return RandomAlphanumeric(d.entropy, d.length)
	}
	return DeterministicSalt(d.hasher, identity, input, d.length), nil
}

// DeterministicSalt is "0x" followed by the first n hex characters of
// Hash(identity || "::" || input).
func DeterministicSalt(h hashing.Hasher, identity, input string, n int) Salt {
	digest := h.Hash([]byte(identity + separator + input))
	encoded := hex.EncodeToString(digest.Bytes())
	if n > len(encoded) {
		n = len(encoded)
	}
	return Salt("0x" + encoded[:n])
}

// RandomAlphanumeric draws n characters uniformly from Alphabet. Bytes at or
// above the largest multiple of len(Alphabet) are rejected to avoid modulo
// bias.
func RandomAlphanumeric(r io.Reader, n int) (Salt, error) {
	const limit = 256 - 256%len(Alphabet)

	out := make([]byte, 0, n)
	buf := make([]byte, 2*n)
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return Salt(out), nil
}
