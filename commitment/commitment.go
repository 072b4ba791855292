// Package commitment binds an input and its salt into the digest published in
// the commit phase.
package commitment

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"fairtx/hashing"
	"fairtx/salt"
)

var ErrMismatch = errors.New("commitment: rebuilt digest does not match")

// Commitment is the canonical encoding of (input, salt) and its digest.
type Commitment struct {
	EncodedPayload []byte
	Digest         common.Hash
}

// Equal compares digests and payloads.
func (c Commitment) Equal(other Commitment) bool {
	return c.Digest == other.Digest && string(c.EncodedPayload) == string(other.EncodedPayload)
}

// Builder combines input and salt into a Commitment.
type Builder struct {
	engine *hashing.Engine
}

func NewBuilder(engine *hashing.Engine) *Builder {
	return &Builder{engine: engine}
}

// Algorithm reports the digest algorithm of built commitments.
func (b *Builder) Algorithm() hashing.Algorithm {
	return b.engine.Algorithm()
}

// Build returns Hash(Encode(input, salt)). It is deterministic.
func (b *Builder) Build(input string, s salt.Salt) (Commitment, error) {
	encoded, err := b.engine.Encode(hashing.String(input), hashing.String(string(s)))
	if err != nil {
		return Commitment{}, fmt.Errorf("commitment: %w", err)
	}
	return Commitment{
		EncodedPayload: encoded,
		Digest:         b.engine.Hash(encoded),
	}, nil
}

// Verify rebuilds the commitment for (input, s) and checks it against want.
func (b *Builder) Verify(want Commitment, input string, s salt.Salt) (Commitment, error) {
	rebuilt, err := b.Build(input, s)
	if err != nil {
		return Commitment{}, err
	}
	if !rebuilt.Equal(want) {
		return rebuilt, fmt.Errorf("%w: expected %s, got %s", ErrMismatch, want.Digest.Hex(), rebuilt.Digest.Hex())
	}
	return rebuilt, nil
}
