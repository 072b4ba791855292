// Package hashing provides the digest and canonical encoding primitives the
// commit-reveal engine builds commitments from. The algorithm must match the
// one used by the remote verifier; keccak256 is what a Solidity contract
// computes with keccak256(abi.encode(...)).
package hashing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	simd "github.com/minio/sha256-simd"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// DigestSize is the length in bytes of every supported digest.
const DigestSize = common.HashLength

// Algorithm identifies a hash function by its configuration name.
type Algorithm string

const (
	Keccak256 Algorithm = "keccak256"
	SHA3_256  Algorithm = "sha3-256"
	SHA256    Algorithm = "sha256"
	BLAKE3    Algorithm = "blake3"
)

// DefaultAlgorithm is what EVM contracts verify against.
const DefaultAlgorithm = Keccak256

var ErrUnknownAlgorithm = errors.New("hashing: unknown algorithm")

// Hasher computes fixed-size digests. Implementations are pure and safe for
// concurrent use.
type Hasher interface {
	Algorithm() Algorithm
	Hash(data []byte) common.Hash
}

type hashFunc struct {
	alg Algorithm
	fn  func([]byte) [DigestSize]byte
}

func (h hashFunc) Algorithm() Algorithm { return h.alg }

func (h hashFunc) Hash(data []byte) common.Hash {
	return common.Hash(h.fn(data))
}

var registry = map[Algorithm]Hasher{
	Keccak256: hashFunc{Keccak256, func(b []byte) [DigestSize]byte { return crypto.Keccak256Hash(b) }},
	SHA3_256:  hashFunc{SHA3_256, sha3.Sum256},
	SHA256:    hashFunc{SHA256, simd.Sum256},
	BLAKE3:    hashFunc{BLAKE3, blake3.Sum256},
}

var aliases = map[string]Algorithm{
	"keccak-256": Keccak256,
	"keccak":     Keccak256,
	"sha3_256":   SHA3_256,
	"sha-256":    SHA256,
	"blake3-256": BLAKE3,
}

// Lookup resolves a configured algorithm name. Matching is case-insensitive.
func Lookup(name string) (Hasher, error) {
	key := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	if key == "" {
		key = DefaultAlgorithm
	}
	if alias, ok := aliases[string(key)]; ok {
		key = alias
	}
	h, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return h, nil
}

// Algorithms lists the supported algorithm names in sorted order.
func Algorithms() []Algorithm {
	algs := make([]Algorithm, 0, len(registry))
	for alg := range registry {
		algs = append(algs, alg)
	}
	sort.Slice(algs, func(i, j int) bool { return algs[i] < algs[j] })
	return algs
}

// Engine bundles a Hasher with the canonical encoder.
type Engine struct {
	hasher Hasher
}

// NewEngine returns an Engine for the named algorithm.
func NewEngine(algorithm string) (*Engine, error) {
	h, err := Lookup(algorithm)
	if err != nil {
		return nil, err
	}
	return &Engine{hasher: h}, nil
}

// Algorithm reports the hash algorithm in use.
func (e *Engine) Algorithm() Algorithm {
	return e.hasher.Algorithm()
}

// Hasher returns the underlying Hasher.
func (e *Engine) Hasher() Hasher {
	return e.hasher
}

// Hash returns the digest of data.
func (e *Engine) Hash(data []byte) common.Hash {
	return e.hasher.Hash(data)
}

// Encode produces the canonical encoding of fields. See Encode.
func (e *Engine) Encode(fields ...Field) ([]byte, error) {
	return Encode(fields...)
}
