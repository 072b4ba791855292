package hashing

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrNoFields = errors.New("hashing: nothing to encode")

// Field is one typed value of an ordered encoding. Type is a Solidity ABI
// type name.
type Field struct {
	Type  string
	Value interface{}
}

func String(s string) Field { return Field{Type: "string", Value: s} }
func Bytes(b []byte) Field { return Field{Type: "bytes", Value: b} }
func Bytes32(h common.Hash) Field { return Field{Type: "bytes32", Value: [32]byte(h)} }
func Uint256(v *big.Int) Field { return Field{Type: "uint256", Value: v} }
func Address(addr common.Address) Field { return Field{Type: "address", Value: addr} }
func Bool(b bool) Field { return Field{Type: "bool", Value: b} }

var (
	stringType = mustType("string")
	pairArgs   = abi.Arguments{{Name: "data", Type: stringType}, {Name: "salt", Type: stringType}}
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Encode serializes fields with the Solidity ABI head/tail layout, the same
// bytes abi.encode(...) yields on chain. Dynamic values are length-prefixed,
// so distinct well-typed field lists never collide.
func Encode(fields ...Field) ([]byte, error) {
	if len(fields) == 0 {
		return nil, ErrNoFields
	}

	args := make(abi.Arguments, len(fields))
	values := make([]interface{}, len(fields))
	for i, f := range fields {
		t, err := abi.NewType(f.Type, "", nil)
		if err != nil {
			return nil, fmt.Errorf("hashing: field %d: unsupported type %q: %w", i, f.Type, err)
		}
		args[i] = abi.Argument{Type: t}
		values[i] = f.Value
	}

	encoded, err := args.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("hashing: failed to encode fields: %w", err)
	}
	return encoded, nil
}

// EncodePair is abi.encode(string data, string salt), the payload a
// revealTx(string,string) contract re-hashes.
func EncodePair(input, salt string) ([]byte, error) {
	encoded, err := pairArgs.Pack(input, salt)
	if err != nil {
		return nil, fmt.Errorf("hashing: failed to encode pair: %w", err)
	}
	return encoded, nil
}

// DecodePair reverses EncodePair.
func DecodePair(encoded []byte) (input, salt string, err error) {
	values, err := pairArgs.Unpack(encoded)
	if err != nil {
		return "", "", fmt.Errorf("hashing: failed to decode pair: %w", err)
	}
	if len(values) != 2 {
		return "", "", fmt.Errorf("hashing: expected 2 values, got %d", len(values))
	}
	input, ok1 := values[0].(string)
	salt, ok2 := values[1].(string)
	if !ok1 || !ok2 {
		return "", "", errors.New("hashing: decoded pair is not (string, string)")
	}
	return input, salt, nil
}
