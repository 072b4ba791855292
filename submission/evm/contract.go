package evm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultABI describes the commit-reveal contract:
//
//	function commitTx(bytes32 hash) external
//	function revealTx(string calldata data, string calldata salt) external
const DefaultABI = `[
  {"type":"function","name":"commitTx","stateMutability":"nonpayable",
   "inputs":[{"name":"hash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"revealTx","stateMutability":"nonpayable",
   "inputs":[{"name":"data","type":"string"},{"name":"salt","type":"string"}],"outputs":[]}
]`

const (
	DefaultCommitMethod = "commitTx"
	DefaultRevealMethod = "revealTx"
)

// ContractConfig is the immutable description of the remote contract.
type ContractConfig struct {
	Address      common.Address
	ChainID      *big.Int
	ABI          string // JSON ABI, DefaultABI when empty
	CommitMethod string
	RevealMethod string
}

func (c ContractConfig) withDefaults() ContractConfig {
	if c.ABI == "" {
		c.ABI = DefaultABI
	}
	if c.CommitMethod == "" {
		c.CommitMethod = DefaultCommitMethod
	}
	if c.RevealMethod == "" {
		c.RevealMethod = DefaultRevealMethod
	}
	return c
}

// parse validates the config and checks both entry points have the expected
// argument types.
func (c ContractConfig) parse() (abi.ABI, error) {
	if c.Address == (common.Address{}) {
		return abi.ABI{}, errors.New("evm: contract address is required")
	}

	parsed, err := abi.JSON(strings.NewReader(c.ABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("evm: invalid contract ABI: %w", err)
	}

	if err := expectInputs(parsed, c.CommitMethod, "bytes32"); err != nil {
		return abi.ABI{}, err
	}
	if err := expectInputs(parsed, c.RevealMethod, "string", "string"); err != nil {
		return abi.ABI{}, err
	}
	return parsed, nil
}

func expectInputs(parsed abi.ABI, name string, types ...string) error {
	method, ok := parsed.Methods[name]
	if !ok {
		return fmt.Errorf("evm: ABI has no method %q", name)
	}
	if len(method.Inputs) != len(types) {
		return fmt.Errorf("evm: method %q takes %d inputs, expected %d", name, len(method.Inputs), len(types))
	}
	for i, want := range types {
		if got := method.Inputs[i].Type.String(); got != want {
			return fmt.Errorf("evm: method %q input %d is %s, expected %s", name, i, got, want)
		}
	}
	return nil
}
