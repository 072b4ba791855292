package main

import (
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"fairtx/protocol"
	"fairtx/salt"
	"fairtx/shared"
)

const (
	ledgerEVM       = "evm"
	ledgerSimulated = "simulated"

	policyFixed = "fixed"
	policyDepth = "depth"
)

type Config struct {
	Protocol protocol.Config

	Ledger          string
	RPCURL          string
	ChainID         *big.Int
	ContractAddress common.Address
	SignerKey       string
	SimulatedSender common.Address
	SimulatedDelay  time.Duration

	RevealPolicy      string
	ConfirmationDepth uint64
	DepthPollInterval time.Duration
	DepthMaxWait      time.Duration

	ListenAddr      string
	JWTSecret       string
	ResultTTL       time.Duration
	ShutdownTimeout time.Duration
}

// LoadConfig reads FAIRTX_* variables, after an optional .env file.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	mode, err := salt.ParseMode(shared.GetEnvOrDefault("FAIRTX_SALT_MODE", string(salt.Deterministic)))
	if err != nil {
		return nil, &protocol.ConfigError{Field: "salt_mode", Message: err.Error()}
	}

	chainID, ok := new(big.Int).SetString(shared.GetEnvOrDefault("FAIRTX_CHAIN_ID", "1"), 10)
	if !ok {
		return nil, &protocol.ConfigError{Field: "chain_id", Message: "must be a decimal integer"}
	}

	cfg := &Config{
		Protocol: protocol.Config{
			HashAlgorithm:       shared.GetEnvOrDefault("FAIRTX_HASH_ALGORITHM", protocol.DefaultConfig().HashAlgorithm),
			SaltMode:            mode,
			SaltLength:          shared.GetEnvIntOrDefault("FAIRTX_SALT_LENGTH", salt.DefaultLength),
			RevealDelay:         shared.GetEnvDurationOrDefault("FAIRTX_REVEAL_DELAY", protocol.DefaultRevealDelay),
			FinalizationTimeout: shared.GetEnvDurationOrDefault("FAIRTX_FINALIZATION_TIMEOUT", protocol.DefaultFinalizationTimeout),
			Identity:            shared.GetEnvOrDefault("FAIRTX_IDENTITY", ""),
		},
		Ledger:            strings.ToLower(shared.GetEnvOrDefault("FAIRTX_LEDGER", ledgerSimulated)),
		RPCURL:            shared.GetEnvOrDefault("FAIRTX_RPC_URL", "http://127.0.0.1:8545"),
		ChainID:           chainID,
		SignerKey:         shared.GetEnvOrDefault("FAIRTX_SIGNER_KEY", ""),
		SimulatedSender:   common.HexToAddress(shared.GetEnvOrDefault("FAIRTX_SIMULATED_SENDER", "0x000000000000000000000000000000000000fa17")),
		SimulatedDelay:    shared.GetEnvDurationOrDefault("FAIRTX_SIMULATED_LATENCY", 500*time.Millisecond),
		RevealPolicy:      strings.ToLower(shared.GetEnvOrDefault("FAIRTX_REVEAL_POLICY", policyFixed)),
		ConfirmationDepth: shared.GetEnvUint64OrDefault("FAIRTX_CONFIRMATION_DEPTH", 3),
		DepthPollInterval: shared.GetEnvDurationOrDefault("FAIRTX_DEPTH_POLL_INTERVAL", protocol.DefaultDepthPollInterval),
		DepthMaxWait:      shared.GetEnvDurationOrDefault("FAIRTX_DEPTH_MAX_WAIT", 10*time.Minute),
		ListenAddr:        shared.GetEnvOrDefault("FAIRTX_LISTEN_ADDR", ":8080"),
		JWTSecret:         shared.GetEnvOrDefault("FAIRTX_JWT_SECRET", ""),
		ResultTTL:         shared.GetEnvDurationOrDefault("FAIRTX_RESULT_TTL", 30*time.Minute),
		ShutdownTimeout:   shared.GetEnvDurationOrDefault("FAIRTX_SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if addr := shared.GetEnvOrDefault("FAIRTX_CONTRACT_ADDRESS", ""); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, &protocol.ConfigError{Field: "contract_address", Message: "not a hex address"}
		}
		cfg.ContractAddress = common.HexToAddress(addr)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Ledger {
	case ledgerEVM:
		if c.SignerKey == "" {
			return &protocol.ConfigError{Field: "signer_key", Message: "required for the evm ledger"}
		}
		if c.ContractAddress == (common.Address{}) {
			return &protocol.ConfigError{Field: "contract_address", Message: "required for the evm ledger"}
		}
	case ledgerSimulated:
	default:
		return &protocol.ConfigError{Field: "ledger", Message: fmt.Sprintf("unknown ledger %q", c.Ledger)}
	}

	if c.DepthMaxWait < 0 {
		return &protocol.ConfigError{Field: "depth_max_wait", Message: "must not be negative"}
	}

	switch c.RevealPolicy {
	case policyFixed, policyDepth:
	default:
		return &protocol.ConfigError{Field: "reveal_policy", Message: fmt.Sprintf("unknown policy %q", c.RevealPolicy)}
	}
	return nil
}
