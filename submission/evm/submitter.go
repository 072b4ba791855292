// Package evm submits commitments and reveals to an EVM commit-reveal contract
// through go-ethereum. The signer is supplied by the caller as a
// *bind.TransactOpts; this package never manages keys beyond parsing one.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"fairtx/salt"
	"fairtx/shared"
	"fairtx/submission"
)

const (
	DefaultPollInterval    = 1 * time.Second
	DefaultMaxPollInterval = 6 * time.Second
)

var ErrReverted = errors.New("evm: transaction reverted")

// Backend is the subset of ethclient.Client the submitter uses.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Submitter implements submission.Port against a deployed contract.
type Submitter struct {
	backend  Backend
	contract *bind.BoundContract
	abi      abi.ABI
	config   ContractConfig
	signer   *bind.TransactOpts
	logger   *shared.Logger

	pollInterval    time.Duration
	maxPollInterval time.Duration
}

var _ submission.Port = (*Submitter)(nil)
var _ submission.HeightSource = (*Submitter)(nil)

type Option func(*Submitter)

func WithLogger(logger *shared.Logger) Option {
	return func(s *Submitter) { s.logger = logger }
}

// WithPolling sets the receipt polling backoff bounds.
func WithPolling(initial, max time.Duration) Option {
	return func(s *Submitter) {
		s.pollInterval = initial
		s.maxPollInterval = max
	}
}

func NewSubmitter(backend Backend, config ContractConfig, signer *bind.TransactOpts, opts ...Option) (*Submitter, error) {
	if backend == nil {
		return nil, errors.New("evm: backend is required")
	}
	if signer == nil {
		return nil, errors.New("evm: signer is required")
	}
	config = config.withDefaults()
	parsed, err := config.parse()
	if err != nil {
		return nil, err
	}

	s := &Submitter{
		backend:         backend,
		contract:        bind.NewBoundContract(config.Address, parsed, backend, backend, backend),
		abi:             parsed,
		config:          config,
		signer:          signer,
		logger:          shared.NewNopLogger(),
		pollInterval:    DefaultPollInterval,
		maxPollInterval: DefaultMaxPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, submission.Connectivity("dial", common.Hash{}, err)
	}
	return client, nil
}

// NewKeyedSigner builds transact options from a hex-encoded secp256k1 key.
func NewKeyedSigner(hexKey string, chainID *big.Int) (*bind.TransactOpts, common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("evm: invalid signer key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("evm: failed to create signer: %w", err)
	}
	return opts, crypto.PubkeyToAddress(key.PublicKey), nil
}

// Sender is the signer's address.
func (s *Submitter) Sender() common.Address {
	return s.signer.From
}

// PackCommit returns the calldata of commitTx(digest).
func (s *Submitter) PackCommit(digest common.Hash) ([]byte, error) {
	return s.abi.Pack(s.config.CommitMethod, [32]byte(digest))
}

// PackReveal returns the calldata of revealTx(input, salt).
func (s *Submitter) PackReveal(input string, sl salt.Salt) ([]byte, error) {
	return s.abi.Pack(s.config.RevealMethod, input, string(sl))
}

func (s *Submitter) SubmitCommit(ctx context.Context, digest common.Hash) (submission.PendingReceipt, error) {
	return s.transact(ctx, submission.OpCommit, s.config.CommitMethod, [32]byte(digest))
}

func (s *Submitter) SubmitReveal(ctx context.Context, input string, sl salt.Salt) (submission.PendingReceipt, error) {
	return s.transact(ctx, submission.OpReveal, s.config.RevealMethod, input, string(sl))
}

func (s *Submitter) transact(ctx context.Context, op submission.Operation, method string, params ...interface{}) (submission.PendingReceipt, error) {
	opts := *s.signer
	opts.Context = ctx

	tx, err := s.contract.Transact(&opts, method, params...)
	if err != nil {
		return submission.PendingReceipt{}, classifyTransactError(op, err)
	}

	s.logger.Debug("Transaction sent",
		zap.String("op", string(op)),
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.Uint64("nonce", tx.Nonce()))

	return submission.PendingReceipt{
		Op:          op,
		TxHash:      tx.Hash(),
		SubmittedAt: time.Now(),
	}, nil
}

// classifyTransactError separates node-side refusals (revert during gas
// estimation, nonce or funding problems) from transport failures.
func classifyTransactError(op submission.Operation, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return submission.Classify(op, common.Hash{}, err)
	}

	msg := strings.ToLower(err.Error())
	rejections := []string{
		"execution reverted",
		"insufficient funds",
		"nonce too low",
		"replacement transaction underpriced",
		"intrinsic gas too low",
		"gas required exceeds allowance",
		"invalid sender",
	}
	for _, pattern := range rejections {
		if strings.Contains(msg, pattern) {
			return submission.Rejected(op, common.Hash{}, err)
		}
	}
	return submission.Connectivity(op, common.Hash{}, err)
}

var errNotMined = errors.New("evm: transaction not yet mined")

// AwaitFinalization polls for the receipt until it is mined or ctx expires.
// Transient RPC failures keep polling; a reverted receipt is a rejection.
func (s *Submitter) AwaitFinalization(ctx context.Context, pending submission.PendingReceipt) (submission.FinalReceipt, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.pollInterval
	policy.MaxInterval = s.maxPollInterval
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 0
	receipt, err := backoff.RetryWithData(func() (*types.Receipt, error) {
		attempts++
		r, err := s.backend.TransactionReceipt(ctx, pending.TxHash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, errNotMined
		}
		if err != nil {
			s.logger.Debug("Receipt poll failed",
				zap.String("tx_hash", pending.TxHash.Hex()),
				zap.Int("attempt", attempts),
				zap.Error(err))
			return nil, err
		}
		return r, nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return submission.FinalReceipt{}, submission.Classify(pending.Op, pending.TxHash, err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return submission.FinalReceipt{}, submission.Rejected(pending.Op, pending.TxHash, ErrReverted)
	}

	final := submission.FinalReceipt{
		Op:          pending.Op,
		TxHash:      pending.TxHash,
		GasUsed:     receipt.GasUsed,
		FinalizedAt: time.Now(),
	}
	if receipt.BlockNumber != nil {
		final.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return final, nil
}

// BlockNumber reports the chain head.
func (s *Submitter) BlockNumber(ctx context.Context) (uint64, error) {
	return s.backend.BlockNumber(ctx)
}
