package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrorKind separates ledger rejections from transport trouble.
type ErrorKind string

const (
	KindRejected     ErrorKind = "rejected"
	KindConnectivity ErrorKind = "connectivity"
	KindTimeout      ErrorKind = "timeout"
)

var (
	ErrRejected     = errors.New("submission: rejected by ledger")
	ErrConnectivity = errors.New("submission: ledger unreachable")
	ErrTimeout      = errors.New("submission: finalization timed out")
)

// Error is returned by Port implementations.
type Error struct {
	Op     Operation   `json:"op"`
	Kind   ErrorKind   `json:"kind"`
	TxHash common.Hash `json:"tx_hash,omitempty"`
	Cause  error       `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Kind)
	if e.TxHash != (common.Hash{}) {
		msg += " (tx " + e.TxHash.Hex() + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrConnectivity:
		return e.Kind == KindConnectivity
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

func Rejected(op Operation, txHash common.Hash, cause error) *Error {
	return &Error{Op: op, Kind: KindRejected, TxHash: txHash, Cause: cause}
}

func Connectivity(op Operation, txHash common.Hash, cause error) *Error {
	return &Error{Op: op, Kind: KindConnectivity, TxHash: txHash, Cause: cause}
}

// Classify wraps a raw error from a transport call. Context expiry becomes a
// timeout, existing *Error values pass through, anything else is treated as a
// connectivity problem.
func Classify(op Operation, txHash common.Hash, err error) error {
	if err == nil {
		return nil
	}
	var subErr *Error
	if errors.As(err, &subErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: KindTimeout, TxHash: txHash, Cause: err}
	}
	return Connectivity(op, txHash, err)
}
