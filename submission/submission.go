// Package submission defines the boundary between the commit-reveal engine and
// the external signer/submitter that authorizes, transmits and tracks ledger
// calls. The engine never looks past this interface.
package submission

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fairtx/salt"
)

// Operation names one of the two ledger entry points.
type Operation string

const (
	OpCommit Operation = "commit"
	OpReveal Operation = "reveal"
)

// PendingReceipt identifies a transmitted call whose finalization has not been
// observed yet.
type PendingReceipt struct {
	Op          Operation   `json:"op"`
	TxHash      common.Hash `json:"tx_hash"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// FinalReceipt records a call irreversibly accepted by the ledger.
type FinalReceipt struct {
	Op          Operation   `json:"op"`
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used,omitempty"`
	FinalizedAt time.Time   `json:"finalized_at"`
}

// Port is the signer/submitter capability consumed by the engine.
//
// Implementations report ledger-level rejections as ErrRejected and transport
// failures as ErrConnectivity (see Error).
type Port interface {
	SubmitCommit(ctx context.Context, digest common.Hash) (PendingReceipt, error)
	SubmitReveal(ctx context.Context, input string, s salt.Salt) (PendingReceipt, error)
	AwaitFinalization(ctx context.Context, pending PendingReceipt) (FinalReceipt, error)
}

// HeightSource reports the ledger's current block height. ethclient.Client
// satisfies it.
type HeightSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}
