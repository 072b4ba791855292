// Package simulated implements an in-memory ledger exposing the same two entry
// points as the on-chain contract: commitTx(bytes32) and
// revealTx(string,string). Calls are applied when their finalization is
// awaited, the way a block includes a pending transaction.
package simulated

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fairtx/hashing"
	"fairtx/salt"
	"fairtx/submission"
)

// Errors surfaced as the cause of a rejected call.
var (
	ErrAlreadyCommitted = errors.New("simulated: commitment already exists")
	ErrNoCommitment     = errors.New("simulated: no matching commitment")
	ErrAlreadyRevealed  = errors.New("simulated: commitment already revealed")
	ErrUnknownTx        = errors.New("simulated: unknown transaction")
	ErrEmptyCommitment  = errors.New("simulated: empty commitment")
	ErrInjected         = errors.New("simulated: injected fault")
)

// Fault is an injected failure for one operation.
type Fault int

const (
	FaultNone Fault = iota
	// FaultRejectSubmit refuses the call at submission time.
	FaultRejectSubmit
	// FaultDisconnect fails the submission with a transport error.
	FaultDisconnect
	// FaultRevert accepts the submission but reverts it at finalization.
	FaultRevert
	// FaultHang never finalizes; AwaitFinalization blocks until ctx is done.
	FaultHang
)

// Config configures a Ledger.
type Config struct {
	Sender              common.Address
	Hasher              hashing.Hasher
	FinalizationLatency time.Duration
	StartHeight         uint64
}

// Call is one journal entry.
type Call struct {
	Op     submission.Operation
	TxHash common.Hash
	Digest common.Hash
	Input  string
	Salt   salt.Salt
	At     time.Time
}

// Reveal is a successfully revealed commitment.
type Reveal struct {
	Sender      common.Address
	Input       string
	Salt        salt.Salt
	BlockNumber uint64
}

type commitKey struct {
	sender common.Address
	digest common.Hash
}

type commitRecord struct {
	blockNumber uint64
	revealed    bool
}

type pendingTx struct {
	call   Call
	sender common.Address
	fault  Fault
	done   *submission.FinalReceipt
	err    error
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	hasher  hashing.Hasher
	sender  common.Address
	latency time.Duration

	height      uint64
	nonce       uint64
	commitments map[commitKey]*commitRecord
	revealed    map[common.Hash]Reveal
	pending     map[common.Hash]*pendingTx
	faults      map[submission.Operation]Fault
	calls       []Call
}

var _ submission.Port = (*Ledger)(nil)
var _ submission.HeightSource = (*Ledger)(nil)

func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Hasher == nil {
		h, err := hashing.Lookup(string(hashing.DefaultAlgorithm))
		if err != nil {
			return nil, err
		}
		cfg.Hasher = h
	}
	return &Ledger{
		hasher:      cfg.Hasher,
		sender:      cfg.Sender,
		latency:     cfg.FinalizationLatency,
		height:      cfg.StartHeight,
		commitments: make(map[commitKey]*commitRecord),
		revealed:    make(map[common.Hash]Reveal),
		pending:     make(map[common.Hash]*pendingTx),
		faults:      make(map[submission.Operation]Fault),
	}, nil
}

// InjectFault makes every subsequent call of op fail with f until cleared.
func (l *Ledger) InjectFault(op submission.Operation, f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f == FaultNone {
		delete(l.faults, op)
		return
	}
	l.faults[op] = f
}

// ClearFaults removes all injected faults.
func (l *Ledger) ClearFaults() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = make(map[submission.Operation]Fault)
}

// SubmitCommit queues commitTx(digest).
func (l *Ledger) SubmitCommit(ctx context.Context, digest common.Hash) (submission.PendingReceipt, error) {
	return l.submit(ctx, Call{Op: submission.OpCommit, Digest: digest})
}

// SubmitReveal queues revealTx(input, salt).
func (l *Ledger) SubmitReveal(ctx context.Context, input string, s salt.Salt) (submission.PendingReceipt, error) {
	return l.submit(ctx, Call{Op: submission.OpReveal, Input: input, Salt: s})
}

func (l *Ledger) submit(ctx context.Context, call Call) (submission.PendingReceipt, error) {
	if err := ctx.Err(); err != nil {
		return submission.PendingReceipt{}, submission.Classify(call.Op, common.Hash{}, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nonce++
	call.TxHash = l.txHash(l.nonce)
	call.At = time.Now()
	l.calls = append(l.calls, call)

	fault := l.faults[call.Op]
	switch fault {
	case FaultRejectSubmit:
		return submission.PendingReceipt{}, submission.Rejected(call.Op, call.TxHash, ErrInjected)
	case FaultDisconnect:
		return submission.PendingReceipt{}, submission.Connectivity(call.Op, call.TxHash, ErrInjected)
	}

	l.pending[call.TxHash] = &pendingTx{call: call, sender: l.sender, fault: fault}
	return submission.PendingReceipt{Op: call.Op, TxHash: call.TxHash, SubmittedAt: call.At}, nil
}

// AwaitFinalization waits the configured latency and then applies the call.
// Repeated waits on the same receipt return the same outcome.
func (l *Ledger) AwaitFinalization(ctx context.Context, pending submission.PendingReceipt) (submission.FinalReceipt, error) {
	l.mu.Lock()
	tx, ok := l.pending[pending.TxHash]
	l.mu.Unlock()
	if !ok {
		return submission.FinalReceipt{}, submission.Rejected(pending.Op, pending.TxHash, ErrUnknownTx)
	}

	if tx.fault == FaultHang {
		<-ctx.Done()
		return submission.FinalReceipt{}, submission.Classify(pending.Op, pending.TxHash, ctx.Err())
	}

	if l.latency > 0 {
		timer := time.NewTimer(l.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return submission.FinalReceipt{}, submission.Classify(pending.Op, pending.TxHash, ctx.Err())
		case <-timer.C:
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.done == nil && tx.err == nil {
		l.apply(tx)
	}
	if tx.err != nil {
		return submission.FinalReceipt{}, tx.err
	}
	return *tx.done, nil
}

// apply executes the contract logic for tx. Caller holds l.mu.
func (l *Ledger) apply(tx *pendingTx) {
	call := tx.call
	fail := func(cause error) {
		tx.err = submission.Rejected(call.Op, call.TxHash, cause)
	}

	if tx.fault == FaultRevert {
		fail(ErrInjected)
		return
	}

	l.height++

	switch call.Op {
	case submission.OpCommit:
		if call.Digest == (common.Hash{}) {
			fail(ErrEmptyCommitment)
			return
		}
		key := commitKey{sender: tx.sender, digest: call.Digest}
		if _, exists := l.commitments[key]; exists {
			fail(ErrAlreadyCommitted)
			return
		}
		l.commitments[key] = &commitRecord{blockNumber: l.height}

	case submission.OpReveal:
		encoded, err := hashing.EncodePair(call.Input, string(call.Salt))
		if err != nil {
			fail(err)
			return
		}
		digest := l.hasher.Hash(encoded)
		record, exists := l.commitments[commitKey{sender: tx.sender, digest: digest}]
		if !exists {
			fail(ErrNoCommitment)
			return
		}
		if record.revealed {
			fail(ErrAlreadyRevealed)
			return
		}
		record.revealed = true
		l.revealed[digest] = Reveal{
			Sender:      tx.sender,
			Input:       call.Input,
			Salt:        call.Salt,
			BlockNumber: l.height,
		}

	default:
		fail(fmt.Errorf("simulated: unknown operation %q", call.Op))
		return
	}

	tx.done = &submission.FinalReceipt{
		Op:          call.Op,
		TxHash:      call.TxHash,
		BlockNumber: l.height,
		FinalizedAt: time.Now(),
	}
}

func (l *Ledger) txHash(nonce uint64) common.Hash {
	var buf [common.AddressLength + 8]byte
	copy(buf[:], l.sender.Bytes())
	binary.BigEndian.PutUint64(buf[common.AddressLength:], nonce)
	return l.hasher.Hash(buf[:])
}

// BlockNumber reports the current height.
func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, nil
}

// AdvanceBlocks mines n empty blocks.
func (l *Ledger) AdvanceBlocks(n uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.height += n
	return l.height
}

// IsCommitted reports whether digest was committed by the ledger's sender.
func (l *Ledger) IsCommitted(digest common.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.commitments[commitKey{sender: l.sender, digest: digest}]
	return ok
}

// Revealed returns the reveal recorded for digest.
func (l *Ledger) Revealed(digest common.Hash) (Reveal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.revealed[digest]
	return r, ok
}

// Calls returns a copy of the call journal.
func (l *Ledger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

// CallCount counts journal entries for op.
func (l *Ledger) CallCount(op submission.Operation) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}
