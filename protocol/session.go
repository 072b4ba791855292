package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"fairtx/commitment"
	"fairtx/salt"
	"fairtx/submission"
)

// Session is the state of one run. It is owned by the goroutine executing
// the run and never shared.
type Session struct {
	ID         string
	input      string
	salt       salt.Salt
	commitment commitment.Commitment
	phase      Phase

	commitReceipt *submission.FinalReceipt
	revealReceipt *submission.FinalReceipt
	failure       *Error

	startedAt time.Time
}

// SessionResult is the outcome handed back to the caller once a session has
// reached Done or Failed.
type SessionResult struct {
	SessionID     string                   `json:"session_id"`
	Phase         Phase                    `json:"phase"`
	Salt          salt.Salt                `json:"salt,omitempty"`
	Digest        common.Hash              `json:"digest"`
	CommitReceipt *submission.FinalReceipt `json:"commit_receipt,omitempty"`
	RevealReceipt *submission.FinalReceipt `json:"reveal_receipt,omitempty"`
	Failure       *Error                   `json:"failure,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`

	input string
}

// Succeeded reports whether the reveal was finalized.
func (r *SessionResult) Succeeded() bool {
	return r.Phase == PhaseDone
}

// RevealTicket carries what a reveal-only retry needs. The salt inside is the
// only way to open the commitment already on the ledger, so callers using
// random salts must keep it. Input is hex-encoded in JSON so arbitrary bytes
// survive a round trip.
type RevealTicket struct {
	SessionID     string                  `json:"session_id"`
	Input         string                  `json:"-"`
	Salt          salt.Salt               `json:"salt"`
	Digest        common.Hash             `json:"digest"`
	CommitReceipt submission.FinalReceipt `json:"commit_receipt"`
}

func (t RevealTicket) MarshalJSON() ([]byte, error) {
	type ticket RevealTicket
	return json.Marshal(struct {
		ticket
		Input hexutil.Bytes `json:"input"`
	}{ticket(t), hexutil.Bytes(t.Input)})
}

func (t *RevealTicket) UnmarshalJSON(data []byte) error {
	type ticket RevealTicket
	aux := struct {
		*ticket
		Input hexutil.Bytes `json:"input"`
	}{ticket: (*ticket)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Input = string(aux.Input)
	return nil
}

// RevealTicket is available when the session failed after its commitment was
// finalized.
func (r *SessionResult) RevealTicket() (RevealTicket, bool) {
	if r.Failure == nil || r.Failure.Kind != KindRevealFailed || r.CommitReceipt == nil {
		return RevealTicket{}, false
	}
	return RevealTicket{
		SessionID:     r.SessionID,
		Input:         r.input,
		Salt:          r.Salt,
		Digest:        r.Digest,
		CommitReceipt: *r.CommitReceipt,
	}, true
}

func (s *Session) result() *SessionResult {
	return &SessionResult{
		SessionID:     s.ID,
		Phase:         s.phase,
		Salt:          s.salt,
		Digest:        s.commitment.Digest,
		CommitReceipt: s.commitReceipt,
		RevealReceipt: s.revealReceipt,
		Failure:       s.failure,
		StartedAt:     s.startedAt,
		FinishedAt:    time.Now(),
		input:         s.input,
	}
}

func (e *Engine) newSession(input string) *Session {
	return &Session{
		ID:        e.newID(),
		input:     input,
		phase:     PhaseIdle,
		startedAt: time.Now(),
	}
}

func (e *Engine) enter(s *Session, phase Phase) {
	s.phase = phase
	e.emit(s, EventPhaseEntered, nil, common.Hash{})
	e.logger.WithPhase(s.ID, phase.String()).Debug("Phase entered")
}

func (e *Engine) complete(s *Session, txHash common.Hash) {
	e.emit(s, EventPhaseCompleted, nil, txHash)
}

// fail moves s into Failed. The phase recorded on the error is the one the
// failure happened in.
func (e *Engine) fail(s *Session, kind FailureKind, message string, cause error) *SessionResult {
	s.failure = newError(kind, s.phase, message, cause)

	fields := []zap.Field{
		zap.String("failure", string(kind)),
		zap.String("advice", string(kind.Advice())),
		zap.String("digest", s.commitment.Digest.Hex()),
		zap.Error(cause),
	}
	if kind == KindConsistencyFault {
		e.logger.Critical("Commitment consistency fault", append(fields, zap.String("session_id", s.ID))...)
	} else {
		e.logger.WithPhase(s.ID, s.phase.String()).Warn("Session failed", fields...)
	}

	e.emit(s, EventError, s.failure, common.Hash{})
	s.phase = PhaseFailed
	return s.result()
}

func (e *Engine) emit(s *Session, kind EventKind, err error, txHash common.Hash) {
	e.observer.OnEvent(Event{
		SessionID: s.ID,
		Kind:      kind,
		Phase:     s.phase,
		Digest:    s.commitment.Digest,
		TxHash:    txHash,
		Time:      time.Now(),
		Err:       err,
	})
}

// run drives s from Idle to Done or Failed. A reveal is only ever submitted
// after the commit's finalization has been observed.
func (e *Engine) run(ctx context.Context, s *Session) *SessionResult {
	e.enter(s, PhaseCommitting)

	sl, err := e.deriver.Derive(e.config.Identity, s.input)
	if err != nil {
		if errors.Is(err, salt.ErrEntropyUnavailable) {
			return e.fail(s, KindEntropyUnavailable, "salt generation failed", err)
		}
		return e.fail(s, KindCommitFailed, "salt generation failed", err)
	}
	s.salt = sl

	c, err := e.builder.Build(s.input, s.salt)
	if err != nil {
		return e.fail(s, KindCommitFailed, "failed to build commitment", err)
	}
	s.commitment = c

	unlock, err := e.lockFor(ctx, s)
	if err != nil {
		return e.fail(s, KindCommitFailed, "gave up waiting for a concurrent session on the same input", err)
	}
	defer unlock()

	receipt, err := e.submitAndFinalize(ctx, submission.OpCommit, func(ctx context.Context) (submission.PendingReceipt, error) {
		return e.port.SubmitCommit(ctx, s.commitment.Digest)
	})
	if err != nil {
		return e.fail(s, KindCommitFailed, "commitment was not finalized", err)
	}
	s.commitReceipt = &receipt
	e.complete(s, receipt.TxHash)

	return e.reveal(ctx, s)
}

// reveal runs AwaitingRevealWindow and Revealing for a session whose commit
// receipt is set.
func (e *Engine) reveal(ctx context.Context, s *Session) *SessionResult {
	e.enter(s, PhaseAwaitingRevealWindow)
	if err := e.readiness.WaitReady(ctx, *s.commitReceipt); err != nil {
		return e.fail(s, KindRevealFailed, "reveal window was not reached", err)
	}
	e.complete(s, common.Hash{})

	e.enter(s, PhaseRevealing)
	if _, err := e.builder.Verify(s.commitment, s.input, s.salt); err != nil {
		return e.fail(s, KindConsistencyFault, "rebuilt commitment differs from the committed one", err)
	}

	receipt, err := e.submitAndFinalize(ctx, submission.OpReveal, func(ctx context.Context) (submission.PendingReceipt, error) {
		return e.port.SubmitReveal(ctx, s.input, s.salt)
	})
	if err != nil {
		return e.fail(s, KindRevealFailed, "reveal was not finalized", err)
	}
	s.revealReceipt = &receipt
	e.complete(s, receipt.TxHash)

	s.phase = PhaseDone
	e.emit(s, EventPhaseEntered, nil, common.Hash{})
	e.logger.WithSession(s.ID).Info("Commit-reveal complete",
		zap.String("digest", s.commitment.Digest.Hex()),
		zap.String("commit_tx", s.commitReceipt.TxHash.Hex()),
		zap.String("reveal_tx", receipt.TxHash.Hex()))
	return s.result()
}

// submitAndFinalize sends one call and waits for its finalization within the
// configured timeout. It never resubmits.
func (e *Engine) submitAndFinalize(ctx context.Context, op submission.Operation, send func(context.Context) (submission.PendingReceipt, error)) (submission.FinalReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.FinalizationTimeout)
	defer cancel()

	pending, err := send(ctx)
	if err != nil {
		return submission.FinalReceipt{}, submission.Classify(op, common.Hash{}, err)
	}
	e.logger.Debug("Submission pending",
		zap.String("op", string(op)),
		zap.String("tx_hash", pending.TxHash.Hex()))

	final, err := e.port.AwaitFinalization(ctx, pending)
	if err != nil {
		return submission.FinalReceipt{}, submission.Classify(op, pending.TxHash, err)
	}
	return final, nil
}

func (e *Engine) lockFor(ctx context.Context, s *Session) (func(), error) {
	if e.deriver.Mode() != salt.Deterministic {
		return func() {}, nil
	}
	return e.locks.Lock(ctx, s.commitment.Digest.Hex())
}
