// Package protocol runs commit-reveal sessions: it derives a salt, publishes
// the commitment digest, waits for the reveal window, re-verifies the
// commitment and publishes the reveal, reporting progress as events.
//
// In deterministic salt mode the engine serializes sessions whose
// (identity, input) pair is the same, since they produce identical
// commitments and would race on the ledger. Random-mode sessions never
// collide and run freely.
package protocol

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fairtx/commitment"
	"fairtx/hashing"
	"fairtx/salt"
	"fairtx/shared"
	"fairtx/submission"
)

// Engine runs sessions against one submission port. It is safe for
// concurrent use; each call runs its own Session.
type Engine struct {
	config    Config
	hashes    *hashing.Engine
	deriver   *salt.Deriver
	builder   *commitment.Builder
	port      submission.Port
	readiness RevealReadiness
	observer  Observers
	logger    *shared.Logger
	locks     *keyedMutex
	entropy   io.Reader
	newID     func() string
}

type Option func(*Engine)

// WithReadiness replaces the FixedDelay(RevealDelay) policy.
func WithReadiness(r RevealReadiness) Option {
	return func(e *Engine) { e.readiness = r }
}

// WithObserver subscribes observers to every session's events.
func WithObserver(observers ...Observer) Option {
	return func(e *Engine) { e.observer = append(e.observer, observers...) }
}

func WithLogger(logger *shared.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEntropy replaces crypto/rand for random salts.
func WithEntropy(r io.Reader) Option {
	return func(e *Engine) { e.entropy = r }
}

func New(config Config, port submission.Port, opts ...Option) (*Engine, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if port == nil {
		return nil, &ConfigError{Field: "port", Message: "a submission port is required"}
	}

	hashes, err := hashing.NewEngine(config.HashAlgorithm)
	if err != nil {
		return nil, &ConfigError{Field: "hash_algorithm", Message: err.Error()}
	}

	e := &Engine{
		config:    config,
		hashes:    hashes,
		builder:   commitment.NewBuilder(hashes),
		port:      port,
		readiness: FixedDelay{Delay: config.RevealDelay},
		logger:    shared.NewNopLogger(),
		locks:     newKeyedMutex(),
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}

	var saltOpts []salt.Option
	if e.entropy != nil {
		saltOpts = append(saltOpts, salt.WithEntropy(e.entropy))
	}
	e.deriver, err = salt.NewDeriver(config.SaltMode, config.SaltLength, hashes.Hasher(), saltOpts...)
	if err != nil {
		return nil, &ConfigError{Field: "salt_mode", Message: err.Error()}
	}

	e.logger.Info("Commit-reveal engine ready",
		zap.String("hash_algorithm", string(hashes.Algorithm())),
		zap.String("salt_mode", string(config.SaltMode)),
		zap.Int("salt_length", config.SaltLength),
		zap.Duration("finalization_timeout", config.FinalizationTimeout))
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Algorithm reports the commitment hash algorithm.
func (e *Engine) Algorithm() hashing.Algorithm {
	return e.hashes.Algorithm()
}

// SubmitProtectedTx runs one full commit-reveal session for input. The result
// is always returned; the error is its Failure, if any.
func (e *Engine) SubmitProtectedTx(ctx context.Context, input string) (*SessionResult, error) {
	res := e.execute(ctx, e.newSession(input))
	if res.Failure != nil {
		return res, res.Failure
	}
	return res, nil
}

// Start runs a session in the background and returns its ID at once. The
// channel yields the result and is then closed.
func (e *Engine) Start(ctx context.Context, input string) (string, <-chan *SessionResult) {
	s := e.newSession(input)
	done := make(chan *SessionResult, 1)
	go func() {
		defer close(done)
		done <- e.execute(ctx, s)
	}()
	return s.ID, done
}

func (e *Engine) execute(ctx context.Context, s *Session) *SessionResult {
	e.logger.WithSession(s.ID).Info("Session started", zap.Int("input_length", len(s.input)))
	if s.input == "" {
		return e.fail(s, KindInvalidInput, "transaction data is empty", nil)
	}
	return e.run(ctx, s)
}

// RetryReveal reveals a commitment that a previous session finalized but
// failed to open. It re-verifies the ticket against its digest first and never
// recommits.
func (e *Engine) RetryReveal(ctx context.Context, ticket RevealTicket) (*SessionResult, error) {
	id := ticket.SessionID
	if id == "" {
		id = e.newID()
	}
	s := &Session{
		ID:            id,
		input:         ticket.Input,
		salt:          ticket.Salt,
		phase:         PhaseIdle,
		commitReceipt: &ticket.CommitReceipt,
		startedAt:     ticket.CommitReceipt.FinalizedAt,
	}
	s.commitment.Digest = ticket.Digest
	e.logger.WithSession(s.ID).Info("Reveal retry started", zap.String("digest", ticket.Digest.Hex()))

	if ticket.Input == "" || ticket.Salt == "" {
		res := e.fail(s, KindInvalidInput, "reveal ticket is missing input or salt", nil)
		return res, res.Failure
	}

	rebuilt, err := e.builder.Build(ticket.Input, ticket.Salt)
	if err != nil {
		res := e.fail(s, KindConsistencyFault, "failed to rebuild commitment", err)
		return res, res.Failure
	}
	if rebuilt.Digest != ticket.Digest {
		cause := fmt.Errorf("%w: ticket %s, rebuilt %s", commitment.ErrMismatch, ticket.Digest.Hex(), rebuilt.Digest.Hex())
		res := e.fail(s, KindConsistencyFault, "ticket does not open its commitment", cause)
		return res, res.Failure
	}
	s.commitment = rebuilt

	unlock, err := e.lockFor(ctx, s)
	if err != nil {
		res := e.fail(s, KindRevealFailed, "gave up waiting for a concurrent session on the same input", err)
		return res, res.Failure
	}
	defer unlock()

	res := e.reveal(ctx, s)
	if res.Failure != nil {
		return res, res.Failure
	}
	return res, nil
}
