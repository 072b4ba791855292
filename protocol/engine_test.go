package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fairtx/commitment"
	"fairtx/hashing"
	"fairtx/salt"
	"fairtx/submission"
	"fairtx/submission/simulated"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Identity = "0xABC"
	cfg.RevealDelay = 0
	cfg.FinalizationTimeout = time.Second
	return cfg
}

func newLedger(t *testing.T) *simulated.Ledger {
	t.Helper()
	l, err := simulated.NewLedger(simulated.Config{Sender: common.HexToAddress("0xABC")})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	return l
}

func newEngine(t *testing.T, cfg Config, port submission.Port, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, port, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func expectedCommitment(t *testing.T, identity, input string) commitment.Commitment {
	t.Helper()
	h, _ := hashing.Lookup("keccak256")
	engine, _ := hashing.NewEngine("keccak256")
	c, err := commitment.NewBuilder(engine).Build(input, salt.DeterministicSalt(h, identity, input, salt.DefaultLength))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return c
}

func TestDeterministicDigestStableAcrossPhases(t *testing.T) {
	ledger := newLedger(t)
	log := &eventLog{}
	e := newEngine(t, testConfig(), ledger, WithObserver(log))

	res, err := e.SubmitProtectedTx(context.Background(), "mint")
	if err != nil {
		t.Fatalf("SubmitProtectedTx failed: %v", err)
	}
	if !res.Succeeded() || res.Phase != PhaseDone {
		t.Fatalf("Expected Done, got %s", res.Phase)
	}

	want := expectedCommitment(t, "0xABC", "mint")
	if res.Digest != want.Digest {
		t.Errorf("Expected digest %s, got %s", want.Digest.Hex(), res.Digest.Hex())
	}

	// the ledger recomputes keccak256(abi.encode(data, salt)) on reveal
	reveal, ok := ledger.Revealed(want.Digest)
	if !ok {
		t.Fatal("Expected the ledger to accept the reveal")
	}
	if reveal.Input != "mint" || reveal.Salt != res.Salt {
		t.Errorf("Unexpected reveal %+v", reveal)
	}

	for _, ev := range log.snapshot() {
		if ev.Phase >= PhaseAwaitingRevealWindow && ev.Digest != want.Digest {
			t.Errorf("Event %s/%s carried digest %s", ev.Kind, ev.Phase, ev.Digest.Hex())
		}
	}

	again, err := e.SubmitProtectedTx(context.Background(), "other")
	if err != nil {
		t.Fatalf("Second session failed: %v", err)
	}
	if again.SessionID == res.SessionID {
		t.Error("Expected a fresh session ID per run")
	}
}

func TestEventSequenceOnSuccess(t *testing.T) {
	log := &eventLog{}
	e := newEngine(t, testConfig(), newLedger(t), WithObserver(log))

	if _, err := e.SubmitProtectedTx(context.Background(), "mint"); err != nil {
		t.Fatalf("SubmitProtectedTx failed: %v", err)
	}

	want := []struct {
		kind  EventKind
		phase Phase
	}{
		{EventPhaseEntered, PhaseCommitting},
		{EventPhaseCompleted, PhaseCommitting},
		{EventPhaseEntered, PhaseAwaitingRevealWindow},
		{EventPhaseCompleted, PhaseAwaitingRevealWindow},
		{EventPhaseEntered, PhaseRevealing},
		{EventPhaseCompleted, PhaseRevealing},
		{EventPhaseEntered, PhaseDone},
	}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Kind != w.kind || got[i].Phase != w.phase {
			t.Errorf("Event %d: expected %s/%s, got %s/%s", i, w.kind, w.phase, got[i].Kind, got[i].Phase)
		}
	}
	if got[1].TxHash == (common.Hash{}) || got[5].TxHash == (common.Hash{}) {
		t.Error("Expected completed submission events to carry tx hashes")
	}
}

func TestCommitTimeoutNeverReveals(t *testing.T) {
	ledger := newLedger(t)
	ledger.InjectFault(submission.OpCommit, simulated.FaultHang)

	cfg := testConfig()
	cfg.FinalizationTimeout = 30 * time.Millisecond
	log := &eventLog{}
	e := newEngine(t, cfg, ledger, WithObserver(log))

	res, err := e.SubmitProtectedTx(context.Background(), "mint")
	if !errors.Is(err, ErrCommitFailed) {
		t.Fatalf("Expected ErrCommitFailed, got %v", err)
	}
	if !errors.Is(err, submission.ErrTimeout) {
		t.Errorf("Expected the timeout to be the cause, got %v", err)
	}
	if res.Phase != PhaseFailed || res.Failure.Phase != PhaseCommitting {
		t.Errorf("Expected Failed in Committing, got %s in %s", res.Phase, res.Failure.Phase)
	}
	if res.Failure.Advice() != RetryFromScratch {
		t.Errorf("Expected retry_from_scratch, got %s", res.Failure.Advice())
	}
	if got := ledger.CallCount(submission.OpReveal); got != 0 {
		t.Errorf("Expected no reveal call, got %d", got)
	}
	if _, ok := res.RevealTicket(); ok {
		t.Error("Expected no reveal ticket without a finalized commit")
	}

	for _, ev := range log.snapshot() {
		if ev.Phase == PhaseAwaitingRevealWindow || ev.Phase == PhaseRevealing {
			t.Errorf("Unexpected event in %s after failed commit", ev.Phase)
		}
	}
}

func TestCommitRejections(t *testing.T) {
	tests := []struct {
		name  string
		fault simulated.Fault
		cause error
	}{
		{"RejectedAtSubmit", simulated.FaultRejectSubmit, submission.ErrRejected},
		{"Disconnected", simulated.FaultDisconnect, submission.ErrConnectivity},
		{"Reverted", simulated.FaultRevert, submission.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newLedger(t)
			ledger.InjectFault(submission.OpCommit, tt.fault)
			e := newEngine(t, testConfig(), ledger)

			_, err := e.SubmitProtectedTx(context.Background(), "mint")
			if !errors.Is(err, ErrCommitFailed) || !errors.Is(err, tt.cause) {
				t.Errorf("Expected commit failure caused by %v, got %v", tt.cause, err)
			}
			if ledger.CallCount(submission.OpReveal) != 0 {
				t.Error("Expected no reveal after a failed commit")
			}
		})
	}
}

func TestRevealRejectedKeepsSaltForRetry(t *testing.T) {
	ledger := newLedger(t)
	ledger.InjectFault(submission.OpReveal, simulated.FaultRevert)
	e := newEngine(t, testConfig(), ledger)

	res, err := e.SubmitProtectedTx(context.Background(), "mint")
	if !errors.Is(err, ErrRevealFailed) {
		t.Fatalf("Expected ErrRevealFailed, got %v", err)
	}
	if res.Failure.Advice() != RetryRevealOnly {
		t.Errorf("Expected retry_reveal_only, got %s", res.Failure.Advice())
	}

	ticket, ok := res.RevealTicket()
	if !ok {
		t.Fatal("Expected a reveal ticket after a finalized commit")
	}
	if ticket.Salt == "" || ticket.Salt != res.Salt || ticket.Input != "mint" {
		t.Errorf("Unexpected ticket %+v", ticket)
	}
	if !ledger.IsCommitted(ticket.Digest) {
		t.Fatal("Expected the commitment to be on the ledger")
	}

	ledger.ClearFaults()
	retried, err := e.RetryReveal(context.Background(), ticket)
	if err != nil {
		t.Fatalf("RetryReveal failed: %v", err)
	}
	if !retried.Succeeded() || retried.SessionID != res.SessionID {
		t.Errorf("Expected retry of session %s to succeed, got %+v", res.SessionID, retried)
	}
	if ledger.CallCount(submission.OpCommit) != 1 {
		t.Errorf("Expected exactly one commit, got %d", ledger.CallCount(submission.OpCommit))
	}
	if _, ok := ledger.Revealed(ticket.Digest); !ok {
		t.Error("Expected the retried reveal to be recorded")
	}
}

func TestRevealTicketSurvivesJSONWithBinaryInput(t *testing.T) {
	ledger := newLedger(t)
	ledger.InjectFault(submission.OpReveal, simulated.FaultRevert)
	e := newEngine(t, testConfig(), ledger)

	input := "mint\xff\xfe"
	res, err := e.SubmitProtectedTx(context.Background(), input)
	if !errors.Is(err, ErrRevealFailed) {
		t.Fatalf("Expected ErrRevealFailed, got %v", err)
	}
	ticket, ok := res.RevealTicket()
	if !ok {
		t.Fatal("Expected a reveal ticket")
	}

	data, err := json.Marshal(ticket)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded RevealTicket
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Input != input || decoded.Salt != ticket.Salt || decoded.Digest != ticket.Digest {
		t.Fatalf("Ticket changed across JSON: %s", data)
	}
	if decoded.CommitReceipt.TxHash != ticket.CommitReceipt.TxHash {
		t.Errorf("Expected commit receipt to survive, got %+v", decoded.CommitReceipt)
	}

	ledger.ClearFaults()
	retried, err := e.RetryReveal(context.Background(), decoded)
	if err != nil {
		t.Fatalf("RetryReveal failed: %v", err)
	}
	if !retried.Succeeded() {
		t.Errorf("Expected retry to succeed, got %s", retried.Phase)
	}
}

func TestRetryRevealRejectsForeignSalt(t *testing.T) {
	ledger := newLedger(t)
	e := newEngine(t, testConfig(), ledger)

	ticket := RevealTicket{
		SessionID: "s-1",
		Input:     "mint",
		Salt:      "0xnotthesalt",
		Digest:    expectedCommitment(t, "0xABC", "mint").Digest,
	}
	res, err := e.RetryReveal(context.Background(), ticket)
	if !errors.Is(err, ErrConsistencyFault) || !errors.Is(err, commitment.ErrMismatch) {
		t.Fatalf("Expected consistency fault, got %v", err)
	}
	if res.Failure.Advice() != DoNotRetry {
		t.Errorf("Expected do_not_retry, got %s", res.Failure.Advice())
	}
	if ledger.CallCount(submission.OpReveal) != 0 {
		t.Error("Expected no reveal for a mismatched ticket")
	}

	if _, err := e.RetryReveal(context.Background(), RevealTicket{Digest: ticket.Digest}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for an empty ticket, got %v", err)
	}
}

func TestMutationBeforeRevealIsConsistencyFault(t *testing.T) {
	ledger := newLedger(t)
	log := &eventLog{}

	var s *Session
	tamper := ReadinessFunc(func(ctx context.Context, commit submission.FinalReceipt) error {
		s.input = "mint-but-different"
		return nil
	})
	e := newEngine(t, testConfig(), ledger, WithReadiness(tamper), WithObserver(log))

	s = e.newSession("mint")
	res := e.run(context.Background(), s)

	if res.Failure == nil || !errors.Is(res.Failure, ErrConsistencyFault) {
		t.Fatalf("Expected consistency fault, got %+v", res.Failure)
	}
	if res.Failure.Phase != PhaseRevealing {
		t.Errorf("Expected failure in Revealing, got %s", res.Failure.Phase)
	}
	if ledger.CallCount(submission.OpReveal) != 0 {
		t.Error("Expected no reveal submission after a consistency fault")
	}

	events := log.snapshot()
	last := events[len(events)-1]
	if last.Kind != EventError || !errors.Is(last.Err, ErrConsistencyFault) {
		t.Errorf("Expected final error event, got %+v", last)
	}
}

func TestSaltMutationIsAlsoDetected(t *testing.T) {
	ledger := newLedger(t)
	var s *Session
	e := newEngine(t, testConfig(), ledger, WithReadiness(ReadinessFunc(func(context.Context, submission.FinalReceipt) error {
		s.salt = s.salt + "0"
		return nil
	})))

	s = e.newSession("mint")
	if res := e.run(context.Background(), s); res.Failure == nil || res.Failure.Kind != KindConsistencyFault {
		t.Fatalf("Expected consistency fault, got %+v", res.Failure)
	}
}

func TestRandomModeSaltsDiffer(t *testing.T) {
	ledger := newLedger(t)
	cfg := testConfig()
	cfg.SaltMode = salt.Random
	cfg.Identity = ""
	e := newEngine(t, cfg, ledger)

	first, err := e.SubmitProtectedTx(context.Background(), "mint")
	if err != nil {
		t.Fatalf("First session failed: %v", err)
	}
	second, err := e.SubmitProtectedTx(context.Background(), "mint")
	if err != nil {
		t.Fatalf("Second session failed: %v", err)
	}

	if first.Salt == second.Salt || first.Digest == second.Digest {
		t.Error("Expected random salts to produce distinct commitments")
	}
	if len(first.Salt) != salt.DefaultLength {
		t.Errorf("Expected %d-character salt, got %q", salt.DefaultLength, first.Salt)
	}
}

func TestEntropyFailureIsFatal(t *testing.T) {
	ledger := newLedger(t)
	cfg := testConfig()
	cfg.SaltMode = salt.Random
	e := newEngine(t, cfg, ledger, WithEntropy(failingReader{}))

	res, err := e.SubmitProtectedTx(context.Background(), "mint")
	if !errors.Is(err, ErrEntropyUnavailable) {
		t.Fatalf("Expected ErrEntropyUnavailable, got %v", err)
	}
	if res.Phase != PhaseFailed || len(ledger.Calls()) != 0 {
		t.Errorf("Expected failure before any ledger call, got phase %s and %d calls", res.Phase, len(ledger.Calls()))
	}
}

func TestEmptyInputIsRejected(t *testing.T) {
	ledger := newLedger(t)
	e := newEngine(t, testConfig(), ledger)

	res, err := e.SubmitProtectedTx(context.Background(), "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}
	if res.Failure.Phase != PhaseIdle || len(ledger.Calls()) != 0 {
		t.Errorf("Expected rejection in Idle with no calls, got %s and %d calls", res.Failure.Phase, len(ledger.Calls()))
	}
}

func TestAbandonDuringRevealWindow(t *testing.T) {
	ledger := newLedger(t)
	cfg := testConfig()
	cfg.RevealDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	abandon := ObserverFunc(func(ev Event) {
		if ev.Kind == EventPhaseEntered && ev.Phase == PhaseAwaitingRevealWindow {
			cancel()
		}
	})
	e := newEngine(t, cfg, ledger, WithObserver(abandon))

	res, err := e.SubmitProtectedTx(ctx, "mint")
	if !errors.Is(err, ErrRevealFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected reveal failure caused by cancellation, got %v", err)
	}
	if res.Failure.Phase != PhaseAwaitingRevealWindow {
		t.Errorf("Expected failure in AwaitingRevealWindow, got %s", res.Failure.Phase)
	}
	if _, ok := res.RevealTicket(); !ok {
		t.Error("Expected a reveal ticket for an abandoned session")
	}
	if ledger.CallCount(submission.OpReveal) != 0 {
		t.Error("Expected no reveal after abandoning")
	}
}

func TestDeterministicSessionsOnSameInputAreSerialized(t *testing.T) {
	ledger := newLedger(t)
	cfg := testConfig()
	cfg.RevealDelay = 20 * time.Millisecond
	e := newEngine(t, cfg, ledger)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.SubmitProtectedTx(context.Background(), "mint")
		}(i)
	}
	wg.Wait()

	calls := ledger.Calls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 ledger calls, got %d", len(calls))
	}
	order := []submission.Operation{calls[0].Op, calls[1].Op, calls[2].Op}
	if order[0] != submission.OpCommit || order[1] != submission.OpReveal || order[2] != submission.OpCommit {
		t.Errorf("Expected commit, reveal, commit; got %v", order)
	}

	// the identical commitment is refused the second time around
	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			if !errors.Is(err, ErrCommitFailed) || !errors.Is(err, simulated.ErrAlreadyCommitted) {
				t.Errorf("Expected duplicate commit rejection, got %v", err)
			}
		}
	}
	if failures != 1 {
		t.Errorf("Expected exactly one failed session, got %d", failures)
	}
	if e.locks.size() != 0 {
		t.Errorf("Expected key locks to be released, %d remain", e.locks.size())
	}
}

func TestNewValidatesConfig(t *testing.T) {
	ledger := newLedger(t)

	cfg := testConfig()
	cfg.Identity = ""
	if _, err := New(cfg, ledger); err == nil {
		t.Error("Expected deterministic mode without identity to fail")
	}

	cfg = testConfig()
	cfg.HashAlgorithm = "md5"
	var cfgErr *ConfigError
	if _, err := New(cfg, ledger); !errors.As(err, &cfgErr) || cfgErr.Field != "hash_algorithm" {
		t.Errorf("Expected hash_algorithm config error, got %v", err)
	}

	if _, err := New(testConfig(), nil); err == nil {
		t.Error("Expected missing port to fail")
	}

	e := newEngine(t, Config{Identity: "0xABC"}, ledger)
	if e.Config().SaltLength != salt.DefaultLength || e.Algorithm() != hashing.Keccak256 {
		t.Errorf("Expected defaults to be applied, got %+v", e.Config())
	}
}

func TestAlternativeHashAlgorithm(t *testing.T) {
	h, _ := hashing.Lookup("blake3")
	ledger, err := simulated.NewLedger(simulated.Config{Sender: common.HexToAddress("0xABC"), Hasher: h})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	cfg := testConfig()
	cfg.HashAlgorithm = "blake3"
	e := newEngine(t, cfg, ledger)

	res, err := e.SubmitProtectedTx(context.Background(), "mint")
	if err != nil {
		t.Fatalf("SubmitProtectedTx failed: %v", err)
	}
	if _, ok := ledger.Revealed(res.Digest); !ok {
		t.Error("Expected a ledger using the same algorithm to accept the reveal")
	}
}

func TestStartReturnsIDBeforeCompletion(t *testing.T) {
	ledger := newLedger(t)
	log := &eventLog{}
	e := newEngine(t, testConfig(), ledger, WithObserver(log))

	id, done := e.Start(context.Background(), "mint")
	if id == "" {
		t.Fatal("Expected a session ID")
	}
	res, ok := <-done
	if !ok || res == nil {
		t.Fatal("Expected a result on the channel")
	}
	if res.SessionID != id || !res.Succeeded() {
		t.Errorf("Expected session %s to succeed, got %+v", id, res)
	}
	if _, open := <-done; open {
		t.Error("Expected the channel to be closed after the result")
	}
	for _, ev := range log.snapshot() {
		if ev.SessionID != id {
			t.Errorf("Event for unexpected session %s", ev.SessionID)
		}
	}
}
