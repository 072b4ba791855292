package api

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fairtx/protocol"
	"fairtx/submission"
)

func TestStoreTracksEvents(t *testing.T) {
	s := NewStore(time.Minute)
	digest := common.HexToHash("0x01")

	s.OnEvent(protocol.Event{SessionID: "a", Kind: protocol.EventPhaseEntered, Phase: protocol.PhaseCommitting, Time: time.Now()})
	s.OnEvent(protocol.Event{SessionID: "a", Kind: protocol.EventPhaseEntered, Phase: protocol.PhaseAwaitingRevealWindow, Digest: digest, Time: time.Now()})

	view, ok := s.Get("a")
	if !ok || view.Phase != protocol.PhaseAwaitingRevealWindow || view.Digest == nil || *view.Digest != digest {
		t.Fatalf("Unexpected view %+v", view)
	}

	s.OnEvent(protocol.Event{
		SessionID: "a",
		Kind:      protocol.EventError,
		Phase:     protocol.PhaseRevealing,
		Err:       &protocol.Error{Kind: protocol.KindConsistencyFault, Phase: protocol.PhaseRevealing, Message: "mismatch"},
		Time:      time.Now(),
	})
	view, _ = s.Get("a")
	if view.Phase != protocol.PhaseAwaitingRevealWindow || view.Failure != protocol.KindConsistencyFault || view.Advice != protocol.DoNotRetry {
		t.Errorf("Expected failure details before completion, got %+v", view)
	}

	s.OnEvent(protocol.Event{SessionID: "b", Kind: protocol.EventPhaseEntered, Phase: protocol.PhaseDone, Time: time.Now()})
	if view, _ := s.Get("b"); view.Phase.Terminal() {
		t.Error("Expected terminal phases to wait for the result")
	}
}

func TestStoreRetryLifecycle(t *testing.T) {
	s := NewStore(time.Minute)

	if _, err := s.BeginRetry("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	s.Track("running")
	if _, err := s.BeginRetry("running"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Expected ErrNotRetryable for a running session, got %v", err)
	}

	s.Complete(&protocol.SessionResult{
		SessionID:     "stranded",
		Phase:         protocol.PhaseFailed,
		Salt:          "0xabc",
		Digest:        common.HexToHash("0x02"),
		CommitReceipt: &submission.FinalReceipt{Op: submission.OpCommit, BlockNumber: 1},
		Failure:       &protocol.Error{Kind: protocol.KindRevealFailed, Phase: protocol.PhaseRevealing},
		FinishedAt:    time.Now(),
	})
	view, _ := s.Get("stranded")
	if view.Salt != "0xabc" {
		t.Errorf("Expected the salt of a stranded commitment, got %q", view.Salt)
	}

	ticket, err := s.BeginRetry("stranded")
	if err != nil {
		t.Fatalf("BeginRetry failed: %v", err)
	}
	if ticket.SessionID != "stranded" || ticket.Salt != "0xabc" {
		t.Errorf("Unexpected ticket %+v", ticket)
	}
	if _, err := s.BeginRetry("stranded"); !errors.Is(err, ErrRetryInProgress) {
		t.Errorf("Expected ErrRetryInProgress, got %v", err)
	}
}

func TestStoreCleanupKeepsLiveSessions(t *testing.T) {
	s := NewStore(10 * time.Millisecond)
	s.Track("running")
	s.Complete(&protocol.SessionResult{SessionID: "done", Phase: protocol.PhaseDone, FinishedAt: time.Now()})

	time.Sleep(30 * time.Millisecond)
	if removed := s.cleanupExpired(); removed != 1 {
		t.Errorf("Expected one eviction, got %d", removed)
	}
	if _, ok := s.Get("running"); !ok {
		t.Error("Expected the running session to be kept")
	}
	if _, ok := s.Get("done"); ok {
		t.Error("Expected the finished session to be evicted")
	}

	s.StartCleanupRoutine(5 * time.Millisecond)
	s.Stop()
	s.Stop()
}
