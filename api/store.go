package api

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fairtx/protocol"
	"fairtx/salt"
	"fairtx/submission"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotRetryable    = errors.New("session has no pending reveal to retry")
	ErrRetryInProgress = errors.New("a reveal retry is already running for this session")
)

// SessionView is the client-facing snapshot of a session. The salt is only
// exposed once the reveal has gone out or the commitment is stranded on the
// ledger and the caller needs it to retry.
type SessionView struct {
	SessionID     string                   `json:"session_id"`
	Phase         protocol.Phase           `json:"phase"`
	Digest        *common.Hash             `json:"digest,omitempty"`
	Salt          salt.Salt                `json:"salt,omitempty"`
	CommitReceipt *submission.FinalReceipt `json:"commit_receipt,omitempty"`
	RevealReceipt *submission.FinalReceipt `json:"reveal_receipt,omitempty"`
	Failure       protocol.FailureKind     `json:"failure,omitempty"`
	Advice        protocol.RetryAdvice     `json:"advice,omitempty"`
	Error         string                   `json:"error,omitempty"`
	Retrying      bool                     `json:"retrying,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

type record struct {
	view   SessionView
	result *protocol.SessionResult
}

// Store keeps session snapshots for polling clients. It observes engine events
// for live progress and drops finished sessions after the TTL.
type Store struct {
	mu            sync.Mutex
	records       map[string]*record
	ttl           time.Duration
	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	stopOnce      sync.Once
}

var _ protocol.Observer = (*Store)(nil)

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		records:     make(map[string]*record),
		ttl:         ttl,
		cleanupDone: make(chan struct{}),
	}
}

// Track registers a session the caller has just started.
func (s *Store) Track(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(sessionID, time.Now())
}

func (s *Store) upsertLocked(sessionID string, now time.Time) *record {
	r, ok := s.records[sessionID]
	if !ok {
		r = &record{view: SessionView{SessionID: sessionID, Phase: protocol.PhaseIdle, StartedAt: now}}
		s.records[sessionID] = r
	}
	r.view.UpdatedAt = now
	return r
}

func (s *Store) OnEvent(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.upsertLocked(ev.SessionID, ev.Time)
	if ev.Digest != (common.Hash{}) {
		digest := ev.Digest
		r.view.Digest = &digest
	}
	// terminal phases are only set by Complete, together with the receipts
	switch ev.Kind {
	case protocol.EventPhaseEntered:
		if !ev.Phase.Terminal() {
			r.view.Phase = ev.Phase
		}
	case protocol.EventError:
		if pe, ok := protocol.AsError(ev.Err); ok {
			r.view.Failure = pe.Kind
			r.view.Advice = pe.Advice()
			r.view.Error = pe.Error()
		}
	}
}

// Complete records the final result of a session or of a reveal retry.
func (s *Store) Complete(res *protocol.SessionResult) {
	if res == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.upsertLocked(res.SessionID, res.FinishedAt)
	r.result = res

	v := &r.view
	v.Phase = res.Phase
	v.Retrying = false
	v.CommitReceipt = res.CommitReceipt
	v.RevealReceipt = res.RevealReceipt
	if res.Digest != (common.Hash{}) {
		digest := res.Digest
		v.Digest = &digest
	}
	v.Failure, v.Advice, v.Error = "", "", ""
	if res.Failure != nil {
		v.Failure = res.Failure.Kind
		v.Advice = res.Failure.Advice()
		v.Error = res.Failure.Error()
	}

	v.Salt = ""
	if _, retryable := res.RevealTicket(); res.Succeeded() || retryable {
		v.Salt = res.Salt
	}
}

func (s *Store) Get(sessionID string) (SessionView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[sessionID]
	if !ok {
		return SessionView{}, false
	}
	return r.view, true
}

// BeginRetry hands out the reveal ticket of a session whose reveal failed and
// marks it as retrying until the next Complete.
func (s *Store) BeginRetry(sessionID string) (protocol.RevealTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[sessionID]
	if !ok {
		return protocol.RevealTicket{}, ErrSessionNotFound
	}
	if r.view.Retrying {
		return protocol.RevealTicket{}, ErrRetryInProgress
	}
	if r.result == nil {
		return protocol.RevealTicket{}, ErrNotRetryable
	}
	ticket, ok := r.result.RevealTicket()
	if !ok {
		return protocol.RevealTicket{}, ErrNotRetryable
	}
	r.view.Retrying = true
	r.view.UpdatedAt = time.Now()
	return ticket, nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// StartCleanupRoutine evicts expired sessions every interval until Stop.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.cleanupTicker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.cleanupTicker.C:
				s.cleanupExpired()
			case <-s.cleanupDone:
				return
			}
		}
	}()
}

func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		if s.cleanupTicker != nil {
			s.cleanupTicker.Stop()
		}
		close(s.cleanupDone)
	})
}

// cleanupExpired removes finished sessions idle for longer than the TTL.
// Running sessions and retries are kept regardless of age.
func (s *Store) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, r := range s.records {
		if !r.view.Phase.Terminal() || r.view.Retrying {
			continue
		}
		if now.Sub(r.view.UpdatedAt) > s.ttl {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}
