package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Phase is a session state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCommitting
	PhaseAwaitingRevealWindow
	PhaseRevealing
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseCommitting:
		return "Committing"
	case PhaseAwaitingRevealWindow:
		return "AwaitingRevealWindow"
	case PhaseRevealing:
		return "Revealing"
	case PhaseDone:
		return "Done"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether p ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for candidate := PhaseIdle; candidate <= PhaseFailed; candidate++ {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// EventKind distinguishes progress events.
type EventKind string

const (
	EventPhaseEntered   EventKind = "phase_entered"
	EventPhaseCompleted EventKind = "phase_completed"
	EventError          EventKind = "error"
)

// Event is one progress notification of a session.
type Event struct {
	SessionID string      `json:"session_id"`
	Kind      EventKind   `json:"kind"`
	Phase     Phase       `json:"phase"`
	Digest    common.Hash `json:"digest,omitempty"`
	TxHash    common.Hash `json:"tx_hash,omitempty"`
	Time      time.Time   `json:"time"`
	Err       error       `json:"-"`
}

// MarshalJSON adds the failure kind and message of error events.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		Error   string      `json:"error,omitempty"`
		Failure FailureKind `json:"failure,omitempty"`
		Advice  RetryAdvice `json:"advice,omitempty"`
	}{plain: plain(e)}
	if e.Err != nil {
		out.Error = e.Err.Error()
		if pe, ok := AsError(e.Err); ok {
			out.Failure = pe.Kind
			out.Advice = pe.Advice()
		}
	}
	return json.Marshal(out)
}

// Observer receives session events. OnEvent runs on the session's goroutine
// and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Observers fans an event out to every member in order.
type Observers []Observer

func (o Observers) OnEvent(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.OnEvent(e)
		}
	}
}
