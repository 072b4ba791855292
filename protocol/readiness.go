package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fairtx/submission"
)

// RevealReadiness decides when a finalized commitment may be revealed.
type RevealReadiness interface {
	WaitReady(ctx context.Context, commit submission.FinalReceipt) error
}

// ReadinessFunc adapts a function to RevealReadiness.
type ReadinessFunc func(ctx context.Context, commit submission.FinalReceipt) error

func (f ReadinessFunc) WaitReady(ctx context.Context, commit submission.FinalReceipt) error {
	return f(ctx, commit)
}

// FixedDelay waits until Delay has passed since the commit was finalized.
type FixedDelay struct {
	Delay time.Duration
}

func (f FixedDelay) WaitReady(ctx context.Context, commit submission.FinalReceipt) error {
	wait := f.Delay
	if !commit.FinalizedAt.IsZero() {
		wait -= time.Since(commit.FinalizedAt)
	}
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

const (
	DefaultDepthPollInterval    = 2 * time.Second
	DefaultDepthMaxPollInterval = 15 * time.Second
)

var ErrNotConfirmed = errors.New("commitment not yet confirmed deep enough")

// ConfirmationDepth waits until the ledger head is Depth blocks past the
// block that recorded the commitment.
type ConfirmationDepth struct {
	Heights         submission.HeightSource
	Depth           uint64
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// MaxWait bounds the whole wait; zero leaves it to ctx.
	MaxWait time.Duration
}

func (c ConfirmationDepth) WaitReady(ctx context.Context, commit submission.FinalReceipt) error {
	if c.Heights == nil {
		return errors.New("confirmation depth policy has no height source")
	}
	if c.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.MaxWait)
		defer cancel()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = orDefault(c.PollInterval, DefaultDepthPollInterval)
	policy.MaxInterval = orDefault(c.MaxPollInterval, DefaultDepthMaxPollInterval)
	policy.MaxElapsedTime = 0
	policy.Reset()

	target := commit.BlockNumber + c.Depth
	var last uint64
	err := backoff.Retry(func() error {
		height, err := c.Heights.BlockNumber(ctx)
		if err != nil {
			return err
		}
		last = height
		if height < target {
			return ErrNotConfirmed
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("waiting for block %d (last seen %d): %w", target, last, err)
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
