// Package dispatch drives token minting one unit at a time. The
// one-token-per-transaction shape is deliberate: it sidesteps an unreliable
// bulk-mint path in the contract and keeps unit failures independent.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Submitter issues a single mint command against the chain
type Submitter interface {
	MintTokens(ctx context.Context, wallet string, amount uint64) error
}

// AbandonSink receives units that exhausted their retries. Optional; used to
// feed a durable replay queue.
type AbandonSink interface {
	PublishAbandonedMint(ctx context.Context, record AbandonedMint) error
}

// AbandonedMint records one permanently failed mint unit
type AbandonedMint struct {
	Wallet      string    `json:"wallet"`
	GeneratorID string    `json:"generator_id"`
	RunID       string    `json:"run_id"`
	Unit        int       `json:"unit"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason"`
	AbandonedAt time.Time `json:"abandoned_at"`
}

// Result summarizes one dispatch batch
type Result struct {
	Requested int
	Delivered int
	Abandoned int
}

// Dispatcher submits mint units sequentially with bounded per-unit retries
// and mandatory pacing between units. A unit that exhausts its retries is
// abandoned and the batch continues; the batch never aborts.
type Dispatcher struct {
	submitter   Submitter
	abandoned   AbandonSink
	maxAttempts int
	retryDelay  time.Duration
	pacingDelay time.Duration
	logger      *zap.Logger
}

// NewDispatcher creates a dispatcher. sink may be nil when no replay queue
// is configured.
func NewDispatcher(submitter Submitter, sink AbandonSink, maxAttempts int, retryDelay, pacingDelay time.Duration, logger *zap.Logger) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		submitter:   submitter,
		abandoned:   sink,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		pacingDelay: pacingDelay,
		logger:      logger,
	}
}

// Mint requests count one-token mint commands for the wallet. generatorID
// and runID only annotate logs and abandoned-unit records.
func (d *Dispatcher) Mint(ctx context.Context, wallet, generatorID, runID string, count int64) (Result, error) {
	result := Result{Requested: int(count)}

	for unit := 0; unit < int(count); unit++ {
		delivered, attempts, lastErr := d.mintUnit(ctx, wallet, unit)
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if delivered {
			result.Delivered++
			d.logger.Debug("mint unit delivered",
				zap.String("wallet", wallet),
				zap.Int("unit", unit+1),
				zap.Int("attempts", attempts),
			)
		} else {
			result.Abandoned++
			d.logger.Error("mint unit abandoned after retries",
				zap.String("wallet", wallet),
				zap.String("generator_id", generatorID),
				zap.Int("unit", unit+1),
				zap.Int("attempts", attempts),
				zap.Error(lastErr),
			)
			if d.abandoned != nil {
				record := AbandonedMint{
					Wallet:      wallet,
					GeneratorID: generatorID,
					RunID:       runID,
					Unit:        unit + 1,
					Attempts:    attempts,
					Reason:      lastErr.Error(),
					AbandonedAt: time.Now(),
				}
				if err := d.abandoned.PublishAbandonedMint(ctx, record); err != nil {
					d.logger.Error("failed to publish abandoned mint", zap.Error(err))
				}
			}
		}

		// Pacing between units applies after success and after exhausted
		// retries alike, to avoid nonce races from back-to-back signed
		// transactions
		if unit < int(count)-1 {
			if err := sleep(ctx, d.pacingDelay); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// mintUnit attempts a single unit up to maxAttempts times with a fixed
// backoff between attempts
func (d *Dispatcher) mintUnit(ctx context.Context, wallet string, unit int) (bool, int, error) {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := d.submitter.MintTokens(ctx, wallet, 1); err == nil {
			return true, attempt, nil
		} else {
			lastErr = err
			d.logger.Warn("mint attempt failed",
				zap.String("wallet", wallet),
				zap.Int("unit", unit+1),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}

		if ctx.Err() != nil {
			return false, attempt, ctx.Err()
		}

		if attempt < d.maxAttempts {
			if err := sleep(ctx, d.retryDelay); err != nil {
				return false, attempt, err
			}
		}
	}

	return false, d.maxAttempts, lastErr
}

// sleep waits for the delay or until the context is cancelled
func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
