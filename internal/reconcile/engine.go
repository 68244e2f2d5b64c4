// Package reconcile implements the kWh-to-token reconciliation cycle: pull
// telemetry for every generator, grow the ledger accumulators, then dispatch
// the cycle's tokens to the chain.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gaiaecotrack/tokenizer/internal/conversion"
	"github.com/gaiaecotrack/tokenizer/internal/db"
	"github.com/gaiaecotrack/tokenizer/internal/dispatch"
	"github.com/gaiaecotrack/tokenizer/internal/logging"
	"github.com/gaiaecotrack/tokenizer/internal/telemetry"
)

// ErrAlreadyRunning is returned when a run is triggered while another is in
// flight; triggers are rejected, never queued
var ErrAlreadyRunning = errors.New("reconciliation already running")

// GeneratorStore is the ledger surface the engine mutates
type GeneratorStore interface {
	ListGenerators(ctx context.Context) ([]db.Generator, error)
	ApplyCycle(ctx context.Context, id uuid.UUID, kwDelta float64, tokenDelta int64) error
	UpdateGrowattSnapshot(ctx context.Context, id uuid.UUID, c02, ratedPower float64) error
}

// HoymilesSource fetches today's generation for a Hoymiles account
type HoymilesSource interface {
	TodayGeneration(ctx context.Context, secretName string) (float64, error)
}

// GrowattSource fetches today's generation and carbon figures for a Growatt
// account
type GrowattSource interface {
	EnergyToday(ctx context.Context, userClient string) (float64, error)
	Carbon(ctx context.Context, userClient string) (*telemetry.CarbonMetrics, error)
}

// Minter dispatches a batch of one-token mint commands
type Minter interface {
	Mint(ctx context.Context, wallet, generatorID, runID string, count int64) (dispatch.Result, error)
}

// Event types emitted over the Sink
const (
	EventRunStarted   = "run_started"
	EventTransition   = "generator_transition"
	EventRunCompleted = "run_completed"
)

// Event is one observable step of a reconciliation run
type Event struct {
	Type        string   `json:"type"`
	RunID       string   `json:"run_id"`
	GeneratorID string   `json:"generator_id,omitempty"`
	Generator   string   `json:"generator,omitempty"`
	From        string   `json:"from,omitempty"`
	To          string   `json:"to,omitempty"`
	Summary     *Summary `json:"summary,omitempty"`
}

// Sink receives run events; implementations fan out to websocket clients or
// the message bus
type Sink interface {
	Publish(event Event)
}

// GeneratorOutcome is the per-generator result of one run
type GeneratorOutcome struct {
	GeneratorID     string  `json:"generator_id"`
	Name            string  `json:"name"`
	Brand           string  `json:"brand"`
	State           string  `json:"state"`
	EnergyDelta     float64 `json:"energy_delta"`
	TokensOwed      int64   `json:"tokens_owed"`
	TokensDelivered int     `json:"tokens_delivered"`
	TokensAbandoned int     `json:"tokens_abandoned"`
	Error           string  `json:"error,omitempty"`
}

// Summary aggregates one full reconciliation run
type Summary struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Succeeded  int                `json:"succeeded"`
	Failed     int                `json:"failed"`
	Generators []GeneratorOutcome `json:"generators"`
}

// Engine orchestrates reconciliation runs. Single-flight: the mutex rejects
// concurrent runs so the ledger has exactly one writer at a time.
type Engine struct {
	mu       sync.Mutex
	store    GeneratorStore
	hoymiles HoymilesSource
	growatt  GrowattSource
	minter   Minter
	sink     Sink
	logger   *zap.Logger
}

// NewEngine creates a reconciliation engine. sink may be nil.
func NewEngine(store GeneratorStore, hoymiles HoymilesSource, growatt GrowattSource, minter Minter, sink Sink, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		hoymiles: hoymiles,
		growatt:  growatt,
		minter:   minter,
		sink:     sink,
		logger:   logger,
	}
}

func (e *Engine) emit(event Event) {
	if e.sink != nil {
		e.sink.Publish(event)
	}
}

// cycleWork carries one generator's state between the two phases
type cycleWork struct {
	gen     db.Generator
	machine *progressMachine
	outcome *GeneratorOutcome
}

// Run executes one full reconciliation cycle over all generators.
// Returns ErrAlreadyRunning when a run is already in flight.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	if !e.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer e.mu.Unlock()

	runID := uuid.New().String()
	logger := logging.WithRun(e.logger, runID)

	summary := &Summary{RunID: runID, StartedAt: time.Now()}
	e.emit(Event{Type: EventRunStarted, RunID: runID})
	logger.Info("reconciliation run started")

	generators, err := e.store.ListGenerators(ctx)
	if err != nil {
		return nil, fmt.Errorf("load generators: %w", err)
	}

	// Phase 1: telemetry + ledger, sequentially per generator so vendor
	// APIs are not hammered and logs stay legible
	work := make([]*cycleWork, 0, len(generators))
	for i := range generators {
		gen := generators[i]
		genLogger := logging.WithGenerator(logger, gen.ID.String(), gen.Name)

		outcome := &GeneratorOutcome{
			GeneratorID: gen.ID.String(),
			Name:        gen.Name,
			Brand:       gen.Brand,
		}
		machine := newProgressMachine(func(from, to string) {
			outcome.State = to
			e.emit(Event{
				Type:        EventTransition,
				RunID:       runID,
				GeneratorID: gen.ID.String(),
				Generator:   gen.Name,
				From:        from,
				To:          to,
			})
		})
		outcome.State = machine.current()

		w := &cycleWork{gen: gen, machine: machine, outcome: outcome}
		work = append(work, w)

		if err := e.updateLedger(ctx, w, genLogger); err != nil {
			machine.fail()
			outcome.Error = err.Error()
			genLogger.Error("generator reconciliation failed", zap.Error(err))
			continue
		}

		genLogger.Info("ledger updated",
			zap.Float64("energy_delta", outcome.EnergyDelta),
			zap.Int64("tokens_owed", outcome.TokensOwed),
		)
	}

	// Phase 2: dispatch the cycle's tokens for every generator whose
	// ledger update succeeded
	aborted := false
	for _, w := range work {
		if w.machine.current() != StateLedgerUpdated {
			continue
		}
		if aborted {
			// Distinguish never-attempted dispatches from real failures
			w.machine.fail()
			w.outcome.Error = "run aborted before dispatch"
			continue
		}

		result, err := e.minter.Mint(ctx, w.gen.Wallet, w.gen.ID.String(), runID, w.outcome.TokensOwed)
		w.outcome.TokensDelivered = result.Delivered
		w.outcome.TokensAbandoned = result.Abandoned
		if err != nil {
			// Only cancellation aborts a batch; the run cannot
			// continue either
			w.machine.fail()
			w.outcome.Error = err.Error()
			logger.Error("dispatch aborted", zap.Error(err))
			aborted = true
			continue
		}

		_ = w.machine.advance(eventTokensDispatched)
		_ = w.machine.advance(eventDone)
	}

	for _, w := range work {
		w.outcome.State = w.machine.current()
		if w.outcome.State == StateDone {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.Generators = append(summary.Generators, *w.outcome)
	}

	summary.FinishedAt = time.Now()
	e.emit(Event{Type: EventRunCompleted, RunID: runID, Summary: summary})
	logger.Info("reconciliation run completed",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)),
	)

	return summary, nil
}

// updateLedger runs phase 1 for a single generator: fetch telemetry, compute
// the cycle's tokens, grow the accumulators
func (e *Engine) updateLedger(ctx context.Context, w *cycleWork, logger *zap.Logger) error {
	gen := w.gen

	switch gen.Brand {
	case db.BrandHoymiles:
		delta, err := e.hoymiles.TodayGeneration(ctx, gen.SecretName)
		if err != nil {
			return err
		}
		if err := w.machine.advance(eventTelemetryFetched); err != nil {
			return err
		}

		tokens, err := conversion.TokensFor(gen.Brand, delta)
		if err != nil {
			return err
		}

		if err := e.store.ApplyCycle(ctx, gen.ID, delta, tokens); err != nil {
			return err
		}

		w.outcome.EnergyDelta = delta
		w.outcome.TokensOwed = tokens
		return w.machine.advance(eventLedgerUpdated)

	case db.BrandGrowatt:
		var delta float64
		var carbon *telemetry.CarbonMetrics

		// The two plant sub-fetches are independent; join them
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			delta, err = e.growatt.EnergyToday(gctx, gen.SecretName)
			return err
		})
		g.Go(func() error {
			var err error
			carbon, err = e.growatt.Carbon(gctx, gen.SecretName)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		if err := w.machine.advance(eventTelemetryFetched); err != nil {
			return err
		}

		tokens, err := conversion.TokensFor(gen.Brand, delta)
		if err != nil {
			return err
		}

		if err := e.store.ApplyCycle(ctx, gen.ID, delta, tokens); err != nil {
			return err
		}
		if err := e.store.UpdateGrowattSnapshot(ctx, gen.ID, carbon.C02, carbon.NominalPower); err != nil {
			// Snapshot fields are informational; the cycle still counts
			logger.Warn("failed to store growatt snapshot", zap.Error(err))
		}

		w.outcome.EnergyDelta = delta
		w.outcome.TokensOwed = tokens
		return w.machine.advance(eventLedgerUpdated)

	default:
		return fmt.Errorf("%w: %q", conversion.ErrUnknownBrand, gen.Brand)
	}
}
