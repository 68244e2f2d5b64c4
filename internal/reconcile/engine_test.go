package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaiaecotrack/tokenizer/internal/db"
	"github.com/gaiaecotrack/tokenizer/internal/dispatch"
	"github.com/gaiaecotrack/tokenizer/internal/telemetry"
)

type fakeStore struct {
	mu         sync.Mutex
	generators []db.Generator
	listErr    error

	cycles    map[uuid.UUID][]appliedCycle
	snapshots map[uuid.UUID]telemetry.CarbonMetrics
}

type appliedCycle struct {
	kwDelta    float64
	tokenDelta int64
}

func newFakeStore(generators ...db.Generator) *fakeStore {
	return &fakeStore{
		generators: generators,
		cycles:     make(map[uuid.UUID][]appliedCycle),
		snapshots:  make(map[uuid.UUID]telemetry.CarbonMetrics),
	}
}

func (s *fakeStore) ListGenerators(ctx context.Context) ([]db.Generator, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.generators, nil
}

func (s *fakeStore) ApplyCycle(ctx context.Context, id uuid.UUID, kwDelta float64, tokenDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles[id] = append(s.cycles[id], appliedCycle{kwDelta: kwDelta, tokenDelta: tokenDelta})
	return nil
}

func (s *fakeStore) UpdateGrowattSnapshot(ctx context.Context, id uuid.UUID, c02, ratedPower float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[id] = telemetry.CarbonMetrics{C02: c02, NominalPower: ratedPower}
	return nil
}

func (s *fakeStore) cycleCount(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cycles[id])
}

type fakeHoymiles struct {
	generation map[string]float64
	err        error
	block      chan struct{}
}

func (h *fakeHoymiles) TodayGeneration(ctx context.Context, secretName string) (float64, error) {
	if h.block != nil {
		<-h.block
	}
	if h.err != nil {
		return 0, h.err
	}
	return h.generation[secretName], nil
}

type fakeGrowatt struct {
	energy map[string]float64
	carbon map[string]telemetry.CarbonMetrics
	err    error
}

func (g *fakeGrowatt) EnergyToday(ctx context.Context, userClient string) (float64, error) {
	if g.err != nil {
		return 0, g.err
	}
	return g.energy[userClient], nil
}

func (g *fakeGrowatt) Carbon(ctx context.Context, userClient string) (*telemetry.CarbonMetrics, error) {
	if g.err != nil {
		return nil, g.err
	}
	m := g.carbon[userClient]
	return &m, nil
}

type fakeMinter struct {
	mu    sync.Mutex
	calls []mintCall
	err   error
}

type mintCall struct {
	wallet string
	count  int64
}

func (m *fakeMinter) Mint(ctx context.Context, wallet, generatorID, runID string, count int64) (dispatch.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mintCall{wallet: wallet, count: count})
	if m.err != nil {
		return dispatch.Result{Requested: int(count)}, m.err
	}
	return dispatch.Result{Requested: int(count), Delivered: int(count)}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func hoymilesGenerator(name string) db.Generator {
	return db.Generator{
		ID:         uuid.New(),
		Name:       name,
		Wallet:     "kGkLEU3e3XXkJp2WK4eNpVmSab5xUNL9QtmLPh8QfCL2EgotW",
		SecretName: name + "@example.com",
		Brand:      db.BrandHoymiles,
	}
}

func growattGenerator(name string) db.Generator {
	g := hoymilesGenerator(name)
	g.Brand = db.BrandGrowatt
	g.SecretName = name
	return g
}

func TestRunHoymilesCycle(t *testing.T) {
	gen := hoymilesGenerator("finca-norte")
	store := newFakeStore(gen)
	hoymiles := &fakeHoymiles{generation: map[string]float64{gen.SecretName: 2500}}
	minter := &fakeMinter{}
	sink := &recordingSink{}

	engine := NewEngine(store, hoymiles, &fakeGrowatt{}, minter, sink, zap.NewNop())

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Succeeded != 1 || summary.Failed != 0 {
		t.Fatalf("expected 1 success, got succeeded=%d failed=%d", summary.Succeeded, summary.Failed)
	}

	cycles := store.cycles[gen.ID]
	if len(cycles) != 1 {
		t.Fatalf("expected 1 applied cycle, got %d", len(cycles))
	}
	if cycles[0].kwDelta != 2500 || cycles[0].tokenDelta != 2 {
		t.Errorf("unexpected cycle %+v", cycles[0])
	}

	if len(minter.calls) != 1 {
		t.Fatalf("expected 1 mint batch, got %d", len(minter.calls))
	}
	if minter.calls[0].count != 2 {
		t.Errorf("expected 2 tokens dispatched, got %d", minter.calls[0].count)
	}

	outcome := summary.Generators[0]
	if outcome.State != StateDone {
		t.Errorf("expected state %s, got %s", StateDone, outcome.State)
	}
	if outcome.TokensDelivered != 2 {
		t.Errorf("expected 2 delivered, got %d", outcome.TokensDelivered)
	}
}

func TestRunGrowattCycle(t *testing.T) {
	gen := growattGenerator("solar-cauca")
	store := newFakeStore(gen)
	growatt := &fakeGrowatt{
		energy: map[string]float64{gen.SecretName: 47},
		carbon: map[string]telemetry.CarbonMetrics{
			gen.SecretName: {C02: 12.5, NominalPower: 8000},
		},
	}
	minter := &fakeMinter{}

	engine := NewEngine(store, &fakeHoymiles{}, growatt, minter, nil, zap.NewNop())

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("expected success, got %+v", summary)
	}

	cycles := store.cycles[gen.ID]
	if len(cycles) != 1 || cycles[0].tokenDelta != 47 {
		t.Fatalf("expected 47 tokens for 47 kWh, got %+v", cycles)
	}

	snapshot, ok := store.snapshots[gen.ID]
	if !ok {
		t.Fatal("expected growatt snapshot to be stored")
	}
	if snapshot.C02 != 12.5 || snapshot.NominalPower != 8000 {
		t.Errorf("unexpected snapshot %+v", snapshot)
	}
}

func TestRunIsolatesTelemetryFailure(t *testing.T) {
	broken := hoymilesGenerator("broken")
	healthy := growattGenerator("healthy")
	store := newFakeStore(broken, healthy)
	hoymiles := &fakeHoymiles{err: telemetry.ErrAuthenticationFailed}
	growatt := &fakeGrowatt{
		energy: map[string]float64{healthy.SecretName: 10},
		carbon: map[string]telemetry.CarbonMetrics{healthy.SecretName: {}},
	}
	minter := &fakeMinter{}

	engine := NewEngine(store, hoymiles, growatt, minter, nil, zap.NewNop())

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("expected 1 success and 1 failure, got %+v", summary)
	}

	// A failed telemetry fetch must leave the ledger untouched
	if store.cycleCount(broken.ID) != 0 {
		t.Error("ledger mutated for generator with failed telemetry")
	}
	if store.cycleCount(healthy.ID) != 1 {
		t.Error("healthy generator should still reconcile")
	}

	for _, outcome := range summary.Generators {
		if outcome.GeneratorID == broken.ID.String() {
			if outcome.State != StateFailed {
				t.Errorf("expected failed state, got %s", outcome.State)
			}
			if outcome.Error == "" {
				t.Error("expected failure reason in outcome")
			}
		}
	}
}

func TestRunIsolatesUnknownBrand(t *testing.T) {
	odd := hoymilesGenerator("odd")
	odd.Brand = "Enphase"
	fine := hoymilesGenerator("fine")
	store := newFakeStore(odd, fine)
	hoymiles := &fakeHoymiles{generation: map[string]float64{fine.SecretName: 1000}}
	minter := &fakeMinter{}

	engine := NewEngine(store, hoymiles, &fakeGrowatt{}, minter, nil, zap.NewNop())

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("expected unknown brand to fail alone, got %+v", summary)
	}
	if store.cycleCount(odd.ID) != 0 {
		t.Error("ledger mutated for unsupported brand")
	}
}

func TestRunRejectsConcurrentTrigger(t *testing.T) {
	gen := hoymilesGenerator("slow")
	store := newFakeStore(gen)
	block := make(chan struct{})
	hoymiles := &fakeHoymiles{
		generation: map[string]float64{gen.SecretName: 1000},
		block:      block,
	}
	minter := &fakeMinter{}

	engine := NewEngine(store, hoymiles, &fakeGrowatt{}, minter, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := engine.Run(context.Background()); err != nil {
			t.Errorf("first run failed: %v", err)
		}
	}()

	// Wait for the first run to park inside the telemetry fetch, then
	// trigger again
	deadline := time.After(2 * time.Second)
	for {
		_, err := engine.Run(context.Background())
		if errors.Is(err, ErrAlreadyRunning) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("second trigger was never rejected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(block)
	<-done

	// The rejected trigger must not have touched anything
	if store.cycleCount(gen.ID) != 1 {
		t.Errorf("expected exactly 1 cycle, got %d", store.cycleCount(gen.ID))
	}
}

func TestRunAnnotatesGeneratorsSkippedByAbort(t *testing.T) {
	first := hoymilesGenerator("first")
	second := hoymilesGenerator("second")
	store := newFakeStore(first, second)
	hoymiles := &fakeHoymiles{generation: map[string]float64{
		first.SecretName:  1000,
		second.SecretName: 1000,
	}}
	minter := &fakeMinter{err: context.Canceled}

	engine := NewEngine(store, hoymiles, &fakeGrowatt{}, minter, nil, zap.NewNop())

	summary, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 2 {
		t.Fatalf("expected both generators failed, got %+v", summary)
	}

	// The aborted batch is minted once; later generators are never
	// attempted but still carry a reason
	if len(minter.calls) != 1 {
		t.Fatalf("expected 1 mint attempt, got %d", len(minter.calls))
	}
	var abortedErrs, skippedErrs int
	for _, outcome := range summary.Generators {
		if outcome.State != StateFailed {
			t.Errorf("generator %s: expected failed state, got %s", outcome.Name, outcome.State)
		}
		switch outcome.Error {
		case context.Canceled.Error():
			abortedErrs++
		case "run aborted before dispatch":
			skippedErrs++
		default:
			t.Errorf("generator %s: unexpected error %q", outcome.Name, outcome.Error)
		}
	}
	if abortedErrs != 1 || skippedErrs != 1 {
		t.Errorf("expected 1 aborted and 1 skipped, got %d/%d", abortedErrs, skippedErrs)
	}
}

func TestRunAccumulatesAcrossCycles(t *testing.T) {
	gen := hoymilesGenerator("steady")
	store := newFakeStore(gen)
	hoymiles := &fakeHoymiles{generation: map[string]float64{gen.SecretName: 3000}}
	minter := &fakeMinter{}

	engine := NewEngine(store, hoymiles, &fakeGrowatt{}, minter, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := engine.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	cycles := store.cycles[gen.ID]
	if len(cycles) != 3 {
		t.Fatalf("expected 3 cycles, got %d", len(cycles))
	}
	var kw float64
	var tokens int64
	for _, c := range cycles {
		if c.kwDelta < 0 || c.tokenDelta < 0 {
			t.Fatalf("negative delta applied: %+v", c)
		}
		kw += c.kwDelta
		tokens += c.tokenDelta
	}
	if kw != 9000 || tokens != 9 {
		t.Errorf("expected accumulators 9000/9, got %v/%d", kw, tokens)
	}
}

func TestRunEmitsEvents(t *testing.T) {
	gen := hoymilesGenerator("observed")
	store := newFakeStore(gen)
	hoymiles := &fakeHoymiles{generation: map[string]float64{gen.SecretName: 2000}}
	sink := &recordingSink{}

	engine := NewEngine(store, hoymiles, &fakeGrowatt{}, &fakeMinter{}, sink, zap.NewNop())

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := sink.byType(EventRunStarted); len(got) != 1 {
		t.Errorf("expected 1 run_started event, got %d", len(got))
	}
	completed := sink.byType(EventRunCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 run_completed event, got %d", len(completed))
	}
	if completed[0].Summary == nil || completed[0].Summary.Succeeded != 1 {
		t.Errorf("run_completed missing summary: %+v", completed[0])
	}

	transitions := sink.byType(EventTransition)
	wantOrder := []string{StateTelemetryFetched, StateLedgerUpdated, StateTokensDispatched, StateDone}
	if len(transitions) != len(wantOrder) {
		t.Fatalf("expected %d transitions, got %d", len(wantOrder), len(transitions))
	}
	for i, want := range wantOrder {
		if transitions[i].To != want {
			t.Errorf("transition %d: expected %s, got %s", i, want, transitions[i].To)
		}
	}
}
