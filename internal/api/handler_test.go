package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gaiaecotrack/tokenizer/internal/db"
	"github.com/gaiaecotrack/tokenizer/internal/reconcile"
	"github.com/gaiaecotrack/tokenizer/internal/repository"
	"github.com/gaiaecotrack/tokenizer/internal/telemetry"
)

type fakeRunner struct {
	summary *reconcile.Summary
	err     error
	runs    int
}

func (r *fakeRunner) Run(ctx context.Context) (*reconcile.Summary, error) {
	r.runs++
	if r.err != nil {
		return nil, r.err
	}
	return r.summary, nil
}

type fakeStore struct {
	generators map[uuid.UUID]*db.Generator
}

func newFakeStore(generators ...*db.Generator) *fakeStore {
	s := &fakeStore{generators: make(map[uuid.UUID]*db.Generator)}
	for _, g := range generators {
		s.generators[g.ID] = g
	}
	return s
}

func (s *fakeStore) ListGenerators(ctx context.Context) ([]db.Generator, error) {
	out := make([]db.Generator, 0, len(s.generators))
	for _, g := range s.generators {
		out = append(out, *g)
	}
	return out, nil
}

func (s *fakeStore) GetGenerator(ctx context.Context, id uuid.UUID) (*db.Generator, error) {
	if g, ok := s.generators[id]; ok {
		return g, nil
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) CreateGenerator(ctx context.Context, g *db.Generator) (*db.Generator, error) {
	created := *g
	created.ID = uuid.New()
	s.generators[created.ID] = &created
	return &created, nil
}

type fakePlants struct {
	plants   []telemetry.Plant
	devices  []map[string]interface{}
	dayChart map[string]interface{}
	err      error
}

func (p *fakePlants) Plants(ctx context.Context, userClient string) ([]telemetry.Plant, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.plants, nil
}

func (p *fakePlants) Devices(ctx context.Context, userClient string) ([]map[string]interface{}, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.devices, nil
}

func (p *fakePlants) DayChart(ctx context.Context, userClient string) (map[string]interface{}, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.dayChart, nil
}

func newTestHandler(runner Runner, store GeneratorStore, plants GrowattVendor) *Handler {
	return NewHandler(runner, store, plants, nil, nil, zap.NewNop())
}

func TestTriggerRunReturnsSummary(t *testing.T) {
	runner := &fakeRunner{summary: &reconcile.Summary{RunID: "run-1", Succeeded: 2}}
	handler := newTestHandler(runner, newFakeStore(), &fakePlants{})

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/update-users", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var got reconcile.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RunID != "run-1" || got.Succeeded != 2 {
		t.Errorf("unexpected summary %+v", got)
	}
	if runner.runs != 1 {
		t.Errorf("expected 1 run, got %d", runner.runs)
	}
}

func TestTriggerRunConflictWhileRunning(t *testing.T) {
	runner := &fakeRunner{err: reconcile.ErrAlreadyRunning}
	handler := newTestHandler(runner, newFakeStore(), &fakePlants{})

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/update-users", nil))

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestGeneratorTokens(t *testing.T) {
	gen := &db.Generator{
		ID:          uuid.New(),
		Name:        "finca-norte",
		Brand:       db.BrandHoymiles,
		GeneratedKW: 9000,
		Tokens:      9,
	}
	handler := newTestHandler(&fakeRunner{}, newFakeStore(gen), &fakePlants{})

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/generators/"+gen.ID.String()+"/tokens", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var got struct {
		Tokens      int64   `json:"tokens"`
		GeneratedKW float64 `json:"generated_kw"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Tokens != 9 || got.GeneratedKW != 9000 {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestGeneratorTokensNotFound(t *testing.T) {
	handler := newTestHandler(&fakeRunner{}, newFakeStore(), &fakePlants{})

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/generators/"+uuid.NewString()+"/tokens", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGeneratorTokensBadID(t *testing.T) {
	handler := newTestHandler(&fakeRunner{}, newFakeStore(), &fakePlants{})

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/generators/not-a-uuid/tokens", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateGenerator(t *testing.T) {
	store := newFakeStore()
	handler := newTestHandler(&fakeRunner{}, store, &fakePlants{})

	body := `{
		"name": "solar-cauca",
		"wallet": "kGkLEU3e3XXkJp2WK4eNpVmSab5xUNL9QtmLPh8QfCL2EgotW",
		"secret_name": "solarcauca",
		"brand": "Growatt"
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/generators", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(store.generators) != 1 {
		t.Errorf("expected generator persisted, got %d", len(store.generators))
	}
}

func TestCreateGeneratorRejectsUnknownBrand(t *testing.T) {
	handler := newTestHandler(&fakeRunner{}, newFakeStore(), &fakePlants{})

	body := `{"name": "x", "wallet": "w", "secret_name": "s", "brand": "Enphase"}`
	req := httptest.NewRequest(http.MethodPost, "/api/generators", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGrowattPlants(t *testing.T) {
	plants := &fakePlants{plants: []telemetry.Plant{{ID: "9", Name: "Solar Cauca"}}}
	handler := newTestHandler(&fakeRunner{}, newFakeStore(), plants)

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/growatt/plants?user_client=solarcauca", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var got []telemetry.Plant
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "9" {
		t.Errorf("unexpected plants %+v", got)
	}
}

func TestGrowattDevices(t *testing.T) {
	vendor := &fakePlants{
		devices:  []map[string]interface{}{{"sn": "MAX123", "deviceModel": "MAX 8KTL3"}},
		dayChart: map[string]interface{}{"pac": []interface{}{0.0, 1.2, 3.4}},
	}
	handler := newTestHandler(&fakeRunner{}, newFakeStore(), vendor)

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/growatt/devices?user_client=solarcauca", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var got struct {
		Devices  []map[string]interface{} `json:"devices"`
		DayChart map[string]interface{}   `json:"day_chart"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got.Devices) != 1 || got.Devices[0]["sn"] != "MAX123" {
		t.Errorf("unexpected devices %+v", got.Devices)
	}
	if _, ok := got.DayChart["pac"]; !ok {
		t.Errorf("expected day chart in response, got %+v", got.DayChart)
	}
}

func TestGrowattDevicesRequiresUserClient(t *testing.T) {
	handler := newTestHandler(&fakeRunner{}, newFakeStore(), &fakePlants{})

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/growatt/devices", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGrowattDevicesPlantNotFound(t *testing.T) {
	handler := newTestHandler(&fakeRunner{}, newFakeStore(), &fakePlants{err: telemetry.ErrPlantNotFound})

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/growatt/devices?user_client=ghost", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGrowattPlantsRequiresUserClient(t *testing.T) {
	handler := newTestHandler(&fakeRunner{}, newFakeStore(), &fakePlants{})

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/growatt/plants", nil))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestChainQueryUnconfigured(t *testing.T) {
	handler := newTestHandler(&fakeRunner{}, newFakeStore(), &fakePlants{})

	w := httptest.NewRecorder()
	handler.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/chain/query/GaiaService/Balance", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
