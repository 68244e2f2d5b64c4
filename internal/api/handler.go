// Package api exposes the worker's HTTP surface: the manual reconciliation
// trigger, generator CRUD, vendor lookups and the progress websocket.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gaiaecotrack/tokenizer/internal/db"
	"github.com/gaiaecotrack/tokenizer/internal/reconcile"
	"github.com/gaiaecotrack/tokenizer/internal/repository"
	"github.com/gaiaecotrack/tokenizer/internal/telemetry"
	"github.com/gaiaecotrack/tokenizer/pkg/ws"
)

// Runner triggers a reconciliation run
type Runner interface {
	Run(ctx context.Context) (*reconcile.Summary, error)
}

// Querier executes read-only contract queries
type Querier interface {
	Query(ctx context.Context, service, method string, args ...interface{}) ([]byte, error)
}

// GeneratorStore is the ledger surface the HTTP routes read and write
type GeneratorStore interface {
	ListGenerators(ctx context.Context) ([]db.Generator, error)
	GetGenerator(ctx context.Context, id uuid.UUID) (*db.Generator, error)
	CreateGenerator(ctx context.Context, g *db.Generator) (*db.Generator, error)
}

// GrowattVendor exposes the Growatt admin lookups served over HTTP
type GrowattVendor interface {
	Plants(ctx context.Context, userClient string) ([]telemetry.Plant, error)
	Devices(ctx context.Context, userClient string) ([]map[string]interface{}, error)
	DayChart(ctx context.Context, userClient string) (map[string]interface{}, error)
}

// Handler wires the HTTP routes to the worker's services
type Handler struct {
	engine   Runner
	repo     GeneratorStore
	growatt  GrowattVendor
	querier  Querier
	hub      *ws.Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the HTTP handler. querier and hub may be nil when the
// worker runs without a chain query surface or websocket feed.
func NewHandler(engine Runner, repo GeneratorStore, growatt GrowattVendor, querier Querier, hub *ws.Hub, logger *zap.Logger) *Handler {
	return &Handler{
		engine:  engine,
		repo:    repo,
		growatt: growatt,
		querier: querier,
		hub:     hub,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes registered
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.health)
	r.GET("/update-users", h.triggerRun)
	r.GET("/ws", h.serveWS)

	api := r.Group("/api")
	{
		api.GET("/generators", h.listGenerators)
		api.POST("/generators", h.createGenerator)
		api.GET("/generators/:id/tokens", h.generatorTokens)
		api.GET("/growatt/plants", h.growattPlants)
		api.GET("/growatt/devices", h.growattDevices)
		api.POST("/chain/query/:service/:method", h.chainQuery)
	}

	return r
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// triggerRun starts a reconciliation run. The run is detached from the
// request context so a dropped connection cannot abort mints mid-flight.
func (h *Handler) triggerRun(c *gin.Context) {
	summary, err := h.engine.Run(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		if errors.Is(err, reconcile.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("manual reconciliation trigger failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

type generatorResponse struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Wallet              string  `json:"wallet"`
	Brand               string  `json:"brand"`
	InstallationCompany string  `json:"installation_company,omitempty"`
	Country             string  `json:"country,omitempty"`
	Department          string  `json:"department,omitempty"`
	Municipality        string  `json:"municipality,omitempty"`
	GeneratedKW         float64 `json:"generated_kw"`
	Tokens              int64   `json:"tokens"`
	C02                 float64 `json:"c02"`
	RatedPower          float64 `json:"rated_power"`
}

func toGeneratorResponse(g *db.Generator) generatorResponse {
	return generatorResponse{
		ID:                  g.ID.String(),
		Name:                g.Name,
		Wallet:              g.Wallet,
		Brand:               g.Brand,
		InstallationCompany: g.InstallationCompany,
		Country:             g.Country,
		Department:          g.Department,
		Municipality:        g.Municipality,
		GeneratedKW:         g.GeneratedKW,
		Tokens:              g.Tokens,
		C02:                 g.C02,
		RatedPower:          g.RatedPower,
	}
}

func (h *Handler) listGenerators(c *gin.Context) {
	generators, err := h.repo.ListGenerators(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list generators", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list generators"})
		return
	}

	out := make([]generatorResponse, 0, len(generators))
	for i := range generators {
		out = append(out, toGeneratorResponse(&generators[i]))
	}
	c.JSON(http.StatusOK, out)
}

type createGeneratorRequest struct {
	Name                string `json:"name" binding:"required"`
	Wallet              string `json:"wallet" binding:"required"`
	SecretName          string `json:"secret_name" binding:"required"`
	Brand               string `json:"brand" binding:"required"`
	InstallationCompany string `json:"installation_company"`
	Country             string `json:"country"`
	Department          string `json:"department"`
	Municipality        string `json:"municipality"`
}

func (h *Handler) createGenerator(c *gin.Context) {
	var req createGeneratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Brand != db.BrandHoymiles && req.Brand != db.BrandGrowatt {
		c.JSON(http.StatusBadRequest, gin.H{"error": "brand must be Hoymiles or Growatt"})
		return
	}

	created, err := h.repo.CreateGenerator(c.Request.Context(), &db.Generator{
		Name:                req.Name,
		Wallet:              req.Wallet,
		SecretName:          req.SecretName,
		Brand:               req.Brand,
		InstallationCompany: req.InstallationCompany,
		Country:             req.Country,
		Department:          req.Department,
		Municipality:        req.Municipality,
	})
	if err != nil {
		h.logger.Error("failed to create generator", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create generator"})
		return
	}

	c.JSON(http.StatusCreated, toGeneratorResponse(created))
}

func (h *Handler) generatorTokens(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid generator id"})
		return
	}

	gen, err := h.repo.GetGenerator(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "generator not found"})
			return
		}
		h.logger.Error("failed to load generator", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load generator"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           gen.ID.String(),
		"tokens":       gen.Tokens,
		"generated_kw": gen.GeneratedKW,
	})
}

func (h *Handler) growattPlants(c *gin.Context) {
	userClient := c.Query("user_client")
	if userClient == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_client is required"})
		return
	}

	plants, err := h.growatt.Plants(c.Request.Context(), userClient)
	if err != nil {
		h.growattError(c, err, "failed to list plants")
		return
	}

	c.JSON(http.StatusOK, plants)
}

// growattDevices combines the plant's device list with today's generation
// curve, the way the admin dashboard consumes them
func (h *Handler) growattDevices(c *gin.Context) {
	userClient := c.Query("user_client")
	if userClient == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_client is required"})
		return
	}

	devices, err := h.growatt.Devices(c.Request.Context(), userClient)
	if err != nil {
		h.growattError(c, err, "failed to list devices")
		return
	}

	dayChart, err := h.growatt.DayChart(c.Request.Context(), userClient)
	if err != nil {
		h.growattError(c, err, "failed to fetch day chart")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":   devices,
		"day_chart": dayChart,
	})
}

func (h *Handler) growattError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, telemetry.ErrCredentialNotFound), errors.Is(err, telemetry.ErrPlantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, telemetry.ErrAuthenticationFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error(fallback, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

type chainQueryRequest struct {
	Args []string `json:"args"`
}

func (h *Handler) chainQuery(c *gin.Context) {
	if h.querier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chain queries are not configured"})
		return
	}

	// An empty or absent body means a zero-argument query
	var req chainQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req.Args = nil
	}

	args := make([]interface{}, 0, len(req.Args))
	for _, a := range req.Args {
		args = append(args, a)
	}

	reply, err := h.querier.Query(c.Request.Context(), c.Param("service"), c.Param("method"), args...)
	if err != nil {
		h.logger.Error("contract query failed",
			zap.String("service", c.Param("service")),
			zap.String("method", c.Param("method")),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reply": "0x" + hex.EncodeToString(reply)})
}

func (h *Handler) serveWS(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket feed is not configured"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewClient(h.hub, conn)
	client.Register()

	go client.WritePump()
	go client.ReadPump()
}
