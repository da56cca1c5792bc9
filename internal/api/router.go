package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/api/handlers"
	"github.com/reconiq/quote-engine/internal/api/middleware"
	"github.com/reconiq/quote-engine/internal/api/response"
	"github.com/reconiq/quote-engine/internal/config"
	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/ingest"
	"github.com/reconiq/quote-engine/internal/metrics"
	"github.com/reconiq/quote-engine/internal/pipeline"
	"github.com/reconiq/quote-engine/internal/quote"
	"github.com/reconiq/quote-engine/pkg/auth"
)

// Deps are the services and stores the API serves. Stores are interfaces so
// the same router runs on Postgres or in-memory backends.
type Deps struct {
	Quotes      *quote.Service
	QuoteLister handlers.QuoteLister
	Estimates   *estimate.Service
	Pipeline    *pipeline.Pipeline
	Importer    *ingest.Importer
	Rules       handlers.RuleSource
	Imports     handlers.ImportLookup
	AgentRuns   handlers.AgentRunReader
	Idempotency handlers.IdempotencyClaimer
	// Ping reports backend health; nil means always healthy.
	Ping func(ctx context.Context) error
}

// Role sets shared by the v1 routes.
var (
	readRoles    = []string{auth.RoleOwner, auth.RoleEstimator, auth.RoleTechnician, auth.RoleViewer}
	quotingRoles = []string{auth.RoleOwner, auth.RoleEstimator}
	fieldRoles   = []string{auth.RoleOwner, auth.RoleEstimator, auth.RoleTechnician}
)

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins...))
	r.Use(middleware.CorrelationMiddleware())
	r.Use(middleware.StructuredLogging())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", healthHandler(deps.Ping))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	var infer handlers.InferProvider
	if deps.Pipeline != nil {
		infer = deps.Pipeline.MeteredInfer
	}

	quoteHandler := handlers.NewQuoteHandler(deps.Quotes, deps.QuoteLister, deps.Idempotency)
	estimateHandler := handlers.NewEstimateHandler(deps.Estimates, deps.Rules, infer)
	pricingHandler := handlers.NewPricingHandler(deps.Rules, deps.Importer, deps.Imports, deps.Idempotency, cfg.Import.MaxFileSize)
	pipelineHandler := handlers.NewPipelineHandler(deps.Pipeline, deps.AgentRuns)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(&cfg.JWT))
	{
		// Quotes
		v1.POST("/quotes", middleware.RequireRole(quotingRoles...), quoteHandler.HandleCreate)
		v1.GET("/quotes", middleware.RequireRole(readRoles...), quoteHandler.HandleList)
		v1.GET("/quotes/:quote_id", middleware.RequireRole(readRoles...), quoteHandler.HandleGet)
		v1.PATCH("/quotes/:quote_id", middleware.RequireRole(quotingRoles...), quoteHandler.HandleRevise)
		v1.POST("/quotes/:quote_id/transitions", middleware.RequireRole(quotingRoles...), quoteHandler.HandleFinalize)
		v1.GET("/quotes/:quote_id/replay", middleware.RequireRole(readRoles...), quoteHandler.HandleReplay)
		v1.GET("/quotes/:quote_id/explain", middleware.RequireRole(readRoles...), quoteHandler.HandleExplain)

		// Estimates
		v1.POST("/estimates", middleware.RequireRole(quotingRoles...), estimateHandler.HandleCreate)
		v1.POST("/estimates/replay", middleware.RequireRole(readRoles...), estimateHandler.HandleReplay)
		v1.POST("/estimates/explain", middleware.RequireRole(readRoles...), estimateHandler.HandleExplain)

		// Pricing rules
		v1.POST("/pricing/preview", middleware.RequireRole(readRoles...), pricingHandler.HandlePreview)
		v1.GET("/pricing-rules", middleware.RequireRole(readRoles...), pricingHandler.HandleListRules)
		v1.POST("/pricing-rules/import", middleware.RequireRole(auth.RoleOwner), pricingHandler.HandleImport)

		// Inspections and agent runs
		v1.POST("/inspections", middleware.RequireRole(fieldRoles...), pipelineHandler.HandleRun)
		v1.GET("/agent-runs", middleware.RequireRole(fieldRoles...), pipelineHandler.HandleListRuns)
		v1.GET("/agent-runs/:run_id", middleware.RequireRole(fieldRoles...), pipelineHandler.HandleGetRun)
	}

	if cfg.Server.DevTokens {
		r.POST("/dev/token", devTokenHandler(cfg))
	}

	return r
}

func healthHandler(ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			if err := ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "quote-engine",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "quote-engine",
		})
	}
}

// devTokenHandler returns a handler that generates test JWTs for development.
func devTokenHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			TenantID string `json:"tenant_id"`
			UserID   string `json:"user_id"`
			Role     string `json:"role"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request", nil)
			return
		}

		tenantID, err := uuid.Parse(req.TenantID)
		if err != nil || tenantID == uuid.Nil {
			response.BadRequest(c, "invalid tenant_id", nil)
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			response.BadRequest(c, "invalid user_id", nil)
			return
		}
		if req.Role == "" {
			req.Role = auth.RoleOwner
		}
		if !auth.ValidRole(req.Role) {
			response.BadRequest(c, "unknown role", nil)
			return
		}

		token, err := auth.GenerateToken(cfg.JWT.Secret, cfg.JWT.Issuer, tenantID, userID, req.Role, cfg.JWT.ExpiryHours)
		if err != nil {
			response.InternalError(c, "failed to generate token")
			return
		}

		response.Success(c, http.StatusOK, gin.H{"token": token})
	}
}
