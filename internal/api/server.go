package api

import (
	"context"
	"net/http"
	"time"

	"github.com/david/opportunity-crm/internal/config"
	"github.com/david/opportunity-crm/internal/crmsync"
	"github.com/david/opportunity-crm/internal/db"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const serviceVersion = "1.0.0"

type Server struct {
	Repo   db.Repository
	Sync   *crmsync.Service
	Echo   *echo.Echo
	Config config.ServerConfig

	valueHelp *ValueHelp
}

func NewServer(cfg config.ServerConfig, repo db.Repository, sync *crmsync.Service) (*Server, error) {
	vh, err := loadValueHelp()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = httpErrorHandler
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	s := &Server{
		Repo:      repo,
		Sync:      sync,
		Echo:      e,
		Config:    cfg,
		valueHelp: vh,
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Echo.GET("/", s.handleRoot)
	s.Echo.GET("/health", s.handleHealth)

	version := s.Config.APIVersion
	if version == "" {
		version = "v1"
	}
	api := s.Echo.Group("/api/" + version)
	api.GET("/health", s.handleAPIHealth)

	opps := api.Group("/opportunities")
	opps.GET("/value-help", s.handleOpportunityValueHelp)
	// SAP CRM
	opps.GET("/crm/test", s.handleCRMTest)
	opps.GET("/crm/fetch", s.handleCRMFetch)
	opps.GET("/crm/fetch/:id", s.handleCRMFetchByID)
	opps.POST("/crm/sync", s.handleCRMSync)
	opps.POST("/refresh", s.handleCRMSync)

	opps.GET("", s.handleListOpportunities)
	opps.POST("", s.handleCreateOpportunity)
	opps.GET("/:id", s.handleGetOpportunity)
	opps.GET("/:id/risks", s.handleGetOpportunityRisks)
	opps.GET("/:id/competitors", s.handleGetOpportunityCompetitors)
	opps.PUT("/:id", s.handleUpdateOpportunity)
	opps.PATCH("/:id", s.handleUpdateOpportunity)
	opps.DELETE("/:id", s.handleDeleteOpportunity)

	risks := api.Group("/risks")
	risks.GET("/value-help", s.handleRiskValueHelp)
	risks.GET("/stats", s.handleRiskStats)
	risks.POST("/by-opportunity", s.handleRisksByOpportunity)
	risks.POST("/for-opportunity", s.handleCreateRiskForOpportunity)
	risks.GET("", s.handleListRisks)
	risks.POST("", s.handleCreateRisk)
	risks.GET("/:id", s.handleGetRisk)
	risks.PUT("/:id", s.handleUpdateRisk)
	risks.PATCH("/:id", s.handleUpdateRisk)
	risks.DELETE("/:id", s.handleDeleteRisk)

	comps := api.Group("/competitors")
	comps.GET("/opportunity/:opportunityID", s.handleCompetitorsByOpportunity)
	comps.DELETE("/opportunity/:opportunityID", s.handleDeleteCompetitorsByOpportunity)
	comps.GET("", s.handleListCompetitors)
	comps.POST("", s.handleCreateCompetitor)
	comps.GET("/:id", s.handleGetCompetitor)
	comps.PUT("/:id", s.handleUpdateCompetitor)
	comps.PATCH("/:id", s.handleUpdateCompetitor)
	comps.DELETE("/:id", s.handleDeleteCompetitor)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "success",
		"message":   "Backend API is running",
		"version":   serviceVersion,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// handleAPIHealth also checks the store, so a dead database shows up here
// rather than on the first real request.
func (s *Server) handleAPIHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := s.Repo.Ping(ctx); err != nil {
		c.Logger().Errorf("store ping failed: %v", err)
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"status":    "error",
			"message":   "Store unavailable",
			"timestamp": time.Now().UTC(),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "success",
		"message":   "API is healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
