package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/david/opportunity-crm/internal/crmsync"
	"github.com/david/opportunity-crm/internal/db"
	"github.com/david/opportunity-crm/internal/models"
	"github.com/labstack/echo/v4"
)

const (
	msgOpportunityNotFound  = "Opportunity not found"
	msgNotFoundAnywhere     = "Opportunity not found in local store or SAP CRM"
	msgDuplicateOpportunity = "Opportunity ID already exists"
	crmFetchFailed          = "Failed to fetch from SAP CRM"
)

func (s *Server) handleListOpportunities(c echo.Context) error {
	p := parsePage(c)
	filter := db.OpportunityFilter{
		SalesStage: strings.TrimSpace(c.QueryParam("salesStage")),
		Source:     strings.TrimSpace(c.QueryParam("source")),
		Search:     strings.TrimSpace(c.QueryParam("search")),
		Sort:       db.ParseSort(c.QueryParam("sort"), db.OpportunitySortFields),
		Limit:      p.Limit,
		Offset:     p.Offset,
	}

	opps, total, err := s.Repo.ListOpportunities(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err, "")
	}
	if opps == nil {
		opps = []models.Opportunity{}
	}

	return ok(c, echo.Map{
		"opportunities": opps,
		"totalPages":    totalPages(total, p.Limit),
		"currentPage":   p.Page,
		"total":         total,
	})
}

// resolve runs the read-through lookup and writes the failure response
// itself; a nil opportunity means the response has been sent.
func (s *Server) resolve(c echo.Context) (*models.Opportunity, error) {
	opp, err := s.Sync.GetOrSync(c.Request().Context(), c.Param("id"))
	if err == nil {
		return opp, nil
	}
	if errors.Is(err, crmsync.ErrNotFound) {
		return nil, fail(c, http.StatusNotFound, msgNotFoundAnywhere)
	}
	return nil, respondError(c, err, crmFetchFailed)
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	opp, err := s.resolve(c)
	if opp == nil {
		return err
	}
	return ok(c, echo.Map{"opportunity": opp})
}

func (s *Server) handleGetOpportunityRisks(c echo.Context) error {
	opp, err := s.resolve(c)
	if opp == nil {
		return err
	}

	risks, _, err := s.Repo.ListRisks(c.Request().Context(), db.RiskFilter{OpportunityID: opp.OpportunityID})
	if err != nil {
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{
		"opportunity": opp,
		"risks":       nonNil(risks),
		"riskCount":   len(risks),
	})
}

func (s *Server) handleGetOpportunityCompetitors(c echo.Context) error {
	opp, err := s.resolve(c)
	if opp == nil {
		return err
	}

	comps, _, err := s.Repo.ListCompetitors(c.Request().Context(), db.CompetitorFilter{OpportunityID: opp.OpportunityID})
	if err != nil {
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{
		"opportunity":     opp,
		"competitors":     nonNil(comps),
		"competitorCount": len(comps),
	})
}

func (s *Server) handleCreateOpportunity(c echo.Context) error {
	var in models.OpportunityInput
	if err := bindJSON(c, &in); err != nil {
		return err
	}

	opp := &models.Opportunity{}
	if err := in.Apply(opp); err != nil {
		return respondError(c, err, "")
	}
	opp.Source = models.SourceManual
	opp.ApplyDefaults()
	if err := opp.Validate(); err != nil {
		return respondError(c, err, "")
	}

	if err := s.Repo.CreateOpportunity(c.Request().Context(), opp); err != nil {
		if errors.Is(err, db.ErrDuplicateKey) {
			return fail(c, http.StatusBadRequest, msgDuplicateOpportunity)
		}
		return respondError(c, err, "")
	}
	return created(c, echo.Map{"opportunity": opp})
}

func (s *Server) handleUpdateOpportunity(c echo.Context) error {
	ctx := c.Request().Context()
	opp, err := s.Repo.GetOpportunity(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgOpportunityNotFound)
		}
		return respondError(c, err, "")
	}

	var in models.OpportunityInput
	if err := bindJSON(c, &in); err != nil {
		return err
	}
	if err := in.Apply(opp); err != nil {
		return respondError(c, err, "")
	}
	opp.ApplyDefaults()
	if err := opp.Validate(); err != nil {
		return respondError(c, err, "")
	}

	if err := s.Repo.UpdateOpportunity(ctx, opp); err != nil {
		switch {
		case errors.Is(err, db.ErrDuplicateKey):
			return fail(c, http.StatusBadRequest, msgDuplicateOpportunity)
		case errors.Is(err, db.ErrNotFound):
			return fail(c, http.StatusNotFound, msgOpportunityNotFound)
		}
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{"opportunity": opp})
}

// handleDeleteOpportunity refuses to orphan risks or competitors unless
// ?cascade=true is given, in which case they go with the opportunity.
func (s *Server) handleDeleteOpportunity(c echo.Context) error {
	ctx := c.Request().Context()
	cascade := c.QueryParam("cascade") == "true"

	opp, err := s.Repo.GetOpportunity(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgOpportunityNotFound)
		}
		return respondError(c, err, "")
	}

	if !cascade {
		nRisks, err := s.Repo.CountRisksByOpportunity(ctx, opp.OpportunityID)
		if err != nil {
			return respondError(c, err, "")
		}
		nComps, err := s.Repo.CountCompetitorsByOpportunity(ctx, opp.OpportunityID)
		if err != nil {
			return respondError(c, err, "")
		}
		if nRisks > 0 || nComps > 0 {
			return fail(c, http.StatusBadRequest, fmt.Sprintf(
				"Cannot delete opportunity with %s. Use ?cascade=true to delete them as well.",
				describeDependents(nRisks, nComps)))
		}
	}

	res, err := s.Repo.DeleteOpportunity(ctx, opp.ID, cascade)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgOpportunityNotFound)
		}
		return respondError(c, err, "")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":             "success",
		"message":            "Opportunity deleted successfully",
		"risksDeleted":       res.RisksDeleted,
		"competitorsDeleted": res.CompetitorsDeleted,
	})
}

func describeDependents(risks, comps int) string {
	var parts []string
	if risks > 0 {
		parts = append(parts, fmt.Sprintf("%d associated risks", risks))
	}
	if comps > 0 {
		parts = append(parts, fmt.Sprintf("%d associated competitors", comps))
	}
	return strings.Join(parts, " and ")
}

// SAP CRM pass-through endpoints

func (s *Server) handleCRMTest(c echo.Context) error {
	status := s.Sync.TestConnection(c.Request().Context())
	if !status.Success {
		return c.JSON(http.StatusBadGateway, envelope{Status: "error", Message: "SAP CRM connection failed", Data: status})
	}
	return c.JSON(http.StatusOK, envelope{Status: "success", Message: "SAP CRM connection successful", Data: status})
}

func (s *Server) handleCRMFetch(c echo.Context) error {
	top := queryInt(c, "top", crmsync.DefaultFetchPageSize)
	skip := queryInt(c, "skip", 0)

	opps, err := s.Sync.FetchPage(c.Request().Context(), top, skip)
	if err != nil {
		return respondError(c, err, crmFetchFailed)
	}
	return c.JSON(http.StatusOK, envelope{
		Status:  "success",
		Message: fmt.Sprintf("Fetched %d opportunities from SAP CRM", len(opps)),
		Data: echo.Map{
			"opportunities": nonNil(opps),
			"count":         len(opps),
			"source":        models.SourceSAPCRM,
		},
	})
}

func (s *Server) handleCRMFetchByID(c echo.Context) error {
	id := c.Param("id")
	opp, err := s.Sync.FetchRaw(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, crmsync.ErrNotFound) {
			return fail(c, http.StatusNotFound, fmt.Sprintf("Opportunity %s not found in SAP CRM", id))
		}
		return respondError(c, err, crmFetchFailed)
	}
	return ok(c, echo.Map{"opportunity": opp, "source": models.SourceSAPCRM})
}

func (s *Server) handleCRMSync(c echo.Context) error {
	top := queryInt(c, "top", crmsync.DefaultSyncPageSize)
	skip := queryInt(c, "skip", 0)

	res, err := s.Sync.SyncAll(c.Request().Context(), top, skip)
	if err != nil {
		return respondError(c, err, "Failed to sync from SAP CRM")
	}

	data := echo.Map{
		"fetched": res.Fetched,
		"created": res.Created,
		"updated": res.Updated,
		"errors":  len(res.Errors),
		"source":  models.SourceSAPCRM,
	}
	if len(res.Errors) > 0 {
		data["errorDetails"] = res.Errors
	}
	return c.JSON(http.StatusOK, envelope{Status: "success", Message: "SAP CRM sync completed", Data: data})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
