package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/david/opportunity-crm/internal/db"
	"github.com/david/opportunity-crm/internal/models"
	"github.com/labstack/echo/v4"
)

const msgCompetitorNotFound = "Competitor not found"

func (s *Server) handleListCompetitors(c echo.Context) error {
	p := parsePage(c)
	filter := db.CompetitorFilter{
		OpportunityID: strings.TrimSpace(c.QueryParam("opportunityID")),
		ThreatLevel:   strings.TrimSpace(c.QueryParam("threatLevel")),
		Status:        strings.TrimSpace(c.QueryParam("status")),
		Sort:          db.ParseSort(c.QueryParam("sort"), db.CompetitorSortFields),
		Limit:         p.Limit,
		Offset:        p.Offset,
	}

	comps, total, err := s.Repo.ListCompetitors(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{
		"competitors": nonNil(comps),
		"totalPages":  totalPages(total, p.Limit),
		"currentPage": p.Page,
		"total":       total,
	})
}

func (s *Server) handleGetCompetitor(c echo.Context) error {
	comp, err := s.Repo.GetCompetitor(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgCompetitorNotFound)
		}
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{"competitor": comp})
}

func (s *Server) handleCompetitorsByOpportunity(c echo.Context) error {
	filter := db.CompetitorFilter{OpportunityID: c.Param("opportunityID")}
	comps, _, err := s.Repo.ListCompetitors(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{
		"competitors": nonNil(comps),
		"count":       len(comps),
	})
}

func (s *Server) handleDeleteCompetitorsByOpportunity(c echo.Context) error {
	n, err := s.Repo.DeleteCompetitorsByOpportunity(c.Request().Context(), c.Param("opportunityID"))
	if err != nil {
		return respondError(c, err, "")
	}
	return c.JSON(http.StatusOK, envelope{Status: "success", Message: fmt.Sprintf("Deleted %d competitors", n)})
}

// competitorParent accepts any of the three opportunity identifiers: the
// local id, the CRM object id or the opportunity id.
func (s *Server) competitorParent(c echo.Context, ref string) (*models.Opportunity, error) {
	ctx := c.Request().Context()
	opp, err := s.Repo.GetOpportunity(ctx, ref)
	if errors.Is(err, db.ErrNotFound) {
		opp, err = s.Repo.FindOpportunityByAltID(ctx, ref)
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, fail(c, http.StatusBadRequest, "Opportunity not found")
	}
	if err != nil {
		return nil, respondError(c, err, "")
	}
	return opp, nil
}

func (s *Server) handleCreateCompetitor(c echo.Context) error {
	var in models.CompetitorInput
	if err := bindJSON(c, &in); err != nil {
		return err
	}

	ref := ""
	if in.OpportunityID != nil {
		ref = strings.TrimSpace(*in.OpportunityID)
	}
	if ref == "" {
		return respondError(c, models.NewValidationError("opportunityID", "Opportunity ID is required"), "")
	}
	opp, err := s.competitorParent(c, ref)
	if opp == nil {
		return err
	}

	comp := &models.Competitor{}
	in.Apply(comp)
	comp.OpportunityID = opp.OpportunityID
	comp.OpportunityName = opp.Name
	comp.ApplyDefaults()
	if err := comp.Validate(); err != nil {
		return respondError(c, err, "")
	}

	if err := s.Repo.CreateCompetitor(c.Request().Context(), comp); err != nil {
		return respondError(c, err, "")
	}
	return created(c, echo.Map{"competitor": comp})
}

func (s *Server) handleUpdateCompetitor(c echo.Context) error {
	ctx := c.Request().Context()
	comp, err := s.Repo.GetCompetitor(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgCompetitorNotFound)
		}
		return respondError(c, err, "")
	}

	var in models.CompetitorInput
	if err := bindJSON(c, &in); err != nil {
		return err
	}
	in.Apply(comp)
	if in.OpportunityID != nil && comp.OpportunityID != "" {
		opp, err := s.competitorParent(c, comp.OpportunityID)
		if opp == nil {
			return err
		}
		comp.OpportunityID = opp.OpportunityID
		comp.OpportunityName = opp.Name
	}
	if err := comp.Validate(); err != nil {
		return respondError(c, err, "")
	}

	if err := s.Repo.UpdateCompetitor(ctx, comp); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgCompetitorNotFound)
		}
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{"competitor": comp})
}

func (s *Server) handleDeleteCompetitor(c echo.Context) error {
	if err := s.Repo.DeleteCompetitor(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgCompetitorNotFound)
		}
		return respondError(c, err, "")
	}
	return c.JSON(http.StatusOK, envelope{Status: "success", Message: "Competitor deleted successfully"})
}
