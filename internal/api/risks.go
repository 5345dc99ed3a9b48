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

const msgRiskNotFound = "Risk not found"

func (s *Server) handleListRisks(c echo.Context) error {
	p := parsePage(c)
	filter := db.RiskFilter{
		OpportunityID: strings.TrimSpace(c.QueryParam("opportunityID")),
		Status:        strings.TrimSpace(c.QueryParam("status")),
		Impact:        strings.TrimSpace(c.QueryParam("impact")),
		Probability:   strings.TrimSpace(c.QueryParam("probability")),
		Search:        strings.TrimSpace(c.QueryParam("search")),
		Sort:          db.ParseSort(c.QueryParam("sort"), db.RiskSortFields),
		Limit:         p.Limit,
		Offset:        p.Offset,
	}

	risks, total, err := s.Repo.ListRisks(c.Request().Context(), filter)
	if err != nil {
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{
		"risks":       nonNil(risks),
		"totalPages":  totalPages(total, p.Limit),
		"currentPage": p.Page,
		"total":       total,
	})
}

func (s *Server) handleGetRisk(c echo.Context) error {
	r, err := s.Repo.GetRisk(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgRiskNotFound)
		}
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{"risk": r})
}

// riskParent looks up the opportunity a risk points at. Risks reference
// opportunities by their business id only.
func (s *Server) riskParent(c echo.Context, opportunityID string) (*models.Opportunity, error) {
	opp, err := s.Repo.FindOpportunityByOpportunityID(c.Request().Context(), opportunityID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fail(c, http.StatusBadRequest, fmt.Sprintf("Opportunity with ID '%s' not found", opportunityID))
	}
	if err != nil {
		return nil, respondError(c, err, "")
	}
	return opp, nil
}

func (s *Server) handleCreateRisk(c echo.Context) error {
	var in models.RiskInput
	if err := bindJSON(c, &in); err != nil {
		return err
	}

	r := &models.Risk{}
	if err := in.Apply(r); err != nil {
		return respondError(c, err, "")
	}
	r.ApplyDefaults()
	if err := r.Validate(); err != nil {
		return respondError(c, err, "")
	}

	opp, err := s.riskParent(c, r.OpportunityID)
	if opp == nil {
		return err
	}
	r.OpportunityName = opp.Name

	if err := s.Repo.CreateRisk(c.Request().Context(), r); err != nil {
		return respondError(c, err, "")
	}
	return created(c, echo.Map{"risk": r})
}

func (s *Server) handleUpdateRisk(c echo.Context) error {
	ctx := c.Request().Context()
	r, err := s.Repo.GetRisk(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgRiskNotFound)
		}
		return respondError(c, err, "")
	}

	var in models.RiskInput
	if err := bindJSON(c, &in); err != nil {
		return err
	}
	if in.OpportunityID != nil && strings.TrimSpace(*in.OpportunityID) != "" {
		opp, err := s.riskParent(c, strings.TrimSpace(*in.OpportunityID))
		if opp == nil {
			return err
		}
		r.OpportunityName = opp.Name
	}
	if err := in.Apply(r); err != nil {
		return respondError(c, err, "")
	}
	if err := r.Validate(); err != nil {
		return respondError(c, err, "")
	}

	if err := s.Repo.UpdateRisk(ctx, r); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgRiskNotFound)
		}
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{"risk": r})
}

func (s *Server) handleDeleteRisk(c echo.Context) error {
	if err := s.Repo.DeleteRisk(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fail(c, http.StatusNotFound, msgRiskNotFound)
		}
		return respondError(c, err, "")
	}
	return c.JSON(http.StatusOK, envelope{Status: "success", Message: "Risk deleted successfully"})
}

type opportunityRef struct {
	OpportunityID string `json:"opportunityID"`
}

func (s *Server) handleRisksByOpportunity(c echo.Context) error {
	var ref opportunityRef
	if err := bindJSON(c, &ref); err != nil {
		return err
	}
	id := strings.TrimSpace(ref.OpportunityID)
	if id == "" {
		return fail(c, http.StatusBadRequest, "opportunityID is required")
	}

	risks, _, err := s.Repo.ListRisks(c.Request().Context(), db.RiskFilter{OpportunityID: id})
	if err != nil {
		return respondError(c, err, "")
	}
	return ok(c, echo.Map{
		"opportunityID": id,
		"risks":         nonNil(risks),
		"count":         len(risks),
	})
}

// handleCreateRiskForOpportunity always opens the risk as Open, whatever
// status the client sent.
func (s *Server) handleCreateRiskForOpportunity(c echo.Context) error {
	var in models.RiskInput
	if err := bindJSON(c, &in); err != nil {
		return err
	}
	if in.OpportunityID == nil || strings.TrimSpace(*in.OpportunityID) == "" {
		return fail(c, http.StatusBadRequest, "opportunityID is required")
	}

	opp, err := s.riskParent(c, strings.TrimSpace(*in.OpportunityID))
	if opp == nil {
		return err
	}

	in.Status = nil
	r := &models.Risk{Status: models.RiskOpen, OpportunityName: opp.Name}
	if err := in.Apply(r); err != nil {
		return respondError(c, err, "")
	}
	if err := r.Validate(); err != nil {
		return respondError(c, err, "")
	}

	if err := s.Repo.CreateRisk(c.Request().Context(), r); err != nil {
		return respondError(c, err, "")
	}
	return created(c, echo.Map{
		"risk": r,
		"opportunity": echo.Map{
			"id":            opp.ID,
			"opportunityID": opp.OpportunityID,
			"name":          opp.Name,
		},
	})
}

func (s *Server) handleRiskStats(c echo.Context) error {
	stats, err := s.Repo.RiskStats(c.Request().Context(), strings.TrimSpace(c.QueryParam("opportunityID")))
	if err != nil {
		return respondError(c, err, "")
	}
	return ok(c, stats)
}
