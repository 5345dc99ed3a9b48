package db

import (
	"context"
	"errors"
	"strings"

	"github.com/david/opportunity-crm/internal/models"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

// Repository is the record store behind the API and the CRM sync.
// Lookups return ErrNotFound on a miss; creates and updates return
// ErrDuplicateKey when an opportunity id is already taken.
type Repository interface {
	Ping(ctx context.Context) error
	Close()

	ListOpportunities(ctx context.Context, f OpportunityFilter) ([]models.Opportunity, int, error)
	GetOpportunity(ctx context.Context, id string) (*models.Opportunity, error)
	FindOpportunityByAltID(ctx context.Context, id string) (*models.Opportunity, error)
	FindOpportunityByOpportunityID(ctx context.Context, opportunityID string) (*models.Opportunity, error)
	CreateOpportunity(ctx context.Context, opp *models.Opportunity) error
	UpdateOpportunity(ctx context.Context, opp *models.Opportunity) error
	OverwriteOpportunity(ctx context.Context, id string, opp *models.Opportunity) error
	DeleteOpportunity(ctx context.Context, id string, cascade bool) (CascadeResult, error)

	ListRisks(ctx context.Context, f RiskFilter) ([]models.Risk, int, error)
	GetRisk(ctx context.Context, id string) (*models.Risk, error)
	CreateRisk(ctx context.Context, r *models.Risk) error
	UpdateRisk(ctx context.Context, r *models.Risk) error
	DeleteRisk(ctx context.Context, id string) error
	CountRisksByOpportunity(ctx context.Context, opportunityID string) (int, error)
	DeleteRisksByOpportunity(ctx context.Context, opportunityID string) (int, error)
	RiskStats(ctx context.Context, opportunityID string) (models.RiskStats, error)

	ListCompetitors(ctx context.Context, f CompetitorFilter) ([]models.Competitor, int, error)
	GetCompetitor(ctx context.Context, id string) (*models.Competitor, error)
	CreateCompetitor(ctx context.Context, c *models.Competitor) error
	UpdateCompetitor(ctx context.Context, c *models.Competitor) error
	DeleteCompetitor(ctx context.Context, id string) error
	CountCompetitorsByOpportunity(ctx context.Context, opportunityID string) (int, error)
	DeleteCompetitorsByOpportunity(ctx context.Context, opportunityID string) (int, error)
}

// CascadeResult reports dependents removed with an opportunity.
type CascadeResult struct {
	RisksDeleted       int `json:"risksDeleted"`
	CompetitorsDeleted int `json:"competitorsDeleted"`
}

// SortSpec is a whitelisted sort field in its JSON spelling.
type SortSpec struct {
	Field string
	Desc  bool
}

var DefaultSort = SortSpec{Field: "createdAt", Desc: true}

// ParseSort reads "field" or "-field". Fields outside allowed fall back to
// DefaultSort.
func ParseSort(raw string, allowed map[string]string) SortSpec {
	raw = strings.TrimSpace(raw)
	spec := SortSpec{Field: raw}
	if strings.HasPrefix(raw, "-") {
		spec = SortSpec{Field: raw[1:], Desc: true}
	}
	if _, ok := allowed[spec.Field]; !ok {
		return DefaultSort
	}
	return spec
}

// Sortable fields per record type, mapped to their column.
var (
	OpportunitySortFields = map[string]string{
		"createdAt":             "created_at",
		"updatedAt":             "updated_at",
		"name":                  "name",
		"opportunityID":         "opportunity_id",
		"salesStage":            "sales_stage",
		"expectedRevenueAmount": "expected_revenue_amount",
		"closeDate":             "close_date",
	}
	RiskSortFields = map[string]string{
		"createdAt":   "created_at",
		"updatedAt":   "updated_at",
		"title":       "title",
		"impact":      "impact",
		"probability": "probability",
		"status":      "status",
		"dueDate":     "due_date",
	}
	CompetitorSortFields = map[string]string{
		"createdAt":   "created_at",
		"updatedAt":   "updated_at",
		"name":        "name",
		"threatLevel": "threat_level",
		"status":      "status",
	}
)

type OpportunityFilter struct {
	SalesStage string
	Source     string
	Search     string // substring of name or opportunity id, case-insensitive
	Sort       SortSpec
	Limit      int
	Offset     int
}

type RiskFilter struct {
	OpportunityID string
	Status        string
	Impact        string
	Probability   string
	Search        string // substring of title or description
	Sort          SortSpec
	Limit         int
	Offset        int
}

type CompetitorFilter struct {
	OpportunityID string
	ThreatLevel   string
	Status        string
	Sort          SortSpec
	Limit         int
	Offset        int
}

func sortOrDefault(s SortSpec) SortSpec {
	if s.Field == "" {
		return DefaultSort
	}
	return s
}
