package models

import (
	"strings"
	"time"
)

type SalesStage string

const (
	StageQualified   SalesStage = "Qualified"
	StageProposal    SalesStage = "Proposal"
	StageNegotiation SalesStage = "Negotiation"
	StageWon         SalesStage = "Won"
	StageLost        SalesStage = "Lost"
)

// SalesStages lists the stages in pipeline order.
var SalesStages = []SalesStage{StageQualified, StageProposal, StageNegotiation, StageWon, StageLost}

type Source string

const (
	SourceManual Source = "manual"
	SourceSAPCRM Source = "sap_crm"
)

const (
	DefaultCurrency        = "USD"
	DefaultOpportunityName = "Unnamed Opportunity"
)

type Opportunity struct {
	ID                    string                 `json:"id"`
	ExternalObjectID      string                 `json:"objectID,omitempty"`
	OpportunityID         string                 `json:"opportunityID"`
	Name                  string                 `json:"name"`
	AccountID             string                 `json:"accountID,omitempty"`
	SalesStage            SalesStage             `json:"salesStage,omitempty"`
	ExpectedRevenueAmount float64                `json:"expectedRevenueAmount"`
	Currency              string                 `json:"currency"`
	CloseDate             *time.Time             `json:"closeDate,omitempty"`
	Source                Source                 `json:"source,omitempty"`
	RawStatusMetadata     map[string]interface{} `json:"sapRawData,omitempty"`
	CreatedAt             time.Time              `json:"createdAt"`
	UpdatedAt             time.Time              `json:"updatedAt"`
}

// OpportunityInput carries client-supplied fields for create and update.
// Nil fields are left untouched.
type OpportunityInput struct {
	ExternalObjectID      *string  `json:"objectID"`
	OpportunityID         *string  `json:"opportunityID"`
	Name                  *string  `json:"name"`
	AccountID             *string  `json:"accountID"`
	SalesStage            *string  `json:"salesStage"`
	ExpectedRevenueAmount *float64 `json:"expectedRevenueAmount"`
	Currency              *string  `json:"currency"`
	CloseDate             *string  `json:"closeDate"`
}

// Apply copies the set fields of in onto o. Values are trimmed the same way
// the store would trim them.
func (in OpportunityInput) Apply(o *Opportunity) error {
	if in.ExternalObjectID != nil {
		o.ExternalObjectID = strings.TrimSpace(*in.ExternalObjectID)
	}
	if in.OpportunityID != nil {
		o.OpportunityID = strings.TrimSpace(*in.OpportunityID)
	}
	if in.Name != nil {
		o.Name = StripMarkup(*in.Name)
	}
	if in.AccountID != nil {
		o.AccountID = strings.TrimSpace(*in.AccountID)
	}
	if in.SalesStage != nil {
		o.SalesStage = SalesStage(strings.TrimSpace(*in.SalesStage))
	}
	if in.ExpectedRevenueAmount != nil {
		o.ExpectedRevenueAmount = *in.ExpectedRevenueAmount
	}
	if in.Currency != nil {
		o.Currency = strings.TrimSpace(*in.Currency)
	}
	if in.CloseDate != nil {
		raw := strings.TrimSpace(*in.CloseDate)
		if raw == "" {
			o.CloseDate = nil
		} else {
			t, ok := ParseDate(raw)
			if !ok {
				return NewValidationError("closeDate", "Close date is not a valid date")
			}
			o.CloseDate = &t
		}
	}
	return nil
}

// ApplyDefaults fills the fields the store would default.
func (o *Opportunity) ApplyDefaults() {
	if o.Currency == "" {
		o.Currency = DefaultCurrency
	}
	if o.Source == "" {
		o.Source = SourceManual
	}
}

func (o *Opportunity) Validate() error {
	v := &ValidationError{}
	if strings.TrimSpace(o.OpportunityID) == "" {
		v.Add("opportunityID", "Opportunity ID is required")
	}
	if strings.TrimSpace(o.Name) == "" {
		v.Add("name", "Name is required")
	} else if len([]rune(o.Name)) > 200 {
		v.Add("name", "Name cannot exceed 200 characters")
	}
	if o.SalesStage != "" && !IsSalesStage(string(o.SalesStage)) {
		v.Add("salesStage", "Sales stage must be one of: Qualified, Proposal, Negotiation, Won, Lost")
	}
	if o.ExpectedRevenueAmount < 0 {
		v.Add("expectedRevenueAmount", "Revenue amount cannot be negative")
	}
	if len([]rune(o.Currency)) > 3 {
		v.Add("currency", "Currency cannot exceed 3 characters")
	}
	if o.Source != SourceManual && o.Source != SourceSAPCRM {
		v.Add("source", "Source must be one of: manual, sap_crm")
	}
	return v.OrNil()
}

func IsSalesStage(s string) bool {
	for _, stage := range SalesStages {
		if string(stage) == s {
			return true
		}
	}
	return false
}
