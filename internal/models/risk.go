package models

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	LevelLow    = "Low"
	LevelMedium = "Medium"
	LevelHigh   = "High"
)

const (
	RiskOpen      = "Open"
	RiskMitigated = "Mitigated"
	RiskClosed    = "Closed"
)

type Risk struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Impact          string     `json:"impact"`
	Probability     string     `json:"probability"`
	Status          string     `json:"status"`
	Owner           string     `json:"owner,omitempty"`
	Mitigation      string     `json:"mitigation,omitempty"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	OpportunityID   string     `json:"opportunityID"`
	OpportunityName string     `json:"opportunityName,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type RiskInput struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	Impact        *string `json:"impact"`
	Probability   *string `json:"probability"`
	Status        *string `json:"status"`
	Owner         *string `json:"owner"`
	Mitigation    *string `json:"mitigation"`
	DueDate       *string `json:"dueDate"`
	OpportunityID *string `json:"opportunityID"`
}

func (in RiskInput) Apply(r *Risk) error {
	stripMarkupPtr(&r.Title, in.Title)
	stripMarkupPtr(&r.Description, in.Description)
	stripMarkupPtr(&r.Owner, in.Owner)
	stripMarkupPtr(&r.Mitigation, in.Mitigation)
	if in.Impact != nil {
		r.Impact = strings.TrimSpace(*in.Impact)
	}
	if in.Probability != nil {
		r.Probability = strings.TrimSpace(*in.Probability)
	}
	if in.Status != nil {
		r.Status = strings.TrimSpace(*in.Status)
	}
	if in.OpportunityID != nil {
		r.OpportunityID = strings.TrimSpace(*in.OpportunityID)
	}
	if in.DueDate != nil {
		raw := strings.TrimSpace(*in.DueDate)
		if raw == "" {
			r.DueDate = nil
		} else {
			t, ok := ParseDate(raw)
			if !ok {
				return NewValidationError("dueDate", "Due date is not a valid date")
			}
			r.DueDate = &t
		}
	}
	return nil
}

func (r *Risk) ApplyDefaults() {
	if r.Status == "" {
		r.Status = RiskOpen
	}
}

func (r *Risk) Validate() error {
	v := &ValidationError{}
	if r.Title == "" {
		v.Add("title", "Title is required")
	} else if tooLong(r.Title, 100) {
		v.Add("title", "Title cannot exceed 100 characters")
	}
	if tooLong(r.Description, 500) {
		v.Add("description", "Description cannot exceed 500 characters")
	}
	if r.Impact == "" {
		v.Add("impact", "Impact is required")
	} else if !oneOf(r.Impact, LevelLow, LevelMedium, LevelHigh) {
		v.Add("impact", "Impact must be one of: Low, Medium, High")
	}
	if r.Probability == "" {
		v.Add("probability", "Probability is required")
	} else if !oneOf(r.Probability, LevelLow, LevelMedium, LevelHigh) {
		v.Add("probability", "Probability must be one of: Low, Medium, High")
	}
	if !oneOf(r.Status, RiskOpen, RiskMitigated, RiskClosed) {
		v.Add("status", "Status must be one of: Open, Mitigated, Closed")
	}
	if tooLong(r.Owner, 100) {
		v.Add("owner", "Owner cannot exceed 100 characters")
	}
	if tooLong(r.Mitigation, 1000) {
		v.Add("mitigation", "Mitigation cannot exceed 1000 characters")
	}
	if r.OpportunityID == "" {
		v.Add("opportunityID", "Opportunity ID is required")
	}
	if tooLong(r.OpportunityName, 200) {
		v.Add("opportunityName", "Opportunity name cannot exceed 200 characters")
	}
	return v.OrNil()
}

func levelScore(level string) int {
	switch level {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	}
	return 0
}

// Score is impact times probability on a 1-3 scale each.
func (r Risk) Score() int {
	return levelScore(r.Impact) * levelScore(r.Probability)
}

func (r Risk) Level() string {
	score := r.Score()
	switch {
	case score >= 6:
		return "Critical"
	case score >= 4:
		return LevelHigh
	case score >= 2:
		return LevelMedium
	}
	return LevelLow
}

func (r Risk) MarshalJSON() ([]byte, error) {
	type plain Risk
	return json.Marshal(struct {
		plain
		RiskScore int    `json:"riskScore"`
		RiskLevel string `json:"riskLevel"`
	}{plain(r), r.Score(), r.Level()})
}

// RiskStats aggregates risk counts, optionally scoped to one opportunity.
type RiskStats struct {
	Total           int `json:"total"`
	Open            int `json:"open"`
	Mitigated       int `json:"mitigated"`
	Closed          int `json:"closed"`
	HighImpact      int `json:"highImpact"`
	HighProbability int `json:"highProbability"`
}
