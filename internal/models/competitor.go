package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Competitor struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Strengths       string    `json:"strengths,omitempty"`
	Weaknesses      string    `json:"weaknesses,omitempty"`
	ThreatLevel     string    `json:"threatLevel"`
	Status          string    `json:"status"`
	Strategy        string    `json:"strategy,omitempty"`
	PricePosition   string    `json:"pricePosition"`
	WinProbability  *float64  `json:"winProbability,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	OpportunityID   string    `json:"opportunityID"`
	OpportunityName string    `json:"opportunityName,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type CompetitorInput struct {
	Name           *string  `json:"name"`
	Strengths      *string  `json:"strengths"`
	Weaknesses     *string  `json:"weaknesses"`
	ThreatLevel    *string  `json:"threatLevel"`
	Status         *string  `json:"status"`
	Strategy       *string  `json:"strategy"`
	PricePosition  *string  `json:"pricePosition"`
	WinProbability *float64 `json:"winProbability"`
	Notes          *string  `json:"notes"`
	OpportunityID  *string  `json:"opportunityID"`
}

func (in CompetitorInput) Apply(c *Competitor) {
	stripMarkupPtr(&c.Name, in.Name)
	stripMarkupPtr(&c.Strengths, in.Strengths)
	stripMarkupPtr(&c.Weaknesses, in.Weaknesses)
	stripMarkupPtr(&c.Strategy, in.Strategy)
	stripMarkupPtr(&c.Notes, in.Notes)
	if in.ThreatLevel != nil {
		c.ThreatLevel = strings.TrimSpace(*in.ThreatLevel)
	}
	if in.Status != nil {
		c.Status = strings.TrimSpace(*in.Status)
	}
	if in.PricePosition != nil {
		c.PricePosition = strings.TrimSpace(*in.PricePosition)
	}
	if in.WinProbability != nil {
		p := *in.WinProbability
		c.WinProbability = &p
	}
	if in.OpportunityID != nil {
		c.OpportunityID = strings.TrimSpace(*in.OpportunityID)
	}
}

func (c *Competitor) ApplyDefaults() {
	if c.ThreatLevel == "" {
		c.ThreatLevel = LevelMedium
	}
	if c.Status == "" {
		c.Status = "Active"
	}
	if c.PricePosition == "" {
		c.PricePosition = "Unknown"
	}
}

func (c *Competitor) Validate() error {
	v := &ValidationError{}
	if c.Name == "" {
		v.Add("name", "Competitor name is required")
	} else if tooLong(c.Name, 200) {
		v.Add("name", "Name cannot exceed 200 characters")
	}
	if tooLong(c.Strengths, 1000) {
		v.Add("strengths", "Strengths cannot exceed 1000 characters")
	}
	if tooLong(c.Weaknesses, 1000) {
		v.Add("weaknesses", "Weaknesses cannot exceed 1000 characters")
	}
	if !oneOf(c.ThreatLevel, LevelLow, LevelMedium, LevelHigh) {
		v.Add("threatLevel", "Threat level must be one of: Low, Medium, High")
	}
	if !oneOf(c.Status, "Active", "Inactive", "Won", "Lost") {
		v.Add("status", "Status must be one of: Active, Inactive, Won, Lost")
	}
	if tooLong(c.Strategy, 1000) {
		v.Add("strategy", "Strategy cannot exceed 1000 characters")
	}
	if !oneOf(c.PricePosition, "Lower", "Similar", "Higher", "Unknown") {
		v.Add("pricePosition", "Price position must be one of: Lower, Similar, Higher, Unknown")
	}
	if c.WinProbability != nil {
		if *c.WinProbability < 0 {
			v.Add("winProbability", "Win probability cannot be less than 0")
		} else if *c.WinProbability > 100 {
			v.Add("winProbability", "Win probability cannot exceed 100")
		}
	}
	if tooLong(c.Notes, 2000) {
		v.Add("notes", "Notes cannot exceed 2000 characters")
	}
	if c.OpportunityID == "" {
		v.Add("opportunityID", "Opportunity ID is required")
	}
	if tooLong(c.OpportunityName, 200) {
		v.Add("opportunityName", "Opportunity name cannot exceed 200 characters")
	}
	return v.OrNil()
}

func (c Competitor) ThreatScore() int {
	return levelScore(c.ThreatLevel)
}

func (c Competitor) MarshalJSON() ([]byte, error) {
	type plain Competitor
	return json.Marshal(struct {
		plain
		ThreatScore int `json:"threatScore"`
	}{plain(c), c.ThreatScore()})
}
