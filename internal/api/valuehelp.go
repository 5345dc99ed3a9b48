package api

import (
	_ "embed"
	"fmt"

	"github.com/labstack/echo/v4"
	"gopkg.in/yaml.v3"
)

//go:embed valuehelp.yaml
var valueHelpYAML []byte

type ValueHelpEntry struct {
	Code string `yaml:"code" json:"code"`
	Text string `yaml:"text" json:"text"`
}

type ValueHelp struct {
	Opportunities struct {
		SalesStages []ValueHelpEntry `yaml:"salesStages" json:"salesStages"`
		Currencies  []ValueHelpEntry `yaml:"currencies" json:"currencies"`
		Sources     []ValueHelpEntry `yaml:"sources" json:"sources"`
	} `yaml:"opportunities"`
	Risks struct {
		ImpactLevels      []ValueHelpEntry `yaml:"impactLevels" json:"impactLevels"`
		ProbabilityLevels []ValueHelpEntry `yaml:"probabilityLevels" json:"probabilityLevels"`
		StatusTypes       []ValueHelpEntry `yaml:"statusTypes" json:"statusTypes"`
	} `yaml:"risks"`
}

func loadValueHelp() (*ValueHelp, error) {
	var vh ValueHelp
	if err := yaml.Unmarshal(valueHelpYAML, &vh); err != nil {
		return nil, fmt.Errorf("parse value help: %w", err)
	}
	return &vh, nil
}

func (s *Server) handleOpportunityValueHelp(c echo.Context) error {
	return ok(c, s.valueHelp.Opportunities)
}

func (s *Server) handleRiskValueHelp(c echo.Context) error {
	return ok(c, s.valueHelp.Risks)
}
