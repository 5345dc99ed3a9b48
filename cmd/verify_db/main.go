package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/david/opportunity-crm/internal/config"
	"github.com/david/opportunity-crm/internal/db"
	"github.com/david/opportunity-crm/internal/models"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Unable to open store: %v", err)
	}
	defer repo.Close()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Records", "Filter", "Count"})

	count := func(f db.OpportunityFilter) int {
		_, n, err := repo.ListOpportunities(ctx, f)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		return n
	}

	t.AppendRow(table.Row{"opportunities", "all", count(db.OpportunityFilter{Limit: 1})})
	for _, src := range []models.Source{models.SourceManual, models.SourceSAPCRM} {
		t.AppendRow(table.Row{"opportunities", "source=" + string(src), count(db.OpportunityFilter{Source: string(src), Limit: 1})})
	}
	for _, stage := range models.SalesStages {
		t.AppendRow(table.Row{"opportunities", "salesStage=" + string(stage), count(db.OpportunityFilter{SalesStage: string(stage), Limit: 1})})
	}
	t.AppendSeparator()

	stats, err := repo.RiskStats(ctx, "")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	t.AppendRow(table.Row{"risks", "all", stats.Total})
	t.AppendRow(table.Row{"risks", "status=Open", stats.Open})
	t.AppendRow(table.Row{"risks", "impact=High", stats.HighImpact})
	t.AppendSeparator()

	_, comps, err := repo.ListCompetitors(ctx, db.CompetitorFilter{Limit: 1})
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	t.AppendRow(table.Row{"competitors", "all", comps})
	t.Render()
}
