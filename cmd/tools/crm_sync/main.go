package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/david/opportunity-crm/internal/config"
	"github.com/david/opportunity-crm/internal/crm"
	"github.com/david/opportunity-crm/internal/crmsync"
	"github.com/david/opportunity-crm/internal/db"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
)

func main() {
	top := flag.Int("top", crmsync.DefaultSyncPageSize, "page size requested from SAP CRM")
	skip := flag.Int("skip", 0, "records to skip")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall timeout")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	repo, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer repo.Close()

	svc := crmsync.NewService(crm.NewClient(cfg.CRM.ClientConfig()), repo)
	res, err := svc.SyncAll(ctx, *top, *skip)
	if err != nil {
		log.Fatalf("sync failed: %v", err)
	}

	summary := table.NewWriter()
	summary.SetOutputMirror(os.Stdout)
	summary.AppendHeader(table.Row{"Fetched", "Created", "Updated", "Errors"})
	summary.AppendRow(table.Row{res.Fetched, res.Created, res.Updated, len(res.Errors)})
	summary.Render()

	if len(res.Errors) == 0 {
		return
	}
	errs := table.NewWriter()
	errs.SetOutputMirror(os.Stdout)
	errs.AppendHeader(table.Row{"Opportunity ID", "Error"})
	for _, e := range res.Errors {
		errs.AppendRow(table.Row{e.OpportunityID, e.Error})
	}
	errs.Render()
}
