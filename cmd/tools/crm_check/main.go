package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/david/opportunity-crm/internal/config"
	"github.com/david/opportunity-crm/internal/crm"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
)

func main() {
	top := flag.Int("top", 10, "number of opportunities to list")
	timeout := flag.Duration("timeout", time.Minute, "overall timeout")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := crm.NewClient(cfg.CRM.ClientConfig())
	status := client.TestConnection(ctx)
	if !status.Success {
		log.Fatalf("SAP CRM connection failed: status=%d error=%s", status.Status, status.Error)
	}
	fmt.Printf("Connected to %s%s (HTTP %d)\n", cfg.CRM.BaseURL, cfg.CRM.Endpoint, status.Status)

	opps, err := client.FetchAllOpportunities(ctx, *top, 0)
	if err != nil {
		log.Fatalf("fetch failed: %v", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Opportunity ID", "Name", "Stage", "Revenue", "Currency", "Close Date"})
	for _, o := range opps {
		closeDate := "-"
		if o.CloseDate != nil {
			closeDate = o.CloseDate.Format("2006-01-02")
		}
		t.AppendRow(table.Row{o.OpportunityID, o.Name, o.SalesStage, fmt.Sprintf("%.2f", o.ExpectedRevenueAmount), o.Currency, closeDate})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", len(opps)})
	t.Render()
}
