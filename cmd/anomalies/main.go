package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/camdarley/SCTL-GFA/internal/config"
	"github.com/camdarley/SCTL-GFA/internal/metrics"
	"github.com/camdarley/SCTL-GFA/internal/models"
	"github.com/camdarley/SCTL-GFA/internal/repository"
	"github.com/camdarley/SCTL-GFA/internal/service"
	"github.com/camdarley/SCTL-GFA/internal/utils"
)

// anomalies runs the read-only data-quality sweeps against the share
// ledger and prints the findings. Intended for operators checking the
// state of legacy-imported data.
func main() {
	var (
		structureID = flag.Int64("structure", 0, "restrict the summary and report to one structure id (0 = all)")
		full        = flag.Bool("full", false, "print the full finding lists as JSON instead of counts")
		totals      = flag.Bool("totals", false, "also print active share totals")
		timeout     = flag.Duration("timeout", 2*time.Minute, "overall deadline")
	)
	flag.Parse()

	// Load .env if present; environment variables win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	// Load configuration
	cfg := config.LoadConfig()

	// Set up database connection
	db, err := config.SetupDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to set up database: %v", err)
	}
	defer db.Close()

	// Create repository and service
	repo := repository.NewPostgresRepository(db)
	logger := utils.NewLogger()
	m := metrics.New(prometheus.DefaultRegisterer)
	svc := service.NewDefaultService(repo, cfg, logger, m)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var filter *int64
	if *structureID > 0 {
		filter = structureID
	}

	if err := run(ctx, svc, filter, *full, *totals); err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
}

func run(ctx context.Context, svc service.Service, structureID *int64, full, totals bool) error {
	// An unfiltered summary comes from the store's consistent snapshot; a
	// filtered one is derived from the filtered sweep lists.
	var summary *models.AnomalySummary
	var report *models.AnomalyReport
	if structureID != nil {
		var err error
		report, err = svc.AnomalyReport(ctx, structureID)
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
		summary = report.Summary()
		fmt.Printf("Anomaly summary (structure %d):\n", *structureID)
	} else {
		var err error
		summary, err = svc.AnomalySummary(ctx)
		if err != nil {
			return fmt.Errorf("summary: %w", err)
		}
		fmt.Println("Anomaly summary:")
	}
	fmt.Printf("  parts sans mouvements:      %d\n", summary.PartsSansMouvements)
	fmt.Printf("  mouvements sans actes:      %d\n", summary.MouvementsSansActes)
	fmt.Printf("  duplicate active numbers:   %d\n", summary.DuplicateActiveNumbers)
	fmt.Printf("  parts sans actionnaires:    %d\n", summary.PartsSansActionnaires)
	fmt.Printf("  mouvements sans personnes:  %d\n", summary.MouvementsSansPersonnes)
	fmt.Printf("  reissued numbers:           %d\n", summary.ReissuedNumbers)
	fmt.Printf("  total:                      %d\n", summary.Total)

	if full {
		if report == nil {
			var err error
			report, err = svc.AnomalyReport(ctx, structureID)
			if err != nil {
				return fmt.Errorf("full report: %w", err)
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	}

	if totals {
		t, err := svc.PartsTotals(ctx)
		if err != nil {
			return fmt.Errorf("totals: %w", err)
		}
		fmt.Println("Active share totals:")
		fmt.Printf("  GFA:          %d\n", t.Gfa)
		fmt.Printf("  TSL:          %d\n", t.Tsl)
		fmt.Printf("  total:        %d\n", t.Total)
		fmt.Printf("  actionnaires: %d\n", t.Actionnaires)
	}

	return nil
}
