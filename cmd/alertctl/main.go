package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"awn/config"
	"awn/log"
	"awn/models"
	"awn/services"

	"go.uber.org/zap"
)

var (
	patientID = flag.String("patient", "", "Patient ID to list alerts for (required unless -sweep or -confirm)")
	pending   = flag.Bool("pending", false, "Only list alerts waiting for confirmation")
	limit     = flag.Int("limit", 20, "Maximum number of alerts to list (0 for all)")
	sweep     = flag.Bool("sweep", false, "Auto-confirm every pending alert whose deadline has passed")
	confirmID = flag.String("confirm", "", "Alert ID to confirm")
	outcome   = flag.String("outcome", "WANDERING", "Outcome for -confirm: ACCOMPANIED or WANDERING")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := log.Configure(log.Options{Level: "warn", Format: "console"})
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, closeStore, err := services.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Error opening alert store", zap.String("backend", cfg.AlertStore), zap.Error(err))
	}
	defer closeStore()

	lifecycle := services.NewAlertLifecycleManager(cfg, store, services.SystemClock, logger)
	defer lifecycle.Shutdown()

	switch {
	case *sweep:
		result, err := lifecycle.SweepExpired(ctx)
		if err != nil {
			logger.Fatal("Sweep failed", zap.Error(err))
		}
		fmt.Printf("Auto-confirmed: %d\nStill pending: %d\nFailed: %d\n", result.Resolved, result.Rescheduled, result.Failed)

	case *confirmID != "":
		alert, err := lifecycle.Confirm(ctx, *confirmID, models.ConfirmationStatus(strings.ToUpper(*outcome)))
		if err != nil {
			if alert != nil {
				fmt.Printf("Alert %s is %s\n", alert.ID, alert.ConfirmationStatus.DisplayName())
			}
			logger.Fatal("Confirm failed", zap.String("alert_id", *confirmID), zap.Error(err))
		}
		fmt.Printf("Alert %s confirmed as %s\n", alert.ID, alert.ConfirmationStatus.DisplayName())

	case *patientID != "":
		alerts, err := lifecycle.List(ctx, *patientID, *pending, *limit)
		if err != nil {
			logger.Fatal("Error listing alerts", zap.Error(err))
		}
		printAlerts(alerts)

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func printAlerts(alerts []*models.AlertEvent) {
	fmt.Printf("Total alerts found: %d\n", len(alerts))
	if len(alerts) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tTIME\tSTATUS\tREAD\tLOCATION")
	for _, a := range alerts {
		location := "-"
		if c := a.Coordinate(); c != nil {
			location = fmt.Sprintf("%.5f,%.5f", c.Latitude, c.Longitude)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			a.ID,
			a.Type.DisplayName(),
			a.Timestamp.Local().Format("2006-01-02 15:04:05"),
			a.ConfirmationStatus.DisplayName(),
			a.IsRead,
			location)
	}
	w.Flush()
}
