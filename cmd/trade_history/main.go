package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"thresholdBot/config"
	"thresholdBot/internal/adapters/logger"
	"thresholdBot/internal/adapters/sqlite"
	"thresholdBot/internal/utils"
)

func main() {
	userID := flag.String("user", "", "user id to report on (required)")
	limit := flag.Int("limit", 20, "number of most recent trades to show, 0 for all")
	csvPath := flag.String("csv", "", "also export the trades to this CSV file")
	flag.Parse()

	if *userID == "" {
		flag.Usage()
		os.Exit(2)
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.NewStdLogger(logger.LevelWarn)

	// 2. Open the ledger
	ledger, err := sqlite.NewLedger(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open trade ledger: %v", err)
	}
	defer ledger.Close()

	ctx := context.Background()
	pos, err := ledger.GetPosition(ctx, *userID)
	if err != nil {
		log.Fatalf("Error loading position: %v", err)
	}
	records, err := ledger.History(ctx, *userID, *limit)
	if err != nil {
		log.Fatalf("Error loading history: %v", err)
	}
	pending, err := ledger.PendingOrder(ctx, *userID)
	if err != nil {
		log.Fatalf("Error loading pending order: %v", err)
	}

	fmt.Printf("User %s: holding %.8f @ %.2f, last %s at %.2f\n", *userID, pos.Holding, pos.EntryPrice, pos.LastAction, pos.LastPrice)
	if pending != nil {
		fmt.Printf("Unresolved order %s (%s %.8f, %s)\n", pending.ClientOrderID, pending.Side, pending.Amount, pending.State)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tSIDE\tSTATUS\tPRICE\tAMOUNT\tPROFIT\tREASON")
	totalProfit := 0.0
	for _, r := range records {
		totalProfit += r.Profit
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.2f\t%.8f\t%.2f\t%s\n",
			r.ID, r.Timestamp.Local().Format(time.DateTime), r.Side, r.Status, r.Price, r.Amount, r.Profit, r.Reason)
	}
	tw.Flush()
	fmt.Printf("%d trades shown, realised profit %.2f\n", len(records), totalProfit)

	if *csvPath != "" {
		if err := utils.WriteTradesToCSV(records, *csvPath); err != nil {
			log.Fatalf("Error writing CSV: %v", err)
		}
		fmt.Printf("Saved to %s\n", *csvPath)
	}
}
