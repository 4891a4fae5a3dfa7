package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/utils"
	"bitbucket.org/mmdatafocus/distro_backend/workflow"
)

// ledger-reconcile sweeps one business (or all businesses) and reports every
// cached aggregate that no longer matches its history. Exit code 2 means
// drift was found; nothing is repaired.
func main() {
	businessID := flag.String("business-id", "", "Business id to reconcile; empty sweeps every business with accounts")
	asJSON := flag.Bool("json", false, "Print the full report as JSON")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	var businessIds []string
	if strings.TrimSpace(*businessID) != "" {
		businessIds = []string{strings.TrimSpace(*businessID)}
	} else {
		scanCtx := utils.SetSkipTenantScope(context.Background())
		if err := db.WithContext(scanCtx).
			Raw("SELECT DISTINCT business_id FROM accounts").
			Scan(&businessIds).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to list businesses: %v\n", err)
			os.Exit(1)
		}
	}

	dirty := false
	for _, id := range businessIds {
		ctx := utils.SetBusinessIdInContext(context.Background(), id)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetChannelInContext(ctx, "job")

		report, err := workflow.RunReconciliation(ctx, db, logger, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconciliation failed for %s: %v\n", id, err)
			os.Exit(1)
		}

		if *asJSON {
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Printf("business=%s accounts=%d products=%d violations=%d\n",
				id, report.AccountsChecked, report.ProductsChecked, len(report.Violations))
			for _, v := range report.Violations {
				fmt.Printf("  %s\n", v.Description)
			}
		}
		if !report.Clean() {
			dirty = true
		}
	}

	if dirty {
		os.Exit(2)
	}
}
