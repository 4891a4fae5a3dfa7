package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/utils"
	"bitbucket.org/mmdatafocus/distro_backend/workflow"
)

// idempotency-cleanup purges completed idempotency records past their
// retention window. Run it on a schedule; records still in flight are never
// touched.
func main() {
	dryRun := flag.Bool("dry-run", false, "Count expired records without deleting")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := utils.SetSkipTenantScope(context.Background())

	if *dryRun {
		var n int64
		if err := db.WithContext(ctx).
			Raw("SELECT COUNT(*) FROM idempotency_records WHERE expires_at <= NOW() AND status <> 'STARTED'").
			Scan(&n).Error; err != nil {
			fmt.Fprintf(os.Stderr, "count failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("expired records: %d (dry run, nothing deleted)\n", n)
		return
	}

	n, err := workflow.PurgeExpiredIdempotencyRecords(ctx, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "purge failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("purged %d expired idempotency records\n", n)
}
