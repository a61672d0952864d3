package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/lineage"
)

// runVerify opens the lineage ledger and walks the full hash chain.
func runVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		driver     string
		dsn        string
		jsonOutput bool
	)
	cmd.StringVar(&driver, "driver", "sqlite", "Database driver (sqlite|postgres)")
	cmd.StringVar(&dsn, "dsn", "file:gap_lineage.db?_pragma=journal_mode(WAL)", "Database DSN")
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if driver != "sqlite" && driver != "postgres" {
		fmt.Fprintf(stderr, "Error: --driver must be sqlite or postgres, got %q\n", driver)
		return 2
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening database: %v\n", err)
		return 2
	}
	defer db.Close()
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()
	ledger, err := lineage.Open(ctx, db, lineage.Driver(driver))
	if err != nil {
		fmt.Fprintf(stderr, "Error opening ledger: %v\n", err)
		return 2
	}

	report, err := ledger.VerifyChainIntegrity(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error verifying chain: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "Records verified: %d\n", report.RecordsVerified)
		if report.Valid {
			fmt.Fprintf(stdout, "%sChain integrity: VALID%s\n", colorBold+colorGreen, colorReset)
		} else {
			fmt.Fprintf(stdout, "%sChain integrity: BROKEN%s\n", colorBold+colorRed, colorReset)
			fmt.Fprintf(stdout, "  first bad record: %s\n", report.BrokenRecordID)
			fmt.Fprintf(stdout, "  detail: %s\n", report.Detail)
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}
