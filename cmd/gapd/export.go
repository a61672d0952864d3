package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/artifacts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/lineage"
)

// runExport archives a lineage segment into the content-addressed
// artifact store selected by GAP_ARTIFACT_STORE.
func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		driver  string
		dsn     string
		sinceID string
	)
	cmd.StringVar(&driver, "driver", "sqlite", "Database driver (sqlite|postgres)")
	cmd.StringVar(&dsn, "dsn", "file:gap_lineage.db?_pragma=journal_mode(WAL)", "Database DSN")
	cmd.StringVar(&sinceID, "since", "", "Export records after this lineage record id (default: all)")

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

	store, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening artifact store: %v\n", err)
		return 2
	}

	prov, err := ledger.ExportSegment(ctx, store, sinceID)
	if err != nil {
		fmt.Fprintf(stderr, "Error exporting segment: %v\n", err)
		return 2
	}

	fmt.Fprintf(stdout, "%sSegment exported%s\n", colorBold+colorGreen, colorReset)
	fmt.Fprintf(stdout, "  artifact:  %s\n", prov.ArtifactID)
	fmt.Fprintf(stdout, "  integrity: %s\n", prov.IntegrityHash)
	return 0
}
