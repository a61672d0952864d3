package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/cga"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/escalation"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/execution"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/governance"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/intent"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/lineage"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/reconciler"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/worldmodel"
)

// runDemo wires an in-memory kernel around a lead that has been waiting
// 55 minutes against a 60-minute SLA and walks one full cycle.
func runDemo(_ []string, stdout, stderr io.Writer) int {
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ledger, err := lineage.Open(ctx, db, lineage.DriverSQLite)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	world := worldmodel.NewStore()
	intents := intent.NewStore()
	evaluator := governance.NewEvaluator(governance.NewRegistry(), governance.NewRuleSet(), intent.NewAuthority())
	dispatcher := execution.NewDispatcher(world)
	dispatcher.RegisterMockHandlers()
	orch := cga.NewOrchestrator(nil, evaluator, dispatcher, 3)
	escalations := escalation.NewQueue(nil)
	rec := reconciler.New(world, intents, orch, ledger, escalations, reconciler.Options{})

	in := intents.Create(contracts.Intent{
		Objective: "Respond to all inbound leads within 60 minutes",
		Priority:  8,
		CreatedBy: "demo",
		Active:    true,
	})
	world.Upsert(contracts.Entity{
		EntityType: "lead",
		EntityID:   "lead_4821",
		Properties: map[string]any{
			"created_at": time.Now().UTC().Add(-55 * time.Minute).Format(time.RFC3339),
			"geo":        "US",
		},
		Source:      "crm",
		Confidence:  0.95,
		Obligations: []string{in.ID},
	})

	fmt.Fprintf(stdout, "%sGAP kernel demo%s\n\n", colorBold+colorCyan, colorReset)
	fmt.Fprintf(stdout, "Intent:  %s (priority %d)\n", in.Objective, in.Priority)
	fmt.Fprintf(stdout, "Entity:  lead_4821, waiting 55 of 60 SLA minutes\n\n")

	report, err := rec.Tick(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	fmt.Fprintf(stdout, "Entities scanned: %d, drifts detected: %d\n",
		report.EntitiesScanned, report.DriftsDetected)
	for _, outcome := range report.Outcomes {
		fmt.Fprintf(stdout, "\nDrift:    %s\n", outcome.Drift.Description)
		fmt.Fprintf(stdout, "Severity: %d\n", outcome.Drift.Severity)
		fmt.Fprintf(stdout, "Cycle:    %s\n", outcome.CycleID)
		fmt.Fprintf(stdout, "Attempts: %d\n", outcome.Attempts)
		if outcome.Verdict == "approved" {
			fmt.Fprintf(stdout, "Verdict:  %s%s%s\n", colorGreen, outcome.Verdict, colorReset)
		} else {
			fmt.Fprintf(stdout, "Verdict:  %s%s%s\n", colorRed, outcome.Verdict, colorReset)
		}
	}

	records, err := ledger.Recent(ctx, 10)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	fmt.Fprintf(stdout, "\nLineage trail:\n")
	for _, record := range records {
		fmt.Fprintf(stdout, "  %s attempts=%d escalated=%t sig=%.16s...\n",
			record.ID, record.TotalAttempts, record.EscalatedToHuman, record.Signature)
	}

	integrity, err := ledger.VerifyChainIntegrity(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if integrity.Valid {
		fmt.Fprintf(stdout, "\n%sChain integrity: VALID (%d records)%s\n",
			colorBold+colorGreen, integrity.RecordsVerified, colorReset)
	} else {
		fmt.Fprintf(stdout, "\n%sChain integrity: BROKEN%s\n", colorBold+colorRed, colorReset)
		return 1
	}
	return 0
}
