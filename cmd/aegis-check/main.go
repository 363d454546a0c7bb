// aegis-check is the pre-flight diagnostic: it exercises the decision
// path, the approval ledger round-trip, the system probes, and the
// optional Redis/Postgres backends, then prints a pass/fail table.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/aegisops/backend/internal/core"
	"github.com/aegisops/backend/internal/decision"
	"github.com/aegisops/backend/internal/diagnostics"
	"github.com/aegisops/backend/internal/guardian"
	"github.com/aegisops/backend/internal/infra"
	"github.com/aegisops/backend/internal/ledger"
)

type component struct {
	Name string
	Test func() error
}

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))

	fmt.Println("\033[96mAegis Decision Engine - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	components := []component{
		{"Decision Matrix", checkDecisionMatrix},
		{"Guardian Monitor", checkGuardianMonitor},
		{"Approval Ledger", checkApprovalLedger},
		{"System Probes", checkSystemProbes},
		{"Redis Cache", checkRedis},
		{"Postgres Ledger", checkPostgres},
	}

	failures := 0
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.Name+"...")
		if err := c.Test(); err != nil {
			failures++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failures > 0 {
		fmt.Printf("\033[31mStatus: %d component(s) failed.\033[0m\n", failures)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: System ready for autonomous traffic.\033[0m")
}

func checkDecisionMatrix() error {
	thr := 100.0
	result, err := decision.Evaluate(core.DecisionContext{
		DecisionType: core.DecisionMonitoring,
		Priority:     core.PriorityLow,
		Source:       "aegis-check",
		Parameters: []core.DecisionParameter{
			{Name: "probe_success_rate", Value: 95.0, Threshold: &thr, Weight: 1.0},
		},
	}, core.LevelNormal, nil)
	if err != nil {
		return err
	}
	if !result.Approved {
		return fmt.Errorf("probe decision unexpectedly escalated: %s", result.Reasoning)
	}
	return nil
}

func checkGuardianMonitor() error {
	monitor := guardian.NewMonitor(ledger.NewService(ledger.NewMemoryStore(), "memory", slog.Default()))
	if lvl := monitor.Level(); lvl != core.LevelNormal {
		return fmt.Errorf("fresh monitor at level %s, want normal", lvl)
	}
	monitor.UpdateMetric("security_score", 0.5)
	if lvl := monitor.Level(); lvl != core.LevelCritical {
		return fmt.Errorf("breach did not escalate (level %s)", lvl)
	}
	return nil
}

func checkApprovalLedger() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := ledger.NewService(ledger.NewMemoryStore(), "memory", slog.Default())
	rec, err := svc.Record(ctx, core.ApprovalRecord{
		DecisionID:   "deployment_0",
		DecisionType: core.DecisionDeployment,
		GuardianID:   "aegis-check",
		Action:       core.ActionApprove,
	})
	if err != nil {
		return err
	}
	if !svc.IsApproved(ctx, rec.DecisionID) {
		return fmt.Errorf("recorded approval not readable back")
	}
	return nil
}

func checkSystemProbes() error {
	for _, c := range diagnostics.DefaultChecks("/") {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := c.Run(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", c.Name(), err)
		}
	}
	return nil
}

func checkRedis() error {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil // not configured, in-memory fallback applies
	}
	adapter, err := infra.NewGoRedisAdapter(addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		return err
	}
	return adapter.Close()
}

func checkPostgres() error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil // not configured, memory/file backend applies
	}
	store, err := ledger.NewPostgresStore(dbURL)
	if err != nil {
		return err
	}
	return store.Close()
}
