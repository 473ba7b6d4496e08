package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/helmsman/missionctl/internal/registry"
	pgstore "github.com/helmsman/missionctl/internal/store"
)

// seed loads a versioned agent descriptor file and upserts every entry into
// the registry tables. Safe to re-run: upserts are keyed by agent name.
func main() {
	var (
		descriptorPath = flag.String("agents", "configs/agents.json", "agent descriptor file")
		migrationsDir  = flag.String("migrations", "migrations", "migrations directory")
		project        = flag.String("project", "Mission Control", "project to own the seeded agents")
	)
	flag.Parse()

	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL not set")
	}

	ctx := context.Background()

	store, err := pgstore.New(dsn, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx, *migrationsDir); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	if _, err := store.UpsertProject(ctx, *project, "Core worker agents for orchestration"); err != nil {
		logger.Fatal("project upsert failed", zap.Error(err))
	}

	set, err := registry.LoadDescriptors(*descriptorPath)
	if err != nil {
		logger.Fatal("descriptor file invalid", zap.Error(err))
	}

	reg := registry.New(logger)
	reg.SetPersister(store)
	if err := reg.Seed(ctx, set); err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}

	summarize(set.Agents)
}

// summarize prints the cost-tier breakdown of the seeded catalog.
func summarize(agents []*registry.Agent) {
	tiers := []struct {
		tag   string
		label string
	}{
		{"cheap", "Cheap"},
		{"moderate-cost", "Moderate"},
		{"expensive", "Expensive"},
	}

	var total float64
	for _, a := range agents {
		total += a.EstimatedCost
	}

	fmt.Printf("\nSeeded %d agents\n", len(agents))
	for _, tier := range tiers {
		var sum float64
		count := 0
		for _, a := range agents {
			if slices.Contains(a.Tags, tier.tag) {
				sum += a.EstimatedCost
				count++
			}
		}
		if count == 0 {
			continue
		}
		fmt.Printf("  %-9s %2d agents | avg $%.3f/run\n", tier.label, count, sum/float64(count))
	}
	fmt.Printf("  Total estimated cost for one pass of all agents: $%.2f\n", total)
}
