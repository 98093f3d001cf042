package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordExperiment demonstrates persisting a run report
// and reading it back.
func ExampleSQLiteStore_RecordExperiment() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	report := &engine.Report{
		ExperimentID: "exp-001",
		Name:         "ping",
		Status:       engine.ExperimentStatusPartial,
		StartedAt:    time.Now().Add(-3 * time.Second),
		CompletedAt:  time.Now(),
		Duration:     3 * time.Second,
		Summary:      engine.ReportSummary{Total: 3, Ready: 2, Failed: 1},
	}
	if err := store.RecordExperiment(ctx, report); err != nil {
		log.Fatal(err)
	}

	exp, err := store.GetExperiment(ctx, "exp-001")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s: %s, %d/%d ready in %s\n", exp.Name, exp.Status, exp.Ready, exp.Total, exp.Duration)
	// Output: ping: partial, 2/3 ready in 3s
}
