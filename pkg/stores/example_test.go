package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Chaztikov/uncertainpy/pkg/engine"
	"github.com/Chaztikov/uncertainpy/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxIdleConns:    5,
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

// ExampleSQLiteStore_UpdateRunState records a run before it executes and marks it failed.
func ExampleSQLiteStore_UpdateRunState() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	run := &stores.Run{
		ID:     "run-001",
		Name:   "brunel",
		Method: "quadrature",
		State:  engine.StateConfigured,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	reason := "interrupted"
	if err := store.UpdateRunState(ctx, run.ID, engine.StateFailed, &reason); err != nil {
		log.Fatal(err)
	}

	retrieved, err := store.GetRun(ctx, "run-001")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Run %s: %s (%s)\n", retrieved.ID, retrieved.State, *retrieved.Error)
	// Output: Run run-001: failed (interrupted)
}
