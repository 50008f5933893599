package guard_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/HighNoonStudio/lib-guard/guard"
	"github.com/HighNoonStudio/lib-guard/guard/idempotency"
	"github.com/HighNoonStudio/lib-guard/guard/ledger"
	"github.com/HighNoonStudio/lib-guard/guard/lock"
)

// ExampleGuard_Execute walks a gold spend through the guard: the first
// submission commits, the retry replays the stored receipt, and an
// overdraft is rejected without touching the balance.
func ExampleGuard_Execute() {
	ctx := context.Background()
	store := ledger.NewMemoryStore()

	g, err := guard.New(store, lock.NewMemoryCoordinator(), idempotency.NewMemoryCache(),
		guard.WithJournal(store))
	if err != nil {
		panic(err)
	}

	if _, err := store.Initialize(ctx, "gold:char123", 100); err != nil {
		panic(err)
	}

	spend := guard.Operation{
		OperationID: "buy-revolver-0001",
		ResourceID:  "gold:char123",
		Delta:       -60,
		Rules:       []guard.Rule{guard.NonNegative()},
	}

	receipt, err := g.Execute(ctx, spend)
	if err != nil {
		panic(err)
	}

	fmt.Printf("committed: %d -> %d\n", receipt.Previous, receipt.Value)

	// A network retry resubmits the same operation id.
	replay, err := g.Execute(ctx, spend)
	if err != nil {
		panic(err)
	}

	fmt.Printf("replayed: %d (replay=%t)\n", replay.Value, replay.Replayed)

	// Spending more than the balance is refused, never clamped.
	_, err = g.Execute(ctx, guard.Operation{
		OperationID: "buy-rifle-0002",
		ResourceID:  "gold:char123",
		Delta:       -90,
		Rules:       []guard.Rule{guard.NonNegative()},
	})
	fmt.Printf("overdraft rejected: %t\n", errors.Is(err, guard.ErrRejected))

	// Output:
	// committed: 100 -> 40
	// replayed: 40 (replay=true)
	// overdraft rejected: true
}
