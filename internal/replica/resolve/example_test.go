package resolve_test

import (
	"fmt"
	"time"

	"github.com/mechcat/partsync/internal/replica/ledger"
	"github.com/mechcat/partsync/internal/replica/resolve"
)

// Assembly/42 was edited on both sides; the remote edit is later and wins.
// Product/7 was created locally only and flows to the remote.
func ExampleReconcile() {
	t0 := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)

	local := []ledger.Entry{
		{ID: 1, EntityName: "Assembly", EntityID: "42", Operation: ledger.OpUpdate, Timestamp: t0,
			Payload: []byte(`{"id":42,"version":"A"}`)},
		{ID: 2, EntityName: "Product", EntityID: "7", Operation: ledger.OpCreate, Timestamp: t0.Add(time.Minute),
			Payload: []byte(`{"id":7,"version":"P"}`)},
	}
	remote := []ledger.Entry{
		{ID: 1, EntityName: "Assembly", EntityID: "42", Operation: ledger.OpUpdate, Timestamp: t0.Add(5 * time.Minute),
			Payload: []byte(`{"id":42,"version":"B"}`)},
	}

	plan := resolve.Reconcile(local, remote)
	for _, e := range plan.ToRemote {
		fmt.Println("to remote:", e.Key())
	}
	for _, e := range plan.ToLocal {
		fmt.Println("to local:", e.Key())
	}
	for _, d := range plan.Discarded {
		fmt.Printf("discarded %s from %s (%s)\n", d.Key, d.Loser, d.Resolution())
	}

	// Output:
	// to remote: Product/7
	// to local: Assembly/42
	// discarded Assembly/42 from local (remote_wins)
}
