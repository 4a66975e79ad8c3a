//go:build integration

package payout

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	ctx := context.Background()

	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("payout_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dbURL, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to build connection string: %v", err)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate payout schema: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		_ = pg.Terminate(ctx)
	}
	return store, cleanup
}

func TestPostgresStore_ParentRoundTrip(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	parent := &PayoutParent{
		ID:              "pay_it_1",
		ExternalID:      "idem-it-1",
		Origin:          "m1",
		SellerRef:       "s1",
		Currency:        "XOF",
		RequestedAmount: "100000.000000",
		Priority:        PriorityNormal,
		ReferenceCode:   "SPO-1-ABCDEF01",
		Status:          StatusCreated,
		CreatedAt:       time.Now().UTC(),
	}
	slices := []PayoutSlice{
		{ID: "sl_it_1", ParentID: parent.ID, TreasuryAccountID: "t1", Amount: "50000.000000", Order: 1},
		{ID: "sl_it_2", ParentID: parent.ID, TreasuryAccountID: "t2", Amount: "50000.000000", Order: 2},
	}
	if err := store.CreateParentWithSlices(ctx, parent, slices); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	got, gotSlices, err := store.FindByExternalID(ctx, "idem-it-1")
	if err != nil {
		t.Fatalf("find by external id: %v", err)
	}
	if got == nil || got.ID != parent.ID {
		t.Fatalf("expected parent %s, got %+v", parent.ID, got)
	}
	if len(gotSlices) != 2 || gotSlices[0].Order != 1 || gotSlices[1].Order != 2 {
		t.Fatalf("expected 2 ordered slices, got %+v", gotSlices)
	}
}

func TestPostgresStore_DuplicateExternalIDRejected(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	first := &PayoutParent{
		ID: "pay_it_2", ExternalID: "idem-it-dup", Origin: "m1", SellerRef: "s1",
		Currency: "XOF", RequestedAmount: "500.000000", Priority: PriorityNormal,
		ReferenceCode: "SPO-2-ABCDEF02", Status: StatusCreated, CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateParentWithSlices(ctx, first, nil); err != nil {
		t.Fatalf("create first parent: %v", err)
	}

	dup := &PayoutParent{
		ID: "pay_it_3", ExternalID: "idem-it-dup", Origin: "m1", SellerRef: "s1",
		Currency: "XOF", RequestedAmount: "500.000000", Priority: PriorityNormal,
		ReferenceCode: "SPO-3-ABCDEF03", Status: StatusCreated, CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateParentWithSlices(ctx, dup, nil); err == nil {
		t.Fatal("expected unique-constraint violation for duplicate external_id, got nil")
	}
}

func TestPostgresStore_PendingSlicesFIFO(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i, idem := range []string{"idem-fifo-1", "idem-fifo-2"} {
		parent := &PayoutParent{
			ID: "pay_fifo_" + idem, ExternalID: idem, Origin: "m1", SellerRef: "s1",
			Currency: "XOF", RequestedAmount: "100.000000", Priority: PriorityNormal,
			ReferenceCode: "SPO-9-ABCDEF1" + string(rune('0'+i)), Status: StatusCreated,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		slices := []PayoutSlice{{
			ID: "sl_fifo_" + idem, ParentID: parent.ID, TreasuryAccountID: "t1",
			Amount: "100.000000", Order: 1,
		}}
		if err := store.CreateParentWithSlices(ctx, parent, slices); err != nil {
			t.Fatalf("create parent %s: %v", idem, err)
		}
	}

	pending, err := store.ListPendingSlices(ctx, 10)
	if err != nil {
		t.Fatalf("list pending slices: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending slices, got %d", len(pending))
	}
	if pending[0].ID != "sl_fifo_idem-fifo-1" {
		t.Fatalf("expected oldest parent's slice first, got %s", pending[0].ID)
	}
}
