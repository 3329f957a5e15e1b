package exchange

import (
	"context"
	"sync"
	"testing"
)

func int64Ptr(v int64) *int64 { return &v }

func strPtr(s string) *string { return &s }

func TestCreateGeneratesFallbackID(t *testing.T) {
	repo := NewInMemoryRepo()
	txn := &Transaction{Kind: KindFetch, CounterpartyID: "org-2"}
	if err := repo.Create(context.Background(), txn); err != nil {
		t.Fatal(err)
	}
	if txn.ID == "" {
		t.Fatal("expected generated id")
	}
	if !txn.FallbackID {
		t.Error("generated id should be flagged as fallback")
	}
	if txn.Status != StatusPending {
		t.Errorf("expected pending, got %s", txn.Status)
	}
}

func TestUpsertReturnsExistingRow(t *testing.T) {
	repo := NewInMemoryRepo()
	ctx := context.Background()

	first, created, err := repo.Upsert(ctx, "txn-1", KindReceivePush, Defaults{CounterpartyID: "org-2"})
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first upsert should create")
	}

	second, created, err := repo.Upsert(ctx, "txn-1", KindReceivePush, Defaults{CounterpartyID: "org-3"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second upsert should not create")
	}
	if second.CounterpartyID != first.CounterpartyID {
		t.Error("second upsert must not overwrite the existing row")
	}

	all, _ := repo.List(ctx, ListFilter{})
	if len(all) != 1 {
		t.Errorf("expected one row, got %d", len(all))
	}
}

func TestTerminalTransitionsAreOneWay(t *testing.T) {
	repo := NewInMemoryRepo()
	ctx := context.Background()
	repo.Upsert(ctx, "txn-1", KindFetch, Defaults{})

	if err := repo.MarkCompleted(ctx, "txn-1", int64Ptr(7)); err != nil {
		t.Fatal(err)
	}
	// Both late transitions must be silent no-ops.
	if err := repo.MarkFailed(ctx, "txn-1", "late failure"); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkCompleted(ctx, "txn-1", int64Ptr(99)); err != nil {
		t.Fatal(err)
	}

	txn, _ := repo.GetByID(ctx, "txn-1")
	if txn.Status != StatusCompleted {
		t.Errorf("terminal status regressed to %s", txn.Status)
	}
	if txn.SubjectPatientID == nil || *txn.SubjectPatientID != 7 {
		t.Error("subject patient id must never change after being set")
	}
	if txn.ErrorDetail != nil {
		t.Error("error detail set on a completed row")
	}
}

func TestMarkOnMissingRow(t *testing.T) {
	repo := NewInMemoryRepo()
	if err := repo.MarkCompleted(context.Background(), "nope", nil); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAdoptIDRewritesPlaceholder(t *testing.T) {
	repo := NewInMemoryRepo()
	ctx := context.Background()
	key := "key-1"
	repo.Create(ctx, &Transaction{Kind: KindFetch, IdempotencyKey: &key})

	txn, err := repo.AdoptID(ctx, key, "txn-real")
	if err != nil {
		t.Fatal(err)
	}
	if txn.ID != "txn-real" || txn.FallbackID {
		t.Errorf("placeholder not rewritten: %+v", txn)
	}

	if _, err := repo.GetByID(ctx, "txn-real"); err != nil {
		t.Error("row not reachable under real id")
	}
	all, _ := repo.List(ctx, ListFilter{})
	if len(all) != 1 {
		t.Errorf("adopt must not duplicate the row, got %d rows", len(all))
	}

	// Adopting again is harmless.
	again, err := repo.AdoptID(ctx, key, "txn-real")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != "txn-real" {
		t.Error("repeat adopt changed the id")
	}
}

func TestConcurrentUpsertSingleRow(t *testing.T) {
	repo := NewInMemoryRepo()
	ctx := context.Background()

	var wg sync.WaitGroup
	createdCount := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := repo.Upsert(ctx, "txn-race", KindReceivePush, Defaults{})
			if err == nil {
				createdCount <- created
			}
		}()
	}
	wg.Wait()
	close(createdCount)

	creations := 0
	for c := range createdCount {
		if c {
			creations++
		}
	}
	if creations != 1 {
		t.Errorf("expected exactly one creation, got %d", creations)
	}
}

func TestListFilters(t *testing.T) {
	repo := NewInMemoryRepo()
	ctx := context.Background()
	repo.Upsert(ctx, "a", KindFetch, Defaults{})
	repo.Upsert(ctx, "b", KindReceivePush, Defaults{})
	repo.MarkCompleted(ctx, "b", int64Ptr(5))
	repo.Upsert(ctx, "c", KindReceivePush, Defaults{})
	repo.MarkFailed(ctx, "c", "boom")

	byKind, _ := repo.List(ctx, ListFilter{Kind: KindReceivePush})
	if len(byKind) != 2 {
		t.Errorf("kind filter: expected 2, got %d", len(byKind))
	}
	byStatus, _ := repo.List(ctx, ListFilter{Status: StatusFailed})
	if len(byStatus) != 1 || byStatus[0].ID != "c" {
		t.Errorf("status filter: unexpected %+v", byStatus)
	}
	byPatient, _ := repo.List(ctx, ListFilter{PatientID: int64Ptr(5)})
	if len(byPatient) != 1 || byPatient[0].ID != "b" {
		t.Errorf("patient filter: unexpected %+v", byPatient)
	}
}
