package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/storage"
)

type failingStore struct {
	*storage.MemoryStore
}

func (f failingStore) Set(context.Context, string, []byte) error {
	return errors.New("quota exceeded")
}

func doc(id string) models.ProductDoc {
	if id == "" {
		return models.ProductDoc{"janCode": "4549292075748"}
	}
	return models.ProductDoc{"genpinId": id}
}

func TestMarkAllFiltersAndPersists(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStore()

	store, err := Load(ctx, backend, 100)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	fresh := store.MarkAll(ctx, []models.ProductDoc{doc("a"), doc("b"), doc("a"), doc("")})
	if len(fresh) != 3 {
		t.Fatalf("fresh = %d, want 3 (duplicate inside batch dropped)", len(fresh))
	}
	if !store.Has("a") || !store.Has("b") {
		t.Fatalf("identities should be marked")
	}

	again := store.MarkAll(ctx, []models.ProductDoc{doc("a"), doc("c"), doc("")})
	if len(again) != 2 {
		t.Fatalf("second batch = %d, want 2 (c and the identity-less doc)", len(again))
	}

	var persisted []string
	if err := storage.LoadJSON(ctx, backend, storage.KeyForwarded, &persisted); err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if len(persisted) != 3 {
		t.Fatalf("persisted = %v, want 3 ids", persisted)
	}

	reloaded, err := Load(ctx, backend, 100)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Has("c") {
		t.Fatalf("state should survive a reload")
	}
}

func TestFilterDoesNotMark(t *testing.T) {
	ctx := context.Background()
	store, _ := Load(ctx, storage.NewMemoryStore(), 10)

	if got := store.Filter([]models.ProductDoc{doc("x")}); len(got) != 1 {
		t.Fatalf("filter = %d, want 1", len(got))
	}
	if store.Has("x") {
		t.Fatalf("filter must not mark identities")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store, _ := Load(ctx, storage.NewMemoryStore(), 2)

	store.MarkAll(ctx, []models.ProductDoc{doc("1")})
	store.MarkAll(ctx, []models.ProductDoc{doc("2")})
	store.MarkAll(ctx, []models.ProductDoc{doc("3")})

	if store.Has("1") {
		t.Fatalf("oldest identity should be evicted beyond capacity")
	}
	if !store.Has("2") || !store.Has("3") || store.Len() != 2 {
		t.Fatalf("newest identities should remain")
	}
}

func TestCorruptStateStartsEmpty(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStore()
	backend.Set(ctx, storage.KeyForwarded, []byte(`{"not":"an array"}`))

	store, err := Load(ctx, backend, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("corrupt state should load empty")
	}
}

func TestPersistFailureKeepsClaim(t *testing.T) {
	ctx := context.Background()
	store, _ := Load(ctx, failingStore{storage.NewMemoryStore()}, 10)

	if got := store.MarkAll(ctx, []models.ProductDoc{doc("z")}); len(got) != 1 {
		t.Fatalf("claim = %d, want 1", len(got))
	}
	if got := store.MarkAll(ctx, []models.ProductDoc{doc("z")}); len(got) != 0 {
		t.Fatalf("identity must stay claimed after a failed persist")
	}
}

func TestConcurrentMarkAllClaimsOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := Load(ctx, storage.NewMemoryStore(), 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := store.MarkAll(ctx, []models.ProductDoc{doc("shared")})
			mu.Lock()
			claimed += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("claimed = %d, want exactly 1", claimed)
	}
}
