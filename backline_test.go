package backline_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/savornet/backline"
)

func TestNewSQLiteStorage(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	ctx := context.Background()
	store, err := backline.NewSQLiteStorage(ctx, dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer store.Close()
}

func TestResolveThroughFacade(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := backline.NewSQLiteStorage(ctx, dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStorage failed: %v", err)
	}
	defer store.Close()

	resolver := backline.NewResolver(store)
	res, err := resolver.ResolveOrCreate(ctx, backline.ResolveInput{
		Source:     "pinzhi",
		ExternalID: "PZ-001",
		Name:       "五花肉",
	})
	if err != nil {
		t.Fatalf("ResolveOrCreate failed: %v", err)
	}
	if !res.Created {
		t.Error("first resolution should create a mapping")
	}
	if res.Mapping.ExternalIDs["pinzhi"] != "PZ-001" {
		t.Errorf("external id not recorded: %+v", res.Mapping.ExternalIDs)
	}
}
