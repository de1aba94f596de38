// Package storagetest holds behaviour checks shared by every workspace.Catalog
// implementation.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/buildbox/internal/workspace"
)

// RunCatalogTests exercises a Catalog. newCatalog must return an empty catalog
// for each call.
func RunCatalogTests(t *testing.T, newCatalog func(t *testing.T) workspace.Catalog) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := func(id string, offset time.Duration) workspace.Record {
		return workspace.Record{
			Sandbox: workspace.Sandbox{
				ID:        id,
				Name:      "sandbox " + id,
				Status:    workspace.StatusCreated,
				Provider:  "fake",
				CreatedAt: base.Add(offset),
				UpdatedAt: base.Add(offset),
			},
			CreatedBy: "alice",
		}
	}

	t.Run("UpsertAndGet", func(t *testing.T) {
		c := newCatalog(t)
		ctx := context.Background()

		if err := c.Upsert(ctx, rec("a", 0)); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		got, err := c.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Name != "sandbox a" || got.CreatedBy != "alice" || got.Deleted {
			t.Errorf("Get = %+v", got)
		}
	})

	t.Run("UpsertKeepsCreator", func(t *testing.T) {
		c := newCatalog(t)
		ctx := context.Background()

		if err := c.Upsert(ctx, rec("a", 0)); err != nil {
			t.Fatal(err)
		}
		update := rec("a", 0)
		update.CreatedBy = "mallory"
		update.Status = workspace.StatusRunning
		update.Ports = []int{3000}
		if err := c.Upsert(ctx, update); err != nil {
			t.Fatal(err)
		}

		got, err := c.Get(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		if got.CreatedBy != "alice" {
			t.Errorf("CreatedBy = %q, want alice", got.CreatedBy)
		}
		if got.Status != workspace.StatusRunning {
			t.Errorf("Status = %q, want running", got.Status)
		}
		if len(got.Ports) != 1 || got.Ports[0] != 3000 {
			t.Errorf("Ports = %v, want [3000]", got.Ports)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		c := newCatalog(t)
		if _, err := c.Get(context.Background(), "missing"); !errors.Is(err, workspace.ErrNotFound) {
			t.Errorf("Get error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListOrderedByCreation", func(t *testing.T) {
		c := newCatalog(t)
		ctx := context.Background()

		for _, r := range []workspace.Record{rec("late", 2*time.Hour), rec("early", 0), rec("mid", time.Hour)} {
			if err := c.Upsert(ctx, r); err != nil {
				t.Fatal(err)
			}
		}
		list, err := c.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"early", "mid", "late"}
		if len(list) != len(want) {
			t.Fatalf("List = %d records, want %d", len(list), len(want))
		}
		for i, id := range want {
			if list[i].ID != id {
				t.Errorf("list[%d] = %q, want %q", i, list[i].ID, id)
			}
		}
	})

	t.Run("SoftDelete", func(t *testing.T) {
		c := newCatalog(t)
		ctx := context.Background()

		for _, id := range []string{"keep", "drop"} {
			if err := c.Upsert(ctx, rec(id, 0)); err != nil {
				t.Fatal(err)
			}
		}
		if err := c.MarkDeleted(ctx, "drop"); err != nil {
			t.Fatalf("MarkDeleted: %v", err)
		}
		if err := c.MarkDeleted(ctx, "drop"); err != nil {
			t.Errorf("second MarkDeleted = %v, want nil", err)
		}

		list, err := c.List(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 || list[0].ID != "keep" {
			t.Errorf("List = %+v, want only keep", list)
		}

		got, err := c.Get(ctx, "drop")
		if err != nil {
			t.Fatalf("Get deleted: %v", err)
		}
		if !got.Deleted {
			t.Error("Get deleted: Deleted = false")
		}

		// A refresh from the provider does not resurrect the record.
		if err := c.Upsert(ctx, rec("drop", 0)); err != nil {
			t.Fatal(err)
		}
		ids, err := c.DeletedIDs(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 1 || !ids["drop"] {
			t.Errorf("DeletedIDs = %v, want {drop}", ids)
		}
	})

	t.Run("MarkDeletedMissing", func(t *testing.T) {
		c := newCatalog(t)
		if err := c.MarkDeleted(context.Background(), "missing"); !errors.Is(err, workspace.ErrNotFound) {
			t.Errorf("MarkDeleted error = %v, want ErrNotFound", err)
		}
	})
}
