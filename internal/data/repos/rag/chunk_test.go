package rag

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/data/repos/testutil"
	types "github.com/yungbote/ragbridge-backend/internal/domain"
	"github.com/yungbote/ragbridge-backend/internal/pkg/dbctx"
)

func TestChunkGetWindow(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Scope{Ctx: ctx, Tx: tx}

	tenant := uuid.New()
	col := testutil.SeedCollection(t, ctx, tx, tenant, "windows")
	doc := testutil.SeedDocument(t, ctx, tx, tenant, col.ID, types.DocumentStatusCompleted)
	testutil.SeedChunkRange(t, ctx, tx, doc, 10)

	repo := NewChunkRepo(db, testutil.Logger(t))

	got, err := repo.GetWindow(dbc, tenant, doc.ID, 4, 7)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for i, c := range got {
		if c.ChunkIndex != 4+i {
			t.Fatalf("chunk %d index = %d, want %d", i, c.ChunkIndex, 4+i)
		}
	}

	// Negative start clamps to zero instead of erroring.
	got, err = repo.GetWindow(dbc, tenant, doc.ID, -1, 2)
	if err != nil {
		t.Fatalf("get clamped window: %v", err)
	}
	if len(got) != 3 || got[0].ChunkIndex != 0 {
		t.Fatalf("clamped window = %d chunks starting at %d", len(got), got[0].ChunkIndex)
	}
}

func TestChunkTenantScoping(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.Scope{Ctx: ctx, Tx: tx}

	tenantA := uuid.New()
	tenantB := uuid.New()
	colA := testutil.SeedCollection(t, ctx, tx, tenantA, "a")
	colB := testutil.SeedCollection(t, ctx, tx, tenantB, "b")
	docA := testutil.SeedDocument(t, ctx, tx, tenantA, colA.ID, types.DocumentStatusCompleted)
	docB := testutil.SeedDocument(t, ctx, tx, tenantB, colB.ID, types.DocumentStatusCompleted)
	chunkA := testutil.SeedChunk(t, ctx, tx, docA, 0, "tenant a chunk")
	chunkB := testutil.SeedChunk(t, ctx, tx, docB, 0, "tenant b chunk")

	repo := NewChunkRepo(db, testutil.Logger(t))

	got, err := repo.GetByIDs(dbc, tenantA, []uuid.UUID{chunkA.ID, chunkB.ID})
	if err != nil {
		t.Fatalf("get by ids: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ID != chunkA.ID {
		t.Fatalf("got chunk %s, want %s", got[0].ID, chunkA.ID)
	}

	n, err := repo.DeleteByTenant(dbc, tenantB)
	if err != nil {
		t.Fatalf("delete by tenant: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}
}
