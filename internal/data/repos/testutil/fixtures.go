package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/ragbridge-backend/internal/domain"
)

func SeedCollection(tb testing.TB, ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, name string) *types.Collection {
	tb.Helper()
	c := &types.Collection{
		ID:       uuid.New(),
		TenantID: tenantID,
		Name:     name,
	}
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		tb.Fatalf("seed collection: %v", err)
	}
	return c
}

func SeedDocument(tb testing.TB, ctx context.Context, tx *gorm.DB, tenantID, collectionID uuid.UUID, status string) *types.Document {
	tb.Helper()
	d := &types.Document{
		ID:           uuid.New(),
		TenantID:     tenantID,
		CollectionID: collectionID,
		Title:        "doc",
		Filename:     "doc.pdf",
		Status:       status,
	}
	if err := tx.WithContext(ctx).Create(d).Error; err != nil {
		tb.Fatalf("seed document: %v", err)
	}
	return d
}

func SeedChunk(tb testing.TB, ctx context.Context, tx *gorm.DB, doc *types.Document, index int, content string) *types.DocumentChunk {
	tb.Helper()
	c := &types.DocumentChunk{
		ID:            uuid.New(),
		TenantID:      doc.TenantID,
		CollectionID:  doc.CollectionID,
		DocumentID:    doc.ID,
		ChunkIndex:    index,
		Content:       content,
		SearchContent: content,
		Metadata:      datatypes.JSON([]byte("{}")),
		ChunkMetadata: datatypes.JSON([]byte("{}")),
	}
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		tb.Fatalf("seed chunk: %v", err)
	}
	return c
}

// SeedChunkRange seeds dense consecutive indices [0, n).
func SeedChunkRange(tb testing.TB, ctx context.Context, tx *gorm.DB, doc *types.Document, n int) []*types.DocumentChunk {
	tb.Helper()
	out := make([]*types.DocumentChunk, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, SeedChunk(tb, ctx, tx, doc, i, fmt.Sprintf("chunk %d", i)))
	}
	return out
}

func SeedSession(tb testing.TB, ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) *types.ChatSession {
	tb.Helper()
	s := &types.ChatSession{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Title:         "New Chat",
		LastMessageAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed session: %v", err)
	}
	return s
}

func SeedMessage(tb testing.TB, ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, role, content string) *types.ChatMessage {
	tb.Helper()
	m := &types.ChatMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  datatypes.JSON([]byte("{}")),
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		tb.Fatalf("seed message: %v", err)
	}
	return m
}
