package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/ragbridge-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Collections + documents
		// =========================
		&types.Collection{},
		&types.Document{},
		&types.DocumentChunk{},

		// =========================
		// Chat
		// =========================
		&types.ChatSession{},
		&types.ChatMessage{},
	)
}

// EnsureSearchIndexes creates the indexes AutoMigrate cannot express:
// the lexical expression index and the ANN indexes over vectors.
func EnsureSearchIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_document_chunks_fts
		ON document_chunks USING GIN (to_tsvector('english', search_content));
	`).Error; err != nil {
		return fmt.Errorf("create idx_document_chunks_fts: %w", err)
	}

	// HNSW needs pgvector >= 0.5. Search still works as an exact scan
	// without these, so callers may treat a failure as non-fatal.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_document_chunks_vector_hnsw
		ON document_chunks USING hnsw (vector vector_cosine_ops);
	`).Error; err != nil {
		return fmt.Errorf("create idx_document_chunks_vector_hnsw: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_documents_vector_hnsw
		ON documents USING hnsw (document_vector vector_cosine_ops);
	`).Error; err != nil {
		return fmt.Errorf("create idx_documents_vector_hnsw: %w", err)
	}

	return nil
}
