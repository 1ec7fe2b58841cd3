package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Document status lifecycle. Transitions are forward-only; the single
// allowed reversal is ResetForReprocess, which returns a failed document
// to pending and bumps RetryCount.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
)

// ValidStatusTransition reports whether a document may move from one status
// to another on the normal (non-reset) path.
func ValidStatusTransition(from, to string) bool {
	switch from {
	case DocumentStatusPending:
		return to == DocumentStatusProcessing
	case DocumentStatusProcessing:
		return to == DocumentStatusCompleted || to == DocumentStatusFailed
	default:
		return false
	}
}

type Document struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID     uuid.UUID `gorm:"type:uuid;not null;index:idx_document_tenant_collection" json:"tenant_id"`
	CollectionID uuid.UUID `gorm:"type:uuid;not null;index:idx_document_tenant_collection" json:"collection_id"`

	Title       string `gorm:"column:title;not null" json:"title"`
	Filename    string `gorm:"column:filename;not null" json:"filename"`
	ContentType string `gorm:"column:content_type" json:"content_type,omitempty"`

	Status       string `gorm:"column:status;not null;default:'pending';index" json:"status"`
	DocumentType string `gorm:"column:document_type;index" json:"document_type,omitempty"`

	// DocumentVector is the document-level embedding used by the tier-1
	// pass of hierarchical search. NULL until ingestion computes it.
	DocumentVector Vector `gorm:"type:vector(1536)" json:"-"`
	Summary        string `gorm:"column:summary" json:"summary,omitempty"`

	RetryCount   int    `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ErrorMessage string `gorm:"column:error_message" json:"error_message,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Document) TableName() string { return "documents" }

type DocumentChunk struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID     uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	CollectionID uuid.UUID `gorm:"type:uuid;not null;index" json:"collection_id"`
	DocumentID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uniq_chunk_document_index" json:"document_id"`

	// ChunkIndex is dense 0..N-1 within a document; context expansion
	// relies on adjacency of consecutive indices.
	ChunkIndex int    `gorm:"column:chunk_index;not null;uniqueIndex:uniq_chunk_document_index" json:"chunk_index"`
	Content    string `gorm:"column:content;not null" json:"content"`

	// SearchContent is the normalized form of Content that the lexical
	// index matches against.
	SearchContent string `gorm:"column:search_content" json:"search_content,omitempty"`

	Vector        Vector         `gorm:"type:vector(1536)" json:"-"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`
	ChunkMetadata datatypes.JSON `gorm:"type:jsonb;column:chunk_metadata;not null;default:'{}'" json:"chunk_metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (DocumentChunk) TableName() string { return "document_chunks" }
