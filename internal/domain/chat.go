package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type ChatSession struct {
	ID           uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	CollectionID *uuid.UUID `gorm:"type:uuid;column:collection_id;index" json:"collection_id,omitempty"`

	Title string `gorm:"column:title;not null;default:'New Chat'" json:"title"`

	CreatedAt     time.Time `gorm:"not null;default:now();index" json:"created_at"`
	LastMessageAt time.Time `gorm:"not null;default:now();index" json:"last_message_at"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

// ChatMessage rows are append-only; deleting a session cascades to them.
type ChatMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`

	Session *ChatSession `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`

	Role    string `gorm:"column:role;not null" json:"role"`
	Content string `gorm:"column:content;not null" json:"content"`

	// ChunkIDs records the chunk ids present in the final retrieval set
	// that grounded an assistant message.
	ChunkIDs datatypes.JSON `gorm:"type:jsonb;column:chunk_ids" json:"chunk_ids,omitempty"`
	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// Media item kinds surfaced from retrieved sources.
const (
	MediaTable  = "table"
	MediaFigure = "figure"
	MediaImage  = "image"
)

// MediaItem points at a table, figure, or image found in a source chunk.
type MediaItem struct {
	Type        string `json:"type"`
	DocumentID  string `json:"document_id"`
	Description string `json:"description"`
	Reference   string `json:"reference,omitempty"`
}

// FollowUpQuestion is a suggested next question with the model's estimate
// of how relevant it is to the conversation so far.
type FollowUpQuestion struct {
	Question  string  `json:"question"`
	Relevance float64 `json:"relevance"`
}

// TokenUsage reports the token accounting for one chat turn. Retrieval
// counts the tokens of the context block inside the prompt.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
	Retrieval  int `json:"retrieval"`
}
