package domain

import (
	"time"

	"github.com/google/uuid"
)

type Collection struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uniq_collection_tenant_name;index" json:"tenant_id"`

	Name        string `gorm:"column:name;not null;uniqueIndex:uniq_collection_tenant_name" json:"name"`
	Description string `gorm:"column:description" json:"description,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Collection) TableName() string { return "collections" }
