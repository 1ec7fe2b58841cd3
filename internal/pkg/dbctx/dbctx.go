// Package dbctx carries the per-call database scope repos operate under.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Scope pairs the caller's context with the transaction the call should
// join. A nil Tx means the repo runs on its own pooled handle.
type Scope struct {
	Ctx context.Context
	Tx  *gorm.DB
}
