package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type requestDataKey struct{}

// RequestData is the authenticated identity attached by the auth middleware.
// Every tenant-scoped operation reads the tenant from here, never from the
// request payload.
type RequestData struct {
	TenantID uuid.UUID
	Scopes   []string
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	val := ctx.Value(requestDataKey{})
	if rd, ok := val.(*RequestData); ok {
		return rd
	}
	return nil
}

func (rd *RequestData) HasScope(scope string) bool {
	if rd == nil {
		return false
	}
	for _, s := range rd.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
