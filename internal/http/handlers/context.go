package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/ragbridge-backend/internal/pkg/ctxutil"
)

// tenantFrom reads the authenticated tenant the auth middleware attached.
// uuid.Nil means the route was wired without RequireAuth.
func tenantFrom(c *gin.Context) uuid.UUID {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		return uuid.Nil
	}
	return rd.TenantID
}
