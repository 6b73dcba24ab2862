package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/draftwell/propgen-backend/internal/http/response"
)

const orgContextKey = "owner_org_id"

// RequireOrg resolves the calling org from the X-Org-ID header. The API
// sits behind the platform gateway which authenticates the caller and
// injects this header; requests without it are rejected.
func RequireOrg() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("X-Org-ID"))
		if raw == "" {
			response.RespondError(c, http.StatusUnauthorized, "missing_org", fmt.Errorf("missing X-Org-ID header"))
			c.Abort()
			return
		}
		orgID, err := uuid.Parse(raw)
		if err != nil || orgID == uuid.Nil {
			response.RespondError(c, http.StatusUnauthorized, "invalid_org", fmt.Errorf("invalid X-Org-ID header"))
			c.Abort()
			return
		}
		c.Set(orgContextKey, orgID)
		c.Next()
	}
}

// OrgID reads the org resolved by RequireOrg.
func OrgID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(orgContextKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
