package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// RespondError maps the error's kind onto an HTTP status and writes the
// envelope. Plain errors surface as internal.
func RespondError(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(apierr.HTTPStatus(kind), ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    apierr.CodeOf(err),
			Kind:    string(kind),
		},
	})
}

// RespondErrorStatus writes an explicit status, for call sites that classify
// before an apierr kind exists (binding failures, auth).
func RespondErrorStatus(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
