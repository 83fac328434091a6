package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/logging"
	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// errorStatus maps the shared error taxonomy onto HTTP
func errorStatus(err error) (int, models.ErrorResponse) {
	var denied *models.DeniedError
	switch {
	case errors.As(err, &denied):
		return http.StatusForbidden, models.ErrorResponse{Error: "Forbidden", Message: err.Error(), Code: string(denied.Reason)}
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden, models.ErrorResponse{Error: "Forbidden", Message: err.Error()}
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, models.ErrorResponse{Error: "Not found", Message: err.Error()}
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request", Message: err.Error(), Code: "validation_error"}
	case errors.Is(err, models.ErrTokenExpired):
		return http.StatusGone, models.ErrorResponse{Error: "Link expired", Message: "This decision link has expired. Ask the applicant to send a new request.", Code: "token_expired"}
	case errors.Is(err, models.ErrTokenAlreadyUsed):
		return http.StatusConflict, models.ErrorResponse{Error: "Link already used", Message: "A decision has already been recorded for this request.", Code: "token_already_used"}
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, models.ErrorResponse{Error: "Invalid transition", Message: err.Error(), Code: "invalid_transition"}
	case errors.Is(err, models.ErrNotEditable):
		return http.StatusConflict, models.ErrorResponse{Error: "Not editable", Message: err.Error(), Code: "not_editable"}
	case errors.Is(err, models.ErrExternalService):
		return http.StatusBadGateway, models.ErrorResponse{Error: "Upstream service unavailable", Message: err.Error(), Code: "external_service_error"}
	default:
		return http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error"}
	}
}

func respondError(c *gin.Context, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logging.Error("request failed", err, map[string]interface{}{"path": c.FullPath(), "status": status})
		_ = c.Error(err)
	}
	c.JSON(status, body)
}
