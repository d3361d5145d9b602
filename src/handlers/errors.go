package handlers

import (
	"errors"
	"net/http"

	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security"
	"github.com/username/cryptotaxreports/src/utils"
)

// Codes for failures outside the generation taxonomy.
const (
	codeNotFound     models.ErrorCode = "NOT_FOUND"
	codeConflict     models.ErrorCode = "CONFLICT"
	codeNotReady     models.ErrorCode = "NOT_READY"
	codeInvalidToken models.ErrorCode = "INVALID_TOKEN"
)

// sendServiceError maps err onto a JSON error response. Validation detail is
// returned to the client; anything unexpected is logged and hidden.
func sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		utils.SendJSONError(w, "report request not found", codeNotFound, http.StatusNotFound)
	case errors.Is(err, models.ErrConflict):
		utils.SendJSONError(w, "report generation is already in progress", codeConflict, http.StatusConflict)
	case errors.Is(err, models.ErrInvalidTransition):
		utils.SendJSONError(w, "the report cannot change in its current status", codeConflict, http.StatusConflict)
	case errors.Is(err, models.ErrNotReady):
		utils.SendJSONError(w, "the report has not completed", codeNotReady, http.StatusConflict)
	case errors.Is(err, security.ErrInvalidDownloadToken):
		utils.SendJSONError(w, "invalid or expired download token", codeInvalidToken, http.StatusUnauthorized)
	case errors.Is(err, models.ErrValidation):
		utils.SendJSONError(w, err.Error(), models.CodeValidation, http.StatusBadRequest)
	default:
		code := models.CodeOf(err)
		logger.L.Error("Request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
		utils.SendJSONError(w, models.PublicMessage(code), code, code.HTTPStatus())
	}
}
