package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
	"github.com/MarcoPoloResearchLab/formdesk/internal/sales"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type integrityErrorPayload struct {
	Error                  string   `json:"error"`
	Detail                 string   `json:"detail"`
	Stage                  string   `json:"stage"`
	RemainingFileIDs       []string `json:"remainingFileIds,omitempty"`
	RemainingSubmissionIDs []string `json:"remainingSubmissionIds,omitempty"`
}

// writeError maps service errors onto HTTP responses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var validationErr *forms.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": validationErr.Fields})
		return
	}
	var integrityErr *forms.IntegrityError
	if errors.As(err, &integrityErr) {
		c.JSON(http.StatusInternalServerError, integrityErrorPayload{
			Error:                  "integrity_error",
			Detail:                 integrityErr.Detail,
			Stage:                  string(integrityErr.Stage),
			RemainingFileIDs:       integrityErr.RemainingFileIDs,
			RemainingSubmissionIDs: integrityErr.RemainingSubmissionIDs,
		})
		return
	}

	switch {
	case errors.Is(err, forms.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, forms.ErrForbidden), errors.Is(err, sales.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, forms.ErrNotFound), errors.Is(err, sales.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, forms.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, sales.ErrNotSellable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_sellable"})
	default:
		response := gin.H{"error": "internal_error"}
		var serviceErr *forms.ServiceError
		if errors.As(err, &serviceErr) {
			response["code"] = serviceErr.Code()
		}
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, response)
	}
}

func badRequest(c *gin.Context, reason string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": reason})
}
