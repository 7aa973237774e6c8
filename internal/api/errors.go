package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sleepstars/localbrain/internal/models"
)

const (
	typeInvalidRequest       = "invalid_request_error"
	typeInferenceUnavailable = "inference_unavailable_error"
	typeInferenceTimeout     = "inference_timeout_error"
	typeRateLimit            = "rate_limit_error"
	typeInternal             = "internal_error"
)

func errorResponse(message, typ string) models.ErrorResponse {
	return models.ErrorResponse{Error: models.ErrorBody{Message: message, Type: typ}}
}

// statusFor maps an error kind onto the HTTP status and error type.
func statusFor(err error) (int, string) {
	switch models.KindOf(err) {
	case models.KindInvalidRequest:
		return http.StatusBadRequest, typeInvalidRequest
	case models.KindInferenceUnavailable:
		return http.StatusBadGateway, typeInferenceUnavailable
	case models.KindInferenceTimeout:
		return http.StatusGatewayTimeout, typeInferenceTimeout
	}
	return http.StatusInternalServerError, typeInternal
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, typ := statusFor(err)
	message := err.Error()
	if typ == typeInternal {
		s.logger.WithError(err).Error("Unclassified error for %s", c.Request.URL.Path)
		message = "internal server error"
	}
	c.JSON(status, errorResponse(message, typ))
}
