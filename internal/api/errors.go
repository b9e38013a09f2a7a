package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
)

var statusByCode = map[string]int{
	apperr.CodeNotFound:         http.StatusNotFound,
	apperr.CodeValidation:       http.StatusUnprocessableEntity,
	apperr.CodeInvalidRange:     http.StatusBadRequest,
	apperr.CodeInvalidArgument:  http.StatusBadRequest,
	apperr.CodeInsufficientData: http.StatusBadRequest,
	apperr.CodeConflict:         http.StatusConflict,
}

func statusFor(err error) int {
	if status, ok := statusByCode[apperr.CodeOf(err)]; ok {
		return status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	code := apperr.CodeOf(err)
	message := err.Error()
	if ae, ok := apperr.As(err); ok {
		message = ae.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("route", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDHeader)),
			zap.Error(err),
		)
		code = apperr.CodeInternal
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":      gin.H{"code": code, "message": message},
		"request_id": c.GetString(requestIDHeader),
	})
}

func badRequest(err error) error {
	return apperr.New(apperr.CodeInvalidArgument, "invalid request body", err)
}
