package middleware

import (
	stderrors "errors"
	"net/http"

	"partyline/internal/core/domain"
	"partyline/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware turns errors attached to the gin context into
// structured HTTP responses. Handlers that map errors themselves are
// unaffected; this is the net under everything else.
func ErrorHandlerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		appErr := errors.GetAppError(err)
		if appErr == nil {
			appErr = classifyDomainError(err)
		}
		if appErr != nil {
			logger.Error("request failed",
				zap.String("code", string(appErr.Code)),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method))

			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}

		logger.Error("unhandled error",
			zap.Error(err),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method))

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "internal server error",
		})
	}
}

// classifyDomainError maps domain sentinel errors to transport statuses so
// handlers can surface them without per-route translation.
func classifyDomainError(err error) *errors.AppError {
	switch {
	case stderrors.Is(err, domain.ErrInvalidGameCode):
		return errors.NewInvalidInputError(err.Error())
	case stderrors.Is(err, domain.ErrGameCodeNotFound),
		stderrors.Is(err, domain.ErrPeerNotConnected),
		stderrors.Is(err, domain.ErrNoSession):
		return errors.NewAppError(errors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case stderrors.Is(err, domain.ErrSessionActive),
		stderrors.Is(err, domain.ErrAlreadyJoining):
		return errors.NewConflictError(err.Error())
	case stderrors.Is(err, domain.ErrStoreUnavailable):
		return errors.NewServiceUnavailableError(err.Error())
	case stderrors.Is(err, domain.ErrNodeClosed):
		return errors.NewServiceUnavailableError(err.Error())
	}
	return nil
}

// RecoveryMiddleware recovers from handler panics and returns a structured
// 500 instead of tearing the connection down.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method))

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
