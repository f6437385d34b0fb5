package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"waconnector/internal/constants"
	"waconnector/internal/logger"
	apperrors "waconnector/pkg/errors"
	"waconnector/pkg/logging"
)

// LoggerMiddleware logs one line per request. Health and scrape endpoints are logged at debug level.
func LoggerMiddleware(log logger.Logger, quietPaths ...string) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		statusCode := c.Writer.Status()
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()
		if raw != "" {
			path = path + "?" + raw
		}

		fields := []interface{}{
			"status", statusCode,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if errorMessage != "" {
			fields = append(fields, "error", errorMessage)
		}

		ctx := c.Request.Context()
		switch {
		case statusCode >= http.StatusInternalServerError:
			log.ErrorwCtx(ctx, "HTTP Request", fields...)
		case statusCode >= http.StatusBadRequest:
			log.WarnwCtx(ctx, "HTTP Request", fields...)
		default:
			if _, ok := quiet[c.FullPath()]; ok {
				log.DebugwCtx(ctx, "HTTP Request", fields...)
				return
			}
			log.InfowCtx(ctx, "HTTP Request", fields...)
		}
	}
}

func RecoveryMiddleware(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.ErrorwCtx(c.Request.Context(), "Panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, apperrors.ToErrorResponse(apperrors.ErrInternal))
	})
}

// RequestIDMiddleware propagates X-Request-ID, generating one when absent, and uses it as the
// trace id of log lines written for the request.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(constants.HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(constants.ContextRequestID, requestID)
		c.Header(constants.HeaderRequestID, requestID)
		if logging.GetTraceID(c.Request.Context()) == "" {
			c.Request = c.Request.WithContext(logging.WithTraceID(c.Request.Context(), requestID))
		}
		c.Next()
	}
}
