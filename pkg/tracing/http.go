package tracing

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// GinMiddleware traces requests as serviceName. Requests whose path is one of untraced, such as
// health checks and the metrics scrape, get no span.
func GinMiddleware(serviceName string, untraced ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(untraced))
	for _, p := range untraced {
		skip[p] = struct{}{}
	}
	return otelgin.Middleware(serviceName, otelgin.WithFilter(func(r *http.Request) bool {
		_, quiet := skip[r.URL.Path]
		return !quiet
	}))
}
