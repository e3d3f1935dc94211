package trace

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/gin-gonic/gin"
)

// Middleware opens a server span per request, continuing any trace the
// caller propagated. Span names follow "<METHOD> <route>" so guard checks
// and key verifications are distinguishable in the trace view.
func Middleware(serviceName string) gin.HandlerFunc {
	tracer := otel.Tracer(serviceNamespace + "/" + serviceName)
	prop := otel.GetTextMapPropagator()
	if prop == nil {
		prop = propagation.TraceContext{}
		otel.SetTextMapPropagator(prop)
	}

	return func(c *gin.Context) {
		ctx := prop.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+c.FullPath())
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
