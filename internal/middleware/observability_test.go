package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/judgedispatch/internal/observability"
)

func TestObservabilityCountsDispatchRequests(t *testing.T) {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Use(Observability(zerolog.Nop()))
	app.Get("/api/v4/queue", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	app.Get("/api/v4/judgings/:id", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})
	app.Get("/api/v1/health", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	before := testutil.ToFloat64(observability.APIRequests().WithLabelValues(http.MethodGet, "/api/v4/queue", "200"))
	errorsBefore := testutil.ToFloat64(observability.APIErrors().WithLabelValues(http.MethodGet, "/api/v4/judgings/:id", "404"))

	for _, path := range []string{"/api/v4/queue", "/api/v4/judgings/12", "/api/v1/health"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		require.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
	}

	require.Equal(t, before+1, testutil.ToFloat64(observability.APIRequests().WithLabelValues(http.MethodGet, "/api/v4/queue", "200")))
	require.Equal(t, errorsBefore+1, testutil.ToFloat64(observability.APIErrors().WithLabelValues(http.MethodGet, "/api/v4/judgings/:id", "404")))
}
