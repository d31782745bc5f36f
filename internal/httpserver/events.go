package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/rdpk/metering/internal/app"
	"github.com/rdpk/metering/internal/httpserver/httputil"
	"github.com/rdpk/metering/internal/ingest"
	"github.com/rdpk/metering/internal/resilience"
	"github.com/rdpk/metering/internal/store"
)

func registerEventRoutes(fiberApp *fiber.App, container *app.Container) {
	api := fiberApp.Group("/api/v1")

	api.Post("/events", func(c *fiber.Ctx) error {
		var req ingest.Request
		if err := c.BodyParser(&req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "malformed request body")
		}

		resp, err := container.Ingest.Process(c.UserContext(), req)
		if err != nil {
			return writeIngestError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(resp)
	})

	api.Get("/tenants/:tenantId/customers/:customerId/windows", func(c *fiber.Ctx) error {
		tenantID, err := strconv.ParseInt(c.Params("tenantId"), 10, 64)
		if err != nil || tenantID <= 0 {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid tenant id")
		}
		customerID, err := strconv.ParseInt(c.Params("customerId"), 10, 64)
		if err != nil || customerID <= 0 {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid customer id")
		}

		to := time.Now().UTC()
		from := to.Add(-time.Hour)
		if v := c.Query("from"); v != "" {
			if from, err = time.Parse(time.RFC3339, v); err != nil {
				return httputil.WriteError(c, fiber.StatusBadRequest, "invalid from timestamp")
			}
		}
		if v := c.Query("to"); v != "" {
			if to, err = time.Parse(time.RFC3339, v); err != nil {
				return httputil.WriteError(c, fiber.StatusBadRequest, "invalid to timestamp")
			}
		}

		windows, err := container.Store.WindowsInRange(c.UserContext(), tenantID, customerID, from, to)
		if err != nil {
			return writeIngestError(c, err)
		}

		items := make([]fiber.Map, 0, len(windows))
		for _, w := range windows {
			items = append(items, fiber.Map{
				"windowStart": w.WindowStart,
				"windowEnd":   w.WindowEnd,
				"result":      json.RawMessage(w.Data),
				"updatedAt":   w.UpdatedAt,
			})
		}
		return c.JSON(fiber.Map{
			"tenantId":   tenantID,
			"customerId": customerID,
			"windows":    items,
		})
	})
}

func writeIngestError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ingest.ErrInvalid):
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return httputil.WriteError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, resilience.ErrUnavailable), errors.Is(err, resilience.ErrTimeout):
		return httputil.WriteError(c, fiber.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		slog.Error("request failed", slog.String("error", err.Error()))
		return httputil.WriteError(c, fiber.StatusInternalServerError, "")
	}
}
