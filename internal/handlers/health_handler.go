package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/database"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/delivery"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
)

type HealthHandler struct {
	db         *gorm.DB
	deliveries *delivery.Cache
	catalog    *catalog.Catalog
}

func NewHealthHandler(db *gorm.DB, deliveries *delivery.Cache, c *catalog.Catalog) *HealthHandler {
	return &HealthHandler{db: db, deliveries: deliveries, catalog: c}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	status := "ok"
	dbStatus := "ok"
	if err := database.Ping(h.db); err != nil {
		dbStatus = "unhealthy: " + err.Error()
		status = "degraded"
	}

	redisStatus := ""
	if h.deliveries != nil {
		redisStatus = "ok"
		if err := h.deliveries.Ping(c.UserContext()); err != nil {
			// The cache is only a fast path; its loss does not degrade the service.
			redisStatus = "unhealthy: " + err.Error()
		}
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(dto.HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		DB:        dbStatus,
		Redis:     redisStatus,
		Products:  h.catalog.Len(),
	})
}
