package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/middleware/validation"
	"github.com/carbonlens/backend/internal/retrieval"
	"github.com/carbonlens/backend/internal/storage/models"
	"github.com/carbonlens/backend/pkg/logger"
)

type Answerer interface {
	Answer(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error)
	History(ctx context.Context, limit int) ([]models.QueryRecord, error)
}

type QueryHandler struct {
	pipeline Answerer
}

func NewQueryHandler(pipeline Answerer) *QueryHandler {
	return &QueryHandler{pipeline: pipeline}
}

type queryRequest struct {
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
	RerankK int    `json:"rerank_k"`
}

func (h *QueryHandler) Query(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
	}

	query, err := validation.RequiredString(req.Query, "query")
	if err != nil {
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
		}
		return err
	}

	result, err := h.pipeline.Answer(c.Context(), query, retrieval.Options{TopK: req.TopK, RerankK: req.RerankK})
	if err != nil {
		logger.Error("Query failed", zap.String("query", query), zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "query failed: " + err.Error()})
	}

	return c.JSON(result)
}

func (h *QueryHandler) History(c *fiber.Ctx) error {
	records, err := h.pipeline.History(c.Context(), c.QueryInt("limit", 50))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "history lookup failed"})
	}
	if records == nil {
		records = []models.QueryRecord{}
	}
	return c.JSON(fiber.Map{"queries": records})
}
