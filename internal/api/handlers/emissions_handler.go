package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/emissions"
	"github.com/carbonlens/backend/internal/metrics"
	"github.com/carbonlens/backend/internal/storage/models"
	"github.com/carbonlens/backend/internal/storage/sqlite"
	"github.com/carbonlens/backend/pkg/logger"
)

type EmissionCalculator interface {
	Calculate(ctx context.Context, description string) (*emissions.Report, error)
}

type ReportStore interface {
	SaveReport(ctx context.Context, report *models.EmissionReport) error
	GetReport(ctx context.Context, id string) (*models.EmissionReport, error)
}

// ChunkReader supplies an ingested document's text for calculations that
// reference a document instead of carrying their own description.
type ChunkReader interface {
	GetChunkTexts(ctx context.Context, documentID string) ([]string, error)
}

// Document text handed to the activity extractor is capped so a large
// report does not blow the model's context window.
const maxCalculationInput = 24000

type EmissionsHandler struct {
	engine EmissionCalculator
	store  ReportStore
	chunks ChunkReader
}

func NewEmissionsHandler(engine EmissionCalculator, store ReportStore, chunks ChunkReader) *EmissionsHandler {
	return &EmissionsHandler{engine: engine, store: store, chunks: chunks}
}

type emissionsRequest struct {
	Description string `json:"description"`
	DocumentID  string `json:"document_id"`
}

// Calculate builds and persists an emission report for the described
// activities. Parse failures are the client's problem (422); a report
// whose totals fail reconciliation is never returned.
func (h *EmissionsHandler) Calculate(c *fiber.Ctx) error {
	var req emissionsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
	}

	description := req.Description
	if description == "" {
		if req.DocumentID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "either description or document_id is required",
			})
		}
		texts, err := h.chunks.GetChunkTexts(c.Context(), req.DocumentID)
		if err != nil {
			logger.Error("Failed to load document chunks", zap.String("document_id", req.DocumentID), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not load document"})
		}
		if len(texts) == 0 {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "document has no ingested content: " + req.DocumentID,
			})
		}
		description = joinCapped(texts, maxCalculationInput)
	}

	report, err := h.engine.Calculate(c.Context(), description)
	if err != nil {
		switch {
		case errors.Is(err, emissions.ErrActivityParse):
			metrics.EmissionReports.WithLabelValues("parse_failed").Inc()
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "could not extract activities: " + err.Error(),
			})
		case errors.Is(err, emissions.ErrInconsistentTotals):
			metrics.EmissionReports.WithLabelValues("inconsistent").Inc()
			logger.Error("Report failed reconciliation", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "calculation produced inconsistent totals",
			})
		default:
			metrics.EmissionReports.WithLabelValues("error").Inc()
			logger.Error("Emission calculation failed", zap.Error(err))
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error": "calculation failed: " + err.Error(),
			})
		}
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "encode report"})
	}

	stored := &models.EmissionReport{
		ID:         uuid.NewString(),
		DocumentID: req.DocumentID,
		Report:     payload,
		Scope1:     report.TotalScope1,
		Scope2:     report.TotalScope2,
		Scope3:     report.TotalScope3,
	}
	if err := h.store.SaveReport(c.Context(), stored); err != nil {
		logger.Error("Failed to persist report", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not persist report"})
	}

	metrics.EmissionReports.WithLabelValues("calculated").Inc()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":     stored.ID,
		"report": report,
	})
}

// joinCapped concatenates texts with blank lines between them, stopping
// once the cap is reached. Whole texts are kept where possible; the one
// that crosses the cap is truncated.
func joinCapped(texts []string, limit int) string {
	var b strings.Builder
	for _, t := range texts {
		if b.Len() >= limit {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		remaining := limit - b.Len()
		if remaining <= 0 {
			break
		}
		if len(t) > remaining {
			t = t[:remaining]
		}
		b.WriteString(t)
	}
	return b.String()
}

func (h *EmissionsHandler) Get(c *fiber.Ctx) error {
	stored, err := h.store.GetReport(c.Context(), c.Params("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "report not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup failed"})
	}
	return c.JSON(stored)
}
