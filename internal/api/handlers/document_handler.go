package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/extraction"
	"github.com/carbonlens/backend/internal/storage/models"
	"github.com/carbonlens/backend/internal/storage/sqlite"
	"github.com/carbonlens/backend/pkg/logger"
)

type Ingester interface {
	Ingest(ctx context.Context, name string, document []byte) (*models.Document, error)
}

type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, limit int) ([]models.Document, error)
}

type DocumentHandler struct {
	pipeline Ingester
	store    DocumentReader
}

func NewDocumentHandler(pipeline Ingester, store DocumentReader) *DocumentHandler {
	return &DocumentHandler{pipeline: pipeline, store: store}
}

// Upload ingests a PDF sent as multipart field "file". The call is
// synchronous; the response carries the final document record.
func (h *DocumentHandler) Upload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "multipart field 'file' is required",
		})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "could not read uploaded file",
		})
	}
	defer file.Close()

	document, err := io.ReadAll(file)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "could not read uploaded file",
		})
	}

	doc, err := h.pipeline.Ingest(c.Context(), fileHeader.Filename, document)
	if err != nil {
		if errors.Is(err, extraction.ErrUnsupportedFormat) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":    "unsupported document format, expected PDF",
				"document": doc,
			})
		}
		logger.Error("Ingestion failed",
			zap.String("name", fileHeader.Filename),
			zap.Error(err),
		)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":    "ingestion failed: " + err.Error(),
			"document": doc,
		})
	}

	return c.Status(fiber.StatusCreated).JSON(doc)
}

func (h *DocumentHandler) Get(c *fiber.Ctx) error {
	doc, err := h.store.GetDocument(c.Context(), c.Params("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "document not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup failed"})
	}
	return c.JSON(doc)
}

func (h *DocumentHandler) List(c *fiber.Ctx) error {
	docs, err := h.store.ListDocuments(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "listing failed"})
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return c.JSON(fiber.Map{"documents": docs})
}
