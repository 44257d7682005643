package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonlens/backend/internal/emissions"
	"github.com/carbonlens/backend/internal/retrieval"
	"github.com/carbonlens/backend/internal/storage/models"
	"github.com/carbonlens/backend/internal/storage/sqlite"
)

type fakeAnswerer struct {
	result *retrieval.Result
	opts   retrieval.Options
	err    error
}

func (f *fakeAnswerer) Answer(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error) {
	f.opts = opts
	return f.result, f.err
}

func (f *fakeAnswerer) History(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	return nil, nil
}

type fakeCalculator struct {
	report      *emissions.Report
	description string
	err         error
}

func (f *fakeCalculator) Calculate(ctx context.Context, description string) (*emissions.Report, error) {
	f.description = description
	return f.report, f.err
}

type fakeReportStore struct {
	saved   *models.EmissionReport
	saveErr error
}

func (f *fakeReportStore) SaveReport(ctx context.Context, report *models.EmissionReport) error {
	f.saved = report
	return f.saveErr
}

func (f *fakeReportStore) GetReport(ctx context.Context, id string) (*models.EmissionReport, error) {
	if f.saved != nil && f.saved.ID == id {
		return f.saved, nil
	}
	return nil, sqlite.ErrNotFound
}

type fakeChunkReader struct {
	texts map[string][]string
	err   error
}

func (f *fakeChunkReader) GetChunkTexts(ctx context.Context, documentID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.texts[documentID], nil
}

func postJSON(t *testing.T, app *fiber.App, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestQueryHandlerReturnsAnswer(t *testing.T) {
	h := NewQueryHandler(&fakeAnswerer{result: &retrieval.Result{Answer: "57 kg CO2e [1]"}})
	app := fiber.New()
	app.Post("/query", h.Query)

	resp := postJSON(t, app, "/query", map[string]string{"query": "total emissions?"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "57 kg CO2e [1]", body["answer"])
}

func TestQueryHandlerRejectsBlankQuery(t *testing.T) {
	h := NewQueryHandler(&fakeAnswerer{})
	app := fiber.New()
	app.Post("/query", h.Query)

	resp := postJSON(t, app, "/query", map[string]string{"query": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryHandlerMapsPipelineFailure(t *testing.T) {
	h := NewQueryHandler(&fakeAnswerer{err: errors.New("milvus unreachable")})
	app := fiber.New()
	app.Post("/query", h.Query)

	resp := postJSON(t, app, "/query", map[string]string{"query": "q"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestEmissionsHandlerPersistsReport(t *testing.T) {
	report := &emissions.Report{
		ActivityDescription: "office power",
		TotalScope2:         57,
	}
	store := &fakeReportStore{}
	h := NewEmissionsHandler(&fakeCalculator{report: report}, store, &fakeChunkReader{})
	app := fiber.New()
	app.Post("/emissions", h.Calculate)
	app.Get("/emissions/:id", h.Get)

	resp := postJSON(t, app, "/emissions", map[string]string{"description": "120 kWh of electricity"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	id, ok := body["id"].(string)
	require.True(t, ok)
	require.NotNil(t, store.saved)
	assert.InDelta(t, 57.0, store.saved.Scope2, 1e-9)

	req := httptest.NewRequest(http.MethodGet, "/emissions/"+id, nil)
	getResp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestEmissionsHandlerStatusByErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: empty", emissions.ErrActivityParse), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: drift", emissions.ErrInconsistentTotals), http.StatusInternalServerError},
		{errors.New("llm offline"), http.StatusBadGateway},
	}

	for _, tc := range cases {
		h := NewEmissionsHandler(&fakeCalculator{err: tc.err}, &fakeReportStore{}, &fakeChunkReader{})
		app := fiber.New()
		app.Post("/emissions", h.Calculate)

		resp := postJSON(t, app, "/emissions", map[string]string{"description": "x"})
		assert.Equal(t, tc.want, resp.StatusCode, tc.err.Error())
	}
}

func TestEmissionsHandlerCalculatesFromDocument(t *testing.T) {
	calc := &fakeCalculator{report: &emissions.Report{TotalScope2: 12}}
	chunks := &fakeChunkReader{texts: map[string][]string{
		"doc1": {"electricity 120 kWh", "natural gas 40 m3"},
	}}
	h := NewEmissionsHandler(calc, &fakeReportStore{}, chunks)
	app := fiber.New()
	app.Post("/emissions", h.Calculate)

	resp := postJSON(t, app, "/emissions", map[string]string{"document_id": "doc1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "electricity 120 kWh\n\nnatural gas 40 m3", calc.description)
}

func TestEmissionsHandlerUnknownDocument(t *testing.T) {
	h := NewEmissionsHandler(&fakeCalculator{}, &fakeReportStore{}, &fakeChunkReader{})
	app := fiber.New()
	app.Post("/emissions", h.Calculate)

	resp := postJSON(t, app, "/emissions", map[string]string{"document_id": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEmissionsHandlerRequiresInput(t *testing.T) {
	h := NewEmissionsHandler(&fakeCalculator{}, &fakeReportStore{}, &fakeChunkReader{})
	app := fiber.New()
	app.Post("/emissions", h.Calculate)

	resp := postJSON(t, app, "/emissions", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryHandlerForwardsDepthOverrides(t *testing.T) {
	answerer := &fakeAnswerer{result: &retrieval.Result{Answer: "ok"}}
	h := NewQueryHandler(answerer)
	app := fiber.New()
	app.Post("/query", h.Query)

	resp := postJSON(t, app, "/query", map[string]interface{}{
		"query": "q", "top_k": 20, "rerank_k": 8,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, retrieval.Options{TopK: 20, RerankK: 8}, answerer.opts)
}

func TestEmissionsHandlerGetUnknownID(t *testing.T) {
	h := NewEmissionsHandler(&fakeCalculator{}, &fakeReportStore{}, &fakeChunkReader{})
	app := fiber.New()
	app.Get("/emissions/:id", h.Get)

	req := httptest.NewRequest(http.MethodGet, "/emissions/nope", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
