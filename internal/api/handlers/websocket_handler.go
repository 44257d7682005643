package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/retrieval"
	"github.com/carbonlens/backend/pkg/logger"
)

// wsRequest is one client message. Type selects the operation: "query"
// runs retrieval, "emissions" runs a report calculation.
type wsRequest struct {
	Type        string `json:"type"`
	Query       string `json:"query,omitempty"`
	TopK        int    `json:"top_k,omitempty"`
	RerankK     int    `json:"rerank_k,omitempty"`
	Description string `json:"description,omitempty"`
}

type wsEvent struct {
	Stage  string      `json:"stage"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// WebSocketHandler streams operation lifecycle events over one
// connection, so clients see progress on calculations that take many
// model round trips.
type WebSocketHandler struct {
	queries   Answerer
	emissions EmissionCalculator
	timeout   time.Duration
}

func NewWebSocketHandler(queries Answerer, emissions EmissionCalculator, timeout time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &WebSocketHandler{queries: queries, emissions: emissions, timeout: timeout}
}

func (h *WebSocketHandler) Handle(conn *websocket.Conn) {
	defer conn.Close()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		h.dispatch(ctx, conn, req)
		cancel()
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, conn *websocket.Conn, req wsRequest) {
	switch req.Type {
	case "query":
		if req.Query == "" {
			h.send(conn, wsEvent{Stage: "error", Error: "query is required"})
			return
		}
		h.send(conn, wsEvent{Stage: "retrieving"})

		result, err := h.queries.Answer(ctx, req.Query, retrieval.Options{TopK: req.TopK, RerankK: req.RerankK})
		if err != nil {
			h.send(conn, wsEvent{Stage: "error", Error: err.Error()})
			return
		}
		h.send(conn, wsEvent{Stage: "done", Result: result})

	case "emissions":
		if req.Description == "" {
			h.send(conn, wsEvent{Stage: "error", Error: "description is required"})
			return
		}
		h.send(conn, wsEvent{Stage: "calculating"})

		report, err := h.emissions.Calculate(ctx, req.Description)
		if err != nil {
			h.send(conn, wsEvent{Stage: "error", Error: err.Error()})
			return
		}
		h.send(conn, wsEvent{Stage: "done", Result: report})

	default:
		h.send(conn, wsEvent{Stage: "error", Error: "unknown request type: " + req.Type})
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, event wsEvent) {
	if err := conn.WriteJSON(event); err != nil {
		logger.Warn("WebSocket write failed", zap.Error(err))
	}
}
