package models

import (
	"encoding/json"
	"time"
)

type DocumentStatus string

// Ingestion moves strictly forward through these states; Failed records
// the stage that broke and why.
const (
	StatusReceived  DocumentStatus = "received"
	StatusExtracted DocumentStatus = "extracted"
	StatusChunked   DocumentStatus = "chunked"
	StatusEmbedded  DocumentStatus = "embedded"
	StatusStored    DocumentStatus = "stored"
	StatusDone      DocumentStatus = "done"
	StatusFailed    DocumentStatus = "failed"
)

type Document struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       DocumentStatus `json:"status"`
	FailureStage string         `json:"failure_stage,omitempty"`
	FailureCause string         `json:"failure_cause,omitempty"`
	Pages        int            `json:"pages"`
	Chunks       int            `json:"chunks"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Chunk mirrors what went into the vector store, so document content can
// be read back without a vector round trip.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Idx        int    `json:"index"`
	Page       int    `json:"page"`
	Type       string `json:"type"`
	Text       string `json:"text"`
}

// EmissionReport stores the full report JSON alongside the scope totals
// so listings do not need to parse the payload.
type EmissionReport struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id,omitempty"`
	Report     json.RawMessage `json:"report"`
	Scope1     float64         `json:"total_scope_1_emissions"`
	Scope2     float64         `json:"total_scope_2_emissions"`
	Scope3     float64         `json:"total_scope_3_emissions"`
	CreatedAt  time.Time       `json:"created_at"`
}

type QueryRecord struct {
	ID        string          `json:"id"`
	Query     string          `json:"query"`
	Answer    string          `json:"answer"`
	Sources   json.RawMessage `json:"sources,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
