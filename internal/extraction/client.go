// Package extraction calls the external vision/OCR service that turns a
// prescription photo into structured data. The rest of the system depends
// only on the Extractor interface and never sees transport-level errors.
package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/okusuri/go-rxscan/internal/domain/prescription"
	"github.com/okusuri/go-rxscan/pkg/circuitbreaker"
)

// Extractor turns a prescription image into structured extraction output.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (*prescription.ExtractionResult, error)
}

// ErrInvalidShape reports a success response whose structure is unusable: a
// missing prescription date or a medications field that is not a list. Such
// responses are rejected whole, never partially accepted.
var ErrInvalidShape = errors.New("extraction response has invalid shape")

// FailureMessage is the single human-readable message surfaced to the user
// for any extraction failure.
const FailureMessage = "Could not read the prescription. Check that the image is clear and try again."

// extractPrompt instructs the service to transcribe verbatim, without
// inference or arithmetic, and keep the on-paper medication order.
const extractPrompt = `You are a high-accuracy OCR system for paper medical prescriptions.
Extract the following from the provided prescription image, transcribed exactly as written, without inference or arithmetic:
- The prescription issue date
- For every prescribed medication: drug name (including strength if shown), dosage (e.g. 250mg), dosing instructions as written (e.g. three times daily after meals), and the day count of the supply (e.g. 7)

Respond strictly following the given JSON schema. Keep the medication list in the order it appears on the prescription. Always return the date in YYYY-MM-DD form.`

// Config holds settings for the extraction service client.
type Config struct {
	// BaseURL is the generateContent endpoint root.
	BaseURL string
	// Model is the vision model name.
	Model string
	// APIKey authenticates the request.
	APIKey string
	// Timeout bounds a single extraction call.
	Timeout time.Duration
}

// DefaultConfig returns client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "gemini-2.5-flash",
		Timeout: 90 * time.Second,
	}
}

// Client calls a Gemini-style generateContent endpoint with the image
// inline and a structured response schema. Calls run through a circuit
// breaker so a failing upstream is shed quickly.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates an extraction client. breaker may be nil to call the
// service directly.
func NewClient(cfg Config, breaker *circuitbreaker.Breaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("extraction-client"),
	}
}

// request/response wire types for the generateContent call.

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseMimeType string          `json:"responseMimeType"`
	ResponseSchema   json.RawMessage `json:"responseSchema"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// responseSchema is the structured-output schema the service must follow:
// prescriptionDate plus an ordered medication list, all fields required.
var responseSchema = json.RawMessage(`{
	"type": "OBJECT",
	"properties": {
		"prescriptionDate": {
			"type": "STRING",
			"description": "Prescription issue date, always in YYYY-MM-DD form."
		},
		"medications": {
			"type": "ARRAY",
			"description": "Prescribed medications, keeping the order written on the prescription.",
			"items": {
				"type": "OBJECT",
				"properties": {
					"name": {"type": "STRING", "description": "Drug name including strength if shown."},
					"dosage": {"type": "STRING", "description": "Dose amount, e.g. 20mg or 1 tablet."},
					"usage": {"type": "STRING", "description": "Dosing instructions as written."},
					"days": {"type": "INTEGER", "description": "Day count of the supply, e.g. 7."}
				},
				"required": ["name", "dosage", "usage", "days"]
			}
		}
	},
	"required": ["prescriptionDate", "medications"]
}`)

// Extract sends the image for extraction and validates the response shape.
func (c *Client) Extract(ctx context.Context, image []byte) (*prescription.ExtractionResult, error) {
	ctx, span := c.tracer.Start(ctx, "extract_prescription",
		trace.WithAttributes(attribute.Int("image_bytes", len(image))))
	defer span.End()

	call := func() (interface{}, error) {
		return c.call(ctx, image)
	}

	var (
		result interface{}
		err    error
	)
	if c.breaker != nil {
		result, err = c.breaker.Do(ctx, call)
	} else {
		result, err = call()
	}
	if err != nil {
		span.RecordError(err)
		c.logger.Error("extraction failed", zap.Error(err))
		return nil, err
	}

	return result.(*prescription.ExtractionResult), nil
}

func (c *Client) call(ctx context.Context, image []byte) (*prescription.ExtractionResult, error) {
	reqBody := generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: extractPrompt},
				{InlineData: &inlineData{
					MimeType: "image/jpeg",
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
			},
		}},
		GenerationConfig: generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   responseSchema,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.config.BaseURL, c.config.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.config.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction service returned status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var gen generateResponse
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, fmt.Errorf("parse response envelope: %w", err)
	}
	if len(gen.Candidates) == 0 || len(gen.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrInvalidShape)
	}

	return decodeResult([]byte(gen.Candidates[0].Content.Parts[0].Text))
}

// decodeResult parses the structured payload and enforces the shape
// contract. The date is re-validated later by the reconciler; here only the
// structure is checked.
func decodeResult(data []byte) (*prescription.ExtractionResult, error) {
	var probe struct {
		PrescriptionDate *string          `json:"prescriptionDate"`
		Medications      *json.RawMessage `json:"medications"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	if probe.PrescriptionDate == nil || *probe.PrescriptionDate == "" {
		return nil, fmt.Errorf("%w: missing prescriptionDate", ErrInvalidShape)
	}
	if probe.Medications == nil {
		return nil, fmt.Errorf("%w: missing medications", ErrInvalidShape)
	}
	var meds []json.RawMessage
	if err := json.Unmarshal(*probe.Medications, &meds); err != nil {
		return nil, fmt.Errorf("%w: medications is not a list", ErrInvalidShape)
	}

	var result prescription.ExtractionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
