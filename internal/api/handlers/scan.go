package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/okusuri/go-rxscan/internal/api/middleware"
	"github.com/okusuri/go-rxscan/internal/domain/prescription"
	"github.com/okusuri/go-rxscan/internal/extraction"
	"github.com/okusuri/go-rxscan/internal/observability/metrics"
	"github.com/okusuri/go-rxscan/pkg/idempotency"
	"github.com/okusuri/go-rxscan/pkg/workerpool"
)

// maxUploadBytes bounds the accepted image size.
const maxUploadBytes = 10 << 20

// HistorySaver persists a committed prescription and its outbox entry.
type HistorySaver interface {
	SaveCommitted(ctx context.Context, sessionID string, p *prescription.Prescription) error
}

// ScanHandler handles the scanning workflow endpoints.
type ScanHandler struct {
	sessions  *SessionManager
	extractor extraction.Extractor
	pool      *workerpool.Pool
	spool     *ImageSpool
	history   HistorySaver
	inbox     *idempotency.Inbox
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewScanHandler creates the handler. history, inbox and m may be nil; the
// workflow then runs memory-only without idempotent commits.
func NewScanHandler(
	sessions *SessionManager,
	extractor extraction.Extractor,
	pool *workerpool.Pool,
	spool *ImageSpool,
	history HistorySaver,
	inbox *idempotency.Inbox,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ScanHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScanHandler{
		sessions:  sessions,
		extractor: extractor,
		pool:      pool,
		spool:     spool,
		history:   history,
		inbox:     inbox,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Routes returns the handler routes, mounted under /api/v1.
func (h *ScanHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.SessionID)
	r.Post("/scans", h.Submit)
	r.Get("/scans", h.State)
	r.Post("/scans/edits", h.Edit)
	r.Post("/scans/commit", h.Commit)
	r.Post("/scans/cancel", h.Cancel)
	r.Post("/scans/errors/ack", h.AckError)
	r.Get("/inventory", h.Inventory)
	r.Get("/history", h.History)
	return r
}

// SubmitResponse is the response for submitting a scan.
type SubmitResponse struct {
	Token uint64 `json:"token"`
	State string `json:"state"`
}

// Submit handles POST /scans: spool the uploaded image, move the workflow to
// extracting and dispatch the extraction job.
func (h *ScanHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("scan-handler")
	ctx, span := tracer.Start(ctx, "submit_scan")
	defer span.End()

	sess, err := h.sessions.Get(ctx, middleware.GetSessionID(ctx))
	if err != nil {
		h.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.jsonError(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		h.jsonError(w, "image file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		h.jsonError(w, "failed to read image", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		h.jsonError(w, "image file is empty", http.StatusBadRequest)
		return
	}

	ref, err := h.spool.Save(sess.ID, data)
	if err != nil {
		h.logger.Error("image spool failed", zap.Error(err))
		h.jsonError(w, "failed to store image", http.StatusInternalServerError)
		return
	}

	token, err := sess.Workflow.SubmitImage(ref)
	if err != nil {
		// A scan is already in flight or a draft is open.
		h.jsonError(w, "a scan is already in progress", http.StatusConflict)
		return
	}
	span.SetAttributes(attribute.Int64("scan_token", int64(token)))

	if h.metrics != nil {
		h.metrics.ScansSubmitted.Inc()
	}

	job := &workerpool.Job{
		ID:  fmt.Sprintf("extract-%s-%d", sess.ID, token),
		Run: h.extractionJob(sess, token, data),
	}
	if err := h.pool.Submit(job); err != nil {
		h.logger.Error("extraction dispatch failed", zap.Error(err))
		sess.Workflow.ExtractionFailed(token, extraction.FailureMessage)
		h.jsonError(w, "extraction backlog is full, try again", http.StatusServiceUnavailable)
		return
	}

	h.writeJSON(w, http.StatusAccepted, SubmitResponse{
		Token: token,
		State: string(sess.Workflow.State()),
	})
}

// extractionJob returns the background job body for one submitted image. The
// result is delivered back under the request token; the workflow discards it
// if the scan was cancelled or superseded in the meantime.
func (h *ScanHandler) extractionJob(sess *Session, token uint64, image []byte) func(ctx context.Context) {
	return func(ctx context.Context) {
		start := time.Now()
		result, err := h.extractor.Extract(ctx, image)
		if h.metrics != nil {
			h.metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
		}

		if err != nil {
			h.logger.Warn("extraction failed",
				zap.String("session_id", sess.ID),
				zap.Uint64("token", token),
				zap.Error(err))
			if sess.Workflow.ExtractionFailed(token, extraction.FailureMessage) {
				if h.metrics != nil {
					h.metrics.ExtractionsFailed.Inc()
				}
			} else if h.metrics != nil {
				h.metrics.StaleResultsDiscarded.Inc()
			}
			return
		}

		if sess.Workflow.ExtractionSucceeded(token, result) {
			if h.metrics != nil {
				h.metrics.ExtractionsSucceeded.Inc()
			}
			return
		}
		if h.metrics != nil {
			h.metrics.StaleResultsDiscarded.Inc()
		}
	}
}

// StateResponse is the current workflow state.
type StateResponse struct {
	State    string              `json:"state"`
	Draft    *prescription.Draft `json:"draft,omitempty"`
	Error    string              `json:"error,omitempty"`
	ImageRef string              `json:"imageRef,omitempty"`
}

// State handles GET /scans
func (h *ScanHandler) State(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.sessions.Get(ctx, middleware.GetSessionID(ctx))
	if err != nil {
		h.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, StateResponse{
		State:    string(sess.Workflow.State()),
		Draft:    sess.Workflow.Draft(),
		Error:    sess.Workflow.ErrorMessage(),
		ImageRef: sess.Workflow.ImageRef(),
	})
}

// EditRequest is a single field edit. Index addresses a medication row and is
// ignored when editing the prescription date.
type EditRequest struct {
	Index int    `json:"index"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// Edit handles POST /scans/edits
func (h *ScanHandler) Edit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.sessions.Get(ctx, middleware.GetSessionID(ctx))
	if err != nil {
		h.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err = sess.Workflow.Edit(req.Index, prescription.Field(req.Field), req.Value)
	switch {
	case errors.Is(err, prescription.ErrIllegalTransition):
		h.jsonError(w, "no draft is open for editing", http.StatusConflict)
		return
	case errors.Is(err, prescription.ErrFieldOutOfRange):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.writeJSON(w, http.StatusOK, StateResponse{
		State: string(sess.Workflow.State()),
		Draft: sess.Workflow.Draft(),
	})
}

// Commit handles POST /scans/commit. With an Idempotency-Key header the
// commit runs through the inbox so a retried request replays the original
// outcome instead of committing twice.
func (h *ScanHandler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("scan-handler")
	ctx, span := tracer.Start(ctx, "commit_scan")
	defer span.End()

	sess, err := h.sessions.Get(ctx, middleware.GetSessionID(ctx))
	if err != nil {
		h.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	commit := func(ctx context.Context) (json.RawMessage, error) {
		p, err := sess.Workflow.Commit()
		if err != nil {
			return nil, err
		}
		if h.history != nil {
			if err := h.history.SaveCommitted(ctx, sess.ID, p); err != nil {
				// In-memory history already holds the prescription; the
				// durable record catches up on the next successful save.
				h.logger.Error("durable save failed after commit",
					zap.String("session_id", sess.ID),
					zap.String("prescription_id", p.ID),
					zap.Error(err))
			}
		}
		if h.metrics != nil {
			h.metrics.DraftsCommitted.Inc()
		}
		return json.Marshal(p)
	}

	var (
		payload  json.RawMessage
		replayed bool
	)
	if key := r.Header.Get("Idempotency-Key"); key != "" && h.inbox != nil {
		res, procErr := h.inbox.Process(ctx, key, commit)
		if procErr != nil {
			h.commitError(w, procErr)
			return
		}
		payload, replayed = res.Payload, res.Replayed
	} else {
		payload, err = commit(ctx)
		if err != nil {
			h.commitError(w, err)
			return
		}
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

// commitError maps commit failures onto status codes.
func (h *ScanHandler) commitError(w http.ResponseWriter, err error) {
	var vErr *prescription.ValidationError
	switch {
	case errors.As(err, &vErr):
		if h.metrics != nil {
			h.metrics.CommitsRejected.Inc()
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "draft failed validation",
			"fields": vErr.Fields,
		})
	case errors.Is(err, prescription.ErrIllegalTransition):
		h.jsonError(w, "no draft is open to commit", http.StatusConflict)
	case errors.Is(err, idempotency.ErrInProgress):
		h.jsonError(w, "commit with this idempotency key is in progress", http.StatusConflict)
	default:
		h.logger.Error("commit failed", zap.Error(err))
		h.jsonError(w, "commit failed", http.StatusInternalServerError)
	}
}

// Cancel handles POST /scans/cancel: discard the open draft and its image.
func (h *ScanHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.sessions.Get(ctx, middleware.GetSessionID(ctx))
	if err != nil {
		h.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	ref := sess.Workflow.ImageRef()
	if err := sess.Workflow.Cancel(); err != nil {
		h.jsonError(w, "no draft is open to cancel", http.StatusConflict)
		return
	}
	if ref != "" {
		if err := h.spool.Remove(ref); err != nil {
			h.logger.Warn("spooled image cleanup failed", zap.Error(err))
		}
	}

	h.writeJSON(w, http.StatusOK, StateResponse{State: string(sess.Workflow.State())})
}

// AckError handles POST /scans/errors/ack: return to home after a surfaced
// extraction failure.
func (h *ScanHandler) AckError(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.sessions.Get(ctx, middleware.GetSessionID(ctx))
	if err != nil {
		h.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	if err := sess.Workflow.AcknowledgeError(); err != nil {
		h.jsonError(w, "no error to acknowledge", http.StatusConflict)
		return
	}

	h.writeJSON(w, http.StatusOK, StateResponse{State: string(sess.Workflow.State())})
}

// InventoryResponse is the active inventory projection.
type InventoryResponse struct {
	Today string                      `json:"today"`
	Items []prescription.InventoryRow `json:"items"`
}

// Inventory handles GET /inventory?today=YYYY-MM-DD. today defaults to the
// server clock.
func (h *ScanHandler) Inventory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.sessions.Get(ctx, middleware.GetSessionID(ctx))
	if err != nil {
		h.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	today := h.now()
	if q := r.URL.Query().Get("today"); q != "" {
		today, err = prescription.ParseDate(q)
		if err != nil {
			h.jsonError(w, "today must be formatted YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	items := prescription.ActiveInventory(sess.Workflow.History(), today)
	h.writeJSON(w, http.StatusOK, InventoryResponse{
		Today: today.Format(prescription.DateLayout),
		Items: items,
	})
}

// History handles GET /history, most recent prescription date first.
func (h *ScanHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.sessions.Get(ctx, middleware.GetSessionID(ctx))
	if err != nil {
		h.jsonError(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"prescriptions": prescription.SortByDateDesc(sess.Workflow.History()),
	})
}

func (h *ScanHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *ScanHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
