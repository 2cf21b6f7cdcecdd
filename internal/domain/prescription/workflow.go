package prescription

import (
	"sync"

	"go.uber.org/zap"
)

// State represents the workflow screen state.
type State string

const (
	StateHome       State = "home"
	StateExtracting State = "extracting"
	StateCorrecting State = "correcting"
	StateError      State = "error"
)

// Workflow orchestrates one capture session: submit an image, wait for the
// external extraction, correct the draft, then commit it into history or
// cancel. All operations are guarded against the current state; a call that
// is not legal in the current state fails with ErrIllegalTransition and
// leaves the workflow untouched.
//
// Extraction requests carry a monotonically increasing token. A result
// delivered with a token the workflow is no longer waiting on is discarded
// without any transition, so late callbacks from an abandoned extraction can
// never resurrect or corrupt state.
type Workflow struct {
	mu sync.Mutex

	state    State
	imageRef string
	draft    *Draft
	errMsg   string

	token        uint64
	pendingToken uint64

	history []*Prescription

	ids    IDGenerator
	logger *zap.Logger
}

// NewWorkflow creates a workflow in the home state.
func NewWorkflow(ids IDGenerator, logger *zap.Logger) *Workflow {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		state:  StateHome,
		ids:    ids,
		logger: logger,
	}
}

// State returns the current workflow state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ErrorMessage returns the surfaced failure message, empty outside the error
// state.
func (w *Workflow) ErrorMessage() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errMsg
}

// Draft returns an independent copy of the in-progress draft, or nil when
// not correcting.
func (w *Workflow) Draft() *Draft {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draft == nil {
		return nil
	}
	return w.draft.Clone()
}

// ImageRef returns the source image reference held for display.
func (w *Workflow) ImageRef() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.imageRef
}

// SubmitImage begins an extraction for the given image reference and returns
// the request token the eventual result must carry. Legal only from home; at
// most one extraction is outstanding at a time.
func (w *Workflow) SubmitImage(imageRef string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateHome {
		return 0, ErrIllegalTransition
	}

	w.token++
	w.pendingToken = w.token
	w.state = StateExtracting
	w.imageRef = imageRef

	w.logger.Debug("extraction started",
		zap.Uint64("token", w.pendingToken),
		zap.String("image_ref", imageRef))
	return w.pendingToken, nil
}

// ExtractionSucceeded delivers a successful extraction result. A stale token
// is discarded silently; the boolean reports whether the result was applied.
func (w *Workflow) ExtractionSucceeded(token uint64, raw *ExtractionResult) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.acceptToken(token) {
		return false
	}

	w.pendingToken = 0
	w.draft = NewDraft(raw)
	w.state = StateCorrecting
	return true
}

// ExtractionFailed delivers an extraction failure with a human-readable
// reason. A stale token is discarded silently.
func (w *Workflow) ExtractionFailed(token uint64, reason string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.acceptToken(token) {
		return false
	}

	w.pendingToken = 0
	w.imageRef = ""
	w.errMsg = reason
	w.state = StateError
	return true
}

// acceptToken reports whether a delivered result matches the outstanding
// extraction. Caller holds the lock.
func (w *Workflow) acceptToken(token uint64) bool {
	if w.state != StateExtracting || token != w.pendingToken {
		w.logger.Debug("stale extraction result discarded",
			zap.Uint64("token", token),
			zap.String("state", string(w.state)))
		return false
	}
	return true
}

// AcknowledgeError returns to home after a surfaced extraction failure, so
// the user can retry by resubmitting an image.
func (w *Workflow) AcknowledgeError() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateError {
		return ErrIllegalTransition
	}
	w.errMsg = ""
	w.state = StateHome
	return nil
}

// Edit applies a single field edit to the draft. Legal only while
// correcting; any number of edits may be applied.
func (w *Workflow) Edit(index int, field Field, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCorrecting {
		return ErrIllegalTransition
	}
	return w.draft.SetField(index, field, value)
}

// Cancel discards the draft and the held image reference entirely and
// returns to home.
func (w *Workflow) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCorrecting {
		return ErrIllegalTransition
	}
	w.draft = nil
	w.imageRef = ""
	w.state = StateHome
	return nil
}

// Commit validates the draft, assigns fresh identities and appends the
// resulting prescription to history, returning it. On validation failure the
// workflow stays in the correcting state with the draft intact and a
// *ValidationError describing the offending fields is returned.
//
// The append happens under the workflow lock, so a concurrent Inventory or
// History call can never observe a half-committed state.
func (w *Workflow) Commit() (*Prescription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCorrecting {
		return nil, ErrIllegalTransition
	}

	if fails := w.draft.Validate(); len(fails) > 0 {
		return nil, &ValidationError{Fields: fails}
	}

	p := &Prescription{
		ID:               w.ids.NewID(),
		PrescriptionDate: w.draft.PrescriptionDate,
		Medications:      make([]Medication, len(w.draft.Medications)),
		OriginalImage:    w.imageRef,
	}
	for i, med := range w.draft.Medications {
		p.Medications[i] = Medication{
			ID:     w.ids.NewID(),
			Name:   med.Name,
			Dosage: med.Dosage,
			Usage:  med.Usage,
			Days:   med.Days,
		}
	}

	w.history = append(w.history, p)
	w.draft = nil
	w.imageRef = ""
	w.state = StateHome

	w.logger.Info("prescription committed",
		zap.String("prescription_id", p.ID),
		zap.String("prescription_date", p.PrescriptionDate),
		zap.Int("medications", len(p.Medications)))
	return p, nil
}

// Restore seeds history with previously committed prescriptions, preserving
// their order. Legal only from home before any capture; used to rehydrate a
// session from the durable store.
func (w *Workflow) Restore(history []*Prescription) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateHome || len(w.history) > 0 {
		return ErrIllegalTransition
	}
	w.history = append(w.history, history...)
	return nil
}

// History returns the committed prescriptions in insertion order.
func (w *Workflow) History() []*Prescription {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Prescription, len(w.history))
	copy(out, w.history)
	return out
}

// HistoryLen returns the number of committed prescriptions.
func (w *Workflow) HistoryLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.history)
}
