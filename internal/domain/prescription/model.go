// Package prescription implements the prescription scanning core: the
// medication data model, draft reconciliation, the capture workflow and the
// active-inventory projection.
package prescription

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DateLayout is the wire format for prescription dates.
const DateLayout = "2006-01-02"

// Medication is a single prescribed drug. Name, Dosage and Usage are
// transcribed verbatim from the paper prescription and never normalized
// against a drug database.
type Medication struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Dosage string `json:"dosage"`
	Usage  string `json:"usage"`
	Days   int    `json:"days"`
}

// Prescription is a committed, identified prescription. Medications keep the
// order they appear on the paper form.
type Prescription struct {
	ID               string       `json:"id"`
	PrescriptionDate string       `json:"prescriptionDate"`
	Medications      []Medication `json:"medications"`
	OriginalImage    string       `json:"originalImage"`
}

// ExtractionResult is the raw structured output of the external extraction
// service. Medications carry no IDs until a draft is committed.
type ExtractionResult struct {
	PrescriptionDate string                `json:"prescriptionDate"`
	Medications      []ExtractedMedication `json:"medications"`
}

// ExtractedMedication mirrors Medication minus the identity.
type ExtractedMedication struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage"`
	Usage  string `json:"usage"`
	Days   int    `json:"days"`
}

// IDGenerator supplies identifiers for committed prescriptions and
// medications. Injectable so tests can use deterministic IDs.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator is the default collision-resistant IDGenerator.
type UUIDGenerator struct{}

// NewID returns a random UUID string.
func (UUIDGenerator) NewID() string { return uuid.New().String() }

// Contract violations. These indicate a caller bug, not a user error.
var (
	// ErrIllegalTransition reports an operation invoked in a workflow state
	// where it is not legal.
	ErrIllegalTransition = errors.New("illegal workflow transition")
	// ErrFieldOutOfRange reports an edit referencing a medication index that
	// does not exist in the draft.
	ErrFieldOutOfRange = errors.New("medication index out of range")
)

// FieldError describes a single invalid draft field.
type FieldError struct {
	// Index is the medication position, or -1 for the prescription date.
	Index int `json:"index"`
	// Field names the offending field.
	Field Field `json:"field"`
	// Reason is a short human-readable explanation.
	Reason string `json:"reason"`
}

func (e FieldError) String() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("medication[%d].%s: %s", e.Index, e.Field, e.Reason)
}

// ValidationError is returned by Commit when the draft fails field-level
// validation. It is recoverable in place: the workflow stays in the
// correcting state and no entered data is dropped.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("draft validation failed: %d invalid field(s)", len(e.Fields))
}
