package prescription

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Field identifies an editable draft field.
type Field string

const (
	FieldDate   Field = "prescriptionDate"
	FieldName   Field = "name"
	FieldDosage Field = "dosage"
	FieldUsage  Field = "usage"
	FieldDays   Field = "days"
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Draft is a transient, user-editable copy of an extraction result. It is
// never persisted: it is either discarded on cancel or converted into a
// Prescription on commit.
type Draft struct {
	PrescriptionDate string                `json:"prescriptionDate"`
	Medications      []ExtractedMedication `json:"medications"`
}

// NewDraft deep-copies raw into an independent draft. Edits on the draft
// must never alias the original extraction result, so the surrounding UI can
// still compare against what the extractor returned. Medication count and
// order are preserved exactly; nothing is invented or dropped.
func NewDraft(raw *ExtractionResult) *Draft {
	meds := make([]ExtractedMedication, len(raw.Medications))
	copy(meds, raw.Medications)
	return &Draft{
		PrescriptionDate: raw.PrescriptionDate,
		Medications:      meds,
	}
}

// Clone returns an independent copy of the draft.
func (d *Draft) Clone() *Draft {
	meds := make([]ExtractedMedication, len(d.Medications))
	copy(meds, d.Medications)
	return &Draft{PrescriptionDate: d.PrescriptionDate, Medications: meds}
}

// SetField replaces exactly one field of one medication, or the prescription
// date when field is FieldDate (index is ignored for the date). All other
// fields and medications are left untouched. A days value that does not
// parse as an integer is coerced to 0, matching the correction form's
// number-input behavior.
func (d *Draft) SetField(index int, field Field, value string) error {
	if field == FieldDate {
		d.PrescriptionDate = value
		return nil
	}

	if index < 0 || index >= len(d.Medications) {
		return ErrFieldOutOfRange
	}

	med := &d.Medications[index]
	switch field {
	case FieldName:
		med.Name = value
	case FieldDosage:
		med.Dosage = value
	case FieldUsage:
		med.Usage = value
	case FieldDays:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			n = 0
		}
		med.Days = n
	default:
		return ErrFieldOutOfRange
	}
	return nil
}

// Validate checks the draft against commit requirements and returns one
// FieldError per violation. An empty result means the draft may be
// committed. Validation never mutates the draft.
func (d *Draft) Validate() []FieldError {
	var fails []FieldError

	if _, err := ParseDate(d.PrescriptionDate); err != nil {
		reason := "must be a real date in YYYY-MM-DD form"
		if strings.TrimSpace(d.PrescriptionDate) == "" {
			reason = "is required"
		}
		fails = append(fails, FieldError{Index: -1, Field: FieldDate, Reason: reason})
	}

	for i, med := range d.Medications {
		if strings.TrimSpace(med.Name) == "" {
			fails = append(fails, FieldError{Index: i, Field: FieldName, Reason: "is required"})
		}
		if strings.TrimSpace(med.Usage) == "" {
			fails = append(fails, FieldError{Index: i, Field: FieldUsage, Reason: "is required"})
		}
		if med.Days < 0 {
			fails = append(fails, FieldError{Index: i, Field: FieldDays, Reason: "must not be negative"})
		}
	}

	return fails
}

// ParseDate parses a YYYY-MM-DD prescription date, rejecting strings that
// match the shape but name an impossible calendar day.
func ParseDate(s string) (time.Time, error) {
	if !dateRe.MatchString(s) {
		return time.Time{}, &time.ParseError{Layout: DateLayout, Value: s, Message: ": not in YYYY-MM-DD form"}
	}
	return time.Parse(DateLayout, s)
}
