package prescription

import (
	"errors"
	"fmt"
	"testing"
)

// seqIDs hands out deterministic identifiers for tests.
type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

func startCorrecting(t *testing.T, w *Workflow, raw *ExtractionResult) uint64 {
	t.Helper()
	token, err := w.SubmitImage("img-1")
	if err != nil {
		t.Fatalf("SubmitImage: %v", err)
	}
	if !w.ExtractionSucceeded(token, raw) {
		t.Fatalf("extraction result rejected")
	}
	return token
}

func TestWorkflowHappyPath(t *testing.T) {
	w := NewWorkflow(&seqIDs{}, nil)
	if w.State() != StateHome {
		t.Fatalf("initial state = %s", w.State())
	}

	raw := &ExtractionResult{
		PrescriptionDate: "2024-03-05",
		Medications: []ExtractedMedication{
			{Name: "DrugA", Usage: "1x daily", Days: 10},
		},
	}
	startCorrecting(t, w, raw)

	if w.State() != StateCorrecting {
		t.Fatalf("state after extraction = %s", w.State())
	}

	if err := w.Edit(0, FieldDays, "20"); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	p, err := w.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if w.State() != StateHome {
		t.Errorf("state after commit = %s", w.State())
	}
	if p.ID == "" || p.Medications[0].ID == "" {
		t.Errorf("commit did not assign ids: %+v", p)
	}
	if p.Medications[0].Days != 20 {
		t.Errorf("days = %d, want 20 (edited value)", p.Medications[0].Days)
	}
	if w.HistoryLen() != 1 {
		t.Errorf("history length = %d, want 1", w.HistoryLen())
	}

	rows := ActiveInventory(w.History(), date("2024-03-10"))
	if len(rows) != 1 || rows[0].RemainingDays != 15 {
		t.Errorf("inventory = %v, want one DrugA row with 15 remaining days", rows)
	}
}

func TestCommitPreservesMedicationCountAndOrder(t *testing.T) {
	w := NewWorkflow(&seqIDs{}, nil)
	raw := sampleResult()
	startCorrecting(t, w, raw)

	p, err := w.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(p.Medications) != len(raw.Medications) {
		t.Fatalf("medication count = %d, want %d", len(p.Medications), len(raw.Medications))
	}
	seen := map[string]bool{}
	for i, med := range p.Medications {
		if med.Name != raw.Medications[i].Name {
			t.Errorf("medication %d = %q, want %q (order must be preserved)", i, med.Name, raw.Medications[i].Name)
		}
		if seen[med.ID] {
			t.Errorf("duplicate medication id %q", med.ID)
		}
		seen[med.ID] = true
	}
}

func TestCommitInvalidDraftStaysCorrecting(t *testing.T) {
	w := NewWorkflow(&seqIDs{}, nil)
	startCorrecting(t, w, sampleResult())

	if err := w.Edit(0, FieldDate, ""); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	before := w.HistoryLen()
	_, err := w.Commit()

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Commit err = %v, want *ValidationError", err)
	}
	if w.State() != StateCorrecting {
		t.Errorf("state = %s, want correcting (no transition on failure)", w.State())
	}
	if w.HistoryLen() != before {
		t.Errorf("history changed on failed commit")
	}
	// Entered data survives.
	if d := w.Draft(); d == nil || len(d.Medications) != 2 {
		t.Errorf("draft dropped on failed commit: %+v", d)
	}
}

func TestCancelDiscardsDraftAndImage(t *testing.T) {
	w := NewWorkflow(&seqIDs{}, nil)
	startCorrecting(t, w, sampleResult())

	if err := w.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if w.State() != StateHome {
		t.Errorf("state = %s", w.State())
	}
	if w.Draft() != nil || w.ImageRef() != "" {
		t.Errorf("draft/image not released on cancel")
	}
	if w.HistoryLen() != 0 {
		t.Errorf("cancel must not commit")
	}
}

func TestExtractionFailureSurfacesError(t *testing.T) {
	w := NewWorkflow(&seqIDs{}, nil)
	token, err := w.SubmitImage("img-1")
	if err != nil {
		t.Fatalf("SubmitImage: %v", err)
	}

	if !w.ExtractionFailed(token, "could not read the prescription image") {
		t.Fatalf("failure rejected")
	}
	if w.State() != StateError {
		t.Fatalf("state = %s, want error", w.State())
	}
	if w.ErrorMessage() == "" {
		t.Errorf("no error message surfaced")
	}

	if err := w.AcknowledgeError(); err != nil {
		t.Fatalf("AcknowledgeError: %v", err)
	}
	if w.State() != StateHome {
		t.Errorf("state after ack = %s, want home", w.State())
	}
}

func TestStaleExtractionResultIsNoOp(t *testing.T) {
	w := NewWorkflow(&seqIDs{}, nil)
	startCorrecting(t, w, sampleResult())
	if err := w.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// A late result for the abandoned request arrives while home.
	if w.ExtractionSucceeded(1, sampleResult()) {
		t.Errorf("stale success applied")
	}
	if w.ExtractionFailed(1, "late failure") {
		t.Errorf("stale failure applied")
	}
	if w.State() != StateHome {
		t.Errorf("state = %s, want home (stale delivery must not transition)", w.State())
	}
	if w.HistoryLen() != 0 || w.Draft() != nil {
		t.Errorf("stale delivery perturbed history or draft")
	}
}

func TestStaleTokenAfterResubmission(t *testing.T) {
	w := NewWorkflow(&seqIDs{}, nil)
	first, _ := w.SubmitImage("img-1")
	if !w.ExtractionFailed(first, "blurry image") {
		t.Fatalf("first failure rejected")
	}
	if err := w.AcknowledgeError(); err != nil {
		t.Fatalf("AcknowledgeError: %v", err)
	}

	second, err := w.SubmitImage("img-2")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second == first {
		t.Fatalf("token not advanced across requests")
	}

	// The first request's late success must not hijack the second.
	if w.ExtractionSucceeded(first, sampleResult()) {
		t.Errorf("stale token accepted")
	}
	if w.State() != StateExtracting {
		t.Errorf("state = %s, want extracting", w.State())
	}
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		name string
		prep func(w *Workflow)
		op   func(w *Workflow) error
	}{
		{
			name: "edit from home",
			prep: func(w *Workflow) {},
			op:   func(w *Workflow) error { return w.Edit(0, FieldName, "x") },
		},
		{
			name: "commit from home",
			prep: func(w *Workflow) {},
			op:   func(w *Workflow) error { _, err := w.Commit(); return err },
		},
		{
			name: "cancel from home",
			prep: func(w *Workflow) {},
			op:   func(w *Workflow) error { return w.Cancel() },
		},
		{
			name: "submit while extracting",
			prep: func(w *Workflow) { w.SubmitImage("img-1") },
			op:   func(w *Workflow) error { _, err := w.SubmitImage("img-2"); return err },
		},
		{
			name: "commit while extracting",
			prep: func(w *Workflow) { w.SubmitImage("img-1") },
			op:   func(w *Workflow) error { _, err := w.Commit(); return err },
		},
		{
			name: "submit while correcting",
			prep: func(w *Workflow) {
				token, _ := w.SubmitImage("img-1")
				w.ExtractionSucceeded(token, sampleResult())
			},
			op: func(w *Workflow) error { _, err := w.SubmitImage("img-2"); return err },
		},
		{
			name: "ack without error",
			prep: func(w *Workflow) {},
			op:   func(w *Workflow) error { return w.AcknowledgeError() },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWorkflow(&seqIDs{}, nil)
			tc.prep(w)
			stateBefore := w.State()
			if err := tc.op(w); !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("err = %v, want ErrIllegalTransition", err)
			}
			if w.State() != stateBefore {
				t.Errorf("state moved from %s to %s on illegal call", stateBefore, w.State())
			}
		})
	}
}

func TestRestore(t *testing.T) {
	w := NewWorkflow(&seqIDs{}, nil)
	saved := []*Prescription{
		{ID: "p1", PrescriptionDate: "2024-01-01"},
		{ID: "p2", PrescriptionDate: "2024-02-01"},
	}
	if err := w.Restore(saved); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if w.HistoryLen() != 2 {
		t.Fatalf("history length = %d", w.HistoryLen())
	}

	// A second restore, or a restore after activity, is rejected.
	if err := w.Restore(saved); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("second Restore err = %v, want ErrIllegalTransition", err)
	}
}
