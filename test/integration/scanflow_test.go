// Package integration exercises the scanning flow end to end: the HTTP
// surface, the background extraction against a fake upstream, correction,
// commit and the projections. No Postgres or Redpanda is needed; the durable
// layers have their own stores behind interfaces.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/okusuri/go-rxscan/internal/api/handlers"
	"github.com/okusuri/go-rxscan/internal/domain/prescription"
	"github.com/okusuri/go-rxscan/internal/extraction"
	"github.com/okusuri/go-rxscan/pkg/workerpool"
)

// fakeUpstream emulates a generateContent endpoint returning the given
// structured payload.
func fakeUpstream(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") == "" {
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		resp := map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{
					"parts": []map[string]string{{"text": payload}},
				}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type memoryHistory struct {
	saves int64
}

func (m *memoryHistory) SaveCommitted(ctx context.Context, sessionID string, p *prescription.Prescription) error {
	atomic.AddInt64(&m.saves, 1)
	return nil
}

func startStack(t *testing.T, upstreamURL string, history handlers.HistorySaver) *httptest.Server {
	t.Helper()

	cfg := extraction.DefaultConfig()
	cfg.BaseURL = upstreamURL
	cfg.APIKey = "test-key"
	cfg.Timeout = 5 * time.Second
	extractor := extraction.NewClient(cfg, nil, nil)

	pool := workerpool.New(workerpool.Config{Workers: 2, QueueSize: 8, ShutdownTimeout: 5 * time.Second}, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	spool, err := handlers.NewImageSpool(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewImageSpool: %v", err)
	}

	sessions := handlers.NewSessionManager(nil, nil, nil, nil)
	h := handlers.NewScanHandler(sessions, extractor, pool, spool, history, nil, nil, nil)

	r := chi.NewRouter()
	r.Mount("/", h.Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func upload(t *testing.T, apiURL, session string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("image", "rx.jpg")
	fw.Write([]byte("jpeg-bytes"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, apiURL+"/scans", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Session-ID", session)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	resp.Body.Close()
	return resp
}

func call(t *testing.T, method, url, session string, body interface{}, out interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", session)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func awaitState(t *testing.T, apiURL, session, want string) handlers.StateResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var state handlers.StateResponse
		call(t, http.MethodGet, apiURL+"/scans", session, nil, &state)
		if state.State == want {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never reached %q", want)
	return handlers.StateResponse{}
}

func TestScanToInventoryFlow(t *testing.T) {
	upstream := fakeUpstream(t, `{
		"prescriptionDate": "2024-01-01",
		"medications": [
			{"name": "Amoxicillin 250mg", "dosage": "250mg", "usage": "3x daily after meals", "days": 14},
			{"name": "Ibuprofen 200mg", "dosage": "200mg", "usage": "as needed", "days": 5}
		]
	}`)

	history := &memoryHistory{}
	api := startStack(t, upstream.URL, history)

	const session = "flow-1"
	if resp := upload(t, api.URL, session); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit = %d", resp.StatusCode)
	}

	state := awaitState(t, api.URL, session, "correcting")
	if len(state.Draft.Medications) != 2 {
		t.Fatalf("draft medications = %d", len(state.Draft.Medications))
	}
	if state.Draft.Medications[0].Name != "Amoxicillin 250mg" {
		t.Errorf("extraction order lost: %+v", state.Draft.Medications)
	}

	// Correct the transcribed day count before committing.
	resp := call(t, http.MethodPost, api.URL+"/scans/edits", session,
		handlers.EditRequest{Index: 0, Field: "days", Value: "20"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit = %d", resp.StatusCode)
	}

	var committed prescription.Prescription
	resp = call(t, http.MethodPost, api.URL+"/scans/commit", session, nil, &committed)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("commit = %d", resp.StatusCode)
	}
	if committed.Medications[0].Days != 20 {
		t.Errorf("edit not reflected in commit: %+v", committed.Medications[0])
	}
	if atomic.LoadInt64(&history.saves) != 1 {
		t.Errorf("durable saves = %d", atomic.LoadInt64(&history.saves))
	}

	// 2024-01-10, nine days in: 11 days of the 20-day course remain, the
	// 5-day course is exhausted.
	var inv handlers.InventoryResponse
	call(t, http.MethodGet, api.URL+"/inventory?today=2024-01-10", session, nil, &inv)
	if len(inv.Items) != 1 {
		t.Fatalf("inventory rows = %+v", inv.Items)
	}
	if inv.Items[0].RemainingDays != 11 {
		t.Errorf("remaining days = %d", inv.Items[0].RemainingDays)
	}
}

func TestScanRetryAfterFailure(t *testing.T) {
	// First upstream always fails; the workflow surfaces the error, the
	// user acknowledges and retries against a healthy upstream.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusTooManyRequests)
	}))
	t.Cleanup(broken.Close)

	api := startStack(t, broken.URL, nil)

	const session = "flow-retry"
	upload(t, api.URL, session)
	state := awaitState(t, api.URL, session, "error")
	if state.Error == "" {
		t.Errorf("no failure message surfaced")
	}

	resp := call(t, http.MethodPost, api.URL+"/scans/errors/ack", session, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack = %d", resp.StatusCode)
	}
	awaitState(t, api.URL, session, "home")

	// The workflow accepts a fresh capture after the acknowledgment.
	if resp := upload(t, api.URL, session); resp.StatusCode != http.StatusAccepted {
		t.Errorf("resubmit = %d", resp.StatusCode)
	}
}

func TestHistoryAccumulatesAcrossCommits(t *testing.T) {
	payloads := []string{
		`{"prescriptionDate": "2024-02-01", "medications": [{"name": "DrugA", "dosage": "10mg", "usage": "1x", "days": 7}]}`,
		`{"prescriptionDate": "2024-03-01", "medications": [{"name": "DrugB", "dosage": "20mg", "usage": "2x", "days": 7}]}`,
	}
	var idx int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := atomic.AddInt64(&idx, 1) - 1
		if i >= int64(len(payloads)) {
			i = int64(len(payloads)) - 1
		}
		resp := map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{
					"parts": []map[string]string{{"text": payloads[i]}},
				}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(upstream.Close)

	api := startStack(t, upstream.URL, nil)
	const session = "flow-hist"

	for i := 0; i < 2; i++ {
		if resp := upload(t, api.URL, session); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("submit %d = %d", i, resp.StatusCode)
		}
		awaitState(t, api.URL, session, "correcting")
		if resp := call(t, http.MethodPost, api.URL+"/scans/commit", session, nil, nil); resp.StatusCode != http.StatusCreated {
			t.Fatalf("commit %d = %d", i, resp.StatusCode)
		}
	}

	var hist struct {
		Prescriptions []prescription.Prescription `json:"prescriptions"`
	}
	call(t, http.MethodGet, api.URL+"/history", session, nil, &hist)
	if len(hist.Prescriptions) != 2 {
		t.Fatalf("history = %d prescriptions", len(hist.Prescriptions))
	}
	// Most recent prescription date first.
	if hist.Prescriptions[0].PrescriptionDate != "2024-03-01" {
		t.Errorf("history order: %s first", hist.Prescriptions[0].PrescriptionDate)
	}
}
