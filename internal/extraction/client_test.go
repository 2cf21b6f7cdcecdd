package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// serveResult returns a test server answering generateContent with the given
// structured payload.
func serveResult(t *testing.T, structured string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		resp := map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{
					"parts": []map[string]string{{"text": structured}},
				}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func testClient(srv *httptest.Server) *Client {
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "test-key"
	return NewClient(cfg, nil, nil)
}

func TestExtract(t *testing.T) {
	srv := serveResult(t, `{
		"prescriptionDate": "2024-03-05",
		"medications": [
			{"name": "DrugA 20mg", "dosage": "20mg", "usage": "1x daily", "days": 10},
			{"name": "DrugB", "dosage": "5mg", "usage": "2x daily", "days": 7}
		]
	}`)
	defer srv.Close()

	result, err := testClient(srv).Extract(context.Background(), []byte("fake-image"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.PrescriptionDate != "2024-03-05" {
		t.Errorf("date = %q", result.PrescriptionDate)
	}
	if len(result.Medications) != 2 {
		t.Fatalf("medications = %d, want 2", len(result.Medications))
	}
	if result.Medications[0].Name != "DrugA 20mg" || result.Medications[0].Days != 10 {
		t.Errorf("medication 0 = %+v", result.Medications[0])
	}
	// Order preserved from the response.
	if result.Medications[1].Name != "DrugB" {
		t.Errorf("medication 1 = %+v", result.Medications[1])
	}
}

func TestExtractInvalidShape(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{name: "missing date", payload: `{"medications": []}`},
		{name: "empty date", payload: `{"prescriptionDate": "", "medications": []}`},
		{name: "missing medications", payload: `{"prescriptionDate": "2024-03-05"}`},
		{name: "medications not a list", payload: `{"prescriptionDate": "2024-03-05", "medications": {"name": "x"}}`},
		{name: "not json", payload: `prescription for DrugA`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := serveResult(t, tc.payload)
			defer srv.Close()

			_, err := testClient(srv).Extract(context.Background(), []byte("img"))
			if !errors.Is(err, ErrInvalidShape) {
				t.Errorf("err = %v, want ErrInvalidShape", err)
			}
		})
	}
}

func TestExtractUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv).Extract(context.Background(), []byte("img"))
	if err == nil {
		t.Fatalf("expected error for upstream 429")
	}
	if errors.Is(err, ErrInvalidShape) {
		t.Errorf("transport failure misreported as shape error: %v", err)
	}
}

func TestExtractContextCancelled(t *testing.T) {
	srv := serveResult(t, `{"prescriptionDate": "2024-03-05", "medications": []}`)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := testClient(srv).Extract(ctx, []byte("img")); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}
