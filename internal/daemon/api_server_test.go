package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bloom/internal/api"
	"bloom/internal/faults"
	"bloom/internal/scandb"
)

func TestParseScanFilter(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
		check   func(t *testing.T, f scandb.Filter)
	}{
		{
			name:  "empty",
			query: "",
			check: func(t *testing.T, f scandb.Filter) {
				if f.ExperimentID != "" || f.WaveNumber != nil || !f.From.IsZero() || !f.To.IsZero() || f.Limit != 0 || f.IncludeDeleted {
					t.Fatalf("expected zero filter, got %+v", f)
				}
			},
		},
		{
			name:  "all fields",
			query: "experiment=exp-1&wave=3&from=2026-03-01&to=2026-03-02T12:00:00Z&limit=10&offset=20&include_deleted=true",
			check: func(t *testing.T, f scandb.Filter) {
				if f.ExperimentID != "exp-1" || f.WaveNumber == nil || *f.WaveNumber != 3 {
					t.Fatalf("unexpected experiment %q wave %v", f.ExperimentID, f.WaveNumber)
				}
				if !f.From.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) || !f.To.Equal(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) {
					t.Fatalf("unexpected range %v - %v", f.From, f.To)
				}
				if f.Limit != 10 || f.Offset != 20 || !f.IncludeDeleted {
					t.Fatalf("unexpected paging %+v", f)
				}
			},
		},
		{name: "bad wave", query: "wave=two", wantErr: true},
		{name: "bad date", query: "from=yesterday", wantErr: true},
		{name: "negative limit", query: "limit=-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/scans?"+tt.query, nil)
			filter, err := parseScanFilter(req)
			if tt.wantErr {
				if faults.KindOf(err) != faults.KindValidation {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScanFilter: %v", err)
			}
			tt.check(t, filter)
		})
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[faults.Kind]int{
		faults.KindValidation:  http.StatusBadRequest,
		faults.KindBusy:        http.StatusConflict,
		faults.KindChannel:     http.StatusServiceUnavailable,
		faults.KindHardware:    http.StatusBadGateway,
		faults.KindPersistence: http.StatusInternalServerError,
		faults.KindUnknown:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

func TestHandleStartScanRejectsMalformedBody(t *testing.T) {
	srv := &apiServer{}
	req := httptest.NewRequest(http.MethodPost, "/api/scans", strings.NewReader(`{"metadata":{"plant":"x"}}`))
	w := httptest.NewRecorder()
	srv.handleStartScan(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp api.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Kind != string(faults.KindValidation) || resp.Hint == "" {
		t.Fatalf("unexpected error payload %+v", resp)
	}
}

func TestOperatorOnlyRequiresToken(t *testing.T) {
	srv := &apiServer{}
	handler := srv.operatorOnly("tok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	for header, want := range map[string]int{
		"":            http.StatusUnauthorized,
		"Bearer nope": http.StatusUnauthorized,
		"Basic tok":   http.StatusUnauthorized,
		"Bearer tok":  http.StatusTeapot,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/scans", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		handler(w, req)
		if w.Code != want {
			t.Fatalf("header %q: expected %d, got %d", header, want, w.Code)
		}
		if want != http.StatusUnauthorized {
			continue
		}
		var resp api.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("header %q: decode: %v", header, err)
		}
		if resp.Error != "unauthorized" || resp.Hint == "" {
			t.Fatalf("header %q: unexpected payload %+v", header, resp)
		}
	}
}

func TestOperatorOnlyWithoutTokenIsOpen(t *testing.T) {
	srv := &apiServer{}
	handler := srv.operatorOnly("", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected open route, got %d", w.Code)
	}
}
