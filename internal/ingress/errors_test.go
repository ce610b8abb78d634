package ingress

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError_UnauthorizedHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/web", nil)

	writeError(rec, req, Unauthorized())

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := rec.Body.String(); got != `{"error":"unauthorized"}`+"\n" {
		t.Errorf("body = %q, want no message disclosed", got)
	}
}

func TestWriteError_ConflictHasNoStateChangeSemantics(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/web", nil)

	writeError(rec, req, Conflict("turn already in flight"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestWriteError_BadRequestIncludesField(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/web", nil)

	writeError(rec, req, BadRequest("content", "must be non-empty"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), `"field":"content"`) {
		t.Errorf("body = %q, want field=content", rec.Body.String())
	}
}

func TestWriteError_InternalHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/web", nil)

	writeError(rec, req, Internal(errors.New("pgx: connection refused at 10.0.0.5:5432")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Errorf("body leaked an internal detail: %q", rec.Body.String())
	}
}

func TestWriteError_UnavailableSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/web", nil)

	writeError(rec, req, Unavailable("store degraded", 5))

	if got := rec.Header().Get("Retry-After"); got != "5" {
		t.Errorf("Retry-After = %q, want %q", got, "5")
	}
}

func TestWriteError_PlainErrorBecomesInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/requests/web", nil)

	writeError(rec, req, errors.New("unexpected nil pointer"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
