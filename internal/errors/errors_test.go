package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(400, "bad request")
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Message != "bad request" {
		t.Errorf("Message = %q, want %q", e.Message, "bad request")
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, 500, "store error")

	if e.Code != 500 {
		t.Errorf("Code = %d, want 500", e.Code)
	}
	want := "store error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestUnwrap(t *testing.T) {
	inner := fmt.Errorf("root cause")
	e := Wrap(inner, 500, "wrapped")

	if e.Unwrap() != inner {
		t.Error("Unwrap should return the underlying error")
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestUnwrapNil(t *testing.T) {
	e := New(404, "not found")
	if e.Unwrap() != nil {
		t.Error("Unwrap on a non-wrapped error should return nil")
	}
}

func TestWriteJSONBase(t *testing.T) {
	w := httptest.NewRecorder()
	ErrNotFound.WriteJSON(w)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body APIError
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body.Code != 404 || body.Message != "Not Found" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteJSONWithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	ErrBadRequest.WithDetails("sdl is required").WithRequestID("req-1").WriteJSON(w)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	var body APIError
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body.Details != "sdl is required" {
		t.Errorf("Details = %q", body.Details)
	}
	if body.RequestID != "req-1" {
		t.Errorf("RequestID = %q", body.RequestID)
	}
}

func TestWithDetailsDoesNotMutateBase(t *testing.T) {
	_ = ErrBadRequest.WithDetails("something specific")
	if ErrBadRequest.Details != "" {
		t.Error("WithDetails mutated the shared base error")
	}
}

func TestIsAPIError(t *testing.T) {
	if _, ok := IsAPIError(fmt.Errorf("plain")); ok {
		t.Error("plain error misidentified")
	}
	if ae, ok := IsAPIError(ErrForbidden); !ok || ae != ErrForbidden {
		t.Error("APIError not identified")
	}
}
