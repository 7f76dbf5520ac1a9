package shared

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestSessionFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no refresh token", ErrNoRefreshToken, true},
		{"refresh rejected", ErrRefreshRejected, true},
		{"wrapped refresh rejected", fmt.Errorf("refresh call: %w", ErrRefreshRejected), true},
		{"unauthorized is not fatal", ErrUnauthorized, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SessionFatal(tt.err); got != tt.want {
				t.Errorf("SessionFatal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewAPIError(t *testing.T) {
	e := NewAPIError("invalid_request", "bad body")
	if e.Code != "invalid_request" {
		t.Errorf("Code = %q", e.Code)
	}
	if e.Message != "bad body" {
		t.Errorf("Message = %q", e.Message)
	}
	if e.Details != nil {
		t.Error("Details should be nil by default")
	}
}

func TestAPIError_WithDetails(t *testing.T) {
	e := NewAPIError("invalid_request", "bad body").WithDetails(map[string]string{"field": "email"})
	if e.Details == nil {
		t.Fatal("Details not set")
	}
}

func TestAPIError_ToHTTP(t *testing.T) {
	he := Unauthorized("token_expired", "access token expired")
	if he.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", he.Code, http.StatusUnauthorized)
	}
	apiErr, ok := he.Message.(*APIError)
	if !ok {
		t.Fatalf("Message type = %T, want *APIError", he.Message)
	}
	if apiErr.Code != "token_expired" {
		t.Errorf("Code = %q", apiErr.Code)
	}
}

func TestNewID(t *testing.T) {
	a := NewID("note_")
	b := NewID("note_")
	if a == b {
		t.Error("ids should be unique")
	}
	if len(a) != len("note_")+32 {
		t.Errorf("unexpected id length %d", len(a))
	}
}
