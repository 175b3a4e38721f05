package client

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/Sternrassler/chainfetch/pkg/fault"
)

func TestStatusError(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantClass     fault.Class
		wantThrottled bool
	}{
		{"not found", http.StatusNotFound, `{"error":"unknown tx"}`, fault.ClassPermanent, false},
		{"bad request", http.StatusBadRequest, "", fault.ClassPermanent, false},
		{"too many requests", http.StatusTooManyRequests, "slow down", fault.ClassTransient, true},
		{"internal error", http.StatusInternalServerError, "", fault.ClassTransient, false},
		{"bad gateway", http.StatusBadGateway, "", fault.ClassTransient, false},
		{"redirect", http.StatusFound, "", fault.ClassPermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Status:     http.StatusText(tt.status),
				Body:       io.NopCloser(strings.NewReader(tt.body)),
			}

			err := statusError("rpc", resp)

			if got := fault.Classify(err); got != tt.wantClass {
				t.Errorf("Classify() = %q, want %q", got, tt.wantClass)
			}
			if got := errors.Is(err, fault.ErrThrottled); got != tt.wantThrottled {
				t.Errorf("errors.Is(ErrThrottled) = %v, want %v", got, tt.wantThrottled)
			}
			if got := StatusCode(err); got != tt.status {
				t.Errorf("StatusCode() = %d, want %d", got, tt.status)
			}
			if tt.body != "" && !strings.Contains(err.Error(), tt.body) {
				t.Errorf("Error() = %q, want to contain body %q", err.Error(), tt.body)
			}
		})
	}
}

func TestStatusError_TruncatesBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusInternalServerError,
		Status:     "500 Internal Server Error",
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", 4096))),
	}

	err := statusError("rpc", resp)
	if len(err.Error()) > maxErrorBody+200 {
		t.Errorf("Error() length = %d, want body truncated to %d bytes", len(err.Error()), maxErrorBody)
	}
}

func TestStatusCode_NonRemote(t *testing.T) {
	if got := StatusCode(errors.New("plain")); got != 0 {
		t.Errorf("StatusCode() = %d, want 0", got)
	}
}
