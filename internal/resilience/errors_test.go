package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(errors.New("boom"), 500), true},
		{"wrapped transient", eris.Wrap(NewTransientError(errors.New("boom"), 502), "search: call"), true},
		{"explicit non-transient", NewNonTransientError(errors.New("bad key"), 401), false},
		{"non-transient wins over pattern", NewNonTransientError(errors.New("i/o timeout"), 400), false},
		{"plain error", errors.New("something else"), false},
		{"network pattern", errors.New("read tcp: connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := eris.Wrap(NewRateLimitedError(errors.New("429"), 7*time.Second), "enrich: batch")
	if got := RetryAfterHint(err); got != 7*time.Second {
		t.Errorf("RetryAfterHint() = %v, want 7s", got)
	}
	if got := RetryAfterHint(errors.New("plain")); got != 0 {
		t.Errorf("RetryAfterHint(plain) = %v, want 0", got)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d transient", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d non-transient", code)
		}
	}
}
