package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsFatalError(t *testing.T) {
	base := errors.New("solver error: ERROR_ZERO_BALANCE")

	if IsFatalError(base) {
		t.Error("plain error must not be fatal")
	}
	if !IsFatalError(NewFatalError(base)) {
		t.Error("wrapped error must be fatal")
	}
	if !IsFatalError(fmt.Errorf("solve round failed: %w", NewFatalError(base))) {
		t.Error("fatal must survive further wrapping")
	}
	if IsFatalError(nil) {
		t.Error("nil must not be fatal")
	}
}

func TestContainsFatalErrorString(t *testing.T) {
	if !ContainsFatalErrorString(errors.New("got error_zero_balance from service")) {
		t.Error("match must be case-insensitive")
	}
	if ContainsFatalErrorString(errors.New("connection refused")) {
		t.Error("transient error misclassified as fatal")
	}
	if ContainsFatalErrorString(nil) {
		t.Error("nil must not match")
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"chrome navigation", errors.New("page load error net::ERR_CONNECTION_CLOSED"), true},
		{"deadline", errors.New("context deadline exceeded"), true},
		{"fatal beats retryable", NewFatalError(errors.New("i/o timeout")), false},
		{"fatal string beats retryable", errors.New("ERROR_IP_BANNED after i/o timeout"), false},
		{"unsolved page", errors.New("page never became usable"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
