package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection", &ConnectionError{Op: "dial", Err: errors.New("refused")}, true},
		{"wrapped connection", fmt.Errorf("commit: %w", &ConnectionError{Op: "send", Err: context.DeadlineExceeded}), true},
		{"timeout", &TransactionError{Op: "commit", Timeout: true}, true},
		{"revert", &TransactionError{Op: "commit", Reverted: true}, false},
		{"validation", &ValidationError{Field: "price", Value: "0", Bound: "[0.01, 100]"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestClassifiers(t *testing.T) {
	data := fmt.Errorf("load: %w", &DataError{Source: "csv", Reason: "missing column"})
	if !IsData(data) {
		t.Fatal("wrapped DataError should be detected")
	}
	if IsValidation(data) || IsRevert(data) {
		t.Fatal("DataError misclassified")
	}
	if !IsRevert(&TransactionError{Op: "batch", Reverted: true}) {
		t.Fatal("revert not detected")
	}
}

func TestIsTimeout(t *testing.T) {
	timeout := fmt.Errorf("reveal: %w", &TransactionError{Op: "reveal", TxID: "0xabc", Timeout: true, Err: context.DeadlineExceeded})
	if !IsTimeout(timeout) {
		t.Fatal("wrapped timeout not detected")
	}
	if IsTimeout(&TransactionError{Op: "reveal", Reverted: true}) || IsTimeout(&ConnectionError{Op: "send", Err: context.DeadlineExceeded}) {
		t.Fatal("non-timeout classified as timeout")
	}
}
