package gateway

import (
	"errors"
	"testing"
)

func TestIsRetryableDriverError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"driver bad connection", errors.New("driver: bad connection"), true},
		{"invalid connection", errors.New("invalid connection"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"lost connection", errors.New("Error 2013: Lost connection to MySQL server during query"), true},
		{"gone away", errors.New("Error 2006: MySQL server has gone away"), true},
		{"i/o timeout", errors.New("read tcp 127.0.0.1:3306: i/o timeout"), true},
		{"syntax error, not retryable", errors.New("Error 1064: You have an error in your SQL syntax"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableDriverError(tt.err); got != tt.expected {
				t.Errorf("isRetryableDriverError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsConnRefused(t *testing.T) {
	if !isConnRefused(errors.New("dial tcp: connection refused")) {
		t.Error("expected connection refused to be detected from message")
	}
	if !isConnRefused(errors.New("Error 2003: Can't connect to MySQL server")) {
		t.Error("expected connection refused to be detected from MySQL error code")
	}
	if isConnRefused(errors.New("Error 1146: Table doesn't exist")) {
		t.Error("did not expect table-not-found to be classified as connection refused")
	}
}

func TestIsMySQLErrorCode(t *testing.T) {
	if !isMySQLErrorCode(errors.New("Error 1451: Cannot delete or update a parent row"), 1451) {
		t.Error("expected 1451 to match")
	}
	if isMySQLErrorCode(errors.New("Error 1062: Duplicate entry"), 1451) {
		t.Error("did not expect 1062 to match 1451")
	}
}

func TestCursorInvalidPattern(t *testing.T) {
	if !cursorInvalidPattern.MatchString("(0, '')") {
		t.Error("expected cursor-invalid pattern to match")
	}
	if cursorInvalidPattern.MatchString("(1, 'abc')") {
		t.Error("did not expect unrelated tuple to match")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short string changed it: %q", got)
	}
	if got := truncate("0123456789abcdef", 5); got != "01234..." {
		t.Errorf("truncate long string = %q", got)
	}
}

func TestNormalizeSQLValue(t *testing.T) {
	if got := normalizeSQLValue([]byte("hello")); got != "hello" {
		t.Errorf("normalizeSQLValue([]byte) = %v, want hello", got)
	}
	if got := normalizeSQLValue(42); got != 42 {
		t.Errorf("normalizeSQLValue(int) changed the value: %v", got)
	}
}
