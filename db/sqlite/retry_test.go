package sqlite

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
)

func TestIsDeadlock(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"SQLite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"SQLite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"SQLite约束错误", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"包装后的busy", fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
		{"MySQL死锁", errors.New("Error 1213 (40001): Deadlock found when trying to get lock"), true},
		{"PostgreSQL死锁", errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{"database is locked", errors.New("database is locked"), true},
		{"普通错误", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := isDeadlock(tt.err); got != tt.want {
				t.Errorf("isDeadlock(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithDeadlockRetrySucceedsAfterContention(t *testing.T) {
	calls := 0
	err := withDeadlockRetry(func() error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithDeadlockRetryExhausted(t *testing.T) {
	calls := 0
	err := withDeadlockRetry(func() error {
		calls++
		return errors.New("Error 1213: Deadlock found")
	})

	if calls != maxRetryAttempts {
		t.Errorf("calls = %d, want %d", calls, maxRetryAttempts)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error %v should wrap ErrRetryExhausted", err)
	}
}

func TestWithDeadlockRetryPassesThroughOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("constraint violation")
	err := withDeadlockRetry(func() error {
		calls++
		return boom
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for non-deadlock errors)", calls)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected original error, got %v", err)
	}
}
