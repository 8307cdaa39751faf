package sqlite

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// 死锁重试参数
const (
	maxRetryAttempts = 3
	retryDelay       = 10 * time.Millisecond
)

// ErrRetryExhausted 争用重试次数耗尽
var ErrRetryExhausted = errors.New("database contention: retries exhausted")

// isDeadlock 识别各方言的死锁/锁争用错误。
// MySQL 1213, PostgreSQL 40P01, SQLite busy/locked。
func isDeadlock(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	msg := err.Error()
	if strings.Contains(msg, "database is locked") {
		return true
	}
	if strings.Contains(msg, "Error 1213") || strings.Contains(msg, "Deadlock found") {
		return true
	}
	if strings.Contains(msg, "40P01") || strings.Contains(msg, "deadlock detected") {
		return true
	}

	return false
}

// withDeadlockRetry 对批量语句执行死锁感知重试。
// 非死锁错误直接上抛；死锁错误最多尝试3次，每次间隔短暂休眠。
func withDeadlockRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isDeadlock(err) {
			return err
		}
		if attempt < maxRetryAttempts {
			time.Sleep(retryDelay)
		}
	}
	return fmt.Errorf("%w: %v", ErrRetryExhausted, err)
}
