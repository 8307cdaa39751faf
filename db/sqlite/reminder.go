package sqlite

import (
	"time"
)

// InsertReminder 插入通知幂等标记。
// 唯一键冲突（同一阈值已记录）时返回 false，不视为错误。
func (s *SQLiteDB) InsertReminder(userID int64, reminderType string, threshold int) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO notification_reminders (user_id, type, threshold, created_at) VALUES (?, ?, ?, ?)`,
		userID, reminderType, threshold, time.Now(),
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// DeleteReminder 删除单个阈值的标记
func (s *SQLiteDB) DeleteReminder(userID int64, reminderType string, threshold int) error {
	_, err := s.db.Exec(
		`DELETE FROM notification_reminders WHERE user_id = ? AND type = ? AND threshold = ?`,
		userID, reminderType, threshold,
	)
	return err
}

// DeleteReminders 删除某用户某类型的全部标记。
// 上限/过期被调高时由变更路径调用，保证阈值再次越过时可以重新触发。
func (s *SQLiteDB) DeleteReminders(userID int64, reminderType string) error {
	_, err := s.db.Exec(
		`DELETE FROM notification_reminders WHERE user_id = ? AND type = ?`,
		userID, reminderType,
	)
	return err
}

// HasReminder 查询标记是否存在
func (s *SQLiteDB) HasReminder(userID int64, reminderType string, threshold int) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM notification_reminders WHERE user_id = ? AND type = ? AND threshold = ?`,
		userID, reminderType, threshold,
	).Scan(&count)
	return count > 0, err
}
