package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbinit "pasarguard/plane/db/init"
)

const userColumns = `id, username, proxies, status, expire, data_limit, used_traffic,
	last_status_change, online_at, edited_at, on_hold_expire_duration, on_hold_timeout, admin_id`

func scanUser(row interface{ Scan(...interface{}) error }) (*dbinit.User, error) {
	user := &dbinit.User{}
	err := row.Scan(
		&user.ID, &user.Username, &user.Proxies, &user.Status, &user.Expire,
		&user.DataLimit, &user.UsedTraffic, &user.LastStatusChange, &user.OnlineAt,
		&user.EditedAt, &user.OnHoldExpireDuration, &user.OnHoldTimeout, &user.AdminID,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser 获取用户（含用户组与下一套餐）
func (s *SQLiteDB) GetUser(id int64) (*dbinit.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	user, err := scanUser(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.loadUserRelations([]*dbinit.User{user}); err != nil {
		return nil, err
	}
	return user, nil
}

// UsersByStatus 按状态列出用户（含用户组与下一套餐）
func (s *SQLiteDB) UsersByStatus(statuses ...string) ([]*dbinit.User, error) {
	if len(statuses) == 0 {
		return nil, fmt.Errorf("at least one status required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := `SELECT ` + userColumns + ` FROM users WHERE status IN (` + placeholders + `) ORDER BY id ASC`

	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*dbinit.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadUserRelations(users); err != nil {
		return nil, err
	}
	return users, nil
}

// loadUserRelations 加载用户组与下一套餐
func (s *SQLiteDB) loadUserRelations(users []*dbinit.User) error {
	if len(users) == 0 {
		return nil
	}

	byID := make(map[int64]*dbinit.User, len(users))
	ids := make([]interface{}, 0, len(users))
	for _, u := range users {
		byID[u.ID] = u
		ids = append(ids, u.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	groupQuery := `
		SELECT ug.user_id, g.id, g.name, g.disabled, g.inbound_tags
		FROM user_groups ug JOIN groups g ON g.id = ug.group_id
		WHERE ug.user_id IN (` + placeholders + `)
	`
	rows, err := s.db.Query(groupQuery, ids...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var userID int64
		group := &dbinit.Group{}
		if err := rows.Scan(&userID, &group.ID, &group.Name, &group.Disabled, &group.InboundTags); err != nil {
			return err
		}
		if user, ok := byID[userID]; ok {
			user.Groups = append(user.Groups, group)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	planQuery := `
		SELECT user_id, data_limit, expire_duration, group_ids, add_remaining_traffic
		FROM next_plans WHERE user_id IN (` + placeholders + `)
	`
	planRows, err := s.db.Query(planQuery, ids...)
	if err != nil {
		return err
	}
	defer planRows.Close()

	for planRows.Next() {
		plan := &dbinit.NextPlan{}
		if err := planRows.Scan(&plan.UserID, &plan.DataLimit, &plan.ExpireDuration, &plan.GroupIDs, &plan.AddRemainingTraffic); err != nil {
			return err
		}
		if user, ok := byID[plan.UserID]; ok {
			user.NextPlan = plan
		}
	}
	return planRows.Err()
}

// AdminIDsByUser 批量查询 user-id → admin-id
func (s *SQLiteDB) AdminIDsByUser(userIDs []int64) (map[int64]int64, error) {
	result := make(map[int64]int64, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	rows, err := s.db.Query(`SELECT id, admin_id FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var userID, adminID int64
		if err := rows.Scan(&userID, &adminID); err != nil {
			return nil, err
		}
		result[userID] = adminID
	}

	return result, rows.Err()
}

// CommitUserUsage 按主键批量累加用户流量并刷新在线时间
func (s *SQLiteDB) CommitUserUsage(deltas map[int64]int64, now time.Time) error {
	if len(deltas) == 0 {
		return nil
	}

	return withDeadlockRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`UPDATE users SET used_traffic = used_traffic + ?, online_at = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for userID, delta := range deltas {
			if _, err := stmt.Exec(delta, now, userID); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

// UpdateUserStatus 更新用户状态
func (s *SQLiteDB) UpdateUserStatus(id int64, status string, changedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE users SET status=?, last_status_change=? WHERE id=?`, status, changedAt, id)
	return err
}

// ActivateOnHoldUser on-hold 激活：写入计算出的过期时间并清空 on-hold 计时器
func (s *SQLiteDB) ActivateOnHoldUser(id int64, expire time.Time, changedAt time.Time) error {
	query := `
		UPDATE users
		SET status=?, expire=?, on_hold_expire_duration=0, on_hold_timeout=NULL, last_status_change=?
		WHERE id=?
	`
	_, err := s.db.Exec(query, dbinit.UserActive, expire, changedAt, id)
	return err
}

// ResetUserByNext 应用下一套餐：清套餐、清流量、重设上限/过期/组，回到 active。
// 流量归零使用量提醒全部失效，一并删除；过期时间变化时剩余天数提醒同理，
// 否则阈值在新套餐下永远无法再次触发。
func (s *SQLiteDB) ResetUserByNext(user *dbinit.User, dataLimit int64, expire *time.Time, groupIDs []int64, changedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE users
		SET status=?, used_traffic=0, data_limit=?, expire=?, last_status_change=?
		WHERE id=?
	`
	if _, err := tx.Exec(query, dbinit.UserActive, dataLimit, expire, changedAt, user.ID); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM next_plans WHERE user_id=?`, user.ID); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`DELETE FROM notification_reminders WHERE user_id=? AND type=?`,
		user.ID, dbinit.ReminderUsagePercent); err != nil {
		return err
	}
	if expireChanged(user.Expire, expire) {
		if _, err := tx.Exec(
			`DELETE FROM notification_reminders WHERE user_id=? AND type=?`,
			user.ID, dbinit.ReminderDaysLeft); err != nil {
			return err
		}
	}

	if len(groupIDs) > 0 {
		if _, err := tx.Exec(`DELETE FROM user_groups WHERE user_id=?`, user.ID); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO user_groups (user_id, group_id) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, groupID := range groupIDs {
			if _, err := stmt.Exec(user.ID, groupID); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// expireChanged 新旧过期时间是否不同
func expireChanged(old, next *time.Time) bool {
	if (old == nil) != (next == nil) {
		return true
	}
	return old != nil && next != nil && !old.Equal(*next)
}
