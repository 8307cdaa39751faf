package sqlite

import (
	"time"

	dbinit "pasarguard/plane/db/init"
)

// CommitNodeUserUsage 为参与本轮采集的 (用户, 小时, 节点) 确保明细行存在后累加。
// 缺失行以零流量插入，INSERT OR IGNORE 容忍并发竞争。
func (s *SQLiteDB) CommitNodeUserUsage(nodeID int64, hour time.Time, deltas map[int64]int64) error {
	if len(deltas) == 0 {
		return nil
	}

	return withDeadlockRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		insert, err := tx.Prepare(`INSERT OR IGNORE INTO node_user_usages (created_at, user_id, node_id, used_traffic) VALUES (?, ?, ?, 0)`)
		if err != nil {
			return err
		}
		defer insert.Close()

		update, err := tx.Prepare(`UPDATE node_user_usages SET used_traffic = used_traffic + ? WHERE created_at = ? AND user_id = ? AND node_id = ?`)
		if err != nil {
			return err
		}
		defer update.Close()

		for userID, delta := range deltas {
			if _, err := insert.Exec(hour, userID, nodeID); err != nil {
				return err
			}
			if _, err := update.Exec(delta, hour, userID, nodeID); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

// CommitNodeUsage 累加 (小时, 节点) 的出入站流量
func (s *SQLiteDB) CommitNodeUsage(nodeID int64, hour time.Time, uplink, downlink int64) error {
	if uplink == 0 && downlink == 0 {
		return nil
	}

	return withDeadlockRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`INSERT OR IGNORE INTO node_usages (created_at, node_id, uplink, downlink) VALUES (?, ?, 0, 0)`, hour, nodeID); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE node_usages SET uplink = uplink + ?, downlink = downlink + ? WHERE created_at = ? AND node_id = ?`, uplink, downlink, hour, nodeID); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// CommitSystemUsage 累加全局流量单行
func (s *SQLiteDB) CommitSystemUsage(uplink, downlink int64) error {
	if uplink == 0 && downlink == 0 {
		return nil
	}

	return withDeadlockRetry(func() error {
		_, err := s.db.Exec(`UPDATE system_usage SET uplink = uplink + ?, downlink = downlink + ? WHERE id = 1`, uplink, downlink)
		return err
	})
}

// GetSystemUsage 读取全局流量
func (s *SQLiteDB) GetSystemUsage() (*dbinit.SystemUsage, error) {
	usage := &dbinit.SystemUsage{}
	err := s.db.QueryRow(`SELECT uplink, downlink FROM system_usage WHERE id = 1`).
		Scan(&usage.Uplink, &usage.Downlink)
	return usage, err
}

// NodeUsages 查询时间范围内按节点的小时流量
func (s *SQLiteDB) NodeUsages(from, to time.Time) ([]*dbinit.NodeUsage, error) {
	query := `
		SELECT created_at, node_id, uplink, downlink FROM node_usages
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.Query(query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usages := []*dbinit.NodeUsage{}
	for rows.Next() {
		usage := &dbinit.NodeUsage{}
		if err := rows.Scan(&usage.CreatedAt, &usage.NodeID, &usage.Uplink, &usage.Downlink); err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	return usages, rows.Err()
}

// NodeUserUsages 查询某用户在时间范围内按节点的小时明细
func (s *SQLiteDB) NodeUserUsages(userID int64, from, to time.Time) ([]*dbinit.NodeUserUsage, error) {
	query := `
		SELECT created_at, user_id, node_id, used_traffic FROM node_user_usages
		WHERE user_id = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.Query(query, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usages := []*dbinit.NodeUserUsage{}
	for rows.Next() {
		usage := &dbinit.NodeUserUsage{}
		if err := rows.Scan(&usage.CreatedAt, &usage.UserID, &usage.NodeID, &usage.UsedTraffic); err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}

	return usages, rows.Err()
}
