package sqlite

import (
	"database/sql"

	dbinit "pasarguard/plane/db/init"
)

// GetAdmin 获取管理员
func (s *SQLiteDB) GetAdmin(id int64) (*dbinit.Admin, error) {
	admin := &dbinit.Admin{}
	err := s.db.QueryRow(`SELECT id, username, password, users_usage FROM admins WHERE id = ?`, id).
		Scan(&admin.ID, &admin.Username, &admin.Password, &admin.UsersUsage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return admin, err
}

// GetAdminByUsername 按用户名获取管理员
func (s *SQLiteDB) GetAdminByUsername(username string) (*dbinit.Admin, error) {
	admin := &dbinit.Admin{}
	err := s.db.QueryRow(`SELECT id, username, password, users_usage FROM admins WHERE username = ?`, username).
		Scan(&admin.ID, &admin.Username, &admin.Password, &admin.UsersUsage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return admin, err
}

// CommitAdminUsage 按主键批量累加管理员名下用户流量
func (s *SQLiteDB) CommitAdminUsage(deltas map[int64]int64) error {
	if len(deltas) == 0 {
		return nil
	}

	return withDeadlockRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`UPDATE admins SET users_usage = users_usage + ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for adminID, delta := range deltas {
			if _, err := stmt.Exec(delta, adminID); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}
