package sqlite

import (
	"database/sql"

	dbinit "pasarguard/plane/db/init"
)

// GetGroup 获取用户组
func (s *SQLiteDB) GetGroup(id int64) (*dbinit.Group, error) {
	group := &dbinit.Group{}
	err := s.db.QueryRow(
		`SELECT id, name, disabled, inbound_tags FROM groups WHERE id = ?`, id,
	).Scan(&group.ID, &group.Name, &group.Disabled, &group.InboundTags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return group, err
}

// ListGroups 列出用户组
func (s *SQLiteDB) ListGroups() ([]*dbinit.Group, error) {
	rows, err := s.db.Query(`SELECT id, name, disabled, inbound_tags FROM groups ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := []*dbinit.Group{}
	for rows.Next() {
		group := &dbinit.Group{}
		if err := rows.Scan(&group.ID, &group.Name, &group.Disabled, &group.InboundTags); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}

	return groups, rows.Err()
}
